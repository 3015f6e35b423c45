package survey

// decide maps a submission response for round r onto the next step.
// Result bands are compared as the server sends them.
func decide(r Round, resp *SubmitResponse) Outcome {
	result := ""
	if resp.Result != nil {
		result = *resp.Result
	}
	ansID := resp.AnsID

	escalate := func(tier int) Outcome {
		return Outcome{
			Kind: OutcomeEscalated,
			Round: Round{
				Category: r.Category,
				Result:   result,
				Number:   tier,
				AnswerID: &ansID,
			},
		}
	}

	switch {
	case r.Number == TierInitial && result != "":
		if result == ResultModerate {
			return escalate(TierFull)
		}
		return escalate(TierShort)
	case r.Number == TierShort && result == ResultModerate:
		return escalate(TierFull)
	case result == ResultNone || result == ResultNegative:
		done := r
		done.Result = result
		done.AnswerID = &ansID
		return Outcome{Kind: OutcomeThankYou, Round: done}
	}

	done := r
	done.Result = result
	done.AnswerID = &ansID
	out := Outcome{Kind: OutcomeHandoff, Round: done}
	if resp.SurveyMessage != nil {
		out.Message = *resp.SurveyMessage
	}
	return out
}
