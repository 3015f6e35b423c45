package survey

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// LocalBackend serves questions from the catalogue tables and scores
// submissions in-process. It implements QuestionProvider,
// SubmissionService and ProfileSaver.
type LocalBackend struct {
	questions QuestionRepository
	responses ResponseRepository
	logger    zerolog.Logger
}

func NewLocalBackend(questions QuestionRepository, responses ResponseRepository, logger zerolog.Logger) *LocalBackend {
	return &LocalBackend{questions: questions, responses: responses, logger: logger}
}

// Questions returns the round's questions. The patient's latest submission
// of the same tier comes back as the resume snapshot.
func (b *LocalBackend) Questions(ctx context.Context, req QuestionRequest) (*QuestionSet, error) {
	if req.Category == "" {
		return nil, fmt.Errorf("category is required")
	}
	qs, err := b.questions.ListByRound(ctx, req.Category, req.PHQNumber)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	set := &QuestionSet{Questions: qs}
	if req.PatientID != "" {
		prior, err := b.responses.LatestForRound(ctx, req.PatientID, req.Category, req.PHQNumber)
		if err != nil {
			b.logger.Warn().Err(err).Str("category", req.Category).Int("phq_number", req.PHQNumber).Msg("prior submission lookup failed")
		} else if prior != nil {
			set.SurveyAns = &SurveyAnswers{Itr1Answers: prior.Answers}
		}
	}
	return set, nil
}

// Submit scores and stores a round and returns its classification.
func (b *LocalBackend) Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error) {
	if req.Category == "" {
		return nil, fmt.Errorf("category is required")
	}
	if req.PatientID == "" {
		return nil, fmt.Errorf("patient_id is required")
	}
	qs, err := b.questions.ListByRound(ctx, req.Category, req.PHQNumber)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	score, err := Score(qs, req.Answers)
	if err != nil {
		return nil, err
	}
	result, msg, err := Classify(req.PHQNumber, score, req.Answers)
	if err != nil {
		return nil, err
	}

	stored := &StoredResponse{
		PatientID:   req.PatientID,
		Category:    req.Category,
		PHQNumber:   req.PHQNumber,
		ParentAnsID: req.AnsID,
		Score:       score,
		Result:      &result,
		Answers:     req.Answers,
	}
	if msg != "" {
		stored.SurveyMessage = &msg
	}
	if req.ValidicDetails.ValidicUID != "" {
		stored.ValidicUID = &req.ValidicDetails.ValidicUID
	}
	if req.ValidicDetails.DeviceType != "" {
		stored.DeviceType = &req.ValidicDetails.DeviceType
	}
	if err := b.responses.Create(ctx, stored); err != nil {
		return nil, fmt.Errorf("store response: %w", err)
	}

	b.logger.Info().Int64("ans_id", stored.ID).Str("category", req.Category).
		Int("phq_number", req.PHQNumber).Int("score", score).Str("result", result).Msg("survey scored")
	return &SubmitResponse{AnsID: stored.ID, Result: stored.Result, SurveyMessage: stored.SurveyMessage}, nil
}

// SaveProfile stores profile questionnaire answers.
func (b *LocalBackend) SaveProfile(ctx context.Context, sub ProfileSubmission) error {
	if sub.PatientID == "" {
		return fmt.Errorf("patient_id is required")
	}
	if len(sub.Answers) == 0 {
		return fmt.Errorf("answers are required")
	}
	return b.responses.SaveProfile(ctx, sub)
}

// ProfileQuestions returns the flat question list of a profile category.
func (b *LocalBackend) ProfileQuestions(ctx context.Context, category string) ([]Question, error) {
	return b.questions.ListByRound(ctx, category, TierInitial)
}

// Responses lists stored submissions of a patient.
func (b *LocalBackend) Responses(ctx context.Context, patientID string, limit, offset int) ([]*StoredResponse, int, error) {
	return b.responses.ListByPatient(ctx, patientID, limit, offset)
}
