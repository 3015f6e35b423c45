package survey

import "sort"

// PageView is the question shown on the current page and, when unlocked,
// the dependent question rendered beneath it.
type PageView struct {
	Question  Question  `json:"question"`
	Dependent *Question `json:"dependent,omitempty"`
}

// View is a read-only snapshot of a session for the UI layer.
type View struct {
	SessionID string    `json:"session_id,omitempty"`
	State     State     `json:"state"`
	Round     Round     `json:"round"`
	Page      int       `json:"page"`
	PageCount int       `json:"page_count"`
	Steps     []Step    `json:"steps"`
	Current   *PageView `json:"current,omitempty"`
	Answers   []Answer  `json:"answers"`
	CanSubmit bool      `json:"can_submit"`
	Message   string    `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// View returns a snapshot of the session.
func (e *Engine) View() View {
	e.mu.Lock()
	defer e.mu.Unlock()
	v := View{
		State:     e.state,
		Round:     e.round,
		Page:      e.page,
		PageCount: len(e.order),
		Steps:     e.steps(),
		CanSubmit: e.canSubmit(),
		Message:   e.message,
		Answers:   []Answer{},
	}
	if e.lastErr != nil {
		v.Error = e.lastErr.Error()
	}
	for _, id := range sortedIDs(e.answers) {
		v.Answers = append(v.Answers, e.answers[id])
	}
	if (e.state == StateAnswering || e.state == StateSubmitting) && e.page < len(e.order) {
		id := e.order[e.page]
		pv := &PageView{Question: e.questions[id]}
		if dep, ok := e.visibleDependent(id); ok {
			pv.Dependent = &dep
		}
		v.Current = pv
	}
	return v
}

func sortedIDs(m map[int64]Answer) []int64 {
	ids := make([]int64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
