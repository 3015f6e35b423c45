package survey

import (
	"context"
)

type QuestionRepository interface {
	ListByRound(ctx context.Context, category string, phqNumber int) ([]Question, error)
	Upsert(ctx context.Context, category string, phqNumber, sortOrder int, q Question) error
}

type ResponseRepository interface {
	Create(ctx context.Context, r *StoredResponse) error
	// LatestForRound returns nil when the patient never submitted the tier.
	LatestForRound(ctx context.Context, patientID, category string, phqNumber int) (*StoredResponse, error)
	ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*StoredResponse, int, error)
	// Profile answers
	SaveProfile(ctx context.Context, sub ProfileSubmission) error
}
