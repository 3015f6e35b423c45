package survey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/wellness/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// =========== Question Repository ===========

type questionRepoPG struct{ pool *pgxpool.Pool }

func NewQuestionRepoPG(pool *pgxpool.Pool) QuestionRepository {
	return &questionRepoPG{pool: pool}
}

func (r *questionRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const questionCols = `id, title, type, options, model_input_key, dependent_on, dependent_trigger`

func (r *questionRepoPG) scanQuestion(row pgx.Row) (Question, error) {
	var q Question
	var inputKey, trigger *string
	err := row.Scan(&q.ID, &q.Title, &q.Type, &q.Options, &inputKey, &q.DependentOn, &trigger)
	if inputKey != nil {
		q.ModelInputKey = *inputKey
	}
	if trigger != nil {
		q.Trigger = *trigger
	}
	return q, err
}

func (r *questionRepoPG) ListByRound(ctx context.Context, category string, phqNumber int) ([]Question, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+questionCols+` FROM survey_question
		WHERE category = $1 AND phq_number = $2 ORDER BY sort_order, id`, category, phqNumber)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Question
	for rows.Next() {
		q, err := r.scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, q)
	}
	return items, rows.Err()
}

func (r *questionRepoPG) Upsert(ctx context.Context, category string, phqNumber, sortOrder int, q Question) error {
	options, err := json.Marshal(q.Options)
	if err != nil {
		return fmt.Errorf("encode options: %w", err)
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO survey_question (id, category, phq_number, title, type, options,
			model_input_key, dependent_on, dependent_trigger, sort_order)
		VALUES ($1,$2,$3,$4,$5,$6,NULLIF($7,''),$8,NULLIF($9,''),$10)
		ON CONFLICT (id) DO UPDATE SET category=EXCLUDED.category, phq_number=EXCLUDED.phq_number,
			title=EXCLUDED.title, type=EXCLUDED.type, options=EXCLUDED.options,
			model_input_key=EXCLUDED.model_input_key, dependent_on=EXCLUDED.dependent_on,
			dependent_trigger=EXCLUDED.dependent_trigger, sort_order=EXCLUDED.sort_order,
			updated_at=NOW()`,
		q.ID, category, phqNumber, q.Title, string(q.Type), options,
		q.ModelInputKey, q.DependentOn, q.Trigger, sortOrder)
	return err
}

// =========== Response Repository ===========

type responseRepoPG struct{ pool *pgxpool.Pool }

func NewResponseRepoPG(pool *pgxpool.Pool) ResponseRepository {
	return &responseRepoPG{pool: pool}
}

func (r *responseRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const responseCols = `id, patient_id, category, phq_number, parent_ans_id, score, result,
	survey_message, validic_uid, device_type, created_at`

func (r *responseRepoPG) scanResponse(row pgx.Row) (*StoredResponse, error) {
	var s StoredResponse
	err := row.Scan(&s.ID, &s.PatientID, &s.Category, &s.PHQNumber, &s.ParentAnsID, &s.Score, &s.Result,
		&s.SurveyMessage, &s.ValidicUID, &s.DeviceType, &s.CreatedAt)
	return &s, err
}

func (r *responseRepoPG) Create(ctx context.Context, s *StoredResponse) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		err := r.conn(ctx).QueryRow(ctx, `
			INSERT INTO survey_response (patient_id, category, phq_number, parent_ans_id, score,
				result, survey_message, validic_uid, device_type)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			RETURNING id, created_at`,
			s.PatientID, s.Category, s.PHQNumber, s.ParentAnsID, s.Score,
			s.Result, s.SurveyMessage, s.ValidicUID, s.DeviceType).Scan(&s.ID, &s.CreatedAt)
		if err != nil {
			return err
		}
		for _, a := range s.Answers {
			keys, _ := json.Marshal(a.Keys)
			labels, _ := json.Marshal(a.Labels)
			if _, err := r.conn(ctx).Exec(ctx, `
				INSERT INTO survey_response_answer (response_id, question_id, option_keys, option_labels,
					title, type, model_input_key)
				VALUES ($1,$2,$3,$4,$5,$6,NULLIF($7,''))`,
				s.ID, a.QuestionID, keys, labels, a.Title, string(a.Type), a.ModelInputKey); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *responseRepoPG) LatestForRound(ctx context.Context, patientID, category string, phqNumber int) (*StoredResponse, error) {
	s, err := r.scanResponse(r.conn(ctx).QueryRow(ctx, `SELECT `+responseCols+` FROM survey_response
		WHERE patient_id = $1 AND category = $2 AND phq_number = $3
		ORDER BY created_at DESC, id DESC LIMIT 1`, patientID, category, phqNumber))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT question_id, option_keys, option_labels, title, type, model_input_key
		FROM survey_response_answer WHERE response_id = $1 ORDER BY question_id`, s.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var a Answer
		var inputKey *string
		if err := rows.Scan(&a.QuestionID, &a.Keys, &a.Labels, &a.Title, &a.Type, &inputKey); err != nil {
			return nil, err
		}
		if inputKey != nil {
			a.ModelInputKey = *inputKey
		}
		s.Answers = append(s.Answers, a)
	}
	return s, rows.Err()
}

func (r *responseRepoPG) ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*StoredResponse, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM survey_response WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+responseCols+` FROM survey_response WHERE patient_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*StoredResponse
	for rows.Next() {
		s, err := r.scanResponse(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, s)
	}
	return items, total, nil
}

func (r *responseRepoPG) SaveProfile(ctx context.Context, sub ProfileSubmission) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		for _, a := range sub.Answers {
			keys, _ := json.Marshal(a.Keys)
			labels, _ := json.Marshal(a.Labels)
			if _, err := r.conn(ctx).Exec(ctx, `
				INSERT INTO profile_answer (patient_id, category, question_id, option_keys, option_labels, title, type)
				VALUES ($1,$2,$3,$4,$5,$6,$7)
				ON CONFLICT (patient_id, category, question_id) DO UPDATE SET
					option_keys=EXCLUDED.option_keys, option_labels=EXCLUDED.option_labels,
					title=EXCLUDED.title, type=EXCLUDED.type, updated_at=NOW()`,
				sub.PatientID, sub.Category, a.QuestionID, keys, labels, a.Title, string(a.Type)); err != nil {
				return err
			}
		}
		return nil
	})
}
