package survey

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrNotSupported is returned when the configured backend cannot serve a call.
var ErrNotSupported = errors.New("survey: not supported by backend")

// Backend is everything the service needs from a question source.
type Backend interface {
	QuestionProvider
	SubmissionService
	ProfileSaver
	ProfileQuestions(ctx context.Context, category string) ([]Question, error)
}

// ResponseLister is implemented by backends that keep submissions locally.
type ResponseLister interface {
	Responses(ctx context.Context, patientID string, limit, offset int) ([]*StoredResponse, int, error)
}

// DraftStore keeps resumable session state keyed by session id.
type DraftStore interface {
	Get(ctx context.Context, sessionID string) (*Draft, error)
	Set(ctx context.Context, sessionID string, d Draft) error
	Delete(ctx context.Context, sessionID string) error
}

// EventPublisher emits session lifecycle events.
type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
}

// Metrics records session activity. kv are alternating label names and values.
type Metrics interface {
	Inc(name string, kv ...string)
	Add(name string, delta int64)
}

type nopMetrics struct{}

func (nopMetrics) Inc(string, ...string) {}
func (nopMetrics) Add(string, int64)     {}

// Metric names.
const (
	MetricSessionsCreated = "survey_sessions_created_total"
	MetricSessionsActive  = "survey_sessions_active"
	MetricRoundsSubmitted = "survey_rounds_submitted_total"
	MetricFailures        = "survey_failures_total"
	MetricProfilesSaved   = "profile_questionnaires_saved_total"
)

// Routing keys of published events.
const (
	EventCompleted = "survey.completed"
	EventHandoff   = "survey.handoff"
)

// CompletionEvent is published when a session reaches a terminal state.
type CompletionEvent struct {
	SessionID  string      `json:"session_id"`
	PatientID  string      `json:"patient_id"`
	Category   string      `json:"category"`
	PHQNumber  int         `json:"phq_number"`
	Result     string      `json:"result"`
	AnsID      *int64      `json:"ans_id,omitempty"`
	Outcome    OutcomeKind `json:"outcome"`
	Message    string      `json:"message,omitempty"`
	OccurredAt time.Time   `json:"occurred_at"`
}

// CreateSessionRequest starts or resumes a screening session.
type CreateSessionRequest struct {
	Category   string `json:"category"`
	ValidicUID string `json:"validic_uid"`
	DeviceType string `json:"device_type"`
	ResumeID   string `json:"resume_id"`
}

type session struct {
	id        uuid.UUID
	patientID string
	engine    *Engine
	lastSeen  atomic.Int64 // unix nanos
}

func (s *session) touch(now time.Time) { s.lastSeen.Store(now.UnixNano()) }

func (s *session) idleSince(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.lastSeen.Load()))
}

// Limits on sessions held in memory. Evicted sessions come back from their
// draft on the next request.
const (
	DefaultIdleTTL       = 30 * time.Minute
	DefaultMaxPerPatient = 5
)

// Service hosts questionnaire engines for the HTTP layer, one per session.
type Service struct {
	backend         Backend
	drafts          DraftStore
	events          EventPublisher
	metrics         Metrics
	logger          zerolog.Logger
	profilePageSize int
	deviceType      string
	idleTTL         time.Duration
	maxPerPatient   int
	now             func() time.Time

	mu       sync.RWMutex
	sessions map[uuid.UUID]*session
	swept    time.Time
}

func NewService(backend Backend, drafts DraftStore, events EventPublisher, logger zerolog.Logger) *Service {
	return &Service{
		backend:         backend,
		drafts:          drafts,
		events:          events,
		metrics:         nopMetrics{},
		logger:          logger,
		profilePageSize: 3,
		idleTTL:         DefaultIdleTTL,
		maxPerPatient:   DefaultMaxPerPatient,
		now:             time.Now,
		sessions:        make(map[uuid.UUID]*session),
	}
}

// SetIdleTTL sets how long an untouched session stays in memory.
func (s *Service) SetIdleTTL(d time.Duration) {
	if d > 0 {
		s.idleTTL = d
	}
}

// SetMaxSessionsPerPatient caps the live sessions of one patient; creating
// one more evicts the least recently used.
func (s *Service) SetMaxSessionsPerPatient(n int) {
	if n > 0 {
		s.maxPerPatient = n
	}
}

// SetProfilePageSize sets the page size of the profile questionnaire.
func (s *Service) SetProfilePageSize(n int) {
	if n > 0 {
		s.profilePageSize = n
	}
}

// SetMetrics sets the metrics sink.
func (s *Service) SetMetrics(m Metrics) {
	if m != nil {
		s.metrics = m
	}
}

// SetDefaultDeviceType sets the device type sent when the client omits one.
func (s *Service) SetDefaultDeviceType(t string) {
	s.deviceType = t
}

func (s *Service) newEngine(patientID string, round Round, opts ...EngineOption) *Engine {
	base := []EngineOption{
		WithPatient(patientID),
		WithLogger(s.logger.With().Str("patient_id", patientID).Logger()),
	}
	return NewEngine(s.backend, s.backend, round, append(base, opts...)...)
}

// CreateSession starts a session and loads its first round. A load failure
// still returns the session so the client can retry the load.
func (s *Service) CreateSession(ctx context.Context, patientID string, req CreateSessionRequest) (View, error) {
	if patientID == "" {
		return View{}, fmt.Errorf("patient_id is required")
	}
	if req.ResumeID != "" {
		if id, err := uuid.Parse(req.ResumeID); err == nil {
			if sess, err := s.lookup(ctx, patientID, id); err == nil {
				return s.viewOf(sess), nil
			}
		}
	}
	if req.Category == "" {
		return View{}, fmt.Errorf("category is required")
	}
	validic := ValidicDetails{ValidicUID: req.ValidicUID, DeviceType: req.DeviceType}
	if validic.DeviceType == "" {
		validic.DeviceType = s.deviceType
	}

	sess := &session{
		id:        uuid.New(),
		patientID: patientID,
		engine:    s.newEngine(patientID, InitialRound(req.Category), WithValidic(validic)),
	}
	s.mu.Lock()
	s.insertLocked(sess)
	s.mu.Unlock()
	s.metrics.Inc(MetricSessionsCreated, "category", req.Category)

	s.logger.Info().Str("session_id", sess.id.String()).Str("category", req.Category).Msg("survey session created")

	_, err := sess.engine.Load(ctx)
	s.saveDraft(ctx, sess)
	if errors.Is(err, ErrLoadFailure) {
		s.metrics.Inc(MetricFailures, "op", "load")
	} else if err != nil {
		return s.viewOf(sess), err
	}
	return s.viewOf(sess), nil
}

// lookup returns a live session, rehydrating it from the draft store when
// it is not held in memory.
func (s *Service) lookup(ctx context.Context, patientID string, id uuid.UUID) (*session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if ok {
		if sess.patientID != patientID {
			return nil, ErrSessionNotFound
		}
		sess.touch(s.now())
		return sess, nil
	}
	if s.drafts == nil {
		return nil, ErrSessionNotFound
	}
	d, err := s.drafts.Get(ctx, id.String())
	if err != nil {
		return nil, fmt.Errorf("read draft: %w", err)
	}
	if d == nil || d.PatientID != patientID {
		return nil, ErrSessionNotFound
	}

	sess = &session{id: id, patientID: patientID, engine: s.newEngine(patientID, d.Round, WithDraft(*d))}
	s.mu.Lock()
	if existing, ok := s.sessions[id]; ok {
		sess = existing
		sess.touch(s.now())
	} else {
		s.insertLocked(sess)
	}
	s.mu.Unlock()

	if _, err := sess.engine.Load(ctx); err != nil {
		s.logger.Warn().Err(err).Str("session_id", id.String()).Msg("resumed session did not load")
	}
	s.logger.Info().Str("session_id", id.String()).Msg("survey session resumed from draft")
	return sess, nil
}

// insertLocked adds sess to the live set after dropping idle sessions and
// making room under the patient's cap. s.mu must be held.
func (s *Service) insertLocked(sess *session) {
	now := s.now()
	s.sweepLocked(now)

	var mine []*session
	for _, other := range s.sessions {
		if other.patientID == sess.patientID {
			mine = append(mine, other)
		}
	}
	for len(mine) >= s.maxPerPatient {
		oldest := -1
		for i, other := range mine {
			if other.engine.State() == StateSubmitting {
				continue
			}
			if oldest < 0 || other.lastSeen.Load() < mine[oldest].lastSeen.Load() {
				oldest = i
			}
		}
		if oldest < 0 {
			break
		}
		s.removeLocked(mine[oldest].id, "patient_cap")
		mine = append(mine[:oldest], mine[oldest+1:]...)
	}

	sess.touch(now)
	s.sessions[sess.id] = sess
	s.metrics.Add(MetricSessionsActive, 1)
}

// sweepLocked drops sessions untouched for longer than the idle TTL. It runs
// at most once per TTL. s.mu must be held.
func (s *Service) sweepLocked(now time.Time) {
	if now.Sub(s.swept) < s.idleTTL {
		return
	}
	for id, sess := range s.sessions {
		if sess.idleSince(now) > s.idleTTL && sess.engine.State() != StateSubmitting {
			s.removeLocked(id, "idle")
		}
	}
	s.swept = now
}

func (s *Service) removeLocked(id uuid.UUID, reason string) {
	if _, ok := s.sessions[id]; !ok {
		return
	}
	delete(s.sessions, id)
	s.metrics.Add(MetricSessionsActive, -1)
	s.logger.Debug().Str("session_id", id.String()).Str("reason", reason).Msg("survey session evicted")
}

func (s *Service) viewOf(sess *session) View {
	v := sess.engine.View()
	v.SessionID = sess.id.String()
	return v
}

func (s *Service) saveDraft(ctx context.Context, sess *session) {
	if s.drafts == nil {
		return
	}
	if err := s.drafts.Set(ctx, sess.id.String(), sess.engine.Draft()); err != nil {
		s.logger.Warn().Err(err).Str("session_id", sess.id.String()).Msg("failed to save draft")
	}
}

func (s *Service) dropDraft(ctx context.Context, sess *session) {
	if s.drafts == nil {
		return
	}
	if err := s.drafts.Delete(ctx, sess.id.String()); err != nil {
		s.logger.Warn().Err(err).Str("session_id", sess.id.String()).Msg("failed to delete draft")
	}
}

// View returns the current snapshot of a session.
func (s *Service) View(ctx context.Context, patientID string, id uuid.UUID) (View, error) {
	sess, err := s.lookup(ctx, patientID, id)
	if err != nil {
		return View{}, err
	}
	return s.viewOf(sess), nil
}

// Load retries loading the current round.
func (s *Service) Load(ctx context.Context, patientID string, id uuid.UUID) (View, error) {
	sess, err := s.lookup(ctx, patientID, id)
	if err != nil {
		return View{}, err
	}
	if _, err := sess.engine.Load(ctx); err != nil {
		if errors.Is(err, ErrLoadFailure) {
			s.metrics.Inc(MetricFailures, "op", "load")
		}
		return s.viewOf(sess), err
	}
	s.saveDraft(ctx, sess)
	return s.viewOf(sess), nil
}

// Start leaves the intro.
func (s *Service) Start(ctx context.Context, patientID string, id uuid.UUID) (View, error) {
	return s.mutate(ctx, patientID, id, func(e *Engine) error { return e.Start() })
}

// Answer records an answer for a question of the session.
func (s *Service) Answer(ctx context.Context, patientID string, id uuid.UUID, questionID int64, keys []string) (View, error) {
	return s.mutate(ctx, patientID, id, func(e *Engine) error {
		_, err := e.SelectAnswer(questionID, keys...)
		return err
	})
}

// Next moves the session one page forward.
func (s *Service) Next(ctx context.Context, patientID string, id uuid.UUID) (View, error) {
	return s.mutate(ctx, patientID, id, func(e *Engine) error { return e.NextPage() })
}

// Prev moves the session one page back.
func (s *Service) Prev(ctx context.Context, patientID string, id uuid.UUID) (View, error) {
	return s.mutate(ctx, patientID, id, func(e *Engine) error { return e.PrevPage() })
}

func (s *Service) mutate(ctx context.Context, patientID string, id uuid.UUID, fn func(*Engine) error) (View, error) {
	sess, err := s.lookup(ctx, patientID, id)
	if err != nil {
		return View{}, err
	}
	if err := fn(sess.engine); err != nil {
		return s.viewOf(sess), err
	}
	s.saveDraft(ctx, sess)
	return s.viewOf(sess), nil
}

// Submit submits the current round of a session. Terminal outcomes are
// published and clear the draft.
func (s *Service) Submit(ctx context.Context, patientID string, id uuid.UUID) (Outcome, View, error) {
	sess, err := s.lookup(ctx, patientID, id)
	if err != nil {
		return Outcome{}, View{}, err
	}
	from := sess.engine.Round()
	out, err := sess.engine.Submit(ctx)
	if out.Kind == "" {
		if errors.Is(err, ErrSubmissionFailure) {
			s.metrics.Inc(MetricFailures, "op", "submit")
		}
		return out, s.viewOf(sess), err
	}
	s.metrics.Inc(MetricRoundsSubmitted, "category", from.Category,
		"phq_number", strconv.Itoa(from.Number), "outcome", string(out.Kind))
	if errors.Is(err, ErrLoadFailure) {
		s.metrics.Inc(MetricFailures, "op", "load")
	}

	switch out.Kind {
	case OutcomeEscalated:
		s.saveDraft(ctx, sess)
	case OutcomeThankYou, OutcomeHandoff:
		s.dropDraft(ctx, sess)
		s.publish(ctx, sess, out)
		s.mu.Lock()
		if s.sessions[sess.id] == sess {
			s.removeLocked(sess.id, "finished")
		}
		s.mu.Unlock()
	}
	return out, s.viewOf(sess), err
}

func (s *Service) publish(ctx context.Context, sess *session, out Outcome) {
	if s.events == nil {
		return
	}
	key := EventCompleted
	if out.Kind == OutcomeHandoff {
		key = EventHandoff
	}
	evt := CompletionEvent{
		SessionID:  sess.id.String(),
		PatientID:  sess.patientID,
		Category:   out.Round.Category,
		PHQNumber:  out.Round.Number,
		Result:     out.Round.Result,
		AnsID:      out.Round.AnswerID,
		Outcome:    out.Kind,
		Message:    out.Message,
		OccurredAt: time.Now().UTC(),
	}
	if err := s.events.Publish(ctx, key, evt); err != nil {
		s.logger.Error().Err(err).Str("session_id", sess.id.String()).Str("routing_key", key).Msg("failed to publish survey event")
	}
}

// Close tears a session down and forgets its draft.
func (s *Service) Close(ctx context.Context, patientID string, id uuid.UUID) error {
	sess, err := s.lookup(ctx, patientID, id)
	if err != nil {
		return err
	}
	sess.engine.Close()
	s.mu.Lock()
	s.removeLocked(id, "closed")
	s.mu.Unlock()
	s.dropDraft(ctx, sess)
	s.logger.Info().Str("session_id", id.String()).Msg("survey session closed")
	return nil
}

// ProfilePages returns the profile questionnaire grouped into pages.
func (s *Service) ProfilePages(ctx context.Context, category string) ([][]Question, error) {
	pq, err := s.profile(ctx, category)
	if err != nil {
		return nil, err
	}
	return pq.Pages(), nil
}

func (s *Service) profile(ctx context.Context, category string) (*ProfileQuestionnaire, error) {
	if category == "" {
		category = CategoryProfile
	}
	qs, err := s.backend.ProfileQuestions(ctx, category)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadFailure, err)
	}
	return NewProfileQuestionnaire(category, qs, s.profilePageSize)
}

// SaveProfile validates and stores a completed profile questionnaire.
func (s *Service) SaveProfile(ctx context.Context, patientID, category string, selections map[int64][]string) ([]Answer, error) {
	pq, err := s.profile(ctx, category)
	if err != nil {
		return nil, err
	}
	for qid, keys := range selections {
		if err := pq.Select(qid, keys...); err != nil {
			return nil, err
		}
	}
	for !pq.IsLastPage() {
		pq.Next()
	}
	if err := pq.Submit(ctx, s.backend, patientID); err != nil {
		s.metrics.Inc(MetricFailures, "op", "profile_save")
		return nil, err
	}
	s.metrics.Inc(MetricProfilesSaved, "category", pq.category)
	return pq.Answers(), nil
}

// Responses lists a patient's stored submissions when the backend keeps them.
func (s *Service) Responses(ctx context.Context, patientID string, limit, offset int) ([]*StoredResponse, int, error) {
	lister, ok := s.backend.(ResponseLister)
	if !ok {
		return nil, 0, ErrNotSupported
	}
	return lister.Responses(ctx, patientID, limit, offset)
}
