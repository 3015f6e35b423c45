// Package upstream talks to the remote health-records API that owns the
// question catalogue and classifies submissions.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/wellness/internal/domain/survey"
)

const (
	questionsPath = "/survey/questions"
	submitPath    = "/survey/submit"
	profilePath   = "/profile/questionnaire"

	// PatientHeader carries the patient the call is made for.
	PatientHeader = "X-Patient-ID"

	maxErrorBody = 4 << 10
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s returned status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// Client implements the question provider, submission service and profile
// saver on top of the upstream API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  zerolog.Logger
}

func NewClient(baseURL, token string, timeout time.Duration, logger zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

func (c *Client) Questions(ctx context.Context, req survey.QuestionRequest) (*survey.QuestionSet, error) {
	var set survey.QuestionSet
	if err := c.post(ctx, questionsPath, req.PatientID, req, &set); err != nil {
		return nil, err
	}
	return &set, nil
}

func (c *Client) Submit(ctx context.Context, req survey.SubmitRequest) (*survey.SubmitResponse, error) {
	var resp survey.SubmitResponse
	if err := c.post(ctx, submitPath, req.PatientID, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SaveProfile only checks that the save was accepted; the body is ignored.
func (c *Client) SaveProfile(ctx context.Context, sub survey.ProfileSubmission) error {
	return c.post(ctx, profilePath, sub.PatientID, sub, nil)
}

// ProfileQuestions fetches the flat profile question list through the
// question endpoint.
func (c *Client) ProfileQuestions(ctx context.Context, category string) ([]survey.Question, error) {
	set, err := c.Questions(ctx, survey.QuestionRequest{Category: category, PHQNumber: survey.TierInitial})
	if err != nil {
		return nil, err
	}
	return set.Questions, nil
}

func (c *Client) post(ctx context.Context, path, patientID string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if patientID != "" {
		req.Header.Set(PatientHeader, patientID)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	c.logger.Debug().Str("path", path).Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).Msg("upstream call")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Method: http.MethodPost, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
