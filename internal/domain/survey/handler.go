package survey

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/wellness/internal/platform/auth"
	"github.com/ehr/wellness/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	sessions := api.Group("/survey-sessions")
	sessions.POST("", h.CreateSession)
	sessions.GET("/:id", h.GetSession)
	sessions.POST("/:id/load", h.LoadSession)
	sessions.POST("/:id/start", h.StartSession)
	sessions.PUT("/:id/answers/:question_id", h.SelectAnswer)
	sessions.POST("/:id/next", h.NextPage)
	sessions.POST("/:id/prev", h.PrevPage)
	sessions.POST("/:id/submit", h.Submit)
	sessions.DELETE("/:id", h.CloseSession)

	api.GET("/survey-responses", h.ListResponses)
	api.GET("/profile-questionnaire", h.GetProfileQuestionnaire)
	api.POST("/profile-questionnaire", h.SaveProfile)
}

// AnswerRequest is the body of the select-answer endpoint.
type AnswerRequest struct {
	OptionKeys []string `json:"option_keys"`
}

// SubmitResult is returned by the submit endpoint.
type SubmitResult struct {
	Outcome Outcome `json:"outcome"`
	Session View    `json:"session"`
}

// ProfileSelection is one answered profile question.
type ProfileSelection struct {
	QuestionID int64    `json:"question_id"`
	OptionKeys []string `json:"option_keys"`
}

// SaveProfileRequest is the body of the profile save endpoint.
type SaveProfileRequest struct {
	Category string             `json:"category"`
	Answers  []ProfileSelection `json:"answers"`
}

// ProfileQuestionnaireView lists profile questions grouped by page.
type ProfileQuestionnaireView struct {
	Category string       `json:"category"`
	Pages    [][]Question `json:"pages"`
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "survey session not found")
	case errors.Is(err, ErrInvalidAnswer):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrIllegalTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrLoadFailure), errors.Is(err, ErrSubmissionFailure):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	case errors.Is(err, ErrNotSupported):
		return echo.NewHTTPError(http.StatusNotImplemented, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func patientID(c echo.Context) (string, error) {
	pid := auth.UserIDFromContext(c.Request().Context())
	if pid == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "missing subject")
	}
	return pid, nil
}

func sessionParams(c echo.Context) (string, uuid.UUID, error) {
	pid, err := patientID(c)
	if err != nil {
		return "", uuid.Nil, err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return "", uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return pid, id, nil
}

func (h *Handler) CreateSession(c echo.Context) error {
	pid, err := patientID(c)
	if err != nil {
		return err
	}
	var req CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Category == "" && req.ResumeID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "category is required")
	}
	v, err := h.svc.CreateSession(c.Request().Context(), pid, req)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, v)
}

func (h *Handler) GetSession(c echo.Context) error {
	pid, id, err := sessionParams(c)
	if err != nil {
		return err
	}
	v, err := h.svc.View(c.Request().Context(), pid, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) LoadSession(c echo.Context) error {
	pid, id, err := sessionParams(c)
	if err != nil {
		return err
	}
	v, err := h.svc.Load(c.Request().Context(), pid, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) StartSession(c echo.Context) error {
	pid, id, err := sessionParams(c)
	if err != nil {
		return err
	}
	v, err := h.svc.Start(c.Request().Context(), pid, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) SelectAnswer(c echo.Context) error {
	pid, id, err := sessionParams(c)
	if err != nil {
		return err
	}
	qid, err := strconv.ParseInt(c.Param("question_id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid question_id")
	}
	var req AnswerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	v, err := h.svc.Answer(c.Request().Context(), pid, id, qid, req.OptionKeys)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) NextPage(c echo.Context) error {
	pid, id, err := sessionParams(c)
	if err != nil {
		return err
	}
	v, err := h.svc.Next(c.Request().Context(), pid, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) PrevPage(c echo.Context) error {
	pid, id, err := sessionParams(c)
	if err != nil {
		return err
	}
	v, err := h.svc.Prev(c.Request().Context(), pid, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) Submit(c echo.Context) error {
	pid, id, err := sessionParams(c)
	if err != nil {
		return err
	}
	out, v, err := h.svc.Submit(c.Request().Context(), pid, id)
	if err != nil {
		// An escalation whose next round failed to load is still a
		// successful submission; the client retries through /load.
		if out.Kind == OutcomeEscalated && errors.Is(err, ErrLoadFailure) {
			return c.JSON(http.StatusOK, SubmitResult{Outcome: out, Session: v})
		}
		return httpError(err)
	}
	return c.JSON(http.StatusOK, SubmitResult{Outcome: out, Session: v})
}

func (h *Handler) CloseSession(c echo.Context) error {
	pid, id, err := sessionParams(c)
	if err != nil {
		return err
	}
	if err := h.svc.Close(c.Request().Context(), pid, id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ListResponses(c echo.Context) error {
	pid, err := patientID(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.Responses(c.Request().Context(), pid, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL.Path))
}

func (h *Handler) GetProfileQuestionnaire(c echo.Context) error {
	category := c.QueryParam("category")
	if category == "" {
		category = CategoryProfile
	}
	pages, err := h.svc.ProfilePages(c.Request().Context(), category)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, ProfileQuestionnaireView{Category: category, Pages: pages})
}

func (h *Handler) SaveProfile(c echo.Context) error {
	pid, err := patientID(c)
	if err != nil {
		return err
	}
	var req SaveProfileRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.Answers) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "answers are required")
	}
	selections := make(map[int64][]string, len(req.Answers))
	for _, a := range req.Answers {
		selections[a.QuestionID] = a.OptionKeys
	}
	answers, err := h.svc.SaveProfile(c.Request().Context(), pid, req.Category, selections)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, answers)
}
