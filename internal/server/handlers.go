package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/go-github/v57/github"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/grimoire/internal/adapt"
	"github.com/fyrsmithlabs/grimoire/internal/match"
	"github.com/fyrsmithlabs/grimoire/internal/spell"
	"github.com/fyrsmithlabs/grimoire/internal/webhook"
)

const maxWebhookBody = 1 << 20 // 1MB

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// MatchRequest is the request body for POST /api/v1/match.
type MatchRequest struct {
	ErrorType    string `json:"error_type"`
	Message      string `json:"message"`
	Context      string `json:"context"`
	StackTrace   string `json:"stack_trace"`
	RepositoryID string `json:"repository_id"`
}

// MatchResponse is the response body for POST /api/v1/match.
type MatchResponse struct {
	Matches []match.MatchResult `json:"matches"`
}

// ApplyRequest is the request body for POST /api/v1/spells/:id/apply.
type ApplyRequest struct {
	FailingContext adapt.FailingContext         `json:"failing_context"`
	Constraints    *adapt.AdaptationConstraints `json:"constraints,omitempty"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleWebhook receives GitHub deliveries. Once the signature checks
// out the endpoint always answers 200, even when processing fails, so
// GitHub never disables the hook over a transient processing problem.
func (s *Server) handleWebhook(c echo.Context) error {
	r := c.Request()
	ctx := r.Context()

	ip := webhook.ClientIP(r)
	if !s.processor.Allow(ip) {
		s.logger.Warn(ctx, "rate limit exceeded", zap.String("ip", ip))
		return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
	}

	r.Body = http.MaxBytesReader(c.Response(), r.Body, maxWebhookBody)

	event, err := s.processor.ValidateAndParse(r)
	if err != nil {
		s.logger.Warn(ctx, "rejected webhook delivery", zap.Error(err))
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid signature or payload")
	}

	switch e := event.(type) {
	case *github.PullRequestEvent:
		outcome := s.processor.ProcessPullRequest(ctx, r.Header.Get("X-GitHub-Delivery"), e)
		return c.JSON(http.StatusOK, outcome)
	default:
		return c.JSON(http.StatusOK, map[string]string{"status": webhook.StatusIgnored})
	}
}

func (s *Server) handleMatch(c echo.Context) error {
	var req MatchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	payload := match.ErrorPayload{
		ErrorType:    req.ErrorType,
		Message:      req.Message,
		Context:      req.Context,
		StackTrace:   req.StackTrace,
		RepositoryID: req.RepositoryID,
	}

	var repoIDs []string
	if req.RepositoryID != "" {
		repoIDs = []string{req.RepositoryID}
	}

	candidates, err := s.store.Candidates(c.Request().Context(), repoIDs, payload.ErrorType)
	if err != nil {
		s.logger.Error(c.Request().Context(), "candidate query failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "spell lookup failed")
	}

	matches := s.ranker.Rank(c.Request().Context(), payload, candidates)
	return c.JSON(http.StatusOK, MatchResponse{Matches: matches})
}

func (s *Server) handleCreateSpell(c echo.Context) error {
	var sp spell.Spell
	if err := c.Bind(&sp); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if sp.ConfidenceScore == 0 {
		sp.ConfidenceScore = spell.DefaultConfidence
	}
	if err := sp.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	if err := s.store.Create(c.Request().Context(), &sp); err != nil {
		s.logger.Error(c.Request().Context(), "spell create failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "spell create failed")
	}
	return c.JSON(http.StatusCreated, sp)
}

func (s *Server) handleListSpells(c echo.Context) error {
	var repoIDs []string
	if repoID := c.QueryParam("repository_id"); repoID != "" {
		repoIDs = []string{repoID}
	}

	spells, err := s.store.List(c.Request().Context(), repoIDs)
	if err != nil {
		s.logger.Error(c.Request().Context(), "spell list failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "spell list failed")
	}
	return c.JSON(http.StatusOK, spells)
}

func (s *Server) handleGetSpell(c echo.Context) error {
	sp, err := s.store.Get(c.Request().Context(), c.Param("id"))
	if errors.Is(err, spell.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "spell not found")
	}
	if err != nil {
		s.logger.Error(c.Request().Context(), "spell get failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "spell get failed")
	}
	return c.JSON(http.StatusOK, sp)
}

func (s *Server) handleUpdateSpell(c echo.Context) error {
	var sp spell.Spell
	if err := c.Bind(&sp); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	sp.ID = c.Param("id")
	if err := sp.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	err := s.store.Update(c.Request().Context(), &sp)
	if errors.Is(err, spell.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "spell not found")
	}
	if err != nil {
		s.logger.Error(c.Request().Context(), "spell update failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "spell update failed")
	}
	return c.JSON(http.StatusOK, sp)
}

func (s *Server) handleDeleteSpell(c echo.Context) error {
	err := s.store.Delete(c.Request().Context(), c.Param("id"))
	if errors.Is(err, spell.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "spell not found")
	}
	if err != nil {
		s.logger.Error(c.Request().Context(), "spell delete failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "spell delete failed")
	}
	return c.NoContent(http.StatusNoContent)
}

// handleApplySpell adapts a spell into a concrete patch. Tagged
// adaptation failures map onto status codes so clients can tell policy
// rejections (422) from provider failures (502) and timeouts (504).
func (s *Server) handleApplySpell(c echo.Context) error {
	var req ApplyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	ctx := c.Request().Context()
	sp, err := s.store.Get(ctx, c.Param("id"))
	if errors.Is(err, spell.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "spell not found")
	}
	if err != nil {
		s.logger.Error(ctx, "spell get failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "spell get failed")
	}

	result, perr := s.engine.GeneratePatch(ctx, sp, req.FailingContext, req.Constraints)
	if perr != nil {
		return c.JSON(patchErrorStatus(perr), perr)
	}

	app := &spell.Application{
		SpellID:      sp.ID,
		Repository:   req.FailingContext.Repository,
		CommitSHA:    req.FailingContext.CommitSHA,
		Language:     req.FailingContext.Language,
		Version:      req.FailingContext.Version,
		FailingTest:  req.FailingContext.FailingTest,
		StackTrace:   req.FailingContext.StackTrace,
		Patch:        result.Patch,
		FilesTouched: result.FilesTouched,
		Rationale:    result.Rationale,
	}
	if err := s.store.RecordApplication(ctx, app); err != nil {
		// The patch is already generated and valid; losing the audit
		// row is not worth failing the request over.
		s.logger.Warn(ctx, "failed to record application", zap.Error(err))
	}

	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleListApplications(c echo.Context) error {
	apps, err := s.store.Applications(c.Request().Context(), c.Param("id"))
	if err != nil {
		s.logger.Error(c.Request().Context(), "application list failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "application list failed")
	}
	return c.JSON(http.StatusOK, apps)
}

func (s *Server) handleUpsertRepo(c echo.Context) error {
	var rc spell.RepoConfig
	if err := c.Bind(&rc); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if rc.RepoName == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "repo_name is required")
	}

	if err := s.store.UpsertRepoConfig(c.Request().Context(), &rc); err != nil {
		s.logger.Error(c.Request().Context(), "repo config upsert failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "repo config upsert failed")
	}
	return c.JSON(http.StatusOK, rc)
}

func (s *Server) handleListWebhookLogs(c echo.Context) error {
	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}

	logs, err := s.store.WebhookLogs(c.Request().Context(), limit)
	if err != nil {
		s.logger.Error(c.Request().Context(), "webhook log list failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "webhook log list failed")
	}
	return c.JSON(http.StatusOK, logs)
}

// patchErrorStatus maps tagged adaptation failures onto HTTP status
// codes: provider failures are gateway errors, everything else means
// the response was unusable.
func patchErrorStatus(perr *adapt.PatchError) int {
	switch perr.Code {
	case adapt.CodeTimeout:
		return http.StatusGatewayTimeout
	case adapt.CodeUpstreamError, adapt.CodeUpstreamDeclined:
		return http.StatusBadGateway
	default:
		return http.StatusUnprocessableEntity
	}
}
