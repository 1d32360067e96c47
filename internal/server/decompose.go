package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/storyforge/storyforge/internal/decompose"
	"github.com/storyforge/storyforge/internal/runlock"
	"github.com/storyforge/storyforge/internal/runtime"
)

// DecomposeHandler exposes the decomposition pipeline over REST.
type DecomposeHandler struct {
	Pipeline *decompose.Pipeline
}

func (h *DecomposeHandler) Register(g *echo.Group, secret []byte) {
	g.Use(runtime.EchoAuthMiddleware(secret))
	g.POST("/decompose", h.decompose)
	g.GET("/runs/:id", h.getRun)
	g.GET("/epics/:epic_id/runs", h.listRuns)
	g.POST("/runs/:id/regenerate", h.regenerate)
	g.GET("/runs/:id/regenerate/estimate", h.estimate)
	g.POST("/runs/:id/commit", h.commit)
	g.POST("/runs/:id/feedback", h.feedback)
	g.GET("/feedback/metrics", h.feedbackMetrics)
	g.GET("/prompt-variants", h.promptVariants)
}

// mapDomainError translates pipeline errors into HTTP statuses.
func mapDomainError(err error) error {
	var (
		quotaErr     *decompose.QuotaExceededError
		configErr    *decompose.ConfigurationError
		transportErr *decompose.TransportError
		malformedErr *decompose.MalformedResponseError
		conflictErr  *decompose.ConflictError
	)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, decompose.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	case errors.As(err, &quotaErr):
		return echo.NewHTTPError(http.StatusTooManyRequests, quotaErr.Error())
	case errors.As(err, &conflictErr):
		return echo.NewHTTPError(http.StatusConflict, conflictErr.Error())
	case errors.Is(err, runlock.ErrBusy):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.As(err, &configErr):
		return echo.NewHTTPError(http.StatusInternalServerError, configErr.Error())
	case errors.As(err, &transportErr), errors.As(err, &malformedErr):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func (h *DecomposeHandler) decompose(c echo.Context) error {
	var req DecomposeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	dreq := decompose.DecompositionRequest{
		EpicID:        req.EpicID,
		EpicText:      req.EpicText,
		MaxStories:    req.MaxStories,
		DryRun:        req.DryRun,
		PromptVariant: req.PromptVariant,
	}
	if err := dreq.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	run, err := h.Pipeline.Decompose(c.Request().Context(), dreq)
	if err != nil {
		return mapDomainError(err)
	}
	return c.JSON(http.StatusOK, run)
}

func (h *DecomposeHandler) getRun(c echo.Context) error {
	run, err := h.Pipeline.GetRun(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapDomainError(err)
	}
	return c.JSON(http.StatusOK, run)
}

func (h *DecomposeHandler) listRuns(c echo.Context) error {
	runs, err := h.Pipeline.ListRuns(c.Request().Context(), c.Param("epic_id"))
	if err != nil {
		return mapDomainError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"runs": runs})
}

func (h *DecomposeHandler) regenerate(c echo.Context) error {
	var req RegenerateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	run, err := h.Pipeline.Regenerate(c.Request().Context(), c.Param("id"), req.StoryIndex)
	if err != nil {
		return mapDomainError(err)
	}
	return c.JSON(http.StatusOK, run)
}

func (h *DecomposeHandler) estimate(c echo.Context) error {
	idx, err := strconv.Atoi(c.QueryParam("story_index"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "story_index must be an integer")
	}
	est, err := h.Pipeline.EstimateRegeneration(c.Request().Context(), c.Param("id"), idx)
	if err != nil {
		return mapDomainError(err)
	}
	return c.JSON(http.StatusOK, est)
}

func (h *DecomposeHandler) commit(c echo.Context) error {
	var req CommitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	run, err := h.Pipeline.Commit(c.Request().Context(), c.Param("id"), req.Stories)
	if err != nil {
		return mapDomainError(err)
	}
	return c.JSON(http.StatusOK, CommitResponse{
		RunID:           run.ID,
		CreatedIssueIDs: run.CreatedIssueIDs,
		Committed:       run.Committed,
	})
}

func (h *DecomposeHandler) feedback(c echo.Context) error {
	var req FeedbackRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	fb, err := h.Pipeline.SubmitFeedback(c.Request().Context(), decompose.FeedbackInput{
		RunID:          c.Param("id"),
		StoryIndex:     req.StoryIndex,
		Rating:         req.Rating,
		Comment:        req.Comment,
		EditedTitle:    req.EditedTitle,
		EditedCriteria: req.EditedCriteria,
	})
	if err != nil {
		if errors.Is(err, decompose.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "not found")
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, fb)
}

func (h *DecomposeHandler) feedbackMetrics(c echo.Context) error {
	days := 30
	if d := c.QueryParam("days"); d != "" {
		n, err := strconv.Atoi(d)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "days must be an integer")
		}
		days = n
	}
	stats, err := h.Pipeline.FeedbackMetrics(c.Request().Context(), days)
	if err != nil {
		return mapDomainError(err)
	}
	return c.JSON(http.StatusOK, stats)
}

func (h *DecomposeHandler) promptVariants(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{"variants": decompose.PromptVariants()})
}
