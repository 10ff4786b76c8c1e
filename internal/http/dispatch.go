package http

import (
	"errors"
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"

	"github.com/outreachly/campd/internal/dispatch"
	"github.com/outreachly/campd/internal/repository"
)

func startRunHandler(mgr *dispatch.Manager) echo.HandlerFunc {
	return func(c echo.Context) error {
		campaignID, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil || campaignID <= 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid campaign id"})
		}

		runID, err := mgr.StartRun(c.Request().Context(), campaignID)
		switch {
		case err == nil:
			return c.JSON(http.StatusAccepted, map[string]any{
				"run_id":      runID,
				"campaign_id": campaignID,
			})
		case errors.Is(err, repository.ErrCampaignNotFound):
			return c.JSON(http.StatusNotFound, map[string]string{"error": "campaign not found"})
		case errors.Is(err, dispatch.ErrNotDispatchable):
			return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
		case errors.Is(err, dispatch.ErrRunActive):
			return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
		default:
			log.Errorf("start run failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "dispatch error"})
		}
	}
}

func runActionHandler(mgr *dispatch.Manager, action func(*dispatch.Manager, string) error) echo.HandlerFunc {
	return func(c echo.Context) error {
		runID := c.Param("id")
		if runID == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "missing run id"})
		}

		err := action(mgr, runID)
		switch {
		case err == nil:
			return c.JSON(http.StatusOK, map[string]any{"run_id": runID, "ok": true})
		case errors.Is(err, dispatch.ErrRunNotFound):
			return c.JSON(http.StatusNotFound, map[string]string{"error": "run not found"})
		default:
			return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
		}
	}
}

func progressHandler(mgr *dispatch.Manager) echo.HandlerFunc {
	return func(c echo.Context) error {
		runID := c.Param("id")
		if runID == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "missing run id"})
		}

		p, err := mgr.Progress(c.Request().Context(), runID)
		switch {
		case err == nil:
			return c.JSON(http.StatusOK, p)
		case errors.Is(err, dispatch.ErrRunNotFound):
			return c.JSON(http.StatusNotFound, map[string]string{"error": "run not found"})
		default:
			log.Errorf("progress failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "progress error"})
		}
	}
}
