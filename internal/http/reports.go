package http

import (
	"net/http"
	"strconv"
	"strings"

	echo "github.com/labstack/echo/v4"

	"github.com/outreachly/campd/internal/model"
	"github.com/outreachly/campd/internal/repository"
)

func listAttemptsHandler(chRepo repository.CHAttemptsRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		campaignID, err := strconv.ParseInt(c.QueryParam("campaign_id"), 10, 64)
		if err != nil || campaignID <= 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "campaign_id required"})
		}

		limit := 50
		offset := 0
		if v := c.QueryParam("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
				limit = n
			}
		}
		if v := c.QueryParam("offset"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				offset = n
			}
		}

		var state string
		if raw := strings.TrimSpace(c.QueryParam("outcome")); raw != "" {
			if model.AttemptState(raw).Valid() {
				state = raw
			}
		}

		rows, err := chRepo.ListByCampaign(c.Request().Context(), campaignID, state, limit, offset)
		if err != nil {
			c.Logger().Errorf("clickhouse list failed: %v", err)

			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}

		return c.JSON(http.StatusOK, map[string]any{
			"limit":   limit,
			"offset":  offset,
			"count":   len(rows),
			"results": rows,
		})
	}
}
