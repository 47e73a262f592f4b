package http

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/cellfn/credits-gateway/internal/http/middleware"
	"github.com/cellfn/credits-gateway/internal/model"
	"github.com/cellfn/credits-gateway/internal/repository"
	echo "github.com/labstack/echo/v4"
)

// usageReportHandler reads the ClickHouse projection, not the ledger: it is
// eventually consistent and built for wide scans the OLTP side should never
// serve.
func usageReportHandler(chRepo repository.CHUsageRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		acctID, ok := middleware.AccountIDFromCtx(c)
		if !ok || acctID == "" {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
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

		var reason model.EntryReason
		if raw := strings.TrimSpace(c.QueryParam("reason")); raw != "" {
			if r, ok := model.ParseEntryReason(raw); ok {
				reason = r
			}
		}

		rows, err := chRepo.ListByAccount(c.Request().Context(), acctID, reason, limit, offset)
		if err != nil {
			c.Logger().Errorf("clickhouse usage list failed: %v", err)

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
