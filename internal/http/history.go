package http

import (
	"context"
	"net/http"
	"strconv"

	"github.com/cellfn/credits-gateway/internal/http/middleware"
	"github.com/cellfn/credits-gateway/internal/model"
	echo "github.com/labstack/echo/v4"
)

type historyReader interface {
	History(ctx context.Context, accountID string, limit, offset int) ([]model.LedgerEntry, error)
}

func historyHandler(ledgerSvc historyReader) echo.HandlerFunc {
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

		entries, err := ledgerSvc.History(c.Request().Context(), acctID, limit, offset)
		if err != nil {
			c.Logger().Errorf("history read failed: %v", err)

			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}

		return c.JSON(http.StatusOK, map[string]any{
			"limit":   limit,
			"offset":  offset,
			"count":   len(entries),
			"results": entries,
		})
	}
}
