package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/cellfn/credits-gateway/internal/http/middleware"
	"github.com/cellfn/credits-gateway/internal/model"
	"github.com/cellfn/credits-gateway/internal/service/ledger"
	echo "github.com/labstack/echo/v4"
)

type balanceReader interface {
	Balance(ctx context.Context, accountID string) (model.BalanceSnapshot, error)
}

func balanceHandler(ledgerSvc balanceReader) echo.HandlerFunc {
	return func(c echo.Context) error {
		acctID, ok := middleware.AccountIDFromCtx(c)
		if !ok || acctID == "" {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}

		snap, err := ledgerSvc.Balance(c.Request().Context(), acctID)
		if err != nil {
			if errors.Is(err, ledger.ErrAccountNotFound) {
				return c.JSON(http.StatusNotFound, map[string]string{"error": "account not found"})
			}

			c.Logger().Errorf("balance read failed: %v", err)

			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}

		return c.JSON(http.StatusOK, map[string]any{
			"account_id": acctID,
			"balance":    snap.Balance,
			"reserved":   snap.Reserved,
			"available":  snap.Available,
		})
	}
}
