package http

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/cellfn/credits-gateway/internal/config"
	"github.com/cellfn/credits-gateway/internal/http/middleware"
	"github.com/cellfn/credits-gateway/internal/metrics"
	"github.com/cellfn/credits-gateway/internal/model"
	"github.com/cellfn/credits-gateway/internal/service/ledger"
	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
)

type invokeReq struct {
	Function string `json:"function"`
	Text     string `json:"text"`
}

// debitService is the slice of the debit coordinator the handler drives.
type debitService interface {
	Reserve(ctx context.Context, accountID string, amount int64) (*model.Reservation, error)
	Commit(ctx context.Context, reservationID string, reason model.EntryReason) (*model.LedgerEntry, error)
	Release(ctx context.Context, reservationID string) error
}

// completer produces the AI output for a prompt.
type completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

func formulaPrice(p config.PricingConfig, f model.Formula) int64 {
	switch f {
	case model.FormulaClean:
		return p.Clean
	case model.FormulaSummarize:
		return p.Summarize
	case model.FormulaSEO:
		return p.SEO
	default:
		return 0
	}
}

func invokeHandler(debitSvc debitService, ai completer, pricing config.PricingConfig, maxInputLen int) echo.HandlerFunc {
	if maxInputLen <= 0 {
		maxInputLen = 4000
	}
	return func(c echo.Context) error {
		var req invokeReq
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}

		req.Text = strings.TrimSpace(req.Text)
		if req.Text == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}
		if utf8.RuneCountInString(req.Text) > maxInputLen {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "text too long"})
		}

		fn, ok := model.ParseFormula(req.Function)
		if !ok {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid function"})
		}

		// auth (set by APIKeyMiddleware)
		acctID, ok := middleware.AccountIDFromCtx(c)
		if !ok || acctID == "" {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}

		price := formulaPrice(pricing, fn)
		if price <= 0 {
			log.Errorf("no price configured for function %s", fn)

			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "pricing error"})
		}

		// hold the cost before any provider spend
		rsv, err := debitSvc.Reserve(c.Request().Context(), acctID, price)
		if err != nil {
			if errors.Is(err, ledger.ErrInsufficientBalance) {
				metrics.InvocationsTotal.WithLabelValues(fn.String(), "insufficient").Inc()

				return c.JSON(http.StatusPaymentRequired, map[string]any{
					"error":            "insufficient_credits",
					"description":      "credit balance is not enough to cover this function",
					"function":         fn.String(),
					"required_credits": price,
				})
			}

			log.Errorf("reserve failed: %v", err)
			metrics.InvocationsTotal.WithLabelValues(fn.String(), "error").Inc()

			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}
		metrics.ReservationsTotal.WithLabelValues("held").Inc()

		out, err := ai.Complete(c.Request().Context(), fn.Prompt(req.Text))
		if err != nil {
			// nothing delivered, nothing charged
			if rerr := debitSvc.Release(c.Request().Context(), rsv.ID); rerr != nil {
				log.Errorf("release %s after provider failure: %v", rsv.ID, rerr)
			} else {
				metrics.ReservationsTotal.WithLabelValues("released").Inc()
			}

			log.Errorf("completion failed: %v", err)
			metrics.InvocationsTotal.WithLabelValues(fn.String(), "provider_error").Inc()

			return c.JSON(http.StatusBadGateway, map[string]string{"error": "provider unavailable"})
		}

		entry, err := debitSvc.Commit(c.Request().Context(), rsv.ID, model.ReasonDebit)
		if err != nil {
			// The hold stays; the sweeper frees it if this commit never lands.
			log.Errorf("commit %s failed: %v", rsv.ID, err)
			metrics.InvocationsTotal.WithLabelValues(fn.String(), "error").Inc()

			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}
		metrics.ReservationsTotal.WithLabelValues("committed").Inc()
		metrics.InvocationsTotal.WithLabelValues(fn.String(), "ok").Inc()

		return c.JSON(http.StatusOK, map[string]any{
			"function":        fn.String(),
			"result":          out,
			"credits_charged": price,
			"balance":         entry.BalanceAfter,
			"entry_id":        entry.ID,
		})
	}
}
