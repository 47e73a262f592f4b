package http

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cellfn/credits-gateway/internal/config"
	"github.com/cellfn/credits-gateway/internal/logger"
	"github.com/cellfn/credits-gateway/internal/metrics"
	"github.com/cellfn/credits-gateway/internal/service/fulfillment"
	"github.com/cellfn/credits-gateway/internal/service/ledger"
	echo "github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// webhookEvent is the provider's notification envelope. Checkout sessions
// carry the buyer's account id in client_reference_id (metadata.account_id as
// a fallback) and the purchased credit amount in metadata.credits.
type webhookEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ClientReferenceID string            `json:"client_reference_id"`
			Metadata          map[string]string `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

type fulfillmentProcessor interface {
	Process(ctx context.Context, n fulfillment.Notification) (fulfillment.Result, error)
}

// webhookHandler serves the payment provider, not end users: it sits outside
// the API-key group, and every response code is chosen by whether the
// provider should retry (5xx) or stop (2xx/4xx).
func webhookHandler(proc fulfillmentProcessor, cfg config.WebhookConfig) echo.HandlerFunc {
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return func(c echo.Context) error {
		body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBody+1))
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "read error"})
		}
		if int64(len(body)) > maxBody {
			return c.JSON(http.StatusRequestEntityTooLarge, map[string]string{"error": "payload too large"})
		}

		header := c.Request().Header.Get("X-Payment-Signature")
		if err := fulfillment.VerifySignature([]byte(cfg.Secret), header, body, cfg.Tolerance, time.Now()); err != nil {
			logger.Log.Warn("webhook signature rejected",
				zap.Error(err),
				zap.String("remote", c.RealIP()),
			)
			metrics.FulfillmentsTotal.WithLabelValues("invalid").Inc()

			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid signature"})
		}

		var ev webhookEvent
		if err := json.Unmarshal(body, &ev); err != nil || ev.ID == "" || ev.Type == "" {
			metrics.FulfillmentsTotal.WithLabelValues("invalid").Inc()

			return c.JSON(http.StatusBadRequest, map[string]string{"error": "malformed payload"})
		}

		acctID := strings.TrimSpace(ev.Data.Object.ClientReferenceID)
		if acctID == "" {
			acctID = strings.TrimSpace(ev.Data.Object.Metadata["account_id"])
		}

		// metadata values arrive as strings; a missing or garbled amount
		// parses to 0 and fails validation downstream.
		var credits int64
		if raw := strings.TrimSpace(ev.Data.Object.Metadata["credits"]); raw != "" {
			credits, _ = strconv.ParseInt(raw, 10, 64)
		}

		sum := sha256.Sum256(body)
		result, err := proc.Process(c.Request().Context(), fulfillment.Notification{
			EventID:     ev.ID,
			EventType:   ev.Type,
			AccountID:   acctID,
			Credits:     credits,
			PayloadHash: hex.EncodeToString(sum[:]),
		})
		if err != nil {
			if errors.Is(err, fulfillment.ErrAmountInvalid) {
				logger.Log.Warn("webhook rejected: bad credit amount",
					zap.String("provider_event_id", ev.ID),
					zap.Int64("credits", credits),
				)
				metrics.FulfillmentsTotal.WithLabelValues("invalid").Inc()

				return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid amount"})
			}
			if errors.Is(err, ledger.ErrAccountNotFound) {
				// 5xx so the provider retries once the account exists; the
				// transaction rolled back, nothing was recorded.
				logger.Log.Warn("webhook deferred: account not found",
					zap.String("provider_event_id", ev.ID),
					zap.String("account_id", acctID),
				)

				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "account not ready"})
			}

			logger.Log.Error("webhook processing failed",
				zap.String("provider_event_id", ev.ID),
				zap.Error(err),
			)

			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "processing error"})
		}

		logger.Log.Info("payment event processed",
			zap.String("provider_event_id", ev.ID),
			zap.String("event_type", ev.Type),
			zap.String("account_id", acctID),
			zap.String("result", string(result)),
		)
		metrics.FulfillmentsTotal.WithLabelValues(string(result)).Inc()

		return c.JSON(http.StatusOK, map[string]any{
			"received": true,
			"result":   string(result),
		})
	}
}
