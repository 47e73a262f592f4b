package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cellfn/credits-gateway/internal/model"
	echo "github.com/labstack/echo/v4"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type stubAccounts struct {
	acct *model.Account
	err  error
}

func (s *stubAccounts) GetByAPIKey(_ context.Context, _ string) (*model.Account, error) {
	return s.acct, s.err
}

func (s *stubAccounts) GetByID(_ context.Context, _ string) (*model.Account, error) {
	return s.acct, s.err
}

// okNext echoes the authenticated account id back so tests can assert on it.
func okNext(c echo.Context) error {
	id, _ := AccountIDFromCtx(c)
	return c.String(http.StatusOK, id)
}

func runAuth(t *testing.T, accounts *stubAccounts, apiKey string) (*httptest.ResponseRecorder, echo.Context) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := APIKeyMiddleware(accounts)(okNext)(c); err != nil {
		t.Fatalf("middleware returned error: %v", err)
	}
	return rec, c
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestAPIKeyMiddlewareValidKey(t *testing.T) {
	rps := 25
	accounts := &stubAccounts{acct: &model.Account{
		ID:           "11111111-1111-1111-1111-111111111111",
		Status:       "active",
		RateLimitRPS: &rps,
	}}

	rec, c := runAuth(t, accounts, "key_live_abc")

	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d: %s", rec.Code, rec.Body.String())
	}
	if body := rec.Body.String(); body != accounts.acct.ID {
		t.Fatalf("body = %q; want account id", body)
	}
	if got, ok := c.Get("account_rps").(int); !ok || got != 25 {
		t.Fatalf("account_rps = %v; want 25", c.Get("account_rps"))
	}
}

func TestAPIKeyMiddlewareMissingKey(t *testing.T) {
	rec, _ := runAuth(t, &stubAccounts{}, "")

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("code = %d; want 401", rec.Code)
	}
}

func TestAPIKeyMiddlewareUnknownKey(t *testing.T) {
	// repo reports "no such key" as nil, nil
	rec, _ := runAuth(t, &stubAccounts{}, "key_bogus")

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("code = %d; want 401", rec.Code)
	}
}

func TestAPIKeyMiddlewareSuspendedAccount(t *testing.T) {
	accounts := &stubAccounts{acct: &model.Account{
		ID:     "11111111-1111-1111-1111-111111111111",
		Status: "suspended",
	}}

	rec, _ := runAuth(t, accounts, "key_live_abc")

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("code = %d; want 401", rec.Code)
	}
}

func TestAPIKeyMiddlewareRepoError(t *testing.T) {
	rec, _ := runAuth(t, &stubAccounts{err: errors.New("db down")}, "key_live_abc")

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("code = %d; want 500", rec.Code)
	}
}
