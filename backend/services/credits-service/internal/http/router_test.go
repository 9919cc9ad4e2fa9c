package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	libdb "communityhub/backend/libs/db"
	"communityhub/backend/services/credits-service/internal/auth"
	"communityhub/backend/services/credits-service/internal/http/handlers"
	"communityhub/backend/services/credits-service/internal/http/middleware"
	"communityhub/backend/services/credits-service/internal/models"
	"communityhub/backend/services/credits-service/internal/repository"
	"communityhub/backend/services/credits-service/internal/service"
)

type testAPI struct {
	handler http.Handler
	tokens  *auth.TokenService
	credits *service.CreditService
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	db, err := libdb.NewSQLiteDB(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	repo := repository.NewLedgerRepository(db, repository.DialectSQLite)
	if err := repo.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	logger := zap.NewNop()
	rules := map[models.CreditType]models.CreditRule{
		models.CreditFreeHours: {ValuePerBlock: 750, MinutesPerBlock: 30, Policy: models.PolicyReset},
		models.CreditEquipment: {ValuePerBlock: 100, Policy: models.PolicyRollover},
	}
	pricingCfg := service.PricingConfig{
		Rates:             map[string]models.PricingRule{"rehearsal_reservation": {Rate: 1500, Unit: "hour"}},
		Credits:           rules,
		ChargeableCredits: map[string]models.CreditType{"rehearsal_reservation": models.CreditFreeHours},
	}

	credits := service.NewCreditService(repo, nil, logger)
	pricing := service.NewPricingService(pricingCfg, credits)
	charges := service.NewChargeService(pricing, credits, logger)
	allocations := service.NewAllocationService(credits, rules, logger)
	tokens := auth.NewTokenService("test-secret", time.Minute)

	router := NewRouter(RouterDeps{
		Member: handlers.NewMemberHandlers(credits, pricing, charges, logger),
		Admin:  handlers.NewAdminHandlers(credits, allocations, logger),
		Health: handlers.NewHealthHandler(db),
		Auth:   middleware.AuthMiddleware(tokens),
		Logger: logger,
	})
	return &testAPI{handler: router, tokens: tokens, credits: credits}
}

func (a *testAPI) do(t *testing.T, method, path string, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func (a *testAPI) token(t *testing.T, userID int64, role string, sustaining bool) string {
	t.Helper()
	token, err := a.tokens.GenerateToken(userID, role, sustaining)
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(dst); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestHealthAndMethodGuard(t *testing.T) {
	api := newTestAPI(t)

	if rec := api.do(t, http.MethodGet, "/health", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}
	rec := api.do(t, http.MethodPost, "/health", "", nil)
	if rec.Code != http.StatusMethodNotAllowed || rec.Header().Get("Allow") != http.MethodGet {
		t.Fatalf("POST /health = %d allow=%q", rec.Code, rec.Header().Get("Allow"))
	}
	if rec := api.do(t, http.MethodGet, "/metrics", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	if rec := api.do(t, http.MethodGet, "/credits/me/balances", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous balances = %d", rec.Code)
	}
}

func TestAdminRoutesRequireRole(t *testing.T) {
	api := newTestAPI(t)
	member := api.token(t, 5, "", true)

	rec := api.do(t, http.MethodPost, "/credits/admin/adjustments", member, map[string]interface{}{
		"user_id": 5, "credit_type": "free_hours", "amount": 100,
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("member adjustment = %d", rec.Code)
	}
}

func TestMemberFlow(t *testing.T) {
	api := newTestAPI(t)
	admin := api.token(t, 1, auth.RoleAdmin, false)
	member := api.token(t, 5, "", true)

	rec := api.do(t, http.MethodPost, "/credits/admin/allocations", admin, map[string]interface{}{
		"user_id": 5, "credit_type": "free_hours", "amount": 8, "frequency": "monthly",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("allocate = %d %s", rec.Code, rec.Body.String())
	}

	rec = api.do(t, http.MethodPost, "/credits/me/quote", member, map[string]interface{}{
		"chargeable_type": "rehearsal_reservation", "units": 2,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("quote = %d %s", rec.Code, rec.Body.String())
	}
	var quote struct {
		Price          models.PriceResult `json:"price"`
		PriceNoCredits models.PriceResult `json:"price_no_credits"`
		Savings        int64              `json:"savings"`
	}
	decode(t, rec, &quote)
	if quote.Price.Net != 0 || quote.PriceNoCredits.Net != 3000 || quote.Savings != 3000 {
		t.Fatalf("quote = %+v", quote)
	}

	rec = api.do(t, http.MethodPost, "/credits/me/charges", member, map[string]interface{}{
		"chargeable_type": "rehearsal_reservation", "units": 2, "charge_id": "res-77",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("charge = %d %s", rec.Code, rec.Body.String())
	}
	rec = api.do(t, http.MethodPost, "/credits/me/charges", member, map[string]interface{}{
		"chargeable_type": "rehearsal_reservation", "units": 2, "charge_id": "res-77",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("second charge = %d", rec.Code)
	}

	rec = api.do(t, http.MethodGet, "/credits/me/balances", member, nil)
	var balances struct {
		Balances []models.Balance `json:"balances"`
	}
	decode(t, rec, &balances)
	for _, b := range balances.Balances {
		if b.CreditType == models.CreditFreeHours && b.Balance != 4 {
			t.Fatalf("free hours after charge = %d, want 4", b.Balance)
		}
	}

	rec = api.do(t, http.MethodPost, "/credits/me/charges/cancel", member, map[string]string{"charge_id": "res-77"})
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel = %d %s", rec.Code, rec.Body.String())
	}

	rec = api.do(t, http.MethodGet, "/credits/me/transactions?credit_type=free_hours&limit=10", member, nil)
	var history struct {
		Transactions []models.Transaction `json:"transactions"`
	}
	decode(t, rec, &history)
	if len(history.Transactions) != 3 || history.Transactions[0].Source != models.SourceChargeCancellation {
		t.Fatalf("history = %+v", history.Transactions)
	}

	rec = api.do(t, http.MethodGet, "/credits/admin/ledger/verify?user_id=5&credit_type=free_hours", admin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("verify = %d %s", rec.Code, rec.Body.String())
	}
}

func TestErrorMapping(t *testing.T) {
	api := newTestAPI(t)
	admin := api.token(t, 1, auth.RoleAdmin, false)
	member := api.token(t, 5, "", false)

	cases := []struct {
		name   string
		method string
		path   string
		token  string
		body   interface{}
		want   int
	}{
		{"insufficient", http.MethodPost, "/credits/admin/adjustments", admin,
			map[string]interface{}{"user_id": 5, "credit_type": "free_hours", "amount": -3}, http.StatusConflict},
		{"unknown credit type", http.MethodPost, "/credits/admin/adjustments", admin,
			map[string]interface{}{"user_id": 5, "credit_type": "gold", "amount": 3}, http.StatusBadRequest},
		{"no pricing", http.MethodPost, "/credits/me/quote", member,
			map[string]interface{}{"chargeable_type": "ticket", "units": 1}, http.StatusUnprocessableEntity},
		{"negative units", http.MethodPost, "/credits/me/quote", member,
			map[string]interface{}{"chargeable_type": "rehearsal_reservation", "units": -1}, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/credits/me/quote", member,
			map[string]interface{}{"chargeable": "rehearsal_reservation"}, http.StatusBadRequest},
		{"missing charge id", http.MethodPost, "/credits/me/charges", member,
			map[string]interface{}{"chargeable_type": "rehearsal_reservation", "units": 1}, http.StatusBadRequest},
		{"unknown charge", http.MethodPost, "/credits/me/charges/cancel", member,
			map[string]string{"charge_id": "nope"}, http.StatusNotFound},
		{"unknown schedule", http.MethodPost, "/credits/admin/allocations/deactivate", admin,
			map[string]interface{}{"user_id": 5, "credit_type": "free_hours"}, http.StatusNotFound},
		{"bad frequency", http.MethodPost, "/credits/admin/allocations", admin,
			map[string]interface{}{"user_id": 5, "credit_type": "free_hours", "amount": 8, "frequency": "yearly"}, http.StatusBadRequest},
		{"bad limit", http.MethodGet, "/credits/me/transactions?limit=abc", member, nil, http.StatusBadRequest},
		{"bad verify", http.MethodGet, "/credits/admin/ledger/verify?user_id=x", admin, nil, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := api.do(t, tc.method, tc.path, tc.token, tc.body)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tc.want, rec.Body.String())
			}
		})
	}
}

func TestServerShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := NewServer(ln.Addr().String(), handlers.NewHealthHandler(nil), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
