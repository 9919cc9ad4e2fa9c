package httpserver

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"communityhub/backend/services/credits-service/internal/http/handlers"
	"communityhub/backend/services/credits-service/internal/http/middleware"
)

// RouterDeps collects handler dependencies.
type RouterDeps struct {
	Member *handlers.MemberHandlers
	Admin  *handlers.AdminHandlers
	Health http.HandlerFunc
	Auth   func(http.Handler) http.Handler
	Logger *zap.Logger
}

// NewRouter wires HTTP routes with middleware.
func NewRouter(deps RouterDeps) http.Handler {
	mux := http.NewServeMux()
	logger := deps.Logger

	route := func(path, verb string, handler http.Handler, mws ...func(http.Handler) http.Handler) {
		chain := append([]func(http.Handler) http.Handler{middleware.Logging(logger, path), middleware.Recovery(logger)}, mws...)
		mux.Handle(path, method(verb, middleware.Chain(handler, chain...)))
	}

	mux.Handle("/health", method(http.MethodGet, deps.Health))
	mux.Handle("/metrics", method(http.MethodGet, promhttp.Handler()))

	member := func(path, verb string, handler http.HandlerFunc) {
		route(path, verb, handler, deps.Auth)
	}
	member("/credits/me/balances", http.MethodGet, deps.Member.Balances)
	member("/credits/me/transactions", http.MethodGet, deps.Member.Transactions)
	member("/credits/me/quote", http.MethodPost, deps.Member.Quote)
	member("/credits/me/charges", http.MethodPost, deps.Member.Charge)
	member("/credits/me/charges/cancel", http.MethodPost, deps.Member.CancelCharge)

	admin := func(path, verb string, handler http.HandlerFunc) {
		route(path, verb, handler, deps.Auth, middleware.RequireAdmin)
	}
	admin("/credits/admin/adjustments", http.MethodPost, deps.Admin.Adjust)
	admin("/credits/admin/allocations", http.MethodPost, deps.Admin.Allocate)
	admin("/credits/admin/allocations/deactivate", http.MethodPost, deps.Admin.Deactivate)
	admin("/credits/admin/ledger/verify", http.MethodGet, deps.Admin.Verify)

	return mux
}

func method(expected string, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != expected {
			w.Header().Set("Allow", expected)
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
