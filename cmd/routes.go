package main

import (
	"github.com/bmizerany/pat"
	"github.com/justinas/alice"
	"net/http"
)

func (app *application) JWTMiddlewareWithRole(requiredRole string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return app.JWTMiddleware(next, requiredRole)
	}
}

func (app *application) routes() http.Handler {
	standardMiddleware := alice.New(app.recoverPanic, app.logRequest, secureHeaders, makeResponseJSON)
	authMiddleware := standardMiddleware.Append(app.JWTMiddlewareWithRole("user"), app.rateLimit)
	adminAuthMiddleware := standardMiddleware.Append(app.JWTMiddlewareWithRole("admin"))

	mux := pat.New()

	mux.Get("/health", standardMiddleware.ThenFunc(app.health))

	// Purchases
	mux.Post("/products", authMiddleware.ThenFunc(app.purchaseHandler.FetchProducts))
	mux.Post("/purchases", authMiddleware.ThenFunc(app.purchaseHandler.Purchase))
	mux.Get("/purchases/status", authMiddleware.ThenFunc(app.purchaseHandler.Status))
	mux.Post("/restore", authMiddleware.ThenFunc(app.purchaseHandler.RestorePurchase))

	// Ledger
	mux.Get("/transactions/:id", adminAuthMiddleware.ThenFunc(app.purchaseHandler.GetTransaction))
	mux.Get("/transactions", adminAuthMiddleware.ThenFunc(app.purchaseHandler.ListTransactions))

	return mux
}
