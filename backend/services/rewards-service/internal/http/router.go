// Package httpserver exposes the rewards service over HTTP.
package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"evrewards/backend/services/rewards-service/internal/http/handlers"
	"evrewards/backend/services/rewards-service/internal/metrics"
)

// RouterDeps collects handler dependencies. Nil handler sets leave their routes unmounted.
type RouterDeps struct {
	Sessions  *handlers.SessionsHandler
	Pos       *handlers.PosHandler
	Wallet    *handlers.WalletHandler
	Social    *handlers.SocialHandler
	Merchants *handlers.MerchantsHandler
	Health    http.HandlerFunc
	Stream    http.HandlerFunc
	// Identity guards /me routes; AuthMiddleware when a JWT secret is configured.
	Identity func(http.Handler) http.Handler
}

// NewRouter wires HTTP routes with middleware.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(metrics.Middleware)

	if deps.Health != nil {
		r.Get("/health", deps.Health)
	}
	r.Handle("/metrics", metrics.Handler())
	if deps.Stream != nil {
		r.Get("/ws/location", deps.Stream)
	}

	r.Route("/internal", func(r chi.Router) {
		if deps.Sessions != nil {
			r.Post("/locations", deps.Sessions.ReportLocation)
			r.Post("/sessions/{id}/close", deps.Sessions.Close)
			r.Post("/sessions/{id}/charger-confirmation", deps.Sessions.ConfirmCharger)
		}
		if deps.Pos != nil {
			r.Post("/pos/webhooks", deps.Pos.Webhook)
		}
		if deps.Social != nil {
			r.Post("/follows", deps.Social.Follow)
			r.Delete("/follows", deps.Social.Unfollow)
		}
		if deps.Merchants != nil {
			r.Put("/merchants/{id}", deps.Merchants.Upsert)
			r.Post("/merchants/{id}/payouts", deps.Merchants.Payout)
		}
		if deps.Wallet != nil {
			r.Post("/wallet/{userID}/debit", deps.Wallet.Debit)
		}
	})

	if deps.Sessions != nil {
		r.Get("/sessions/{id}", deps.Sessions.Get)
	}
	if deps.Wallet != nil {
		r.Get("/wallet/{userID}/balance", deps.Wallet.Balance)
		r.Get("/wallet/{userID}/events", deps.Wallet.Events)
	}
	if deps.Social != nil {
		r.Get("/users/{userID}/reputation", deps.Social.Reputation)
		r.Get("/users/{userID}/follow-earnings", deps.Social.FollowEarnings)
	}
	if deps.Merchants != nil {
		r.Get("/merchants/{id}", deps.Merchants.Get)
		r.Get("/merchants/{id}/balance", deps.Merchants.Balance)
	}

	if deps.Identity != nil {
		r.Group(func(r chi.Router) {
			r.Use(deps.Identity)
			if deps.Wallet != nil {
				r.Get("/me/balance", deps.Wallet.Balance)
				r.Get("/me/events", deps.Wallet.Events)
			}
			if deps.Social != nil {
				r.Get("/me/reputation", deps.Social.Reputation)
			}
		})
	}

	return r
}
