/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for frontend
  5. RateLimit:  Token bucket on POST/PUT/DELETE (429 when empty)

ROUTE GROUPS:
  /book-transaction/*   Stock ledger
  /reservations/*       Reservation queue
  /bookclubpoints/*     Loyalty points
  /books, /users, /members, /memberships   Catalog
  /healthz              Liveness

SECURITY NOTE:
  No authentication middleware. userId and memberId are taken from the
  request as given.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/time/rate"

	"github.com/warp/bookstore-engine/inventory"
	"github.com/warp/bookstore-engine/ledger"
)

// RouterOptions configures the middleware stack.
type RouterOptions struct {
	AllowedOrigins []string
	// Limiter throttles mutating requests. Nil disables rate limiting.
	Limiter *rate.Limiter
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))
	if opts.Limiter != nil {
		r.Use(RateLimit(opts.Limiter))
	}

	r.Get("/healthz", h.Health)

	// Stock ledger routes
	r.Route("/book-transaction", func(r chi.Router) {
		r.Get("/active-rentals", h.GetActiveRentals)
		r.Post("/audit", h.Audit)

		r.Route("/book/{bookId}", func(r chi.Router) {
			r.Get("/transactions", h.GetBookTransactions)
			r.Get("/current-quantity", h.figure((*ledger.Calculator).GetCurrentQuantity))
			r.Get("/physical-stock", h.figure((*ledger.Calculator).GetPhysicalStock))
			r.Get("/currently-rented", h.figure((*ledger.Calculator).GetCurrentlyRented))
			r.Get("/available", h.availability((*ledger.Calculator).IsAvailableForPurchase))
			r.Get("/available-for-rental", h.availability((*ledger.Calculator).IsAvailableForRental))

			r.Post("/add-stock", h.Mutate(inventory.OpAddStock))
			r.Post("/sell", h.Mutate(inventory.OpSell))
			r.Post("/remove", h.Mutate(inventory.OpRemove))
			r.Post("/rent", h.Mutate(inventory.OpRent))
			r.Post("/return", h.Mutate(inventory.OpReturn))
			r.Post("/sell-order", h.SellToOrder)
			r.Post("/rebuild-snapshot", h.RebuildSnapshot)
		})
	})

	// Reservation routes
	r.Route("/reservations", func(r chi.Router) {
		r.Post("/", h.Reserve)
		r.Get("/book/{bookId}", h.GetBookQueue)
		r.Get("/member/{memberId}", h.GetMemberReservations)
		r.Get("/{id}/position", h.GetQueuePosition)
		r.Delete("/{id}", h.CancelReservation)
	})

	// Book club routes
	r.Route("/bookclubpoints", func(r chi.Router) {
		r.Get("/leaderboard", h.GetLeaderboard)
		r.Route("/member/{memberId}", func(r chi.Router) {
			r.Get("/current", h.GetCurrentPoints)
			r.Get("/year/{year}", h.GetYearPoints)
			r.Get("/transactions", h.GetPointsTransactions)
			r.Get("/history", h.GetPointsHistory)
		})
	})

	// Catalog routes
	r.Route("/books", func(r chi.Router) {
		r.Get("/", h.ListBooks)
		r.Post("/", h.CreateBook)
		r.Get("/{id}", h.GetBook)
	})
	r.Post("/users", h.CreateUser)
	r.Post("/members", h.CreateMember)
	r.Post("/memberships", h.CreateMembership)

	return r
}

// RateLimit rejects mutating requests with 429 once limiter is exhausted.
// Reads are never throttled.
func RateLimit(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
			default:
				if !limiter.Allow() {
					w.Header().Set("Retry-After", "1")
					writeError(w, http.StatusTooManyRequests, "Rate limit exceeded", nil)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
