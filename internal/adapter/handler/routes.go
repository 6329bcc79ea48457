package handler

import (
	"net/http"

	"github.com/bmizerany/pat"
	"github.com/justinas/alice"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"

	"github.com/agrous/stock-ledger/internal/auth"
)

func Routes(h *HTTPHandler, ws *WSHandler, tokens *auth.Manager, allowedOrigins []string, log logrus.FieldLogger) http.Handler {
	standard := alice.New(recoverPanic(log), logRequest(log), secureHeaders)
	authed := standard.Append(requireAuth(tokens))

	mux := pat.New()

	mux.Get("/health", standard.ThenFunc(h.HealthCheck))

	// Items
	mux.Post("/api/items", authed.ThenFunc(h.RegisterItem))
	mux.Get("/api/items", authed.ThenFunc(h.ListItems))
	mux.Get("/api/items/:id", authed.ThenFunc(h.GetItem))
	mux.Put("/api/items/:id", authed.ThenFunc(h.UpdateItem))
	mux.Del("/api/items/:id", authed.ThenFunc(h.DeleteItem))
	mux.Post("/api/items/:id/movements", authed.ThenFunc(h.RecordMovement))
	mux.Get("/api/items/:id/movements", authed.ThenFunc(h.ItemHistory))

	// Ledger
	mux.Get("/api/movements", authed.ThenFunc(h.OwnerHistory))
	mux.Get("/api/audit", authed.ThenFunc(h.Audit))

	// Livestock
	mux.Post("/api/lots", authed.ThenFunc(h.CreateLot))
	mux.Get("/api/lots", authed.ThenFunc(h.ListLots))
	mux.Get("/api/lots/:id", authed.ThenFunc(h.GetLot))
	mux.Post("/api/lots/:id/transfers", authed.ThenFunc(h.TransferAnimals))
	mux.Post("/api/lots/:id/relocations", authed.ThenFunc(h.RelocateLot))
	mux.Get("/api/lots/:id/movements", authed.ThenFunc(h.LotHistory))

	mux.Get("/ws/items/:id", authed.ThenFunc(ws.ServeItem))

	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", idempotencyHeader},
	})
	return c.Handler(mux)
}
