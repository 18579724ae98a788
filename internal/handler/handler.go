package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/justinas/alice"

	"offer-negotiation-api/internal/database"
	"offer-negotiation-api/internal/features"
	"offer-negotiation-api/internal/middleware"
	"offer-negotiation-api/internal/models"
	"offer-negotiation-api/internal/negotiation"
	"offer-negotiation-api/internal/realtime"
	"offer-negotiation-api/internal/service"
	"offer-negotiation-api/internal/validation"
)

// Handler provides HTTP handlers for the API.
type Handler struct {
	service     *service.Service
	maxBodySize int64
	hub         *realtime.Hub
	features    *features.Manager
	errorLog    *log.Logger
}

// NewHandlerOptions holds options for creating a handler.
type NewHandlerOptions struct {
	MaxBodySize int64
	// Hub is nil when realtime notifications are not served.
	Hub      *realtime.Hub
	Features *features.Manager
	ErrorLog *log.Logger
}

// DefaultHandlerOptions returns default handler options.
func DefaultHandlerOptions() NewHandlerOptions {
	return NewHandlerOptions{
		MaxBodySize: 1 << 20, // 1MB default
	}
}

// NewHandler creates a new handler instance.
func NewHandler(svc *service.Service) *Handler {
	return NewHandlerWithOptions(svc, DefaultHandlerOptions())
}

// NewHandlerWithOptions creates a new handler instance with custom options.
func NewHandlerWithOptions(svc *service.Service, opts NewHandlerOptions) *Handler {
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = DefaultHandlerOptions().MaxBodySize
	}
	if opts.ErrorLog == nil {
		opts.ErrorLog = log.Default()
	}
	return &Handler{
		service:     svc,
		maxBodySize: opts.MaxBodySize,
		hub:         opts.Hub,
		features:    opts.Features,
		errorLog:    opts.ErrorLog,
	}
}

// Routes mounts every endpoint on r. The router must already run
// middleware.Actor so the acting user is in the request context.
func (h *Handler) Routes(r chi.Router) {
	read := alice.New(middleware.RequireActor)
	write := read.Append(middleware.LimitBody(h.maxBodySize))

	r.Get("/health", h.Health)

	r.Route("/properties", func(r chi.Router) {
		r.Get("/{property_id}", h.GetProperty)
		r.Method(http.MethodPut, "/{property_id}", write.ThenFunc(h.UpsertProperty))
	})

	r.Method(http.MethodPut, "/profiles/{user_id}", write.ThenFunc(h.UpsertProfile))

	r.Route("/offers", func(r chi.Router) {
		r.Method(http.MethodPost, "/", write.ThenFunc(h.SubmitOffer))
		r.Method(http.MethodGet, "/{offer_id}", read.ThenFunc(h.GetOffer))
		r.Method(http.MethodGet, "/{offer_id}/history", read.ThenFunc(h.GetOfferHistory))
		r.Method(http.MethodPost, "/{offer_id}/accept", write.ThenFunc(h.AcceptOffer))
		r.Method(http.MethodPost, "/{offer_id}/decline", write.ThenFunc(h.DeclineOffer))
		r.Method(http.MethodPost, "/{offer_id}/counter", write.ThenFunc(h.CounterOffer))
		r.Method(http.MethodPost, "/{offer_id}/accept-counter", write.ThenFunc(h.AcceptCounterOffer))
		r.Method(http.MethodPost, "/{offer_id}/withdraw", write.ThenFunc(h.WithdrawOffer))
	})

	r.Route("/users/{user_id}/offers", func(r chi.Router) {
		r.Method(http.MethodGet, "/made", read.ThenFunc(h.ListOffersMade))
		r.Method(http.MethodGet, "/received", read.ThenFunc(h.ListOffersReceived))
	})

	r.Get("/ws", h.ServeWS)
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Health(r.Context()); err != nil {
		h.errorLog.Printf("health check failed: %v", err)
		h.respondError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// SubmitOffer handles POST /offers
func (h *Handler) SubmitOffer(w http.ResponseWriter, r *http.Request) {
	var req models.SubmitOfferRequest
	if !h.decodeJSON(w, r, &req, true) {
		return
	}

	req.Message = validation.SanitizeString(req.Message)

	offer, err := h.service.SubmitOffer(r.Context(), actor(r), req)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.respondJSON(w, http.StatusCreated, offer)
}

// GetOffer handles GET /offers/{offer_id}
func (h *Handler) GetOffer(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.GetOffer(r.Context(), actor(r), urlParam(r, "offer_id"))
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, view)
}

// GetOfferHistory handles GET /offers/{offer_id}/history
func (h *Handler) GetOfferHistory(w http.ResponseWriter, r *http.Request) {
	history, err := h.service.GetOfferHistory(r.Context(), actor(r), urlParam(r, "offer_id"))
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, history)
}

// AcceptOffer handles POST /offers/{offer_id}/accept
func (h *Handler) AcceptOffer(w http.ResponseWriter, r *http.Request) {
	var req models.RespondRequest
	if !h.decodeJSON(w, r, &req, false) {
		return
	}

	offer, err := h.service.AcceptOffer(r.Context(), actor(r), urlParam(r, "offer_id"), req.SellerResponse)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, offer)
}

// DeclineOffer handles POST /offers/{offer_id}/decline
func (h *Handler) DeclineOffer(w http.ResponseWriter, r *http.Request) {
	var req models.RespondRequest
	if !h.decodeJSON(w, r, &req, false) {
		return
	}

	offer, err := h.service.DeclineOffer(r.Context(), actor(r), urlParam(r, "offer_id"), req.SellerResponse)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, offer)
}

// CounterOffer handles POST /offers/{offer_id}/counter
func (h *Handler) CounterOffer(w http.ResponseWriter, r *http.Request) {
	var req models.CounterOfferRequest
	if !h.decodeJSON(w, r, &req, true) {
		return
	}

	offer, err := h.service.CounterOffer(r.Context(), actor(r), urlParam(r, "offer_id"), req)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, offer)
}

// AcceptCounterOffer handles POST /offers/{offer_id}/accept-counter
func (h *Handler) AcceptCounterOffer(w http.ResponseWriter, r *http.Request) {
	offer, err := h.service.AcceptCounterOffer(r.Context(), actor(r), urlParam(r, "offer_id"))
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, offer)
}

// WithdrawOffer handles POST /offers/{offer_id}/withdraw
func (h *Handler) WithdrawOffer(w http.ResponseWriter, r *http.Request) {
	offer, err := h.service.WithdrawOffer(r.Context(), actor(r), urlParam(r, "offer_id"))
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, offer)
}

// ListOffersMade handles GET /users/{user_id}/offers/made
func (h *Handler) ListOffersMade(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.ListOffersMade(r.Context(), actor(r), urlParam(r, "user_id"))
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, resp)
}

// ListOffersReceived handles GET /users/{user_id}/offers/received
func (h *Handler) ListOffersReceived(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.ListOffersReceived(r.Context(), actor(r), urlParam(r, "user_id"))
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, resp)
}

// UpsertProperty handles PUT /properties/{property_id}
func (h *Handler) UpsertProperty(w http.ResponseWriter, r *http.Request) {
	var req models.Property
	if !h.decodeJSON(w, r, &req, true) {
		return
	}

	req.ID = urlParam(r, "property_id")
	for i := range req.Images {
		req.Images[i] = validation.SanitizeString(req.Images[i])
	}

	property, err := h.service.UpsertProperty(r.Context(), actor(r), req)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, property)
}

// GetProperty handles GET /properties/{property_id}
func (h *Handler) GetProperty(w http.ResponseWriter, r *http.Request) {
	property, err := h.service.GetProperty(r.Context(), urlParam(r, "property_id"))
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, property)
}

// UpsertProfile handles PUT /profiles/{user_id}
func (h *Handler) UpsertProfile(w http.ResponseWriter, r *http.Request) {
	var req models.Profile
	if !h.decodeJSON(w, r, &req, true) {
		return
	}

	req.ID = urlParam(r, "user_id")

	profile, err := h.service.UpsertProfile(r.Context(), actor(r), req)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, profile)
}

// ServeWS handles GET /ws. Browsers cannot set headers on a websocket
// handshake, so the user may also be named in the user_id query parameter.
// Like X-User-ID, that parameter is trusted as-is and must be set or
// checked by the gateway in front of the service.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil || (h.features != nil && !h.features.IsEnabled(features.FeatureRealtimeNotifications)) {
		h.respondError(w, http.StatusNotFound, "realtime notifications are disabled")
		return
	}

	userID := actor(r)
	if userID == "" {
		userID = strings.ToLower(urlQuery(r, "user_id"))
		if err := validation.ValidateUUID(userID, "user_id"); err != nil {
			h.respondError(w, http.StatusUnauthorized, middleware.ActorHeader+" header or user_id parameter is required")
			return
		}
	}

	h.hub.ServeWS(w, r, userID)
}

// decodeJSON reads the request body into dst. An empty body is accepted
// only when required is false.
func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}, required bool) bool {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil {
		return true
	}

	var maxErr *http.MaxBytesError
	switch {
	case errors.Is(err, io.EOF):
		if !required {
			return true
		}
		h.respondError(w, http.StatusBadRequest, "request body is required")
	case errors.As(err, &maxErr):
		h.respondError(w, http.StatusRequestEntityTooLarge, "request body too large")
	default:
		h.respondError(w, http.StatusBadRequest, "invalid JSON in request body")
	}
	return false
}

// respondServiceError maps a service error to its HTTP status.
func (h *Handler) respondServiceError(w http.ResponseWriter, err error) {
	var vErr *validation.ValidationError
	switch {
	case errors.As(err, &vErr):
		h.respondError(w, http.StatusBadRequest, vErr.Error())
	case errors.Is(err, negotiation.ErrForbidden):
		h.respondError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, negotiation.ErrInvalidTransition):
		h.respondError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, database.ErrNotFound):
		h.respondError(w, http.StatusNotFound, "not found")
	case errors.Is(err, database.ErrConflict):
		h.respondError(w, http.StatusConflict, "offer was changed by another request, reload and try again")
	default:
		h.errorLog.Printf("request failed: %v", err)
		h.respondError(w, http.StatusInternalServerError, "internal server error")
	}
}

// respondJSON sends a JSON response with the given status code.
func (h *Handler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response with the given status code and message.
func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, models.ErrorResponse{Error: message})
}

func actor(r *http.Request) string {
	id, _ := middleware.ActorFromContext(r.Context())
	return id
}

func urlParam(r *http.Request, name string) string {
	return validation.SanitizeString(chi.URLParam(r, name))
}

func urlQuery(r *http.Request, name string) string {
	return validation.SanitizeString(r.URL.Query().Get(name))
}
