// Package httpapi is the JSON-over-HTTP transport for the ride service.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/service"
)

const maxBodyBytes = 1 << 16

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

type Server struct {
	svc      *service.Service
	verifier Verifier
	ws       *dispatch.WSRegistry
	checks   map[string]HealthCheck
	logger   *slog.Logger
	mux      *mux.Router
}

type Option func(*Server)

func WithHealthCheck(name string, check HealthCheck) Option {
	return func(s *Server) { s.checks[name] = check }
}

// WithWebSocket enables the /ws offer feed backed by reg.
func WithWebSocket(reg *dispatch.WSRegistry) Option {
	return func(s *Server) { s.ws = reg }
}

func NewServer(svc *service.Service, verifier Verifier, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		svc:      svc,
		verifier: verifier,
		checks:   make(map[string]HealthCheck),
		logger:   logger.With("component", "http"),
		mux:      mux.NewRouter(),
	}
	for _, o := range opts {
		o(s)
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/webhooks/payments", s.handlePaymentWebhook).Methods(http.MethodPost)
	if s.ws != nil {
		s.mux.HandleFunc("/ws", s.handleWS)
	}

	internal := s.mux.PathPrefix("/internal").Subrouter()
	internal.Use(s.authMiddleware)
	internal.HandleFunc("/reconcile", s.handleReconcile).Methods(http.MethodPost)

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/rides", s.handleRequestRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/timeline", s.handleTimeline).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/accept", s.handleAccept).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/decline", s.handleDecline).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/start", s.rideStep(s.svc.StartRide)).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/begin", s.rideStep(s.svc.BeginTrip)).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/complete", s.rideStep(s.svc.CompleteRide)).Methods(http.MethodPost)
	api.HandleFunc("/driver/offers", s.handleDriverOffers).Methods(http.MethodGet)
	api.HandleFunc("/driver/availability", s.handleAvailability).Methods(http.MethodPut)
	api.HandleFunc("/driver/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
	api.HandleFunc("/driver/blocks", s.handleBlockCustomer).Methods(http.MethodPost)
	api.HandleFunc("/driver/blocks/{customer_id}", s.handleUnblockCustomer).Methods(http.MethodDelete)
	api.HandleFunc("/rider/blocks", s.handleBlockDriver).Methods(http.MethodPost)
	api.HandleFunc("/rider/blocks/{driver_id}", s.handleUnblockDriver).Methods(http.MethodDelete)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

func statusFor(code string) int {
	switch code {
	case models.CodeUnauthenticated:
		return http.StatusUnauthorized
	case models.CodeNotFound:
		return http.StatusNotFound
	case models.CodePreconditionFailed:
		return http.StatusPreconditionFailed
	case models.CodeInvalidTransition, models.CodeConflict:
		return http.StatusConflict
	case models.CodePermissionDenied:
		return http.StatusForbidden
	case models.CodeInvalidArgument:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := models.Code(err)
	status := statusFor(code)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
		msg = "internal error"
	}
	s.writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: msg}})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("encode response", "error", err)
	}
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode body: %v: %w", err, models.ErrInvalidArgument)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]string{}
	healthy := true
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			status[name] = err.Error()
			healthy = false
			continue
		}
		status[name] = "ok"
	}
	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]any{"healthy": healthy, "checks": status})
}

func (s *Server) handleRequestRide(w http.ResponseWriter, r *http.Request) {
	var req service.RideRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ride, err := s.svc.RequestRide(r.Context(), ActorFromContext(r.Context()), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, ride)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.svc.GetRide(r.Context(), ActorFromContext(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	events, err := s.svc.Timeline(r.Context(), ActorFromContext(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.AcceptOffer(r.Context(), ActorFromContext(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ride": res.Ride, "offer": res.Offer})
}

func (s *Server) handleDecline(w http.ResponseWriter, r *http.Request) {
	offer, err := s.svc.DeclineOffer(r.Context(), ActorFromContext(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"offer": offer})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	ride, err := s.svc.CancelRide(r.Context(), ActorFromContext(r.Context()), mux.Vars(r)["id"], body.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ride)
}

type rideOp func(ctx context.Context, actor models.Actor, rideID string) (models.Ride, error)

func (s *Server) rideStep(op rideOp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ride, err := op(r.Context(), ActorFromContext(r.Context()), mux.Vars(r)["id"])
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, ride)
	}
}

func (s *Server) handleDriverOffers(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.DriverOffers(r.Context(), ActorFromContext(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"offers": list})
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Online       bool                `json:"online"`
		VehicleClass models.VehicleClass `json:"vehicle_class"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.svc.SetDriverOnline(r.Context(), ActorFromContext(r.Context()), body.Online, body.VehicleClass)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var loc models.Coord
	if err := decode(r, &loc); err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.svc.DriverHeartbeat(r.Context(), ActorFromContext(r.Context()), loc)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleBlockCustomer(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CustomerID string `json:"customer_id"`
		Reason     string `json:"reason"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	entry, err := s.svc.BlockCustomer(r.Context(), ActorFromContext(r.Context()), body.CustomerID, body.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleUnblockCustomer(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.UnblockCustomer(r.Context(), ActorFromContext(r.Context()), mux.Vars(r)["customer_id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBlockDriver(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DriverID string `json:"driver_id"`
		Reason   string `json:"reason"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	entry, err := s.svc.BlockDriver(r.Context(), ActorFromContext(r.Context()), body.DriverID, body.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleUnblockDriver(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.UnblockDriver(r.Context(), ActorFromContext(r.Context()), mux.Vars(r)["driver_id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	rep, err := s.svc.Reconcile(r.Context(), ActorFromContext(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rep)
}

// handlePaymentWebhook is authenticated by the provider's signature, not a bearer token.
func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, r, fmt.Errorf("read webhook body: %v: %w", err, models.ErrInvalidArgument))
		return
	}
	applied, err := s.svc.HandlePaymentNotification(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"applied": applied})
}

var upgrader = websocket.Upgrader{}

// handleWS registers a driver's live offer feed. Browsers cannot set headers
// on a WebSocket handshake, so the token may also come as ?token=.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	tok := bearerToken(r)
	if tok == "" {
		tok = r.URL.Query().Get("token")
	}
	actor, err := s.verifier.Verify(tok)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if actor.Role != models.RoleDriver {
		s.writeError(w, r, fmt.Errorf("offer feed is for drivers: %w", models.ErrPermissionDenied))
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "driver_id", actor.ID, "error", err)
		return
	}
	s.ws.Add(actor.ID, conn)
	go func() {
		defer func() {
			s.ws.Remove(actor.ID, conn)
			_ = conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
