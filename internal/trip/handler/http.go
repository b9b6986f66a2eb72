package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/ridedispatch/internal/auth"
	ratelimit "github.com/example/ridedispatch/internal/http/middleware"
	"github.com/example/ridedispatch/internal/session"
	"github.com/example/ridedispatch/internal/trip/domain"
	"github.com/example/ridedispatch/internal/trip/service"
)

const heartbeatInterval = 15 * time.Second

// Options configures the HTTP surface. An empty JWTSecret disables bearer
// auth; actors are then taken from the request body.
type Options struct {
	JWTSecret string
	Limiter   *ratelimit.RateLimiter
	Logger    *zap.Logger
}

// HTTP exposes trip endpoints.
type HTTP struct {
	svc    *service.Service
	feed   session.Feed
	opts   Options
	logger *zap.Logger
}

// NewHTTP constructs a handler.
func NewHTTP(svc *service.Service, feed session.Feed, opts Options) *HTTP {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTP{svc: svc, feed: feed, opts: opts, logger: logger}
}

// Router builds the chi router with all endpoints and middlewares.
func (h *HTTP) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Route("/v1/trips", func(r chi.Router) {
		if h.opts.JWTSecret != "" {
			r.Use(auth.Middleware(h.opts.JWTSecret, auth.RolePassenger, auth.RoleDriver))
		}
		r.Use(h.opts.Limiter.Middleware)

		r.Post("/", h.requestTrip)
		r.Get("/{id}", h.getTrip)
		r.Get("/{id}/events", h.streamTrip)
		r.Post("/{id}/transitions", h.transition(""))
		r.Post("/{id}/accept", h.transition(domain.StatusAccepted))
		r.Post("/{id}/start", h.transition(domain.StatusInProgress))
		r.Post("/{id}/complete", h.transition(domain.StatusCompleted))
		r.Post("/{id}/cancel", h.transition(domain.StatusCancelled))
	})
	return r
}

type requestTripRequest struct {
	PassengerID string          `json:"passenger_id"`
	Pickup      domain.GeoPoint `json:"pickup"`
	Destination domain.GeoPoint `json:"destination"`
}

func (h *HTTP) requestTrip(w http.ResponseWriter, r *http.Request) {
	var payload requestTripRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err))
		return
	}
	passengerID, err := h.actor(r, payload.PassengerID)
	if err != nil {
		writeError(w, err)
		return
	}

	trip, err := h.svc.RequestTrip(r.Context(), r.Header.Get("Idempotency-Key"), service.RequestTripInput{
		PassengerID: passengerID,
		Pickup:      payload.Pickup,
		Destination: payload.Destination,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, trip)
}

func (h *HTTP) getTrip(w http.ResponseWriter, r *http.Request) {
	id, err := tripID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	trip, err := h.svc.GetTrip(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trip)
}

type transitionRequest struct {
	Status   string  `json:"status"`
	ActorID  string  `json:"actor_id"`
	DriverID *string `json:"driver_id"`
}

// transition handles both the generic endpoint and the per-edge shortcuts;
// a fixed target ignores the body's status.
func (h *HTTP) transition(fixed domain.TripStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := tripID(r)
		if err != nil {
			writeError(w, err)
			return
		}
		// shortcuts may be called without a body
		var payload transitionRequest
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err))
			return
		}

		target := fixed
		if target == "" {
			status, ok := domain.ParseStatus(payload.Status)
			if !ok {
				writeError(w, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidArgument, payload.Status))
				return
			}
			target = status
		}
		if target == domain.StatusAccepted {
			if claims, ok := auth.ClaimsFromContext(r.Context()); ok && claims.Role != auth.RoleDriver {
				writeError(w, fmt.Errorf("%w: only drivers accept trips", domain.ErrUnauthorized))
				return
			}
		}
		actor, err := h.actor(r, payload.ActorID)
		if err != nil {
			writeError(w, err)
			return
		}
		in := service.TransitionInput{TripID: id, ActorID: actor, Target: target}
		if payload.DriverID != nil {
			driverID, err := uuid.Parse(*payload.DriverID)
			if err != nil {
				writeError(w, fmt.Errorf("%w: invalid driver_id", domain.ErrInvalidArgument))
				return
			}
			in.DriverID = &driverID
		}

		trip, err := h.svc.Transition(r.Context(), in)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, trip)
	}
}

// streamTrip serves the trip as server-sent events: the current snapshot
// first, then every newer snapshot until the trip ends or the client leaves.
func (h *HTTP) streamTrip(w http.ResponseWriter, r *http.Request) {
	id, err := tripID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sess, err := session.Open(r.Context(), h.svc, h.feed, id, h.logger)
	if err != nil {
		writeError(w, err)
		return
	}
	defer sess.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	out := &eventWriter{w: w, flusher: flusher}
	if err := out.send(sess.Current()); err != nil {
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case trip, ok := <-sess.Updates():
			if !ok {
				if err := sess.Err(); err != nil {
					h.logger.Warn("trip stream ended", zap.String("trip_id", id.String()), zap.Error(err))
				}
				return
			}
			if err := out.send(trip); err != nil {
				return
			}
		}
	}
}

// eventWriter frames snapshots as SSE. The session may already hold the
// snapshot Current returned, so versions not above the last sent are dropped.
type eventWriter struct {
	w       io.Writer
	flusher http.Flusher
	last    int64
}

func (e *eventWriter) send(trip domain.Trip) error {
	if trip.Version <= e.last {
		return nil
	}
	if err := writeEvent(e.w, trip); err != nil {
		return err
	}
	e.last = trip.Version
	e.flusher.Flush()
	return nil
}

func writeEvent(w io.Writer, trip domain.Trip) error {
	data, err := json.Marshal(trip)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: trip\ndata: %s\n\n", trip.Version, data)
	return err
}

// actor resolves the caller: the token subject when auth is on, otherwise the
// id the client declared.
func (h *HTTP) actor(r *http.Request, declared string) (uuid.UUID, error) {
	if actor, ok := auth.ActorFromContext(r.Context()); ok {
		return actor, nil
	}
	if h.opts.JWTSecret != "" {
		return uuid.Nil, domain.ErrUnauthorized
	}
	id, err := uuid.Parse(declared)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid actor id", domain.ErrInvalidArgument)
	}
	return id, nil
}

func tripID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid id", domain.ErrInvalidArgument)
	}
	return id, nil
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	writeJSON(w, status, errorResponse{Error: code, Message: err.Error()})
}

// statusFor maps the trip error taxonomy onto HTTP. Timeout is checked first
// since a routing timeout also carries ErrRouteUnavailable.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrTimeout):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest, "invalid_argument"
	case errors.Is(err, domain.ErrRouteUnavailable):
		return http.StatusBadGateway, "route_unavailable"
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusForbidden, "unauthorized"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
