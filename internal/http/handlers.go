package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/trip-coordinator/internal/dispatch"
	"github.com/example/trip-coordinator/internal/locks"
	"github.com/example/trip-coordinator/internal/models"
	"github.com/example/trip-coordinator/internal/orchestrator"
	"github.com/example/trip-coordinator/internal/storage"
	"github.com/example/trip-coordinator/internal/timeparse"
	"github.com/example/trip-coordinator/internal/tracking"
)

var errBadRequest = errors.New("bad request")

// ReadyCheck reports whether one backing dependency is reachable.
type ReadyCheck func(ctx context.Context) error

type Deps struct {
	Tracking         *tracking.Service
	Orchestrator     *orchestrator.Service
	Locks            *locks.Manager
	Bookings         storage.BookingStore
	Vehicles         storage.VehicleStore
	SubscriberBuffer int
	ReadyChecks      map[string]ReadyCheck
	Now              func() time.Time
	Logger           *slog.Logger
}

type Server struct {
	tracking     *tracking.Service
	orchestrator *orchestrator.Service
	locks        *locks.Manager
	bookings     storage.BookingStore
	vehicles     storage.VehicleStore
	buffer       int
	ready        map[string]ReadyCheck
	now          func() time.Time
	logger       *slog.Logger
	upgrader     websocket.Upgrader
	mux          *mux.Router
}

func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.SubscriberBuffer <= 0 {
		d.SubscriberBuffer = 1024
	}
	s := &Server{
		tracking:     d.Tracking,
		orchestrator: d.Orchestrator,
		locks:        d.Locks,
		bookings:     d.Bookings,
		vehicles:     d.Vehicles,
		buffer:       d.SubscriberBuffer,
		ready:        d.ReadyChecks,
		now:          d.Now,
		logger:       d.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		mux: mux.NewRouter(),
	}
	s.routes()
	s.registerMiddleware()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/internal/bookings", s.handleCreateBooking).Methods("POST")
	s.mux.HandleFunc("/internal/bookings/{booking_id}/status", s.handleChangeStatus).Methods("POST")
	s.mux.HandleFunc("/internal/vehicles/{vehicle_id}", s.handleRegisterVehicle).Methods("PUT")

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/bookings/{booking_id}", s.handleGetBooking).Methods("GET")
	api.HandleFunc("/vehicles", s.handleListVehicles).Methods("GET")
	api.HandleFunc("/vehicles/{vehicle_id}/availability", s.handleAvailability).Methods("GET")
	api.HandleFunc("/trips/{trip_id}/positions", s.handleSubmitPosition).Methods("POST")
	api.HandleFunc("/trips/{trip_id}/positions", s.handleHistory).Methods("GET")
	api.HandleFunc("/trips/{trip_id}/end", s.handleEndTrip).Methods("POST")
	api.HandleFunc("/trips/{trip_id}/summary", s.handleSummary).Methods("GET")

	s.mux.HandleFunc("/ws/trips/{trip_id}", s.handleWS).Methods("GET")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods("GET")
	s.mux.HandleFunc("/ready", s.handleReady).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type createBookingRequest struct {
	ID         string `json:"id"`
	VehicleID  string `json:"vehicle_id"`
	RenterID   string `json:"renter_id"`
	PickupDate string `json:"pickup_date"`
	PickupTime string `json:"pickup_time"`
	DropDate   string `json:"drop_date"`
	DropTime   string `json:"drop_time"`
}

func (s *Server) handleCreateBooking(w http.ResponseWriter, r *http.Request) {
	var req createBookingRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.VehicleID) == "" || strings.TrimSpace(req.RenterID) == "" {
		s.writeError(w, r, fmt.Errorf("%w: vehicle_id and renter_id are required", errBadRequest))
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	now := s.now().UTC()
	b := &models.Booking{
		ID:         req.ID,
		VehicleID:  req.VehicleID,
		RenterID:   req.RenterID,
		PickupDate: req.PickupDate,
		PickupTime: req.PickupTime,
		DropDate:   req.DropDate,
		DropTime:   req.DropTime,
		Status:     models.StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.bookings.SaveBooking(r.Context(), b); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) handleGetBooking(w http.ResponseWriter, r *http.Request) {
	b, err := s.bookings.GetBooking(r.Context(), mux.Vars(r)["booking_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleChangeStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status models.BookingStatus `json:"status"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.orchestrator.ChangeStatus(r.Context(), mux.Vars(r)["booking_id"], req.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRegisterVehicle(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["vehicle_id"]
	if err := s.vehicles.RegisterVehicle(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := s.locks.Availability(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListVehicles(w http.ResponseWriter, r *http.Request) {
	only, _ := strconv.ParseBool(r.URL.Query().Get("available"))
	recs, err := s.locks.List(r.Context(), only)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"vehicles": recs})
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	rec, err := s.locks.Availability(r.Context(), mux.Vars(r)["vehicle_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// positionRequest mirrors the device payload; ts is the device clock in
// unix milliseconds.
type positionRequest struct {
	Lat   *float64 `json:"lat"`
	Lng   *float64 `json:"lng"`
	Speed *float64 `json:"speed"`
	Ts    *int64   `json:"ts"`
}

func (p positionRequest) sample() (tracking.Sample, error) {
	if p.Lat == nil || p.Lng == nil {
		return tracking.Sample{}, fmt.Errorf("%w: lat and lng are required", tracking.ErrInvalidSample)
	}
	in := tracking.Sample{Lat: *p.Lat, Lng: *p.Lng, Speed: p.Speed}
	if p.Ts != nil {
		t := time.UnixMilli(*p.Ts).UTC()
		in.ReportedAt = &t
	}
	return in, nil
}

func (s *Server) handleSubmitPosition(w http.ResponseWriter, r *http.Request) {
	var req positionRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", tracking.ErrInvalidSample, err))
		return
	}
	in, err := req.sample()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	pos, err := s.tracking.SubmitPosition(r.Context(), mux.Vars(r)["trip_id"], in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, pos)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	tripID := mux.Vars(r)["trip_id"]
	positions, err := s.tracking.History(r.Context(), tripID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trip_id": tripID, "positions": positions})
}

func (s *Server) handleEndTrip(w http.ResponseWriter, r *http.Request) {
	sum, err := s.tracking.EndTrip(r.Context(), mux.Vars(r)["trip_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.tracking.Summary(r.Context(), mux.Vars(r)["trip_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	failed := map[string]string{}
	for name, check := range s.ready {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// handleWS joins the caller to a trip: history is replayed, then live events
// follow. The same socket accepts driverLocation, endTrip and ping frames.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	tripID := mux.Vars(r)["trip_id"]
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "trip_id", tripID, "error", err)
		return
	}
	sub := dispatch.NewWSSubscriber(tripID, conn, s.buffer, s.logger)
	go sub.WritePump()

	ctx := r.Context()
	if err := s.tracking.Subscribe(ctx, tripID, sub); err != nil {
		sub.SendError(err)
		sub.Close()
		return
	}
	defer func() {
		s.tracking.Unsubscribe(tripID, sub.ID())
		sub.Close()
	}()

	sub.ReadPump(func(in dispatch.InboundFrame) {
		switch in.Type {
		case "driverLocation":
			sample, err := positionRequest{Lat: in.Lat, Lng: in.Lng, Speed: in.Speed, Ts: in.Ts}.sample()
			if err != nil {
				sub.SendError(err)
				return
			}
			if _, err := s.tracking.SubmitPosition(ctx, tripID, sample); err != nil {
				sub.SendError(err)
			}
		case "endTrip":
			if _, err := s.tracking.EndTrip(ctx, tripID); err != nil {
				sub.SendError(err)
			}
		case "ping":
			sub.Send(dispatch.Frame{Type: "pong", TripID: tripID, Time: s.now().UnixMilli()})
		default:
			sub.Send(dispatch.Frame{Type: "trackingError", TripID: tripID, Code: "unknown_frame", Message: "unknown frame type " + strconv.Quote(in.Type)})
		}
	})
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error          string `json:"error"`
	Code           string `json:"code"`
	SecondsToStart int64  `json:"seconds_to_start,omitempty"`
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, tracking.ErrInvalidSample):
		return http.StatusBadRequest, "invalid_sample"
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, tracking.ErrTripNotFound):
		return http.StatusNotFound, "trip_not_found"
	case errors.Is(err, tracking.ErrTripNotReady):
		return http.StatusConflict, "trip_not_ready"
	case errors.Is(err, orchestrator.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, tracking.ErrTripEnded):
		return http.StatusGone, "trip_ended"
	case errors.Is(err, timeparse.ErrUnparseableTime):
		return http.StatusUnprocessableEntity, "unparseable_time"
	case errors.Is(err, tracking.ErrTripNotStarted):
		return http.StatusTooEarly, "trip_not_started"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	noteErrorCode(r, code)
	body := errorBody{Error: err.Error(), Code: code}
	var ns *tracking.NotStartedError
	if errors.As(err, &ns) {
		body.SecondsToStart = ns.SecondsToStart()
		w.Header().Set("Retry-After", strconv.FormatInt(body.SecondsToStart, 10))
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
		body.Error = "internal error"
	}
	writeJSON(w, status, body)
}
