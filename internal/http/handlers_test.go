package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/trip-coordinator/internal/dispatch"
	"github.com/example/trip-coordinator/internal/locks"
	"github.com/example/trip-coordinator/internal/models"
	"github.com/example/trip-coordinator/internal/orchestrator"
	"github.com/example/trip-coordinator/internal/storage"
	"github.com/example/trip-coordinator/internal/timeparse"
	"github.com/example/trip-coordinator/internal/tracking"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type harness struct {
	srv      *httptest.Server
	clock    *clock
	bookings *storage.MemoryBookingStore
	tracking *tracking.Service
}

func newHarness(t *testing.T, ready map[string]ReadyCheck) *harness {
	t.Helper()
	c := &clock{now: time.Date(2025, 12, 25, 13, 59, 0, 0, time.UTC)}
	bookings := storage.NewMemoryBookingStore()
	vehicles := storage.NewMemoryVehicleStore()
	parser := timeparse.New(time.UTC)

	reg := tracking.NewRegistry(tracking.RegistryOptions{Capacity: 10, Parser: parser, Now: c.Now})
	trk := tracking.NewService(reg, bookings, nil, nil)
	lm := locks.NewManager(vehicles, c.Now, nil)
	orch := orchestrator.NewService(orchestrator.Options{
		Bookings: bookings,
		Locks:    lm,
		Notifier: dispatch.LogNotifier{},
		Trips:    trk,
		Parser:   parser,
		Now:      c.Now,
	})
	s := NewServer(Deps{
		Tracking:         trk,
		Orchestrator:     orch,
		Locks:            lm,
		Bookings:         bookings,
		Vehicles:         vehicles,
		SubscriberBuffer: 32,
		ReadyChecks:      ready,
		Now:              c.Now,
	})
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return &harness{srv: srv, clock: c, bookings: bookings, tracking: trk}
}

func (h *harness) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, h.srv.URL+path, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (h *harness) seedBooking(t *testing.T, id string, status models.BookingStatus) {
	t.Helper()
	require.NoError(t, h.bookings.SaveBooking(context.Background(), &models.Booking{
		ID:         id,
		VehicleID:  "v1",
		RenterID:   "r1",
		PickupDate: "25/12/2025",
		PickupTime: "14:00",
		DropDate:   "27/12/2025",
		DropTime:   "10:00",
		Status:     status,
	}))
}

func TestBookingLifecycleLocksVehicle(t *testing.T) {
	h := newHarness(t, nil)

	resp, body := h.do(t, http.MethodPut, "/internal/vehicles/v1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["available"])

	resp, body = h.do(t, http.MethodPost, "/internal/bookings", map[string]string{
		"vehicle_id": "v1", "renter_id": "r1",
		"pickup_date": "25/12/2025", "pickup_time": "14:00",
		"drop_date": "27/12/2025", "drop_time": "10:00",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "pending", body["status"])
	id, _ := body["id"].(string)
	require.NotEmpty(t, id)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp, body = h.do(t, http.MethodPost, "/internal/bookings/"+id+"/status", map[string]string{"status": "confirmed"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	vehicle, _ := body["vehicle"].(map[string]any)
	require.NotNil(t, vehicle)
	assert.Equal(t, false, vehicle["available"])
	assert.Equal(t, "2025-12-27T10:00:00Z", vehicle["locked_until"])

	resp, body = h.do(t, http.MethodGet, "/api/v1/vehicles/v1/availability", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["available"])

	resp, body = h.do(t, http.MethodGet, "/api/v1/vehicles?available=true", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body["vehicles"])

	resp, body = h.do(t, http.MethodPost, "/internal/bookings/"+id+"/status", map[string]string{"status": "pending"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "invalid_transition", body["code"])

	resp, _ = h.do(t, http.MethodPost, "/internal/bookings/nope/status", map[string]string{"status": "confirmed"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPositionGate(t *testing.T) {
	h := newHarness(t, nil)
	h.seedBooking(t, "b1", models.StatusConfirmed)
	sample := map[string]float64{"lat": 12.97, "lng": 77.59, "speed": 30}

	resp, body := h.do(t, http.MethodPost, "/api/v1/trips/b1/positions", sample)
	require.Equal(t, http.StatusTooEarly, resp.StatusCode)
	assert.Equal(t, "60", resp.Header.Get("Retry-After"))
	assert.Equal(t, "trip_not_started", body["code"])
	assert.Equal(t, float64(60), body["seconds_to_start"])

	h.clock.Set(time.Date(2025, 12, 25, 14, 0, 1, 0, time.UTC))
	resp, body = h.do(t, http.MethodPost, "/api/v1/trips/b1/positions", sample)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, 12.97, body["lat"])

	resp, body = h.do(t, http.MethodGet, "/api/v1/trips/b1/positions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["positions"], 1)

	resp, body = h.do(t, http.MethodPost, "/api/v1/trips/b1/end", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["ended"])
	assert.Equal(t, float64(1), body["samples"])

	resp, body = h.do(t, http.MethodPost, "/api/v1/trips/b1/positions", sample)
	assert.Equal(t, http.StatusGone, resp.StatusCode)
	assert.Equal(t, "trip_ended", body["code"])

	resp, body = h.do(t, http.MethodGet, "/api/v1/trips/b1/summary", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["ended"])
}

func TestPositionRejections(t *testing.T) {
	h := newHarness(t, nil)
	h.seedBooking(t, "pending", models.StatusPending)

	resp, body := h.do(t, http.MethodPost, "/api/v1/trips/pending/positions", map[string]float64{"lat": 1, "lng": 2})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "trip_not_ready", body["code"])

	resp, body = h.do(t, http.MethodPost, "/api/v1/trips/pending/positions", map[string]float64{"lat": 91, "lng": 2})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_sample", body["code"])

	resp, _ = h.do(t, http.MethodPost, "/api/v1/trips/pending/positions", map[string]float64{"lat": 1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = h.do(t, http.MethodGet, "/api/v1/trips/unknown/positions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body["positions"])
}

func TestReady(t *testing.T) {
	h := newHarness(t, map[string]ReadyCheck{
		"redis": func(ctx context.Context) error { return errors.New("connection refused") },
	})
	resp, body := h.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	failed, _ := body["failed"].(map[string]any)
	assert.Equal(t, "connection refused", failed["redis"])

	h = newHarness(t, nil)
	resp, _ = h.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var f map[string]any
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestLiveFeedReplayThenLive(t *testing.T) {
	h := newHarness(t, nil)
	h.seedBooking(t, "b1", models.StatusConfirmed)
	h.clock.Set(time.Date(2025, 12, 25, 14, 0, 1, 0, time.UTC))
	speed := 20.0
	_, err := h.tracking.SubmitPosition(context.Background(), "b1", tracking.Sample{Lat: 12.97, Lng: 77.59, Speed: &speed})
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws/trips/b1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	f := readFrame(t, conn)
	assert.Equal(t, "locationUpdate", f["type"])
	assert.Equal(t, "b1", f["tripId"])
	assert.Equal(t, 12.97, f["lat"])

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "driverLocation", "lat": 12.98, "lng": 77.6, "speed": 25}))
	f = readFrame(t, conn)
	assert.Equal(t, "locationUpdate", f["type"])
	assert.Equal(t, 12.98, f["lat"])

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "driverLocation", "lat": 123.0, "lng": 77.6}))
	f = readFrame(t, conn)
	assert.Equal(t, "trackingError", f["type"])
	assert.Equal(t, "invalid_sample", f["code"])

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "ping"}))
	f = readFrame(t, conn)
	assert.Equal(t, "pong", f["type"])

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "endTrip"}))
	f = readFrame(t, conn)
	assert.Equal(t, "tripEnded", f["type"])
	summary, _ := f["summary"].(map[string]any)
	assert.Equal(t, float64(2), summary["samples"])
}

func TestLiveFeedReportsCountdown(t *testing.T) {
	h := newHarness(t, nil)
	h.seedBooking(t, "b1", models.StatusConfirmed)

	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws/trips/b1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "driverLocation", "lat": 12.97, "lng": 77.59}))
	f := readFrame(t, conn)
	assert.Equal(t, "trackingError", f["type"])
	assert.Equal(t, "trip_not_started", f["code"])
	assert.Equal(t, float64(60), f["secondsToStart"])
}

func TestLiveFeedRefusesLocationWithoutCoordinates(t *testing.T) {
	h := newHarness(t, nil)
	h.seedBooking(t, "b1", models.StatusConfirmed)
	h.clock.Set(time.Date(2025, 12, 25, 14, 0, 1, 0, time.UTC))

	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws/trips/b1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	for _, frame := range []map[string]any{
		{"type": "driverLocation"},
		{"type": "driverLocation", "lat": 12.97},
		{"type": "driverLocation", "lng": 77.59, "speed": 10},
	} {
		require.NoError(t, conn.WriteJSON(frame))
		f := readFrame(t, conn)
		assert.Equal(t, "trackingError", f["type"])
		assert.Equal(t, "invalid_sample", f["code"])
	}

	// nothing was broadcast ahead of the pong
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "ping"}))
	assert.Equal(t, "pong", readFrame(t, conn)["type"])

	hist, err := h.tracking.History(context.Background(), "b1")
	require.NoError(t, err)
	assert.Empty(t, hist)
}
