package dispatch

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/trip-coordinator/internal/models"
	"github.com/example/trip-coordinator/internal/tracking"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMessage = 4096
)

// Frame is one JSON message on the live trip socket.
type Frame struct {
	Type   string `json:"type"`
	TripID string `json:"tripId,omitempty"`
	*models.Position
	Summary        *models.TripSummary `json:"summary,omitempty"`
	Code           string              `json:"code,omitempty"`
	Message        string              `json:"message,omitempty"`
	SecondsToStart int64               `json:"secondsToStart,omitempty"`
	Time           int64               `json:"time,omitempty"`
}

// InboundFrame is a message a client sends on the live trip socket. Lat and
// Lng are pointers so a driverLocation frame without them can be refused.
type InboundFrame struct {
	Type  string   `json:"type"`
	Lat   *float64 `json:"lat"`
	Lng   *float64 `json:"lng"`
	Speed *float64 `json:"speed"`
	Ts    *int64   `json:"ts"`
}

// WSSubscriber is a trip subscriber backed by a websocket connection. Frames
// queue in a bounded outbox drained by WritePump; a full outbox means the
// client is too slow and the registry drops it.
type WSSubscriber struct {
	id     string
	tripID string
	conn   *websocket.Conn
	out    chan Frame
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

func NewWSSubscriber(tripID string, conn *websocket.Conn, buffer int, logger *slog.Logger) *WSSubscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSSubscriber{
		id:     uuid.NewString(),
		tripID: tripID,
		conn:   conn,
		out:    make(chan Frame, buffer),
		done:   make(chan struct{}),
		logger: logger,
	}
}

func (s *WSSubscriber) ID() string { return s.id }

// Done is closed once the subscriber is closed.
func (s *WSSubscriber) Done() <-chan struct{} { return s.done }

func (s *WSSubscriber) Deliver(ev tracking.Event) bool {
	f := Frame{Type: string(ev.Type), TripID: ev.TripID, Position: ev.Position, Summary: ev.Summary}
	return s.Send(f)
}

// Send queues a frame for this connection only.
func (s *WSSubscriber) Send(f Frame) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.out <- f:
		return true
	default:
		return false
	}
}

// SendError reports a failed submission back to the submitting client.
func (s *WSSubscriber) SendError(err error) bool {
	f := Frame{Type: "trackingError", TripID: s.tripID, Code: tracking.ErrorCode(err), Message: err.Error()}
	var ns *tracking.NotStartedError
	if errors.As(err, &ns) {
		f.SecondsToStart = ns.SecondsToStart()
	}
	return s.Send(f)
}

func (s *WSSubscriber) Close() {
	s.once.Do(func() { close(s.done) })
}

// WritePump owns all writes to the connection until the subscriber closes or
// a write fails.
func (s *WSSubscriber) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.Close()
		_ = s.conn.Close()
	}()
	for {
		select {
		case <-s.done:
			s.drain()
			_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case f := <-s.out:
			if err := s.write(f); err != nil {
				s.logger.Debug("ws write failed", "subscriber_id", s.id, "trip_id", s.tripID, "error", err)
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// drain writes frames already queued when the subscriber closed.
func (s *WSSubscriber) drain() {
	for {
		select {
		case f := <-s.out:
			if err := s.write(f); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *WSSubscriber) write(f Frame) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(f)
}

// ReadPump decodes client frames and hands them to handle until the
// connection fails or the subscriber closes.
func (s *WSSubscriber) ReadPump(handle func(InboundFrame)) {
	defer s.Close()
	s.conn.SetReadLimit(maxMessage)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("ws read failed", "subscriber_id", s.id, "trip_id", s.tripID, "error", err)
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		var in InboundFrame
		if err := json.Unmarshal(data, &in); err != nil {
			s.Send(Frame{Type: "trackingError", TripID: s.tripID, Code: "bad_frame", Message: err.Error()})
			continue
		}
		handle(in)
	}
}
