package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/example/trip-coordinator/internal/models"
	"github.com/example/trip-coordinator/internal/tracking"
)

// PositionSubmitter is the tracking entry point devices feed into.
type PositionSubmitter interface {
	SubmitPosition(ctx context.Context, tripID string, in tracking.Sample) (models.Position, error)
}

// DevicePayload is what in-vehicle devices publish on the position topic.
// Ts is the device clock in unix milliseconds.
type DevicePayload struct {
	Lat   *float64 `json:"lat"`
	Lng   *float64 `json:"lng"`
	Speed *float64 `json:"speed,omitempty"`
	Ts    *int64   `json:"ts,omitempty"`
}

type MQTTConfig struct {
	Broker   string
	ClientID string
	// Topic must contain exactly one '+' level that carries the trip id.
	Topic string
	QoS   byte
}

// MQTTSubscriber feeds device position reports into the tracking pipeline.
type MQTTSubscriber struct {
	cfg    MQTTConfig
	submit PositionSubmitter
	logger *slog.Logger
	client mqtt.Client
}

func NewMQTTSubscriber(cfg MQTTConfig, submit PositionSubmitter, logger *slog.Logger) (*MQTTSubscriber, error) {
	if strings.Count(cfg.Topic, "+") != 1 {
		return nil, fmt.Errorf("mqtt topic %q must have exactly one '+' level", cfg.Topic)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTSubscriber{cfg: cfg, submit: submit, logger: logger}, nil
}

// Run connects, subscribes and blocks until ctx is done. Subscriptions are
// re-established on every reconnect.
func (s *MQTTSubscriber) Run(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(s.cfg.Broker).
		SetClientID(s.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetCleanSession(true)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		tok := c.Subscribe(s.cfg.Topic, s.cfg.QoS, func(_ mqtt.Client, m mqtt.Message) {
			if err := s.Handle(ctx, m.Topic(), m.Payload()); err != nil {
				s.logger.Warn("mqtt position rejected", "topic", m.Topic(), "error", err, "code", tracking.ErrorCode(err))
			}
		})
		if tok.WaitTimeout(10*time.Second) && tok.Error() != nil {
			s.logger.Error("mqtt subscribe failed", "topic", s.cfg.Topic, "error", tok.Error())
			return
		}
		s.logger.Info("mqtt subscribed", "broker", s.cfg.Broker, "topic", s.cfg.Topic)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.logger.Warn("mqtt connection lost", "error", err)
	})

	s.client = mqtt.NewClient(opts)
	tok := s.client.Connect()
	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			return fmt.Errorf("mqtt connect %s: %w", s.cfg.Broker, err)
		}
	case <-ctx.Done():
	}

	<-ctx.Done()
	s.client.Disconnect(250)
	return nil
}

var ErrTopicMismatch = errors.New("topic does not match subscription")

// Handle decodes one device message and submits it.
func (s *MQTTSubscriber) Handle(ctx context.Context, topic string, payload []byte) error {
	tripID, ok := TripIDFromTopic(s.cfg.Topic, topic)
	if !ok {
		return fmt.Errorf("%w: %s", ErrTopicMismatch, topic)
	}
	var p DevicePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("%w: %v", tracking.ErrInvalidSample, err)
	}
	if p.Lat == nil || p.Lng == nil {
		return fmt.Errorf("%w: lat and lng are required", tracking.ErrInvalidSample)
	}
	in := tracking.Sample{Lat: *p.Lat, Lng: *p.Lng, Speed: p.Speed}
	if p.Ts != nil {
		t := time.UnixMilli(*p.Ts).UTC()
		in.ReportedAt = &t
	}
	_, err := s.submit.SubmitPosition(ctx, tripID, in)
	return err
}

// TripIDFromTopic extracts the level matched by '+' in pattern.
func TripIDFromTopic(pattern, topic string) (string, bool) {
	pl := strings.Split(pattern, "/")
	tl := strings.Split(topic, "/")
	if len(pl) != len(tl) {
		return "", false
	}
	id := ""
	for i := range pl {
		switch pl[i] {
		case "+":
			id = tl[i]
		default:
			if pl[i] != tl[i] {
				return "", false
			}
		}
	}
	return id, id != ""
}
