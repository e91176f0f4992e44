package tracking

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/example/trip-coordinator/internal/geo"
	"github.com/example/trip-coordinator/internal/models"
	"github.com/example/trip-coordinator/internal/observability"
	"github.com/example/trip-coordinator/internal/timeparse"
)

const DefaultCapacity = 500

// Session is the in-memory state of one trip. Every field is guarded by mu;
// holding mu is the trip's single-writer critical section.
type Session struct {
	mu           sync.Mutex
	id           string
	history      *ring
	gate         time.Time
	gateSet      bool
	subs         map[string]Subscriber
	ended        bool
	endedAt      time.Time
	lastActivity time.Time
	evicted      bool
}

func (s *Session) ID() string { return s.id }

func (s *Session) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// Gate returns the memoized gate instant, if computed.
func (s *Session) Gate() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gate, s.gateSet
}

func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.len()
}

func (s *Session) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// broadcast must be called with mu held. Subscribers that cannot take the
// event are dropped from the trip.
func (s *Session) broadcast(ev Event, logger *slog.Logger) {
	for id, sub := range s.subs {
		if sub.Deliver(ev) {
			continue
		}
		delete(s.subs, id)
		sub.Close()
		observability.BroadcastDropped.Inc()
		observability.Subscribers.Dec()
		logger.Warn("subscriber dropped, outbox full", "trip_id", s.id, "subscriber_id", id)
	}
}

func (s *Session) summary() models.TripSummary {
	path := s.history.snapshot()
	sum := models.TripSummary{TripID: s.id, Samples: len(path), Ended: s.ended}
	if len(path) == 0 {
		return sum
	}
	first, last := path[0].Ts, path[len(path)-1].Ts
	sum.FirstAt, sum.LastAt = &first, &last
	sum.DistanceMeters = geo.PathLength(path)
	total := 0.0
	for _, p := range path {
		total += p.Speed
		if p.Speed > sum.MaxSpeedKmh {
			sum.MaxSpeedKmh = p.Speed
		}
	}
	sum.AvgSpeedKmh = total / float64(len(path))
	return sum
}

type RegistryOptions struct {
	Capacity int
	// IdleRetention evicts sessions with no subscribers and no activity for this long.
	IdleRetention time.Duration
	// EndedRetention evicts ended sessions this long after they ended.
	EndedRetention time.Duration
	// TombstoneRetention is how long an evicted ended trip is still
	// remembered as ended. MaxTombstones caps that set.
	TombstoneRetention time.Duration
	MaxTombstones      int
	Parser             timeparse.Parser
	Now                func() time.Time
	Logger             *slog.Logger
}

// Registry holds every trackable trip. mu guards only the map; per-trip work
// happens under the session's own lock so unrelated trips never contend.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	// tombstones maps evicted ended trips to their end time.
	tombstones map[string]time.Time

	capacity           int
	idleRetention      time.Duration
	endedRetention     time.Duration
	tombstoneRetention time.Duration
	maxTombstones      int
	parser             timeparse.Parser
	now                func() time.Time
	logger             *slog.Logger
}

func NewRegistry(opts RegistryOptions) *Registry {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.IdleRetention <= 0 {
		opts.IdleRetention = 30 * time.Minute
	}
	if opts.EndedRetention <= 0 {
		opts.EndedRetention = 10 * time.Minute
	}
	if opts.TombstoneRetention <= 0 {
		opts.TombstoneRetention = 7 * 24 * time.Hour
	}
	if opts.MaxTombstones <= 0 {
		opts.MaxTombstones = 100000
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Parser.Loc == nil {
		opts.Parser = timeparse.New(time.UTC)
	}
	return &Registry{
		sessions:           make(map[string]*Session),
		tombstones:         make(map[string]time.Time),
		capacity:           opts.Capacity,
		idleRetention:      opts.IdleRetention,
		endedRetention:     opts.EndedRetention,
		tombstoneRetention: opts.TombstoneRetention,
		maxTombstones:      opts.MaxTombstones,
		parser:             opts.Parser,
		now:                opts.Now,
		logger:             opts.Logger,
	}
}

func (r *Registry) Capacity() int { return r.capacity }

// GetOrCreate returns the session for tripID, creating an empty one. A trip
// that ended and was evicted comes back already ended.
func (r *Registry) GetOrCreate(tripID string) *Session {
	r.mu.RLock()
	s, ok := r.sessions[tripID]
	r.mu.RUnlock()
	if ok {
		return s
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[tripID]; ok {
		return s
	}
	s = &Session{
		id:           tripID,
		history:      newRing(r.capacity),
		subs:         make(map[string]Subscriber),
		lastActivity: r.now(),
	}
	if endedAt, ok := r.tombstones[tripID]; ok {
		s.ended, s.endedAt = true, endedAt
		delete(r.tombstones, tripID)
	}
	r.sessions[tripID] = s
	observability.TripSessions.Inc()
	return s
}

// Get returns an existing session without creating one.
func (r *Registry) Get(tripID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[tripID]
	return s, ok
}

// Ended reports whether the trip has ended, including trips whose session
// was already evicted.
func (r *Registry) Ended(tripID string) bool {
	if s, ok := r.Get(tripID); ok {
		s.mu.Lock()
		ended := s.ended
		s.mu.Unlock()
		if ended {
			return true
		}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tombstones[tripID]
	return ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// locked runs fn inside the trip's critical section, retrying if the session
// was evicted between lookup and lock.
func (r *Registry) locked(tripID string, create bool, fn func(s *Session) error) error {
	for {
		var s *Session
		if create {
			s = r.GetOrCreate(tripID)
		} else {
			var ok bool
			if s, ok = r.Get(tripID); !ok {
				return fmt.Errorf("trip %s: %w", tripID, ErrTripNotFound)
			}
		}
		s.mu.Lock()
		if s.evicted {
			s.mu.Unlock()
			continue
		}
		err := fn(s)
		s.mu.Unlock()
		return err
	}
}

// ComputeGate parses the pickup date/time once per trip and memoizes it.
func (r *Registry) ComputeGate(tripID, pickupDate, pickupTime string) (time.Time, error) {
	var gate time.Time
	err := r.locked(tripID, true, func(s *Session) error {
		if s.gateSet {
			gate = s.gate
			return nil
		}
		t, err := r.parser.Parse(pickupDate, pickupTime)
		if err != nil {
			return err
		}
		s.gate, s.gateSet = t, true
		gate = t
		return nil
	})
	return gate, err
}

// Append records p and fans it out to the trip's subscribers. It fails with
// ErrTripEnded once the trip has ended.
func (r *Registry) Append(tripID string, p models.Position) error {
	return r.locked(tripID, true, func(s *Session) error {
		if s.ended {
			return fmt.Errorf("trip %s: %w", tripID, ErrTripEnded)
		}
		s.history.push(p)
		s.lastActivity = r.now()
		pos := p
		s.broadcast(Event{Type: EventLocation, TripID: tripID, Position: &pos}, r.logger)
		return nil
	})
}

// Subscribe registers sub and replays the current history to it alone before
// any newer sample. A late joiner of an ended trip also receives the terminal
// event.
func (r *Registry) Subscribe(tripID string, sub Subscriber) error {
	return r.locked(tripID, true, func(s *Session) error {
		for _, p := range s.history.snapshot() {
			pos := p
			if !sub.Deliver(Event{Type: EventLocation, TripID: tripID, Position: &pos}) {
				sub.Close()
				observability.BroadcastDropped.Inc()
				return fmt.Errorf("subscriber %s could not take replay of trip %s", sub.ID(), tripID)
			}
		}
		if s.ended {
			sum := s.summary()
			sub.Deliver(Event{Type: EventEnded, TripID: tripID, Summary: &sum})
		}
		if _, dup := s.subs[sub.ID()]; !dup {
			observability.Subscribers.Inc()
		}
		s.subs[sub.ID()] = sub
		s.lastActivity = r.now()
		return nil
	})
}

// Unsubscribe removes the handle; it reports whether it was registered.
func (r *Registry) Unsubscribe(tripID, subscriberID string) bool {
	removed := false
	_ = r.locked(tripID, false, func(s *Session) error {
		if _, ok := s.subs[subscriberID]; ok {
			delete(s.subs, subscriberID)
			observability.Subscribers.Dec()
			removed = true
			s.lastActivity = r.now()
		}
		return nil
	})
	return removed
}

// End marks the trip ended and sends the terminal event to current
// subscribers. Only the first call broadcasts; first reports which call that was.
func (r *Registry) End(tripID string) (summary models.TripSummary, first bool) {
	_ = r.locked(tripID, true, func(s *Session) error {
		if !s.ended {
			s.ended = true
			s.endedAt = r.now()
			s.lastActivity = s.endedAt
			first = true
		}
		summary = s.summary()
		if first {
			sum := summary
			s.broadcast(Event{Type: EventEnded, TripID: tripID, Summary: &sum}, r.logger)
		}
		return nil
	})
	return summary, first
}

// History returns the buffered samples oldest first.
func (r *Registry) History(tripID string) ([]models.Position, error) {
	var out []models.Position
	err := r.locked(tripID, false, func(s *Session) error {
		out = s.history.snapshot()
		return nil
	})
	return out, err
}

func (r *Registry) Summary(tripID string) (models.TripSummary, error) {
	var sum models.TripSummary
	err := r.locked(tripID, false, func(s *Session) error {
		sum = s.summary()
		return nil
	})
	return sum, err
}

// Sweep evicts ended sessions past EndedRetention and idle sessions with no
// subscribers past IdleRetention. Evicted ended trips leave a tombstone until
// TombstoneRetention. It returns the number evicted.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.RLock()
	candidates := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		candidates = append(candidates, s)
	}
	r.mu.RUnlock()

	evicted := 0
	for _, s := range candidates {
		s.mu.Lock()
		ended, endedAt := s.ended, s.endedAt
		expired := (s.ended && now.Sub(s.endedAt) >= r.endedRetention) ||
			(!s.ended && len(s.subs) == 0 && now.Sub(s.lastActivity) >= r.idleRetention)
		if expired && !s.evicted {
			s.evicted = true
			for id, sub := range s.subs {
				delete(s.subs, id)
				sub.Close()
				observability.Subscribers.Dec()
			}
		}
		s.mu.Unlock()
		if !expired {
			continue
		}
		r.mu.Lock()
		if cur, ok := r.sessions[s.id]; ok && cur == s {
			delete(r.sessions, s.id)
			if ended {
				r.tombstones[s.id] = endedAt
			}
			observability.TripSessions.Dec()
			evicted++
		}
		r.mu.Unlock()
	}

	r.mu.Lock()
	r.pruneTombstones(now)
	r.mu.Unlock()
	return evicted
}

// pruneTombstones drops tombstones past retention, then the oldest ones while
// over the cap. Must be called with r.mu held.
func (r *Registry) pruneTombstones(now time.Time) {
	for id, at := range r.tombstones {
		if now.Sub(at) >= r.tombstoneRetention {
			delete(r.tombstones, id)
		}
	}
	if len(r.tombstones) <= r.maxTombstones {
		return
	}
	ids := make([]string, 0, len(r.tombstones))
	for id := range r.tombstones {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return r.tombstones[ids[i]].Before(r.tombstones[ids[j]]) })
	for _, id := range ids[:len(ids)-r.maxTombstones] {
		delete(r.tombstones, id)
	}
}

// Run sweeps every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if n := r.Sweep(r.now()); n > 0 {
				r.logger.Info("trip sessions evicted", "count", n, "remaining", r.Len())
			}
		}
	}
}
