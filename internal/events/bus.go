package events

import (
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kycgate/backend/internal/clock"
	"github.com/kycgate/backend/internal/metrics"
)

var (
	ErrSessionUnknown = errors.New("events: unknown session")
	ErrTooManySubs    = errors.New("events: subscriber limit reached")
)

// Config bounds the bus. Values come from the threshold registry at wiring
// time so they share the same validation path as every other knob.
type Config struct {
	QueueCapacity  int           // replay ring size per session
	MaxSubscribers int           // process-wide
	Heartbeat      time.Duration // heartbeat emission interval
	StaleAfter     time.Duration // subscriber considered stale after this long stalled
	CleanupEvery   time.Duration // stale-subscriber sweep interval
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		QueueCapacity:  100,
		MaxSubscribers: 1000,
		Heartbeat:      30 * time.Second,
		StaleAfter:     60 * time.Second,
		CleanupEvery:   60 * time.Second,
	}
}

// Subscriber is one consumer of a session's event queue.
type Subscriber struct {
	C chan *Event

	sessionID    string
	stalledSince time.Time // zero when draining normally
	missed       int       // consecutive failed deliveries
	closed       bool
}

// queue is the single-producer per-session event store.
type queue struct {
	mu        sync.Mutex
	sessionID string
	seq       uint64
	ring      []*Event // oldest first, len <= capacity
	subs      map[*Subscriber]struct{}
}

// Bus owns all session queues and the fan-out machinery.
type Bus struct {
	mu     sync.RWMutex
	queues map[string]*queue

	cfg   Config
	clock *clock.Clock
	met   *metrics.Metrics

	subCount atomic.Int64
	tap      chan *Event // best-effort mirror for the telemetry hub

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewBus creates a bus. met may be nil in tests.
func NewBus(cfg Config, clk *clock.Clock, met *metrics.Metrics) *Bus {
	if cfg.QueueCapacity <= 0 {
		cfg = DefaultConfig()
	}
	return &Bus{
		queues: make(map[string]*queue),
		cfg:    cfg,
		clock:  clk,
		met:    met,
		tap:    make(chan *Event, 256),
		stop:   make(chan struct{}),
	}
}

// Start launches the heartbeat and stale-cleanup workers. The caller owns
// the bus lifetime and must call Stop on shutdown.
func (b *Bus) Start() {
	b.wg.Add(2)
	go b.heartbeatLoop()
	go b.cleanupLoop()
}

// Stop joins the background workers.
func (b *Bus) Stop() {
	close(b.stop)
	b.wg.Wait()
}

// Register ensures a queue exists for the session.
func (b *Bus) Register(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[sessionID]; !ok {
		b.queues[sessionID] = &queue{
			sessionID: sessionID,
			subs:      make(map[*Subscriber]struct{}),
		}
	}
}

// Emit appends an event to the session's queue and fans it out. The emitter
// never blocks: subscriber deliveries are non-blocking sends, and a
// subscriber whose channel is full has the event dropped for it alone.
// Returns the emitted event, or nil for an unknown session.
func (b *Bus) Emit(sessionID string, typ Type, payload map[string]interface{}) *Event {
	b.mu.RLock()
	q, ok := b.queues[sessionID]
	b.mu.RUnlock()
	if !ok {
		return nil
	}

	q.mu.Lock()
	q.seq++
	ev := &Event{
		SessionID:   sessionID,
		Sequence:    q.seq,
		MonotonicMS: float64(b.clock.Monotonic()) / float64(time.Millisecond),
		WallTS:      b.clock.Stamp(),
		Type:        typ,
		Payload:     payload,
	}
	q.ring = append(q.ring, ev)
	if len(q.ring) > b.cfg.QueueCapacity {
		q.ring = q.ring[len(q.ring)-b.cfg.QueueCapacity:]
	}

	now := time.Now()
	for sub := range q.subs {
		select {
		case sub.C <- ev:
			sub.stalledSince = time.Time{}
			sub.missed = 0
		default:
			if sub.stalledSince.IsZero() {
				sub.stalledSince = now
			}
			sub.missed++
			if b.met != nil {
				b.met.EventsDropped.WithLabelValues("slow_subscriber").Inc()
			}
			// A subscriber a full ring behind will never catch up.
			if sub.missed >= b.cfg.QueueCapacity {
				b.detachLocked(q, sub)
				log.Printf("[BUS] disconnected slow subscriber on session %s (%d missed)", sessionID, sub.missed)
			}
		}
	}
	q.mu.Unlock()

	if b.met != nil {
		b.met.EventsEmitted.WithLabelValues(string(typ)).Inc()
	}

	// Telemetry mirror is strictly best-effort.
	select {
	case b.tap <- ev:
	default:
	}
	return ev
}

// Subscribe attaches a consumer to a session's queue. When lastSeq > 0 the
// ring is replayed from the first retained event after lastSeq; replay beyond
// the ring capacity is not guaranteed.
func (b *Bus) Subscribe(sessionID string, lastSeq uint64) (*Subscriber, error) {
	if int(b.subCount.Load()) >= b.cfg.MaxSubscribers {
		return nil, ErrTooManySubs
	}
	b.mu.RLock()
	q, ok := b.queues[sessionID]
	b.mu.RUnlock()
	if !ok {
		return nil, ErrSessionUnknown
	}

	sub := &Subscriber{
		// Channel sized to the ring so a replayed backlog always fits.
		C:         make(chan *Event, b.cfg.QueueCapacity),
		sessionID: sessionID,
	}

	q.mu.Lock()
	for _, ev := range q.ring {
		if ev.Sequence > lastSeq {
			sub.C <- ev
		}
	}
	q.subs[sub] = struct{}{}
	q.mu.Unlock()

	b.subCount.Add(1)
	if b.met != nil {
		b.met.SubscribersActive.Inc()
	}
	return sub, nil
}

// Unsubscribe detaches and closes a subscriber.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.mu.RLock()
	q, ok := b.queues[sub.sessionID]
	b.mu.RUnlock()
	if !ok {
		return
	}
	q.mu.Lock()
	b.detachLocked(q, sub)
	q.mu.Unlock()
}

// detachLocked removes a subscriber from q; q.mu must be held.
func (b *Bus) detachLocked(q *queue, sub *Subscriber) {
	if _, ok := q.subs[sub]; !ok {
		return
	}
	delete(q.subs, sub)
	if !sub.closed {
		sub.closed = true
		close(sub.C)
	}
	b.subCount.Add(-1)
	if b.met != nil {
		b.met.SubscribersActive.Dec()
	}
}

// LastSequence reports the highest sequence emitted for a session.
func (b *Bus) LastSequence(sessionID string) uint64 {
	b.mu.RLock()
	q, ok := b.queues[sessionID]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.seq
}

// CloseSession emits a final disconnected event, then detaches every
// subscriber and drops the queue.
func (b *Bus) CloseSession(sessionID string) {
	b.Emit(sessionID, TypeDisconnected, nil)

	b.mu.Lock()
	q, ok := b.queues[sessionID]
	if ok {
		delete(b.queues, sessionID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	q.mu.Lock()
	for sub := range q.subs {
		b.detachLocked(q, sub)
	}
	q.mu.Unlock()
}

// Tap returns the process-wide best-effort mirror of all emitted events,
// consumed by the telemetry websocket hub.
func (b *Bus) Tap() <-chan *Event {
	return b.tap
}

func (b *Bus) heartbeatLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.mu.RLock()
			ids := make([]string, 0, len(b.queues))
			for id, q := range b.queues {
				q.mu.Lock()
				n := len(q.subs)
				q.mu.Unlock()
				if n > 0 {
					ids = append(ids, id)
				}
			}
			b.mu.RUnlock()
			for _, id := range ids {
				b.Emit(id, TypeHeartbeat, nil)
			}
		}
	}
}

func (b *Bus) cleanupLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.CleanupEvery)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-b.cfg.StaleAfter)
			b.mu.RLock()
			queues := make([]*queue, 0, len(b.queues))
			for _, q := range b.queues {
				queues = append(queues, q)
			}
			b.mu.RUnlock()
			for _, q := range queues {
				q.mu.Lock()
				for sub := range q.subs {
					if !sub.stalledSince.IsZero() && sub.stalledSince.Before(cutoff) {
						b.detachLocked(q, sub)
						log.Printf("[BUS] reaped stale subscriber on session %s", q.sessionID)
					}
				}
				q.mu.Unlock()
			}
		}
	}
}
