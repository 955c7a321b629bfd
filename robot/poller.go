package robot

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// DefaultPollInterval is how often the poller sweeps all robots.
const DefaultPollInterval = 5 * time.Second

// minPollInterval is the floor below which configured intervals are clamped.
const minPollInterval = time.Second

// robotGap is the pause between robots inside one sweep so a large fleet
// doesn't hammer the vendor with a burst of calls.
const robotGap = 100 * time.Millisecond

// StateFetcher fetches one robot's current state.
type StateFetcher interface {
	State(ctx context.Context, robotID string) (*State, error)
}

// Publisher announces events; the event bus satisfies it.
type Publisher interface {
	Publish(eventType string, data map[string]any, source string) int
}

// Poller periodically fetches each robot's state, stores it in the cache
// and publishes robot.state_updated when the state actually changed.
// Fetch failures are published as robot.state_error and don't stop the
// sweep.
type Poller struct {
	fetcher  StateFetcher
	cache    *Cache
	pub      Publisher
	robotIDs []string
	interval time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	stop     chan struct{}
	done     chan struct{}
	lastHash map[string]string
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithInterval sets the sweep interval, clamped to a 1s floor.
func WithInterval(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d < minPollInterval {
			d = minPollInterval
		}
		p.interval = d
	}
}

// WithPollerLogger sets the logger.
func WithPollerLogger(logger *slog.Logger) PollerOption {
	return func(p *Poller) {
		p.logger = logger
	}
}

// NewPoller creates a poller for the given robots. Empty ids are dropped.
func NewPoller(fetcher StateFetcher, cache *Cache, pub Publisher, robotIDs []string, opts ...PollerOption) *Poller {
	ids := make([]string, 0, len(robotIDs))
	for _, id := range robotIDs {
		if id != "" {
			ids = append(ids, id)
		}
	}

	p := &Poller{
		fetcher:  fetcher,
		cache:    cache,
		pub:      pub,
		robotIDs: ids,
		interval: DefaultPollInterval,
		logger:   slog.Default(),
		lastHash: make(map[string]string),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the poll loop. Calling Start on a running poller is a
// no-op.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop != nil {
		return
	}
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go p.loop(ctx, p.stop, p.done)
}

// Stop signals the loop to exit and waits for it, bounded to three
// seconds so shutdown never hangs on a stuck vendor call.
func (p *Poller) Stop() {
	p.mu.Lock()
	stop, done := p.stop, p.done
	p.stop, p.done = nil, nil
	p.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		p.logger.Warn("Poller did not stop in time")
	}
}

func (p *Poller) loop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)

	// Short startup delay so the rest of the system finishes booting.
	select {
	case <-time.After(500 * time.Millisecond):
	case <-stop:
		return
	case <-ctx.Done():
		return
	}

	for {
		for _, rid := range p.robotIDs {
			p.pollOne(ctx, rid)

			select {
			case <-time.After(robotGap):
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-time.After(p.interval):
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (p *Poller) pollOne(ctx context.Context, robotID string) {
	state, err := p.fetcher.State(ctx, robotID)
	if err != nil {
		p.logger.Warn("Robot state poll failed", "robot_id", robotID, "error", err)
		p.pub.Publish("robot.state_error", map[string]any{
			"robot_id": robotID,
			"error":    err.Error(),
		}, "robot-monitor")
		return
	}

	p.cache.Set(robotID, state)

	hash := stableHash(state.Raw)
	p.mu.Lock()
	changed := p.lastHash[robotID] != hash
	if changed {
		p.lastHash[robotID] = hash
	}
	p.mu.Unlock()

	if changed {
		p.pub.Publish("robot.state_updated", map[string]any{
			"robot_id": robotID,
			"state":    state,
		}, "robot-monitor")
	}
}

// stableHash renders the payload as canonical JSON for change detection;
// encoding/json sorts map keys, so equal states hash equal.
func stableHash(data map[string]any) string {
	b, err := json.Marshal(data)
	if err != nil {
		return ""
	}
	return string(b)
}
