package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/foXaCe/enphase-battery/pkg/log"
	"github.com/foXaCe/enphase-battery/pkg/types"
)

// State is the coordinator's lifecycle state, exported for health reporting.
type State string

const (
	StateUninitialized  State = "uninitialized"
	StateAuthenticating State = "authenticating"
	StateRefreshing     State = "refreshing"
	StateReady          State = "ready"
	StateFailed         State = "failed"
)

// Refresh cadences, fixed at construction for the coordinator's lifetime.
// The local network is cheap and rate-limit-free; the cloud account API is
// shared and implicitly rate limited; with a push channel attached the poll
// is only a backup.
const (
	localInterval      = 10 * time.Second
	cloudPollInterval  = 60 * time.Second
	cloudBackupPoll    = 5 * time.Minute
	pushStaleThreshold = 2 * time.Minute
)

// PushChannel is an optional realtime update stream attached to the cloud
// source. Its absence or failure degrades the coordinator to plain polling.
type PushChannel interface {
	Connect(ctx context.Context) error
	Notify() <-chan struct{}
	Stale(threshold time.Duration) bool
	Close() error
}

// Coordinator drives a single sequential refresh loop over one Source:
// authenticate lazily, fetch, accumulate, publish. Ticks never overlap; a
// tick still running when the next is due delays it rather than doubling
// up.
type Coordinator struct {
	source Source
	push   PushChannel

	interval time.Duration

	// mu serializes ticks and mutation commands against the source
	mu  sync.Mutex
	acc accumulatorState

	latest atomic.Pointer[types.BatteryRecord]
	state  atomic.Value // State

	refreshC chan struct{}
	stopOnce sync.Once
}

// New builds a coordinator for the source. A non-nil push channel switches
// the cloud source to the slow backup-poll cadence.
func New(source Source, push PushChannel) *Coordinator {
	c := &Coordinator{
		source:   source,
		push:     push,
		refreshC: make(chan struct{}, 1),
	}
	switch {
	case source.Name() == string(types.SourceLocal):
		c.interval = localInterval
	case push != nil:
		c.interval = cloudBackupPoll
	default:
		c.interval = cloudPollInterval
	}
	c.state.Store(StateUninitialized)
	return c
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	return c.state.Load().(State)
}

// Latest returns the most recent record, or nil before the first successful
// refresh.
func (c *Coordinator) Latest() *types.BatteryRecord {
	return c.latest.Load()
}

// Interval returns the refresh cadence selected at construction.
func (c *Coordinator) Interval() time.Duration {
	return c.interval
}

// Refresh requests an immediate refresh on the loop. It never blocks; a
// request while one is already pending collapses into it.
func (c *Coordinator) Refresh() {
	select {
	case c.refreshC <- struct{}{}:
	default:
	}
}

// Run performs the initial authentication and then drives the refresh loop
// until ctx is canceled. An AuthError during the initial authentication is
// fatal and returned; a ConnectionError is transient and the loop starts
// anyway, retrying on its normal cadence.
func (c *Coordinator) Run(ctx context.Context) error {
	c.state.Store(StateAuthenticating)
	if err := c.source.Authenticate(ctx); err != nil {
		if types.IsAuthError(err) {
			c.state.Store(StateFailed)
			return err
		}
		log.Ctx(ctx).WarnContext(ctx, "initial authentication failed, will retry",
			slog.String("source", c.source.Name()), slog.Any("error", err))
	}

	if c.push != nil {
		if err := c.push.Connect(ctx); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "push channel unavailable, polling only",
				slog.Any("error", err))
		}
	}

	c.tick(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	var notify <-chan struct{}
	if c.push != nil {
		notify = c.push.Notify()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.tick(ctx)
		case <-c.refreshC:
			c.tick(ctx)
		case <-notify:
			c.tick(ctx)
		}
	}
}

// tick runs one refresh cycle. Failures are logged and leave the loop
// running; an auth-class failure additionally drops the session so the next
// tick re-authenticates.
func (c *Coordinator) tick(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.push != nil && c.push.Stale(pushStaleThreshold) {
		log.Ctx(ctx).InfoContext(ctx, "push channel stale, reconnecting")
		if err := c.push.Connect(ctx); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "push reconnect failed", slog.Any("error", err))
		}
	}

	if !c.source.Ready() {
		c.state.Store(StateAuthenticating)
		if err := c.source.Authenticate(ctx); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "authentication failed",
				slog.String("source", c.source.Name()), slog.Any("error", err))
			c.state.Store(StateFailed)
			return
		}
	}

	c.state.Store(StateRefreshing)
	rec, err := c.source.Fetch(ctx)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "refresh failed",
			slog.String("source", c.source.Name()), slog.Any("error", err))
		if types.IsAuthError(err) {
			c.source.Reset()
		}
		c.state.Store(StateFailed)
		return
	}

	c.acc.accumulate(rec, time.Now())
	c.latest.Store(rec)
	c.state.Store(StateReady)
}

// guarded rejects mutation commands locally when no session exists, then
// runs op serialized against the refresh loop.
func (c *Coordinator) guarded(op func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.source.Ready() {
		return types.ErrNotInitialized
	}
	return op()
}

func (c *Coordinator) SetMode(ctx context.Context, mode string) error {
	return c.guarded(func() error { return c.source.SetMode(ctx, mode) })
}

func (c *Coordinator) SetBackupReserve(ctx context.Context, percent float64) error {
	return c.guarded(func() error { return c.source.SetBackupReserve(ctx, percent) })
}

func (c *Coordinator) SetVeryLowSOC(ctx context.Context, percent float64) error {
	return c.guarded(func() error { return c.source.SetVeryLowSOC(ctx, percent) })
}

func (c *Coordinator) SetChargeFromGrid(ctx context.Context, enabled bool) error {
	return c.guarded(func() error { return c.source.SetChargeFromGrid(ctx, enabled) })
}

func (c *Coordinator) SetDischargeToGrid(ctx context.Context, enabled bool) error {
	return c.guarded(func() error { return c.source.SetDischargeToGrid(ctx, enabled) })
}

func (c *Coordinator) SetReserveDischarge(ctx context.Context, enabled bool) error {
	return c.guarded(func() error { return c.source.SetReserveDischarge(ctx, enabled) })
}

// Shutdown releases the push channel and source clients. Safe to call more
// than once.
func (c *Coordinator) Shutdown(ctx context.Context) {
	c.stopOnce.Do(func() {
		if c.push != nil {
			if err := c.push.Close(); err != nil {
				log.Ctx(ctx).WarnContext(ctx, "push channel close failed", slog.Any("error", err))
			}
		}
		if err := c.source.Close(); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "source close failed", slog.Any("error", err))
		}
	})
}
