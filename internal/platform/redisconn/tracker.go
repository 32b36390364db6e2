package redisconn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/tinywideclouds/go-relay-service/pkg/relay"
)

// State is the connectivity state of the shared store as seen by this process.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateReconnecting
	// StateUnavailable is terminal: the retry budget is spent and every
	// command fails fast for the rest of the run.
	StateUnavailable
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateUnavailable:
		return "unavailable"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Policy is the bounded exponential backoff applied to connection attempts.
type Policy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// MaxRetries counts retries after the first attempt.
	MaxRetries uint64
	// AttemptTimeout bounds each individual ping.
	AttemptTimeout time.Duration
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     3 * time.Second,
		Multiplier:      2,
		MaxRetries:      10,
		AttemptTimeout:  defaultConnectTimeout,
	}
}

func (p Policy) newBackOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	if p.Multiplier > 0 {
		b.Multiplier = p.Multiplier
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, p.MaxRetries), ctx)
}

type probeKey struct{}

// Tracker watches command errors on a client. The first connectivity error
// starts a single reconnect loop; until it succeeds every command fails fast
// with relay.ErrStoreUnreachable.
type Tracker struct {
	state  atomic.Int32
	policy Policy
	logger *slog.Logger
	probe  func(ctx context.Context) error

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewTracker creates a tracker in the connecting state.
func NewTracker(policy Policy, logger *slog.Logger) *Tracker {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Tracker{
		policy: policy,
		logger: logger.With("component", "redis_tracker"),
		ctx:    ctx,
		cancel: cancel,
	}
	t.state.Store(int32(StateConnecting))
	return t
}

// Attach installs the tracker as a hook on client and uses it for probes.
func (t *Tracker) Attach(client *redis.Client) {
	t.probe = func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
	client.AddHook(t)
}

// State returns the current connectivity state.
func (t *Tracker) State() State {
	return State(t.state.Load())
}

// Connect performs the initial bootstrap using the backoff policy. It is the
// only place where an exhausted budget is reported to the caller.
func (t *Tracker) Connect(ctx context.Context) error {
	if t.probe == nil {
		return fmt.Errorf("tracker is not attached to a client")
	}
	t.logger.Info("Connecting to presence store")
	if err := t.retry(ctx); err != nil {
		t.state.Store(int32(StateUnavailable))
		t.logger.Error("Presence store connection failed, retries exhausted", "err", err)
		return fmt.Errorf("%w: initial connect: %v", relay.ErrStoreUnreachable, err)
	}
	t.state.Store(int32(StateConnected))
	t.logger.Info("Connected to presence store")
	return nil
}

// Close stops any reconnect loop in progress.
func (t *Tracker) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.cancel()
	t.wg.Wait()
}

func (t *Tracker) retry(ctx context.Context) error {
	attempt := 0
	op := func() error {
		attempt++
		pctx, cancel := context.WithTimeout(context.WithValue(ctx, probeKey{}, true), t.policy.AttemptTimeout)
		defer cancel()
		err := t.probe(pctx)
		if err != nil {
			t.logger.Warn("Presence store ping failed", "attempt", attempt, "err", err)
		}
		return err
	}
	return backoff.Retry(op, t.policy.newBackOff(ctx))
}

func (t *Tracker) markLost(cause error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if !t.state.CompareAndSwap(int32(StateConnected), int32(StateReconnecting)) {
		return
	}
	t.logger.Warn("Presence store connection lost, reconnecting", "err", cause)
	t.wg.Add(1)
	go t.reconnect()
}

func (t *Tracker) reconnect() {
	defer t.wg.Done()
	if err := t.retry(t.ctx); err != nil {
		if t.ctx.Err() != nil {
			return
		}
		t.state.Store(int32(StateUnavailable))
		t.logger.Error("Presence store retries exhausted, running degraded", "err", err)
		return
	}
	t.state.Store(int32(StateConnected))
	t.logger.Info("Presence store connection restored")
}

func (t *Tracker) guard(ctx context.Context) error {
	if ctx.Value(probeKey{}) != nil {
		return nil
	}
	if st := t.State(); st != StateConnected {
		return fmt.Errorf("%w: %s", relay.ErrStoreUnreachable, st)
	}
	return nil
}

func (t *Tracker) observe(ctx context.Context, err error) {
	if ctx.Value(probeKey{}) != nil || ctx.Err() != nil {
		return
	}
	if isConnectivityError(err) {
		t.markLost(err)
	}
}

// DialHook implements redis.Hook.
func (t *Tracker) DialHook(next redis.DialHook) redis.DialHook {
	return next
}

// ProcessHook implements redis.Hook.
func (t *Tracker) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if err := t.guard(ctx); err != nil {
			cmd.SetErr(err)
			return err
		}
		err := next(ctx, cmd)
		t.observe(ctx, err)
		return err
	}
}

// ProcessPipelineHook implements redis.Hook.
func (t *Tracker) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		if err := t.guard(ctx); err != nil {
			for _, cmd := range cmds {
				cmd.SetErr(err)
			}
			return err
		}
		err := next(ctx, cmds)
		t.observe(ctx, err)
		return err
	}
}

func isConnectivityError(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) || errors.Is(err, redis.ErrClosed) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var replyErr redis.Error
	if errors.As(err, &replyErr) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
