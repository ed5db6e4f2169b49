package libsync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/quay/claircore/toolkit/log"

	"github.com/vulnsentinel/vulnsync"
	"github.com/vulnsentinel/vulnsync/datastore"
)

// LockName is the name of the store lock taken by Guard.
const LockName = "vulnsync/sync"

// Runner is anything that performs a sync run.
type Runner interface {
	Run(context.Context) (*vulnsync.RunSummary, error)
}

// ErrBusy is returned by Guard.Run when another run holds the lock.
var ErrBusy = &vulnsync.Error{
	Op:      `libsync.Guard.Run`,
	Kind:    vulnsync.ErrConflict,
	Message: "a sync is already running",
}

// Guard allows one run at a time. Runs are serialized within the process by
// a mutex and, when a Locker is provided, across processes sharing a store.
type Guard struct {
	r      Runner
	locker datastore.Locker
	mu     sync.Mutex
}

// NewGuard wraps r. The locker may be nil.
func NewGuard(r Runner, l datastore.Locker) *Guard {
	return &Guard{r: r, locker: l}
}

// Run starts a run unless one is in progress, in which case ErrBusy is
// returned immediately.
func (g *Guard) Run(ctx context.Context) (*vulnsync.RunSummary, error) {
	if !g.mu.TryLock() {
		return nil, ErrBusy
	}
	defer g.mu.Unlock()
	if g.locker != nil {
		ok, release, err := g.locker.TryLock(ctx, LockName)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrBusy
		}
		defer release()
	}
	return g.r.Run(ctx)
}

// Start calls r.Run immediately and then on every interval until ctx is
// canceled. Errors from individual runs are logged, not returned.
//
// Start is designed to be run as a goroutine.
func Start(ctx context.Context, interval time.Duration, r Runner) error {
	ctx = log.With(ctx, "component", "libsync/Start")
	if interval <= 0 {
		return &vulnsync.Error{Op: `libsync.Start`, Kind: vulnsync.ErrPrecondition, Message: "an interval is required to start"}
	}

	slog.InfoContext(ctx, "starting initial sync")
	run(ctx, r)

	slog.InfoContext(ctx, "starting background syncs", "interval", interval)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			run(ctx, r)
		}
	}
}

func run(ctx context.Context, r Runner) {
	_, err := r.Run(ctx)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
	case errors.Is(err, vulnsync.ErrConflict):
		slog.InfoContext(ctx, "skipping sync, another is running")
	default:
		slog.ErrorContext(ctx, "error while syncing", "reason", err)
	}
}
