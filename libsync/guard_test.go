package libsync

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/mock/gomock"

	"github.com/vulnsentinel/vulnsync"
	"github.com/vulnsentinel/vulnsync/test"
	mock_datastore "github.com/vulnsentinel/vulnsync/test/mock/datastore"
)

type runFunc func(context.Context) (*vulnsync.RunSummary, error)

func (f runFunc) Run(ctx context.Context) (*vulnsync.RunSummary, error) { return f(ctx) }

func TestGuard(t *testing.T) {
	t.Run("Busy", func(t *testing.T) {
		ctx := test.Logging(t)
		started, release := make(chan struct{}), make(chan struct{})
		g := NewGuard(runFunc(func(context.Context) (*vulnsync.RunSummary, error) {
			close(started)
			<-release
			return new(vulnsync.RunSummary), nil
		}), nil)

		done := make(chan error)
		go func() {
			_, err := g.Run(ctx)
			done <- err
		}()
		<-started
		if _, err := g.Run(ctx); !errors.Is(err, vulnsync.ErrConflict) {
			t.Errorf("unexpected error: %v", err)
		}
		close(release)
		if err := <-done; err != nil {
			t.Error(err)
		}
	})

	t.Run("Locker", func(t *testing.T) {
		ctx := test.Logging(t)
		ctl := gomock.NewController(t)
		l := mock_datastore.NewMockLocker(ctl)
		var released atomic.Bool
		gomock.InOrder(
			l.EXPECT().TryLock(gomock.Any(), LockName).Return(true, func() { released.Store(true) }, nil),
			l.EXPECT().TryLock(gomock.Any(), LockName).Return(false, nil, nil),
		)
		var calls int
		g := NewGuard(runFunc(func(context.Context) (*vulnsync.RunSummary, error) {
			calls++
			return new(vulnsync.RunSummary), nil
		}), l)

		if _, err := g.Run(ctx); err != nil {
			t.Error(err)
		}
		if !released.Load() {
			t.Error("lock not released")
		}
		if _, err := g.Run(ctx); !errors.Is(err, ErrBusy) {
			t.Errorf("unexpected error: %v", err)
		}
		if calls != 1 {
			t.Errorf("runs: got: %d, want: 1", calls)
		}
	})
}

func TestStart(t *testing.T) {
	ctx, cancel := context.WithCancel(test.Logging(t))
	var n atomic.Int32
	r := runFunc(func(context.Context) (*vulnsync.RunSummary, error) {
		if n.Add(1) == 3 {
			cancel()
		}
		return nil, errors.New("upstream down")
	})
	err := Start(ctx, time.Millisecond, r)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("unexpected error: %v", err)
	}
	if got := n.Load(); got < 3 {
		t.Errorf("runs: got: %d, want: >= 3", got)
	}

	if err := Start(context.Background(), 0, r); !errors.Is(err, vulnsync.ErrPrecondition) {
		t.Errorf("unexpected error: %v", err)
	}
}
