// Package test holds helpers shared by the package tests.
package test

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/quay/claircore/toolkit/log"
)

// setup installs the routing log handler exactly once.
var setup = sync.OnceFunc(func() {
	slog.SetDefault(slog.New(new(router)))
})

type ctxKey struct{}

var handlerKey ctxKey

var _ slog.Handler = (router)(nil)

// router implements [slog.Handler] by forwarding to the handler stored in the
// [context.Context] by [Logging]. Records logged with a Context lacking one
// are discarded, so parallel tests never see each other's output.
//
// WithAttrs and WithGroup calls are recorded and replayed onto the
// per-test handler.
type router []func(slog.Handler) slog.Handler

func (r router) target(ctx context.Context) (slog.Handler, bool) {
	h, ok := ctx.Value(handlerKey).(slog.Handler)
	return h, ok
}

// Enabled implements [slog.Handler].
func (r router) Enabled(ctx context.Context, l slog.Level) bool {
	h, ok := r.target(ctx)
	return ok && h.Enabled(ctx, l)
}

// Handle implements [slog.Handler].
func (r router) Handle(ctx context.Context, rec slog.Record) error {
	h, ok := r.target(ctx)
	if !ok {
		return nil
	}
	for _, op := range r {
		h = op(h)
	}
	if v, ok := ctx.Value(log.AttrsKey).(slog.Value); ok {
		rec.AddAttrs(v.Group()...)
	}
	return h.Handle(ctx, rec)
}

// WithAttrs implements [slog.Handler].
func (r router) WithAttrs(attrs []slog.Attr) slog.Handler {
	return append(r[:len(r):len(r)], func(h slog.Handler) slog.Handler {
		return h.WithAttrs(attrs)
	})
}

// WithGroup implements [slog.Handler].
func (r router) WithGroup(name string) slog.Handler {
	return append(r[:len(r):len(r)], func(h slog.Handler) slog.Handler {
		return h.WithGroup(name)
	})
}

// Logging returns a [context.Context] that makes the default [slog.Logger]
// write to the output of t. Times are printed relative to the call.
func Logging(t testing.TB) context.Context {
	setup()
	start := time.Now()
	h := slog.NewTextHandler(t.Output(), &slog.HandlerOptions{
		AddSource: true,
		Level:     slog.LevelDebug,
		ReplaceAttr: func(g []string, a slog.Attr) slog.Attr {
			if g != nil {
				return a
			}
			switch a.Key {
			case slog.TimeKey:
				return slog.String(slog.TimeKey, "+"+time.Since(start).String())
			case slog.SourceKey:
				src, ok := a.Value.Any().(*slog.Source)
				if !ok {
					return a
				}
				if src.Function != "" {
					return slog.String(slog.SourceKey, strings.TrimPrefix(src.Function, "github.com/vulnsentinel/vulnsync/"))
				}
				return slog.String(slog.SourceKey, fmt.Sprintf("%s:%d", filepath.Base(src.File), src.Line))
			}
			return a
		},
	})
	return context.WithValue(context.Background(), handlerKey, h)
}
