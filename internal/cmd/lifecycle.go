package cmd

import (
	"context"
	"sync"

	"github.com/fulmenhq/gofulmen/signals"
	"go.uber.org/zap"

	"github.com/ventrelay/ventrelay/internal/observability"
)

// lifecycle holds the cleanup and reload steps of a running server and arms
// them on gofulmen signal managers. A signals.Manager dispatches one signal
// per Listen and cannot listen again, so Listen arms a fresh manager after
// every reload.
type lifecycle struct {
	cleanup   []signals.CleanupFunc
	reload    []signals.ReloadFunc
	doubleTap *signals.DoubleTapConfig

	once sync.Once
	err  error
	done chan struct{}
}

func newLifecycle() *lifecycle {
	return &lifecycle{done: make(chan struct{})}
}

// OnShutdown adds a cleanup step. Steps run in reverse registration order.
func (l *lifecycle) OnShutdown(fn signals.CleanupFunc) {
	l.cleanup = append(l.cleanup, fn)
}

// OnReload adds a reload step. Steps run in registration order.
func (l *lifecycle) OnReload(fn signals.ReloadFunc) {
	l.reload = append(l.reload, fn)
}

// Shutdown runs the cleanup steps once, stopping at the first failure.
// Concurrent and later calls wait for that run and return its result.
func (l *lifecycle) Shutdown(ctx context.Context) error {
	l.once.Do(func() {
		for i := len(l.cleanup) - 1; i >= 0; i-- {
			if err := l.cleanup[i](ctx); err != nil {
				l.err = err
				break
			}
		}
		close(l.done)
	})
	return l.err
}

// Done is closed once Shutdown has finished.
func (l *lifecycle) Done() <-chan struct{} {
	return l.done
}

// Err reports the cleanup failure, if any. Valid after Done is closed.
func (l *lifecycle) Err() error {
	select {
	case <-l.done:
		return l.err
	default:
		return nil
	}
}

func (l *lifecycle) arm(m *signals.Manager) error {
	m.OnShutdown(l.Shutdown)
	for _, fn := range l.reload {
		m.OnReload(fn)
	}
	if l.doubleTap != nil {
		return m.EnableDoubleTap(*l.doubleTap)
	}
	return nil
}

// armDetached registers the steps on m but starts shutdown in the background.
// The admin endpoint dispatches from inside an HTTP request, and the server
// shutdown waits for that request to finish.
func (l *lifecycle) armDetached(m *signals.Manager) {
	m.OnShutdown(func(context.Context) error {
		go func() { _ = l.Shutdown(context.Background()) }()
		return nil
	})
	for _, fn := range l.reload {
		m.OnReload(fn)
	}
}

// Listen dispatches OS signals until shutdown completes or ctx ends. A failed
// reload is logged and the current settings stay in effect.
func (l *lifecycle) Listen(ctx context.Context) error {
	for {
		// Spent managers stay registered with os/signal, so a signal arriving
		// before the next manager is armed never falls back to its default
		// action.
		m := signals.NewManager()
		if err := l.arm(m); err != nil {
			if logger := observability.ServerLogger; logger != nil {
				logger.Warn("Failed to enable double-tap force quit", zap.Error(err))
			}
		}
		err := m.Listen(ctx)

		select {
		case <-l.done:
			return l.err
		default:
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if logger := observability.ServerLogger; logger != nil {
				logger.Warn("Reload failed; keeping current settings", zap.Error(err))
			}
		}
	}
}
