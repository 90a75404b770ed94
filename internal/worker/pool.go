// Package worker runs supervised fire-and-forget tasks that must outlive the
// request that scheduled them.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/capitalize-ai/sentiment-chat/pkg/logger"
	"github.com/capitalize-ai/sentiment-chat/pkg/metrics"
)

// ErrSaturated is returned by Submit when every slot is busy.
var ErrSaturated = errors.New("worker pool saturated")

// ErrClosed is returned by Submit after Shutdown.
var ErrClosed = errors.New("worker pool closed")

// Task is a unit of background work.
type Task func(ctx context.Context) error

// Pool bounds concurrent background tasks. Tasks run on a context detached
// from the submitter with a per-task timeout.
type Pool struct {
	group   errgroup.Group
	timeout time.Duration
	logger  *logger.Logger
	closed  atomic.Bool
	base    context.Context
	cancel  context.CancelFunc
}

// New creates a pool with size slots.
func New(size int, timeout time.Duration, log *logger.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log == nil {
		log = logger.Global()
	}

	base, cancel := context.WithCancel(context.Background())
	p := &Pool{timeout: timeout, logger: log, base: base, cancel: cancel}
	p.group.SetLimit(size)
	return p
}

// Submit schedules task without blocking. Failures are logged and counted,
// never returned to the submitter.
func (p *Pool) Submit(name string, task Task) error {
	if p.closed.Load() {
		metrics.BackgroundTasksTotal.WithLabelValues(name, "rejected").Inc()
		return ErrClosed
	}

	started := p.group.TryGo(func() error {
		p.run(name, task)
		return nil
	})
	if !started {
		metrics.BackgroundTasksTotal.WithLabelValues(name, "dropped").Inc()
		p.logger.Warn("background task dropped, pool saturated", zap.String("task", name))
		return ErrSaturated
	}
	return nil
}

func (p *Pool) run(name string, task Task) {
	ctx, cancel := context.WithTimeout(p.base, p.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			metrics.BackgroundTasksTotal.WithLabelValues(name, "panic").Inc()
			p.logger.Error("background task panicked",
				zap.String("task", name),
				zap.String("panic", fmt.Sprint(r)),
				zap.ByteString("stack", debug.Stack()),
			)
		}
	}()

	if err := task(ctx); err != nil {
		metrics.BackgroundTasksTotal.WithLabelValues(name, "error").Inc()
		p.logger.Warn("background task failed",
			zap.String("task", name),
			zap.Error(err),
		)
		return
	}
	metrics.BackgroundTasksTotal.WithLabelValues(name, "ok").Inc()
}

// Shutdown stops accepting tasks and waits for in-flight ones. When ctx ends
// first, running tasks are cancelled.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.closed.Store(true)

	done := make(chan struct{})
	go func() {
		_ = p.group.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}
