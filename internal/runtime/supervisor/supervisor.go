package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"sync"
	"time"

	logx "upscalerbot/pkg/logx"
)

// ErrUnexpectedExit is reported when a critical task returns while its scope is still alive.
var ErrUnexpectedExit = errors.New("exited unexpectedly")

// Policy decides what a task failure does to the rest of the scope.
type Policy int

const (
	// FailFast cancels the scope on the first task failure.
	FailFast Policy = iota
	// Isolate records the failure and leaves sibling tasks running.
	Isolate
)

// A run that lasted this long is considered healthy and resets the backoff.
const healthyRun = 30 * time.Second

// Supervisor owns a set of named goroutines sharing one cancellable scope.
// The first failure is kept and reported by Err and Wait.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger
	policy Policy

	wg sync.WaitGroup

	mu  sync.Mutex
	err error

	waitOnce sync.Once
	done     chan struct{}
}

func New(parent context.Context, log logx.Logger, policy Policy) *Supervisor {
	if log.IsZero() {
		log = logx.Nop()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		log:    log,
		policy: policy,
		done:   make(chan struct{}),
	}
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel ends the scope without waiting for tasks to return.
func (s *Supervisor) Cancel() { s.cancel() }

func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Go runs fn in the scope. A panic or a non-cancellation error is a failure.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.call(name, fn); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Error("task failed", logx.String("task", name), logx.Err(err))
			s.fail(fmt.Errorf("%s: %w", name, err))
		}
	}()
}

// GoCritical runs a task that must live as long as the scope.
// Returning, with or without an error, while the scope is alive is a failure.
func (s *Supervisor) GoCritical(name string, fn func(ctx context.Context) error) {
	s.Go(name, func(ctx context.Context) error {
		err := fn(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case err == nil:
			return ErrUnexpectedExit
		default:
			return err
		}
	})
}

// Restart configures GoRestart.
type Restart struct {
	// Min and Max bound the exponential backoff between runs.
	Min, Max time.Duration
	// OnCleanExit reruns fn when it returns nil; otherwise a nil return ends the task.
	OnCleanExit bool
}

// GoRestart reruns fn after errors and panics until the scope ends.
// Restarted tasks never fail the scope; their errors are logged.
func (s *Supervisor) GoRestart(name string, r Restart, fn func(ctx context.Context) error) {
	if r.Min <= 0 {
		r.Min = 250 * time.Millisecond
	}
	r.Max = max(r.Max, r.Min)

	s.Go(name, func(ctx context.Context) error {
		wait := r.Min
		for ctx.Err() == nil {
			began := time.Now()
			err := s.call(name, fn)
			if ctx.Err() != nil {
				return nil
			}
			if err == nil {
				if !r.OnCleanExit {
					return nil
				}
				err = errors.New("returned")
			}
			if time.Since(began) >= healthyRun {
				wait = r.Min
			}
			d := wait + rand.N(wait/5+1)
			s.log.Warn("task restarting", logx.String("task", name), logx.Duration("backoff", d), logx.Err(err))
			if !sleep(ctx, d) {
				return nil
			}
			wait = min(wait*2, r.Max)
		}
		return nil
	})
}

// Wait blocks until every task has returned or ctx ends.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.waitOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.done)
		}()
	})
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call runs fn once, turning a panic into an error.
func (s *Supervisor) call(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("task panicked", logx.String("task", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(s.ctx)
}

func (s *Supervisor) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	if s.policy == FailFast {
		s.cancel()
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
