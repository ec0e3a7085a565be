// Package scheduler provides polling timers with an explicit lifecycle.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/marketplace-inbox/pkg/logger"
	"github.com/capitalize-ai/marketplace-inbox/pkg/metrics"
)

// State is the lifecycle state of a Timer.
type State int

const (
	StateStopped State = iota
	StateRunning
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Event drives a state transition.
type Event int

const (
	EventStart Event = iota
	EventPause
	EventResume
	EventStop
)

func (e Event) String() string {
	switch e {
	case EventStart:
		return "start"
	case EventPause:
		return "pause"
	case EventResume:
		return "resume"
	case EventStop:
		return "stop"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// ErrInvalidTransition is returned for events not allowed in the current state.
var ErrInvalidTransition = errors.New("invalid timer transition")

// Transition returns the state reached by applying e to s.
func Transition(s State, e Event) (State, error) {
	switch {
	case s == StateStopped && e == EventStart:
		return StateRunning, nil
	case s == StateRunning && e == EventPause:
		return StatePaused, nil
	case s == StatePaused && e == EventResume:
		return StateRunning, nil
	case (s == StateRunning || s == StatePaused) && e == EventStop:
		return StateStopped, nil
	default:
		return s, fmt.Errorf("%w: %s in state %s", ErrInvalidTransition, e, s)
	}
}

// Task is one tick's work. ctx is cancelled when the timer stops.
type Task func(ctx context.Context)

// Timer runs a Task on a fixed interval. Ticks do not wait for the previous
// task to finish.
type Timer struct {
	name     string
	interval time.Duration
	task     Task
	logger   *logger.Logger

	mu     sync.Mutex
	state  State
	gen    uint64
	ctx    context.Context
	cancel context.CancelFunc
	wakeup chan struct{}
	wg     sync.WaitGroup
}

// NewTimer creates a stopped timer.
func NewTimer(name string, interval time.Duration, task Task, log *logger.Logger) *Timer {
	return &Timer{
		name:     name,
		interval: interval,
		task:     task,
		logger:   log.With(zap.String("timer", name)),
	}
}

// Name returns the timer's name.
func (t *Timer) Name() string {
	return t.name
}

// State returns the current lifecycle state.
func (t *Timer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Generation returns the current generation. It changes on every Stop.
func (t *Timer) Generation() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gen
}

func (t *Timer) apply(e Event) (State, error) {
	next, err := Transition(t.state, e)
	if err != nil {
		return t.state, err
	}
	prev := t.state
	t.state = next
	metrics.SetTimerState(t.name, prev.String(), next.String())
	return next, nil
}

// Start moves the timer to running and fires the first tick immediately.
func (t *Timer) Start(parent context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := t.apply(EventStart); err != nil {
		return err
	}

	t.gen++
	t.ctx, t.cancel = context.WithCancel(parent)
	t.wakeup = make(chan struct{}, 1)

	t.wg.Add(1)
	go t.loop(t.ctx, t.gen, t.wakeup)

	t.fireLocked()
	return nil
}

// Pause suspends ticking. In-flight tasks keep running.
func (t *Timer) Pause() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, err := t.apply(EventPause)
	return err
}

// Resume restarts ticking and fires a tick immediately.
func (t *Timer) Resume() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := t.apply(EventResume); err != nil {
		return err
	}
	select {
	case t.wakeup <- struct{}{}:
	default:
	}
	return nil
}

// Stop cancels the timer's context and invalidates its generation so no
// tick observed afterwards can run a task. It does not wait; see Wait.
func (t *Timer) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := t.apply(EventStop); err != nil {
		return err
	}
	t.gen++
	t.cancel()
	return nil
}

// Wait blocks until the ticking loop and every task it started have returned.
func (t *Timer) Wait() {
	t.wg.Wait()
}

func (t *Timer) loop(ctx context.Context, gen uint64, wakeup <-chan struct{}) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.tick(gen)
		case <-wakeup:
			ticker.Reset(t.interval)
			t.tick(gen)
		}
	}
}

func (t *Timer) tick(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if gen != t.gen || t.state != StateRunning {
		return
	}
	t.fireLocked()
}

// fireLocked starts one task. Caller holds t.mu with the timer running.
func (t *Timer) fireLocked() {
	ctx := t.ctx
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				t.logger.Error("timer task panicked", zap.Any("panic", r))
			}
		}()
		t.task(ctx)
	}()
}
