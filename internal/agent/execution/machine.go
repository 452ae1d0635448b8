package execution

import (
	"context"
	"errors"
	"time"

	"github.com/psantana5/kestrel/internal/agent/kill"
	"github.com/psantana5/kestrel/pkg/logging"
	"github.com/psantana5/kestrel/pkg/retry"
)

// Action runs one state
type Action func(ctx context.Context, ec *ExecutionContext) error

// Machine drives an ExecutionContext through States
type Machine struct {
	actions map[State]Action
	killer  *kill.Service
	logger  *logging.Logger
	backoff time.Duration
}

// Option configures a Machine
type Option func(*Machine)

// WithRetryBackoff sets the wait before the first retry of a state
func WithRetryBackoff(d time.Duration) Option {
	return func(m *Machine) { m.backoff = d }
}

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

// NewMachine creates a machine. States without an action succeed at once.
func NewMachine(actions map[State]Action, killer *kill.Service, opts ...Option) *Machine {
	m := &Machine{
		actions: actions,
		killer:  killer,
		logger:  logging.NewLogger(logging.INFO, false),
		backoff: time.Second,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Run executes every state once, in order. A critical state that runs out
// of attempts records the fatal error and jumps to DETERMINE_JOB_OUTCOME.
// Once the job is killed, states marked skip-on-abort are not run. Run
// returns the fatal error, if any.
func (m *Machine) Run(ctx context.Context, ec *ExecutionContext) error {
	state := StateStart
	for state != StateEnd {
		m.mirrorKill(ec)
		info := Info(state)

		if ec.Killed && info.SkipOnAbort {
			m.logger.Info("Skipping state after kill", map[string]interface{}{"state": string(state)})
			state = Next(state)
			continue
		}

		ec.Visited = append(ec.Visited, state)
		err := m.runState(ctx, state, info, ec)
		if err == nil {
			state = Next(state)
			continue
		}

		if info.Critical {
			m.logger.Error("Critical state failed", map[string]interface{}{"state": string(state), "error": err})
			ec.SetFatal(state, err)
			if teardown(state) {
				state = Next(state)
			} else {
				state = StateDetermineJobOutcome
			}
			continue
		}
		m.logger.Warn("State failed, continuing", map[string]interface{}{"state": string(state), "error": err})
		state = Next(state)
	}

	if f := ec.Fatal(); f != nil {
		return f
	}
	return nil
}

// runState calls the action of state within its retry budget
func (m *Machine) runState(ctx context.Context, state State, info StateInfo, ec *ExecutionContext) error {
	action := m.actions[state]
	if action == nil {
		return nil
	}
	ec.AttemptsLeft = info.Retries + 1
	cfg := retry.Config{
		MaxRetries:     info.Retries,
		InitialBackoff: m.backoff,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2,
		Retryable: func(err error) bool {
			return !errors.Is(err, context.Canceled) && ec.AttemptsLeft > 0
		},
	}
	return retry.Do(ctx, cfg, func() error {
		ec.AttemptsLeft--
		m.logger.Debug("Entering state", map[string]interface{}{"state": string(state), "attempts_left": ec.AttemptsLeft})
		err := action(ctx, ec)
		if err != nil && ec.AttemptsLeft > 0 {
			m.logger.Warn("State attempt failed, retrying", map[string]interface{}{"state": string(state), "error": err})
		}
		return err
	})
}

func (m *Machine) mirrorKill(ec *ExecutionContext) {
	if m.killer == nil || !m.killer.Killed() {
		return
	}
	ec.Killed = true
	ec.KillSource = m.killer.Source()
	ec.KillReason = m.killer.Reason()
}

// teardown reports whether s is at or after the outcome state
func teardown(s State) bool {
	for _, st := range States {
		if st == StateDetermineJobOutcome {
			return true
		}
		if st == s {
			return false
		}
	}
	return false
}
