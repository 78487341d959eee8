// Package calibration runs a guided single-point calibration: it watches one
// channel until the reading has stayed within tolerance of its starting value
// for the hold time, then tells the sensor to accept the reference point.
package calibration

import (
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/itohio/wqm/pkg/config"
	"github.com/itohio/wqm/pkg/sensor"
)

// epsilon absorbs float rounding at the edge of the tolerance band.
const epsilon = 1e-9

// Sampler reads the channel under calibration.
type Sampler interface {
	Snapshot() sensor.Reading
	RefreshChannel(ch sensor.Channel) (float64, error)
	Specs() sensor.Specs
}

// Committer issues the device-side accept command.
type Committer interface {
	WriteRegister(address byte, reg, value uint16, timeout time.Duration) error
}

// Clock provides the current instant.
type Clock interface {
	Now() time.Time
}

// Outcome is how the last session ended.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeCommitted
	OutcomeCommitFailed
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCommitted:
		return "committed"
	case OutcomeCommitFailed:
		return "commit_failed"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "none"
	}
}

// MarshalText encodes the outcome as its name.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText decodes an outcome name.
func (o *Outcome) UnmarshalText(text []byte) error {
	for _, v := range []Outcome{OutcomeNone, OutcomeCommitted, OutcomeCommitFailed, OutcomeCancelled} {
		if v.String() == string(text) {
			*o = v
			return nil
		}
	}
	return fmt.Errorf("unknown calibration outcome %q", text)
}

// Command is the register write that accepts one reference point.
type Command struct {
	Address  byte
	Register uint16
	Value    uint16
}

// Session is the live calibration session.
type Session struct {
	Target      Target
	Started     time.Time
	Baseline    float64
	Current     float64
	StableSince time.Time // zero until stability is first observed
	Progress    int       // 0..100
	Done        bool
}

// Progress is what the operator sees after each tick.
type Progress struct {
	Active      bool    `json:"active"`
	Target      Target  `json:"target,omitempty"`
	Name        string  `json:"name,omitempty"`
	Instruction string  `json:"instruction,omitempty"`
	Baseline    float64 `json:"baseline"`
	Current     float64 `json:"current"`
	Stable      bool    `json:"stable"`
	Percent     int     `json:"progress"`
	Outcome     Outcome `json:"outcome"`
	Error       string  `json:"error,omitempty"`
}

// Engine owns at most one calibration session. Begin, Update and Cancel must
// be called from the goroutine that owns the bus; accessors are safe from any
// goroutine.
type Engine struct {
	sampler   Sampler
	committer Committer
	clock     Clock

	hold          time.Duration
	tolerance     float64
	zeroTolerance float64
	timeout       time.Duration
	commands      map[Target]Command

	mu      sync.RWMutex
	state   State
	session Session
	outcome Outcome
	lastErr error

	callbacks []func(Progress)
	cbMu      sync.RWMutex
}

// New creates an engine. Every target needs a commit command in
// cfg.Calibration.Commits.
func New(cfg *config.Config, sampler Sampler, committer Committer, clock Clock) (*Engine, error) {
	specs := sampler.Specs()
	commands := make(map[Target]Command, len(targets))
	for _, t := range Targets() {
		c, ok := cfg.Calibration.Commits[t.String()]
		if !ok {
			return nil, fmt.Errorf("no commit command for %s", t)
		}
		addr, _ := specs.Address(t.Channel())
		commands[t] = Command{Address: addr, Register: c.Register, Value: c.Value}
	}
	if cfg.Calibration.Hold < time.Millisecond {
		return nil, fmt.Errorf("calibration hold must be at least 1ms, got %v", cfg.Calibration.Hold)
	}

	return &Engine{
		sampler:       sampler,
		committer:     committer,
		clock:         clock,
		hold:          cfg.Calibration.Hold,
		tolerance:     cfg.Calibration.Tolerance,
		zeroTolerance: cfg.Calibration.ZeroTolerance,
		timeout:       cfg.Bus.Timeout,
		commands:      commands,
	}, nil
}

// Command returns the commit command for a target.
func (e *Engine) Command(t Target) (Command, bool) {
	c, ok := e.commands[t]
	return c, ok
}

// Begin starts a session for target using the snapshot value as baseline and
// returns the operator instruction. It does nothing and returns false while
// another session is active.
func (e *Engine) Begin(target Target) (string, bool) {
	if !target.Valid() {
		return "", false
	}

	e.mu.Lock()
	next, err := transition(e.state, EventBegin)
	if err != nil {
		e.mu.Unlock()
		log.Printf("[calibration] begin %s ignored: %v", target, err)
		return "", false
	}

	snapshot := e.sampler.Snapshot()
	baseline := snapshot.Value(target.Channel())
	e.state = next
	e.session = Session{
		Target:   target,
		Started:  e.clock.Now(),
		Baseline: baseline,
		Current:  baseline,
	}
	e.outcome = OutcomeNone
	e.lastErr = nil
	p := e.progressLocked()
	e.mu.Unlock()

	log.Printf("[calibration] started %s (baseline %.3f)", target.Name(), baseline)
	e.notifyCallbacks(p)
	return target.Instruction(), true
}

// Update samples the target channel once and advances the session. Once the
// reading has held for the hold time the commit command is written and the
// session ends.
func (e *Engine) Update() Progress {
	e.mu.RLock()
	state, target := e.state, e.session.Target
	e.mu.RUnlock()
	if _, err := transition(state, EventSample); err != nil {
		return e.Progress()
	}

	v, readErr := e.sampler.RefreshChannel(target.Channel())
	now := e.clock.Now()

	e.mu.Lock()
	s := &e.session
	stable := false
	if readErr != nil {
		log.Printf("[calibration] %s sample failed: %v", target.Name(), readErr)
	}
	if readErr == nil || errors.Is(readErr, sensor.ErrPartialRead) {
		s.Current = v
		stable = e.stable(v)
	}

	var held time.Duration
	if stable {
		if s.StableSince.IsZero() {
			s.StableSince = now
		}
		held = now.Sub(s.StableSince)
		s.Progress = percent(held, e.hold)
	} else {
		s.StableSince = time.Time{}
		s.Progress = 0
	}

	if !stable || held < e.hold {
		p := e.progressLocked()
		e.mu.Unlock()
		e.notifyCallbacks(p)
		return p
	}
	e.mu.Unlock()

	return e.commit(target)
}

// commit writes the accept command and closes the session.
func (e *Engine) commit(target Target) Progress {
	cmd := e.commands[target]
	err := e.committer.WriteRegister(cmd.Address, cmd.Register, cmd.Value, e.timeout)

	e.mu.Lock()
	e.state, _ = transition(e.state, EventHold)
	e.session.Done = true
	if err != nil {
		e.outcome = OutcomeCommitFailed
		e.lastErr = err
		log.Printf("[calibration] %s commit failed: %v", target.Name(), err)
	} else {
		e.outcome = OutcomeCommitted
		log.Printf("[calibration] %s completed", target.Name())
	}
	p := e.progressLocked()
	e.session = Session{}
	e.mu.Unlock()

	e.notifyCallbacks(p)
	return p
}

// Cancel discards the session without talking to the device.
func (e *Engine) Cancel() {
	e.mu.Lock()
	wasActive := e.state == Active
	e.state, _ = transition(e.state, EventCancel)
	if wasActive {
		e.outcome = OutcomeCancelled
		e.lastErr = nil
	}
	p := e.progressLocked()
	target := e.session.Target
	e.session = Session{}
	e.mu.Unlock()

	if wasActive {
		log.Printf("[calibration] %s cancelled", target.Name())
		e.notifyCallbacks(p)
	}
}

// stable reports whether v is within tolerance of the baseline. A zero
// baseline uses the absolute zero tolerance instead.
func (e *Engine) stable(v float64) bool {
	base := e.session.Baseline
	if base == 0 {
		return math.Abs(v) <= e.zeroTolerance+epsilon
	}
	return math.Abs(v-base) <= e.tolerance*math.Abs(base)+epsilon
}

func percent(held, hold time.Duration) int {
	if held > hold {
		held = hold
	}
	if held < 0 {
		held = 0
	}
	return int(held.Milliseconds() * 100 / hold.Milliseconds())
}

// Active reports whether a session is live.
func (e *Engine) Active() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state == Active
}

// State returns the engine state.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Session returns the live session, if any.
func (e *Engine) Session() (Session, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.session, e.state == Active
}

// Outcome returns how the last session ended and the commit error, if any.
func (e *Engine) Outcome() (Outcome, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.outcome, e.lastErr
}

// Progress returns the current progress view.
func (e *Engine) Progress() Progress {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.progressLocked()
}

func (e *Engine) progressLocked() Progress {
	s := e.session
	p := Progress{
		Active:   e.state == Active,
		Baseline: s.Baseline,
		Current:  s.Current,
		Stable:   !s.StableSince.IsZero() || s.Done,
		Percent:  s.Progress,
		Outcome:  e.outcome,
	}
	if s.Done {
		p.Percent = 100
	}
	if s.Target.Valid() {
		p.Target = s.Target
		p.Name = s.Target.Name()
		p.Instruction = s.Target.Instruction()
	}
	if e.lastErr != nil {
		p.Error = e.lastErr.Error()
	}
	return p
}

// OnProgress registers a callback invoked after every change.
func (e *Engine) OnProgress(callback func(Progress)) {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	e.callbacks = append(e.callbacks, callback)
}

func (e *Engine) notifyCallbacks(p Progress) {
	e.cbMu.RLock()
	callbacks := make([]func(Progress), len(e.callbacks))
	copy(callbacks, e.callbacks)
	e.cbMu.RUnlock()

	for _, cb := range callbacks {
		cb(p)
	}
}
