// Package step implements the build step machine shared by the builders.
//
// Each action declares the set of steps it may run from. A machine refuses to
// run an action outside that set, and moves to the step following the highest
// member of the set once the action body has succeeded.
package step

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Step is an ordered build milestone. Implementations are small integer enums
// whose String method returns the upper-case milestone name.
type Step interface {
	~int
	String() string
}

// ActionID names a build action in a machine's table.
type ActionID string

// ContractViolation is the panic value used when a caller runs an action from
// a step outside its precondition set, or configures a malformed table.
type ContractViolation struct {
	Message string
}

func (c ContractViolation) Error() string {
	return "contract violation: " + c.Message
}

func violate(format string, args ...any) {
	panic(ContractViolation{Message: fmt.Sprintf(format, args...)})
}

// Table maps each action to the steps it may legally run from.
type Table[S Step] map[ActionID][]S

// Machine tracks the current step of one build.
type Machine[S Step] struct {
	current S
	table   Table[S]
	valid   func(S) bool
}

// NewMachine returns a machine positioned at initial. valid reports whether a
// value is a member of the step enumeration.
func NewMachine[S Step](initial S, table Table[S], valid func(S) bool) *Machine[S] {
	if !valid(initial) {
		violate("initial step %d is not a valid step", int(initial))
	}
	for action, pre := range table {
		if len(pre) == 0 {
			violate("action %q has an empty precondition set", action)
		}
		if !slices.IsSorted(pre) {
			violate("precondition set of action %q is not sorted", action)
		}
		for _, s := range pre {
			if !valid(s) {
				violate("action %q lists invalid step %d", action, int(s))
			}
		}
		if !valid(pre[len(pre)-1] + 1) {
			violate("action %q would advance past the last step", action)
		}
	}
	return &Machine[S]{current: initial, table: table, valid: valid}
}

// Current returns the current step.
func (m *Machine[S]) Current() S {
	return m.current
}

// CanRun reports whether action may run from the current step.
func (m *Machine[S]) CanRun(action ActionID) bool {
	pre, ok := m.table[action]
	if !ok {
		return false
	}
	return slices.Contains(pre, m.current)
}

// Require panics with a ContractViolation when action may not run from the
// current step.
func (m *Machine[S]) Require(action ActionID) {
	pre, ok := m.table[action]
	if !ok {
		violate("unknown action %q", action)
	}
	if !slices.Contains(pre, m.current) {
		violate("action %q cannot run at step %s (allowed: %s)", action, m.current, joinSteps(pre))
	}
}

// Target returns the step the machine moves to after action succeeds.
func (m *Machine[S]) Target(action ActionID) S {
	pre, ok := m.table[action]
	if !ok {
		violate("unknown action %q", action)
	}
	return pre[len(pre)-1] + 1
}

// Advance records the successful completion of action.
func (m *Machine[S]) Advance(action ActionID) {
	m.Require(action)
	m.current = m.Target(action)
}

// Run gates fn behind action. The step only advances when fn returns nil.
func (m *Machine[S]) Run(action ActionID, fn func() error) error {
	m.Require(action)
	if err := fn(); err != nil {
		return err
	}
	m.current = m.Target(action)
	return nil
}

// Reset moves the machine to s. It is used when an older checkpoint is
// restored from outside the machine.
func (m *Machine[S]) Reset(s S) {
	if !m.valid(s) {
		violate("step %d is not a valid step", int(s))
	}
	m.current = s
}

// CheckpointName returns the checkpoint directory name for s, such as
// "02-GENTOO_REPOSITORY_CREATED".
func CheckpointName[S Step](s S) string {
	return fmt.Sprintf("%02d-%s", int(s), s.String())
}

// ParseCheckpointName recovers the step encoded in a checkpoint name. The
// name part must match the step's String form.
func ParseCheckpointName[S Step](name string, valid func(S) bool) (S, bool) {
	num, label, ok := strings.Cut(name, "-")
	if !ok || len(num) < 2 {
		return 0, false
	}
	n, err := strconv.Atoi(num)
	if err != nil {
		return 0, false
	}
	s := S(n)
	if !valid(s) || s.String() != label {
		return 0, false
	}
	return s, true
}

// Latest returns the furthest step among the checkpoint names, ignoring names
// that do not parse.
func Latest[S Step](names []string, valid func(S) bool) (S, bool) {
	var (
		best  S
		found bool
	)
	for _, name := range names {
		s, ok := ParseCheckpointName(name, valid)
		if !ok {
			continue
		}
		if !found || s > best {
			best = s
			found = true
		}
	}
	return best, found
}

func joinSteps[S Step](steps []S) string {
	parts := make([]string, len(steps))
	for i, s := range steps {
		parts[i] = s.String()
	}
	return strings.Join(parts, ", ")
}
