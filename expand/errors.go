package expand

import (
	"errors"
	"fmt"
	"strings"
)

// Common errors returned by the expander. Detail types below unwrap to
// these sentinels so callers can match with errors.Is.
var (
	// ErrCycle indicates a macro appeared twice in its own expansion chain.
	ErrCycle = errors.New("macro cycle detected")

	// ErrDepthExceeded indicates the macro nesting depth limit was hit.
	ErrDepthExceeded = errors.New("max expansion depth exceeded")

	// ErrStepsExceeded indicates the total step limit was hit.
	ErrStepsExceeded = errors.New("max expansion steps exceeded")

	// ErrMissingArg indicates a required macro argument was not bound.
	ErrMissingArg = errors.New("missing required argument")

	// ErrUnknownName indicates a template referenced a name that is
	// neither a verb nor a macro.
	ErrUnknownName = errors.New("unknown verb or macro")

	// ErrBadTemplate indicates a template referenced an unknown argument
	// or scope binding, or was otherwise malformed.
	ErrBadTemplate = errors.New("malformed template")
)

// CycleError reports a macro expansion cycle.
// Trail is the chain of macro names from the first occurrence of the
// repeated macro back to itself, so Trail[0] == Trail[len(Trail)-1].
type CycleError struct {
	Trail []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("macro cycle detected: %s", strings.Join(e.Trail, " -> "))
}

func (e *CycleError) Unwrap() error {
	return ErrCycle
}

// DepthError reports that macro nesting exceeded the configured limit.
type DepthError struct {
	Depth int
	Limit int
}

func (e *DepthError) Error() string {
	return fmt.Sprintf("max expansion depth exceeded: %d > %d", e.Depth, e.Limit)
}

func (e *DepthError) Unwrap() error {
	return ErrDepthExceeded
}

// StepsError reports that total expanded steps exceeded the configured limit.
type StepsError struct {
	Steps int
	Limit int
}

func (e *StepsError) Error() string {
	return fmt.Sprintf("max expansion steps exceeded: %d > %d", e.Steps, e.Limit)
}

func (e *StepsError) Unwrap() error {
	return ErrStepsExceeded
}

// MissingArgError reports a required macro argument that was not bound
// at expansion time.
type MissingArgError struct {
	Macro string
	Arg   string
}

func (e *MissingArgError) Error() string {
	return fmt.Sprintf("missing required argument %q for macro %s", e.Arg, e.Macro)
}

func (e *MissingArgError) Unwrap() error {
	return ErrMissingArg
}

// TemplateError reports a template that could not be substituted.
type TemplateError struct {
	Template string
	Token    string
	Reason   string
}

func (e *TemplateError) Error() string {
	if e.Token != "" {
		return fmt.Sprintf("malformed template %q: token %q: %s", e.Template, e.Token, e.Reason)
	}
	return fmt.Sprintf("malformed template %q: %s", e.Template, e.Reason)
}

func (e *TemplateError) Unwrap() error {
	return ErrBadTemplate
}
