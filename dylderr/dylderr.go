// Package dylderr defines the error taxonomy of the loader: the categories
// named in the fixup/link design (structural, compatibility, policy, symbol,
// recoverable) and the structured termination payload emitted on a fatal
// load.
package dylderr

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Category classifies a loader error into the buckets the design assigns
// different propagation rules to.
type Category int

const (
	// Structural covers malformed headers, overlapping segments, truncated
	// linkedit, and other file-format violations.
	Structural Category = iota
	// Compatibility covers cpu/subtype mismatch, platform mismatch, and
	// version requirements that aren't met.
	Compatibility
	// Policy covers sandbox denial and restricted-process @-path use.
	Policy
	// Symbol covers missing non-weak imports and absent interposer targets.
	Symbol
	// Recoverable covers conditions the loader can continue past: a weak
	// import left null, or a dlopen of an already-loaded image.
	Recoverable
)

func (c Category) String() string {
	switch c {
	case Structural:
		return "structural"
	case Compatibility:
		return "compatibility"
	case Policy:
		return "policy"
	case Symbol:
		return "symbol"
	case Recoverable:
		return "recoverable"
	default:
		return "unknown"
	}
}

// Sentinel errors, matched with errors.Is after a cockroachdb/errors wrap.
var (
	ErrNotFound         = errors.New("dyld: image not found")
	ErrWrongArch        = errors.New("dyld: wrong architecture")
	ErrVersionMismatch  = errors.New("dyld: dependent version below compat version")
	ErrPolicyDenied     = errors.New("dyld: operation denied by policy")
	ErrSandboxed        = errors.New("dyld: blocked by sandbox")
	ErrMissingSymbol    = errors.New("dyld: missing required symbol")
	ErrSignatureInvalid = errors.New("dyld: code signature invalid")
	ErrCacheIncompatible = errors.New("dyld: shared cache incompatible")
)

// LoadError decorates a cause with the category and offending image/symbol
// names that the abort-with-payload record needs.
type LoadError struct {
	Category Category
	Dylib    string // the dependent that triggered the error
	Client   string // the image that required Dylib
	Symbol   string // set for Category == Symbol
	cause    error
}

func (e *LoadError) Error() string {
	switch e.Category {
	case Symbol:
		return fmt.Sprintf("%s: missing symbol %q required by %s: %v", e.Category, e.Symbol, e.Client, e.cause)
	default:
		return fmt.Sprintf("%s: %s required by %s: %v", e.Category, e.Dylib, e.Client, e.cause)
	}
}

func (e *LoadError) Unwrap() error { return e.cause }

// Wrap annotates cause with loader context and a captured stack trace.
func Wrap(category Category, client, dylib string, cause error) *LoadError {
	return &LoadError{
		Category: category,
		Dylib:    dylib,
		Client:   client,
		cause:    errors.Wrap(cause, category.String()),
	}
}

// WrapSymbol is Wrap specialized for Category == Symbol.
func WrapSymbol(client, symbol string, cause error) *LoadError {
	return &LoadError{
		Category: Symbol,
		Client:   client,
		Symbol:   symbol,
		cause:    errors.Wrap(cause, "symbol"),
	}
}

// TerminationPayload is the structured record handed to the host's
// abort-with-payload facility (§6) when a fatal error can't unwind (main
// executable launch, as opposed to a recoverable dlopen failure).
type TerminationPayload struct {
	Version             uint32
	Flags               uint32
	TargetDylibPath     string
	ClientPath          string
	Symbol              string
	Kind                Category
	Message             string
}

// NewTerminationPayload builds a TerminationPayload from a LoadError.
func NewTerminationPayload(err *LoadError) TerminationPayload {
	return TerminationPayload{
		Version:         1,
		TargetDylibPath: err.Dylib,
		ClientPath:      err.Client,
		Symbol:          err.Symbol,
		Kind:            err.Category,
		Message:         err.Error(),
	}
}

// Aggregate collects the per-candidate failures the path resolver
// accumulates across every phase so a final error can list everything that
// was tried (§4.1).
type Aggregate struct {
	Attempts []Attempt
}

// Attempt records one candidate path the resolver tried and why it failed.
type Attempt struct {
	Path   string
	Err    error
	Sandbox bool
}

func (a *Aggregate) Add(path string, err error, sandboxed bool) {
	a.Attempts = append(a.Attempts, Attempt{Path: path, Err: err, Sandbox: sandboxed})
}

func (a *Aggregate) Error() string {
	if len(a.Attempts) == 0 {
		return "dyld: no candidate paths were tried"
	}
	msg := "dyld: image not found, tried:"
	for _, at := range a.Attempts {
		if at.Sandbox {
			msg += fmt.Sprintf("\n  %s (sandbox-blocked)", at.Path)
		} else {
			msg += fmt.Sprintf("\n  %s: %v", at.Path, at.Err)
		}
	}
	return msg
}

func (a *Aggregate) Unwrap() []error {
	errs := make([]error, 0, len(a.Attempts))
	for _, at := range a.Attempts {
		if at.Err != nil {
			errs = append(errs, at.Err)
		}
	}
	return errs
}
