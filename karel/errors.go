package karel

import (
	"fmt"
	"log"
	"os"

	"github.com/Caszual/Kvm/compiler"
	"github.com/Caszual/Kvm/interp"
)

// logger is the facade's sole log destination, following the teacher's
// own restraint (no structured logging library anywhere in the pack):
// one package-level *log.Logger an embedding host can redirect or
// silence, rather than bare fmt.Println calls scattered through the code.
var logger = log.New(os.Stderr, "karel: ", log.LstdFlags)

// Kind identifies one of the five facade-level error categories: failures
// that arise from misuse of the handle itself rather than from the
// compiler or interpreter.
type Kind int

const (
	ErrNotInitialized Kind = iota
	ErrStateNotValid
	ErrSymbolNotFound
	ErrFileNotFound
	ErrInProgress
)

func (k Kind) String() string {
	switch k {
	case ErrNotInitialized:
		return "not initialized"
	case ErrStateNotValid:
		return "state not valid"
	case ErrSymbolNotFound:
		return "symbol not found"
	case ErrFileNotFound:
		return "file not found"
	case ErrInProgress:
		return "in progress"
	default:
		return "unknown facade error"
	}
}

// Error is the facade's own error type, distinct from compiler.Error and
// interp.Error.
type Error struct {
	Kind Kind
	Text string
}

func (e *Error) Error() string {
	if e.Text != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Text)
	}
	return e.Kind.String()
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func newErr(kind Kind, text string) *Error {
	return &Error{Kind: kind, Text: text}
}

var (
	SentinelNotInitialized = &Error{Kind: ErrNotInitialized}
	SentinelStateNotValid  = &Error{Kind: ErrStateNotValid}
	SentinelSymbolNotFound = &Error{Kind: ErrSymbolNotFound}
	SentinelFileNotFound   = &Error{Kind: ErrFileNotFound}
	SentinelInProgress     = &Error{Kind: ErrInProgress}
)

// resultFor maps any error this package's operations can produce to its
// Result code, per spec.md §6/§7's "all errors surface as result codes"
// propagation rule.
func resultFor(err error) Result {
	if err == nil {
		return Success
	}
	switch e := err.(type) {
	case *Error:
		switch e.Kind {
		case ErrNotInitialized:
			return NotInitialized
		case ErrStateNotValid:
			return StateNotValid
		case ErrSymbolNotFound:
			return SymbolNotFound
		case ErrFileNotFound:
			return FileNotFound
		case ErrInProgress:
			return InProgress
		}
	}
	if _, ok := err.(*compiler.Error); ok {
		return CompilationError
	}
	if e, ok := err.(*interp.Error); ok {
		switch e.Kind {
		case interp.ErrStepOutOfBounds:
			return StepOutOfBounds
		case interp.ErrPickupZeroFlags:
			return PickupZeroFlags
		case interp.ErrPlaceMaxFlags:
			return PlaceMaxFlags
		case interp.ErrStopEncountered:
			return StopEncountered
		case interp.ErrCancelled:
			return Success // cancellation settles to success, per spec.md §5
		}
	}
	logger.Printf("unknown error: %v", err)
	return UnknownError
}

// reportUnknown runs err through resultFor purely for its logging side
// effect (an unrecognized error collapsing to UnknownError gets logged
// there) and hands the original error back unchanged, so Load/LoadFile
// can route a raw os/bufio error through the same diagnostic choke point
// RunSymbol already uses without changing what they return.
func reportUnknown(err error) error {
	resultFor(err)
	return err
}
