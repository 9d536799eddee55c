package karel

// Result is the small enumerated status code the facade surfaces to
// hosts, covering both outcomes and the current interpreter status.
type Result int32

const (
	Success Result = iota
	UnknownError
	NotInitialized
	FileNotFound
	CompilationError
	StateNotValid
	SymbolNotFound
	StepOutOfBounds
	PickupZeroFlags
	PlaceMaxFlags
	StopEncountered
	InProgress
)

func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case UnknownError:
		return "unknown_error"
	case NotInitialized:
		return "not_initialized"
	case FileNotFound:
		return "file_not_found"
	case CompilationError:
		return "compilation_error"
	case StateNotValid:
		return "state_not_valid"
	case SymbolNotFound:
		return "symbol_not_found"
	case StepOutOfBounds:
		return "step_out_of_bounds"
	case PickupZeroFlags:
		return "pickup_zero_flags"
	case PlaceMaxFlags:
		return "place_max_flags"
	case StopEncountered:
		return "stop_encountered"
	case InProgress:
		return "in_progress"
	default:
		return "unknown_error"
	}
}
