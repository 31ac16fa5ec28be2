package commands

import "errors"

// Admission and lookup errors.
var (
	// ErrDisposing is returned by Start once Shutdown has begun.
	ErrDisposing = errors.New("command registry is shutting down")

	// ErrTooManyCommands is returned by Start when the concurrency cap is reached.
	ErrTooManyCommands = errors.New("too many concurrent commands")

	// ErrUnknownCommand is returned by Status for an id that is not tracked.
	ErrUnknownCommand = errors.New("unknown command id")
)

// In-band codes returned to RPC callers instead of a command id.
const (
	CodeUnavailable int32 = -1
	CodeTooMany     int32 = -2
)

// AdmissionCode converts the result of Start into the integer returned over RPC:
// the id on success, -2 when the cap is reached and -1 for any other failure.
func AdmissionCode(id int32, err error) int32 {
	switch {
	case err == nil:
		return id
	case errors.Is(err, ErrTooManyCommands):
		return CodeTooMany
	default:
		return CodeUnavailable
	}
}
