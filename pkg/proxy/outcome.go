package proxy

import (
	"errors"
	"fmt"

	"github.com/easzlab/ezproxy/pkg/nginx"
	"github.com/easzlab/ezproxy/pkg/txn"
)

// ErrBadRequest is returned for a missing or malformed ip or url.
var ErrBadRequest = errors.New("bad request")

// Outcome is the tagged result of an operation.
type Outcome int

const (
	Success Outcome = iota
	Conflict
	IOError
	VerifyFailed
	ReloadFailed
	BadRequest
	BadState
)

// String returns the snake_case name of the outcome, used in metrics labels.
func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Conflict:
		return "conflict"
	case IOError:
		return "io_error"
	case VerifyFailed:
		return "verify_failed"
	case ReloadFailed:
		return "reload_failed"
	case BadRequest:
		return "bad_request"
	case BadState:
		return "bad_state"
	default:
		return fmt.Sprintf("unknown(%d)", int(o))
	}
}

// Classify maps an error returned by this package to its Outcome.
// A rollback failure joined to another error does not change the outcome
// of the original failure. Unrecognised errors count as IOError.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return Success
	case errors.Is(err, txn.ErrConflict):
		return Conflict
	case errors.Is(err, ErrBadRequest):
		return BadRequest
	case errors.Is(err, nginx.ErrNoAnchor):
		return BadState
	case errors.Is(err, txn.ErrVerifyFailed):
		return VerifyFailed
	case errors.Is(err, txn.ErrReloadFailed):
		return ReloadFailed
	default:
		return IOError
	}
}
