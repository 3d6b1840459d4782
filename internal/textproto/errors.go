package textproto

import (
	"errors"

	"github.com/wyrdmeister/atmd-go/internal/metrics"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is,
// mirroring the teacher's internal/server/errors.go.
var (
	ErrListen      = errors.New("textproto: listen")
	ErrAccept      = errors.New("textproto: accept")
	ErrConnRead    = errors.New("textproto: conn_read")
	ErrConnWrite   = errors.New("textproto: conn_write")
	ErrContext     = errors.New("textproto: context_cancelled")
	ErrUnknownVerb = errors.New("textproto: unknown verb")
	ErrBadArgs     = errors.New("textproto: bad arguments")
	ErrNoSuchMeasure = errors.New("textproto: no such measure")
)

func mapErrToMetric(err error) string {
	switch {
	case errors.Is(err, ErrConnRead):
		return metrics.ErrTextRead
	case errors.Is(err, ErrConnWrite):
		return metrics.ErrTextWrite
	case errors.Is(err, ErrAccept), errors.Is(err, ErrListen):
		return metrics.ErrTextRead
	default:
		return "other"
	}
}
