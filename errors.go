package kixdns

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrKind classifies the abstract error kinds from the error-handling design:
// parse failures, policy denials, upstream failures, truncation, config
// failures and admission saturation. Callers switch on Kind to decide how to
// respond to the client, never on the wrapped error text.
type ErrKind int

const (
	ErrParse ErrKind = iota
	ErrPolicyDeny
	ErrUpstreamTimeout
	ErrUpstreamIO
	ErrTruncated
	ErrConfig
	ErrSaturated
)

func (k ErrKind) String() string {
	switch k {
	case ErrParse:
		return "parse_error"
	case ErrPolicyDeny:
		return "policy_deny"
	case ErrUpstreamTimeout:
		return "upstream_timeout"
	case ErrUpstreamIO:
		return "upstream_io_error"
	case ErrTruncated:
		return "truncated"
	case ErrConfig:
		return "config_error"
	case ErrSaturated:
		return "saturated"
	default:
		return "unknown"
	}
}

// EngineError wraps one of the error kinds above with a message, mirroring
// the teacher's QueryTimeoutError in shape: a small typed error the engine's
// callers can match on with errors.As.
type EngineError struct {
	Kind ErrKind
	Msg  string
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func newErr(kind ErrKind, format string, args ...interface{}) *EngineError {
	return &EngineError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// wrapStartup adds file/line context to a startup-time error. Reserved for
// config loading and socket bring-up, where a human reads the message;
// per-request errors on the hot path stay as plain EngineError values.
func wrapStartup(err error, context string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, context)
}
