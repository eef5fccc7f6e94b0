package constraint

import (
	"errors"
	"fmt"
)

// ErrConfiguration is matched by every error produced while building a Set.
var ErrConfiguration = errors.New("constraint configuration error")

// ConfigurationError describes a definition that could not be turned into a
// constraint. It is fatal to the Set being built and nothing else.
type ConfigurationError struct {
	Index  int // position of the offending definition, -1 when not applicable
	Def    Def
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	msg := e.Reason
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Index >= 0 {
		return fmt.Sprintf("constraint %d (%s %q): %s", e.Index, e.Def.Kind, e.Def.Payload, msg)
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }
