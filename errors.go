package main

import (
	"errors"
	"fmt"
)

// ErrEndOfData is returned by a PageSource once the upstream writer has
// marked the stream complete and every remaining page has been handed out.
// It signals a normal shutdown, not a failure.
var ErrEndOfData = errors.New("end of data")

// ConfigError reports an observation setup the pipeline cannot process:
// an unknown science case or mode, a beam table referencing subbands that
// were never assigned, a header contradicting the command line. A run that
// hits a ConfigError aborts before producing any output.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "configuration error: " + e.Reason
}

func configErrorf(format string, args ...interface{}) error {
	return &ConfigError{Reason: fmt.Sprintf(format, args...)}
}

// IsConfigError reports whether err (or anything it wraps) is a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
