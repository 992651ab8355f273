package validation

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// Sentinels wrapped by FieldError so callers can match the failure kind
var (
	ErrRequired   = errors.New("required field is empty")
	ErrOutOfRange = errors.New("value out of range")
	ErrNotAllowed = errors.New("value not allowed")
)

// FieldError names the config key that failed
type FieldError struct {
	Path string
	Err  error
}

func (e *FieldError) Error() string { return e.Path + ": " + e.Err.Error() }
func (e *FieldError) Unwrap() error { return e.Err }

// ConfigValidator collects every failure of a config struct. Methods
// chain so a Validate method reads as a list of rules.
type ConfigValidator struct {
	prefix string
	errs   []error
}

func NewConfigValidator(prefix string) *ConfigValidator {
	return &ConfigValidator{prefix: prefix}
}

func (cv *ConfigValidator) add(field string, err error) *ConfigValidator {
	path := field
	if cv.prefix != "" {
		path = cv.prefix + "." + field
	}
	cv.errs = append(cv.errs, &FieldError{Path: path, Err: err})
	return cv
}

func (cv *ConfigValidator) Required(field, value string) *ConfigValidator {
	if value == "" {
		return cv.add(field, ErrRequired)
	}
	return cv
}

// TierID checks a hub, mid or cloud identifier
func (cv *ConfigValidator) TierID(field, value string) *ConfigValidator {
	if err := ValidateTierID(value); err != nil {
		return cv.add(field, err)
	}
	return cv
}

// RangeInt checks lo <= value <= hi
func (cv *ConfigValidator) RangeInt(field string, value, lo, hi int) *ConfigValidator {
	if value < lo || value > hi {
		return cv.add(field, fmt.Errorf("%w: %d not in [%d, %d]", ErrOutOfRange, value, lo, hi))
	}
	return cv
}

func (cv *ConfigValidator) MinDuration(field string, value, lo time.Duration) *ConfigValidator {
	if value < lo {
		return cv.add(field, fmt.Errorf("%w: %v below %v", ErrOutOfRange, value, lo))
	}
	return cv
}

func (cv *ConfigValidator) Positive(field string, value int) *ConfigValidator {
	if value <= 0 {
		return cv.add(field, fmt.Errorf("%w: %d must be > 0", ErrOutOfRange, value))
	}
	return cv
}

func (cv *ConfigValidator) NonNegative(field string, value int) *ConfigValidator {
	if value < 0 {
		return cv.add(field, fmt.Errorf("%w: %d must be >= 0", ErrOutOfRange, value))
	}
	return cv
}

func (cv *ConfigValidator) OneOf(field, value string, allowed []string) *ConfigValidator {
	if !slices.Contains(allowed, value) {
		return cv.add(field, fmt.Errorf("%w: %q, want one of %v", ErrNotAllowed, value, allowed))
	}
	return cv
}

// Custom records fn's error against field
func (cv *ConfigValidator) Custom(field string, fn func() error) *ConfigValidator {
	if err := fn(); err != nil {
		return cv.add(field, err)
	}
	return cv
}

// When runs rules only if cond holds
func (cv *ConfigValidator) When(cond bool, rules func(*ConfigValidator)) *ConfigValidator {
	if cond {
		rules(cv)
	}
	return cv
}

func (cv *ConfigValidator) HasErrors() bool { return len(cv.errs) > 0 }

func (cv *ConfigValidator) Errors() []error { return cv.errs }

// Validate joins the collected errors, or returns nil
func (cv *ConfigValidator) Validate() error {
	return errors.Join(cv.errs...)
}

// DefaultOr returns def when value is the zero value
func DefaultOr[T comparable](value, def T) T {
	var zero T
	if value == zero {
		return def
	}
	return value
}

// DefaultOrInt returns def unless value is positive
func DefaultOrInt(value, def int) int {
	if value <= 0 {
		return def
	}
	return value
}

// DefaultOrDuration returns def unless value is positive
func DefaultOrDuration(value, def time.Duration) time.Duration {
	if value <= 0 {
		return def
	}
	return value
}
