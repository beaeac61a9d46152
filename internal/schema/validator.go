package schema

import (
	"fmt"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
)

// eventTypePattern defines the valid format for event type strings.
// Types must be lowercase, start with a letter, and use dots as separators.
// Examples: "auth.logon_failure", "edr.detection", "net.exfil"
var eventTypePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)*$`)

// Validator validates events against the canonical schema.
type Validator struct {
	validate  *validator.Validate
	maxAge    time.Duration
	maxFuture time.Duration
}

// ValidatorConfig holds configuration for the validator.
type ValidatorConfig struct {
	MaxAge    time.Duration
	MaxFuture time.Duration
}

// DefaultValidatorConfig returns the default validator configuration.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MaxAge:    7 * 24 * time.Hour,
		MaxFuture: 5 * time.Minute,
	}
}

// NewValidator creates a Validator with default configuration.
func NewValidator() *Validator {
	return NewValidatorWithConfig(DefaultValidatorConfig())
}

// NewValidatorWithConfig creates a Validator with the given configuration.
func NewValidatorWithConfig(cfg ValidatorConfig) *Validator {
	v := validator.New()

	v.RegisterValidation("event_type_format", func(fl validator.FieldLevel) bool {
		return eventTypePattern.MatchString(fl.Field().String())
	})

	return &Validator{
		validate:  v,
		maxAge:    cfg.MaxAge,
		maxFuture: cfg.MaxFuture,
	}
}

// Validate validates an event against the canonical schema.
func (v *Validator) Validate(event *SecurityEvent) error {
	if err := v.validate.Struct(event); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	if event.Entity.Empty() {
		return fmt.Errorf("at least one entity reference is required")
	}

	now := time.Now().UTC()

	if event.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}

	if event.Timestamp.Before(now.Add(-v.maxAge)) {
		return fmt.Errorf("timestamp too old: %v (max age: %v)", event.Timestamp, v.maxAge)
	}

	if event.Timestamp.After(now.Add(v.maxFuture)) {
		return fmt.Errorf("timestamp in future: %v (max future: %v)", event.Timestamp, v.maxFuture)
	}

	return nil
}

// ValidateEventType checks if an event type string matches the required format.
func ValidateEventType(eventType string) bool {
	return eventTypePattern.MatchString(eventType)
}
