package domain

import (
	"errors"
	"fmt"
	"time"
)

// RetriableError defines an interface for errors that can be retried
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// PlanningError reports bad grid parameters. Always fatal, raised before any order is placed.
type PlanningError struct {
	Field string
	Err   error
}

func (e *PlanningError) Error() string {
	return "planning error [" + e.Field + "]: " + e.Err.Error()
}

func (e *PlanningError) IsRetriable() bool {
	return false
}

func (e *PlanningError) Unwrap() error {
	return e.Err
}

// GatewayTransientError is a timeout, rate limit or network failure talking to the exchange.
type GatewayTransientError struct {
	Op  string // "place", "cancel", "open_orders", ...
	Err error
}

func (e *GatewayTransientError) Error() string {
	return e.Op + ": transient: " + e.Err.Error()
}

func (e *GatewayTransientError) IsRetriable() bool {
	return true
}

func (e *GatewayTransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps err as a retriable gateway failure.
func NewTransientError(op string, err error) *GatewayTransientError {
	return &GatewayTransientError{Op: op, Err: err}
}

// GatewayRejectionError is a definitive refusal from the exchange (invalid order, insufficient funds).
type GatewayRejectionError struct {
	Op     string
	Reason string
	Err    error
}

func (e *GatewayRejectionError) Error() string {
	if e.Err != nil {
		return e.Op + ": rejected: " + e.Reason + ": " + e.Err.Error()
	}
	return e.Op + ": rejected: " + e.Reason
}

func (e *GatewayRejectionError) IsRetriable() bool {
	return false
}

func (e *GatewayRejectionError) Unwrap() error {
	return e.Err
}

// NewRejectionError builds a non-retriable gateway failure.
func NewRejectionError(op, reason string) *GatewayRejectionError {
	return &GatewayRejectionError{Op: op, Reason: reason}
}

// InvariantViolationError describes a broken grid invariant at a level.
type InvariantViolationError struct {
	Rule   string // "single_live_order", "price_in_range", "live_count", "replenish_target_occupied"
	Level  int
	Detail string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("invariant violation [%s] at level %d: %s", e.Rule, e.Level, e.Detail)
}

func (e *InvariantViolationError) IsRetriable() bool {
	return false
}

// StaleAcknowledgmentError is raised when a placed order is not acknowledged in time.
type StaleAcknowledgmentError struct {
	ClientID string
	Level    int
	Waited   time.Duration
}

func (e *StaleAcknowledgmentError) Error() string {
	return fmt.Sprintf("no acknowledgment for %s (level %d) after %s", e.ClientID, e.Level, e.Waited)
}

func (e *StaleAcknowledgmentError) IsRetriable() bool {
	return false
}

// ConfigError represents a configuration error (never retriable)
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) IsRetriable() bool {
	return false
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

var (
	// ErrInvalidRange is returned when the upper bound does not exceed the lower bound.
	ErrInvalidRange = errors.New("invalid range")

	// ErrInvalidLevelCount is returned when fewer than two levels are requested.
	ErrInvalidLevelCount = errors.New("invalid level count")

	// ErrInvalidMarketPrice is returned when no positive market price is available for side assignment.
	ErrInvalidMarketPrice = errors.New("invalid market price")

	// ErrGridTooDense is returned when tick rounding collapses adjacent levels.
	ErrGridTooDense = errors.New("grid spacing below tick size")

	// ErrInsufficientCapital is returned when balances cannot cover the initial orders.
	ErrInsufficientCapital = errors.New("insufficient capital")

	// ErrRetriesExhausted is wrapped when the executor gives up on a transient failure.
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrGatewayUnavailable marks total order gateway unavailability. Run-fatal.
	ErrGatewayUnavailable = errors.New("order gateway unavailable")

	// ErrOrderNotFound is returned by cancel/lookup when the exchange does not know the order.
	ErrOrderNotFound = errors.New("order not found")

	// ErrAborted is returned when an in-flight place is aborted by the state machine.
	ErrAborted = errors.New("aborted")

	// ErrInvalidSymbol is returned when a symbol is not supported or malformed. Not retriable.
	ErrInvalidSymbol = errors.New("invalid symbol")

	// ErrConfigNotFound is returned when configuration file is missing
	ErrConfigNotFound = errors.New("configuration not found")
)

// IsRejection reports whether err is a definitive exchange refusal.
func IsRejection(err error) bool {
	var re *GatewayRejectionError
	return errors.As(err, &re)
}
