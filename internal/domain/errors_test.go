package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestGatewayErrors(t *testing.T) {
	baseErr := errors.New("connection refused")

	t.Run("transient error", func(t *testing.T) {
		err := NewTransientError("place", baseErr)

		if !err.IsRetriable() {
			t.Error("Expected error to be retriable")
		}

		if err.Error() != "place: transient: connection refused" {
			t.Errorf("Error message = %q", err.Error())
		}

		if !errors.Is(err, baseErr) {
			t.Error("Expected error to wrap baseErr")
		}
	})

	t.Run("rejection error", func(t *testing.T) {
		err := NewRejectionError("place", "insufficient balance")

		if err.IsRetriable() {
			t.Error("Expected rejection to not be retriable")
		}
		if !IsRejection(fmt.Errorf("wrapped: %w", err)) {
			t.Error("IsRejection should see through wrapping")
		}
	})

	t.Run("IsRetriable helper", func(t *testing.T) {
		transient := NewTransientError("cancel", baseErr)
		rejected := NewRejectionError("place", "invalid price")
		plain := errors.New("plain error")

		if !IsRetriable(fmt.Errorf("attempt 2: %w", transient)) {
			t.Error("IsRetriable should return true for wrapped transient error")
		}

		if IsRetriable(rejected) {
			t.Error("IsRetriable should return false for rejection")
		}

		if IsRetriable(plain) {
			t.Error("IsRetriable should return false for plain error")
		}
	})
}

func TestPlanningError(t *testing.T) {
	err := &PlanningError{Field: "upper", Err: ErrInvalidRange}

	if err.IsRetriable() {
		t.Error("PlanningError should never be retriable")
	}
	if !errors.Is(err, ErrInvalidRange) {
		t.Error("Expected PlanningError to wrap ErrInvalidRange")
	}

	expected := "planning error [upper]: invalid range"
	if err.Error() != expected {
		t.Errorf("Error message = %q, want %q", err.Error(), expected)
	}
}

func TestInvariantAndStaleErrors(t *testing.T) {
	inv := &InvariantViolationError{Rule: "replenish_target_occupied", Level: 3, Detail: "SELL already live"}
	if inv.Error() != "invariant violation [replenish_target_occupied] at level 3: SELL already live" {
		t.Errorf("unexpected message %q", inv.Error())
	}

	stale := &StaleAcknowledgmentError{ClientID: "g-1", Level: 2, Waited: 5 * time.Second}
	if stale.IsRetriable() {
		t.Error("StaleAcknowledgmentError is handled by cancel-then-replace, not retry")
	}
}

func TestConfigError(t *testing.T) {
	baseErr := errors.New("missing value")
	err := &ConfigError{Field: "api_key", Err: baseErr}

	if err.IsRetriable() {
		t.Error("ConfigError should never be retriable")
	}

	expected := "config error [api_key]: missing value"
	if err.Error() != expected {
		t.Errorf("Error message = %q, want %q", err.Error(), expected)
	}
}
