package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestDefaultRetryConfig(t *testing.T) {
	config := DefaultRetryConfig()

	if config.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", config.MaxAttempts)
	}
	if config.InitialBackoff != 1*time.Second {
		t.Errorf("InitialBackoff = %v, want 1s", config.InitialBackoff)
	}
	if config.MaxBackoff != 30*time.Second {
		t.Errorf("MaxBackoff = %v, want 30s", config.MaxBackoff)
	}
	if config.BackoffMultiplier != 2.0 {
		t.Errorf("BackoffMultiplier = %v, want 2.0", config.BackoffMultiplier)
	}
}

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:       attempts,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

func TestRetryWithBackoff_Success(t *testing.T) {
	attempts := 0
	err := retryWithBackoff(context.Background(), fastRetry(3), zerolog.Nop(), func() error {
		attempts++
		return nil
	})

	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestRetryWithBackoff_SuccessAfterRetry(t *testing.T) {
	attempts := 0
	err := retryWithBackoff(context.Background(), fastRetry(3), zerolog.Nop(), func() error {
		attempts++
		if attempts < 3 {
			return &SOAPError{ErrorClass: ErrorClassServer, StatusCode: 503}
		}
		return nil
	})

	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRetryWithBackoff_NonRetryable(t *testing.T) {
	fault := &SOAPError{ErrorClass: ErrorClassClient, FaultString: "Invalid table"}
	attempts := 0
	err := retryWithBackoff(context.Background(), fastRetry(3), zerolog.Nop(), func() error {
		attempts++
		return fault
	})

	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
	if err != fault {
		t.Errorf("err = %v, want the fault unchanged", err)
	}
	if errors.Is(err, ErrRetryExhausted) {
		t.Error("a non-retryable error must not report exhaustion")
	}
}

func TestRetryWithBackoff_Exhausted(t *testing.T) {
	attempts := 0
	err := retryWithBackoff(context.Background(), fastRetry(3), zerolog.Nop(), func() error {
		attempts++
		return &SOAPError{ErrorClass: ErrorClassNetwork, FaultString: "transport failure"}
	})

	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if !errors.Is(err, ErrRetryExhausted) {
		t.Errorf("err = %v, want ErrRetryExhausted", err)
	}
	var soapErr *SOAPError
	if !errors.As(err, &soapErr) || soapErr.ErrorClass != ErrorClassNetwork {
		t.Errorf("last SOAPError should stay reachable, got %v", err)
	}
}

func TestRetryWithBackoff_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	config := RetryConfig{
		MaxAttempts:       5,
		InitialBackoff:    time.Hour,
		MaxBackoff:        time.Hour,
		BackoffMultiplier: 2.0,
	}

	attempts := 0
	err := retryWithBackoff(ctx, config, zerolog.Nop(), func() error {
		attempts++
		cancel()
		return &SOAPError{ErrorClass: ErrorClassServer}
	})

	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
	if !errors.Is(err, ErrContextCancelled) || !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want ErrContextCancelled wrapping context.Canceled", err)
	}
}

func TestRetryWithBackoff_RetryAfterCappedByMaxBackoff(t *testing.T) {
	attempts := 0
	start := time.Now()
	err := retryWithBackoff(context.Background(), fastRetry(2), zerolog.Nop(), func() error {
		attempts++
		if attempts == 1 {
			return &SOAPError{ErrorClass: ErrorClassRateLimit, RetryAfter: time.Minute}
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Retry-After should be capped by MaxBackoff, waited %v", elapsed)
	}
}
