package client

import (
	"errors"
	"fmt"
	"time"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")

	// ErrRateLimited is returned when the rate limit tracker blocks a request.
	ErrRateLimited = errors.New("request blocked: rate limit exhausted")
)

// ErrorClass represents a classification of transport errors.
type ErrorClass string

const (
	// ErrorClassAuth represents 401/403 responses.
	ErrorClassAuth ErrorClass = "auth"

	// ErrorClassClient represents SOAP faults and other 4xx responses.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx responses without a SOAP fault.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 responses.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"
)

// SOAPError is a fault reported by the ServiceNow SOAP endpoint or the HTTP
// layer underneath it.
type SOAPError struct {
	Operation   string
	StatusCode  int
	ErrorClass  ErrorClass
	FaultCode   string
	FaultString string
	// RetryAfter is the server's requested wait for rate limited responses.
	RetryAfter time.Duration
	Err        error
}

// Error implements the error interface.
func (e *SOAPError) Error() string {
	msg := e.FaultString
	if e.FaultCode != "" {
		msg = e.FaultCode + ": " + e.FaultString
	}
	if e.Err != nil {
		return fmt.Sprintf("SOAP %s %s error (status %d): %s: %v",
			e.Operation, e.ErrorClass, e.StatusCode, msg, e.Err)
	}
	return fmt.Sprintf("SOAP %s %s error (status %d): %s",
		e.Operation, e.ErrorClass, e.StatusCode, msg)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *SOAPError) Unwrap() error {
	return e.Err
}

// classOf returns the ErrorClass carried by err, or "" if it has none.
func classOf(err error) ErrorClass {
	var soapErr *SOAPError
	if errors.As(err, &soapErr) {
		return soapErr.ErrorClass
	}
	return ""
}

// shouldRetry determines if an error should be retried based on its classification.
func shouldRetry(errorClass ErrorClass) bool {
	switch errorClass {
	case ErrorClassServer, ErrorClassRateLimit, ErrorClassNetwork:
		return true
	default:
		// Faults and auth failures repeat identically.
		return false
	}
}
