package cache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// DefaultTTL is the fallback TTL when the response carries no usable Expires header
	DefaultTTL = 24 * time.Hour
)

// ResponseToEntry converts a WSDL HTTP response to an Entry.
// The response body is restored after reading.
func ResponseToEntry(resp *http.Response, operations []string, fallback time.Duration) (*Entry, error) {
	if resp == nil {
		return nil, fmt.Errorf("response cannot be nil")
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	resp.Body.Close()

	// Restore body for caller
	resp.Body = io.NopCloser(bytes.NewReader(body))

	return &Entry{
		Data:       body,
		Operations: append([]string(nil), operations...),
		Expires:    parseExpires(resp.Header, fallback),
		CachedAt:   time.Now(),
	}, nil
}

// parseExpires returns the Expires header time if it lies in the future,
// otherwise now + fallback. ServiceNow usually sends "Expires: 0" for WSDLs.
func parseExpires(headers http.Header, fallback time.Duration) time.Time {
	if fallback <= 0 {
		fallback = DefaultTTL
	}

	expiresStr := headers.Get("Expires")
	if expiresStr == "" {
		return time.Now().Add(fallback)
	}

	expires, err := http.ParseTime(expiresStr)
	if err != nil || expires.Before(time.Now()) {
		return time.Now().Add(fallback)
	}

	return expires
}
