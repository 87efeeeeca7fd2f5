package cache

import (
	"time"
)

// Entry is a cached WSDL document for one table.
type Entry struct {
	// Data is the raw WSDL document
	Data []byte `json:"data"`

	// Operations are the operation names bound by the WSDL
	Operations []string `json:"operations"`

	// Expires is when the entry becomes stale
	Expires time.Time `json:"expires"`

	// CachedAt is when we cached this document
	CachedAt time.Time `json:"cached_at"`
}

// IsExpired returns true if the cache entry has expired.
func (e *Entry) IsExpired() bool {
	return time.Now().After(e.Expires)
}

// TTL returns the time until expiration.
// Returns 0 if already expired.
func (e *Entry) TTL() time.Duration {
	ttl := time.Until(e.Expires)
	if ttl < 0 {
		return 0
	}
	return ttl
}

// HasOperation reports whether the WSDL binds op.
func (e *Entry) HasOperation(op string) bool {
	for _, o := range e.Operations {
		if o == op {
			return true
		}
	}
	return false
}
