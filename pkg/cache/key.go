package cache

import (
	"strings"
)

// Key identifies the WSDL of one table on one instance.
type Key struct {
	// Instance is the ServiceNow instance name (e.g. "dev12345")
	Instance string

	// Table is the table name (e.g. "incident")
	Table string
}

// String generates a deterministic cache key string.
// Format: snsoap:wsdl:instance:table
//
// Example:
//
//	snsoap:wsdl:dev12345:incident
func (k Key) String() string {
	return strings.Join([]string{
		"snsoap",
		"wsdl",
		strings.ToLower(strings.TrimSpace(k.Instance)),
		strings.ToLower(strings.TrimSpace(k.Table)),
	}, ":")
}
