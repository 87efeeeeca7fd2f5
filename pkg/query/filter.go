package query

import (
	"fmt"
	"sort"
	"strings"
)

// EncodedQueryKey is the reserved Params key holding a literal encoded query.
// When present it replaces every other key/value pair.
const EncodedQueryKey = "__encoded_query"

// EncodeFilter translates query parameters into a ServiceNow encoded query.
// Each pair becomes a field=value equality term; terms are ANDed with "^"
// and sorted by field name so equal params always encode identically.
// A "^" inside a value is escaped as "^^" so it stays part of the value.
//
// Example:
//
//	EncodeFilter(map[string]any{"state": 7, "active": false})
//	// "active=false^state=7"
func EncodeFilter(params map[string]any) string {
	if encoded, ok := params[EncodedQueryKey]; ok {
		return canonical(encoded)
	}

	if len(params) == 0 {
		return ""
	}

	fields := make([]string, 0, len(params))
	for field := range params {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	terms := make([]string, 0, len(fields))
	for _, field := range fields {
		terms = append(terms, field+"="+escapeValue(canonical(params[field])))
	}

	return strings.Join(terms, "^")
}

// canonical returns the string form used on the wire for a filter value.
func canonical(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}

// escapeValue doubles "^", the encoded query term separator.
func escapeValue(v string) string {
	return strings.ReplaceAll(v, "^", "^^")
}
