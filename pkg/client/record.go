package client

import (
	"bytes"
	"encoding/json"

	"github.com/Sternrassler/sn-soap-client/pkg/query"
)

// SysIDField is the unique identifier field present on every ServiceNow record.
const SysIDField = "sys_id"

// Field is one column of a record.
type Field struct {
	Name  string
	Value string
}

// Record is a getRecords result. Fields keep the order of the response.
type Record struct {
	fields []Field
}

var _ query.Record = (*Record)(nil)

// NewRecord builds a record from fields in the given order.
func NewRecord(fields ...Field) *Record {
	return &Record{fields: append([]Field(nil), fields...)}
}

// Get returns the value of the named field.
func (r *Record) Get(name string) (string, bool) {
	for _, f := range r.fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}

// SysID returns the record's sys_id.
func (r *Record) SysID() string {
	v, _ := r.Get(SysIDField)
	return v
}

// Fields returns a copy of the record's fields in response order.
func (r *Record) Fields() []Field {
	return append([]Field(nil), r.fields...)
}

// Map returns the record as a plain map.
func (r *Record) Map() map[string]string {
	m := make(map[string]string, len(r.fields))
	for _, f := range r.fields {
		m[f.Name] = f.Value
	}
	return m
}

// MarshalJSON encodes the record as a JSON object preserving field order.
func (r *Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range r.fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(f.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Serialize converts any query.Record to a plain map. Records that did not
// come from this package expose only their sys_id.
func Serialize(rec query.Record) map[string]string {
	if r, ok := rec.(*Record); ok {
		return r.Map()
	}
	return map[string]string{SysIDField: rec.SysID()}
}
