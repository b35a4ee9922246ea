package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// StringList stores a JSON array of strings in a jsonb column.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(l)
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src interface{}) error {
	return scanJSON(src, l)
}

// Contains reports whether the list holds the given value.
func (l StringList) Contains(value string) bool {
	for _, item := range l {
		if item == value {
			return true
		}
	}
	return false
}

// Metadata is an open key/value map persisted as jsonb.
type Metadata map[string]interface{}

// Value implements driver.Valuer.
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *Metadata) Scan(src interface{}) error {
	return scanJSON(src, m)
}

// String returns the metadata value under key when it is a string.
func (m Metadata) String(key string) string {
	if m == nil {
		return ""
	}
	if value, ok := m[key].(string); ok {
		return value
	}
	return ""
}

func scanJSON(src, dest interface{}) error {
	switch raw := src.(type) {
	case nil:
		return nil
	case []byte:
		if len(raw) == 0 {
			return nil
		}
		return json.Unmarshal(raw, dest)
	case string:
		if raw == "" {
			return nil
		}
		return json.Unmarshal([]byte(raw), dest)
	default:
		return fmt.Errorf("unsupported jsonb source type %T", src)
	}
}
