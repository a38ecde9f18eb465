package models

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Blob is an opaque JSON value carried through every store untouched.
//
// Sub-lists such as contacts or requirement entries arrive either as JSON text
// (a JSON string holding serialized JSON) or as the JSON value itself. A Blob keeps
// the raw bytes it was decoded from and encodes them back verbatim.
type Blob json.RawMessage

// BlobFromText builds a Blob from its storage text form. Text that parses as a JSON
// array or object is kept as that value; anything else is kept as a JSON string.
func BlobFromText(s string) Blob {
	if s == "" {
		return nil
	}
	trimmed := bytes.TrimSpace([]byte(s))
	if len(trimmed) > 0 && (trimmed[0] == '[' || trimmed[0] == '{') && json.Valid(trimmed) {
		return Blob(append([]byte(nil), trimmed...))
	}
	b, _ := json.Marshal(s)
	return Blob(b)
}

// IsEmpty reports whether the blob holds no value (absent or JSON null).
func (b Blob) IsEmpty() bool {
	t := bytes.TrimSpace(b)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

// Text returns the storage form: the decoded string for JSON strings, the raw JSON
// otherwise.
func (b Blob) Text() string {
	if b.IsEmpty() {
		return ""
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err == nil {
			return s
		}
	}
	return string(b)
}

// Equal compares two blobs by their storage form.
func (b Blob) Equal(other Blob) bool {
	return b.Text() == other.Text()
}

// MarshalJSON implements json.Marshaler.
func (b Blob) MarshalJSON() ([]byte, error) {
	if b.IsEmpty() {
		return []byte("null"), nil
	}
	return b, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (b *Blob) UnmarshalJSON(data []byte) error {
	if b == nil {
		return fmt.Errorf("models.Blob: UnmarshalJSON on nil pointer")
	}
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*b = nil
		return nil
	}
	*b = append((*b)[0:0], data...)
	return nil
}

// Value implements driver.Valuer; blobs are persisted as text columns.
func (b Blob) Value() (driver.Value, error) {
	if b.IsEmpty() {
		return nil, nil
	}
	return b.Text(), nil
}

// Scan implements sql.Scanner.
func (b *Blob) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*b = nil
	case string:
		*b = BlobFromText(v)
	case []byte:
		*b = BlobFromText(string(v))
	default:
		return fmt.Errorf("models.Blob: cannot scan %T", value)
	}
	return nil
}
