package httputil

import (
	"bytes"
	"encoding/json"
)

// OptionalString distinguishes an absent JSON field from an explicit null (RFC 7396 PATCH):
//   - Present=false: field absent, leave unchanged
//   - Present=true, Value=nil: field is null, reset
//   - Present=true, Value!=nil: field set
type OptionalString struct {
	Present bool
	Value   *string
}

// UnmarshalJSON only runs for fields present in the document
func (o *OptionalString) UnmarshalJSON(data []byte) error {
	o.Present = true

	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		o.Value = nil
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	o.Value = &s
	return nil
}

// ValueOr returns the set value, or def when the field was null or absent
func (o OptionalString) ValueOr(def string) string {
	if o.Value == nil {
		return def
	}
	return *o.Value
}
