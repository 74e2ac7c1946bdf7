package protocol

import "fmt"

// Reserved record keys.
const (
	FieldID        = "id"
	FieldCreatedAt = "created_at"
	FieldUpdatedAt = "updated_at"
)

// Record is one server-owned item. UpdatedAt is its version clock. Fields
// holds every other key of the flat JSON object; a field sent as null is
// kept with a nil value, an absent field is absent from the map.
type Record struct {
	ID        string
	CreatedAt int64
	UpdatedAt int64
	Fields    map[string]any
}

// Version returns the record's version clock.
func (r Record) Version() int64 {
	return r.UpdatedAt
}

// Field returns an opaque field and whether it was present.
func (r Record) Field(name string) (any, bool) {
	v, ok := r.Fields[name]
	return v, ok
}

// Clone returns a copy with its own Fields map. Nested values are shared.
func (r Record) Clone() Record {
	out := r
	if r.Fields != nil {
		out.Fields = make(map[string]any, len(r.Fields))
		for k, v := range r.Fields {
			out.Fields[k] = v
		}
	}
	return out
}

// MarshalJSON flattens the record into one JSON object.
func (r Record) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(r.Fields)+3)
	for name, val := range r.Fields {
		if isReserved(name) {
			return nil, fmt.Errorf("record %s: field %q shadows a reserved key", r.ID, name)
		}
		flat[name] = val
	}
	flat[FieldID] = r.ID
	flat[FieldCreatedAt] = r.CreatedAt
	flat[FieldUpdatedAt] = r.UpdatedAt
	return codec.Marshal(flat)
}

// UnmarshalJSON reads a flat JSON object. id and updated_at are required.
func (r *Record) UnmarshalJSON(data []byte) error {
	var flat map[string]any
	if err := codec.Unmarshal(data, &flat); err != nil {
		return err
	}
	if flat == nil {
		return fmt.Errorf("record must be an object")
	}

	id, ok := flat[FieldID].(string)
	if !ok || id == "" {
		return fmt.Errorf("record %s must be a non-empty string", FieldID)
	}
	delete(flat, FieldID)

	rawUpdated, ok := flat[FieldUpdatedAt]
	if !ok {
		return fmt.Errorf("record %s: missing %s", id, FieldUpdatedAt)
	}
	updatedAt, err := toInt64(rawUpdated)
	if err != nil {
		return fmt.Errorf("record %s: %s: %w", id, FieldUpdatedAt, err)
	}
	delete(flat, FieldUpdatedAt)

	var createdAt int64
	if rawCreated, ok := flat[FieldCreatedAt]; ok {
		if createdAt, err = toInt64(rawCreated); err != nil {
			return fmt.Errorf("record %s: %s: %w", id, FieldCreatedAt, err)
		}
		delete(flat, FieldCreatedAt)
	}

	*r = Record{
		ID:        id,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
		Fields:    flat,
	}
	return nil
}

func isReserved(name string) bool {
	return name == FieldID || name == FieldCreatedAt || name == FieldUpdatedAt
}
