package protocol

import "fmt"

// Wire type tags.
const (
	TypeSync             = "sync"
	TypeRemoveCollection = "remove_collection"
	TypeFullSync         = "full_sync"
	TypePartialSync      = "partial_sync"
	TypeChange           = "change"
)

// ChangeKind is the kind of a single-record change.
type ChangeKind string

const (
	ChangeCreate ChangeKind = "create"
	ChangeUpdate ChangeKind = "update"
	ChangeRemove ChangeKind = "remove"
)

// Valid reports whether k is one of the known kinds.
func (k ChangeKind) Valid() bool {
	switch k {
	case ChangeCreate, ChangeUpdate, ChangeRemove:
		return true
	}
	return false
}

// Message is a server to client message.
type Message interface {
	// Type returns the wire type tag.
	Type() string
	// Collection returns the collection the message applies to.
	Collection() string

	validate() error
}

// =============================================================================
// Client to server
// =============================================================================

// SyncRequest asks the server to catch the client up from the given
// per-collection checkpoints. An empty map is omitted on the wire.
type SyncRequest struct {
	CollectionVersions map[string]int64 `json:"collection_versions,omitempty"`
}

// MarshalJSON adds the type tag.
func (m SyncRequest) MarshalJSON() ([]byte, error) {
	type alias SyncRequest
	return codec.Marshal(struct {
		Type string `json:"type"`
		alias
	}{TypeSync, alias(m)})
}

// =============================================================================
// Server to client
// =============================================================================

// RemoveCollection drops an entire collection.
type RemoveCollection struct {
	CollectionName string `json:"collection_name"`
}

func (m RemoveCollection) Type() string       { return TypeRemoveCollection }
func (m RemoveCollection) Collection() string { return m.CollectionName }

func (m RemoveCollection) validate() error {
	return requireCollection(m.CollectionName)
}

// MarshalJSON adds the type tag.
func (m RemoveCollection) MarshalJSON() ([]byte, error) {
	type alias RemoveCollection
	return codec.Marshal(struct {
		Type string `json:"type"`
		alias
	}{TypeRemoveCollection, alias(m)})
}

// FullSync carries a catch-up batch with removals and the new checkpoint.
type FullSync struct {
	CollectionName string           `json:"collection_name"`
	Values         []Record         `json:"values,omitempty"`
	RemovedIDs     map[string]int64 `json:"removed_ids,omitempty"`
	Version        int64            `json:"version"`
}

func (m FullSync) Type() string       { return TypeFullSync }
func (m FullSync) Collection() string { return m.CollectionName }

func (m FullSync) validate() error {
	return requireCollection(m.CollectionName)
}

// MarshalJSON adds the type tag.
func (m FullSync) MarshalJSON() ([]byte, error) {
	type alias FullSync
	return codec.Marshal(struct {
		Type string `json:"type"`
		alias
	}{TypeFullSync, alias(m)})
}

// PartialSync carries one chunk of a large snapshot. It never moves the checkpoint.
type PartialSync struct {
	CollectionName string   `json:"collection_name"`
	Values         []Record `json:"values,omitempty"`
}

func (m PartialSync) Type() string       { return TypePartialSync }
func (m PartialSync) Collection() string { return m.CollectionName }

func (m PartialSync) validate() error {
	return requireCollection(m.CollectionName)
}

// MarshalJSON adds the type tag.
func (m PartialSync) MarshalJSON() ([]byte, error) {
	type alias PartialSync
	return codec.Marshal(struct {
		Type string `json:"type"`
		alias
	}{TypePartialSync, alias(m)})
}

// Change is a single-record create, update or remove.
type Change struct {
	CollectionName string     `json:"collection_name"`
	Kind           ChangeKind `json:"change_type"`
	ID             string     `json:"id"`
	UpdatedAt      int64      `json:"updated_at"`
	Before         *Record    `json:"before,omitempty"`
	After          *Record    `json:"after,omitempty"`
}

func (m Change) Type() string       { return TypeChange }
func (m Change) Collection() string { return m.CollectionName }

func (m Change) validate() error {
	if err := requireCollection(m.CollectionName); err != nil {
		return err
	}
	if !m.Kind.Valid() {
		return fmt.Errorf("unknown change_type %q", m.Kind)
	}
	if m.ID == "" {
		return fmt.Errorf("missing id")
	}
	if m.Kind != ChangeRemove {
		if m.After == nil {
			return fmt.Errorf("%s change for %s has no after record", m.Kind, m.ID)
		}
		if m.After.ID != m.ID {
			return fmt.Errorf("after record id %s does not match %s", m.After.ID, m.ID)
		}
	}
	return nil
}

// MarshalJSON adds the type tag.
func (m Change) MarshalJSON() ([]byte, error) {
	type alias Change
	return codec.Marshal(struct {
		Type string `json:"type"`
		alias
	}{TypeChange, alias(m)})
}

func requireCollection(name string) error {
	if name == "" {
		return fmt.Errorf("missing collection_name")
	}
	return nil
}
