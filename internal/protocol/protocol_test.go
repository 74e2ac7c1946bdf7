package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord_UnmarshalFlat(t *testing.T) {
	var r Record
	err := Unmarshal([]byte(`{"id":"a","created_at":1,"updated_at":2,"value":"x","gone":null,"big":9007199254740993}`), &r)
	require.NoError(t, err)

	assert.Equal(t, "a", r.ID)
	assert.Equal(t, int64(1), r.CreatedAt)
	assert.Equal(t, int64(2), r.UpdatedAt)
	assert.Equal(t, int64(2), r.Version())

	v, ok := r.Field("value")
	assert.True(t, ok)
	assert.Equal(t, "x", v)

	v, ok = r.Field("gone")
	assert.True(t, ok, "null field must be kept")
	assert.Nil(t, v)

	_, ok = r.Field("absent")
	assert.False(t, ok)

	big, ok := r.Field("big")
	require.True(t, ok)
	assert.Equal(t, json.Number("9007199254740993"), big)
	assert.Len(t, r.Fields, 3)
}

func TestRecord_MarshalRoundTripKeepsNullAndBigNumbers(t *testing.T) {
	in := []byte(`{"big":9007199254740993,"created_at":1,"gone":null,"id":"a","updated_at":2}`)

	var r Record
	require.NoError(t, Unmarshal(in, &r))

	out, err := Marshal(r)
	require.NoError(t, err)
	assert.JSONEq(t, string(in), string(out))
	assert.Contains(t, string(out), "9007199254740993")
}

func TestRecord_UnmarshalErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not an object", `[1,2]`},
		{"missing id", `{"updated_at":1}`},
		{"numeric id", `{"id":5,"updated_at":1}`},
		{"missing updated_at", `{"id":"a"}`},
		{"string updated_at", `{"id":"a","updated_at":"soon"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var r Record
			assert.Error(t, Unmarshal([]byte(tt.data), &r))
		})
	}
}

func TestRecord_MarshalRejectsReservedField(t *testing.T) {
	r := Record{ID: "a", UpdatedAt: 1, Fields: map[string]any{"updated_at": 5}}
	_, err := Marshal(r)
	assert.Error(t, err)
}

func TestRecord_CloneOwnsFields(t *testing.T) {
	r := Record{ID: "a", UpdatedAt: 1, Fields: map[string]any{"value": "x"}}
	c := r.Clone()
	c.Fields["value"] = "y"

	assert.Equal(t, "x", r.Fields["value"])
	assert.Equal(t, Record{}.Clone(), Record{})
}

func TestSyncRequest_Marshal(t *testing.T) {
	t.Run("with versions", func(t *testing.T) {
		out, err := Marshal(SyncRequest{CollectionVersions: map[string]int64{"kv": 4}})
		require.NoError(t, err)
		assert.JSONEq(t, `{"type":"sync","collection_versions":{"kv":4}}`, string(out))
	})

	t.Run("empty versions are omitted", func(t *testing.T) {
		out, err := Marshal(SyncRequest{CollectionVersions: map[string]int64{}})
		require.NoError(t, err)
		assert.JSONEq(t, `{"type":"sync"}`, string(out))
	})
}

func TestDecode(t *testing.T) {
	t.Run("remove_collection", func(t *testing.T) {
		msg, err := Decode([]byte(`{"type":"remove_collection","collection_name":"kv"}`))
		require.NoError(t, err)
		assert.Equal(t, RemoveCollection{CollectionName: "kv"}, msg)
		assert.Equal(t, TypeRemoveCollection, msg.Type())
	})

	t.Run("full_sync", func(t *testing.T) {
		msg, err := Decode([]byte(`{"type":"full_sync","collection_name":"kv",
			"values":[{"id":"a","created_at":1,"updated_at":1,"value":"x"}],
			"removed_ids":{"b":3},"version":7}`))
		require.NoError(t, err)

		fs, ok := msg.(FullSync)
		require.True(t, ok)
		assert.Equal(t, "kv", fs.Collection())
		require.Len(t, fs.Values, 1)
		assert.Equal(t, "a", fs.Values[0].ID)
		assert.Equal(t, map[string]int64{"b": 3}, fs.RemovedIDs)
		assert.Equal(t, int64(7), fs.Version)
	})

	t.Run("full_sync without values or removals", func(t *testing.T) {
		msg, err := Decode([]byte(`{"type":"full_sync","collection_name":"kv","version":0}`))
		require.NoError(t, err)
		fs := msg.(FullSync)
		assert.Empty(t, fs.Values)
		assert.Empty(t, fs.RemovedIDs)
	})

	t.Run("partial_sync", func(t *testing.T) {
		msg, err := Decode([]byte(`{"type":"partial_sync","collection_name":"kv","values":[{"id":"a","updated_at":2}]}`))
		require.NoError(t, err)
		ps := msg.(PartialSync)
		require.Len(t, ps.Values, 1)
		assert.Equal(t, int64(2), ps.Values[0].UpdatedAt)
	})

	t.Run("change update", func(t *testing.T) {
		msg, err := Decode([]byte(`{"type":"change","collection_name":"kv","change_type":"update","id":"a","updated_at":3,
			"before":{"id":"a","updated_at":2,"value":"x"},"after":{"id":"a","updated_at":3,"value":"y"}}`))
		require.NoError(t, err)
		ch := msg.(Change)
		assert.Equal(t, ChangeUpdate, ch.Kind)
		require.NotNil(t, ch.Before)
		require.NotNil(t, ch.After)
		assert.Equal(t, "y", ch.After.Fields["value"])
	})

	t.Run("change remove needs no records", func(t *testing.T) {
		msg, err := Decode([]byte(`{"type":"change","collection_name":"kv","change_type":"remove","id":"a","updated_at":2}`))
		require.NoError(t, err)
		assert.Equal(t, Change{CollectionName: "kv", Kind: ChangeRemove, ID: "a", UpdatedAt: 2}, msg)
	})
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
		want error
	}{
		{"garbage", `{not json`, ErrInvalidMessage},
		{"missing type", `{"collection_name":"kv"}`, ErrUnknownType},
		{"unknown type", `{"type":"teleport"}`, ErrUnknownType},
		{"missing collection", `{"type":"remove_collection"}`, ErrInvalidMessage},
		{"bad record", `{"type":"partial_sync","collection_name":"kv","values":[{"updated_at":1}]}`, ErrInvalidMessage},
		{"bad change kind", `{"type":"change","collection_name":"kv","change_type":"rename","id":"a","updated_at":1}`, ErrInvalidMessage},
		{"update without after", `{"type":"change","collection_name":"kv","change_type":"update","id":"a","updated_at":1}`, ErrInvalidMessage},
		{"after id mismatch", `{"type":"change","collection_name":"kv","change_type":"create","id":"a","updated_at":1,"after":{"id":"b","updated_at":1}}`, ErrInvalidMessage},
		{"wrong field type", `{"type":"full_sync","collection_name":"kv","version":"seven"}`, ErrInvalidMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.data))
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestMessages_EncodeDecode(t *testing.T) {
	after := &Record{ID: "a", CreatedAt: 1, UpdatedAt: 2, Fields: map[string]any{"value": "y"}}
	msgs := []Message{
		RemoveCollection{CollectionName: "kv"},
		PartialSync{CollectionName: "kv", Values: []Record{*after}},
		Change{CollectionName: "kv", Kind: ChangeCreate, ID: "a", UpdatedAt: 2, After: after},
	}
	for _, msg := range msgs {
		t.Run(msg.Type(), func(t *testing.T) {
			data, err := Marshal(msg)
			require.NoError(t, err)
			assert.Contains(t, string(data), `"type":"`+msg.Type()+`"`)

			got, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, msg, got)
		})
	}
}
