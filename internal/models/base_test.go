package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewULID(t *testing.T) {
	before := time.Now().Truncate(time.Millisecond)
	a, b := NewULID(), NewULID()

	assert.False(t, a.IsZero())
	assert.NotEqual(t, a, b)
	assert.Len(t, a.String(), 26)
	assert.False(t, a.Time().Before(before))
}

func TestParseULID(t *testing.T) {
	id := NewULID()
	parsed, err := ParseULID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	for _, bad := range []string{"", "not-a-ulid", "01ARZ3NDEKTSV4RRFFQ69G5FA!"} {
		_, err := ParseULID(bad)
		assert.ErrorContains(t, err, "invalid ULID", bad)
	}
}

func TestULID_ValueAndScan(t *testing.T) {
	var zero ULID
	v, err := zero.Value()
	require.NoError(t, err)
	assert.Nil(t, v)

	id := NewULID()
	v, err = id.Value()
	require.NoError(t, err)
	assert.Equal(t, id.String(), v)

	tests := []struct {
		name  string
		input any
		want  ULID
	}{
		{"nil", nil, ULID{}},
		{"string", id.String(), id},
		{"bytes", []byte(id.String()), id},
		{"empty string", "", ULID{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewULID()
			require.NoError(t, got.Scan(tt.input))
			assert.Equal(t, tt.want, got)
		})
	}

	var u ULID
	assert.Error(t, u.Scan(42))
	assert.Error(t, u.Scan("garbage"))
}

func TestULID_JSON(t *testing.T) {
	run := EncodeRun{BaseModel: BaseModel{ID: NewULID()}, Container: "mp4"}
	data, err := json.Marshal(run)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"id":"`+run.ID.String()+`"`)

	var decoded EncodeRun
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, run.ID, decoded.ID)

	var empty struct{ ID ULID }
	require.NoError(t, json.Unmarshal([]byte(`{"ID":""}`), &empty))
	assert.True(t, empty.ID.IsZero())
	assert.Error(t, json.Unmarshal([]byte(`{"ID":"nope"}`), &empty))
}

func TestBaseModel_BeforeCreate(t *testing.T) {
	var m BaseModel
	require.NoError(t, m.BeforeCreate(nil))
	assert.False(t, m.ID.IsZero())

	id := m.ID
	require.NoError(t, m.BeforeCreate(nil))
	assert.Equal(t, id, m.ID, "existing IDs are kept")
}
