package ckptwire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []Message{
		{Type: Ping},
		{Type: Save, JobID: "job-1", UID: "uid-1", CkptName: "step-100", Body: []byte("weights")},
		{Type: Load, JobID: "job-1", UID: "uid-1", CkptName: "step-100"},
		{Type: ErrType, JobID: "job-1", Body: []byte("Checkpoint not found")},
		{Type: Save, JobID: "job-2", UID: "uid-2", CkptName: "empty", Body: []byte{}},
	}

	for _, m := range tests {
		var buf bytes.Buffer
		require.NoError(t, Encode(&buf, m))

		got, err := Decode(&buf)
		require.NoError(t, err)
		assert.Equal(t, m.Type, got.Type)
		assert.Equal(t, m.JobID, got.JobID)
		assert.Equal(t, m.UID, got.UID)
		assert.Equal(t, m.CkptName, got.CkptName)
		assert.Equal(t, m.Body, got.Body)
	}
}

func TestDecodeRejectsOversizedBody(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, Message{Type: Ping}))

	// Corrupt the body length field to exceed MaxBodyBytes.
	raw := buf.Bytes()
	// type(1) + 3 string-length-prefixed empty fields(4 each) = 13 bytes before body length
	offset := 1 + 4 + 4 + 4
	for i := 0; i < 8; i++ {
		raw[offset+i] = 0xFF
	}

	_, err := Decode(bytes.NewReader(raw))
	assert.Error(t, err)
}

func TestRequestTypeString(t *testing.T) {
	assert.Equal(t, "PING", Ping.String())
	assert.Equal(t, "ACQUIRE", Acquire.String())
	assert.Contains(t, RequestType(250).String(), "RequestType")
}

func TestNewError(t *testing.T) {
	m := NewError("job", "uid", "name", "Checkpoint not found")
	assert.Equal(t, ErrType, m.Type)
	assert.Equal(t, "Checkpoint not found", string(m.Body))
}
