package accountws

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDecodeContent tests unwrapping of stringified payloads
func TestDecodeContent(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
		wantNil bool
	}{
		{
			name:    "stringified object",
			content: `"{\"id\":42}"`,
			want:    `{"id":42}`,
		},
		{
			name:    "bare object passes through",
			content: `{"id":42}`,
			want:    `{"id":42}`,
		},
		{
			name:    "empty string",
			content: `""`,
			wantNil: true,
		},
		{
			name:    "null",
			content: `null`,
			wantNil: true,
		},
		{
			name:    "absent",
			content: ``,
			wantNil: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &frame{Content: json.RawMessage(tt.content)}
			got, err := f.decodeContent()
			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, got)
				return
			}
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}

// TestDecodeContentBadString tests that a broken string wrapper errors
func TestDecodeContentBadString(t *testing.T) {
	f := &frame{Content: json.RawMessage(`"unterminated`)}
	_, err := f.decodeContent()
	assert.Error(t, err)
}

// TestIsMigrateResponse tests handshake frame matching
func TestIsMigrateResponse(t *testing.T) {
	assert.True(t, (&frame{Event: "response", Key: "POST /ws/migrate"}).isMigrateResponse())
	assert.False(t, (&frame{Event: "response", Key: "GET /ws/migrate"}).isMigrateResponse())
	assert.False(t, (&frame{Event: "group-update", Key: "42"}).isMigrateResponse())
}

// TestEncodeContent tests payload stringification
func TestEncodeContent(t *testing.T) {
	content, err := encodeContent(map[string]string{"token": "MT"})
	require.NoError(t, err)
	require.NotNil(t, content)
	assert.JSONEq(t, `{"token":"MT"}`, *content)

	content, err = encodeContent(nil)
	require.NoError(t, err)
	assert.Nil(t, content)
}

// TestResponseOK tests the 2xx range check
func TestResponseOK(t *testing.T) {
	assert.True(t, (&Response{Code: 200}).OK())
	assert.True(t, (&Response{Code: 204}).OK())
	assert.False(t, (&Response{Code: 404}).OK())
	assert.False(t, (&Response{Code: 0}).OK())
}
