package accountws

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// migrateKey identifies the migration handshake response. The platform
// does not always correlate it by id, so it is matched on event and key.
const migrateKey = "POST /ws/migrate"

// request is the outbound frame shape of the account WebSocket.
type request struct {
	Method        string  `json:"method"`
	Path          string  `json:"path"`
	Authorization string  `json:"authorization"`
	ID            int64   `json:"id"`
	Content       *string `json:"content"`
}

// frame is the inbound frame shape. id==0 marks a broadcast event, id>0
// an RPC response. Content arrives as a stringified JSON payload.
type frame struct {
	ID           int64           `json:"id"`
	Event        string          `json:"event"`
	Key          string          `json:"key"`
	ResponseCode int             `json:"responseCode"`
	Content      json.RawMessage `json:"content"`
}

// isMigrateResponse reports whether the frame completes a migration
// handshake.
func (f *frame) isMigrateResponse() bool {
	return f.Event == "response" && f.Key == migrateKey
}

// hasContent reports whether the frame carried a content field at all.
func (f *frame) hasContent() bool {
	return len(f.Content) > 0 && !bytes.Equal(f.Content, []byte("null"))
}

// decodeContent unwraps the stringified payload. An empty string decodes
// to an empty payload; a bare JSON value is passed through.
func (f *frame) decodeContent() (json.RawMessage, error) {
	if !f.hasContent() {
		return nil, nil
	}
	if f.Content[0] == '"' {
		var s string
		if err := json.Unmarshal(f.Content, &s); err != nil {
			return nil, fmt.Errorf("failed to unwrap content string: %w", err)
		}
		if s == "" {
			return nil, nil
		}
		return json.RawMessage(s), nil
	}
	return f.Content, nil
}

// Response is the resolved result of an account-socket RPC.
type Response struct {
	ID      int64
	Event   string
	Key     string
	Code    int
	Content json.RawMessage
}

// OK reports whether the response code is in the 2xx range.
func (r *Response) OK() bool {
	return r.Code >= 200 && r.Code <= 299
}

// encodeContent stringifies an RPC payload for the wire, or returns nil
// for an empty payload.
func encodeContent(payload any) (*string, error) {
	if payload == nil {
		return nil, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	s := string(data)
	return &s, nil
}
