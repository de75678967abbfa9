// Package cursor provides opaque pagination token encoding/decoding for the
// audit event log.
package cursor

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Direction indicates the pagination direction.
type Direction string

const (
	// DirectionBackward paginates toward older rows (id < cursor). The
	// event log lists newest first, so next pages always walk backward.
	DirectionBackward Direction = "bwd"
)

// Cursor represents the internal state of a pagination token.
type Cursor struct {
	// Seq is the event id to paginate from.
	Seq int64 `json:"seq"`
	// Dir is the pagination direction.
	Dir Direction `json:"dir"`
}

// Encode encodes a cursor to an opaque base64 string.
func Encode(c Cursor) (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal cursor: %w", err)
	}
	return base64.URLEncoding.EncodeToString(data), nil
}

// Decode decodes an opaque base64 string to a cursor.
// Returns an error if the token is invalid or malformed.
func Decode(token string) (Cursor, error) {
	if token == "" {
		return Cursor{}, fmt.Errorf("empty token")
	}

	data, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("decode base64: %w", err)
	}

	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return Cursor{}, fmt.Errorf("unmarshal cursor: %w", err)
	}

	if c.Dir != DirectionBackward {
		return Cursor{}, fmt.Errorf("invalid cursor direction: %q", c.Dir)
	}
	if c.Seq <= 0 {
		return Cursor{}, fmt.Errorf("invalid cursor sequence: %d", c.Seq)
	}

	return c, nil
}

// NewNextPageCursor creates a cursor for the page after the given event id.
func NewNextPageCursor(lastSeq int64) Cursor {
	return Cursor{Seq: lastSeq, Dir: DirectionBackward}
}
