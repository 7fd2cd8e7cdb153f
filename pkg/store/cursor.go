package store

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// Cursor is the opaque keyset pagination cursor: the (started_at, id) pair
// of the last row on the previous page. Results are sorted by
// (started_at DESC, id DESC), so the next page is everything strictly
// before the cursor.
type Cursor struct {
	S time.Time `json:"s"`
	I string    `json:"i"`
}

// Encode renders the cursor as URL-safe base64 of its JSON form.
func (c Cursor) Encode() string {
	raw, _ := json.Marshal(c)
	return base64.URLEncoding.EncodeToString(raw)
}

// DecodeCursor parses an encoded cursor. An empty string yields nil (first
// page).
func DecodeCursor(encoded string) (*Cursor, error) {
	if encoded == "" {
		return nil, nil
	}
	raw, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed cursor: %v", ErrInvalidInput, err)
	}
	var c Cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("%w: malformed cursor: %v", ErrInvalidInput, err)
	}
	if c.S.IsZero() || c.I == "" {
		return nil, fmt.Errorf("%w: cursor missing fields", ErrInvalidInput)
	}
	return &c, nil
}
