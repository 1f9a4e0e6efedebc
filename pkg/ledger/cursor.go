package ledger

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

const cursorPrefix = "v1:"

// Cursor marks a position in an account's history. Pages continue with transactions committed
// strictly before the cursor, so transactions appended later never shift earlier pages.
// The zero value starts at the newest transaction.
type Cursor struct {
	beforeSequence int64
}

// NewCursor returns a cursor continuing before sequence.
func NewCursor(beforeSequence int64) (Cursor, error) {
	if beforeSequence <= 0 {
		return Cursor{}, fmt.Errorf("%w: sequence must be positive", ErrInvalidCursor)
	}
	return Cursor{beforeSequence: beforeSequence}, nil
}

// ParseCursor decodes an opaque cursor; blank input yields the zero cursor.
func ParseCursor(raw string) (Cursor, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Cursor{}, nil
	}
	decoded, err := base64.RawURLEncoding.DecodeString(trimmed)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	value, found := strings.CutPrefix(string(decoded), cursorPrefix)
	if !found {
		return Cursor{}, fmt.Errorf("%w: unknown format", ErrInvalidCursor)
	}
	sequence, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	return NewCursor(sequence)
}

// String encodes the cursor; the zero cursor encodes as "".
func (cursor Cursor) String() string {
	if cursor.IsZero() {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString([]byte(cursorPrefix + strconv.FormatInt(cursor.beforeSequence, 10)))
}

// IsZero reports whether the cursor points at the newest transaction.
func (cursor Cursor) IsZero() bool {
	return cursor.beforeSequence == 0
}

// BeforeSequence returns the exclusive upper sequence bound, or 0 for the zero cursor.
func (cursor Cursor) BeforeSequence() int64 {
	return cursor.beforeSequence
}
