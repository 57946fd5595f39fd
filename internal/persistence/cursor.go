// Package persistence contains helpers shared by repository implementations.
package persistence

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"example.com/safewalk/internal/domain"
)

// Session pages are keyed on (started_at, session_id). Tokens are opaque to
// clients; the version prefix lets the format evolve without breaking old
// pages mid-scroll.
const cursorVersion = "sw1"

// CursorAfter returns the keyset position following the last session of a
// full page.
func CursorAfter(last domain.Session) *domain.Cursor {
	return &domain.Cursor{StartedAt: last.StartedAt, ID: last.ID}
}

// EncodeCursor serialises a session cursor into an opaque page token.
func EncodeCursor(c *domain.Cursor) string {
	if c == nil {
		return ""
	}
	raw := fmt.Sprintf("%s:%d:%s", cursorVersion, c.StartedAt.UTC().UnixNano(), c.ID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a page token back into a session cursor. The session
// ID must be a UUID, which filters out tokens minted for anything but the
// session list.
func DecodeCursor(token string) (*domain.Cursor, error) {
	if strings.TrimSpace(token) == "" {
		return nil, nil
	}
	decoded, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("cursor: %w", err)
	}
	parts := strings.SplitN(string(decoded), ":", 3)
	if len(parts) != 3 || parts[0] != cursorVersion {
		return nil, fmt.Errorf("cursor: unknown token format")
	}
	nanos, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("cursor: bad timestamp: %w", err)
	}
	if _, err := uuid.Parse(parts[2]); err != nil {
		return nil, fmt.Errorf("cursor: bad session id: %w", err)
	}
	return &domain.Cursor{StartedAt: time.Unix(0, nanos).UTC(), ID: parts[2]}, nil
}
