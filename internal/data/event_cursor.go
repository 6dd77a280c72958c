package data

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/target/merrymaker-core/internal/domain/model"
)

// eventCursor pins a keyset position in the (created_at, id) ordering. The
// token is the base64 of the JSON payload, opaque to callers.
type eventCursor struct {
	SortDir   string    `json:"sort_dir"`
	CreatedAt time.Time `json:"created_at"`
	ID        string    `json:"id"`
}

func encodeEventCursor(cur eventCursor) (string, error) {
	raw, err := json.Marshal(cur)
	if err != nil {
		return "", fmt.Errorf("marshal cursor: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func decodeEventCursor(token string) (eventCursor, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return eventCursor{}, fmt.Errorf("decode cursor: %w", err)
	}

	var cur eventCursor
	if err := json.Unmarshal(raw, &cur); err != nil {
		return eventCursor{}, fmt.Errorf("unmarshal cursor: %w", err)
	}

	cur.SortDir = normalizeSortDir(cur.SortDir)
	if cur.SortDir == "" || cur.CreatedAt.IsZero() {
		return eventCursor{}, errors.New("invalid cursor payload")
	}
	if _, err := uuid.Parse(cur.ID); err != nil {
		return eventCursor{}, errors.New("invalid cursor payload")
	}
	return cur, nil
}

func cursorFromEvent(ev *model.Event, sortDir string) eventCursor {
	return eventCursor{
		SortDir:   normalizeSortDir(sortDir),
		CreatedAt: ev.CreatedAt,
		ID:        ev.ID,
	}
}

// EncodeEventCursor builds a continuation token for ev under the given sort
// direction, so keyset paging can be bootstrapped from an offset page.
func EncodeEventCursor(ev *model.Event, sortDir string) (string, error) {
	if ev == nil {
		return "", errors.New("event is nil")
	}
	return encodeEventCursor(cursorFromEvent(ev, sortDir))
}

func normalizeSortDir(dir string) string {
	switch strings.ToLower(strings.TrimSpace(dir)) {
	case "", "asc":
		return sortDirAsc
	case "desc":
		return sortDirDesc
	default:
		return ""
	}
}
