package data

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/merrymaker-core/internal/domain/model"
)

func TestEncodeEventCursor(t *testing.T) {
	t.Run("round trips position and direction", func(t *testing.T) {
		ev := &model.Event{
			ID:        uuid.NewString(),
			CreatedAt: time.Date(2025, 6, 3, 14, 30, 0, 123456000, time.UTC),
		}

		token, err := EncodeEventCursor(ev, "desc")
		require.NoError(t, err)

		cur, err := decodeEventCursor(token)
		require.NoError(t, err)
		assert.Equal(t, sortDirDesc, cur.SortDir)
		assert.Equal(t, ev.ID, cur.ID)
		assert.True(t, cur.CreatedAt.Equal(ev.CreatedAt))
	})

	t.Run("empty direction defaults to ascending", func(t *testing.T) {
		ev := &model.Event{ID: uuid.NewString(), CreatedAt: time.Now()}

		token, err := EncodeEventCursor(ev, "")
		require.NoError(t, err)

		cur, err := decodeEventCursor(token)
		require.NoError(t, err)
		assert.Equal(t, sortDirAsc, cur.SortDir)
	})

	t.Run("nil event is an error", func(t *testing.T) {
		_, err := EncodeEventCursor(nil, "asc")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "event is nil")
	})
}

func TestDecodeEventCursor_Invalid(t *testing.T) {
	mustEncode := func(cur eventCursor) string {
		token, err := encodeEventCursor(cur)
		require.NoError(t, err)
		return token
	}

	tests := []struct {
		name    string
		token   string
		wantErr string
	}{
		{
			name:    "not base64",
			token:   "%%%never-encoded%%%",
			wantErr: "decode cursor",
		},
		{
			name:    "not json",
			token:   base64.StdEncoding.EncodeToString([]byte("plain text")),
			wantErr: "unmarshal cursor",
		},
		{
			name:    "zero timestamp",
			token:   mustEncode(eventCursor{SortDir: "asc", ID: uuid.NewString()}),
			wantErr: "invalid cursor payload",
		},
		{
			name:    "bad id",
			token:   mustEncode(eventCursor{SortDir: "asc", CreatedAt: time.Now(), ID: "nope"}),
			wantErr: "invalid cursor payload",
		},
		{
			name:    "unknown direction",
			token:   mustEncode(eventCursor{SortDir: "sideways", CreatedAt: time.Now(), ID: uuid.NewString()}),
			wantErr: "invalid cursor payload",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := decodeEventCursor(tc.token)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestNormalizeSortDir(t *testing.T) {
	assert.Equal(t, sortDirAsc, normalizeSortDir(""))
	assert.Equal(t, sortDirAsc, normalizeSortDir("asc"))
	assert.Equal(t, sortDirAsc, normalizeSortDir("  ASC "))
	assert.Equal(t, sortDirDesc, normalizeSortDir("desc"))
	assert.Equal(t, sortDirDesc, normalizeSortDir("DESC"))
	assert.Empty(t, normalizeSortDir("sideways"))
}
