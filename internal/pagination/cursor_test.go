package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	ts := time.Date(2026, 2, 15, 10, 30, 0, 123456789, time.UTC)

	cursor, err := Decode(Encode(ts, "txn_9f2c"))
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.True(t, cursor.CreatedAt.Equal(ts))
	assert.Equal(t, "txn_9f2c", cursor.ID)
}

func TestDecodeEmptyMeansFirstPage(t *testing.T) {
	cursor, err := Decode("")
	require.NoError(t, err)
	assert.Nil(t, cursor)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	for name, token := range map[string]string{
		"not base64":       "!!not-base64!!",
		"no separator":     "bm9waXBl",     // "nopipe"
		"missing id":       "MTcwMDAwMHw=", // "1700000|"
		"non-numeric time": "eHx0eG5fMQ==", // "x|txn_1"
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(token)
			assert.ErrorIs(t, err, ErrInvalidCursor)
		})
	}
}

func TestComputePage(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	key := func(s string) (time.Time, string) { return at, s }

	t.Run("under limit", func(t *testing.T) {
		page, next, more := ComputePage([]string{"a", "b"}, 3, key)
		assert.Len(t, page, 2)
		assert.Empty(t, next)
		assert.False(t, more)
	})

	t.Run("exactly limit", func(t *testing.T) {
		page, next, more := ComputePage([]string{"a", "b", "c"}, 3, key)
		assert.Len(t, page, 3)
		assert.Empty(t, next)
		assert.False(t, more)
	})

	t.Run("over limit", func(t *testing.T) {
		page, next, more := ComputePage([]string{"a", "b", "c", "d"}, 3, key)
		assert.Len(t, page, 3)
		assert.True(t, more)

		cursor, err := Decode(next)
		require.NoError(t, err)
		assert.Equal(t, "c", cursor.ID)
	})
}
