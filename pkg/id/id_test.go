package id

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIsUniqueAndSorted(t *testing.T) {
	t.Parallel()

	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	g := NewGenerator(func() time.Time { return fixed })

	ids := make([]string, 100)
	for i := range ids {
		ids[i] = g.New()
	}

	assert.True(t, sort.StringsAreSorted(ids))
	seen := map[string]bool{}
	for _, s := range ids {
		assert.False(t, seen[s], "duplicate id %s", s)
		seen[s] = true
	}
}

func TestTimeRoundTrip(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)
	g := NewGenerator(func() time.Time { return at })

	got, err := Time(g.New())
	require.NoError(t, err)
	assert.True(t, got.Equal(at), "got %s want %s", got, at)
}

func TestTimeRejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := Time("not-a-ulid")
	assert.Error(t, err)
}
