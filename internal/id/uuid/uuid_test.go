package uuid

import (
	"strings"
	"testing"

	goUUID "github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestGeneratorNewIDIsUniqueV7(t *testing.T) {
	t.Parallel()

	gen := New()
	seen := make(map[string]struct{}, 50)
	for range 50 {
		id, err := gen.NewID()
		require.NoError(t, err)
		parsed, err := goUUID.Parse(id)
		require.NoError(t, err)
		require.Equal(t, goUUID.Version(7), parsed.Version())
		_, dup := seen[id]
		require.False(t, dup)
		seen[id] = struct{}{}
	}
}

func TestGeneratorPrefix(t *testing.T) {
	t.Parallel()

	id, err := NewWithPrefix("batch").NewID()
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(id, "batch-"))
	_, err = goUUID.Parse(strings.TrimPrefix(id, "batch-"))
	require.NoError(t, err)
}
