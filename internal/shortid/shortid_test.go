package shortid

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		id, err := Generate(7)
		require.NoError(t, err)
		require.Len(t, id, 7)
		for _, c := range id {
			assert.True(t, strings.ContainsRune(alphabet, c), "unexpected %q in %q", c, id)
		}
		assert.False(t, seen[id], "duplicate %q", id)
		seen[id] = true
	}

	id, err := Generate(0)
	require.NoError(t, err)
	assert.Empty(t, id)
}
