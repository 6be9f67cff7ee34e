package bloom

import (
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasherByName(t *testing.T) {
	for _, name := range []string{HasherCRC32, HasherFNV32a, HasherMurmur3, HasherXXHash32} {
		t.Run(name, func(t *testing.T) {
			h, err := HasherByName(name)
			require.NoError(t, err)
			assert.Equal(t, name, h.Name())
		})
	}

	_, err := HasherByName("sha256")
	assert.Error(t, err)
	_, err = HasherByName("")
	assert.Error(t, err)
}

func TestHashers_Deterministic(t *testing.T) {
	token := []byte("the-same-token")

	for _, name := range []string{HasherCRC32, HasherFNV32a, HasherMurmur3, HasherXXHash32} {
		h, err := HasherByName(name)
		require.NoError(t, err)

		first := h.Sum32(token)
		for i := 0; i < 10; i++ {
			assert.Equal(t, first, h.Sum32(token), "%s must be pure", name)
		}
	}
}

func TestHashers_Distinct(t *testing.T) {
	// Different algorithms should not agree on a non-trivial token. Not a
	// mathematical guarantee, but a disagreement here would mean two registry
	// entries are wired to the same function.
	token := []byte("strata-distinct-check")

	seen := make(map[uint32]string)
	for _, name := range []string{HasherCRC32, HasherFNV32a, HasherMurmur3, HasherXXHash32} {
		h, err := HasherByName(name)
		require.NoError(t, err)

		sum := h.Sum32(token)
		if prev, ok := seen[sum]; ok {
			t.Errorf("%s and %s produced the same digest %d", prev, name, sum)
		}
		seen[sum] = name
	}
}

func TestXXHash32_TruncatesSum64(t *testing.T) {
	h, err := HasherByName(HasherXXHash32)
	require.NoError(t, err)

	token := []byte("truncation-check")
	assert.Equal(t, uint32(xxhash.Sum64(token)), h.Sum32(token))
}

func TestDefaultHasher(t *testing.T) {
	assert.Equal(t, HasherCRC32, DefaultHasher().Name())
}
