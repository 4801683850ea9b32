package disk

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_HashKey_Is_Deterministic_And_Hex(t *testing.T) {
	t.Parallel()

	h1 := hashKey("foo")
	h2 := hashKey("foo")
	require.Equal(t, h1, h2, "hashKey must be deterministic for the same input")
	assert.Len(t, h1, sha256HexSize)

	h3 := hashKey("bar")
	assert.NotEqual(t, h1, h3)
}

func Test_CleanPath_And_DirtyPath_Share_A_Bucket(t *testing.T) {
	t.Parallel()

	hash := hashKey("some-key")
	clean := cleanPath("/cache", hash, 2)
	dirty := dirtyPath("/cache", hash, 2)

	assert.Equal(t, clean+".tmp", dirty)
	assert.Contains(t, clean, "/cache/"+hash[0:2]+"/")
	assert.Contains(t, clean, hash+".2")
}

func Test_SidecarPath_Lives_In_The_Same_Bucket_As_Its_Entry(t *testing.T) {
	t.Parallel()

	hash := hashKey("some-key")
	sc := sidecarPath("/cache", hash)

	assert.Equal(t, bucketDir("/cache", hash), filepath.Dir(sc))
	assert.Contains(t, sc, hash+".key")
}
