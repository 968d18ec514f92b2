package gcs

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectNameUsesPrefixAsPathSegment(t *testing.T) {
	t.Parallel()

	key := strings.Repeat("ab", 32)

	withPrefix := &BlobStore{bucket: "b", prefix: "raw"}
	assert.Equal(t, "raw/"+key, withPrefix.objectName(key))

	noPrefix := &BlobStore{bucket: "b"}
	assert.Equal(t, key, noPrefix.objectName(key))

	// Keys listing trims the same prefix it queried with.
	assert.Equal(t, key, strings.TrimPrefix(withPrefix.objectName(key), withPrefix.objectName("")))
}

func TestNewWithClientValidatesInputs(t *testing.T) {
	t.Parallel()

	_, err := NewWithClient(nil, Config{Bucket: "b"})
	require.Error(t, err)
}
