package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	err := New("test error")
	require.NotNil(t, err)
	assert.Equal(t, "test error", err.Error())
}

func TestWrap(t *testing.T) {
	original := New("original")
	wrapped := Wrap(original, "wrapped")

	assert.Contains(t, wrapped.Error(), "wrapped")
	assert.Contains(t, wrapped.Error(), "original")
	assert.True(t, Is(wrapped, original))
}

func TestMarkTaxonomy(t *testing.T) {
	cause := New("connection refused")
	err := Mark(Wrap(cause, "HEAD request failed"), ErrAsset)

	// Classifies as an asset error but keeps the underlying cause.
	assert.True(t, Is(err, ErrAsset))
	assert.False(t, Is(err, ErrQuery))
	assert.Contains(t, err.Error(), "connection refused")
}

func TestSentinelsAreDistinct(t *testing.T) {
	sentinels := []error{
		ErrConfiguration, ErrQuery, ErrAuthentication, ErrAuthorization,
		ErrAsset, ErrTransform, ErrPackaging, ErrPostProcess, ErrMissingKey,
	}
	for i, a := range sentinels {
		for j, b := range sentinels {
			if i == j {
				continue
			}
			assert.False(t, Is(a, b), "sentinel %v should not match %v", a, b)
		}
	}
}
