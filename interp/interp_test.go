package interp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caravel-data/caravel/errors"
)

func TestRender(t *testing.T) {
	vars := map[string]string{"genome": "mm10", "assay": "RNA-seq"}

	tests := []struct {
		name     string
		template string
		want     string
	}{
		{"no placeholders", "plain text", "plain text"},
		{"single", "genomes/{genome}.txt", "genomes/mm10.txt"},
		{"multiple", "{assay}-{genome}", "RNA-seq-mm10"},
		{"adjacent", "{genome}{genome}", "mm10mm10"},
		{"escaped braces", "literal {{genome}}", "literal {genome}"},
		{"empty template", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Render(tt.template, vars)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRenderMissingKey(t *testing.T) {
	_, err := Render("{genome}/{nope}", map[string]string{"genome": "mm10"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrMissingKey))
	assert.Contains(t, err.Error(), "nope")
}

func TestRenderMalformed(t *testing.T) {
	_, err := Render("{unclosed", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConfiguration))

	_, err = Render("stray } brace", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConfiguration))
}

func TestHasPlaceholders(t *testing.T) {
	assert.True(t, HasPlaceholders("{a}"))
	assert.False(t, HasPlaceholders("plain"))
	assert.False(t, HasPlaceholders("{{escaped}}"))
}

func TestURLEncoded(t *testing.T) {
	vars := URLEncoded(map[string]string{"name": "a b/c"})
	assert.Equal(t, "a b/c", vars["name"])
	assert.Equal(t, "a+b%2Fc", vars["name_urlencoded"])

	// Idempotent: encoding twice does not stack suffixes.
	again := URLEncoded(vars)
	_, ok := again["name_urlencoded_urlencoded"]
	assert.False(t, ok)
}
