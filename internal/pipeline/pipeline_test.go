package pipeline

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePath(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "abc.png")
	require.NoError(t, os.WriteFile(existing, []byte("x"), 0o644))

	assert.NoError(t, ValidatePath(existing))

	for _, p := range []string{"", filepath.Join(dir, "missing.png")} {
		err := ValidatePath(p)
		require.Error(t, err, p)
		assert.True(t, errors.Is(err, ErrNotFound), p)

		var nf *NotFoundError
		assert.True(t, errors.As(err, &nf), p)
	}
}

func TestDerivedPath(t *testing.T) {
	assert.Equal(t, "cache/abc_mask.png", DerivedPath("cache/abc.png", MaskSuffix))
	assert.Equal(t, "cache/abc_masked.png", DerivedPath("cache/abc.png", MaskedSuffix))
	assert.Equal(t, "cache/v1.2/abc_mask", DerivedPath("cache/v1.2/abc", MaskSuffix))
	assert.Equal(t, "a.b_mask.jpg", DerivedPath("a.b.jpg", MaskSuffix))
}

func TestExplanationPath(t *testing.T) {
	assert.Equal(t,
		filepath.Join("cache", "explanation_lime_abc_masked.png"),
		ExplanationPath(filepath.Join("cache", "abc_masked.png"), "explanation_lime_"))
	assert.Equal(t, "explanation_x.png", ExplanationPath("x.png", "explanation_"))
}
