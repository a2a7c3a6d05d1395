package pipeline

import (
	"path/filepath"
	"strings"
)

const (
	MaskSuffix   = "_mask"
	MaskedSuffix = "_masked"
)

// DerivedPath inserts suffix before the extension: scans/abc.png -> scans/abc_mask.png.
// A path without an extension gets the suffix appended.
func DerivedPath(path, suffix string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + suffix + ext
}

// ExplanationPath places prefix+basename in the directory of path.
func ExplanationPath(path, prefix string) string {
	return filepath.Join(filepath.Dir(path), prefix+filepath.Base(path))
}
