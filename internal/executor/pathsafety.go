package executor

import (
	"path/filepath"
	"strings"

	"dispatchfabric/internal/ferrors"
)

// validateProjectRoot normalizes path and requires it to lie inside one of
// roots (spec §4.9 "path safety"). Every path the executor touches is
// checked before any filesystem effect.
func validateProjectRoot(path string, roots []string) error {
	clean, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return ferrors.Wrap(ferrors.ValidationError, "cannot resolve path", err)
	}
	for _, root := range roots {
		cleanRoot, err := filepath.Abs(filepath.Clean(root))
		if err != nil {
			continue
		}
		if clean == cleanRoot || strings.HasPrefix(clean, cleanRoot+string(filepath.Separator)) {
			return nil
		}
	}
	return ferrors.New(ferrors.ValidationError, "path '"+path+"' is outside all registered project roots")
}
