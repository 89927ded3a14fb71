package layer

import (
	"path"
	"strings"

	"github.com/pkg/errors"
	"go.layerstore.dev/core/errdefs"
)

// CleanPath validates and normalizes a slash-separated path relative to the
// storage root. The empty path is the root. Blank paths, absolute paths,
// and paths which resolve outside of the root fail with ErrInvalidPath.
func CleanPath(p string) (string, error) {
	if p == "" {
		return "", nil
	} else if strings.TrimSpace(p) == "" {
		return "", errors.WithMessage(errdefs.ErrInvalidPath, "path is blank")
	} else if strings.HasPrefix(p, "/") {
		return "", errors.WithMessagef(errdefs.ErrInvalidPath, "%q is absolute", p)
	}

	var cleaned = path.Clean(p)
	if cleaned == "." {
		return "", nil
	} else if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", errors.WithMessagef(errdefs.ErrInvalidPath, "%q is outside of the storage root", p)
	}
	return cleaned, nil
}

// cleanNonRoot is CleanPath, which additionally rejects the root.
func cleanNonRoot(p string) (string, error) {
	var cleaned, err = CleanPath(p)
	if err == nil && cleaned == "" {
		err = errors.WithMessagef(errdefs.ErrInvalidPath, "%q is the storage root", p)
	}
	return cleaned, err
}

// Parent returns the parent of cleaned path |p|, or "" for the root.
func Parent(p string) string {
	if ind := strings.LastIndexByte(p, '/'); ind != -1 {
		return p[:ind]
	}
	return ""
}
