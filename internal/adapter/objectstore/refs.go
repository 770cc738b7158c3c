// Package objectstore downloads product images, normalizes their keys, and
// prepares them for the analyzer or the reconstruction workspace.
package objectstore

import (
	"fmt"
	"path"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/resello/inspect3d/internal/domain"
)

// ParseRef splits an object reference of the form s3://bucket/key or
// bucket/key. Keys are NFC-normalized: uploads from macOS arrive NFD-decomposed
// and would otherwise miss on lookup.
func ParseRef(ref string) (bucket, key string, err error) {
	trimmed := strings.TrimPrefix(ref, "s3://")
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("op=objectstore.ParseRef: %q: %w", ref, domain.ErrInvalidInput)
	}
	return parts[0], norm.NFC.String(parts[1]), nil
}

// InputPrefix derives the shared key prefix of the first reference, e.g.
// "s3://bucket/products/42/a.jpg" -> "products/42/". Used as the external
// job row's input locator.
func InputPrefix(refs []string) string {
	if len(refs) == 0 {
		return "unknown"
	}
	_, key, err := ParseRef(refs[0])
	if err != nil {
		return "unknown"
	}
	dir := path.Dir(key)
	if dir == "." || dir == "/" {
		return "unknown"
	}
	return dir + "/"
}

// ext returns the reference's file extension, defaulting to .jpg.
func ext(key string) string {
	if e := path.Ext(key); e != "" {
		return e
	}
	return ".jpg"
}
