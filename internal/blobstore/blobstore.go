// Package blobstore persists uploaded image bytes under generated names.
package blobstore

import (
	"context"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Store saves image bytes and returns a reference embeddable in API
// responses: a path served by the static route, or an absolute URL.
type Store interface {
	Save(ctx context.Context, data []byte, filename string) (string, error)
}

var allowedExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".bmp": true, ".webp": true, ".heic": true, ".tif": true, ".tiff": true,
}

var sniffedExtensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/bmp":  ".bmp",
	"image/webp": ".webp",
}

// ObjectName returns a fresh "<uuid hex><ext>" name. The extension comes from
// filename when it is a known image extension, otherwise from the sniffed
// content type, otherwise ".bin".
func ObjectName(filename string, data []byte) string {
	return strings.ReplaceAll(uuid.NewString(), "-", "") + extensionFor(filename, data)
}

func extensionFor(filename string, data []byte) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if allowedExtensions[ext] {
		return ext
	}
	if ext, ok := sniffedExtensions[ContentType(data)]; ok {
		return ext
	}
	return ".bin"
}

// ContentType sniffs the MIME type of data.
func ContentType(data []byte) string {
	ct := http.DetectContentType(data)
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.TrimSpace(ct)
}
