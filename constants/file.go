package constants

import "strings"

// AllowedExtensions holds the file extensions accepted for credit documents.
var AllowedExtensions = map[string]struct{}{
	"pdf":  {},
	"jpg":  {},
	"jpeg": {},
	"png":  {},
	"tif":  {},
	"tiff": {},
}

var mimeTypes = map[string]string{
	"pdf":  "application/pdf",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"tif":  "image/tiff",
	"tiff": "image/tiff",
	"json": "application/json",
}

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
}

// MimeTypeFor returns the mime type for an extension, or application/octet-stream.
func MimeTypeFor(ext string) string {
	if m, ok := mimeTypes[NormalizeExt(ext)]; ok {
		return m
	}
	return "application/octet-stream"
}

// Content kinds used for derived artifacts.
const (
	KindJSON = "json"
	KindPNG  = "png"
)
