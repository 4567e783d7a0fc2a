package transfer

import (
	"strings"
)

var extensions = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/webp":      ".webp",
	"image/heic":      ".heic",
	"video/mp4":       ".mp4",
	"video/quicktime": ".mov",
	"video/webm":      ".webm",
}

// ExtensionFor returns the file extension stored for contentType, or "" when the type is not
// one of the known media types. Parameters such as charset are ignored.
func ExtensionFor(contentType string) string {
	mediaType, _, _ := strings.Cut(contentType, ";")
	return extensions[strings.ToLower(strings.TrimSpace(mediaType))]
}

// ContentTypeFor returns the media type stored under ext, or "application/octet-stream".
func ContentTypeFor(ext string) string {
	ext = strings.ToLower(ext)
	for contentType, known := range extensions {
		if known == ext {
			return contentType
		}
	}
	return "application/octet-stream"
}

// Artifact is a completed upload stored by the server.
type Artifact struct {
	Name     string
	Path     string
	URL      string
	Size     int64
	Checksum string
}

// PublicURL joins the public base URL of the server with an artifact name.
func PublicURL(baseURL, name string) string {
	return strings.TrimSuffix(baseURL, "/") + "/" + name
}
