package store

import (
	"encoding/base64"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/blockgrid/blockgrid/pkg/proto"
)

// View payload kinds.
const (
	viewTypeText  = "text"
	viewTypeImage = "image"
)

var textExtensions = map[string]bool{
	".txt": true, ".py": true, ".js": true, ".html": true, ".css": true,
	".json": true, ".xml": true, ".md": true, ".yml": true, ".yaml": true,
	".ini": true, ".cfg": true, ".log": true, ".go": true,
}

var imageMimeTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".bmp":  "image/bmp",
	".svg":  "image/svg+xml",
	".webp": "image/webp",
}

// renderView builds an inline preview payload for a file's content.
// Text files are returned verbatim, images as base64 with their MIME
// type. Anything else is ErrNotViewable.
func renderView(filename string, data []byte) (*proto.ViewResponse, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	switch {
	case textExtensions[ext]:
		if !utf8.Valid(data) {
			return nil, fmt.Errorf("%w: %s is not valid UTF-8", ErrNotViewable, filename)
		}
		return &proto.ViewResponse{
			Status:   proto.StatusOK,
			FileType: viewTypeText,
			Content:  string(data),
		}, nil
	case imageMimeTypes[ext] != "":
		return &proto.ViewResponse{
			Status:   proto.StatusOK,
			FileType: viewTypeImage,
			Content:  base64.StdEncoding.EncodeToString(data),
			MimeType: imageMimeTypes[ext],
		}, nil
	default:
		return nil, fmt.Errorf("%w: extension %q", ErrNotViewable, ext)
	}
}
