package depth

import (
	"github.com/h2non/filetype"
)

// supported lists the image types Decode can read.
var supported = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/gif":  true,
	"image/bmp":  true,
	"image/tiff": true,
	"image/webp": true,
}

// DetectImage sniffs the magic bytes of data and returns its MIME type.
// Empty uploads return ErrEmptyUpload; anything else that is not a
// supported image returns ErrUnsupported.
func DetectImage(data []byte) (string, error) {
	if len(data) == 0 {
		return "", ErrEmptyUpload
	}
	kind, err := filetype.Match(data)
	if err != nil || kind == filetype.Unknown {
		return "", ErrUnsupported
	}
	if !supported[kind.MIME.Value] {
		return "", ErrUnsupported
	}
	return kind.MIME.Value, nil
}
