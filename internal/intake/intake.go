// Package intake validates and decodes uploaded scans.
package intake

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder
	"io"
	"mime/multipart"

	"github.com/ashureev/medivio/internal/domain"
	"github.com/gabriel-vasile/mimetype"
)

// DefaultMaxBytes is the aggregate upload ceiling.
const DefaultMaxBytes = 200 << 20

var (
	// ErrUnsupportedType is returned for files that are not PNG or JPEG.
	ErrUnsupportedType = errors.New("only png, jpg and jpeg images are supported")
	// ErrTooLarge is returned when the files together exceed the ceiling.
	ErrTooLarge = errors.New("uploaded images exceed the size limit")
)

var allowed = []string{"image/png", "image/jpeg"}

// Decode reads every uploaded file, checks its sniffed type and decodes its
// header for dimensions. The raw bytes are kept for the model.
func Decode(files []*multipart.FileHeader, maxBytes int64) ([]domain.Image, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}

	images := make([]domain.Image, 0, len(files))
	var total int64
	for _, fh := range files {
		total += fh.Size
		if total > maxBytes {
			return nil, ErrTooLarge
		}

		data, err := readAll(fh, maxBytes)
		if err != nil {
			return nil, err
		}
		img, err := FromBytes(fh.Filename, data)
		if err != nil {
			return nil, err
		}
		images = append(images, img)
	}
	return images, nil
}

// FromBytes validates a single image held in memory.
func FromBytes(name string, data []byte) (domain.Image, error) {
	mtype := mimetype.Detect(data)
	if !mimetype.EqualsAny(mtype.String(), allowed...) {
		return domain.Image{}, fmt.Errorf("%s (%s): %w", name, mtype.String(), ErrUnsupportedType)
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return domain.Image{}, fmt.Errorf("decode %s: %w", name, err)
	}

	return domain.Image{
		Name:   name,
		MIME:   mtype.String(),
		Data:   data,
		Width:  cfg.Width,
		Height: cfg.Height,
	}, nil
}

func readAll(fh *multipart.FileHeader, limit int64) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", fh.Filename, err)
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", fh.Filename, err)
	}
	if int64(len(data)) > limit {
		return nil, ErrTooLarge
	}
	return data, nil
}
