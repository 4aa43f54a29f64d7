package imageprep

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/richinsley/gen2go/engine"
)

const DefaultJPEGQuality = 90

// Processor decodes reference images, applies EXIF orientation, shrinks
// them to fit the configured bound and re-encodes them for upload
type Processor struct {
	Filter imaging.ResampleFilter
}

func NewProcessor() *Processor {
	return &Processor{Filter: imaging.Lanczos}
}

func encodingFor(format string) (imaging.Format, string, error) {
	switch strings.ToLower(strings.TrimPrefix(format, ".")) {
	case "", "png":
		return imaging.PNG, "image/png", nil
	case "jpg", "jpeg":
		return imaging.JPEG, "image/jpeg", nil
	}
	return 0, "", fmt.Errorf("unsupported image format %q", format)
}

func (p *Processor) Preprocess(raw []byte, format string, opts engine.PreprocessOptions) ([]byte, string, error) {
	enc, mime, err := encodingFor(format)
	if err != nil {
		return nil, "", err
	}
	img, err := imaging.Decode(bytes.NewReader(raw), imaging.AutoOrientation(true))
	if err != nil {
		return nil, "", fmt.Errorf("decoding image: %w", err)
	}

	if bound := opts.MaxDimension; bound > 0 {
		b := img.Bounds()
		if b.Dx() > bound || b.Dy() > bound {
			img = imaging.Fit(img, bound, bound, p.Filter)
		}
	}

	quality := opts.Quality
	if quality <= 0 || quality > 100 {
		quality = DefaultJPEGQuality
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, enc, imaging.JPEGQuality(quality)); err != nil {
		return nil, "", fmt.Errorf("encoding image: %w", err)
	}
	return buf.Bytes(), mime, nil
}
