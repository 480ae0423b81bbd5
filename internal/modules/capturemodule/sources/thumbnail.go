package sources

import (
	"bytes"
	"fmt"
	"image"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
)

// EncodeThumbnail bounds an image to maxDim on its longest side and
// encodes it as lossy webp. Thumbnails refresh every few seconds while the
// picker is open, so size matters more than fidelity.
func EncodeThumbnail(img image.Image, maxDim int) ([]byte, error) {
	if img == nil {
		return nil, fmt.Errorf("nil image")
	}
	if maxDim <= 0 {
		return nil, fmt.Errorf("invalid max dimension %d", maxDim)
	}

	bounds := img.Bounds()
	if bounds.Dx() > maxDim || bounds.Dy() > maxDim {
		img = imaging.Fit(img, maxDim, maxDim, imaging.Linear)
	}

	var buf bytes.Buffer
	if err := webp.Encode(&buf, img, &webp.Options{Quality: 75}); err != nil {
		return nil, fmt.Errorf("failed to encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}
