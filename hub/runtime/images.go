package runtime

import (
	"fmt"
	"image"
	"io"

	_ "image/jpeg"
	_ "image/png"
)

// DecodeImage reads a png or jpeg into the runtime image layout with the
// requested channel count (1 for greyscale, 3 for RGB) in [0, 255].
func DecodeImage(r io.Reader, channels int) (*Image, error) {
	if channels != 1 && channels != 3 {
		return nil, fmt.Errorf("unsupported channel count %d", channels)
	}

	decoded, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("error decoding image: %w", err)
	}

	bounds := decoded.Bounds()
	img := NewImage(channels, bounds.Dy(), bounds.Dx())

	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			r16, g16, b16, _ := decoded.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			r8, g8, b8 := float64(r16>>8), float64(g16>>8), float64(b16>>8)

			if channels == 1 {
				// Standard luma weights.
				img.Set(0, y, x, 0.299*r8+0.587*g8+0.114*b8)
			} else {
				img.Set(0, y, x, r8)
				img.Set(1, y, x, g8)
				img.Set(2, y, x, b8)
			}
		}
	}

	return img, nil
}

// LoadSample decodes a file from storage, applies the transform pipeline and
// returns a flat model input.
func LoadSample(r io.Reader, channels int, transform Transform) ([]float64, error) {
	img, err := DecodeImage(r, channels)
	if err != nil {
		return nil, err
	}

	if transform != nil {
		img, err = transform.Apply(img, nil)
		if err != nil {
			return nil, fmt.Errorf("error applying transform: %w", err)
		}
	}

	return img.Flatten(), nil
}
