package runtime

import (
	"fmt"
	"math/rand"
)

// Image is a decoded image in channel-major layout with float64 values.
// Decoders produce values in [0, 255]; ToTensor rescales to [0, 1].
type Image struct {
	Channels int
	Height   int
	Width    int
	Pixels   []float64
}

func NewImage(channels, height, width int) *Image {
	return &Image{
		Channels: channels,
		Height:   height,
		Width:    width,
		Pixels:   make([]float64, channels*height*width),
	}
}

func (img *Image) At(c, y, x int) float64 {
	return img.Pixels[(c*img.Height+y)*img.Width+x]
}

func (img *Image) Set(c, y, x int, v float64) {
	img.Pixels[(c*img.Height+y)*img.Width+x] = v
}

// Flatten returns the pixel buffer as a model input vector.
func (img *Image) Flatten() []float64 {
	return img.Pixels
}

// Transform maps an image to an image. Transforms compose left to right and
// are applied per sample when a data repository benchmark is loaded and when
// a deployed model serves predictions.
type Transform interface {
	Apply(img *Image, rng *rand.Rand) (*Image, error)
}

// ToTensor rescales pixel values from [0, 255] to [0, 1].
type ToTensor struct{}

func (t ToTensor) Apply(img *Image, rng *rand.Rand) (*Image, error) {
	out := NewImage(img.Channels, img.Height, img.Width)
	for i, v := range img.Pixels {
		out.Pixels[i] = v / 255.0
	}
	return out, nil
}

// Normalize shifts and scales each channel by the given mean and std.
type Normalize struct {
	Mean []float64
	Std  []float64
}

func (t Normalize) Apply(img *Image, rng *rand.Rand) (*Image, error) {
	if len(t.Mean) != img.Channels || len(t.Std) != img.Channels {
		return nil, fmt.Errorf("normalize expects %d channel stats, got mean=%d std=%d", img.Channels, len(t.Mean), len(t.Std))
	}

	out := NewImage(img.Channels, img.Height, img.Width)
	for c := 0; c < img.Channels; c++ {
		for y := 0; y < img.Height; y++ {
			for x := 0; x < img.Width; x++ {
				out.Set(c, y, x, (img.At(c, y, x)-t.Mean[c])/t.Std[c])
			}
		}
	}
	return out, nil
}

func crop(img *Image, top, left, height, width int) (*Image, error) {
	if top < 0 || left < 0 || top+height > img.Height || left+width > img.Width {
		return nil, fmt.Errorf("cannot crop %dx%d region from %dx%d image", height, width, img.Height, img.Width)
	}

	out := NewImage(img.Channels, height, width)
	for c := 0; c < img.Channels; c++ {
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				out.Set(c, y, x, img.At(c, top+y, left+x))
			}
		}
	}
	return out, nil
}

// CenterCrop crops the central Size x Size region.
type CenterCrop struct {
	Size int
}

func (t CenterCrop) Apply(img *Image, rng *rand.Rand) (*Image, error) {
	top := (img.Height - t.Size) / 2
	left := (img.Width - t.Size) / 2
	return crop(img, top, left, t.Size, t.Size)
}

// RandomCrop crops a random Size x Size region, optionally after zero padding
// each side.
type RandomCrop struct {
	Size    int
	Padding int
}

func (t RandomCrop) Apply(img *Image, rng *rand.Rand) (*Image, error) {
	src := img
	if t.Padding > 0 {
		padded := NewImage(img.Channels, img.Height+2*t.Padding, img.Width+2*t.Padding)
		for c := 0; c < img.Channels; c++ {
			for y := 0; y < img.Height; y++ {
				for x := 0; x < img.Width; x++ {
					padded.Set(c, y+t.Padding, x+t.Padding, img.At(c, y, x))
				}
			}
		}
		src = padded
	}

	maxTop := src.Height - t.Size
	maxLeft := src.Width - t.Size
	if maxTop < 0 || maxLeft < 0 {
		return nil, fmt.Errorf("cannot crop %dx%d region from %dx%d image", t.Size, t.Size, src.Height, src.Width)
	}

	top, left := 0, 0
	if rng != nil {
		if maxTop > 0 {
			top = rng.Intn(maxTop + 1)
		}
		if maxLeft > 0 {
			left = rng.Intn(maxLeft + 1)
		}
	}
	return crop(src, top, left, t.Size, t.Size)
}

// RandomHorizontalFlip mirrors the image left to right with probability P.
type RandomHorizontalFlip struct {
	P float64
}

func (t RandomHorizontalFlip) Apply(img *Image, rng *rand.Rand) (*Image, error) {
	if rng == nil || rng.Float64() >= t.P {
		return img, nil
	}

	out := NewImage(img.Channels, img.Height, img.Width)
	for c := 0; c < img.Channels; c++ {
		for y := 0; y < img.Height; y++ {
			for x := 0; x < img.Width; x++ {
				out.Set(c, y, x, img.At(c, y, img.Width-1-x))
			}
		}
	}
	return out, nil
}

// Compose applies a sequence of transforms in order.
type Compose struct {
	Transforms []Transform
}

func (t Compose) Apply(img *Image, rng *rand.Rand) (*Image, error) {
	var err error
	for _, tr := range t.Transforms {
		img, err = tr.Apply(img, rng)
		if err != nil {
			return nil, err
		}
	}
	return img, nil
}

// Stock transform pipelines matching the defaults of the datasets they are
// named for.

func TrainMNIST() Transform {
	return Compose{Transforms: []Transform{
		ToTensor{},
		Normalize{Mean: []float64{0.1307}, Std: []float64{0.3081}},
	}}
}

func EvalMNIST() Transform {
	return TrainMNIST()
}

func TrainCIFAR10() Transform {
	return Compose{Transforms: []Transform{
		RandomCrop{Size: 32, Padding: 4},
		RandomHorizontalFlip{P: 0.5},
		ToTensor{},
		Normalize{
			Mean: []float64{0.4914, 0.4822, 0.4465},
			Std:  []float64{0.2470, 0.2435, 0.2616},
		},
	}}
}

func EvalCIFAR10() Transform {
	return Compose{Transforms: []Transform{
		ToTensor{},
		Normalize{
			Mean: []float64{0.4914, 0.4822, 0.4465},
			Std:  []float64{0.2470, 0.2435, 0.2616},
		},
	}}
}
