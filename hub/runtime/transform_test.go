package runtime

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"math/rand"
	"testing"
)

func rampImage(channels, height, width int) *Image {
	img := NewImage(channels, height, width)
	for i := range img.Pixels {
		img.Pixels[i] = float64(i % 256)
	}
	return img
}

func TestToTensor(t *testing.T) {
	img := rampImage(1, 4, 4)

	out, err := ToTensor{}.Apply(img, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range out.Pixels {
		if want := img.Pixels[i] / 255; v != want {
			t.Fatalf("pixel %d: got %v, want %v", i, v, want)
		}
	}
}

func TestNormalize(t *testing.T) {
	img := rampImage(1, 2, 2)

	out, err := Normalize{Mean: []float64{1}, Std: []float64{2}}.Apply(img, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.At(0, 0, 1) != (img.At(0, 0, 1)-1)/2 {
		t.Fatalf("unexpected normalized value %v", out.At(0, 0, 1))
	}

	// Channel stats must match the image.
	_, err = Normalize{Mean: []float64{1, 2, 3}, Std: []float64{1, 1, 1}}.Apply(img, nil)
	if err == nil {
		t.Fatal("mismatched channel stats should fail")
	}
}

func TestCenterCrop(t *testing.T) {
	img := rampImage(1, 6, 6)

	out, err := CenterCrop{Size: 4}.Apply(img, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Height != 4 || out.Width != 4 {
		t.Fatalf("unexpected crop size %dx%d", out.Height, out.Width)
	}
	if out.At(0, 0, 0) != img.At(0, 1, 1) {
		t.Fatal("crop not centered")
	}

	if _, err := (CenterCrop{Size: 8}).Apply(img, nil); err == nil {
		t.Fatal("crop larger than image should fail")
	}
}

func TestRandomCropWithPadding(t *testing.T) {
	img := rampImage(1, 4, 4)
	rng := rand.New(rand.NewSource(1))

	out, err := RandomCrop{Size: 4, Padding: 2}.Apply(img, rng)
	if err != nil {
		t.Fatal(err)
	}
	if out.Height != 4 || out.Width != 4 {
		t.Fatalf("unexpected crop size %dx%d", out.Height, out.Width)
	}
}

func TestRandomHorizontalFlip(t *testing.T) {
	img := rampImage(1, 2, 3)

	// P=1 always flips.
	out, err := RandomHorizontalFlip{P: 1}.Apply(img, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatal(err)
	}
	if out.At(0, 0, 0) != img.At(0, 0, 2) || out.At(0, 0, 2) != img.At(0, 0, 0) {
		t.Fatal("image not mirrored")
	}

	// P=0 never flips.
	out, err = RandomHorizontalFlip{P: 0}.Apply(img, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatal(err)
	}
	if out != img {
		t.Fatal("flip with P=0 should return the image unchanged")
	}
}

func TestCompose(t *testing.T) {
	img := rampImage(1, 4, 4)

	out, err := Compose{Transforms: []Transform{
		ToTensor{},
		Normalize{Mean: []float64{0.5}, Std: []float64{0.5}},
	}}.Apply(img, nil)
	if err != nil {
		t.Fatal(err)
	}

	want := (img.At(0, 1, 2)/255 - 0.5) / 0.5
	if math.Abs(out.At(0, 1, 2)-want) > 1e-12 {
		t.Fatalf("composed value %v, want %v", out.At(0, 1, 2), want)
	}
}

func encodeGrayPng(t *testing.T, size int) []byte {
	t.Helper()

	img := image.NewGray(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8((x*size + y) % 256)})
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestDecodeImage(t *testing.T) {
	data := encodeGrayPng(t, 8)

	img, err := DecodeImage(bytes.NewReader(data), 1)
	if err != nil {
		t.Fatal(err)
	}
	if img.Channels != 1 || img.Height != 8 || img.Width != 8 {
		t.Fatalf("unexpected decoded shape %+v", img)
	}

	img, err = DecodeImage(bytes.NewReader(data), 3)
	if err != nil {
		t.Fatal(err)
	}
	if img.Channels != 3 {
		t.Fatalf("expected 3 channels, got %d", img.Channels)
	}
	// A grey image has identical channels.
	if img.At(0, 2, 3) != img.At(1, 2, 3) || img.At(1, 2, 3) != img.At(2, 2, 3) {
		t.Fatal("grey image channels differ")
	}

	if _, err := DecodeImage(bytes.NewReader(data), 2); err == nil {
		t.Fatal("unsupported channel count should fail")
	}
	if _, err := DecodeImage(bytes.NewReader([]byte("junk")), 1); err == nil {
		t.Fatal("undecodable data should fail")
	}
}

func TestLoadSampleAndPredictor(t *testing.T) {
	data := encodeGrayPng(t, 8)

	x, err := LoadSample(bytes.NewReader(data), 1, ToTensor{})
	if err != nil {
		t.Fatal(err)
	}
	if len(x) != 64 {
		t.Fatalf("expected 64 features, got %d", len(x))
	}
	for _, v := range x {
		if v < 0 || v > 1 {
			t.Fatalf("value %v outside [0, 1] after ToTensor", v)
		}
	}

	model := NewModel("SimpleMLP", 64, 8, 5, 17)
	predictor := NewPredictor(model, ToTensor{}, 1)

	class, err := predictor.Predict(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if class < 0 || class >= 5 {
		t.Fatalf("predicted class %d out of range", class)
	}

	want, err := model.Predict(x)
	if err != nil {
		t.Fatal(err)
	}
	if class != want {
		t.Fatalf("predictor returned %d, direct forward pass %d", class, want)
	}

	_, err = predictor.PredictFiles(map[string]io.Reader{
		"good.png": bytes.NewReader(data),
		"bad.png":  bytes.NewReader([]byte("junk")),
	})
	if err == nil {
		t.Fatal("batch with an undecodable file should fail")
	}
}
