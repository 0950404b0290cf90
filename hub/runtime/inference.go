package runtime

import (
	"fmt"
	"io"
)

// Predictor serves class predictions from a deployed model.
type Predictor struct {
	Model     *Model
	Transform Transform

	// Channels the deployed model decodes uploaded images with.
	Channels int
}

func NewPredictor(model *Model, transform Transform, channels int) *Predictor {
	if channels != 1 && channels != 3 {
		channels = 1
	}
	return &Predictor{Model: model, Transform: transform, Channels: channels}
}

// Predict decodes one uploaded image and returns the predicted class id.
func (p *Predictor) Predict(r io.Reader) (int, error) {
	x, err := LoadSample(r, p.Channels, p.Transform)
	if err != nil {
		return 0, err
	}
	return p.Model.Predict(x)
}

// PredictFiles maps uploaded file names to predicted class ids. A file that
// fails to decode fails the whole batch so callers never see partial results
// silently.
func (p *Predictor) PredictFiles(files map[string]io.Reader) (map[string]int, error) {
	predictions := make(map[string]int, len(files))
	for name, r := range files {
		class, err := p.Predict(r)
		if err != nil {
			return nil, fmt.Errorf("error predicting %v: %w", name, err)
		}
		predictions[name] = class
	}
	return predictions, nil
}
