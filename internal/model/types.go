package model

import "fmt"

// Metadata is the artifact manifest, read from metadata.json next to the
// model file.
type Metadata struct {
	InputShape  []int64  `json:"input_shape"`
	OutputShape []int64  `json:"output_shape"`
	Classes     []string `json:"classes"`
	ImageSize   int      `json:"image_size"`

	// Format selects the backend: "onnx" or "layers" (TF.js layers model).
	Format string `json:"format"`
	// ModelFile is the model file name inside the artifact.
	ModelFile  string `json:"model_file"`
	InputName  string `json:"input_name,omitempty"`
	OutputName string `json:"output_name,omitempty"`

	// InkPolarity and Output are properties of the trained artifact. When
	// absent the loader's defaults apply; they are never inferred.
	InkPolarity Polarity   `json:"ink_polarity,omitempty"`
	Output      OutputKind `json:"output,omitempty"`
}

// NumClasses is the output cardinality declared by the manifest.
func (m Metadata) NumClasses() int {
	if len(m.OutputShape) == 0 {
		return 0
	}
	return int(m.OutputShape[len(m.OutputShape)-1])
}

// InputLen is the number of values in one input sample (batch dimension
// excluded).
func (m Metadata) InputLen() int {
	if len(m.InputShape) == 0 {
		return 0
	}
	n := 1
	for _, d := range m.InputShape[1:] {
		n *= int(d)
	}
	return n
}

// Polarity maps drawn strokes to tensor values.
type Polarity string

const (
	// DarkOnLight: dark ink on a light background, ink -> 1.
	DarkOnLight Polarity = "dark_on_light"
	// LightOnDark: light ink on a dark background, ink -> luminance.
	LightOnDark Polarity = "light_on_dark"
)

// ParsePolarity validates a polarity name.
func ParsePolarity(s string) (Polarity, error) {
	switch p := Polarity(s); p {
	case DarkOnLight, LightOnDark:
		return p, nil
	}
	return "", fmt.Errorf("unknown ink polarity %q", s)
}

// OutputKind says whether an artifact emits logits or a probability
// distribution.
type OutputKind string

const (
	Logits        OutputKind = "logits"
	Probabilities OutputKind = "probabilities"
)

// ParseOutputKind validates an output kind name.
func ParseOutputKind(s string) (OutputKind, error) {
	switch k := OutputKind(s); k {
	case Logits, Probabilities:
		return k, nil
	}
	return "", fmt.Errorf("unknown output kind %q", s)
}

// PredictionRequest is a raw, already-normalized tensor.
type PredictionRequest struct {
	Image []float32 `json:"image"`
}

// Guess is one ranked class.
type Guess struct {
	Label       string  `json:"label"`
	Index       int     `json:"index"`
	Probability float64 `json:"probability"`
}

// PredictionResponse is the wire form of a ranked classification.
type PredictionResponse struct {
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
	Top        []Guess `json:"top"`
	Generation uint64  `json:"generation,omitempty"`
}
