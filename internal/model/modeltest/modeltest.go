// Package modeltest writes small TF.js layers artifacts to disk for tests.
package modeltest

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
)

// Weight is one named tensor.
type Weight struct {
	Name   string
	Shape  []int
	Values []float32
}

// Layer is one entry of a Sequential topology.
type Layer struct {
	Class   string
	Config  map[string]any
	Weights []Weight
}

// Artifact describes a layers-model artifact.
type Artifact struct {
	InputSize  int
	NumClasses int
	Classes    []string
	Layers     []Layer
	// WeightPrefix is prepended to every weight name, e.g. "sequential/".
	WeightPrefix string
	Output       string
	InkPolarity  string
	// Shards splits the weight data into this many files.
	Shards int
}

// Linear returns Flatten -> Dense(units) over an n×n×1 input. kernel is
// laid out [n*n, units].
func Linear(n, units int, kernel, bias []float32) Artifact {
	return Artifact{
		InputSize:  n,
		NumClasses: units,
		Layers: []Layer{
			{Class: "Flatten", Config: map[string]any{"name": "flatten"}},
			{
				Class:  "Dense",
				Config: map[string]any{"name": "dense", "units": units, "activation": "linear", "use_bias": true},
				Weights: []Weight{
					{Name: "dense/kernel", Shape: []int{n * n, units}, Values: kernel},
					{Name: "dense/bias", Shape: []int{units}, Values: bias},
				},
			},
		},
	}
}

// Write creates root/id/{metadata.json,model.json,*.bin}.
func Write(root, id string, a Artifact) error {
	dir := filepath.Join(root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	var (
		layers []map[string]any
		specs  []map[string]any
		data   []byte
	)
	for _, l := range a.Layers {
		cfg := l.Config
		if cfg == nil {
			cfg = map[string]any{}
		}
		layers = append(layers, map[string]any{"class_name": l.Class, "config": cfg})
		for _, w := range l.Weights {
			specs = append(specs, map[string]any{
				"name":  a.WeightPrefix + w.Name,
				"shape": w.Shape,
				"dtype": "float32",
			})
			for _, v := range w.Values {
				data = binary.LittleEndian.AppendUint32(data, math.Float32bits(v))
			}
		}
	}

	shards := max(a.Shards, 1)
	var paths []string
	chunk := (len(data) + shards - 1) / shards
	for i := 0; i < shards; i++ {
		name := fmt.Sprintf("group1-shard%dof%d.bin", i+1, shards)
		lo, hi := min(i*chunk, len(data)), min((i+1)*chunk, len(data))
		if err := os.WriteFile(filepath.Join(dir, name), data[lo:hi], 0o644); err != nil {
			return err
		}
		paths = append(paths, name)
	}

	modelJSON := map[string]any{
		"format": "layers-model",
		"modelTopology": map[string]any{
			"class_name": "Sequential",
			"config":     map[string]any{"name": "sequential", "layers": layers},
		},
		"weightsManifest": []map[string]any{{"paths": paths, "weights": specs}},
	}
	if err := writeJSON(filepath.Join(dir, "model.json"), modelJSON); err != nil {
		return err
	}

	meta := map[string]any{
		"input_shape":  []int{-1, a.InputSize, a.InputSize, 1},
		"output_shape": []int{-1, a.NumClasses},
		"image_size":   a.InputSize,
		"format":       "layers",
		"model_file":   "model.json",
	}
	if len(a.Classes) > 0 {
		meta["classes"] = a.Classes
	}
	if a.Output != "" {
		meta["output"] = a.Output
	}
	if a.InkPolarity != "" {
		meta["ink_polarity"] = a.InkPolarity
	}
	return writeJSON(filepath.Join(dir, "metadata.json"), meta)
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
