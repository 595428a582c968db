package model

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"path"
	"strings"
	"sync"
)

// layersModel is the TF.js layers-model file (model.json).
type layersModel struct {
	Format          string          `json:"format"`
	ModelTopology   json.RawMessage `json:"modelTopology"`
	WeightsManifest []weightGroup   `json:"weightsManifest"`
}

type weightGroup struct {
	Paths   []string     `json:"paths"`
	Weights []weightSpec `json:"weights"`
}

type weightSpec struct {
	Name         string          `json:"name"`
	Shape        []int           `json:"shape"`
	DType        string          `json:"dtype"`
	Quantization json.RawMessage `json:"quantization,omitempty"`
}

type topology struct {
	ClassName   string          `json:"class_name"`
	Config      json.RawMessage `json:"config"`
	ModelConfig *topology       `json:"model_config"`
}

type layerSpec struct {
	ClassName string      `json:"class_name"`
	Config    layerConfig `json:"config"`
}

type layerConfig struct {
	Name         string   `json:"name"`
	Units        int      `json:"units"`
	Filters      int      `json:"filters"`
	KernelSize   flexInts `json:"kernel_size"`
	Strides      flexInts `json:"strides"`
	PoolSize     flexInts `json:"pool_size"`
	DilationRate flexInts `json:"dilation_rate"`
	Padding      string   `json:"padding"`
	Activation   string   `json:"activation"`
	UseBias      *bool    `json:"use_bias"`
	DataFormat   string   `json:"data_format"`
	TargetShape  []int    `json:"target_shape"`
	Epsilon      float64  `json:"epsilon"`
	Center       *bool    `json:"center"`
	Scale        *bool    `json:"scale"`
}

// flexInts accepts either a scalar or a list, as Keras configs do.
type flexInts []int

func (f *flexInts) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = nil
		return nil
	}
	if len(b) > 0 && b[0] == '[' {
		var v []int
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*f = v
		return nil
	}
	var n int
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexInts{n, n}
	return nil
}

func (f flexInts) pair(def int) (int, int) {
	switch len(f) {
	case 0:
		return def, def
	case 1:
		return f[0], f[0]
	default:
		return f[0], f[1]
	}
}

// weights holds decoded float32 weights by name.
type weights map[string][]float32

// lookup finds layer/param, tolerating a model-name scope in front of the
// layer name ("sequential/dense/kernel" for layer "dense").
func (w weights) lookup(layer, param string, size int) ([]float32, error) {
	key := layer + "/" + param
	v, ok := w[key]
	if !ok {
		var matches []string
		for name := range w {
			if strings.HasSuffix(name, "/"+key) {
				matches = append(matches, name)
			}
		}
		if len(matches) != 1 {
			return nil, fmt.Errorf("weight %s: found %d candidates", key, len(matches))
		}
		v = w[matches[0]]
	}
	if len(v) != size {
		return nil, fmt.Errorf("weight %s: want %d values, got %d", key, size, len(v))
	}
	return v, nil
}

// OpenLayers loads a TF.js layers model and compiles it into a pure-Go
// sequential executor.
func OpenLayers(ctx context.Context, src Source, artifact string, meta Metadata) (Runner, error) {
	raw, err := src.Fetch(ctx, artifact, meta.ModelFile)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", meta.ModelFile, err)
	}
	var lm layersModel
	if err := json.Unmarshal(raw, &lm); err != nil {
		return nil, fmt.Errorf("parse %s: %w", meta.ModelFile, err)
	}

	specs, err := parseTopology(lm.ModelTopology)
	if err != nil {
		return nil, err
	}
	w, err := loadWeights(ctx, src, artifact, path.Dir(meta.ModelFile), lm.WeightsManifest)
	if err != nil {
		return nil, err
	}
	if len(meta.InputShape) < 2 {
		return nil, fmt.Errorf("input shape %v has no sample dimensions", meta.InputShape)
	}
	in := make([]int, 0, len(meta.InputShape)-1)
	for _, d := range meta.InputShape[1:] {
		in = append(in, int(d))
	}
	return compileSequential(specs, w, in)
}

func parseTopology(raw json.RawMessage) ([]layerSpec, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("model.json has no modelTopology")
	}
	var top topology
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, fmt.Errorf("parse topology: %w", err)
	}
	if top.ModelConfig != nil {
		top = *top.ModelConfig
	}
	if top.ClassName != "Sequential" {
		return nil, fmt.Errorf("unsupported topology %q", top.ClassName)
	}

	var layers []layerSpec
	var wrapped struct {
		Layers []layerSpec `json:"layers"`
	}
	if err := json.Unmarshal(top.Config, &wrapped); err == nil && wrapped.Layers != nil {
		layers = wrapped.Layers
	} else if err := json.Unmarshal(top.Config, &layers); err != nil {
		return nil, fmt.Errorf("parse layers: %w", err)
	}
	if len(layers) == 0 {
		return nil, fmt.Errorf("sequential model has no layers")
	}
	return layers, nil
}

func loadWeights(ctx context.Context, src Source, artifact, dir string, groups []weightGroup) (weights, error) {
	w := make(weights)
	for _, g := range groups {
		var buf bytes.Buffer
		for _, p := range g.Paths {
			data, err := src.Fetch(ctx, artifact, path.Join(dir, p))
			if err != nil {
				return nil, fmt.Errorf("fetch weights %s: %w", p, err)
			}
			buf.Write(data)
		}
		data := buf.Bytes()
		off := 0
		for _, spec := range g.Weights {
			if spec.DType != "float32" || len(spec.Quantization) > 0 {
				return nil, fmt.Errorf("weight %s: unsupported dtype %s", spec.Name, spec.DType)
			}
			n := 1
			for _, d := range spec.Shape {
				n *= d
			}
			end := off + 4*n
			if end > len(data) {
				return nil, fmt.Errorf("weight %s: shard data truncated", spec.Name)
			}
			vals := make([]float32, n)
			for i := range vals {
				vals[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[off+4*i:]))
			}
			w[spec.Name] = vals
			off = end
		}
	}
	return w, nil
}

// layer is one compiled step of a sequential model.
type layer interface {
	forward(a *arena, in []float32) []float32
}

type step struct {
	name  string
	layer layer
	out   []int
}

type sequential struct {
	steps []step
}

func compileSequential(specs []layerSpec, w weights, in []int) (*sequential, error) {
	shape := append([]int(nil), in...)
	seq := &sequential{}
	for i, spec := range specs {
		c := spec.Config
		if c.Name == "" {
			c.Name = fmt.Sprintf("layer_%d", i)
		}
		if c.DataFormat != "" && c.DataFormat != "channels_last" {
			return nil, fmt.Errorf("layer %s: data format %s unsupported", c.Name, c.DataFormat)
		}

		l, out, err := buildLayer(spec.ClassName, c, w, shape)
		if err != nil {
			return nil, fmt.Errorf("layer %s (%s): %w", c.Name, spec.ClassName, err)
		}
		if l != nil {
			seq.steps = append(seq.steps, step{name: c.Name, layer: l, out: out})
		}
		shape = out
	}
	return seq, nil
}

func buildLayer(class string, c layerConfig, w weights, in []int) (layer, []int, error) {
	switch class {
	case "InputLayer", "Dropout", "SpatialDropout2D", "GaussianNoise":
		return nil, in, nil

	case "Flatten":
		return nil, []int{prod(in)}, nil

	case "Reshape":
		if prod(c.TargetShape) != prod(in) {
			return nil, nil, fmt.Errorf("cannot reshape %v to %v", in, c.TargetShape)
		}
		return nil, append([]int(nil), c.TargetShape...), nil

	case "Activation":
		act, err := activationFor(c.Activation)
		if err != nil {
			return nil, nil, err
		}
		return &activationLayer{act: act, width: in[len(in)-1]}, in, nil

	case "Dense":
		act, err := activationFor(c.Activation)
		if err != nil {
			return nil, nil, err
		}
		fanIn := in[len(in)-1]
		kernel, err := w.lookup(c.Name, "kernel", fanIn*c.Units)
		if err != nil {
			return nil, nil, err
		}
		var bias []float32
		if c.UseBias == nil || *c.UseBias {
			if bias, err = w.lookup(c.Name, "bias", c.Units); err != nil {
				return nil, nil, err
			}
		}
		out := append(append([]int(nil), in[:len(in)-1]...), c.Units)
		return &dense{kernel: kernel, bias: bias, in: fanIn, units: c.Units, act: act}, out, nil

	case "Conv2D":
		if len(in) != 3 {
			return nil, nil, fmt.Errorf("want HxWxC input, got %v", in)
		}
		if dh, dw := c.DilationRate.pair(1); dh != 1 || dw != 1 {
			return nil, nil, fmt.Errorf("dilation %dx%d unsupported", dh, dw)
		}
		act, err := activationFor(c.Activation)
		if err != nil {
			return nil, nil, err
		}
		kh, kw := c.KernelSize.pair(1)
		sh, sw := c.Strides.pair(1)
		g, err := newGeometry(in, kh, kw, sh, sw, c.Padding)
		if err != nil {
			return nil, nil, err
		}
		kernel, err := w.lookup(c.Name, "kernel", kh*kw*in[2]*c.Filters)
		if err != nil {
			return nil, nil, err
		}
		var bias []float32
		if c.UseBias == nil || *c.UseBias {
			if bias, err = w.lookup(c.Name, "bias", c.Filters); err != nil {
				return nil, nil, err
			}
		}
		l := &conv2d{geometry: g, filters: c.Filters, kernel: kernel, bias: bias, act: act}
		return l, []int{g.outH, g.outW, c.Filters}, nil

	case "MaxPooling2D", "AveragePooling2D":
		if len(in) != 3 {
			return nil, nil, fmt.Errorf("want HxWxC input, got %v", in)
		}
		ph, pw := c.PoolSize.pair(2)
		sh, sw := ph, pw
		if len(c.Strides) > 0 {
			sh, sw = c.Strides.pair(1)
		}
		g, err := newGeometry(in, ph, pw, sh, sw, c.Padding)
		if err != nil {
			return nil, nil, err
		}
		return &pool{geometry: g, max: class == "MaxPooling2D"}, []int{g.outH, g.outW, in[2]}, nil

	case "BatchNormalization":
		ch := in[len(in)-1]
		eps := c.Epsilon
		if eps == 0 {
			eps = 1e-3
		}
		mean, err := w.lookup(c.Name, "moving_mean", ch)
		if err != nil {
			return nil, nil, err
		}
		variance, err := w.lookup(c.Name, "moving_variance", ch)
		if err != nil {
			return nil, nil, err
		}
		bn := &batchNorm{scale: make([]float32, ch), shift: make([]float32, ch)}
		var gamma, beta []float32
		if c.Scale == nil || *c.Scale {
			if gamma, err = w.lookup(c.Name, "gamma", ch); err != nil {
				return nil, nil, err
			}
		}
		if c.Center == nil || *c.Center {
			if beta, err = w.lookup(c.Name, "beta", ch); err != nil {
				return nil, nil, err
			}
		}
		for i := 0; i < ch; i++ {
			s := float32(1 / math.Sqrt(float64(variance[i])+eps))
			if gamma != nil {
				s *= gamma[i]
			}
			bn.scale[i] = s
			bn.shift[i] = -mean[i] * s
			if beta != nil {
				bn.shift[i] += beta[i]
			}
		}
		return bn, in, nil
	}
	return nil, nil, fmt.Errorf("unsupported layer")
}

func prod(dims []int) int {
	n := 1
	for _, d := range dims {
		n *= d
	}
	return n
}

// Run executes the layers in order. Intermediate activations come from a
// pool and are returned to it before Run exits.
func (s *sequential) Run(ctx context.Context, input []float32) ([]float32, error) {
	a := &arena{}
	defer a.release()

	x := input
	for _, st := range s.steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		x = st.layer.forward(a, x)
	}
	return append([]float32(nil), x...), nil
}

func (s *sequential) Close() error { return nil }

// arena hands out pooled scratch buffers for one forward pass.
type arena struct {
	bufs []*[]float32
}

var scratch = sync.Pool{New: func() any { return new([]float32) }}

func (a *arena) alloc(n int) []float32 {
	p := scratch.Get().(*[]float32)
	if cap(*p) < n {
		*p = make([]float32, n)
	}
	*p = (*p)[:n]
	clear(*p)
	a.bufs = append(a.bufs, p)
	return *p
}

func (a *arena) release() {
	for _, p := range a.bufs {
		scratch.Put(p)
	}
	a.bufs = nil
}

type activation func([]float32)

func activationFor(name string) (activation, error) {
	switch name {
	case "", "linear":
		return func([]float32) {}, nil
	case "relu":
		return func(v []float32) {
			for i, x := range v {
				if x < 0 {
					v[i] = 0
				}
			}
		}, nil
	case "sigmoid":
		return func(v []float32) {
			for i, x := range v {
				v[i] = float32(1 / (1 + math.Exp(-float64(x))))
			}
		}, nil
	case "tanh":
		return func(v []float32) {
			for i, x := range v {
				v[i] = float32(math.Tanh(float64(x)))
			}
		}, nil
	case "softmax":
		return func(v []float32) {
			m := v[0]
			for _, x := range v {
				m = max(m, x)
			}
			var sum float64
			for i, x := range v {
				e := math.Exp(float64(x - m))
				v[i] = float32(e)
				sum += e
			}
			for i := range v {
				v[i] = float32(float64(v[i]) / sum)
			}
		}, nil
	}
	return nil, fmt.Errorf("unsupported activation %q", name)
}

// applyRows applies act to each width-sized row so that softmax works over
// the last axis.
func applyRows(act activation, v []float32, width int) {
	for off := 0; off+width <= len(v); off += width {
		act(v[off : off+width])
	}
}

type activationLayer struct {
	act   activation
	width int
}

func (l *activationLayer) forward(a *arena, in []float32) []float32 {
	out := a.alloc(len(in))
	copy(out, in)
	applyRows(l.act, out, l.width)
	return out
}

// dense applies kernel [in, units] over the last axis.
type dense struct {
	kernel []float32
	bias   []float32
	in     int
	units  int
	act    activation
}

func (d *dense) forward(a *arena, in []float32) []float32 {
	rows := len(in) / d.in
	out := a.alloc(rows * d.units)
	for r := 0; r < rows; r++ {
		x := in[r*d.in : (r+1)*d.in]
		y := out[r*d.units : (r+1)*d.units]
		if d.bias != nil {
			copy(y, d.bias)
		}
		for i, xi := range x {
			if xi == 0 {
				continue
			}
			row := d.kernel[i*d.units : (i+1)*d.units]
			for j, k := range row {
				y[j] += xi * k
			}
		}
	}
	applyRows(d.act, out, d.units)
	return out
}

// geometry is the sliding-window arithmetic shared by convolution and
// pooling, following TensorFlow's valid/same padding rules.
type geometry struct {
	inH, inW, inC  int
	kh, kw, sh, sw int
	outH, outW     int
	padT, padL     int
}

func newGeometry(in []int, kh, kw, sh, sw int, padding string) (geometry, error) {
	g := geometry{inH: in[0], inW: in[1], inC: in[2], kh: kh, kw: kw, sh: sh, sw: sw}
	if kh <= 0 || kw <= 0 || sh <= 0 || sw <= 0 {
		return g, fmt.Errorf("invalid window %dx%d stride %dx%d", kh, kw, sh, sw)
	}
	switch padding {
	case "", "valid":
		g.outH = (g.inH-kh)/sh + 1
		g.outW = (g.inW-kw)/sw + 1
	case "same":
		g.outH = (g.inH + sh - 1) / sh
		g.outW = (g.inW + sw - 1) / sw
		g.padT = max((g.outH-1)*sh+kh-g.inH, 0) / 2
		g.padL = max((g.outW-1)*sw+kw-g.inW, 0) / 2
	default:
		return g, fmt.Errorf("padding %q unsupported", padding)
	}
	if g.outH <= 0 || g.outW <= 0 {
		return g, fmt.Errorf("window %dx%d larger than input %dx%d", kh, kw, g.inH, g.inW)
	}
	return g, nil
}

type conv2d struct {
	geometry
	filters int
	kernel  []float32 // [kh, kw, inC, filters]
	bias    []float32
	act     activation
}

func (c *conv2d) forward(a *arena, in []float32) []float32 {
	out := a.alloc(c.outH * c.outW * c.filters)
	for oy := 0; oy < c.outH; oy++ {
		for ox := 0; ox < c.outW; ox++ {
			y := out[(oy*c.outW+ox)*c.filters:][:c.filters]
			if c.bias != nil {
				copy(y, c.bias)
			}
			for ky := 0; ky < c.kh; ky++ {
				iy := oy*c.sh + ky - c.padT
				if iy < 0 || iy >= c.inH {
					continue
				}
				for kx := 0; kx < c.kw; kx++ {
					ix := ox*c.sw + kx - c.padL
					if ix < 0 || ix >= c.inW {
						continue
					}
					px := in[(iy*c.inW+ix)*c.inC:][:c.inC]
					k := c.kernel[(ky*c.kw+kx)*c.inC*c.filters:]
					for ci, v := range px {
						if v == 0 {
							continue
						}
						row := k[ci*c.filters:][:c.filters]
						for f, kv := range row {
							y[f] += v * kv
						}
					}
				}
			}
		}
	}
	applyRows(c.act, out, c.filters)
	return out
}

type pool struct {
	geometry
	max bool
}

func (p *pool) forward(a *arena, in []float32) []float32 {
	out := a.alloc(p.outH * p.outW * p.inC)
	for oy := 0; oy < p.outH; oy++ {
		for ox := 0; ox < p.outW; ox++ {
			for ch := 0; ch < p.inC; ch++ {
				acc := float32(math.Inf(-1))
				if !p.max {
					acc = 0
				}
				n := 0
				for ky := 0; ky < p.kh; ky++ {
					iy := oy*p.sh + ky - p.padT
					if iy < 0 || iy >= p.inH {
						continue
					}
					for kx := 0; kx < p.kw; kx++ {
						ix := ox*p.sw + kx - p.padL
						if ix < 0 || ix >= p.inW {
							continue
						}
						v := in[(iy*p.inW+ix)*p.inC+ch]
						if p.max {
							acc = max(acc, v)
						} else {
							acc += v
						}
						n++
					}
				}
				if !p.max && n > 0 {
					acc /= float32(n)
				}
				out[(oy*p.outW+ox)*p.inC+ch] = acc
			}
		}
	}
	return out
}

type batchNorm struct {
	scale, shift []float32
}

func (b *batchNorm) forward(a *arena, in []float32) []float32 {
	out := a.alloc(len(in))
	ch := len(b.scale)
	for i, v := range in {
		c := i % ch
		out[i] = v*b.scale[c] + b.shift[c]
	}
	return out
}
