// Package cnn describes the fixed network shared by host and device code:
// its dimensions, the array types that are copied to the device verbatim,
// and a host reference forward pass.
package cnn

import (
	"math"
	"unsafe"
)

const (
	InputDim      = 100
	FilterDim     = 5
	ConvOutDim    = InputDim / FilterDim
	ConvLayerSize = 10
	OutLayerSize  = 10
	OutNeuronDim  = ConvLayerSize * ConvOutDim * ConvOutDim
)

// Flat element counts of the device buffers.
const (
	InputLen       = InputDim * InputDim
	ConvLayerLen   = ConvLayerSize * FilterDim * FilterDim
	ConvOutputLen  = OutNeuronDim
	OutputLayerLen = OutLayerSize * OutNeuronDim
	OutputLen      = OutLayerSize
)

type (
	InputMatrix [InputDim][InputDim]float32
	ConvLayer   [ConvLayerSize][FilterDim][FilterDim]float32
	ConvOutput  [ConvLayerSize][ConvOutDim][ConvOutDim]float32
	OutputLayer [OutLayerSize][OutNeuronDim]float32
	OutputVec   [OutLayerSize]float32
)

// Weights is the resident model: conv filters and the fully-connected layer.
type Weights struct {
	ConvLayer   ConvLayer
	OutputLayer OutputLayer
}

const f32 = unsafe.Sizeof(float32(0))

// Compile-time layout checks: the filters must tile the input exactly and
// every array type must be densely packed so its flat view is what the
// kernels index.
var (
	_ = [1]struct{}{}[InputDim%FilterDim]
	_ = [1]struct{}{}[unsafe.Sizeof(InputMatrix{})-InputLen*f32]
	_ = [1]struct{}{}[unsafe.Sizeof(ConvLayer{})-ConvLayerLen*f32]
	_ = [1]struct{}{}[unsafe.Sizeof(ConvOutput{})-ConvOutputLen*f32]
	_ = [1]struct{}{}[unsafe.Sizeof(OutputLayer{})-OutputLayerLen*f32]
	_ = [1]struct{}{}[unsafe.Sizeof(OutputVec{})-OutputLen*f32]
)

// Flat returns the row-major view of m. The slice aliases m.
func (m *InputMatrix) Flat() []float32 { return unsafe.Slice(&m[0][0], InputLen) }

func (c *ConvLayer) Flat() []float32 { return unsafe.Slice(&c[0][0][0], ConvLayerLen) }

func (c *ConvOutput) Flat() []float32 { return unsafe.Slice(&c[0][0][0], ConvOutputLen) }

func (o *OutputLayer) Flat() []float32 { return unsafe.Slice(&o[0][0], OutputLayerLen) }

func (v *OutputVec) Flat() []float32 { return v[:] }

// Argmax returns the index of the largest output. Ties go to the lower index.
func (v OutputVec) Argmax() int {
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}

// ConvAt computes one element of the convolution stage from flat buffers:
// filter f applied to the tile at (row, col).
func ConvAt(input, conv []float32, f, row, col int) float32 {
	var sum float32
	for i := 0; i < FilterDim; i++ {
		in := input[(row*FilterDim+i)*InputDim+col*FilterDim:]
		w := conv[(f*FilterDim+i)*FilterDim:]
		for j := 0; j < FilterDim; j++ {
			sum += in[j] * w[j]
		}
	}
	return sum
}

// NeuronAt computes output neuron n from the flat activated conv output.
func NeuronAt(conv, weights []float32, n int) float32 {
	w := weights[n*OutNeuronDim : (n+1)*OutNeuronDim]
	var sum float32
	for k, x := range conv[:OutNeuronDim] {
		sum += x * w[k]
	}
	return sum
}

// ReLU clamps negative values to zero.
func ReLU(x float32) float32 {
	if x < 0 {
		return 0
	}
	return x
}

// Compute runs the forward pass on the host. Device backends must agree
// with it.
func Compute(w *Weights, in *InputMatrix) OutputVec {
	var conv ConvOutput
	input, filters, out := in.Flat(), w.ConvLayer.Flat(), conv.Flat()
	for f := 0; f < ConvLayerSize; f++ {
		for row := 0; row < ConvOutDim; row++ {
			for col := 0; col < ConvOutDim; col++ {
				conv[f][row][col] = ConvAt(input, filters, f, row, col)
			}
		}
	}
	for i := range out {
		out[i] = ReLU(out[i])
	}

	var res OutputVec
	layer := w.OutputLayer.Flat()
	for n := range res {
		res[n] = NeuronAt(out, layer, n)
	}
	return res
}

func finite(v float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
