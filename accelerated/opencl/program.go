// Package opencl holds the kernel program every backend loads. The OpenCL C
// body is embedded at build time; the dimension macros it depends on are
// generated from package cnn so host and device agree on every shape.
package opencl

import (
	_ "embed"
	"fmt"
	"regexp"

	"github.com/haormj/cnn/cnn"
)

//go:embed kernel.cl
var kernelSrc string

// Entry points defined by the program.
const (
	Convolution = "convolution"
	ReLU        = "relu"
	Output      = "output"
)

var header = fmt.Sprintf(`#define INPUT_DIM %d
#define FILTER_DIM %d
#define CONV_OUT_DIM %d
#define CONV_LAYER_SIZE %d
#define OUT_LAYER_SIZE %d
#define OUT_NEURON_DIM %d

`, cnn.InputDim, cnn.FilterDim, cnn.ConvOutDim, cnn.ConvLayerSize, cnn.OutLayerSize, cnn.OutNeuronDim)

// Source returns the complete program text.
func Source() string {
	return header + kernelSrc
}

// Program returns the program as the blob handed to Context.LoadModule.
func Program() []byte {
	return []byte(Source())
}

var entryRE = regexp.MustCompile(`__kernel\s+void\s+([A-Za-z_][A-Za-z0-9_]*)\s*\(`)

// Entries lists the kernel names declared in program, in order.
func Entries(program []byte) []string {
	var names []string
	for _, m := range entryRE.FindAllSubmatch(program, -1) {
		names = append(names, string(m[1]))
	}
	return names
}
