package cpu

import (
	"github.com/haormj/cnn/accelerated"
	"github.com/haormj/cnn/accelerated/opencl"
	"github.com/haormj/cnn/cnn"
)

// kernel is the host form of a program entry point. run is called once per
// work-item with its work-group index, its index inside the group and the
// group shape; it mirrors the OpenCL body of the same name.
type kernel struct {
	// minimum element count of each argument buffer
	lens []int
	run  func(block, thread, dim accelerated.Dim3, args [][]float32)
}

var kernels = map[string]kernel{
	opencl.Convolution: {
		lens: []int{cnn.InputLen, cnn.ConvLayerLen, cnn.ConvOutputLen},
		run:  convolution,
	},
	opencl.ReLU: {
		lens: []int{cnn.ConvOutputLen},
		run:  relu,
	},
	opencl.Output: {
		lens: []int{cnn.ConvOutputLen, cnn.OutputLayerLen, cnn.OutputLen},
		run:  output,
	},
}

func convIndex(block, thread accelerated.Dim3) (int, bool) {
	f, row, col := thread.X, block.Y, block.X
	if f >= cnn.ConvLayerSize || row >= cnn.ConvOutDim || col >= cnn.ConvOutDim {
		return 0, false
	}
	return (f*cnn.ConvOutDim+row)*cnn.ConvOutDim + col, true
}

func convolution(block, thread, _ accelerated.Dim3, args [][]float32) {
	idx, ok := convIndex(block, thread)
	if !ok {
		return
	}
	args[2][idx] = cnn.ConvAt(args[0], args[1], thread.X, block.Y, block.X)
}

func relu(block, thread, _ accelerated.Dim3, args [][]float32) {
	idx, ok := convIndex(block, thread)
	if !ok {
		return
	}
	args[0][idx] = cnn.ReLU(args[0][idx])
}

func output(block, thread, dim accelerated.Dim3, args [][]float32) {
	n := block.X*dim.X + thread.X
	if n >= cnn.OutLayerSize {
		return
	}
	args[2][n] = cnn.NeuronAt(args[0], args[1], n)
}
