//go:build opencl

package backend

import (
	"github.com/haormj/cnn/accelerated"
	"github.com/haormj/cnn/accelerated/blackcl"
	"github.com/haormj/cnn/accelerated/goopencl"
)

func newBlackCL() (accelerated.Driver, error) {
	return blackcl.New(), nil
}

func newGoOpenCL() (accelerated.Driver, error) {
	return goopencl.New(), nil
}
