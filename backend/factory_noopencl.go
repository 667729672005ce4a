//go:build !opencl

package backend

import (
	"fmt"

	"github.com/haormj/cnn/accelerated"
)

func newBlackCL() (accelerated.Driver, error) {
	return nil, fmt.Errorf("%s: %w", BlackCL, errUnavailable)
}

func newGoOpenCL() (accelerated.Driver, error) {
	return nil, fmt.Errorf("%s: %w", GoOpenCL, errUnavailable)
}
