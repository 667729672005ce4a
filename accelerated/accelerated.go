// Package accelerated is the host view of an accelerator: a context owning
// device memory, modules loaded from a kernel program, and an in-order
// asynchronous stream that copies data and launches kernels.
package accelerated

import (
	"errors"
	"fmt"
)

var (
	ErrNoDevice       = errors.New("accelerated: no compatible device")
	ErrReleased       = errors.New("accelerated: use of released resource")
	ErrUnknownKernel  = errors.New("accelerated: unknown kernel")
	ErrLaunchGeometry = errors.New("accelerated: invalid launch geometry")
)

// Dim3 is a grid or work-group shape. Zero components count as 1.
type Dim3 struct {
	X, Y, Z int
}

// Norm replaces zero components with 1.
func (d Dim3) Norm() Dim3 {
	if d.X == 0 {
		d.X = 1
	}
	if d.Y == 0 {
		d.Y = 1
	}
	if d.Z == 0 {
		d.Z = 1
	}
	return d
}

// Size is the number of elements in d.
func (d Dim3) Size() int {
	n := d.Norm()
	return n.X * n.Y * n.Z
}

// Global returns the total work size of grid blocks of shape block, per axis.
func Global(grid, block Dim3) Dim3 {
	g, b := grid.Norm(), block.Norm()
	return Dim3{X: g.X * b.X, Y: g.Y * b.Y, Z: g.Z * b.Z}
}

// Validate rejects negative components.
func Validate(grid, block Dim3) error {
	for _, v := range []int{grid.X, grid.Y, grid.Z, block.X, block.Y, block.Z} {
		if v < 0 {
			return fmt.Errorf("%w: grid %v block %v", ErrLaunchGeometry, grid, block)
		}
	}
	return nil
}

// Driver selects a device and creates a context on it.
type Driver interface {
	Name() string
	Open(ordinal int) (Context, error)
}

// Context owns every resource it creates. Modules, streams and buffers must
// be released before the context itself.
type Context interface {
	Device() string
	LoadModule(program []byte) (Module, error)
	NewStream() (Stream, error)
	// Alloc returns a zero-initialized buffer of n float32 elements.
	Alloc(n int) (Buffer, error)
	Release() error
}

type Module interface {
	Function(name string) (Function, error)
	Release() error
}

type Function interface {
	Name() string
}

// Stream is an in-order command queue. Upload and Launch may return before
// the device has finished; Synchronize waits for every queued command and
// reports the first execution fault.
type Stream interface {
	Upload(dst Buffer, src []float32) error
	// Download blocks until dst holds the contents of src.
	Download(dst []float32, src Buffer) error
	Launch(fn Function, grid, block Dim3, args ...Buffer) error
	Synchronize() error
	Release() error
}

type Buffer interface {
	Len() int
	Release() error
}
