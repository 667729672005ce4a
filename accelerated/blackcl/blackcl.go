//go:build opencl

// Package blackcl runs the kernel program on the default OpenCL device
// through gitlab.com/microo8/blackcl.
package blackcl

import (
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/haormj/cnn/accelerated"
	"gitlab.com/microo8/blackcl"
)

type OpenCL struct{}

func New() *OpenCL {
	return &OpenCL{}
}

// Name implements accelerated.Driver.
func (*OpenCL) Name() string {
	return "blackcl"
}

// Open implements accelerated.Driver. blackcl only exposes the default
// device, so ordinal must be 0.
func (*OpenCL) Open(ordinal int) (accelerated.Context, error) {
	if ordinal != 0 {
		return nil, fmt.Errorf("%w: accelerated/blackcl: ordinal %d, only the default device is addressable", accelerated.ErrNoDevice, ordinal)
	}
	device, err := blackcl.GetDefaultDevice()
	if err != nil {
		return nil, fmt.Errorf("%w: accelerated/blackcl: failed to get default device: %v", accelerated.ErrNoDevice, err)
	}
	return &Context{device: device}, nil
}

// guard turns a panic raised inside blackcl into an error.
func guard(op string, fn func()) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			if recErr, ok := rec.(error); ok {
				err = fmt.Errorf("accelerated/blackcl: %s failed: %w", op, recErr)
				return
			}
			err = fmt.Errorf("accelerated/blackcl: %s failed: %v", op, rec)
		}
	}()
	fn()
	return nil
}

type Context struct {
	device *blackcl.Device
	loaded bool
}

// Device implements accelerated.Context.
func (c *Context) Device() string {
	return "blackcl:0"
}

// LoadModule implements accelerated.Context. A blackcl device holds one
// program; kernels are looked up lazily by Function.
func (c *Context) LoadModule(program []byte) (accelerated.Module, error) {
	if c.loaded {
		return nil, errors.New("accelerated/blackcl: program already loaded")
	}
	if err := guard("program build", func() { c.device.AddProgram(string(program)) }); err != nil {
		return nil, err
	}
	c.loaded = true
	return &Module{device: c.device}, nil
}

// NewStream implements accelerated.Context.
func (c *Context) NewStream() (accelerated.Stream, error) {
	return &Stream{}, nil
}

// Alloc implements accelerated.Context.
func (c *Context) Alloc(n int) (accelerated.Buffer, error) {
	if n <= 0 {
		return nil, fmt.Errorf("accelerated/blackcl: alloc size must be > 0, got %d", n)
	}
	vec, err := c.device.NewVector(n)
	if err != nil {
		return nil, fmt.Errorf("accelerated/blackcl: failed to create buffer: %w", err)
	}
	zero := make([]float32, n)
	err = <-vec.Copy(zero)
	runtime.KeepAlive(zero)
	if err != nil {
		vec.Release()
		return nil, fmt.Errorf("accelerated/blackcl: failed to zero buffer: %w", err)
	}
	return &Buffer{vec: vec, n: n}, nil
}

// Release implements accelerated.Context.
func (c *Context) Release() error {
	if err := c.device.Release(); err != nil {
		return fmt.Errorf("accelerated/blackcl: failed to release device: %w", err)
	}
	return nil
}

type Module struct {
	device *blackcl.Device
}

// Function implements accelerated.Module.
func (m *Module) Function(name string) (accelerated.Function, error) {
	var k *blackcl.Kernel
	if err := guard("kernel lookup", func() { k = m.device.Kernel(name) }); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", accelerated.ErrUnknownKernel, name, err)
	}
	return &Function{name: name, kernel: k}, nil
}

// Release implements accelerated.Module. Programs live as long as the device.
func (m *Module) Release() error {
	return nil
}

type Function struct {
	name   string
	kernel *blackcl.Kernel
}

// Name implements accelerated.Function.
func (f *Function) Name() string {
	return f.name
}

type Buffer struct {
	vec *blackcl.Vector
	n   int
}

// Len implements accelerated.Buffer.
func (b *Buffer) Len() int {
	return b.n
}

// Release implements accelerated.Buffer.
func (b *Buffer) Release() error {
	b.vec.Release()
	return nil
}

// Stream collects the completion channels blackcl returns for copies and
// kernel runs; Synchronize drains them in submission order.
type Stream struct {
	mu      sync.Mutex
	pending []command
}

// command is one queued operation. staged is the host slice a non-blocking
// write reads from; it has to stay reachable until done fires.
type command struct {
	done   <-chan error
	staged []float32
}

func (s *Stream) push(cmd command) {
	s.mu.Lock()
	s.pending = append(s.pending, cmd)
	s.mu.Unlock()
}

// Upload implements accelerated.Stream.
func (s *Stream) Upload(dst accelerated.Buffer, src []float32) error {
	buf, ok := dst.(*Buffer)
	if !ok {
		return fmt.Errorf("accelerated/blackcl: foreign buffer %T", dst)
	}
	if len(src) > buf.n {
		return fmt.Errorf("accelerated/blackcl: upload of %d elements into buffer of %d", len(src), buf.n)
	}
	staged := append([]float32(nil), src...)
	s.push(command{done: buf.vec.Copy(staged), staged: staged})
	return nil
}

// Download implements accelerated.Stream.
func (s *Stream) Download(dst []float32, src accelerated.Buffer) error {
	buf, ok := src.(*Buffer)
	if !ok {
		return fmt.Errorf("accelerated/blackcl: foreign buffer %T", src)
	}
	if err := s.Synchronize(); err != nil {
		return err
	}
	data, err := buf.vec.Data()
	if err != nil {
		return fmt.Errorf("accelerated/blackcl: failed to read buffer: %w", err)
	}
	copy(dst, data)
	return nil
}

// Launch implements accelerated.Stream. The grid is flattened to an NDRange
// of grid*block work-items with block-sized work-groups.
func (s *Stream) Launch(fn accelerated.Function, grid, block accelerated.Dim3, args ...accelerated.Buffer) error {
	f, ok := fn.(*Function)
	if !ok {
		return fmt.Errorf("%w: foreign function %T", accelerated.ErrUnknownKernel, fn)
	}
	if err := accelerated.Validate(grid, block); err != nil {
		return err
	}
	vecs := make([]interface{}, len(args))
	for i, a := range args {
		buf, ok := a.(*Buffer)
		if !ok {
			return fmt.Errorf("accelerated/blackcl: %s argument %d: foreign buffer %T", f.name, i, a)
		}
		vecs[i] = buf.vec
	}

	g, b := accelerated.Global(grid, block), block.Norm()
	var done <-chan error
	err := guard("launch "+f.name, func() {
		done = f.kernel.Global(g.X, g.Y, g.Z).Local(b.X, b.Y, b.Z).Run(vecs...)
	})
	if err != nil {
		return err
	}
	s.push(command{done: done})
	return nil
}

// Synchronize implements accelerated.Stream.
func (s *Stream) Synchronize() error {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	var first error
	for _, cmd := range pending {
		if err := <-cmd.done; err != nil && first == nil {
			first = fmt.Errorf("accelerated/blackcl: %w", err)
		}
		runtime.KeepAlive(cmd.staged)
	}
	return first
}

// Release implements accelerated.Stream.
func (s *Stream) Release() error {
	return s.Synchronize()
}

var (
	_ accelerated.Driver  = &OpenCL{}
	_ accelerated.Context = &Context{}
	_ accelerated.Stream  = &Stream{}
)
