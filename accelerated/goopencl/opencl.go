//go:build opencl

// Package goopencl runs the kernel program on an OpenCL GPU through
// github.com/passkeyra/go-opencl.
package goopencl

import (
	"fmt"
	"unsafe"

	"github.com/haormj/cnn/accelerated"
	"github.com/passkeyra/go-opencl/opencl"
)

const (
	f32Size = uint64(unsafe.Sizeof(float32(0)))
	ptrSize = uint64(unsafe.Sizeof(uintptr(0)))
)

type OpenCL struct {
	deviceType opencl.DeviceType
}

func New() *OpenCL {
	return &OpenCL{deviceType: opencl.DeviceTypeGPU}
}

// Name implements accelerated.Driver.
func (*OpenCL) Name() string {
	return "goopencl"
}

// availableDevices returns every available OpenCL device of type deviceType.
func availableDevices(deviceType opencl.DeviceType) ([]opencl.Device, error) {
	platforms, err := opencl.GetPlatforms()
	if err != nil {
		return nil, fmt.Errorf("opencl/go-opencl: failed to list platforms: %w", err)
	}

	var found []opencl.Device
	for _, platform := range platforms {
		devices, err := platform.GetDevices(deviceType)
		if err != nil {
			continue
		}

		for _, device := range devices {
			var available bool
			if err := device.GetInfo(opencl.DeviceAvailable, &available); err == nil && available {
				found = append(found, device)
			}
		}
	}
	return found, nil
}

// Open implements accelerated.Driver.
func (o *OpenCL) Open(ordinal int) (accelerated.Context, error) {
	devices, err := availableDevices(o.deviceType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", accelerated.ErrNoDevice, err)
	}
	if ordinal < 0 || ordinal >= len(devices) {
		return nil, fmt.Errorf("%w: opencl/go-opencl: ordinal %d, have %d", accelerated.ErrNoDevice, ordinal, len(devices))
	}

	device := devices[ordinal]
	context, err := device.CreateContext()
	if err != nil {
		return nil, fmt.Errorf("opencl/go-opencl: failed to create context: %w", err)
	}
	queue, err := context.CreateCommandQueue(device)
	if err != nil {
		context.Release()
		return nil, fmt.Errorf("opencl/go-opencl: failed to create command queue: %w", err)
	}
	return &Context{ordinal: ordinal, device: device, context: context, queue: queue}, nil
}

type Context struct {
	ordinal int
	device  opencl.Device
	context opencl.Context
	// queue zeroes new buffers; streams get their own queues.
	queue opencl.CommandQueue
}

// Device implements accelerated.Context.
func (c *Context) Device() string {
	return fmt.Sprintf("goopencl:%d", c.ordinal)
}

// LoadModule implements accelerated.Context.
func (c *Context) LoadModule(program []byte) (accelerated.Module, error) {
	prog, err := c.context.CreateProgramWithSource(string(program))
	if err != nil {
		return nil, fmt.Errorf("opencl/go-opencl: failed to create program: %w", err)
	}
	if err := prog.Build(c.device, nil); err != nil {
		prog.Release()
		return nil, fmt.Errorf("opencl/go-opencl: failed to build program: %w", err)
	}
	return &Module{program: prog, kernels: make(map[string]*Function)}, nil
}

// NewStream implements accelerated.Context. The queue is in-order; a
// one-element fence buffer lets Synchronize block on a read issued behind
// every earlier command.
func (c *Context) NewStream() (accelerated.Stream, error) {
	queue, err := c.context.CreateCommandQueue(c.device)
	if err != nil {
		return nil, fmt.Errorf("opencl/go-opencl: failed to create command queue: %w", err)
	}
	fence, err := c.context.CreateBuffer([]opencl.MemFlags{opencl.MemReadWrite}, f32Size)
	if err != nil {
		queue.Release()
		return nil, fmt.Errorf("opencl/go-opencl: failed to create fence buffer: %w", err)
	}
	return &Stream{queue: queue, fence: fence}, nil
}

// Alloc implements accelerated.Context. The zeroing write blocks, so the
// allocation is complete when Alloc returns.
func (c *Context) Alloc(n int) (accelerated.Buffer, error) {
	if n <= 0 {
		return nil, fmt.Errorf("opencl/go-opencl: alloc size must be > 0, got %d", n)
	}
	buf, err := c.context.CreateBuffer([]opencl.MemFlags{opencl.MemReadWrite}, uint64(n)*f32Size)
	if err != nil {
		return nil, fmt.Errorf("opencl/go-opencl: failed to create buffer: %w", err)
	}
	if err := c.queue.EnqueueWriteBuffer(buf, true, make([]float32, n)); err != nil {
		buf.Release()
		return nil, fmt.Errorf("opencl/go-opencl: failed to zero buffer: %w", err)
	}
	return &Buffer{buf: buf, n: n}, nil
}

// Release implements accelerated.Context.
func (c *Context) Release() error {
	c.queue.Release()
	c.context.Release()
	return nil
}

type Module struct {
	program opencl.Program
	kernels map[string]*Function
}

// Function implements accelerated.Module.
func (m *Module) Function(name string) (accelerated.Function, error) {
	if fn, ok := m.kernels[name]; ok {
		return fn, nil
	}
	kernel, err := m.program.CreateKernel(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", accelerated.ErrUnknownKernel, name, err)
	}
	fn := &Function{name: name, kernel: kernel}
	m.kernels[name] = fn
	return fn, nil
}

// Release implements accelerated.Module.
func (m *Module) Release() error {
	for _, fn := range m.kernels {
		fn.kernel.Release()
	}
	m.kernels = nil
	m.program.Release()
	return nil
}

type Function struct {
	name   string
	kernel opencl.Kernel
}

// Name implements accelerated.Function.
func (f *Function) Name() string {
	return f.name
}

type Buffer struct {
	buf opencl.Buffer
	n   int
}

// Len implements accelerated.Buffer.
func (b *Buffer) Len() int {
	return b.n
}

// Release implements accelerated.Buffer.
func (b *Buffer) Release() error {
	b.buf.Release()
	return nil
}

type Stream struct {
	queue opencl.CommandQueue
	fence opencl.Buffer
}

func asBuffer(b accelerated.Buffer) (*Buffer, error) {
	buf, ok := b.(*Buffer)
	if !ok {
		return nil, fmt.Errorf("opencl/go-opencl: foreign buffer %T", b)
	}
	return buf, nil
}

// Upload implements accelerated.Stream. go-opencl copies from Go memory, so
// the write is blocking.
func (s *Stream) Upload(dst accelerated.Buffer, src []float32) error {
	buf, err := asBuffer(dst)
	if err != nil {
		return err
	}
	if len(src) > buf.n {
		return fmt.Errorf("opencl/go-opencl: upload of %d elements into buffer of %d", len(src), buf.n)
	}
	if err := s.queue.EnqueueWriteBuffer(buf.buf, true, src); err != nil {
		return fmt.Errorf("opencl/go-opencl: failed to write buffer: %w", err)
	}
	return nil
}

// Download implements accelerated.Stream.
func (s *Stream) Download(dst []float32, src accelerated.Buffer) error {
	buf, err := asBuffer(src)
	if err != nil {
		return err
	}
	if len(dst) > buf.n {
		return fmt.Errorf("opencl/go-opencl: download of %d elements from buffer of %d", len(dst), buf.n)
	}
	if err := s.queue.EnqueueReadBuffer(buf.buf, true, dst); err != nil {
		return fmt.Errorf("opencl/go-opencl: failed to read buffer: %w", err)
	}
	return nil
}

// Launch implements accelerated.Stream. go-opencl leaves the work-group
// size to the runtime; the kernels index by global id only.
func (s *Stream) Launch(fn accelerated.Function, grid, block accelerated.Dim3, args ...accelerated.Buffer) error {
	f, ok := fn.(*Function)
	if !ok {
		return fmt.Errorf("%w: foreign function %T", accelerated.ErrUnknownKernel, fn)
	}
	if err := accelerated.Validate(grid, block); err != nil {
		return err
	}
	for i, a := range args {
		buf, err := asBuffer(a)
		if err != nil {
			return err
		}
		if err := f.kernel.SetArg(uint32(i), ptrSize, &buf.buf); err != nil {
			return fmt.Errorf("opencl/go-opencl: %s argument %d: %w", f.name, i, err)
		}
	}

	g := accelerated.Global(grid, block)
	if err := s.queue.EnqueueNDRangeKernel(f.kernel, 3, []uint64{uint64(g.X), uint64(g.Y), uint64(g.Z)}); err != nil {
		return fmt.Errorf("opencl/go-opencl: failed to enqueue %s: %w", f.name, err)
	}
	return nil
}

// Synchronize implements accelerated.Stream.
func (s *Stream) Synchronize() error {
	var sink [1]float32
	if err := s.queue.EnqueueReadBuffer(s.fence, true, sink[:]); err != nil {
		return fmt.Errorf("opencl/go-opencl: synchronize: %w", err)
	}
	return nil
}

// Release implements accelerated.Stream.
func (s *Stream) Release() error {
	err := s.Synchronize()
	s.fence.Release()
	s.queue.Release()
	return err
}

var (
	_ accelerated.Driver  = &OpenCL{}
	_ accelerated.Context = &Context{}
	_ accelerated.Stream  = &Stream{}
)
