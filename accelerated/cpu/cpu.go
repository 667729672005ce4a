// Package cpu is a software accelerator. It keeps the device contract of the
// hardware backends (asynchronous in-order stream, zeroed allocations,
// ordered teardown) and runs the kernels on host goroutines.
package cpu

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/haormj/cnn/accelerated"
	"github.com/haormj/cnn/accelerated/opencl"
)

// Op names a device call that can be made to fail with WithFault.
type Op string

const (
	OpOpen     Op = "open"
	OpLoad     Op = "load"
	OpStream   Op = "stream"
	OpAlloc    Op = "alloc"
	OpUpload   Op = "upload"
	OpDownload Op = "download"
	OpLaunch   Op = "launch"
	OpExec     Op = "exec"
	OpSync     Op = "sync"
)

type Option func(*CPU)

// WithDevices sets how many devices the driver reports. Zero models a host
// without an accelerator.
func WithDevices(n int) Option {
	return func(c *CPU) { c.devices = n }
}

// WithWorkers bounds the goroutines executing work-groups of one launch.
func WithWorkers(n int) Option {
	return func(c *CPU) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithFault makes every call of op fail with err. OpExec faults surface at
// the next Synchronize or Download, like an asynchronous device fault.
func WithFault(op Op, err error) Option {
	return func(c *CPU) { c.faults[op] = err }
}

type CPU struct {
	devices int
	workers int
	faults  map[Op]error
}

func New(opts ...Option) *CPU {
	c := &CPU{
		devices: 1,
		workers: runtime.GOMAXPROCS(0),
		faults:  make(map[Op]error),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name implements accelerated.Driver.
func (*CPU) Name() string {
	return "cpu"
}

// Open implements accelerated.Driver.
func (c *CPU) Open(ordinal int) (accelerated.Context, error) {
	if err := c.fault(OpOpen); err != nil {
		return nil, err
	}
	if c.devices < 1 {
		return nil, accelerated.ErrNoDevice
	}
	if ordinal < 0 || ordinal >= c.devices {
		return nil, fmt.Errorf("%w: ordinal %d, have %d", accelerated.ErrNoDevice, ordinal, c.devices)
	}
	return &Context{cpu: c, ordinal: ordinal}, nil
}

func (c *CPU) fault(op Op) error {
	if err, ok := c.faults[op]; ok {
		return fmt.Errorf("cpu %s: %w", op, err)
	}
	return nil
}

// Context tracks every resource it hands out so a release out of order is
// reported instead of silently accepted.
type Context struct {
	cpu     *CPU
	ordinal int

	mu       sync.Mutex
	live     int
	released bool
}

// Device implements accelerated.Context.
func (c *Context) Device() string {
	return fmt.Sprintf("cpu:%d (%d workers)", c.ordinal, c.cpu.workers)
}

// Live returns the number of unreleased modules, streams and buffers.
func (c *Context) Live() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live
}

func (c *Context) acquire() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return accelerated.ErrReleased
	}
	c.live++
	return nil
}

func (c *Context) drop() {
	c.mu.Lock()
	c.live--
	c.mu.Unlock()
}

// LoadModule implements accelerated.Context. Every entry point declared in
// program must have a host implementation.
func (c *Context) LoadModule(program []byte) (accelerated.Module, error) {
	if err := c.cpu.fault(OpLoad); err != nil {
		return nil, err
	}
	names := opencl.Entries(program)
	if len(names) == 0 {
		return nil, errors.New("cpu: program declares no kernels")
	}
	m := &Module{ctx: c, fns: make(map[string]*Function, len(names))}
	for _, name := range names {
		k, ok := kernels[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s has no host implementation", accelerated.ErrUnknownKernel, name)
		}
		m.fns[name] = &Function{name: name, kernel: k}
	}
	if err := c.acquire(); err != nil {
		return nil, err
	}
	return m, nil
}

// NewStream implements accelerated.Context.
func (c *Context) NewStream() (accelerated.Stream, error) {
	if err := c.cpu.fault(OpStream); err != nil {
		return nil, err
	}
	if err := c.acquire(); err != nil {
		return nil, err
	}
	return newStream(c), nil
}

// Alloc implements accelerated.Context.
func (c *Context) Alloc(n int) (accelerated.Buffer, error) {
	if n <= 0 {
		return nil, fmt.Errorf("cpu: alloc size must be > 0, got %d", n)
	}
	if err := c.cpu.fault(OpAlloc); err != nil {
		return nil, err
	}
	if err := c.acquire(); err != nil {
		return nil, err
	}
	return &Buffer{ctx: c, data: make([]float32, n)}, nil
}

// Release implements accelerated.Context. Releasing with live resources
// still tears the context down but reports the leak.
func (c *Context) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return accelerated.ErrReleased
	}
	c.released = true
	if c.live != 0 {
		return fmt.Errorf("cpu: context released with %d live resources", c.live)
	}
	return nil
}

type Module struct {
	ctx      *Context
	fns      map[string]*Function
	released atomic.Bool
}

// Function implements accelerated.Module.
func (m *Module) Function(name string) (accelerated.Function, error) {
	if m.released.Load() {
		return nil, accelerated.ErrReleased
	}
	fn, ok := m.fns[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", accelerated.ErrUnknownKernel, name)
	}
	return fn, nil
}

// Release implements accelerated.Module.
func (m *Module) Release() error {
	if !m.released.CompareAndSwap(false, true) {
		return accelerated.ErrReleased
	}
	m.ctx.drop()
	return nil
}

type Function struct {
	name   string
	kernel kernel
}

// Name implements accelerated.Function.
func (f *Function) Name() string {
	return f.name
}

// Buffer keeps its storage after Release; commands already queued against
// it still complete.
type Buffer struct {
	ctx      *Context
	data     []float32
	released atomic.Bool
}

// Len implements accelerated.Buffer.
func (b *Buffer) Len() int {
	return len(b.data)
}

// Release implements accelerated.Buffer.
func (b *Buffer) Release() error {
	if !b.released.CompareAndSwap(false, true) {
		return accelerated.ErrReleased
	}
	b.ctx.drop()
	return nil
}

var (
	_ accelerated.Driver   = &CPU{}
	_ accelerated.Context  = &Context{}
	_ accelerated.Module   = &Module{}
	_ accelerated.Function = &Function{}
	_ accelerated.Buffer   = &Buffer{}
)
