package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/haormj/cnn/accelerated"
	"github.com/haormj/cnn/accelerated/opencl"
	"github.com/haormj/cnn/cnn"
)

// fakeDevice is a scripted accelerator. It records every call, defers
// kernel execution until Synchronize and checks that each stage only reads
// a buffer the previous stage has finished writing.
type fakeDevice struct {
	mu         sync.Mutex
	events     []string
	counts     map[string]int
	faults     map[string]fakeFault
	live       int
	nextBuf    int
	violations []string
	launches   []fakeLaunch
}

type fakeFault struct {
	nth int // 1-based occurrence that fails; 0 fails every occurrence
	err error
}

type fakeLaunch struct {
	name        string
	grid, block accelerated.Dim3
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		counts: make(map[string]int),
		faults: make(map[string]fakeFault),
	}
}

// failOn makes the nth occurrence of event fail (every one when nth is 0).
func (d *fakeDevice) failOn(event string, nth int, err error) *fakeDevice {
	d.faults[event] = fakeFault{nth: nth, err: err}
	return d
}

func (d *fakeDevice) record(event string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, event)
	d.counts[event]++
	if f, ok := d.faults[event]; ok && (f.nth == 0 || f.nth == d.counts[event]) {
		return f.err
	}
	return nil
}

func (d *fakeDevice) acquire() {
	d.mu.Lock()
	d.live++
	d.mu.Unlock()
}

func (d *fakeDevice) drop() {
	d.mu.Lock()
	d.live--
	d.mu.Unlock()
}

func (d *fakeDevice) violate(format string, args ...any) {
	d.mu.Lock()
	d.violations = append(d.violations, fmt.Sprintf(format, args...))
	d.mu.Unlock()
}

func (d *fakeDevice) Events() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.events...)
}

func (d *fakeDevice) Live() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.live
}

func (d *fakeDevice) Name() string { return "fake" }

func (d *fakeDevice) Open(int) (accelerated.Context, error) {
	if err := d.record("open"); err != nil {
		return nil, err
	}
	return &fakeContext{d: d}, nil
}

type fakeContext struct {
	d *fakeDevice
}

func (c *fakeContext) Device() string { return "fake:0" }

func (c *fakeContext) LoadModule(program []byte) (accelerated.Module, error) {
	if err := c.d.record("load"); err != nil {
		return nil, err
	}
	c.d.acquire()
	return &fakeModule{d: c.d, entries: opencl.Entries(program)}, nil
}

func (c *fakeContext) NewStream() (accelerated.Stream, error) {
	if err := c.d.record("stream"); err != nil {
		return nil, err
	}
	c.d.acquire()
	return &fakeStream{d: c.d}, nil
}

func (c *fakeContext) Alloc(n int) (accelerated.Buffer, error) {
	if err := c.d.record("alloc"); err != nil {
		return nil, err
	}
	c.d.mu.Lock()
	c.d.nextBuf++
	id := c.d.nextBuf
	c.d.live++
	c.d.mu.Unlock()
	return &fakeBuffer{d: c.d, id: id, data: make([]float32, n)}, nil
}

// Release reports resources still alive: releasing the context first is the
// fault the session must never commit.
func (c *fakeContext) Release() error {
	if err := c.d.record("release:context"); err != nil {
		return err
	}
	if live := c.d.Live(); live != 0 {
		c.d.violate("context released with %d live resources", live)
		return fmt.Errorf("invalid handle: %d live resources", live)
	}
	return nil
}

type fakeModule struct {
	d       *fakeDevice
	entries []string
}

func (m *fakeModule) Function(name string) (accelerated.Function, error) {
	if err := m.d.record("function:" + name); err != nil {
		return nil, err
	}
	for _, e := range m.entries {
		if e == name {
			return fakeFunction(name), nil
		}
	}
	return nil, accelerated.ErrUnknownKernel
}

func (m *fakeModule) Release() error {
	if err := m.d.record("release:module"); err != nil {
		return err
	}
	m.d.drop()
	return nil
}

type fakeFunction string

func (f fakeFunction) Name() string { return string(f) }

type fakeBuffer struct {
	d        *fakeDevice
	id       int
	data     []float32
	stage    string
	released bool
}

func (b *fakeBuffer) Len() int { return len(b.data) }

func (b *fakeBuffer) Release() error {
	if err := b.d.record(fmt.Sprintf("release:buf%d", b.id)); err != nil {
		return err
	}
	if b.released {
		return accelerated.ErrReleased
	}
	b.released = true
	b.d.drop()
	return nil
}

type fakeStream struct {
	d       *fakeDevice
	pending []func()
}

func (s *fakeStream) Upload(dst accelerated.Buffer, src []float32) error {
	if err := s.d.record("upload"); err != nil {
		return err
	}
	buf := dst.(*fakeBuffer)
	staged := append([]float32(nil), src...)
	s.pending = append(s.pending, func() {
		copy(buf.data, staged)
		buf.stage = "upload"
	})
	return nil
}

func (s *fakeStream) Download(dst []float32, src accelerated.Buffer) error {
	if err := s.d.record("download"); err != nil {
		return err
	}
	buf := src.(*fakeBuffer)
	if len(s.pending) != 0 {
		s.d.violate("download of buf%d with %d commands pending", buf.id, len(s.pending))
	}
	copy(dst, buf.data)
	return nil
}

// require flags a launch that reads buf before the producing stage has been
// synchronized.
func (s *fakeStream) require(kernel string, buf *fakeBuffer, stage string) {
	if buf.stage != stage {
		s.d.violate("%s launched while buf%d is at %q, want %q", kernel, buf.id, buf.stage, stage)
	}
}

func (s *fakeStream) Launch(fn accelerated.Function, grid, block accelerated.Dim3, args ...accelerated.Buffer) error {
	if err := s.d.record("launch:" + fn.Name()); err != nil {
		return err
	}
	s.d.mu.Lock()
	s.d.launches = append(s.d.launches, fakeLaunch{name: fn.Name(), grid: grid, block: block})
	s.d.mu.Unlock()

	bufs := make([]*fakeBuffer, len(args))
	for i, a := range args {
		bufs[i] = a.(*fakeBuffer)
	}

	switch fn.Name() {
	case opencl.Convolution:
		in, filters, out := bufs[0], bufs[1], bufs[2]
		s.pending = append(s.pending, func() {
			for f := 0; f < cnn.ConvLayerSize; f++ {
				for row := 0; row < cnn.ConvOutDim; row++ {
					for col := 0; col < cnn.ConvOutDim; col++ {
						out.data[(f*cnn.ConvOutDim+row)*cnn.ConvOutDim+col] = cnn.ConvAt(in.data, filters.data, f, row, col)
					}
				}
			}
			out.stage = opencl.Convolution
		})
	case opencl.ReLU:
		buf := bufs[0]
		s.require(fn.Name(), buf, opencl.Convolution)
		s.pending = append(s.pending, func() {
			for i, v := range buf.data {
				buf.data[i] = cnn.ReLU(v)
			}
			buf.stage = opencl.ReLU
		})
	case opencl.Output:
		conv, weights, out := bufs[0], bufs[1], bufs[2]
		s.require(fn.Name(), conv, opencl.ReLU)
		s.pending = append(s.pending, func() {
			for n := 0; n < cnn.OutLayerSize; n++ {
				out.data[n] = cnn.NeuronAt(conv.data, weights.data, n)
			}
			out.stage = opencl.Output
		})
	default:
		return errors.New("fake: unexpected kernel " + fn.Name())
	}
	return nil
}

func (s *fakeStream) Synchronize() error {
	if err := s.d.record("sync"); err != nil {
		s.pending = nil
		return err
	}
	for _, cmd := range s.pending {
		cmd()
	}
	s.pending = nil
	return nil
}

func (s *fakeStream) Release() error {
	if err := s.d.record("release:stream"); err != nil {
		return err
	}
	s.d.drop()
	return nil
}
