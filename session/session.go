// Package session runs the three-stage network on an accelerator. A Session
// owns a device context, the kernel module, one stream and the resident
// weights; Compute pushes one input through convolution, relu and output.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haormj/cnn/accelerated"
	"github.com/haormj/cnn/accelerated/opencl"
	"github.com/haormj/cnn/cnn"
	"github.com/haormj/cnn/logger"
)

// Launch shapes are fixed by the network: one work-group per conv output
// position with one work-item per filter, then a single group with one
// work-item per output neuron.
var (
	convGrid   = accelerated.Dim3{X: cnn.ConvOutDim, Y: cnn.ConvOutDim}
	convBlock  = accelerated.Dim3{X: cnn.ConvLayerSize}
	outputGrid = accelerated.Dim3{X: 1}
	outputBlk  = accelerated.Dim3{X: cnn.OutLayerSize}
)

type Option func(*options)

type options struct {
	log     logger.Logger
	ordinal int
	program []byte
}

func WithLogger(l logger.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithOrdinal selects the device the driver opens. Defaults to 0.
func WithOrdinal(n int) Option {
	return func(o *options) { o.ordinal = n }
}

// WithProgram replaces the embedded kernel program.
func WithProgram(program []byte) Option {
	return func(o *options) { o.program = program }
}

// Session is safe for concurrent use; Compute calls run one at a time.
type Session struct {
	id     string
	device string
	log    logger.Logger

	mu     sync.Mutex
	closed bool

	ctx         accelerated.Context
	module      accelerated.Module
	stream      accelerated.Stream
	convolution accelerated.Function
	relu        accelerated.Function
	output      accelerated.Function
	convLayer   accelerated.Buffer
	outputLayer accelerated.Buffer
}

// New opens a device through drv, loads the kernel program and uploads w.
// Any failure releases what was acquired and returns an ErrDeviceInit error.
func New(drv accelerated.Driver, w *cnn.Weights, opts ...Option) (*Session, error) {
	o := options{
		log:     logger.Discard(),
		program: opencl.Program(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if drv == nil {
		return nil, fail(ErrDeviceInit, "open device", errors.New("nil driver"))
	}
	if w == nil {
		return nil, fail(ErrDeviceInit, "load weights", errors.New("nil weights"))
	}

	s := &Session{id: uuid.NewString()}
	s.log = o.log.With("session", s.id, "driver", drv.Name())
	if err := s.init(drv, w, o); err != nil {
		if rerr := s.release(); rerr != nil {
			s.log.Warn("release after failed init", "err", rerr)
		}
		return nil, err
	}
	s.log = s.log.With("device", s.device)
	s.log.Info("session ready")
	return s, nil
}

func (s *Session) init(drv accelerated.Driver, w *cnn.Weights, o options) error {
	ctx, err := drv.Open(o.ordinal)
	if err != nil {
		return fail(ErrDeviceInit, fmt.Sprintf("open device %d", o.ordinal), err)
	}
	s.ctx = ctx
	s.device = ctx.Device()

	module, err := ctx.LoadModule(o.program)
	if err != nil {
		return fail(ErrDeviceInit, "load module", err)
	}
	s.module = module

	for _, k := range []struct {
		name string
		dst  *accelerated.Function
	}{
		{opencl.Convolution, &s.convolution},
		{opencl.ReLU, &s.relu},
		{opencl.Output, &s.output},
	} {
		fn, err := module.Function(k.name)
		if err != nil {
			return fail(ErrDeviceInit, "resolve "+k.name, err)
		}
		*k.dst = fn
	}

	stream, err := ctx.NewStream()
	if err != nil {
		return fail(ErrDeviceInit, "create stream", err)
	}
	s.stream = stream

	if s.convLayer, err = s.resident(w.ConvLayer.Flat()); err != nil {
		return fail(ErrDeviceInit, "upload conv layer", err)
	}
	if s.outputLayer, err = s.resident(w.OutputLayer.Flat()); err != nil {
		return fail(ErrDeviceInit, "upload output layer", err)
	}
	if err := stream.Synchronize(); err != nil {
		return fail(ErrDeviceInit, "upload weights", err)
	}
	return nil
}

// resident allocates a buffer holding vals. The buffer is released here if
// the upload cannot be queued.
func (s *Session) resident(vals []float32) (accelerated.Buffer, error) {
	buf, err := s.ctx.Alloc(len(vals))
	if err != nil {
		return nil, err
	}
	if err := s.stream.Upload(buf, vals); err != nil {
		_ = buf.Release()
		return nil, err
	}
	return buf, nil
}

// release frees device resources: weight buffers, stream and module first,
// the context last. Unset handles are skipped.
func (s *Session) release() error {
	var errs []error
	step := func(what string, r interface{ Release() error }) {
		if err := r.Release(); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", what, err))
		}
	}
	if s.outputLayer != nil {
		step("output layer", s.outputLayer)
		s.outputLayer = nil
	}
	if s.convLayer != nil {
		step("conv layer", s.convLayer)
		s.convLayer = nil
	}
	if s.stream != nil {
		step("stream", s.stream)
		s.stream = nil
	}
	s.convolution, s.relu, s.output = nil, nil, nil
	if s.module != nil {
		step("module", s.module)
		s.module = nil
	}
	if s.ctx != nil {
		step("context", s.ctx)
		s.ctx = nil
	}
	return errors.Join(errs...)
}

// ID identifies the session in logs.
func (s *Session) ID() string { return s.id }

// Device describes the device the session runs on.
func (s *Session) Device() string { return s.device }

// Close releases every device resource. It is safe to call more than once
// and concurrently with Compute.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.release()
	if err != nil {
		s.log.Error("session closed with errors", "err", err)
	} else {
		s.log.Info("session closed")
	}
	return err
}

// Compute runs one input through the network and returns the output layer.
// Each stage is waited for before the next one is queued: relu rewrites the
// convolution output in place and the output stage reads the result.
func (s *Session) Compute(in *cnn.InputMatrix) (cnn.OutputVec, error) {
	var res cnn.OutputVec
	if in == nil {
		return res, fail(ErrInvalidInput, "compute", errors.New("nil input"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return res, fail(ErrClosed, "compute", nil)
	}

	c := &call{s: s, start: time.Now()}
	err := c.run(in, &res)
	if rerr := c.cleanup(err != nil); rerr != nil {
		s.log.Warn("release transient buffers", "err", rerr)
	}
	if err != nil {
		s.log.Debug("compute failed", "err", err, "took", time.Since(c.start))
		return cnn.OutputVec{}, err
	}
	s.log.Debug("compute done", "took", time.Since(c.start), "argmax", res.Argmax())
	return res, nil
}

// call holds the per-input buffers of one Compute.
type call struct {
	s         *Session
	start     time.Time
	transient []accelerated.Buffer
}

func (c *call) alloc(n int) (accelerated.Buffer, error) {
	buf, err := c.s.ctx.Alloc(n)
	if err != nil {
		return nil, err
	}
	c.transient = append(c.transient, buf)
	return buf, nil
}

func (c *call) stage(name string) {
	c.s.log.Debug("stage done", "stage", name, "at", time.Since(c.start))
}

func (c *call) run(in *cnn.InputMatrix, res *cnn.OutputVec) error {
	s := c.s

	input, err := c.alloc(cnn.InputLen)
	if err != nil {
		return fail(ErrTransfer, "alloc input", err)
	}
	if err := s.stream.Upload(input, in.Flat()); err != nil {
		return fail(ErrTransfer, "upload input", err)
	}
	conv, err := c.alloc(cnn.ConvOutputLen)
	if err != nil {
		return fail(ErrTransfer, "alloc conv output", err)
	}

	if err := s.stream.Launch(s.convolution, convGrid, convBlock, input, s.convLayer, conv); err != nil {
		return fail(ErrKernelLaunch, "launch "+opencl.Convolution, err)
	}
	if err := s.stream.Synchronize(); err != nil {
		return fail(ErrSync, "synchronize "+opencl.Convolution, err)
	}
	c.stage(opencl.Convolution)

	if err := s.stream.Launch(s.relu, convGrid, convBlock, conv); err != nil {
		return fail(ErrKernelLaunch, "launch "+opencl.ReLU, err)
	}
	if err := s.stream.Synchronize(); err != nil {
		return fail(ErrSync, "synchronize "+opencl.ReLU, err)
	}
	c.stage(opencl.ReLU)

	out, err := c.alloc(cnn.OutputLen)
	if err != nil {
		return fail(ErrTransfer, "alloc output", err)
	}
	if err := s.stream.Launch(s.output, outputGrid, outputBlk, conv, s.outputLayer, out); err != nil {
		return fail(ErrKernelLaunch, "launch "+opencl.Output, err)
	}
	if err := s.stream.Synchronize(); err != nil {
		return fail(ErrSync, "synchronize "+opencl.Output, err)
	}
	c.stage(opencl.Output)

	if err := s.stream.Download(res.Flat(), out); err != nil {
		return fail(ErrTransfer, "download output", err)
	}
	return nil
}

// cleanup releases the per-input buffers, newest first. After a failure the
// stream is drained first so no queued command still refers to them.
func (c *call) cleanup(failed bool) error {
	if failed && len(c.transient) > 0 {
		if err := c.s.stream.Synchronize(); err != nil {
			c.s.log.Debug("drain after failure", "err", err)
		}
	}
	var errs []error
	for i := len(c.transient) - 1; i >= 0; i-- {
		if err := c.transient[i].Release(); err != nil {
			errs = append(errs, err)
		}
	}
	c.transient = nil
	return errors.Join(errs...)
}
