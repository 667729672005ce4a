package cpu

import (
	"fmt"
	"sync"

	"github.com/haormj/cnn/accelerated"
)

const queueDepth = 64

type command struct {
	run  func() error
	done chan struct{}
}

// Stream executes commands in submission order on one goroutine. The first
// execution fault is held until Synchronize or Download reports it.
type Stream struct {
	ctx  *Context
	cmds chan command
	idle chan struct{}

	mu       sync.RWMutex
	released bool

	errMu sync.Mutex
	err   error
}

func newStream(ctx *Context) *Stream {
	s := &Stream{
		ctx:  ctx,
		cmds: make(chan command, queueDepth),
		idle: make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *Stream) loop() {
	defer close(s.idle)
	for cmd := range s.cmds {
		if cmd.run != nil {
			if err := cmd.run(); err != nil {
				s.errMu.Lock()
				if s.err == nil {
					s.err = err
				}
				s.errMu.Unlock()
			}
		}
		if cmd.done != nil {
			close(cmd.done)
		}
	}
}

func (s *Stream) enqueue(cmd command) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.released {
		return accelerated.ErrReleased
	}
	s.cmds <- cmd
	return nil
}

// wait enqueues a barrier, blocks until everything before it ran and
// returns the pending fault, if any.
func (s *Stream) wait() error {
	done := make(chan struct{})
	if err := s.enqueue(command{done: done}); err != nil {
		return err
	}
	<-done

	s.errMu.Lock()
	defer s.errMu.Unlock()
	err := s.err
	s.err = nil
	return err
}

func live(b accelerated.Buffer) (*Buffer, error) {
	buf, ok := b.(*Buffer)
	if !ok {
		return nil, fmt.Errorf("cpu: foreign buffer %T", b)
	}
	if buf.released.Load() {
		return nil, accelerated.ErrReleased
	}
	return buf, nil
}

// Upload implements accelerated.Stream. src is copied before Upload
// returns, so the caller may reuse it immediately.
func (s *Stream) Upload(dst accelerated.Buffer, src []float32) error {
	buf, err := live(dst)
	if err != nil {
		return err
	}
	if len(src) > buf.Len() {
		return fmt.Errorf("cpu: upload of %d elements into buffer of %d", len(src), buf.Len())
	}
	if err := s.ctx.cpu.fault(OpUpload); err != nil {
		return err
	}
	staged := append([]float32(nil), src...)
	return s.enqueue(command{run: func() error {
		copy(buf.data, staged)
		return nil
	}})
}

// Download implements accelerated.Stream.
func (s *Stream) Download(dst []float32, src accelerated.Buffer) error {
	buf, err := live(src)
	if err != nil {
		return err
	}
	if len(dst) > buf.Len() {
		return fmt.Errorf("cpu: download of %d elements from buffer of %d", len(dst), buf.Len())
	}
	if err := s.ctx.cpu.fault(OpDownload); err != nil {
		return err
	}
	if err := s.enqueue(command{run: func() error {
		copy(dst, buf.data)
		return nil
	}}); err != nil {
		return err
	}
	return s.wait()
}

// Launch implements accelerated.Stream.
func (s *Stream) Launch(fn accelerated.Function, grid, block accelerated.Dim3, args ...accelerated.Buffer) error {
	f, ok := fn.(*Function)
	if !ok {
		return fmt.Errorf("%w: foreign function %T", accelerated.ErrUnknownKernel, fn)
	}
	if err := accelerated.Validate(grid, block); err != nil {
		return err
	}
	if len(args) != len(f.kernel.lens) {
		return fmt.Errorf("cpu: %s takes %d arguments, got %d", f.name, len(f.kernel.lens), len(args))
	}
	data := make([][]float32, len(args))
	for i, a := range args {
		buf, err := live(a)
		if err != nil {
			return fmt.Errorf("cpu: %s argument %d: %w", f.name, i, err)
		}
		data[i] = buf.data
	}
	if err := s.ctx.cpu.fault(OpLaunch); err != nil {
		return err
	}

	workers := s.ctx.cpu.workers
	exec := s.ctx.cpu.fault(OpExec)
	return s.enqueue(command{run: func() error {
		if exec != nil {
			return exec
		}
		for i, n := range f.kernel.lens {
			if len(data[i]) < n {
				return fmt.Errorf("cpu: %s argument %d out of bounds: %d elements, kernel reads %d", f.name, i, len(data[i]), n)
			}
		}
		run(f.kernel, grid.Norm(), block.Norm(), data, workers)
		return nil
	}})
}

// run executes every work-group of a launch, spreading groups over workers.
func run(k kernel, grid, block accelerated.Dim3, args [][]float32, workers int) {
	groups := make(chan accelerated.Dim3)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for g := range groups {
				for z := 0; z < block.Z; z++ {
					for y := 0; y < block.Y; y++ {
						for x := 0; x < block.X; x++ {
							k.run(g, accelerated.Dim3{X: x, Y: y, Z: z}, block, args)
						}
					}
				}
			}
		}()
	}
	for z := 0; z < grid.Z; z++ {
		for y := 0; y < grid.Y; y++ {
			for x := 0; x < grid.X; x++ {
				groups <- accelerated.Dim3{X: x, Y: y, Z: z}
			}
		}
	}
	close(groups)
	wg.Wait()
}

// Synchronize implements accelerated.Stream.
func (s *Stream) Synchronize() error {
	if err := s.ctx.cpu.fault(OpSync); err != nil {
		return err
	}
	return s.wait()
}

// Release implements accelerated.Stream. Queued commands finish first.
func (s *Stream) Release() error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return accelerated.ErrReleased
	}
	s.released = true
	close(s.cmds)
	s.mu.Unlock()

	<-s.idle
	s.ctx.drop()
	return nil
}

var _ accelerated.Stream = &Stream{}
