package session

import (
	"bytes"
	"errors"
	"log/slog"
	"math"
	"strings"
	"sync"
	"testing"

	"github.com/haormj/cnn/accelerated"
	"github.com/haormj/cnn/accelerated/cpu"
	"github.com/haormj/cnn/cnn"
	"github.com/haormj/cnn/logger"
)

var initEvents = []string{
	"open", "load",
	"function:convolution", "function:relu", "function:output",
	"stream",
	"alloc", "upload", "alloc", "upload", "sync",
}

var computeEvents = []string{
	"alloc", "upload", "alloc",
	"launch:convolution", "sync",
	"launch:relu", "sync",
	"alloc", "launch:output", "sync",
	"download",
	"release:buf5", "release:buf4", "release:buf3",
}

var closeEvents = []string{
	"release:buf2", "release:buf1", "release:stream", "release:module", "release:context",
}

func equalEvents(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("events:\n got %v\nwant %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d = %q, want %q\n got %v\nwant %v", i, got[i], want[i], got, want)
		}
	}
}

func newFakeSession(t *testing.T, d *fakeDevice, w *cnn.Weights) *Session {
	t.Helper()
	s, err := New(d, w)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestComputeStagesAreSynchronized(t *testing.T) {
	t.Parallel()
	d := newFakeDevice()
	w, in := cnn.RandomWeights(1), cnn.RandomInput(2)
	s := newFakeSession(t, d, w)
	equalEvents(t, d.Events(), initEvents)

	got, err := s.Compute(in)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	equalEvents(t, d.Events()[len(initEvents):], computeEvents)
	if len(d.violations) != 0 {
		t.Fatalf("ordering violations: %v", d.violations)
	}
	if want := cnn.Compute(w, in); got != want {
		t.Fatalf("Compute = %v, want %v", got, want)
	}

	wantLaunches := []fakeLaunch{
		{"convolution", accelerated.Dim3{X: 20, Y: 20}, accelerated.Dim3{X: 10}},
		{"relu", accelerated.Dim3{X: 20, Y: 20}, accelerated.Dim3{X: 10}},
		{"output", accelerated.Dim3{X: 1}, accelerated.Dim3{X: 10}},
	}
	for i, l := range wantLaunches {
		if d.launches[i] != l {
			t.Fatalf("launch %d = %+v, want %+v", i, d.launches[i], l)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestCloseReleasesSubresourcesBeforeContext(t *testing.T) {
	t.Parallel()
	d := newFakeDevice()
	s := newFakeSession(t, d, cnn.RandomWeights(1))
	if _, err := s.Compute(cnn.RandomInput(1)); err != nil {
		t.Fatalf("Compute: %v", err)
	}

	before := len(d.Events())
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	equalEvents(t, d.Events()[before:], closeEvents)
	if d.Live() != 0 {
		t.Fatalf("%d resources alive after Close", d.Live())
	}
	if len(d.violations) != 0 {
		t.Fatalf("violations: %v", d.violations)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if n := len(d.Events()); n != before+len(closeEvents) {
		t.Fatalf("second Close touched the device: %v", d.Events()[before+len(closeEvents):])
	}
	if _, err := s.Compute(cnn.RandomInput(1)); !errors.Is(err, ErrClosed) {
		t.Fatalf("Compute after Close err = %v, want ErrClosed", err)
	}
}

func TestNewFailureReleasesAcquired(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	tests := []struct {
		event string
		nth   int
	}{
		{"open", 1},
		{"load", 1},
		{"function:relu", 1},
		{"function:output", 1},
		{"stream", 1},
		{"alloc", 1},
		{"upload", 1},
		{"alloc", 2},
		{"upload", 2},
		{"sync", 1},
	}
	for _, tt := range tests {
		t.Run(tt.event, func(t *testing.T) {
			d := newFakeDevice().failOn(tt.event, tt.nth, boom)
			s, err := New(d, cnn.RandomWeights(1))
			if s != nil {
				t.Fatalf("New returned a session on failure")
			}
			if !errors.Is(err, ErrDeviceInit) || !errors.Is(err, boom) {
				t.Fatalf("New err = %v, want ErrDeviceInit wrapping boom", err)
			}
			if d.Live() != 0 {
				t.Fatalf("%d resources leaked", d.Live())
			}
			if len(d.violations) != 0 {
				t.Fatalf("violations: %v", d.violations)
			}
			events := d.Events()
			if tt.event != "open" && events[len(events)-1] != "release:context" {
				t.Fatalf("context not released last: %v", events)
			}
		})
	}
}

func TestComputeErrorKinds(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	// Occurrence counts include the two allocs, two uploads and one sync
	// made while constructing the session.
	tests := []struct {
		event string
		nth   int
		kind  error
	}{
		{"alloc", 3, ErrTransfer},
		{"upload", 3, ErrTransfer},
		{"alloc", 4, ErrTransfer},
		{"launch:convolution", 1, ErrKernelLaunch},
		{"sync", 2, ErrSync},
		{"launch:relu", 1, ErrKernelLaunch},
		{"sync", 3, ErrSync},
		{"alloc", 5, ErrTransfer},
		{"launch:output", 1, ErrKernelLaunch},
		{"sync", 4, ErrSync},
		{"download", 1, ErrTransfer},
	}
	for _, tt := range tests {
		t.Run(tt.event, func(t *testing.T) {
			d := newFakeDevice().failOn(tt.event, tt.nth, boom)
			s := newFakeSession(t, d, cnn.RandomWeights(1))

			out, err := s.Compute(cnn.RandomInput(1))
			if !errors.Is(err, tt.kind) || !errors.Is(err, boom) {
				t.Fatalf("Compute err = %v, want %v wrapping boom", err, tt.kind)
			}
			var serr *Error
			if !errors.As(err, &serr) || serr.Op == "" {
				t.Fatalf("error %v does not carry the failed step", err)
			}
			if out != (cnn.OutputVec{}) {
				t.Fatalf("partial output returned: %v", out)
			}
			// module, stream and the two weight buffers remain.
			if d.Live() != 4 {
				t.Fatalf("transient buffers leaked: %d live", d.Live())
			}
			if err := s.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}
			if d.Live() != 0 {
				t.Fatalf("%d resources alive after Close", d.Live())
			}
		})
	}
}

func TestNewRejectsIncompleteProgram(t *testing.T) {
	t.Parallel()
	d := newFakeDevice()
	program := []byte("__kernel void convolution(__global float *x) {}")
	_, err := New(d, cnn.RandomWeights(1), WithProgram(program))
	if !errors.Is(err, ErrDeviceInit) || !errors.Is(err, accelerated.ErrUnknownKernel) {
		t.Fatalf("New err = %v, want ErrDeviceInit wrapping ErrUnknownKernel", err)
	}
	if d.Live() != 0 {
		t.Fatalf("%d resources leaked", d.Live())
	}
}

func TestInvalidArguments(t *testing.T) {
	t.Parallel()
	if _, err := New(newFakeDevice(), nil); !errors.Is(err, ErrDeviceInit) {
		t.Fatalf("New(nil weights) err = %v, want ErrDeviceInit", err)
	}
	if _, err := New(nil, cnn.RandomWeights(1)); !errors.Is(err, ErrDeviceInit) {
		t.Fatalf("New(nil driver) err = %v, want ErrDeviceInit", err)
	}
	s := newFakeSession(t, newFakeDevice(), cnn.RandomWeights(1))
	defer s.Close()
	if _, err := s.Compute(nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("Compute(nil) err = %v, want ErrInvalidInput", err)
	}
}

func TestErrorMessage(t *testing.T) {
	t.Parallel()
	err := fail(ErrSync, "synchronize relu", errors.New("boom"))
	if got, want := err.Error(), "session: synchronize relu: synchronize failed: boom"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
	if got, want := fail(ErrClosed, "compute", nil).Error(), "session: compute: session closed"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}

func TestNoDevice(t *testing.T) {
	t.Parallel()
	_, err := New(cpu.New(cpu.WithDevices(0)), cnn.RandomWeights(1))
	if !errors.Is(err, ErrDeviceInit) || !errors.Is(err, accelerated.ErrNoDevice) {
		t.Fatalf("New err = %v, want ErrDeviceInit wrapping ErrNoDevice", err)
	}
}

func newCPUSession(t *testing.T, w *cnn.Weights, opts ...Option) *Session {
	t.Helper()
	s, err := New(cpu.New(cpu.WithWorkers(4)), w, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return s
}

func TestBinaryImageEndToEnd(t *testing.T) {
	t.Parallel()
	w, in, want := cnn.BinaryFixture()
	s := newCPUSession(t, w)

	got, err := s.Compute(in)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-3 {
			t.Fatalf("output[%d] = %v, want %v (full %v)", i, got[i], want[i], got)
		}
	}
	if got.Argmax() != cnn.OutLayerSize-1 {
		t.Fatalf("Argmax = %d", got.Argmax())
	}
}

func TestComputeIsDeterministic(t *testing.T) {
	t.Parallel()
	w, in := cnn.RandomWeights(5), cnn.RandomInput(6)
	s := newCPUSession(t, w)

	first, err := s.Compute(in)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	second, err := s.Compute(in)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	for i := range first {
		if math.Float32bits(first[i]) != math.Float32bits(second[i]) {
			t.Fatalf("output[%d] differs across calls: %v vs %v", i, first[i], second[i])
		}
	}
	if want := cnn.Compute(w, in); first != want {
		t.Fatalf("device = %v, host = %v", first, want)
	}
}

func TestConcurrentCompute(t *testing.T) {
	t.Parallel()
	w := cnn.RandomWeights(9)
	s := newCPUSession(t, w)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			in := cnn.RandomInput(seed)
			got, err := s.Compute(in)
			if err != nil {
				errs <- err
				return
			}
			if got != cnn.Compute(w, in) {
				errs <- errors.New("concurrent result differs from host reference")
			}
		}(int64(i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}

func TestCloseDuringCompute(t *testing.T) {
	t.Parallel()
	s, err := New(cpu.New(), cnn.RandomWeights(2))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			if _, err := s.Compute(cnn.RandomInput(seed)); err != nil && !errors.Is(err, ErrClosed) {
				t.Errorf("Compute err = %v, want nil or ErrClosed", err)
			}
		}(int64(i))
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	wg.Wait()
}

func TestCPUExecFaultIsSyncError(t *testing.T) {
	t.Parallel()
	boom := errors.New("ecc error")
	d := cpu.New(cpu.WithFault(cpu.OpExec, boom))
	s, err := New(d, cnn.RandomWeights(1))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	_, err = s.Compute(cnn.RandomInput(1))
	if !errors.Is(err, ErrSync) || !errors.Is(err, boom) {
		t.Fatalf("Compute err = %v, want ErrSync wrapping %v", err, boom)
	}
}

func TestLogsStages(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	s := newCPUSession(t, cnn.RandomWeights(1), WithLogger(logger.JSON(&buf, slog.LevelDebug)))
	if _, err := s.Compute(cnn.RandomInput(1)); err != nil {
		t.Fatalf("Compute: %v", err)
	}
	out := buf.String()
	for _, want := range []string{`"msg":"session ready"`, `"stage":"relu"`, `"msg":"compute done"`, s.ID()} {
		if !strings.Contains(out, want) {
			t.Fatalf("log missing %s:\n%s", want, out)
		}
	}
	if !strings.HasPrefix(s.Device(), "cpu:0") {
		t.Fatalf("Device = %q", s.Device())
	}
}
