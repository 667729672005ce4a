// Package backend resolves a backend name to an accelerated.Driver. OpenCL
// drivers are compiled in with the opencl build tag.
package backend

import (
	"errors"
	"fmt"
	"strings"

	"github.com/haormj/cnn/accelerated"
	"github.com/haormj/cnn/accelerated/cpu"
)

const (
	CPU      = "cpu"
	BlackCL  = "blackcl"
	GoOpenCL = "goopencl"
	Auto     = "auto"
)

var errUnavailable = errors.New("backend not available in this build")

func Normalize(name string) (string, error) {
	backend := strings.ToLower(strings.TrimSpace(name))
	if backend == "" {
		return Auto, nil
	}
	switch backend {
	case CPU, BlackCL, GoOpenCL, Auto:
		return backend, nil
	default:
		return "", fmt.Errorf("unknown backend %q (expected auto, cpu, blackcl or goopencl)", backend)
	}
}

// Available returns a comma-separated list of available backends.
func Available() string {
	entries := []string{CPU}
	for _, name := range []string{BlackCL, GoOpenCL} {
		if Has(name) {
			entries = append(entries, name)
		}
	}
	return strings.Join(entries, ",")
}

// New returns the driver for name. Auto prefers an OpenCL driver that can
// open device ordinal and falls back to the CPU device.
func New(name string, ordinal int) (accelerated.Driver, error) {
	backend, err := Normalize(name)
	if err != nil {
		return nil, err
	}
	switch backend {
	case CPU:
		return cpu.New(), nil
	case BlackCL:
		return newBlackCL()
	case GoOpenCL:
		return newGoOpenCL()
	}

	for _, factory := range []func() (accelerated.Driver, error){newGoOpenCL, newBlackCL} {
		drv, err := factory()
		if err != nil {
			continue
		}
		if probe(drv, ordinal) {
			return drv, nil
		}
	}
	return cpu.New(), nil
}

// probe reports whether drv can open ordinal, releasing the probe context.
func probe(drv accelerated.Driver, ordinal int) bool {
	ctx, err := drv.Open(ordinal)
	if err != nil {
		return false
	}
	_ = ctx.Release()
	return true
}
