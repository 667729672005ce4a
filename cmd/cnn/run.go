package main

import (
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/haormj/cnn/cnn"
)

// verifyTolerance bounds the per-neuron difference between device and host
// results, relative to the host magnitude.
const verifyTolerance = 1e-3

func runCmd() *cobra.Command {
	var (
		inputPath  string
		outputPath string
		verify     bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run every input image through the network",
		RunE: func(cmd *cobra.Command, args []string) error {
			inputs, err := readInputs(inputPath)
			if err != nil {
				return err
			}

			w, err := loadWeights(weightsPath)
			if err != nil {
				return err
			}
			s, drv, err := openSession(w)
			if err != nil {
				return err
			}
			defer func() {
				if err := s.Close(); err != nil {
					log.Warn("close session", "err", err)
				}
			}()
			log.Info("running", "backend", drv.Name(), "device", s.Device(), "inputs", len(inputs))

			outs := make([]cnn.OutputVec, len(inputs))
			var total time.Duration
			for i := range inputs {
				start := time.Now()
				out, err := s.Compute(&inputs[i])
				if err != nil {
					return fmt.Errorf("input %d: %w", i, err)
				}
				total += time.Since(start)
				outs[i] = out

				if verify {
					want := cnn.Compute(w, &inputs[i])
					if n, ok := agree(out, want); !ok {
						return fmt.Errorf("input %d: neuron %d is %v, host computed %v", i, n, out[n], want[n])
					}
				}
			}
			if len(inputs) > 0 {
				log.Info("done", "inputs", len(inputs), "total", total, "per_input", total/time.Duration(len(inputs)), "verified", verify)
			}
			return writeOutputs(outputPath, outs)
		},
	}

	cmd.Flags().StringVar(&inputPath, "input", "-", "input CSV file, one image per line (- for stdin)")
	cmd.Flags().StringVar(&outputPath, "output", "-", "output CSV file (- for stdout)")
	cmd.Flags().BoolVar(&verify, "verify", false, "check every result against the host implementation")
	return cmd
}

func readInputs(path string) ([]cnn.InputMatrix, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	inputs, err := cnn.ReadInputs(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return inputs, nil
}

func writeOutputs(path string, outs []cnn.OutputVec) error {
	if path == "-" {
		return cnn.WriteOutputs(os.Stdout, outs)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := cnn.WriteOutputs(f, outs); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// agree compares device against host and returns the first neuron outside
// verifyTolerance.
func agree(device, host cnn.OutputVec) (int, bool) {
	for i := range host {
		diff := math.Abs(float64(device[i] - host[i]))
		if diff > verifyTolerance*math.Max(1, math.Abs(float64(host[i]))) {
			return i, false
		}
	}
	return -1, true
}
