package cnn

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/goccy/go-json"
)

// ErrShape reports data whose dimensions do not match the network.
var ErrShape = errors.New("cnn: shape mismatch")

type weightsFile struct {
	ConvLayer   [][][]float32 `json:"conv_layer"`
	OutputLayer [][]float32   `json:"output_layer"`
}

// ReadWeights decodes a JSON weights document and checks it against the
// network geometry.
func ReadWeights(r io.Reader) (*Weights, error) {
	var doc weightsFile
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("cnn: decode weights: %w", err)
	}

	if len(doc.ConvLayer) != ConvLayerSize {
		return nil, fmt.Errorf("%w: conv_layer has %d filters, want %d", ErrShape, len(doc.ConvLayer), ConvLayerSize)
	}
	if len(doc.OutputLayer) != OutLayerSize {
		return nil, fmt.Errorf("%w: output_layer has %d neurons, want %d", ErrShape, len(doc.OutputLayer), OutLayerSize)
	}

	w := new(Weights)
	for f, filter := range doc.ConvLayer {
		if len(filter) != FilterDim {
			return nil, fmt.Errorf("%w: conv_layer[%d] has %d rows, want %d", ErrShape, f, len(filter), FilterDim)
		}
		for i, row := range filter {
			if err := copyRow(w.ConvLayer[f][i][:], row); err != nil {
				return nil, fmt.Errorf("conv_layer[%d][%d]: %w", f, i, err)
			}
		}
	}
	for n, neuron := range doc.OutputLayer {
		if err := copyRow(w.OutputLayer[n][:], neuron); err != nil {
			return nil, fmt.Errorf("output_layer[%d]: %w", n, err)
		}
	}
	return w, nil
}

// WriteWeights encodes w in the format ReadWeights accepts.
func WriteWeights(dst io.Writer, w *Weights) error {
	doc := weightsFile{
		ConvLayer:   make([][][]float32, ConvLayerSize),
		OutputLayer: make([][]float32, OutLayerSize),
	}
	for f := range w.ConvLayer {
		doc.ConvLayer[f] = make([][]float32, FilterDim)
		for i := range w.ConvLayer[f] {
			doc.ConvLayer[f][i] = w.ConvLayer[f][i][:]
		}
	}
	for n := range w.OutputLayer {
		doc.OutputLayer[n] = w.OutputLayer[n][:]
	}
	return json.NewEncoder(dst).Encode(doc)
}

// InputFromRows builds an input matrix from nested rows, rejecting any
// shape other than InputDim x InputDim and any non-finite value.
func InputFromRows(rows [][]float32) (*InputMatrix, error) {
	if len(rows) != InputDim {
		return nil, fmt.Errorf("%w: input has %d rows, want %d", ErrShape, len(rows), InputDim)
	}
	m := new(InputMatrix)
	for i, row := range rows {
		if err := copyRow(m[i][:], row); err != nil {
			return nil, fmt.Errorf("input row %d: %w", i, err)
		}
	}
	return m, nil
}

// ReadInputs reads CSV images, one per record, each InputLen values in
// row-major order.
func ReadInputs(r io.Reader) ([]InputMatrix, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true
	cr.TrimLeadingSpace = true

	var inputs []InputMatrix
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			return inputs, nil
		}
		if err != nil {
			return nil, fmt.Errorf("cnn: read inputs: %w", err)
		}
		if len(rec) != InputLen {
			return nil, fmt.Errorf("%w: input line %d has %d values, want %d", ErrShape, line, len(rec), InputLen)
		}

		var m InputMatrix
		flat := m.Flat()
		for i, field := range rec {
			v, err := strconv.ParseFloat(field, 32)
			if err != nil {
				return nil, fmt.Errorf("cnn: input line %d value %d: %w", line, i, err)
			}
			if !finite(float32(v)) {
				return nil, fmt.Errorf("cnn: input line %d value %d is not finite", line, i)
			}
			flat[i] = float32(v)
		}
		inputs = append(inputs, m)
	}
}

// WriteInputs writes images in the format ReadInputs accepts.
func WriteInputs(dst io.Writer, inputs []InputMatrix) error {
	cw := csv.NewWriter(dst)
	rec := make([]string, InputLen)
	for i := range inputs {
		for j, v := range inputs[i].Flat() {
			rec[j] = strconv.FormatFloat(float64(v), 'g', -1, 32)
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteOutputs writes one output vector per CSV record.
func WriteOutputs(dst io.Writer, outs []OutputVec) error {
	cw := csv.NewWriter(dst)
	rec := make([]string, OutputLen)
	for _, out := range outs {
		for i, v := range out {
			rec[i] = strconv.FormatFloat(float64(v), 'g', -1, 32)
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func copyRow(dst, src []float32) error {
	if len(src) != len(dst) {
		return fmt.Errorf("%w: got %d values, want %d", ErrShape, len(src), len(dst))
	}
	for i, v := range src {
		if !finite(v) {
			return fmt.Errorf("cnn: value %d is not finite", i)
		}
	}
	copy(dst, src)
	return nil
}
