package cnn

import (
	"bytes"
	"errors"
	"math"
	"strings"
	"testing"
)

func TestFlatAliasesArray(t *testing.T) {
	t.Parallel()
	var m InputMatrix
	m[3][7] = 42
	if got := m.Flat()[3*InputDim+7]; got != 42 {
		t.Fatalf("flat index mismatch: got %v", got)
	}

	var c ConvOutput
	c.Flat()[2*ConvOutDim*ConvOutDim+5*ConvOutDim+9] = 1.5
	if c[2][5][9] != 1.5 {
		t.Fatalf("conv flat write not visible through array")
	}
}

func TestConvAtTiles(t *testing.T) {
	t.Parallel()
	var in InputMatrix
	var conv ConvLayer
	// tile (row=1, col=2) covers input rows 5..9, cols 10..14.
	for i := 0; i < FilterDim; i++ {
		for j := 0; j < FilterDim; j++ {
			in[5+i][10+j] = float32(i*FilterDim + j)
			conv[3][i][j] = 2
		}
	}
	want := float32(0)
	for k := 0; k < FilterDim*FilterDim; k++ {
		want += float32(k) * 2
	}
	if got := ConvAt(in.Flat(), conv.Flat(), 3, 1, 2); got != want {
		t.Fatalf("ConvAt = %v, want %v", got, want)
	}
	if got := ConvAt(in.Flat(), conv.Flat(), 3, 2, 1); got != 0 {
		t.Fatalf("neighbouring tile should be empty, got %v", got)
	}
}

func TestComputeBinaryImage(t *testing.T) {
	t.Parallel()
	w, in, want := BinaryFixture()
	got := Compute(w, in)
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-3 {
			t.Fatalf("output[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestComputeNonNegativeActivations(t *testing.T) {
	t.Parallel()
	w := RandomWeights(7)
	// Positive output weights make the result a sum of activated values.
	for n := range w.OutputLayer {
		for k := range w.OutputLayer[n] {
			w.OutputLayer[n][k] = float32(math.Abs(float64(w.OutputLayer[n][k])))
		}
	}
	in := RandomInput(11)
	for i, v := range Compute(w, in) {
		if v < 0 {
			t.Fatalf("output[%d] = %v, want >= 0", i, v)
		}
	}
}

func TestArgmax(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   OutputVec
		want int
	}{
		{"zeros", OutputVec{}, 0},
		{"last", OutputVec{9: 1}, 9},
		{"tie picks first", OutputVec{2: 3, 5: 3}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.in.Argmax(); got != tt.want {
				t.Fatalf("Argmax = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestWeightsRoundTripAndShapeErrors(t *testing.T) {
	t.Parallel()
	w := RandomWeights(3)
	var buf bytes.Buffer
	if err := WriteWeights(&buf, w); err != nil {
		t.Fatalf("WriteWeights: %v", err)
	}
	got, err := ReadWeights(&buf)
	if err != nil {
		t.Fatalf("ReadWeights: %v", err)
	}
	if *got != *w {
		t.Fatalf("weights changed across encode/decode")
	}

	bad := []string{
		`{"conv_layer": [], "output_layer": []}`,
		`{"conv_layer": [[[1]]], "output_layer": [[1]]}`,
	}
	for _, doc := range bad {
		if _, err := ReadWeights(strings.NewReader(doc)); !errors.Is(err, ErrShape) {
			t.Fatalf("ReadWeights(%q) err = %v, want ErrShape", doc, err)
		}
	}
}

func TestReadInputs(t *testing.T) {
	t.Parallel()
	inputs := []InputMatrix{*RandomInput(1), *RandomInput(2)}
	var buf bytes.Buffer
	if err := WriteInputs(&buf, inputs); err != nil {
		t.Fatalf("WriteInputs: %v", err)
	}
	got, err := ReadInputs(&buf)
	if err != nil {
		t.Fatalf("ReadInputs: %v", err)
	}
	if len(got) != 2 || got[0] != inputs[0] || got[1] != inputs[1] {
		t.Fatalf("inputs changed across write/read")
	}

	if _, err := ReadInputs(strings.NewReader("1,2,3\n")); !errors.Is(err, ErrShape) {
		t.Fatalf("short line err = %v, want ErrShape", err)
	}
}

func TestInputFromRows(t *testing.T) {
	t.Parallel()
	rows := make([][]float32, InputDim)
	for i := range rows {
		rows[i] = make([]float32, InputDim)
	}
	rows[4][4] = 1
	m, err := InputFromRows(rows)
	if err != nil {
		t.Fatalf("InputFromRows: %v", err)
	}
	if m[4][4] != 1 {
		t.Fatalf("value not copied")
	}

	rows[10] = rows[10][:3]
	if _, err := InputFromRows(rows); !errors.Is(err, ErrShape) {
		t.Fatalf("ragged rows err = %v, want ErrShape", err)
	}

	rows[10] = make([]float32, InputDim)
	rows[10][0] = float32(math.Inf(1))
	if _, err := InputFromRows(rows); err == nil {
		t.Fatalf("expected error for non-finite value")
	}
}

func TestWriteOutputs(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	if err := WriteOutputs(&buf, []OutputVec{{0: 1.5, 9: -2}}); err != nil {
		t.Fatalf("WriteOutputs: %v", err)
	}
	if got, want := buf.String(), "1.5,0,0,0,0,0,0,0,0,-2\n"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
