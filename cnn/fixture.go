package cnn

import "math/rand"

// BinaryFixture returns a small known network and a 10x10 binary image (a
// plus sign on row 4 and column 4, 19 set pixels) in the top-left corner of
// an otherwise empty input, together with the hand-computed output.
//
// Even filters are all ones and odd filters all minus ones, so after ReLU
// only the five even filters contribute 19 each. Every output weight of
// neuron n is n+1, giving 95*(n+1).
func BinaryFixture() (*Weights, *InputMatrix, OutputVec) {
	w := new(Weights)
	for f := range w.ConvLayer {
		v := float32(1)
		if f%2 == 1 {
			v = -1
		}
		for i := range w.ConvLayer[f] {
			for j := range w.ConvLayer[f][i] {
				w.ConvLayer[f][i][j] = v
			}
		}
	}
	for n := range w.OutputLayer {
		for k := range w.OutputLayer[n] {
			w.OutputLayer[n][k] = float32(n + 1)
		}
	}

	in := new(InputMatrix)
	for i := 0; i < 10; i++ {
		in[4][i] = 1
		in[i][4] = 1
	}

	want := OutputVec{95, 190, 285, 380, 475, 570, 665, 760, 855, 950}
	return w, in, want
}

// RandomWeights returns deterministic weights in [-1, 1) for seed.
func RandomWeights(seed int64) *Weights {
	rng := rand.New(rand.NewSource(seed))
	w := new(Weights)
	filters := w.ConvLayer.Flat()
	for i := range filters {
		filters[i] = rng.Float32()*2 - 1
	}
	layer := w.OutputLayer.Flat()
	for i := range layer {
		layer[i] = (rng.Float32()*2 - 1) / OutNeuronDim
	}
	return w
}

// RandomInput returns a deterministic binary image for seed.
func RandomInput(seed int64) *InputMatrix {
	rng := rand.New(rand.NewSource(seed))
	in := new(InputMatrix)
	flat := in.Flat()
	for i := range flat {
		if rng.Intn(2) == 1 {
			flat[i] = 1
		}
	}
	return in
}
