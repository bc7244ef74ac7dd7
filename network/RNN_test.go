package network_test

import (
	"math"
	"testing"

	"github.com/StaminaTang/pisac/network"
	G "gorgonia.org/gorgonia"
)

// newUnitRNN returns a recurrent network with a single input feature,
// a single hidden state feature, a single output, and all weights and
// biases equal to 1. At each timestep
//
//	h(t)   = tanh(x(t) + h(t-1) + 1)
//	out(t) = h(t) + 1
func newUnitRNN(t *testing.T, seqLen int) network.Recurrent {
	t.Helper()

	net, err := network.NewRNNMLP(1, 1, seqLen, 1, 1, G.NewGraph(),
		[]int{}, []bool{}, []*network.Activation{},
		[]int{}, []bool{}, []*network.Activation{},
		G.Ones())
	if err != nil {
		t.Fatalf("could not create network: %v", err)
	}
	return net
}

func TestRNNMLPForward(t *testing.T) {
	net := newUnitRNN(t, 2)

	if err := net.SetState([]float64{0.0}); err != nil {
		t.Fatalf("could not set state: %v", err)
	}
	if err := net.SetInput([]float64{0.5, 0.25}); err != nil {
		t.Fatalf("could not set input: %v", err)
	}
	runNet(t, net)

	h1 := math.Tanh(0.5 + 0.0 + 1.0)
	h2 := math.Tanh(0.25 + h1 + 1.0)
	want := []float64{h1 + 1.0, h2 + 1.0}

	if net.OutputLayers() != 2 {
		t.Fatalf("invalid number of output layers \n\twant(2) "+
			"\n\thave(%v)", net.OutputLayers())
	}

	for i, wantOut := range want {
		out := net.Output()[i].Data().([]float64)
		if math.Abs(out[0]-wantOut) > 1.0e-12 {
			t.Errorf("invalid prediction at timestep %v \n\twant(%v) "+
				"\n\thave(%v)", i, wantOut, out[0])
		}
	}

	state := net.State()
	if math.Abs(state[0]-h2) > 1.0e-12 {
		t.Errorf("invalid final hidden state \n\twant(%v) \n\thave(%v)",
			h2, state[0])
	}
}

func TestRNNMLPStateCarry(t *testing.T) {
	// Stepping a single-timestep network twice, carrying the hidden
	// state across the calls, should match unrolling a two-timestep
	// network over the same inputs
	net := newUnitRNN(t, 1)
	inputs := []float64{0.5, 0.25}

	vm := G.NewTapeMachine(net.Graph())
	defer vm.Close()

	state := []float64{0.0}
	for _, input := range inputs {
		if err := net.SetState(state); err != nil {
			t.Fatalf("could not set state: %v", err)
		}
		if err := net.SetInput([]float64{input}); err != nil {
			t.Fatalf("could not set input: %v", err)
		}

		vm.Reset()
		if err := vm.RunAll(); err != nil {
			t.Fatalf("could not run forward pass: %v", err)
		}
		state = net.State()
	}

	h1 := math.Tanh(0.5 + 0.0 + 1.0)
	h2 := math.Tanh(0.25 + h1 + 1.0)
	if math.Abs(state[0]-h2) > 1.0e-12 {
		t.Errorf("invalid carried hidden state \n\twant(%v) \n\thave(%v)",
			h2, state[0])
	}
}

func TestRNNMLPShapes(t *testing.T) {
	g := G.NewGraph()
	net, err := network.NewRNNMLP(3, 4, 2, 8, 5, g,
		[]int{6}, []bool{true}, []*network.Activation{network.ReLU()},
		[]int{7}, []bool{true}, []*network.Activation{network.ReLU()},
		G.GlorotU(1.0))
	if err != nil {
		t.Fatalf("could not create network: %v", err)
	}

	if net.SeqLen() != 2 {
		t.Errorf("invalid sequence length \n\twant(2) \n\thave(%v)",
			net.SeqLen())
	}

	if net.StateSize() != 8 {
		t.Errorf("invalid state size \n\twant(8) \n\thave(%v)",
			net.StateSize())
	}

	features := net.Features()
	if len(features) != 2 || features[0] != 3 || features[1] != 3 {
		t.Errorf("invalid features \n\twant([3 3]) \n\thave(%v)", features)
	}

	// Input layer (W, b), cell (Wx, Wh, b), output hidden layer (W, b)
	// and final linear layer (W, b). Weights are shared across
	// timesteps.
	if len(net.Learnables()) != 9 {
		t.Errorf("invalid number of learnables \n\twant(9) \n\thave(%v)",
			len(net.Learnables()))
	}

	input := make([]float64, 2*4*3)
	for i := range input {
		input[i] = float64(i) * 0.01
	}
	if err := net.SetInput(input); err != nil {
		t.Fatalf("could not set input: %v", err)
	}
	runNet(t, net)

	for i, out := range net.Output() {
		shape := out.Shape()
		if shape[0] != 4 || shape[1] != 5 {
			t.Errorf("invalid output shape at timestep %v \n\twant(4x5) "+
				"\n\thave(%vx%v)", i, shape[0], shape[1])
		}
	}
}

func TestRNNMLPInvalidState(t *testing.T) {
	net := newUnitRNN(t, 1)

	if err := net.SetState([]float64{0.0, 0.0}); err == nil {
		t.Error("expected an error when setting a state of the wrong size")
	}
}

func TestRNNMLPSetWeights(t *testing.T) {
	// Copying weights between networks unrolled over different numbers
	// of timesteps keeps the behaviour policy in sync with a network
	// trained on full sequences
	trainNet, err := network.NewRNNMLP(2, 4, 3, 5, 1, G.NewGraph(),
		[]int{4}, []bool{true}, []*network.Activation{network.ReLU()},
		[]int{}, []bool{}, []*network.Activation{},
		G.GlorotU(1.0))
	if err != nil {
		t.Fatalf("could not create network: %v", err)
	}

	actNet, err := network.NewRNNMLP(2, 1, 1, 5, 1, G.NewGraph(),
		[]int{4}, []bool{true}, []*network.Activation{network.ReLU()},
		[]int{}, []bool{}, []*network.Activation{},
		G.Zeroes())
	if err != nil {
		t.Fatalf("could not create network: %v", err)
	}

	if err := network.Set(actNet, trainNet); err != nil {
		t.Fatalf("could not set network weights: %v", err)
	}

	for i, learnable := range actNet.Learnables() {
		want := trainNet.Learnables()[i].Value().Data().([]float64)
		have := learnable.Value().Data().([]float64)
		for j := range want {
			if want[j] != have[j] {
				t.Errorf("weight %v of %v not copied \n\twant(%v) "+
					"\n\thave(%v)", j, learnable.Name(), want[j], have[j])
			}
		}
	}
}
