package network_test

import (
	"math"
	"testing"

	"github.com/StaminaTang/pisac/network"
	G "gorgonia.org/gorgonia"
)

// runNet runs the computational graph of net, failing the test on
// error.
func runNet(t *testing.T, net network.NeuralNet) {
	t.Helper()

	vm := G.NewTapeMachine(net.Graph())
	defer vm.Close()

	if err := vm.RunAll(); err != nil {
		t.Fatalf("runnet: could not run forward pass: %v", err)
	}
}

func TestMultiHeadMLPForward(t *testing.T) {
	// With all weights and biases set to 1 and no hidden layers, each
	// output head predicts the sum of the input features plus the bias
	g := G.NewGraph()
	net, err := network.NewMultiHeadMLP(2, 1, 3, g, []int{}, []bool{},
		G.Ones(), []*network.Activation{})
	if err != nil {
		t.Fatalf("could not create network: %v", err)
	}

	if err := net.SetInput([]float64{1.0, 2.0}); err != nil {
		t.Fatalf("could not set input: %v", err)
	}
	runNet(t, net)

	out := net.Output()[0].Data().([]float64)
	if len(out) != 3 {
		t.Fatalf("invalid number of outputs \n\twant(3) \n\thave(%v)",
			len(out))
	}
	for i, val := range out {
		if math.Abs(val-4.0) > 1.0e-12 {
			t.Errorf("invalid prediction for head %v \n\twant(%v) "+
				"\n\thave(%v)", i, 4.0, val)
		}
	}
}

func TestMultiHeadMLPShapes(t *testing.T) {
	g := G.NewGraph()
	net, err := network.NewMultiHeadMLP(4, 3, 2, g, []int{10, 5},
		[]bool{true, true}, G.GlorotU(1.0),
		[]*network.Activation{network.ReLU(), network.TanH()})
	if err != nil {
		t.Fatalf("could not create network: %v", err)
	}

	if net.BatchSize() != 3 {
		t.Errorf("invalid batch size \n\twant(3) \n\thave(%v)",
			net.BatchSize())
	}

	features := net.Features()
	if len(features) != 1 || features[0] != 4 {
		t.Errorf("invalid features \n\twant([4]) \n\thave(%v)", features)
	}

	outputs := net.Outputs()
	if len(outputs) != 1 || outputs[0] != 2 {
		t.Errorf("invalid outputs \n\twant([2]) \n\thave(%v)", outputs)
	}

	// Two hidden layers plus the final linear layer, each with a bias
	if len(net.Learnables()) != 6 {
		t.Errorf("invalid number of learnables \n\twant(6) \n\thave(%v)",
			len(net.Learnables()))
	}

	runNet(t, net)
	shape := net.Output()[0].Shape()
	if shape[0] != 3 || shape[1] != 2 {
		t.Errorf("invalid output shape \n\twant(3x2) \n\thave(%vx%v)",
			shape[0], shape[1])
	}
}

func TestSingleHeadMLPForward(t *testing.T) {
	// A single head MLP with unit weights and bias predicts the sum
	// of the input features plus 1 for each batch row
	g := G.NewGraph()
	net, err := network.NewSingleHeadMLP(3, 2, g, []int{}, []bool{},
		G.Ones(), []*network.Activation{})
	if err != nil {
		t.Fatalf("could not create network: %v", err)
	}

	outputs := net.Outputs()
	if len(outputs) != 1 || outputs[0] != 1 {
		t.Fatalf("invalid outputs \n\twant([1]) \n\thave(%v)", outputs)
	}

	if err := net.SetInput([]float64{1, 2, 3, 0.5, 1, 1.5}); err != nil {
		t.Fatalf("could not set input: %v", err)
	}
	runNet(t, net)

	want := []float64{7, 4}
	out := net.Output()[0].Data().([]float64)
	for i := range want {
		if math.Abs(out[i]-want[i]) > 1.0e-12 {
			t.Errorf("invalid prediction for row %v \n\twant(%v) "+
				"\n\thave(%v)", i, want[i], out[i])
		}
	}
}

func TestMultiHeadMLPInvalidInput(t *testing.T) {
	g := G.NewGraph()
	net, err := network.NewMultiHeadMLP(2, 1, 1, g, []int{}, []bool{},
		G.Zeroes(), []*network.Activation{})
	if err != nil {
		t.Fatalf("could not create network: %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Error("expected a panic when setting an input of the " +
				"wrong size")
		}
	}()
	net.SetInput([]float64{1.0, 2.0, 3.0})
}

func TestMultiHeadMLPCloneWithBatch(t *testing.T) {
	g := G.NewGraph()
	net, err := network.NewMultiHeadMLP(2, 1, 2, g, []int{4}, []bool{true},
		G.Ones(), []*network.Activation{network.TanH()})
	if err != nil {
		t.Fatalf("could not create network: %v", err)
	}

	clone, err := net.CloneWithBatch(3)
	if err != nil {
		t.Fatalf("could not clone network: %v", err)
	}

	if clone.BatchSize() != 3 {
		t.Errorf("invalid clone batch size \n\twant(3) \n\thave(%v)",
			clone.BatchSize())
	}

	if clone.Graph() == net.Graph() {
		t.Error("clone should live on a new computational graph")
	}

	// The clone should compute the same function as the original
	input := []float64{0.5, -0.25}
	batchInput := []float64{0.5, -0.25, 0.5, -0.25, 0.5, -0.25}

	if err := net.SetInput(input); err != nil {
		t.Fatalf("could not set input: %v", err)
	}
	runNet(t, net)
	want := net.Output()[0].Data().([]float64)

	if err := clone.SetInput(batchInput); err != nil {
		t.Fatalf("could not set clone input: %v", err)
	}
	runNet(t, clone)
	have := clone.Output()[0].Data().([]float64)

	for row := 0; row < 3; row++ {
		for col := 0; col < 2; col++ {
			if math.Abs(have[row*2+col]-want[col]) > 1.0e-12 {
				t.Errorf("clone prediction differs at row %v \n\twant(%v) "+
					"\n\thave(%v)", row, want[col], have[row*2+col])
			}
		}
	}
}
