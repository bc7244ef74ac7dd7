package policy_test

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
	G "gorgonia.org/gorgonia"

	"github.com/StaminaTang/pisac/agent"
	"github.com/StaminaTang/pisac/agent/policy"
	"github.com/StaminaTang/pisac/network"
	"github.com/StaminaTang/pisac/spec"
	"github.com/StaminaTang/pisac/timestep"
)

// newGaussianRNN returns a recurrent policy with a single hidden input
// layer, a recurrent cell of 3 hidden units, and a linear output head,
// using the argument weight initializer.
func newGaussianRNN(t *testing.T, features, actionDims, batch,
	seqLen int, init G.InitWFn) agent.RecurrentActor {
	obsSpec, actionSpec := newBoundedSpecs(features, actionDims)

	pol, err := policy.NewGaussianRNN(
		obsSpec,
		actionSpec,
		batch,
		seqLen,
		3,
		[]int{4},
		[]bool{true},
		[]*network.Activation{network.ReLU()},
		[]int{},
		[]bool{},
		[]*network.Activation{},
		init,
		42,
	)
	if err != nil {
		t.Fatalf("could not create policy: %v", err)
	}
	return pol
}

func TestGaussianRNNActionWithinBounds(t *testing.T) {
	pol := newGaussianRNN(t, 2, 1, 1, 1, G.GlorotU(1.0))
	pol.Train()

	obs := mat.NewVecDense(2, []float64{0.5, -0.25})
	action := pol.SelectAction(timestep.Restart(obs))
	if action.AtVec(0) < -1.0 || action.AtVec(0) > 1.0 {
		t.Errorf("first action out of bounds \n\twant([-1, 1]) "+
			"\n\thave(%v)", action.AtVec(0))
	}

	for i := 1; i < 10; i++ {
		obs := mat.NewVecDense(2, []float64{float64(i) * 0.2, -0.25})
		step := timestep.New(timestep.Mid, 0.0, 1.0, obs, i)

		action := pol.SelectAction(step)
		if action.AtVec(0) < -1.0 || action.AtVec(0) > 1.0 {
			t.Errorf("action out of bounds at step %v \n\twant([-1, 1]) "+
				"\n\thave(%v)", i, action.AtVec(0))
		}
	}
}

func TestGaussianRNNEvalDeterministicAtEpisodeStart(t *testing.T) {
	pol := newGaussianRNN(t, 2, 1, 1, 1, G.GlorotU(1.0))
	pol.Eval()

	// First timesteps reset the recurrent state, so evaluation mode
	// actions at identical first timesteps must be identical.
	obs := mat.NewVecDense(2, []float64{0.75, -0.1})
	first := pol.SelectAction(timestep.Restart(obs))
	second := pol.SelectAction(timestep.Restart(obs))

	if first.AtVec(0) != second.AtVec(0) {
		t.Errorf("evaluation mode first actions differ \n\twant(%v) "+
			"\n\thave(%v)", first.AtVec(0), second.AtVec(0))
	}
}

func TestGaussianRNNDistribution(t *testing.T) {
	const batch, seqLen, actionDims = 2, 2, 1
	pol := newGaussianRNN(t, 1, actionDims, batch, seqLen, G.Zeroes())

	// Timestep major observations over the full unroll
	obs := []float64{0.5, -0.5, 1.0, 2.0}
	dist, err := pol.Distribution(obs, batch)
	if err != nil {
		t.Fatalf("could not compute distribution: %v", err)
	}

	actions, err := dist.Sample()
	if err != nil {
		t.Fatalf("could not sample actions: %v", err)
	}
	if len(actions) != seqLen*batch*actionDims {
		t.Fatalf("invalid number of sampled actions \n\twant(%v) "+
			"\n\thave(%v)", seqLen*batch*actionDims, len(actions))
	}
	for i, action := range actions {
		if action < -1.0 || action > 1.0 {
			t.Errorf("sampled action %v out of bounds \n\twant([-1, 1]) "+
				"\n\thave(%v)", i, action)
		}
	}

	logProber, ok := dist.(agent.LogProber)
	if !ok {
		t.Fatalf("distribution cannot compute log probabilities")
	}

	logProbs, err := logProber.LogProb(make([]float64, seqLen*batch))
	if err != nil {
		t.Fatalf("could not compute log probabilities: %v", err)
	}

	// All weights are 0, so every timestep of every batch element is a
	// squashed N(0, 1+offset) with a known log density at the centre.
	want := zeroPolicyLogProb()
	for i, logProb := range logProbs {
		if math.Abs(logProb-want) > 1e-10 {
			t.Errorf("incorrect log probability for element %v "+
				"\n\twant(%v) \n\thave(%v)", i, want, logProb)
		}
	}
}

func TestGaussianRNNResample(t *testing.T) {
	const batch = 2
	pol := newGaussianRNN(t, 1, 1, batch, 1, G.Zeroes())

	if err := pol.Resample(); err != nil {
		t.Fatalf("could not resample noise: %v", err)
	}
	if err := pol.Network().SetInput([]float64{0.5, -0.5}); err != nil {
		t.Fatalf("could not set network input: %v", err)
	}

	vm := G.NewTapeMachine(pol.Network().Graph())
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		t.Fatalf("could not run policy graph: %v", err)
	}

	actions := pol.ActionNodes()[0].Value().Data().([]float64)
	for i, action := range actions {
		if action == 0.0 {
			t.Errorf("action %v unchanged after resampling noise", i)
		}
		if action < -1.0 || action > 1.0 {
			t.Errorf("resampled action %v out of bounds \n\twant([-1, 1]) "+
				"\n\thave(%v)", i, action)
		}
	}
}

func TestGaussianRNNCloneForActing(t *testing.T) {
	pol := newGaussianRNN(t, 2, 1, 3, 2, G.GlorotU(1.0))

	clone, err := pol.CloneForActing()
	if err != nil {
		t.Fatalf("could not clone policy for acting: %v", err)
	}

	if batch := clone.Network().BatchSize(); batch != 1 {
		t.Errorf("acting clone has incorrect batch size \n\twant(1) "+
			"\n\thave(%v)", batch)
	}

	origLearnables := pol.Network().Learnables()
	cloneLearnables := clone.Network().Learnables()
	if len(origLearnables) != len(cloneLearnables) {
		t.Fatalf("acting clone has incorrect number of learnables "+
			"\n\twant(%v) \n\thave(%v)", len(origLearnables),
			len(cloneLearnables))
	}

	// Weight copying across unroll lengths relies on a stable
	// learnable ordering, so compare learnables positionally.
	for i := range origLearnables {
		origWeights := origLearnables[i].Value().Data().([]float64)
		cloneWeights := cloneLearnables[i].Value().Data().([]float64)
		if len(origWeights) != len(cloneWeights) {
			t.Fatalf("acting clone learnable %v has incorrect size "+
				"\n\twant(%v) \n\thave(%v)", origLearnables[i].Name(),
				len(origWeights), len(cloneWeights))
		}
		for j := range origWeights {
			if origWeights[j] != cloneWeights[j] {
				t.Errorf("acting clone weights differ for learnable %v "+
					"\n\twant(%v) \n\thave(%v)", origLearnables[i].Name(),
					origWeights[j], cloneWeights[j])
			}
		}
	}

	// The acting clone selects bounded actions one timestep at a time
	obs := mat.NewVecDense(2, []float64{0.5, -0.25})
	action := clone.SelectAction(timestep.Restart(obs))
	if action.AtVec(0) < -1.0 || action.AtVec(0) > 1.0 {
		t.Errorf("acting clone action out of bounds \n\twant([-1, 1]) "+
			"\n\thave(%v)", action.AtVec(0))
	}
}

func TestGaussianRNNInvalidConfiguration(t *testing.T) {
	obsSpec := spec.NewContinuousObservation(2)

	unbounded := spec.NewContinuousAction(
		[]float64{math.Inf(-1)},
		[]float64{math.Inf(1)},
	)
	_, err := policy.NewGaussianRNN(
		obsSpec,
		unbounded,
		1,
		1,
		3,
		[]int{4},
		[]bool{true},
		[]*network.Activation{network.ReLU()},
		[]int{},
		[]bool{},
		[]*network.Activation{},
		G.Zeroes(),
		42,
	)
	if err == nil {
		t.Errorf("expected error for unbounded action specification")
	}

	_, bounded := newBoundedSpecs(2, 1)
	_, err = policy.NewGaussianRNN(
		obsSpec,
		bounded,
		1,
		0,
		3,
		[]int{4},
		[]bool{true},
		[]*network.Activation{network.ReLU()},
		[]int{},
		[]bool{},
		[]*network.Activation{},
		G.Zeroes(),
		42,
	)
	if err == nil {
		t.Errorf("expected error for a zero length unroll")
	}
}
