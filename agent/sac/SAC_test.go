package sac

import (
	"math"
	"testing"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/StaminaTang/pisac/agent"
	"github.com/StaminaTang/pisac/agent/policy"
	"github.com/StaminaTang/pisac/network"
	"github.com/StaminaTang/pisac/solver"
	"github.com/StaminaTang/pisac/spec"
	"github.com/StaminaTang/pisac/timestep"
)

// stubActor is an ActorPolicy without reparameterized gradients, so
// it can serve query-only agents but not training agents
type stubActor struct {
	eval bool
}

func (s *stubActor) SelectAction(t timestep.TimeStep) *mat.VecDense {
	return mat.NewVecDense(1, nil)
}

func (s *stubActor) Eval()        { s.eval = true }
func (s *stubActor) Train()       { s.eval = false }
func (s *stubActor) IsEval() bool { return s.eval }

func (s *stubActor) Distribution(obs []float64,
	batch int) (agent.Distribution, error) {
	return stubDist(batch), nil
}

// stubDist selects the zero action for every batch element
type stubDist int

func (d stubDist) Sample() ([]float64, error) {
	return make([]float64, int(d)), nil
}

// testCritic returns a feed-forward critic with identity roots over 2
// observation features and a single action, and one linear leaf
// layer. When weights is non-nil the leaf weights are set to it with
// the bias left at zero; otherwise the layer is Glorot initialized.
func testCritic(t *testing.T, batch int, weights []float64) network.NeuralNet {
	t.Helper()

	init := G.GlorotU(1.0)
	if weights != nil {
		init = G.Zeroes()
	}
	net, err := network.NewRevTreeMLP([]int{2, 1}, batch, 1, G.NewGraph(),
		[][]int{{}, {}},
		[][]bool{{}, {}},
		[][]*network.Activation{{}, {}},
		[]int{}, []bool{}, []*network.Activation{},
		init)
	if err != nil {
		t.Fatalf("could not create critic: %v", err)
	}

	if weights != nil {
		w := tensor.New(tensor.WithShape(len(weights), 1),
			tensor.WithBacking(weights))
		if err := G.Let(net.Learnables()[0], w); err != nil {
			t.Fatalf("could not set critic weights: %v", err)
		}
	}
	return net
}

// testRecurrentCritic returns a recurrent critic taking features
// input features at each of seqLen unrolled timesteps
func testRecurrentCritic(t *testing.T, features, batch,
	seqLen int) network.NeuralNet {
	t.Helper()

	net, err := network.NewRNNMLP(features, batch, seqLen, 4, 1,
		G.NewGraph(),
		[]int{8}, []bool{true}, []*network.Activation{network.ReLU()},
		[]int{8}, []bool{true}, []*network.Activation{network.ReLU()},
		G.GlorotU(1.0))
	if err != nil {
		t.Fatalf("could not create recurrent critic: %v", err)
	}
	return net
}

func newAdam(t *testing.T, batch int) *solver.Solver {
	t.Helper()

	sol, err := solver.NewDefaultAdam(0.01, batch)
	if err != nil {
		t.Fatalf("could not create solver: %v", err)
	}
	return sol
}

// queryAgent returns an agent over hand set critics that answers loss
// queries but cannot train
func queryAgent(t *testing.T, config Config) *SAC {
	t.Helper()

	obsSpec := spec.NewContinuousObservation(2)
	actionSpec := spec.NewContinuousAction([]float64{-1}, []float64{1})

	a, err := New(obsSpec, actionSpec, &stubActor{},
		testCritic(t, 2, []float64{0, 1, 1}),
		testCritic(t, 2, []float64{0, 1, 1}), config, 14)
	if err != nil {
		t.Fatalf("could not create agent: %v", err)
	}
	return a
}

// trainTrajectory returns a batch of synthetic sub-trajectories of
// ongoing episodes
func trainTrajectory(t *testing.T, batch, seqLen, obsDims,
	actionDims int) timestep.Trajectory {
	t.Helper()

	n := batch * seqLen
	stepTypes := make([]timestep.StepType, n)
	nextStepTypes := make([]timestep.StepType, n)
	rewards := make([]float64, n)
	discounts := make([]float64, n)
	obs := make([]float64, n*obsDims)
	actions := make([]float64, n*actionDims)

	rng := rand.New(rand.NewSource(17))
	for i := 0; i < n; i++ {
		stepTypes[i] = timestep.Mid
		nextStepTypes[i] = timestep.Mid
		rewards[i] = rng.Float64()
		discounts[i] = 0.9
	}
	for i := range obs {
		obs[i] = rng.Float64()*2 - 1
	}
	for i := range actions {
		actions[i] = rng.Float64() - 0.5
	}

	traj, err := timestep.NewTrajectory(stepTypes, nextStepTypes, obs,
		actions, rewards, discounts, batch, seqLen, obsDims, actionDims)
	if err != nil {
		t.Fatalf("could not create trajectory: %v", err)
	}
	return traj
}

// trainAgent returns a feed-forward agent over 3 observation features
// and 2 action dimensions, training every component with Adam
func trainAgent(t *testing.T, config Config, batch int) *SAC {
	t.Helper()

	obsSpec := spec.NewContinuousObservation(3)
	actionSpec := spec.NewContinuousAction([]float64{-1, -1},
		[]float64{1, 1})

	actor, err := policy.NewGaussianMLP(obsSpec, actionSpec, batch,
		[]int{8}, []bool{true}, []*network.Activation{network.TanH()},
		[][]int{{}, {}}, [][]bool{{}, {}},
		[][]*network.Activation{{}, {}}, G.GlorotU(1.0), 3)
	if err != nil {
		t.Fatalf("could not create policy: %v", err)
	}

	critic := func() network.NeuralNet {
		net, err := network.NewRevTreeMLP([]int{3, 2}, batch, 1,
			G.NewGraph(),
			[][]int{{}, {}}, [][]bool{{}, {}},
			[][]*network.Activation{{}, {}},
			[]int{8}, []bool{true},
			[]*network.Activation{network.TanH()}, G.GlorotU(1.0))
		if err != nil {
			t.Fatalf("could not create critic: %v", err)
		}
		return net
	}

	config.CriticSolver = newAdam(t, batch)
	config.ActorSolver = newAdam(t, batch)
	config.AlphaSolver = newAdam(t, batch)

	a, err := New(obsSpec, actionSpec, actor, critic(), critic(), config,
		14)
	if err != nil {
		t.Fatalf("could not create agent: %v", err)
	}
	return a
}

func TestNewRequiresComponents(t *testing.T) {
	obsSpec := spec.NewContinuousObservation(2)
	actionSpec := spec.NewContinuousAction([]float64{-1}, []float64{1})

	_, err := New(obsSpec, actionSpec, nil, testCritic(t, 2, nil),
		testCritic(t, 2, nil), Config{}, 14)
	if err == nil {
		t.Error("expected an error for a nil actor")
	}

	_, err = New(obsSpec, actionSpec, &stubActor{}, testCritic(t, 2, nil),
		nil, Config{}, 14)
	if err == nil {
		t.Error("expected an error for a nil critic")
	}

	discrete := spec.NewEnvironment(mat.NewVecDense(1, nil), spec.Action,
		mat.NewVecDense(1, []float64{0}), mat.NewVecDense(1, []float64{2}),
		spec.Discrete)
	_, err = New(obsSpec, discrete, &stubActor{}, testCritic(t, 2, nil),
		testCritic(t, 2, nil), Config{}, 14)
	if err == nil {
		t.Error("expected an error for discrete actions")
	}
}

func TestNewValidatesCritics(t *testing.T) {
	obsSpec := spec.NewContinuousObservation(2)
	actionSpec := spec.NewContinuousAction([]float64{-1}, []float64{1})

	_, err := New(obsSpec, actionSpec, &stubActor{}, testCritic(t, 2, nil),
		testCritic(t, 3, nil), Config{}, 14)
	if err == nil {
		t.Error("expected an error for mismatched critic batch sizes")
	}

	// Roots that do not take observations then actions
	bad, err := network.NewRevTreeMLP([]int{3, 1}, 2, 1, G.NewGraph(),
		[][]int{{}, {}}, [][]bool{{}, {}},
		[][]*network.Activation{{}, {}},
		[]int{}, []bool{}, []*network.Activation{},
		G.Zeroes())
	if err != nil {
		t.Fatalf("could not create critic: %v", err)
	}
	_, err = New(obsSpec, actionSpec, &stubActor{}, bad,
		testCritic(t, 2, nil), Config{}, 14)
	if err == nil {
		t.Error("expected an error for invalid critic features")
	}

	_, err = New(obsSpec, actionSpec, &stubActor{}, testCritic(t, 2, nil),
		testRecurrentCritic(t, 3, 2, 2), Config{}, 14)
	if err == nil {
		t.Error("expected an error for mixed critic recurrence")
	}

	// Recurrent critics must unroll over the transition steps
	_, err = New(obsSpec, actionSpec, &stubActor{},
		testRecurrentCritic(t, 3, 2, 3), testRecurrentCritic(t, 3, 2, 3),
		Config{TrainSequenceLength: 3}, 14)
	if err == nil {
		t.Error("expected an error for an invalid critic unroll length")
	}

	_, err = New(obsSpec, actionSpec, &stubActor{}, testCritic(t, 2, nil),
		testCritic(t, 2, nil), Config{TrainSequenceLength: 3}, 14)
	if err == nil {
		t.Error("expected an error for multi step feed-forward training")
	}
}

func TestNewValidatesActor(t *testing.T) {
	obsSpec := spec.NewContinuousObservation(3)
	actionSpec := spec.NewContinuousAction([]float64{-1, -1},
		[]float64{1, 1})

	critic := func(batch int) network.NeuralNet {
		net, err := network.NewRevTreeMLP([]int{3, 2}, batch, 1,
			G.NewGraph(),
			[][]int{{}, {}}, [][]bool{{}, {}},
			[][]*network.Activation{{}, {}},
			[]int{}, []bool{}, []*network.Activation{},
			G.GlorotU(1.0))
		if err != nil {
			t.Fatalf("could not create critic: %v", err)
		}
		return net
	}
	config := Config{
		CriticSolver: newAdam(t, 2),
		ActorSolver:  newAdam(t, 2),
	}

	_, err := New(obsSpec, actionSpec, &stubActor{}, critic(2), critic(2),
		config, 14)
	if err == nil {
		t.Error("expected an error for a non reparameterized actor")
	}

	actor, err := policy.NewGaussianMLP(obsSpec, actionSpec, 3,
		[]int{8}, []bool{true}, []*network.Activation{network.TanH()},
		[][]int{{}, {}}, [][]bool{{}, {}},
		[][]*network.Activation{{}, {}}, G.GlorotU(1.0), 3)
	if err != nil {
		t.Fatalf("could not create policy: %v", err)
	}
	_, err = New(obsSpec, actionSpec, actor, critic(2), critic(2), config,
		14)
	if err == nil {
		t.Error("expected an error for mismatched actor and critic " +
			"batch sizes")
	}
}

// With tau 1 a sync replaces the target weights with deep copies of
// the online weights
func TestSyncTargetsReplace(t *testing.T) {
	a := queryAgent(t, Config{})
	defer a.Close()

	for _, online := range a.onlines {
		w := tensor.New(tensor.WithShape(3, 1),
			tensor.WithBacking([]float64{3, 4, 5}))
		if err := G.Let(online.net.Learnables()[0], w); err != nil {
			t.Fatalf("could not perturb online critic: %v", err)
		}
	}

	if err := a.syncTargets(); err != nil {
		t.Fatalf("could not sync target critics: %v", err)
	}

	want := []float64{3, 4, 5}
	for i, target := range a.targets {
		have := target.net.Learnables()[0].Value().Data().([]float64)
		for j := range want {
			if have[j] != want[j] {
				t.Errorf("invalid target critic %v weight %v \n\twant(%v) "+
					"\n\thave(%v)", i, j, want[j], have[j])
			}
		}
	}

	online := a.onlines[0].net.Learnables()[0].Value().Data().([]float64)
	online[0] = 99
	have := a.targets[0].net.Learnables()[0].Value().Data().([]float64)
	if have[0] != 3 {
		t.Errorf("target critic weights alias the online weights "+
			"\n\twant(%v) \n\thave(%v)", 3, have[0])
	}
}

// With tau 0.5 and online weights perturbed from [0, 1, 1] to
// [2, 2, 2], a sync moves the target weights to [1, 1.5, 1.5]
func TestSyncTargetsPolyak(t *testing.T) {
	a := queryAgent(t, Config{Tau: 0.5})
	defer a.Close()

	for _, online := range a.onlines {
		w := tensor.New(tensor.WithShape(3, 1),
			tensor.WithBacking([]float64{2, 2, 2}))
		if err := G.Let(online.net.Learnables()[0], w); err != nil {
			t.Fatalf("could not perturb online critic: %v", err)
		}
	}

	if err := a.syncTargets(); err != nil {
		t.Fatalf("could not sync target critics: %v", err)
	}

	want := []float64{1, 1.5, 1.5}
	for i, target := range a.targets {
		have := target.net.Learnables()[0].Value().Data().([]float64)
		for j := range want {
			if math.Abs(have[j]-want[j]) > 1.0e-12 {
				t.Errorf("invalid target critic %v weight %v \n\twant(%v) "+
					"\n\thave(%v)", i, j, want[j], have[j])
			}
		}
	}
}

func TestTrainWithoutSolvers(t *testing.T) {
	a := queryAgent(t, Config{})
	defer a.Close()

	traj := trainTrajectory(t, 2, 2, 2, 1)
	if _, err := a.Train(traj); err == nil {
		t.Error("expected an error when training without solvers")
	}
}

func TestTrainFeedForward(t *testing.T) {
	a := trainAgent(t, Config{Gamma: 0.99}, 4)
	defer a.Close()
	traj := trainTrajectory(t, 4, 2, 3, 2)

	before := append([]float64{},
		a.onlines[0].net.Learnables()[0].Value().Data().([]float64)...)
	logAlphaBefore := a.LogAlpha()

	info, err := a.Train(traj)
	if err != nil {
		t.Fatalf("could not train: %v", err)
	}

	losses := []float64{info.CriticLoss, info.ActorLoss, info.AlphaLoss}
	for i, loss := range losses {
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			t.Errorf("invalid loss %v \n\thave(%v)", i, loss)
		}
	}
	if a.TrainSteps() != 1 {
		t.Errorf("invalid number of training steps \n\twant(%v) "+
			"\n\thave(%v)", 1, a.TrainSteps())
	}

	after := a.onlines[0].net.Learnables()[0].Value().Data().([]float64)
	moved := false
	for i := range before {
		if before[i] != after[i] {
			moved = true
			break
		}
	}
	if !moved {
		t.Error("training left the online critic weights unchanged")
	}

	// With a period of 1 and tau of 1, the targets hold the online
	// weights after the update
	for i := range a.targets {
		tw := a.targets[i].net.Learnables()[0].Value().Data().([]float64)
		ow := a.onlines[i].net.Learnables()[0].Value().Data().([]float64)
		for j := range tw {
			if tw[j] != ow[j] {
				t.Errorf("target critic %v out of sync at weight %v "+
					"\n\twant(%v) \n\thave(%v)", i, j, ow[j], tw[j])
				break
			}
		}
	}

	if a.LogAlpha() == logAlphaBefore {
		t.Error("training left the entropy scale unchanged")
	}

	step := timestep.New(timestep.Mid, 0, 1,
		mat.NewVecDense(3, []float64{0.1, -0.2, 0.3}), 1)
	action := a.Policy().SelectAction(step)
	if action.Len() != 2 {
		t.Fatalf("invalid action dimensions \n\twant(%v) \n\thave(%v)",
			2, action.Len())
	}
	for i := 0; i < action.Len(); i++ {
		if v := action.AtVec(i); v < -1 || v > 1 {
			t.Errorf("action dimension %v out of bounds \n\thave(%v)",
				i, v)
		}
	}
}

func TestTrainExternalStep(t *testing.T) {
	a := trainAgent(t, Config{ExternalTrainStep: true}, 4)
	defer a.Close()
	traj := trainTrajectory(t, 4, 2, 3, 2)

	if _, err := a.Train(traj); err != nil {
		t.Fatalf("could not train: %v", err)
	}
	if a.TrainSteps() != 0 {
		t.Errorf("externally stepped agent advanced its own counter "+
			"\n\twant(%v) \n\thave(%v)", 0, a.TrainSteps())
	}

	a.SetTrainStep(7)
	if a.TrainSteps() != 7 {
		t.Errorf("invalid number of training steps \n\twant(%v) "+
			"\n\thave(%v)", 7, a.TrainSteps())
	}
}

func TestTrainAug(t *testing.T) {
	a := trainAgent(t, Config{AugCriticWeight: 0.5}, 4)
	defer a.Close()
	traj := trainTrajectory(t, 4, 2, 3, 2)

	// Augmented agents train through TrainAug only
	if _, err := a.Train(traj); err == nil {
		t.Error("expected an error training an augmented agent " +
			"through Train")
	}

	targetObs := traj.ObservationsAt(1)
	info, augLoss, err := a.TrainAug(traj, targetObs)
	if err != nil {
		t.Fatalf("could not train: %v", err)
	}
	if math.IsNaN(info.CriticLoss) || math.IsInf(info.CriticLoss, 0) {
		t.Errorf("invalid critic loss \n\thave(%v)", info.CriticLoss)
	}
	if augLoss < 0 || math.IsNaN(augLoss) || math.IsInf(augLoss, 0) {
		t.Errorf("invalid augmented TD loss \n\thave(%v)", augLoss)
	}

	if _, _, err := a.TrainAug(traj, targetObs[:2]); err == nil {
		t.Error("expected an error for mis-sized target observations")
	}
}

func TestTrainAugRequiresWeight(t *testing.T) {
	a := trainAgent(t, Config{}, 4)
	defer a.Close()
	traj := trainTrajectory(t, 4, 2, 3, 2)

	if _, _, err := a.TrainAug(traj, traj.ObservationsAt(1)); err == nil {
		t.Error("expected an error for an agent without augmented " +
			"targets")
	}
}

func TestTrainRecurrent(t *testing.T) {
	batch, seqLen := 2, 3
	obsSpec := spec.NewContinuousObservation(3)
	actionSpec := spec.NewContinuousAction([]float64{-1, -1},
		[]float64{1, 1})

	actor, err := policy.NewGaussianRNN(obsSpec, actionSpec, batch,
		seqLen-1, 6,
		[]int{8}, []bool{true}, []*network.Activation{network.TanH()},
		[]int{}, []bool{}, []*network.Activation{},
		G.GlorotU(1.0), 3)
	if err != nil {
		t.Fatalf("could not create policy: %v", err)
	}

	config := Config{
		TrainSequenceLength: seqLen,
		CriticSolver:        newAdam(t, batch),
		ActorSolver:         newAdam(t, batch),
		AlphaSolver:         newAdam(t, batch),
	}
	a, err := New(obsSpec, actionSpec, actor,
		testRecurrentCritic(t, 5, batch, seqLen-1),
		testRecurrentCritic(t, 5, batch, seqLen-1), config, 14)
	if err != nil {
		t.Fatalf("could not create agent: %v", err)
	}
	defer a.Close()

	traj := trainTrajectory(t, batch, seqLen, 3, 2)
	info, err := a.Train(traj)
	if err != nil {
		t.Fatalf("could not train: %v", err)
	}

	losses := []float64{info.CriticLoss, info.ActorLoss, info.AlphaLoss}
	for i, loss := range losses {
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			t.Errorf("invalid loss %v \n\thave(%v)", i, loss)
		}
	}
	if a.TrainSteps() != 1 {
		t.Errorf("invalid number of training steps \n\twant(%v) "+
			"\n\thave(%v)", 1, a.TrainSteps())
	}

	// The acting policy carries its own recurrent state between
	// action selections
	step := timestep.New(timestep.Mid, 0, 1,
		mat.NewVecDense(3, []float64{0.1, -0.2, 0.3}), 1)
	for i := 0; i < 2; i++ {
		action := a.Policy().SelectAction(step)
		for j := 0; j < action.Len(); j++ {
			if v := action.AtVec(j); v < -1 || v > 1 {
				t.Errorf("action dimension %v out of bounds \n\thave(%v)",
					j, v)
			}
		}
	}
}
