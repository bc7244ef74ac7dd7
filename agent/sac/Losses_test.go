package sac_test

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/StaminaTang/pisac/agent"
	"github.com/StaminaTang/pisac/agent/sac"
	"github.com/StaminaTang/pisac/network"
	"github.com/StaminaTang/pisac/spec"
	"github.com/StaminaTang/pisac/timestep"
)

// fixedActor is an ActorPolicy whose distribution always selects the
// same action with the same log probability density, making every
// entropy regularized loss computable by hand.
type fixedActor struct {
	action  float64
	logProb float64
	eval    bool
}

func (f *fixedActor) SelectAction(t timestep.TimeStep) *mat.VecDense {
	return mat.NewVecDense(1, []float64{f.action})
}

func (f *fixedActor) Eval()        { f.eval = true }
func (f *fixedActor) Train()       { f.eval = false }
func (f *fixedActor) IsEval() bool { return f.eval }

func (f *fixedActor) Distribution(obs []float64,
	batch int) (agent.Distribution, error) {
	return &fixedDist{action: f.action, logProb: f.logProb,
		rows: batch}, nil
}

// fixedDist selects a single one-dimensional action with a fixed log
// probability density for every batch element
type fixedDist struct {
	action  float64
	logProb float64
	rows    int
}

func (f *fixedDist) Sample() ([]float64, error) {
	actions := make([]float64, f.rows)
	for i := range actions {
		actions[i] = f.action
	}
	return actions, nil
}

func (f *fixedDist) LogProb(actions []float64) ([]float64, error) {
	logProbs := make([]float64, f.rows)
	for i := range logProbs {
		logProbs[i] = f.logProb
	}
	return logProbs, nil
}

// pointActor is an ActorPolicy whose distribution is a point mass on
// a single action. Its distributions cannot compute densities, so
// losses treat the policy as having no entropy.
type pointActor struct {
	fixedActor
}

func (p *pointActor) Distribution(obs []float64,
	batch int) (agent.Distribution, error) {
	return &pointDist{action: p.action, rows: batch}, nil
}

type pointDist struct {
	action float64
	rows   int
}

func (p *pointDist) Sample() ([]float64, error) {
	actions := make([]float64, p.rows)
	for i := range actions {
		actions[i] = p.action
	}
	return actions, nil
}

// newQNet returns a feed-forward critic with identity roots taking 2
// observation features and a single action, whose leaf is one linear
// layer with weights [0, 1, 1] and no bias, so that
//
//	q(o, a) = o[1] + a
func newQNet(t *testing.T, batch int) network.NeuralNet {
	t.Helper()

	net, err := network.NewRevTreeMLP([]int{2, 1}, batch, 1, G.NewGraph(),
		[][]int{{}, {}},
		[][]bool{{}, {}},
		[][]*network.Activation{{}, {}},
		[]int{}, []bool{}, []*network.Activation{},
		G.Zeroes())
	if err != nil {
		t.Fatalf("could not create critic: %v", err)
	}

	weights := tensor.New(tensor.WithShape(3, 1),
		tensor.WithBacking([]float64{0.0, 1.0, 1.0}))
	if err := G.Let(net.Learnables()[0], weights); err != nil {
		t.Fatalf("could not set critic weights: %v", err)
	}
	return net
}

// newLossAgent returns a query-only agent over the newQNet critics
func newLossAgent(t *testing.T, config sac.Config,
	actor agent.ActorPolicy) *sac.SAC {
	t.Helper()

	obsSpec := spec.NewContinuousObservation(2)
	actionSpec := spec.NewContinuousAction([]float64{-2.0}, []float64{2.0})

	a, err := sac.New(obsSpec, actionSpec, actor, newQNet(t, 2),
		newQNet(t, 2), config, 42)
	if err != nil {
		t.Fatalf("could not create agent: %v", err)
	}
	return a
}

// lossBatches returns two transitions: observations [1, 2] and
// [3, 4] with actions 5 and 6, transitioning to observations [5, 6]
// and [7, 8] with rewards 10 and 20 and discounts 0.9.
func lossBatches(t *testing.T) (timestep.Batch, []float64, timestep.Batch) {
	t.Helper()

	steps, err := timestep.RestartBatch([]float64{1, 2, 3, 4}, 2, 2)
	if err != nil {
		t.Fatalf("could not create timestep batch: %v", err)
	}
	nextSteps, err := timestep.TransitionBatch([]float64{5, 6, 7, 8},
		[]float64{10, 20}, []float64{0.9, 0.9}, 2)
	if err != nil {
		t.Fatalf("could not create next timestep batch: %v", err)
	}
	return steps, []float64{5, 6}, nextSteps
}

// With q(o, a) = o[1] + a, a policy fixing a' = 1 with log probability
// 10, gamma = 1, and alpha = 1, the TD targets are
//
//	y = r + 0.9*(q(o', 1) - 10) = [7.3, 19.1]
//
// against online values q = [7, 10]. Each critic's mean squared TD
// error is (0.09 + 82.81)/2 = 41.45 and the loss sums both critics.
func TestCriticLoss(t *testing.T) {
	a := newLossAgent(t, sac.Config{}, &fixedActor{action: 1, logProb: 10})
	defer a.Close()
	steps, actions, nextSteps := lossBatches(t)

	loss, err := a.CriticLoss(steps, actions, nextSteps, nil)
	if err != nil {
		t.Fatalf("could not compute critic loss: %v", err)
	}
	if math.Abs(loss-82.9) > 1.0e-9 {
		t.Errorf("invalid critic loss \n\twant(%v) \n\thave(%v)", 82.9,
			loss)
	}
}

// Substituting the true next observations as the target observations
// must reproduce the standard TD loss exactly
func TestCriticLossQAugAtNextObs(t *testing.T) {
	a := newLossAgent(t, sac.Config{}, &fixedActor{action: 1, logProb: 10})
	defer a.Close()
	steps, actions, nextSteps := lossBatches(t)

	targetObs := append([]float64{}, nextSteps.Observations...)
	loss, err := a.CriticLossQAug(steps, actions, nextSteps, targetObs,
		nil)
	if err != nil {
		t.Fatalf("could not compute critic loss: %v", err)
	}
	if math.Abs(loss-82.9) > 1.0e-9 {
		t.Errorf("invalid critic loss \n\twant(%v) \n\thave(%v)", 82.9,
			loss)
	}
}

// Target observations substitute only the observations entering the
// target critics. With targetObs = [1, 0] for both rows the bootstrap
// values become q(targetObs, 1) = 1, so the targets are
//
//	y = r + 0.9*(1 - 10) = [1.9, 11.9]
//
// against online values q = [7, 10], for a loss of
// 2 * (26.01 + 3.61)/2 = 29.62.
func TestCriticLossQAugSubstitutesBootstrapObs(t *testing.T) {
	a := newLossAgent(t, sac.Config{}, &fixedActor{action: 1, logProb: 10})
	defer a.Close()
	steps, actions, nextSteps := lossBatches(t)

	targetObs := []float64{1, 0, 1, 0}
	loss, err := a.CriticLossQAug(steps, actions, nextSteps, targetObs,
		nil)
	if err != nil {
		t.Fatalf("could not compute critic loss: %v", err)
	}
	if math.Abs(loss-29.62) > 1.0e-9 {
		t.Errorf("invalid critic loss \n\twant(%v) \n\thave(%v)", 29.62,
			loss)
	}
}

// A policy whose distributions cannot compute densities contributes
// no entropy, so the targets become y = r + 0.9*q(o', 1) =
// [16.3, 28.1] and the loss 2 * (86.49 + 327.61)/2 = 414.1.
func TestCriticLossWithoutDensities(t *testing.T) {
	actor := &pointActor{fixedActor{action: 1, logProb: 10}}
	a := newLossAgent(t, sac.Config{}, actor)
	defer a.Close()
	steps, actions, nextSteps := lossBatches(t)

	loss, err := a.CriticLoss(steps, actions, nextSteps, nil)
	if err != nil {
		t.Fatalf("could not compute critic loss: %v", err)
	}
	if math.Abs(loss-414.1) > 1.0e-9 {
		t.Errorf("invalid critic loss \n\twant(%v) \n\thave(%v)", 414.1,
			loss)
	}
}

// The TD errors of TestCriticLoss are [0.3, 9.1], so under the
// absolute value loss each critic costs (0.3 + 9.1)/2 = 4.7
func TestCriticLossAbsTDLoss(t *testing.T) {
	a := newLossAgent(t, sac.Config{}, &fixedActor{action: 1, logProb: 10})
	defer a.Close()
	steps, actions, nextSteps := lossBatches(t)

	loss, err := a.CriticLoss(steps, actions, nextSteps, sac.AbsTDLoss)
	if err != nil {
		t.Fatalf("could not compute critic loss: %v", err)
	}
	if math.Abs(loss-9.4) > 1.0e-9 {
		t.Errorf("invalid critic loss \n\twant(%v) \n\thave(%v)", 9.4,
			loss)
	}
}

// Rewards are transformed before entering TD targets: with scale 2
// and shift 1 the targets become y = 2r + 1 + 0.9*(q(o', 1) - 10) =
// [18.3, 40.1], for a loss of 2 * (127.69 + 906.01)/2 = 1033.7.
func TestCriticLossRewardTransform(t *testing.T) {
	config := sac.Config{RewardScale: 2.0, RewardShift: 1.0}
	a := newLossAgent(t, config, &fixedActor{action: 1, logProb: 10})
	defer a.Close()
	steps, actions, nextSteps := lossBatches(t)

	loss, err := a.CriticLoss(steps, actions, nextSteps, nil)
	if err != nil {
		t.Fatalf("could not compute critic loss: %v", err)
	}
	if math.Abs(loss-1033.7) > 1.0e-9 {
		t.Errorf("invalid critic loss \n\twant(%v) \n\thave(%v)", 1033.7,
			loss)
	}
}

// Both target critics share weights here, so bootstrapping from a
// REDQ subset of one critic must give the same loss as the minimum
// over both
func TestCriticLossRedqSubset(t *testing.T) {
	config := sac.Config{QReduction: sac.Redq, RedqSampleSize: 1}
	a := newLossAgent(t, config, &fixedActor{action: 1, logProb: 10})
	defer a.Close()
	steps, actions, nextSteps := lossBatches(t)

	loss, err := a.CriticLoss(steps, actions, nextSteps, nil)
	if err != nil {
		t.Fatalf("could not compute critic loss: %v", err)
	}
	if math.Abs(loss-82.9) > 1.0e-9 {
		t.Errorf("invalid critic loss \n\twant(%v) \n\thave(%v)", 82.9,
			loss)
	}
}

// At observations [1, 2] and [3, 4] the online critics value the
// policy's action 1 at q = [3, 5], so with alpha = 1 the policy loss
// is mean(1*10 - [3, 5]) = 6
func TestActorLoss(t *testing.T) {
	a := newLossAgent(t, sac.Config{}, &fixedActor{action: 1, logProb: 10})
	defer a.Close()
	steps, _, _ := lossBatches(t)

	loss, err := a.ActorLoss(steps)
	if err != nil {
		t.Fatalf("could not compute actor loss: %v", err)
	}
	if math.Abs(loss-6.0) > 1.0e-9 {
		t.Errorf("invalid actor loss \n\twant(%v) \n\thave(%v)", 6.0, loss)
	}
}

// With log alpha 4 and target entropy 3, every batch element has
// entropy gap -10 - 3 = -13, so the entropy scale loss is 4 * -13
func TestAlphaLoss(t *testing.T) {
	targetEntropy := 3.0
	config := sac.Config{InitialLogAlpha: 4.0,
		TargetEntropy: &targetEntropy}
	a := newLossAgent(t, config, &fixedActor{action: 1, logProb: 10})
	defer a.Close()
	steps, _, _ := lossBatches(t)

	loss, err := a.AlphaLoss(steps)
	if err != nil {
		t.Fatalf("could not compute entropy scale loss: %v", err)
	}
	if math.Abs(loss+52.0) > 1.0e-9 {
		t.Errorf("invalid entropy scale loss \n\twant(%v) \n\thave(%v)",
			-52.0, loss)
	}

	if logAlpha := a.LogAlpha(); logAlpha != 4.0 {
		t.Errorf("invalid log entropy scale \n\twant(%v) \n\thave(%v)",
			4.0, logAlpha)
	}
	if alpha := a.Alpha(); math.Abs(alpha-math.Exp(4.0)) > 1.0e-12 {
		t.Errorf("invalid entropy scale \n\twant(%v) \n\thave(%v)",
			math.Exp(4.0), alpha)
	}
}

// TdError scores the first transition of TestCriticLoss, whose target
// is 7.3 against an online value of 7
func TestTdError(t *testing.T) {
	a := newLossAgent(t, sac.Config{}, &fixedActor{action: 1, logProb: 10})
	defer a.Close()

	transition := timestep.Transition{
		State:     mat.NewVecDense(2, []float64{1, 2}),
		Action:    mat.NewVecDense(1, []float64{5}),
		Reward:    10,
		Discount:  0.9,
		NextState: mat.NewVecDense(2, []float64{5, 6}),
	}

	tdError := a.TdError(transition)
	if math.Abs(tdError-0.3) > 1.0e-9 {
		t.Errorf("invalid TD error \n\twant(%v) \n\thave(%v)", 0.3,
			tdError)
	}
}

func TestTdErrorRecurrentPanics(t *testing.T) {
	config := sac.Config{TrainSequenceLength: 3}
	obsSpec := spec.NewContinuousObservation(2)
	actionSpec := spec.NewContinuousAction([]float64{-2.0}, []float64{2.0})

	a, err := sac.New(obsSpec, actionSpec,
		&fixedActor{action: 1, logProb: 10}, newRecurrentQNet(t, 2, 2),
		newRecurrentQNet(t, 2, 2), config, 42)
	if err != nil {
		t.Fatalf("could not create agent: %v", err)
	}
	defer a.Close()

	defer func() {
		if recover() == nil {
			t.Error("expected a panic when scoring a single transition")
		}
	}()
	a.TdError(timestep.Transition{
		State:     mat.NewVecDense(2, []float64{1, 2}),
		Action:    mat.NewVecDense(1, []float64{5}),
		Reward:    10,
		Discount:  0.9,
		NextState: mat.NewVecDense(2, []float64{5, 6}),
	})
}

// newRecurrentQNet returns a recurrent critic taking the
// concatenation of 2 observation features and a single action at each
// of seqLen unrolled timesteps
func newRecurrentQNet(t *testing.T, batch, seqLen int) network.NeuralNet {
	t.Helper()

	net, err := network.NewRNNMLP(3, batch, seqLen, 4, 1, G.NewGraph(),
		[]int{8}, []bool{true}, []*network.Activation{network.ReLU()},
		[]int{8}, []bool{true}, []*network.Activation{network.ReLU()},
		G.GlorotU(1.0))
	if err != nil {
		t.Fatalf("could not create recurrent critic: %v", err)
	}
	return net
}

func TestCriticLossInvalidBatchSize(t *testing.T) {
	a := newLossAgent(t, sac.Config{}, &fixedActor{action: 1, logProb: 10})
	defer a.Close()
	_, actions, nextSteps := lossBatches(t)

	steps, err := timestep.RestartBatch([]float64{1, 2, 3, 4, 5, 6}, 3, 2)
	if err != nil {
		t.Fatalf("could not create timestep batch: %v", err)
	}

	if _, err := a.CriticLoss(steps, actions, nextSteps, nil); err == nil {
		t.Error("expected an error for a mis-sized timestep batch")
	}
}

func TestCriticLossQAugInvalidTargetObs(t *testing.T) {
	a := newLossAgent(t, sac.Config{}, &fixedActor{action: 1, logProb: 10})
	defer a.Close()
	steps, actions, nextSteps := lossBatches(t)

	targetObs := []float64{1, 0}
	_, err := a.CriticLossQAug(steps, actions, nextSteps, targetObs, nil)
	if err == nil {
		t.Error("expected an error for mis-sized target observations")
	}
}

func TestActorLossInvalidFeatures(t *testing.T) {
	a := newLossAgent(t, sac.Config{}, &fixedActor{action: 1, logProb: 10})
	defer a.Close()

	steps, err := timestep.RestartBatch([]float64{1, 2, 3, 4, 5, 6}, 2, 3)
	if err != nil {
		t.Fatalf("could not create timestep batch: %v", err)
	}

	if _, err := a.ActorLoss(steps); err == nil {
		t.Error("expected an error for invalid observation features")
	}
}
