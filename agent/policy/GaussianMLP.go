// Package policy implements Gaussian policies for continuous action
// spaces using Gorgonia neural networks
package policy

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/StaminaTang/pisac/agent"
	"github.com/StaminaTang/pisac/network"
	"github.com/StaminaTang/pisac/spec"
	"github.com/StaminaTang/pisac/timestep"
	"github.com/StaminaTang/pisac/utils/floatutils"
	"github.com/StaminaTang/pisac/utils/op"
)

// For stability, the standard deviation of the Gaussian distribution
// should be offset from 0.
const stdOffset float64 = 1e-3

// The log standard deviation predicted by the network is clipped to
// this range before exponentiation.
const (
	logStdMin float64 = -20.0
	logStdMax float64 = 2.0
)

// Squashed actions are pulled away from the action bounds by this
// margin before the squashing is inverted, since atanh is infinite at
// the bounds.
const squashEps float64 = 1e-6

// GaussianMLP implements a squashed Gaussian policy parameterized by a
// tree MLP. The MLP has a single root network. The root network breaks
// off into two leaf networks. One predicts the mean, and the other
// the log standard deviation. See the network.TreeMLP struct for
// more details.
//
// Actions are selected with the reparameterization trick. Given a
// network prediction of the mean μ and standard deviation σ of the
// Gaussian policy, noise is sampled from the standard normal
// ε ~ N(0, 1) and an unbounded action u := μ + σ * ε is computed. The
// unbounded action is then squashed into the action bounds:
//
//	action := midpoint + halfRange * tanh(u)
//
// where midpoint and halfRange describe the interval of each action
// dimension. The log probability density of a squashed action includes
// the tanh change of variables correction.
//
// The graph of a GaussianMLP holds the full reparameterized action
// selection, with the noise ε as an input node, so that losses built
// on top of the action and log probability nodes can flow gradients
// back into the policy weights.
type GaussianMLP struct {
	vm  G.VM
	net network.NeuralNet

	mid   []float64 // Midpoint of each action dimension
	scale []float64 // Half range of each action dimension

	epsilon *G.Node // Noise input ε
	actions *G.Node // Squashed reparameterized actions
	logProb *G.Node // Log probability density of actions

	normal     distmv.Rander
	seed       uint64
	actionDims int

	eval bool

	meanVal    G.Value
	stddevVal  G.Value
	actionsVal G.Value
	logProbVal G.Value
}

// NewGaussianMLP returns a new GaussianMLP policy selecting actions
// described by actionSpec from observations described by obsSpec. The
// neural network parameterization of the policy is defined by
// rootHiddenSizes, rootBiases, rootActivations, leafHiddenSizes,
// leafBiases, and leafActivations. See the network.TreeMLP struct for
// details on what each of these parameters defines.
//
// The policy can select actions at each timestep with SelectAction()
// only when batch = 1. Policies with a larger batch size compute
// actions and log probabilities for batches of observations and are
// used for learning the policy weights.
//
// The init parameter determines the weight initialization scheme for
// the neural net and the seed parameter determines the seed of the
// policy's noise sampler.
func NewGaussianMLP(obsSpec, actionSpec spec.Environment, batch int,
	rootHiddenSizes []int, rootBiases []bool,
	rootActivations []*network.Activation, leafHiddenSizes [][]int,
	leafBiases [][]bool, leafActivations [][]*network.Activation,
	init G.InitWFn, seed uint64) (agent.ReparamActor, error) {
	if actionSpec.Cardinality != spec.Continuous {
		return nil, fmt.Errorf("newgaussianmlp: actions must be continuous")
	}
	if len(leafHiddenSizes) != 2 {
		return nil, fmt.Errorf("newgaussianmlp: gaussian policy requires 2 "+
			"leaf networks \n\twant(2) \n\thave(%v)", len(leafHiddenSizes))
	}

	mid, scale, err := actionBounds(actionSpec)
	if err != nil {
		return nil, fmt.Errorf("newgaussianmlp: %v", err)
	}

	features := obsSpec.Shape.Len()
	actionDims := actionSpec.Shape.Len()

	net, err := network.NewTreeMLP(
		features,
		batch,
		actionDims,
		G.NewGraph(),
		rootHiddenSizes,
		rootBiases,
		rootActivations,
		leafHiddenSizes,
		leafBiases,
		leafActivations,
		init,
	)
	if err != nil {
		return nil, fmt.Errorf("newgaussianmlp: could not create policy "+
			"network: %v", err)
	}

	pol, err := fromTreeMLP(net, mid, scale, seed)
	if err != nil {
		return nil, fmt.Errorf("newgaussianmlp: %v", err)
	}
	return pol, nil
}

// actionBounds returns the midpoint and half range of each action
// dimension of actionSpec. Squashing requires every dimension to be
// bounded on a non-empty interval.
func actionBounds(actionSpec spec.Environment) ([]float64, []float64, error) {
	actionDims := actionSpec.Shape.Len()
	mid := make([]float64, actionDims)
	scale := make([]float64, actionDims)

	for i := 0; i < actionDims; i++ {
		lower := actionSpec.LowerBound.AtVec(i)
		upper := actionSpec.UpperBound.AtVec(i)
		if math.IsInf(lower, 0) || math.IsInf(upper, 0) || upper <= lower {
			return nil, nil, fmt.Errorf("squashed actions require bounded "+
				"action dimensions \n\thave([%v, %v])", lower, upper)
		}
		mid[i] = (upper + lower) / 2.0
		scale[i] = (upper - lower) / 2.0
	}
	return mid, scale, nil
}

// fromTreeMLP builds the squashed Gaussian action selection on top of
// the argument network, which should predict the mean with its first
// output head and the log standard deviation with its second.
func fromTreeMLP(net network.NeuralNet, mid, scale []float64,
	seed uint64) (*GaussianMLP, error) {
	if len(net.Prediction()) != 2 {
		return nil, fmt.Errorf("fromtreemlp: gaussian policy requires a "+
			"network with 2 output heads \n\twant(2) \n\thave(%v)",
			len(net.Prediction()))
	}
	actionDims := len(mid)
	if outputs := net.Outputs()[0]; outputs != actionDims {
		return nil, fmt.Errorf("fromtreemlp: invalid number of action "+
			"dimensions predicted \n\twant(%v) \n\thave(%v)", actionDims,
			outputs)
	}

	g := net.Graph()
	batch := net.BatchSize()

	// Calculate the standard deviation and offset it for numerical
	// stability
	mean := net.Prediction()[0]
	logStd := G.Must(op.Clip(net.Prediction()[1], logStdMin, logStdMax))
	std := G.Must(G.Exp(logStd))
	std = G.Must(G.Add(G.NewConstant(stdOffset), std))

	// Reparameterized unbounded actions u = μ + σ * ε
	epsilon := G.NewMatrix(
		g,
		tensor.Float64,
		G.WithName("ActionNoise"),
		G.WithShape(batch, actionDims),
		G.WithInit(G.Zeroes()),
	)
	u := G.Must(G.Add(mean, G.Must(G.HadamardProd(std, epsilon))))

	// Squash into the action bounds
	midNode := G.NewConstant(
		tensor.NewDense(tensor.Float64, []int{1, actionDims},
			tensor.WithBacking(append([]float64(nil), mid...))),
		G.WithName("ActionMidpoints"),
	)
	scaleNode := G.NewConstant(
		tensor.NewDense(tensor.Float64, []int{1, actionDims},
			tensor.WithBacking(append([]float64(nil), scale...))),
		G.WithName("ActionHalfRanges"),
	)
	actions := G.Must(G.Tanh(u))
	actions = G.Must(G.BroadcastHadamardProd(actions, scaleNode, nil,
		[]byte{0}))
	actions = G.Must(G.BroadcastAdd(actions, midNode, nil, []byte{0}))

	logProb := squashedLogProb(mean, std, u, scale)

	// Create standard normal for noise sampling
	means := make([]float64, actionDims)
	stds := mat.NewDiagDense(actionDims, floatutils.Ones(actionDims))
	source := rand.NewSource(seed)
	normal, ok := distmv.NewNormal(means, stds, source)
	if !ok {
		return nil, fmt.Errorf("fromtreemlp: could not create standard " +
			"normal for action selection")
	}

	pol := &GaussianMLP{
		net: net,

		mid:   append([]float64(nil), mid...),
		scale: append([]float64(nil), scale...),

		epsilon: epsilon,
		actions: actions,
		logProb: logProb,

		normal:     normal,
		seed:       seed,
		actionDims: actionDims,
	}

	// Record values of Gorgonia nodes
	G.Read(mean, &pol.meanVal)
	G.Read(std, &pol.stddevVal)
	G.Read(actions, &pol.actionsVal)
	G.Read(logProb, &pol.logProbVal)

	return pol, nil
}

// squashedLogProb adds nodes to the graph of mean/std/u computing the
// log probability density of the squashed actions tanh(u), where u
// holds unbounded actions drawn from N(mean, std) and scale holds the
// half range each squashed dimension is stretched over. For each
// batch element:
//
//	log π = Σ_j logN(u_j; μ_j, σ_j) - 2*(log2 - u_j - softplus(-2u_j))
//	          - log(scale_j)
//
// where the second term is the log determinant of the tanh Jacobian
// in its numerically stable form.
func squashedLogProb(mean, std, u *G.Node, scale []float64) *G.Node {
	gauss := op.GaussianLogPdf(mean, std, u)

	sp := op.Softplus(G.Must(G.Mul(u, G.NewConstant(-2.0))))
	correction := G.Must(G.Sub(G.NewConstant(math.Ln2), u))
	correction = G.Must(G.Sub(correction, sp))
	correction = G.Must(G.Mul(correction, G.NewConstant(2.0)))
	correction = G.Must(G.Sum(correction, 1))

	var sumLogScale float64
	for _, s := range scale {
		sumLogScale += math.Log(s)
	}

	logProb := G.Must(G.Sub(gauss, correction))
	return G.Must(G.Sub(logProb, G.NewConstant(sumLogScale)))
}

// SelectAction selects and returns an action at the argument timestep
// t. In evaluation mode the squashed mean action is returned, and in
// training mode the action is sampled from the policy.
func (p *GaussianMLP) SelectAction(t timestep.TimeStep) *mat.VecDense {
	if size := p.net.BatchSize(); size != 1 {
		panic(fmt.Sprintf("selectaction: action selection can only be done "+
			"with a policy with batch size 1 \n\twant(1) \n\thave(%v)", size))
	}

	obs := mat.VecDenseCopyOf(t.Observation).RawVector().Data
	if err := p.net.SetInput(obs); err != nil {
		panic(fmt.Sprintf("selectaction: cannot set input: %v", err))
	}

	if err := p.run(); err != nil {
		panic(fmt.Sprintf("selectaction: could not run policy VM: %v", err))
	}
	defer p.vm.Reset()

	mean := p.meanVal.Data().([]float64)
	std := p.stddevVal.Data().([]float64)

	var eps []float64
	if !p.eval {
		eps = p.normal.Rand(nil)
	}

	action := mat.NewVecDense(p.actionDims, nil)
	for i := 0; i < p.actionDims; i++ {
		u := mean[i]
		if !p.eval {
			u += std[i] * eps[i]
		}
		action.SetVec(i, p.mid[i]+p.scale[i]*math.Tanh(u))
	}
	return action
}

// Distribution returns the action distribution of the policy at each
// of the argument observations. The number of observations must equal
// the batch size of the policy's network.
func (p *GaussianMLP) Distribution(obs []float64,
	batch int) (agent.Distribution, error) {
	if batch != p.net.BatchSize() {
		return nil, fmt.Errorf("distribution: invalid batch size "+
			"\n\twant(%v) \n\thave(%v)", p.net.BatchSize(), batch)
	}
	if err := p.net.SetInput(obs); err != nil {
		return nil, fmt.Errorf("distribution: cannot set input: %v", err)
	}

	if err := p.run(); err != nil {
		return nil, fmt.Errorf("distribution: could not run policy VM: %v",
			err)
	}

	mean := append([]float64(nil), p.meanVal.Data().([]float64)...)
	std := append([]float64(nil), p.stddevVal.Data().([]float64)...)
	p.vm.Reset()

	return &gaussianDistribution{
		mean:       mean,
		std:        std,
		mid:        p.mid,
		scale:      p.scale,
		batch:      batch,
		actionDims: p.actionDims,
		normal:     p.normal,
	}, nil
}

// run runs the policy's VM, creating the VM on first use so that
// policies used only for their graph never construct one.
func (p *GaussianMLP) run() error {
	if p.vm == nil {
		p.vm = G.NewTapeMachine(p.net.Graph())
	}
	return p.vm.RunAll()
}

// Resample draws fresh noise ε for the reparameterized actions of the
// policy's graph
func (p *GaussianMLP) Resample() error {
	batch := p.net.BatchSize()
	eps := make([]float64, batch*p.actionDims)
	for b := 0; b < batch; b++ {
		copy(eps[b*p.actionDims:(b+1)*p.actionDims], p.normal.Rand(nil))
	}

	epsTensor := tensor.NewDense(
		tensor.Float64,
		[]int{batch, p.actionDims},
		tensor.WithBacking(eps),
	)
	if err := G.Let(p.epsilon, epsTensor); err != nil {
		return fmt.Errorf("resample: could not set noise: %v", err)
	}
	return nil
}

// ActionNodes returns the nodes holding the reparameterized squashed
// actions of the policy
func (p *GaussianMLP) ActionNodes() []*G.Node {
	return []*G.Node{p.actions}
}

// LogProbNodes returns the nodes holding the log probability density
// of the policy's reparameterized actions
func (p *GaussianMLP) LogProbNodes() []*G.Node {
	return []*G.Node{p.logProb}
}

// Clone clones a GaussianMLP
func (p *GaussianMLP) Clone() (agent.NNPolicy, error) {
	return p.CloneWithBatch(p.net.BatchSize())
}

// CloneWithBatch clones a GaussianMLP with a new batch size
func (p *GaussianMLP) CloneWithBatch(batch int) (agent.NNPolicy, error) {
	net, err := p.net.CloneWithBatch(batch)
	if err != nil {
		return nil, fmt.Errorf("clonewithbatch: could not clone policy "+
			"network: %v", err)
	}

	clone, err := fromTreeMLP(net, p.mid, p.scale, p.seed)
	if err != nil {
		return nil, fmt.Errorf("clonewithbatch: %v", err)
	}
	clone.eval = p.eval
	return clone, nil
}

// Network returns the network of the GaussianMLP
func (p *GaussianMLP) Network() network.NeuralNet {
	return p.net
}

// Eval sets the policy to evaluation mode
func (p *GaussianMLP) Eval() { p.eval = true }

// Train sets the policy to training mode
func (p *GaussianMLP) Train() { p.eval = false }

// IsEval returns whether the policy is in evaluation mode
func (p *GaussianMLP) IsEval() bool { return p.eval }

// Close cleans up the resources of the policy
func (p *GaussianMLP) Close() error {
	if p.vm == nil {
		return nil
	}
	return p.vm.Close()
}

// gaussianDistribution is the squashed Gaussian action distribution of
// a policy at a fixed batch of observations. The mean and std fields
// hold the Gaussian parameters of the unbounded actions in row major
// order, and mid and scale describe the interval each dimension is
// squashed into.
type gaussianDistribution struct {
	mean []float64
	std  []float64

	mid   []float64
	scale []float64

	batch      int
	actionDims int

	normal distmv.Rander
}

// Sample draws one squashed action per batch element, returned in row
// major order
func (d *gaussianDistribution) Sample() ([]float64, error) {
	actions := make([]float64, d.batch*d.actionDims)
	for b := 0; b < d.batch; b++ {
		eps := d.normal.Rand(nil)
		for j := 0; j < d.actionDims; j++ {
			i := b*d.actionDims + j
			u := d.mean[i] + d.std[i]*eps[j]
			actions[i] = d.mid[j] + d.scale[j]*math.Tanh(u)
		}
	}
	return actions, nil
}

// LogProb returns the log probability density of the argument actions,
// one density per batch element. Actions should be constructed in row
// major order and lie within the action bounds.
func (d *gaussianDistribution) LogProb(actions []float64) ([]float64, error) {
	if len(actions) != d.batch*d.actionDims {
		return nil, fmt.Errorf("logprob: invalid number of actions "+
			"\n\twant(%v) \n\thave(%v)", d.batch*d.actionDims, len(actions))
	}

	logProbs := make([]float64, d.batch)
	for b := 0; b < d.batch; b++ {
		var total float64
		for j := 0; j < d.actionDims; j++ {
			i := b*d.actionDims + j

			ratio := (actions[i] - d.mid[j]) / d.scale[j]
			ratio = floatutils.Clip(ratio, -1.0+squashEps, 1.0-squashEps)
			u := math.Atanh(ratio)

			z := (u - d.mean[i]) / d.std[i]
			logNormal := -0.5*z*z - math.Log(d.std[i]) -
				0.5*math.Log(2.0*math.Pi)
			correction := 2.0 * (math.Ln2 - u - floatutils.Softplus(-2.0*u))

			total += logNormal - correction - math.Log(d.scale[j])
		}
		logProbs[b] = total
	}
	return logProbs, nil
}
