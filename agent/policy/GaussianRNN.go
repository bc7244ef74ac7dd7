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
	"github.com/StaminaTang/pisac/utils/tensorutils"
)

// gaussianRNNArch describes the architecture of a GaussianRNN so that
// clones with a different batch size or unroll length can be rebuilt
// from scratch before copying the weights over.
type gaussianRNNArch struct {
	features   int
	actionDims int
	stateSize  int

	inputHiddenSizes  []int
	inputBiases       []bool
	inputActivations  []*network.Activation
	outputHiddenSizes []int
	outputBiases      []bool
	outputActivations []*network.Activation
	init              G.InitWFn

	mid   []float64
	scale []float64
	seed  uint64
}

// GaussianRNN implements a squashed Gaussian policy parameterized by a
// recurrent neural network. The network predicts a single head of
// width 2 * actionDims at each unrolled timestep, which is split into
// the mean and the log standard deviation of the Gaussian policy at
// that timestep. Actions are squashed into the action bounds exactly
// as in GaussianMLP.
//
// A GaussianRNN unrolled over a single timestep selects actions at
// each timestep with SelectAction(), carrying its recurrent state
// across calls and resetting it at the first timestep of an episode.
// Policies unrolled over longer sequences compute actions and log
// probabilities over whole sub-trajectories and are used for learning
// the policy weights, threading the recurrent state across the
// unrolled timesteps within a single run.
type GaussianRNN struct {
	vm  G.VM
	net network.Recurrent

	arch gaussianRNNArch

	epsilons []*G.Node // Noise input ε of each timestep
	actions  []*G.Node // Squashed reparameterized actions per timestep
	logProbs []*G.Node // Log probability density per timestep

	normal distmv.Rander
	eval   bool

	// Hidden state carried across SelectAction calls
	state []float64

	meanVals []G.Value
	stdVals  []G.Value
}

// NewGaussianRNN returns a new GaussianRNN policy selecting actions
// described by actionSpec from observations described by obsSpec. The
// policy's network unrolls a recurrent cell with stateSize hidden
// units over seqLen timesteps, transforming observations through an
// input stack described by inputHiddenSizes, inputBiases, and
// inputActivations before the cell and predictions through an output
// stack after it. See the network.NewRNNMLP function for details.
//
// The init parameter determines the weight initialization scheme for
// the neural net and the seed parameter determines the seed of the
// policy's noise sampler.
func NewGaussianRNN(obsSpec, actionSpec spec.Environment, batch, seqLen,
	stateSize int, inputHiddenSizes []int, inputBiases []bool,
	inputActivations []*network.Activation, outputHiddenSizes []int,
	outputBiases []bool, outputActivations []*network.Activation,
	init G.InitWFn, seed uint64) (agent.RecurrentActor, error) {
	if actionSpec.Cardinality != spec.Continuous {
		return nil, fmt.Errorf("newgaussianrnn: actions must be continuous")
	}

	mid, scale, err := actionBounds(actionSpec)
	if err != nil {
		return nil, fmt.Errorf("newgaussianrnn: %v", err)
	}

	arch := gaussianRNNArch{
		features:   obsSpec.Shape.Len(),
		actionDims: actionSpec.Shape.Len(),
		stateSize:  stateSize,

		inputHiddenSizes:  inputHiddenSizes,
		inputBiases:       inputBiases,
		inputActivations:  inputActivations,
		outputHiddenSizes: outputHiddenSizes,
		outputBiases:      outputBiases,
		outputActivations: outputActivations,
		init:              init,

		mid:   mid,
		scale: scale,
		seed:  seed,
	}

	pol, err := newGaussianRNN(arch, batch, seqLen)
	if err != nil {
		return nil, fmt.Errorf("newgaussianrnn: %v", err)
	}
	return pol, nil
}

// newGaussianRNN builds a GaussianRNN with the argument architecture,
// batch size, and unroll length. Weights are freshly initialized.
func newGaussianRNN(arch gaussianRNNArch, batch,
	seqLen int) (*GaussianRNN, error) {
	net, err := network.NewRNNMLP(
		arch.features,
		batch,
		seqLen,
		arch.stateSize,
		2*arch.actionDims,
		G.NewGraph(),
		arch.inputHiddenSizes,
		arch.inputBiases,
		arch.inputActivations,
		arch.outputHiddenSizes,
		arch.outputBiases,
		arch.outputActivations,
		arch.init,
	)
	if err != nil {
		return nil, fmt.Errorf("could not create policy network: %v", err)
	}

	g := net.Graph()
	actionDims := arch.actionDims

	midNode := G.NewConstant(
		tensor.NewDense(tensor.Float64, []int{1, actionDims},
			tensor.WithBacking(append([]float64(nil), arch.mid...))),
		G.WithName("ActionMidpoints"),
	)
	scaleNode := G.NewConstant(
		tensor.NewDense(tensor.Float64, []int{1, actionDims},
			tensor.WithBacking(append([]float64(nil), arch.scale...))),
		G.WithName("ActionHalfRanges"),
	)

	pol := &GaussianRNN{
		net:   net,
		arch:  arch,
		state: make([]float64, batch*arch.stateSize),

		epsilons: make([]*G.Node, seqLen),
		actions:  make([]*G.Node, seqLen),
		logProbs: make([]*G.Node, seqLen),
		meanVals: make([]G.Value, seqLen),
		stdVals:  make([]G.Value, seqLen),
	}

	// Split the prediction of each timestep into the mean and log
	// standard deviation of the policy at that timestep, then build
	// the squashed reparameterized actions of the timestep.
	for t := 0; t < seqLen; t++ {
		pred := net.Prediction()[t]

		mean := G.Must(G.Slice(pred, nil,
			tensorutils.NewSlice(0, actionDims, 1)))
		mean = G.Must(G.Reshape(mean, tensor.Shape{batch, actionDims}))

		logStd := G.Must(G.Slice(pred, nil,
			tensorutils.NewSlice(actionDims, 2*actionDims, 1)))
		logStd = G.Must(G.Reshape(logStd, tensor.Shape{batch, actionDims}))
		logStd = G.Must(op.Clip(logStd, logStdMin, logStdMax))

		std := G.Must(G.Exp(logStd))
		std = G.Must(G.Add(G.NewConstant(stdOffset), std))

		pol.epsilons[t] = G.NewMatrix(
			g,
			tensor.Float64,
			G.WithName(fmt.Sprintf("Step%dActionNoise", t)),
			G.WithShape(batch, actionDims),
			G.WithInit(G.Zeroes()),
		)
		u := G.Must(G.Add(mean, G.Must(G.HadamardProd(std,
			pol.epsilons[t]))))

		actions := G.Must(G.Tanh(u))
		actions = G.Must(G.BroadcastHadamardProd(actions, scaleNode, nil,
			[]byte{0}))
		actions = G.Must(G.BroadcastAdd(actions, midNode, nil, []byte{0}))
		pol.actions[t] = actions

		pol.logProbs[t] = squashedLogProb(mean, std, u, arch.scale)

		G.Read(mean, &pol.meanVals[t])
		G.Read(std, &pol.stdVals[t])
	}

	// Create standard normal for noise sampling
	means := make([]float64, actionDims)
	stds := mat.NewDiagDense(actionDims, floatutils.Ones(actionDims))
	source := rand.NewSource(arch.seed)
	normal, ok := distmv.NewNormal(means, stds, source)
	if !ok {
		return nil, fmt.Errorf("could not create standard normal for " +
			"action selection")
	}
	pol.normal = normal

	return pol, nil
}

// SelectAction selects and returns an action at the argument timestep
// t, threading the policy's recurrent state across calls. The state is
// reset at the first timestep of an episode. In evaluation mode the
// squashed mean action is returned, and in training mode the action is
// sampled from the policy.
func (p *GaussianRNN) SelectAction(t timestep.TimeStep) *mat.VecDense {
	if size := p.net.BatchSize(); size != 1 || p.net.SeqLen() != 1 {
		panic(fmt.Sprintf("selectaction: action selection can only be done "+
			"with a single-timestep policy with batch size 1 "+
			"\n\twant(batch 1, seqlen 1) \n\thave(batch %v, seqlen %v)",
			size, p.net.SeqLen()))
	}

	if t.First() {
		p.state = make([]float64, p.arch.stateSize)
	}
	if err := p.net.SetState(p.state); err != nil {
		panic(fmt.Sprintf("selectaction: cannot set recurrent state: %v",
			err))
	}

	obs := mat.VecDenseCopyOf(t.Observation).RawVector().Data
	if err := p.net.SetInput(obs); err != nil {
		panic(fmt.Sprintf("selectaction: cannot set input: %v", err))
	}

	if err := p.run(); err != nil {
		panic(fmt.Sprintf("selectaction: could not run policy VM: %v", err))
	}
	defer p.vm.Reset()

	p.state = p.net.State()

	mean := p.meanVals[0].Data().([]float64)
	std := p.stdVals[0].Data().([]float64)

	var eps []float64
	if !p.eval {
		eps = p.normal.Rand(nil)
	}

	action := mat.NewVecDense(p.arch.actionDims, nil)
	for i := 0; i < p.arch.actionDims; i++ {
		u := mean[i]
		if !p.eval {
			u += std[i] * eps[i]
		}
		action.SetVec(i, p.arch.mid[i]+p.arch.scale[i]*math.Tanh(u))
	}
	return action
}

// Distribution returns the action distribution of the policy over a
// batch of sub-trajectories, starting from a zero recurrent state. The
// observations should be constructed timestep major, holding all batch
// elements of the first unrolled timestep, then all batch elements of
// the second, and so on for the network's full unroll. The batch
// argument is the number of sub-trajectories, which must match the
// batch size of the policy's network, and the returned distribution
// holds SeqLen * batch elements in the same timestep major order.
func (p *GaussianRNN) Distribution(obs []float64,
	batch int) (agent.Distribution, error) {
	if batch != p.net.BatchSize() {
		return nil, fmt.Errorf("distribution: invalid batch size "+
			"\n\twant(%v) \n\thave(%v)", p.net.BatchSize(), batch)
	}
	if err := p.net.SetState(make([]float64,
		batch*p.arch.stateSize)); err != nil {
		return nil, fmt.Errorf("distribution: cannot set recurrent "+
			"state: %v", err)
	}
	if err := p.net.SetInput(obs); err != nil {
		return nil, fmt.Errorf("distribution: cannot set input: %v", err)
	}

	if err := p.run(); err != nil {
		return nil, fmt.Errorf("distribution: could not run policy VM: %v",
			err)
	}

	seqLen := p.net.SeqLen()
	mean := make([]float64, 0, seqLen*batch*p.arch.actionDims)
	std := make([]float64, 0, seqLen*batch*p.arch.actionDims)
	for t := 0; t < seqLen; t++ {
		mean = append(mean, p.meanVals[t].Data().([]float64)...)
		std = append(std, p.stdVals[t].Data().([]float64)...)
	}
	p.vm.Reset()

	return &gaussianDistribution{
		mean:       mean,
		std:        std,
		mid:        p.arch.mid,
		scale:      p.arch.scale,
		batch:      seqLen * batch,
		actionDims: p.arch.actionDims,
		normal:     p.normal,
	}, nil
}

// run runs the policy's VM, creating the VM on first use so that
// policies used only for their graph never construct one.
func (p *GaussianRNN) run() error {
	if p.vm == nil {
		p.vm = G.NewTapeMachine(p.net.Graph())
	}
	return p.vm.RunAll()
}

// Resample draws fresh noise ε at every unrolled timestep of the
// policy's graph
func (p *GaussianRNN) Resample() error {
	batch := p.net.BatchSize()
	for t := range p.epsilons {
		eps := make([]float64, batch*p.arch.actionDims)
		for b := 0; b < batch; b++ {
			copy(eps[b*p.arch.actionDims:(b+1)*p.arch.actionDims],
				p.normal.Rand(nil))
		}

		epsTensor := tensor.NewDense(
			tensor.Float64,
			[]int{batch, p.arch.actionDims},
			tensor.WithBacking(eps),
		)
		if err := G.Let(p.epsilons[t], epsTensor); err != nil {
			return fmt.Errorf("resample: could not set noise at timestep "+
				"%v: %v", t, err)
		}
	}
	return nil
}

// ActionNodes returns the nodes holding the reparameterized squashed
// actions of the policy, one node per unrolled timestep
func (p *GaussianRNN) ActionNodes() []*G.Node {
	return p.actions
}

// LogProbNodes returns the nodes holding the log probability density
// of the policy's reparameterized actions, one node per unrolled
// timestep
func (p *GaussianRNN) LogProbNodes() []*G.Node {
	return p.logProbs
}

// Clone clones a GaussianRNN
func (p *GaussianRNN) Clone() (agent.NNPolicy, error) {
	return p.CloneWithBatch(p.net.BatchSize())
}

// CloneWithBatch clones a GaussianRNN with a new batch size, keeping
// the unroll length of the policy
func (p *GaussianRNN) CloneWithBatch(batch int) (agent.NNPolicy, error) {
	return p.cloneWith(batch, p.net.SeqLen())
}

// CloneForActing clones a GaussianRNN with batch size 1 and a single
// unrolled timestep, for selecting actions one timestep at a time
func (p *GaussianRNN) CloneForActing() (agent.NNPolicy, error) {
	return p.cloneWith(1, 1)
}

// cloneWith rebuilds the policy at the argument batch size and unroll
// length, then copies the current weights into the rebuilt network.
// Weight copying across unroll lengths relies on the recurrent network
// registering its learnables in the same order at any unroll length.
func (p *GaussianRNN) cloneWith(batch, seqLen int) (agent.NNPolicy, error) {
	clone, err := newGaussianRNN(p.arch, batch, seqLen)
	if err != nil {
		return nil, fmt.Errorf("clonewithbatch: %v", err)
	}
	if err := network.Set(clone.net, p.net); err != nil {
		return nil, fmt.Errorf("clonewithbatch: could not copy weights: %v",
			err)
	}
	clone.eval = p.eval
	return clone, nil
}

// Network returns the network of the GaussianRNN
func (p *GaussianRNN) Network() network.NeuralNet {
	return p.net
}

// Eval sets the policy to evaluation mode
func (p *GaussianRNN) Eval() { p.eval = true }

// Train sets the policy to training mode
func (p *GaussianRNN) Train() { p.eval = false }

// IsEval returns whether the policy is in evaluation mode
func (p *GaussianRNN) IsEval() bool { return p.eval }

// Close cleans up the resources of the policy
func (p *GaussianRNN) Close() error {
	if p.vm == nil {
		return nil
	}
	return p.vm.Close()
}
