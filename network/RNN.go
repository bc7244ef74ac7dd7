package network

import (
	"fmt"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Recurrent is a NeuralNet that threads a hidden state through a fixed
// number of timesteps. The network is unrolled statically: it has one
// input node per timestep and one output layer per timestep, with all
// weights shared across timesteps. The hidden state entering the first
// timestep is set with SetState(), and the hidden state leaving the
// last timestep can be retrieved with State() after the computational
// graph has been run, so that a network unrolled over a single
// timestep can carry its state across successive forward passes.
type Recurrent interface {
	NeuralNet

	// SeqLen returns the number of timesteps the network is unrolled
	// over
	SeqLen() int

	// StateSize returns the number of features in the hidden state
	StateSize() int

	// SetState sets the value of the hidden state entering the first
	// timestep before running the computational graph
	SetState([]float64) error

	// State returns the hidden state leaving the last timestep after
	// the computational graph has been run
	State() []float64
}

// rnnMLP implements a recurrent neural network with an Elman cell
// between two stacks of fully connected layers. At each timestep t,
// the input is sent through the input stack, the cell updates its
// hidden state as
//
//	h(t) = tanh(x(t)·Wx + h(t-1)·Wh + b)
//
// and the hidden state is sent through the output stack to produce
// the prediction for that timestep. The same weights are used at
// every timestep. The overall architecture for a single timestep:
//
//	Input(t) ─→ Input Stack ─→ Elman Cell ─→ Output Stack ─→ Output(t)
//	                               ↑ ↓
//	                          Hidden State
type rnnMLP struct {
	g      *G.ExprGraph
	inputs []*G.Node // One input node per timestep
	state  *G.Node   // Hidden state entering the first timestep

	inputLayers  []Layer // Shared across timesteps
	outputLayers []Layer // Shared across timesteps
	wX           *G.Node // Cell input weights
	wH           *G.Node // Cell hidden state weights
	cellBias     *G.Node

	numOutputs int // Outputs per timestep
	numInputs  int // Input features per timestep
	stateSize  int
	batchSize  int
	seqLen     int

	// Store learnables and model so that they don't need to be computed
	// each time a gradient step is taken
	learnables G.Nodes
	model      []G.ValueGrad

	prediction []*G.Node // One prediction per timestep
	predVal    []G.Value
	finalState *G.Node // Hidden state leaving the last timestep
	stateVal   G.Value
}

// validateRNNMLP validates the arguments of NewRNNMLP() to ensure they
// are legal.
func validateRNNMLP(features, batch, seqLen, state, outputs int,
	inputHiddenSizes []int, inputBiases []bool,
	inputActivations []*Activation, outputHiddenSizes []int,
	outputBiases []bool, outputActivations []*Activation) error {
	if features <= 0 {
		return fmt.Errorf("features must be greater than 0")
	}

	if batch <= 0 {
		return fmt.Errorf("batch size must be greater than 0")
	}

	if seqLen <= 0 {
		return fmt.Errorf("sequence length must be greater than 0")
	}

	if state <= 0 {
		return fmt.Errorf("hidden state size must be greater than 0")
	}

	if outputs <= 0 {
		return fmt.Errorf("number of outputs must be greater than 0")
	}

	if len(inputHiddenSizes) != len(inputActivations) {
		msg := "invalid number of input stack activations" +
			"\n\twant(%d)\n\thave(%d)"
		return fmt.Errorf(msg, len(inputHiddenSizes), len(inputActivations))
	}

	if len(inputHiddenSizes) != len(inputBiases) {
		msg := "invalid number of input stack biases" +
			"\n\twant(%d)\n\thave(%d)"
		return fmt.Errorf(msg, len(inputHiddenSizes), len(inputBiases))
	}

	if len(outputHiddenSizes) != len(outputActivations) {
		msg := "invalid number of output stack activations" +
			"\n\twant(%d)\n\thave(%d)"
		return fmt.Errorf(msg, len(outputHiddenSizes), len(outputActivations))
	}

	if len(outputHiddenSizes) != len(outputBiases) {
		msg := "invalid number of output stack biases" +
			"\n\twant(%d)\n\thave(%d)"
		return fmt.Errorf(msg, len(outputHiddenSizes), len(outputBiases))
	}

	return nil
}

// NewRNNMLP returns a new Recurrent network with an Elman cell of
// state hidden features, unrolled over seqLen timesteps.
//
// The input stack has number of layers equal to
// len(inputHiddenSizes). For index i, inputHiddenSizes[i] determines
// the number of hidden units in that layer, inputBiases[i] determines
// if a bias unit is added to the layer, and inputActivations[i]
// determines the activation function to apply to the layer. If
// inputHiddenSizes is empty, the cell takes the raw input features
// directly. The output stack is defined by outputHiddenSizes,
// outputBiases, and outputActivations in the same manner. A final
// linear layer with a bias unit and no activations is added to the
// output stack to ensure the output at each timestep has the shape
// outputs.
func NewRNNMLP(features, batch, seqLen, state, outputs int, g *G.ExprGraph,
	inputHiddenSizes []int, inputBiases []bool,
	inputActivations []*Activation, outputHiddenSizes []int,
	outputBiases []bool, outputActivations []*Activation,
	init G.InitWFn) (Recurrent, error) {
	// Ensure the input is valid
	err := validateRNNMLP(features, batch, seqLen, state, outputs,
		inputHiddenSizes, inputBiases, inputActivations, outputHiddenSizes,
		outputBiases, outputActivations)
	if err != nil {
		return nil, fmt.Errorf("newrnnmlp: %v", err)
	}

	// Set up one input node per timestep
	inputs := make([]*G.Node, seqLen)
	for t := range inputs {
		inputs[t] = G.NewMatrix(g, tensor.Float64,
			G.WithShape(batch, features),
			G.WithName(fmt.Sprintf("Step%dInput", t)), G.WithInit(G.Zeroes()))
	}

	// Set up the initial hidden state node
	scope := netScope()
	state0 := G.NewMatrix(g, tensor.Float64, G.WithShape(batch, state),
		G.WithName(scope+"InitialState"), G.WithInit(G.Zeroes()))

	// Layers of the input stack, shared across timesteps
	inputLayers := addfcLayers(g, inputHiddenSizes, inputBiases,
		inputActivations, init, features, scope+"Input", "")

	cellFeatures := features
	if len(inputHiddenSizes) > 0 {
		cellFeatures = inputHiddenSizes[len(inputHiddenSizes)-1]
	}

	// Elman cell weights, shared across timesteps
	wX := G.NewMatrix(g, tensor.Float64, G.WithShape(cellFeatures, state),
		G.WithName(scope+"CellWX"), G.WithInit(init))
	wH := G.NewMatrix(g, tensor.Float64, G.WithShape(state, state),
		G.WithName(scope+"CellWH"), G.WithInit(init))
	cellBias := G.NewMatrix(g, tensor.Float64, G.WithShape(1, state),
		G.WithName(scope+"CellB"), G.WithInit(init))

	// Layers of the output stack with a final linear layer, shared
	// across timesteps
	outHiddenSizes := make([]int, len(outputHiddenSizes),
		len(outputHiddenSizes)+1)
	copy(outHiddenSizes, outputHiddenSizes)
	outHiddenSizes = append(outHiddenSizes, outputs)

	outBiases := make([]bool, len(outputBiases), len(outputBiases)+1)
	copy(outBiases, outputBiases)
	outBiases = append(outBiases, true)

	outActivations := make([]*Activation, len(outputActivations),
		len(outputActivations)+1)
	copy(outActivations, outputActivations)
	outActivations = append(outActivations, Identity())

	outputLayers := addfcLayers(g, outHiddenSizes, outBiases,
		outActivations, init, state, scope+"Output", "")

	net := &rnnMLP{
		g:            g,
		inputLayers:  inputLayers,
		outputLayers: outputLayers,
		wX:           wX,
		wH:           wH,
		cellBias:     cellBias,
		numOutputs:   outputs,
		numInputs:    features,
		stateSize:    state,
		batchSize:    batch,
		seqLen:       seqLen,
		learnables:   nil,
		model:        nil,
	}

	err = net.fwd(inputs, state0)
	if err != nil {
		return nil, fmt.Errorf("newrnnmlp: could not compute forward "+
			"pass: %v", err)
	}

	return net, nil
}

// fwd computes the forward pass of the rnnMLP, unrolling the cell over
// the input nodes with state0 as the hidden state entering the first
// timestep.
func (r *rnnMLP) fwd(inputs []*G.Node, state0 *G.Node) error {
	predictions := make([]*G.Node, 0, len(inputs))

	h := state0
	for t, input := range inputs {
		x := input
		var err error
		for _, layer := range r.inputLayers {
			if x, err = layer.fwd(x); err != nil {
				return fmt.Errorf("fwd: could not compute input stack at "+
					"timestep %v: %v", t, err)
			}
		}

		// h(t) = tanh(x(t)·Wx + h(t-1)·Wh + b)
		pre := G.Must(G.Add(G.Must(G.Mul(x, r.wX)), G.Must(G.Mul(h, r.wH))))
		pre = G.Must(G.BroadcastAdd(pre, r.cellBias, nil, []byte{0}))
		h = G.Must(G.Tanh(pre))

		out := h
		for _, layer := range r.outputLayers {
			if out, err = layer.fwd(out); err != nil {
				return fmt.Errorf("fwd: could not compute output stack at "+
					"timestep %v: %v", t, err)
			}
		}
		predictions = append(predictions, out)
	}

	r.inputs = inputs
	r.state = state0
	r.prediction = predictions
	r.predVal = make([]G.Value, len(predictions))
	for i, pred := range predictions {
		G.Read(pred, &r.predVal[i])
	}
	r.finalState = h
	G.Read(h, &r.stateVal)

	return nil
}

// SetInput sets the value of the input nodes before running the
// forward pass. The input holds the (batch x features) matrix for
// each timestep back-to-back in row major order, timestep 0 first.
func (r *rnnMLP) SetInput(input []float64) error {
	if len(input) != r.seqLen*r.batchSize*r.numInputs {
		msg := fmt.Sprintf("invalid number of inputs\n\twant(%v)"+
			"\n\thave(%v)", r.seqLen*r.batchSize*r.numInputs, len(input))
		panic(msg)
	}

	start := 0
	for t, stepInput := range r.inputs {
		stop := start + r.batchSize*r.numInputs
		inputTensor := tensor.New(
			tensor.WithBacking(input[start:stop]),
			tensor.WithShape(stepInput.Shape()...),
		)
		if err := G.Let(stepInput, inputTensor); err != nil {
			return fmt.Errorf("setinput: could not set input at timestep "+
				"%v: %v", t, err)
		}
		start = stop
	}

	return nil
}

// SetState sets the value of the hidden state entering the first
// timestep.
func (r *rnnMLP) SetState(state []float64) error {
	if len(state) != r.batchSize*r.stateSize {
		return fmt.Errorf("setstate: invalid number of state features"+
			"\n\twant(%v)\n\thave(%v)", r.batchSize*r.stateSize, len(state))
	}

	stateTensor := tensor.New(
		tensor.WithBacking(state),
		tensor.WithShape(r.batchSize, r.stateSize),
	)
	return G.Let(r.state, stateTensor)
}

// State returns the hidden state leaving the last timestep after the
// computational graph has been run. If the graph has not yet been run,
// the zero state is returned.
func (r *rnnMLP) State() []float64 {
	if r.stateVal == nil {
		return make([]float64, r.batchSize*r.stateSize)
	}

	data := r.stateVal.Data().([]float64)
	state := make([]float64, len(data))
	copy(state, data)
	return state
}

// SeqLen returns the number of timesteps the network is unrolled over
func (r *rnnMLP) SeqLen() int {
	return r.seqLen
}

// StateSize returns the number of features in the hidden state
func (r *rnnMLP) StateSize() int {
	return r.stateSize
}

// Outputs returns the number of outputs per timestep
func (r *rnnMLP) Outputs() []int {
	outputs := make([]int, r.seqLen)
	for i := range outputs {
		outputs[i] = r.numOutputs
	}
	return outputs
}

// OutputLayers returns the number of output layers in the network.
// There is one output layer per timestep.
func (r *rnnMLP) OutputLayers() int {
	return len(r.Prediction())
}

// Graph returns the computational graph of the network
func (r *rnnMLP) Graph() *G.ExprGraph {
	return r.g
}

// Features returns the number of input features per timestep
func (r *rnnMLP) Features() []int {
	features := make([]int, r.seqLen)
	for i := range features {
		features[i] = r.numInputs
	}
	return features
}

// Inputs returns the input nodes of the network, one per timestep
func (r *rnnMLP) Inputs() []*G.Node {
	return r.inputs
}

// Clone returns a clone of the rnnMLP.
func (r *rnnMLP) Clone() (NeuralNet, error) {
	return r.CloneWithBatch(r.batchSize)
}

// CloneWithBatch returns a clone of the rnnMLP with a new input batch
// size.
func (r *rnnMLP) CloneWithBatch(batchSize int) (NeuralNet, error) {
	graph := G.NewGraph()

	// Create the input nodes
	inputs := make([]*G.Node, r.seqLen)
	for t := range inputs {
		inputs[t] = G.NewMatrix(graph, tensor.Float64,
			G.WithShape(batchSize, r.numInputs),
			G.WithName(fmt.Sprintf("Step%dInput", t)), G.WithInit(G.Zeroes()))
	}

	return r.CloneWithInputTo(-1, inputs, graph)
}

// CloneWithInputTo clones the rnnMLP to a new graph with given input
// nodes. There should be one input node for each timestep, so the
// clone is unrolled over len(inputs) == SeqLen() timesteps. The axis
// argument is unused since each timestep takes exactly one input.
func (r *rnnMLP) CloneWithInputTo(axis int, inputs []*G.Node,
	graph *G.ExprGraph) (NeuralNet, error) {
	// Ensure one input is given for each timestep
	if len(inputs) != r.seqLen {
		return nil, fmt.Errorf("clonewithinputto: must specify a single "+
			"input for each timestep \n\twant(%v) \n\thave(%v)",
			r.seqLen, len(inputs))
	}

	for t, input := range inputs {
		if input.Graph() != graph {
			return nil, fmt.Errorf("clonewithinputto: not all inputs " +
				"have the same graph")
		}

		if !input.IsMatrix() {
			return nil, fmt.Errorf("clonewithinputto: input must be a " +
				"matrix node")
		}

		if input.Shape()[1] != r.numInputs {
			return nil, fmt.Errorf("clonewithinputto: invalid number of "+
				"input features at timestep %v \n\twant(%v) \n\thave(%v)",
				t, r.numInputs, input.Shape()[1])
		}

		if input.Shape()[0] != inputs[0].Shape()[0] {
			return nil, fmt.Errorf("clonewithinputto: all timesteps must " +
				"share a batch size")
		}
	}
	batchSize := inputs[0].Shape()[0]

	// Create the initial hidden state node
	state0 := G.NewMatrix(graph, tensor.Float64,
		G.WithShape(batchSize, r.stateSize),
		G.WithName(netScope()+"InitialState"), G.WithInit(G.Zeroes()))

	// Deep copy all weights to the new graph
	inputLayers := make([]Layer, len(r.inputLayers))
	for i, layer := range r.inputLayers {
		inputLayers[i] = layer.CloneTo(graph)
	}

	outputLayers := make([]Layer, len(r.outputLayers))
	for i, layer := range r.outputLayers {
		outputLayers[i] = layer.CloneTo(graph)
	}

	net := &rnnMLP{
		g:            graph,
		inputLayers:  inputLayers,
		outputLayers: outputLayers,
		wX:           r.wX.CloneTo(graph),
		wH:           r.wH.CloneTo(graph),
		cellBias:     r.cellBias.CloneTo(graph),
		numOutputs:   r.numOutputs,
		numInputs:    r.numInputs,
		stateSize:    r.stateSize,
		batchSize:    batchSize,
		seqLen:       r.seqLen,
		learnables:   nil,
		model:        nil,
	}

	err := net.fwd(inputs, state0)
	if err != nil {
		return nil, fmt.Errorf("clonewithinputto: could not compute "+
			"forward pass: %v", err)
	}

	return net, nil
}

// BatchSize returns the batch size for inputs to the network
func (r *rnnMLP) BatchSize() int {
	return r.batchSize
}

// Output returns the output at each timestep after the computational
// graph has been run.
func (r *rnnMLP) Output() []G.Value {
	return r.predVal
}

// Prediction returns the nodes of the computational graph that store
// the output at each timestep.
func (r *rnnMLP) Prediction() []*G.Node {
	return r.prediction
}

// Model returns the learnable nodes with their gradients.
func (r *rnnMLP) Model() []G.ValueGrad {
	// Lazy instantiation of model
	if r.model == nil {
		r.model = r.computeModel()
	}
	return r.model
}

// computeModel gets and returns all learnables of the network with
// their gradients
func (r *rnnMLP) computeModel() []G.ValueGrad {
	var model []G.ValueGrad
	for _, learnable := range r.Learnables() {
		model = append(model, learnable)
	}
	return model
}

// Learnables returns the learnable nodes in an rnnMLP
func (r *rnnMLP) Learnables() G.Nodes {
	// Lazy instantiation of learnables
	if r.learnables == nil {
		r.learnables = r.computeLearnables()
	}
	return r.learnables
}

// computeLearnables gets and returns all learnables of the network.
// Weights are shared across timesteps, so each weight appears once.
func (r *rnnMLP) computeLearnables() G.Nodes {
	var learnables G.Nodes

	for _, layer := range r.inputLayers {
		learnables = append(learnables, layer.Weights())
		if layer.Bias() != nil {
			learnables = append(learnables, layer.Bias())
		}
	}

	learnables = append(learnables, r.wX, r.wH, r.cellBias)

	for _, layer := range r.outputLayers {
		learnables = append(learnables, layer.Weights())
		if layer.Bias() != nil {
			learnables = append(learnables, layer.Bias())
		}
	}

	return learnables
}
