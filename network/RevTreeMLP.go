package network

import (
	"fmt"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/StaminaTang/pisac/utils/intutils"
)

// revTreeMLP implements a reverse tree MLP. A reverse tree MLP has
// multiple root networks, each with its own input. Each of these root
// networks predicts some value. All the predictions of all the root
// networks are concatenated into a single feature vector and sent
// as input to a final, single leaf network. The overall architecture:
//
//	Input 1     ─→ Root Network 1     ─╮
//	Input 2     ─→ Root Network 2     ─┤
//	  ... 	    ─→ 	   ...            ─┤
//	  ... 	    ─→ 	   ...            ─┼─→ Leaf Network ─→ Output
//	  ... 	    ─→ 	   ...            ─┤
//	Input (N-1) ─→ Root Network (N-1) ─┤
//	Input N     ─→ Root Network N     ─╯
type revTreeMLP struct {
	g            *G.ExprGraph
	rootNetworks []NeuralNet // Input networks
	leafNetwork  NeuralNet   // Combines root predictions
	inputs       []*G.Node   // Input to each root network

	numOutputs int
	numInputs  []int // Input features per root network
	batchSize  int

	// Store learnables and model so that they don't need to be computed
	// each time a gradient step is taken
	learnables G.Nodes
	model      []G.ValueGrad

	predVal    []G.Value
	prediction []*G.Node
}

// validateRevTreeMLP validates the arguments of NewRevTreeMLP() to
// ensure they are legal.
func validateRevTreeMLP(features []int, rootHiddenSizes [][]int,
	rootBiases [][]bool, rootActivations [][]*Activation,
	leafHiddenSizes []int, leafBiases []bool,
	leafActivations []*Activation) error {
	if len(leafHiddenSizes) != len(leafActivations) {
		msg := "invalid number of leaf activations" +
			"\n\twant(%d)\n\thave(%d)"
		return fmt.Errorf(msg, len(leafHiddenSizes),
			len(leafActivations))
	}

	if len(leafHiddenSizes) != len(leafBiases) {
		msg := "invalid number of leaf biases" +
			"\n\twant(%d)\n\thave(%d)"
		return fmt.Errorf(msg, len(leafHiddenSizes), len(leafBiases))
	}

	if len(rootHiddenSizes) <= 0 || len(rootBiases) <= 0 ||
		len(rootActivations) <= 0 {
		msg := "there must be at least one root network specified"
		return fmt.Errorf(msg)
	}

	if len(rootHiddenSizes) != len(rootActivations) {
		msg := "invalid number of root network activations " +
			"\n\twant(%v) \n\thave(%v)"
		return fmt.Errorf(msg, len(rootHiddenSizes), len(rootActivations))
	}

	if len(rootHiddenSizes) != len(rootBiases) {
		msg := "invalid number of root network biases " +
			"\n\twant(%v) \n\thave(%v)"
		return fmt.Errorf(msg, len(rootHiddenSizes), len(rootBiases))
	}

	if len(features) != len(rootHiddenSizes) {
		msg := "must specify length of features for each root network"
		return fmt.Errorf(msg)
	}

	// Validate architecture of root networks
	for i := 0; i < len(rootHiddenSizes); i++ {
		if len(rootHiddenSizes[i]) != len(rootActivations[i]) {
			msg := "invalid number of activations for root " +
				"network %v \n\twant(%v) \n\thave(%v)"
			return fmt.Errorf(msg, i, len(rootHiddenSizes[i]),
				len(rootActivations[i]))
		}

		if len(rootHiddenSizes[i]) != len(rootBiases[i]) {
			msg := "invalid number of biases for root " +
				"network %v \n\twant(%v) \n\thave(%v)"
			return fmt.Errorf(msg, i, len(rootHiddenSizes[i]),
				len(rootBiases[i]))
		}
	}

	return nil
}

// NewRevTreeMLP returns a new NeuralNet with a reverse tree MLP
// structure.
//
// The number of root networks is equal to len(rootHiddenSizes). For
// index i, rootHiddenSizes[i], rootBiases[i], and rootActivations[i]
// determine the architecture of the ith root network. The ith root
// network has number of layers equal to len(rootHiddenSizes[i]). Given
// index j, rootHiddenSizes[i][j] determines the number of hidden units
// in layer j of root network i; rootBiases[i][j] determines whether a
// bias unit is added to layer j of root network i; rootActivations[i][j]
// determines the activation function to use for layer j of root
// network i. If rootHiddenSizes[i] is empty, then root network i
// passes its input through unchanged, so that the raw input features
// are concatenated directly into the leaf network's input.
//
// The leaf network's architecture is defined by leafHiddenSizes,
// leafBiases, and leafActivations in a similar manner. The number of
// layers in the leaf network is defined by len(leafHiddenSizes). Given
// index i, leafHiddenSizes[i] determines the number of hidden units
// in layer i; leafBiases[i] determines whether or not a bias unit is
// added to layer i; leafActivations[i] determines the activation
// function for layer i. A final linear layer with a bias unit and no
// activations is added to the leaf network to ensure the output of the
// network has the shape outputs.
//
// To create a network that has a single linear layer as the leaf
// network, simply use leafHiddenSizes = []int{}, leafBiases = []bool{},
// and leafActivations = []*network.Activation{}. The final linear
// layer will be added automatically.
func NewRevTreeMLP(features []int, batch, outputs int, g *G.ExprGraph,
	rootHiddenSizes [][]int, rootBiases [][]bool,
	rootActivations [][]*Activation, leafHiddenSizes []int, leafBiases []bool,
	leafActivations []*Activation, init G.InitWFn) (NeuralNet, error) {
	// Ensure the input is valid
	err := validateRevTreeMLP(features, rootHiddenSizes, rootBiases,
		rootActivations, leafHiddenSizes, leafBiases, leafActivations)
	if err != nil {
		return nil, fmt.Errorf("newrevtreemlp: %v", err)
	}

	// Construct root networks
	scope := netScope()
	rootNetworks := make([]NeuralNet, len(rootHiddenSizes))
	rootPredictions := make([]*G.Node, 0, len(rootHiddenSizes))
	inputs := make([]*G.Node, len(rootHiddenSizes))
	for i := range rootNetworks {
		// Set up the input node
		inputs[i] = G.NewMatrix(g, tensor.Float64,
			G.WithShape(batch, features[i]),
			G.WithName(fmt.Sprintf("Root%dInput", i)), G.WithInit(G.Zeroes()))

		// Create individual root networks and run each's forward pass.
		// A root with no hidden layers is an identity network, so its
		// output size equals its input size.
		var rootOutputs int
		if len(rootHiddenSizes[i]) == 0 {
			rootOutputs = features[i]
		} else {
			rootOutputs = rootHiddenSizes[i][len(rootHiddenSizes[i])-1]
		}
		prefix := fmt.Sprintf("%vRoot%d", scope, i)
		rootInput := []*G.Node{inputs[i]}
		rootNetwork, err := newMultiHeadMLPFromInput(rootInput, rootOutputs, g,
			rootHiddenSizes[i], rootBiases[i], init, rootActivations[i],
			prefix, "", false)
		if err != nil {
			return nil, fmt.Errorf("newrevtreemlp: could not construct root "+
				"network %v: %v", i, err)
		}
		rootNetworks[i] = rootNetwork
		rootPredictions = append(rootPredictions, rootNetwork.Prediction()...)
	}

	// Concatenate outputs of root networks
	rootOutput := []*G.Node{G.Must(G.Concat(1, rootPredictions...))}

	// Create the leaf network and run its forward pass
	leafNetwork, err := newMultiHeadMLPFromInput(rootOutput, outputs, g,
		leafHiddenSizes, leafBiases, init, leafActivations,
		scope+"Leaf", "", true)
	if err != nil {
		return nil, fmt.Errorf("newrevtreemlp: could not construct leaf "+
			"network: %v", err)
	}

	net := &revTreeMLP{
		g:            g,
		rootNetworks: rootNetworks,
		leafNetwork:  leafNetwork,
		inputs:       inputs,
		numOutputs:   outputs,
		numInputs:    features,
		batchSize:    batch,
		learnables:   nil,
		model:        nil,
	}

	err = net.fwd()
	if err != nil {
		return nil, fmt.Errorf("newrevtreemlp: could not compute forward "+
			"pass: %v", err)
	}

	return net, nil
}

// SetInput sets the value of the input nodes before running the
// forward pass. The input should be constructed as follows in row
// major order:
//
// Given a batch size of N with M root networks:
// input =
// [all features for all observations in the batch for root network 1,
// all features for all observations in the batch for root network 2,
// ...,
// all features for all observations in the batch for root network M-1,
// all features for all observations in the batch for root network M]
//
// So, the first N * numFeatures for root network 1 will be all the
// features for each sample in the batch and will be input to root net
// 1; the next N * numFeatures for root network 2 will be all the
// features for each sample in the batch and will be input to root net
// 2; and so on.
//
// For example, given 2 root networks, with the first taking in 10
// features and the second taking in 7 features with a batch size of 5,
// the first 10 * 5 = 50 floats in input will be used as the input for
// the first root network, with the first 10 features forming the first
// sample in the batch, the next 10 features forming the second sample
// in the batch, etc. The next 7 * 5 = 35 floats in input will be
// used as input for the second root network, with the first 7 features
// forming the first sample in the batch, the next 7 features forming
// the second sample in the batch, etc.
func (t *revTreeMLP) SetInput(input []float64) error {
	if len(input) != intutils.Sum(t.Features()...)*t.batchSize {
		msg := fmt.Sprintf("invalid number of inputs\n\twant(%v)"+
			"\n\thave(%v)", intutils.Sum(t.Features()...)*t.batchSize,
			len(input))
		panic(msg)
	}

	start := 0
	for i, rootInput := range t.inputs {
		stop := start + t.numInputs[i]*t.BatchSize()
		inputTensor := tensor.New(
			tensor.WithBacking(input[start:stop]),
			tensor.WithShape(rootInput.Shape()...),
		)
		if err := G.Let(rootInput, inputTensor); err != nil {
			return fmt.Errorf("setinput: could not set input for root "+
				"network %v: %v", i, err)
		}
		start = stop
	}

	return nil
}

// Outputs returns the number of outputs of the leaf network
func (t *revTreeMLP) Outputs() []int {
	return []int{t.numOutputs}
}

// OutputLayers returns the number of output layers in the network
func (t *revTreeMLP) OutputLayers() int {
	return len(t.Prediction())
}

// Graph returns the computational graph of the network
func (t *revTreeMLP) Graph() *G.ExprGraph {
	return t.g
}

// Features returns the number of input features per root network
func (t *revTreeMLP) Features() []int {
	return t.numInputs
}

// Inputs returns the input nodes of the network, one per root network
func (t *revTreeMLP) Inputs() []*G.Node {
	return t.inputs
}

// Clone returns a clone of the revTreeMLP.
func (t *revTreeMLP) Clone() (NeuralNet, error) {
	return t.CloneWithBatch(t.batchSize)
}

// CloneWithBatch returns a clone of the revTreeMLP with a new input
// batch size.
func (t *revTreeMLP) CloneWithBatch(batchSize int) (NeuralNet, error) {
	graph := G.NewGraph()

	// Create the input nodes
	inputs := make([]*G.Node, len(t.inputs))
	for i, input := range t.inputs {
		if !input.IsMatrix() {
			return nil, fmt.Errorf("clonewithbatch: invalid input type")
		}
		inputs[i] = G.NewMatrix(
			graph,
			tensor.Float64,
			G.WithShape(batchSize, input.Shape()[1]),
			G.WithName(fmt.Sprintf("Root%dInput", i)),
			G.WithInit(G.Zeroes()),
		)
	}

	return t.CloneWithInputTo(1, inputs, graph)
}

// CloneWithInputTo clones the revTreeMLP to a new graph with given
// input nodes. There should be one input node for each root network.
// The axis determines along which axis the outputs of the root
// networks are concatenated before being input to the leaf network.
func (t *revTreeMLP) CloneWithInputTo(axis int, inputs []*G.Node,
	graph *G.ExprGraph) (NeuralNet, error) {
	// Ensure one input is given for each root network
	if len(inputs) != len(t.inputs) {
		return nil, fmt.Errorf("clonewithinputto: must specify a single "+
			"input for each network root node \n\twant(%v) \n\thave(%v)",
			len(t.inputs), len(inputs))
	}

	rootClones := make([]NeuralNet, len(t.rootNetworks))
	rootOutputs := make([]*G.Node, 0, len(t.rootNetworks))
	features := make([]int, len(t.rootNetworks))
	for i, input := range inputs {
		if input.Graph() != graph {
			return nil, fmt.Errorf("clonewithinputto: not all inputs " +
				"have the same graph")
		}

		if !input.IsMatrix() {
			return nil, fmt.Errorf("clonewithinputto: input must be a " +
				"matrix node")
		}
		features[i] = input.Shape()[1]

		rootClone, err := t.rootNetworks[i].CloneWithInputTo(-1,
			[]*G.Node{input}, graph)
		if err != nil {
			return nil, fmt.Errorf("clonewithinputto: could not clone root "+
				"network %v: %v", i, err)
		}
		rootClones[i] = rootClone
		rootOutputs = append(rootOutputs, rootClone.Prediction()...)
	}
	batchSize := inputs[0].Shape()[0]

	leafClone, err := t.leafNetwork.CloneWithInputTo(axis, rootOutputs, graph)
	if err != nil {
		msg := "clonewithinputto: could not clone leaf network: %v"
		return nil, fmt.Errorf(msg, err)
	}

	net := &revTreeMLP{
		g:            graph,
		rootNetworks: rootClones,
		leafNetwork:  leafClone,
		inputs:       inputs,
		numOutputs:   t.numOutputs,
		numInputs:    features,
		batchSize:    batchSize,
		learnables:   nil,
		model:        nil,
	}

	err = net.fwd()
	if err != nil {
		return nil, fmt.Errorf("clonewithinputto: could not compute "+
			"forward pass: %v", err)
	}

	return net, nil
}

// BatchSize returns the batch size for inputs to the network
func (t *revTreeMLP) BatchSize() int {
	return t.rootNetworks[0].BatchSize()
}

// fwd computes the remaining steps of the forward pass of the
// revTreeMLP that its root and leaf networks did not compute. The
// network's prediction is the prediction of its leaf network.
func (t *revTreeMLP) fwd() error {
	t.prediction = t.leafNetwork.Prediction()

	t.predVal = make([]G.Value, len(t.prediction))
	for i, pred := range t.prediction {
		G.Read(pred, &t.predVal[i])
	}

	return nil
}

// Output returns the output of the revTreeMLP after the computational
// graph has been run.
func (t *revTreeMLP) Output() []G.Value {
	return t.predVal
}

// Prediction returns the node of the computational graph that stores
// the output of the revTreeMLP
func (t *revTreeMLP) Prediction() []*G.Node {
	return t.prediction
}

// Model returns the learnable nodes with their gradients.
func (t *revTreeMLP) Model() []G.ValueGrad {
	// Lazy instantiation of model
	if t.model == nil {
		t.model = t.computeModel()
	}
	return t.model
}

// computeModel gets and returns all learnables of the network with
// their gradients
func (t *revTreeMLP) computeModel() []G.ValueGrad {
	var model []G.ValueGrad
	for _, learnable := range t.Learnables() {
		model = append(model, learnable)
	}
	return model
}

// Learnables returns the learnable nodes in a revTreeMLP
func (t *revTreeMLP) Learnables() G.Nodes {
	// Lazy instantiation of learnables
	if t.learnables == nil {
		t.learnables = t.computeLearnables()
	}
	return t.learnables
}

// computeLearnables gets and returns all learnables of the network
func (t *revTreeMLP) computeLearnables() G.Nodes {
	var learnables G.Nodes

	for _, rootNet := range t.rootNetworks {
		learnables = append(learnables, rootNet.Learnables()...)
	}
	learnables = append(learnables, t.leafNetwork.Learnables()...)

	return learnables
}
