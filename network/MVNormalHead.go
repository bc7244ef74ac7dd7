package network

import (
	"fmt"
	"math"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/StaminaTang/pisac/utils/op"
)

// batchNorm normalizes each feature of its input to zero mean and
// unit variance across the batch axis, followed by a learned
// per-feature affine transformation. Statistics are always computed
// from the current batch.
type batchNorm struct {
	gamma *G.Node // (1, features)
	beta  *G.Node // (1, features)
	eps   float64
}

// newBatchNorm returns a new batchNorm for inputs with the given
// number of features.
func newBatchNorm(g *G.ExprGraph, features int, eps float64,
	prefix string) *batchNorm {
	gamma := G.NewMatrix(g, tensor.Float64, G.WithShape(1, features),
		G.WithName(prefix+"Gamma"), G.WithInit(G.Ones()))
	beta := G.NewMatrix(g, tensor.Float64, G.WithShape(1, features),
		G.WithName(prefix+"Beta"), G.WithInit(G.Zeroes()))

	return &batchNorm{
		gamma: gamma,
		beta:  beta,
		eps:   eps,
	}
}

// fwd adds the forward pass of the batchNorm on input x to the
// computational graph. The input must have shape (batch, features).
func (b *batchNorm) fwd(x *G.Node) (*G.Node, error) {
	if len(x.Shape()) != 2 {
		return nil, fmt.Errorf("fwd: batch norm input must have 2 "+
			"dimensions \n\twant(2) \n\thave(%v)", len(x.Shape()))
	}
	features := x.Shape()[1]

	mean := G.Must(G.Mean(x, 0))
	mean = G.Must(G.Reshape(mean, []int{1, features}))
	centred := G.Must(G.BroadcastSub(x, mean, nil, []byte{0}))

	variance := G.Must(G.Mean(G.Must(G.Square(centred)), 0))
	variance = G.Must(G.Reshape(variance, []int{1, features}))
	denom := G.Must(G.Sqrt(G.Must(G.Add(variance, G.NewConstant(b.eps)))))

	normed := G.Must(G.BroadcastHadamardDiv(centred, denom, nil, []byte{0}))
	y := G.Must(G.BroadcastHadamardProd(normed, b.gamma, nil, []byte{0}))
	return G.BroadcastAdd(y, b.beta, nil, []byte{0})
}

// cloneTo clones the batchNorm to a new computational graph, deep
// copying the affine parameters.
func (b *batchNorm) cloneTo(g *G.ExprGraph) *batchNorm {
	return &batchNorm{
		gamma: b.gamma.CloneTo(g),
		beta:  b.beta.CloneTo(g),
		eps:   b.eps,
	}
}

// mvNormalDiagHead implements an MLP that predicts the location and
// diagonal scale of a multivariate normal distribution. The input is
// sent through a stack of fully connected layers, then through two
// linear heads predicting the location and the raw scale. The network
// has two output layers: the location and the scale diagonal, each
// with outputs features.
//
// When the scale is learned, the scale diagonal is
//
//	scaleDiag = softplus(raw) · 0.693/softplus(0) + 1e-6
//
// so that a raw prediction of 0 gives a scale of about 0.693 and the
// scale never collapses to 0. When a fixed scale is used instead, the
// scale head is omitted and every dimension of the scale diagonal is
// the fixed value.
type mvNormalDiagHead struct {
	g     *G.ExprGraph
	input *G.Node

	hidden    []Layer
	locHead   []Layer
	scaleHead []Layer // nil when the scale is fixed

	locNorm   *batchNorm // nil when not batch normalizing outputs
	scaleNorm *batchNorm

	scale float64 // Fixed scale, learned if <= 0

	numOutputs int
	numInputs  int
	batchSize  int

	// Store learnables and model so that they don't need to be computed
	// each time a gradient step is taken
	learnables G.Nodes
	model      []G.ValueGrad

	prediction []*G.Node // Location, then scale diagonal
	predVal    []G.Value
}

// validateMVNormalDiagHead validates the arguments of
// NewMVNormalDiagHead() to ensure they are legal.
func validateMVNormalDiagHead(features, batch, outputs int,
	hiddenSizes []int, biases []bool, activations []*Activation) error {
	if features <= 0 {
		return fmt.Errorf("features must be greater than 0")
	}

	if batch <= 0 {
		return fmt.Errorf("batch size must be greater than 0")
	}

	if outputs <= 0 {
		return fmt.Errorf("number of outputs must be greater than 0")
	}

	if len(hiddenSizes) != len(activations) {
		msg := "invalid number of activations \n\twant(%d) \n\thave(%d)"
		return fmt.Errorf(msg, len(hiddenSizes), len(activations))
	}

	if len(hiddenSizes) != len(biases) {
		msg := "invalid number of biases \n\twant(%d) \n\thave(%d)"
		return fmt.Errorf(msg, len(hiddenSizes), len(biases))
	}

	return nil
}

// NewMVNormalDiagHead returns a new NeuralNet that predicts the
// location and diagonal scale of an outputs-dimensional multivariate
// normal distribution.
//
// The hidden stack is defined by hiddenSizes, biases, and activations
// and is initialized with init. The linear heads predicting the
// location and raw scale are initialized with headInit, which can use
// a much smaller initialization scale than the hidden stack so that
// initial predictions stay near 0. If scale > 0, the scale diagonal is
// fixed at scale and only the location is learned. If outputBatchNorm
// is true, the head outputs are batch normalized before the scale
// transformation.
func NewMVNormalDiagHead(features, batch, outputs int, g *G.ExprGraph,
	hiddenSizes []int, biases []bool, activations []*Activation,
	scale float64, outputBatchNorm bool, init,
	headInit G.InitWFn) (NeuralNet, error) {
	// Ensure the input is valid
	err := validateMVNormalDiagHead(features, batch, outputs, hiddenSizes,
		biases, activations)
	if err != nil {
		return nil, fmt.Errorf("newmvnormaldiaghead: %v", err)
	}

	// Set up the input node
	input := G.NewMatrix(g, tensor.Float64, G.WithShape(batch, features),
		G.WithName("input"), G.WithInit(G.Zeroes()))

	// Hidden stack
	scope := netScope()
	hidden := addfcLayers(g, hiddenSizes, biases, activations, init,
		features, scope+"FC", "")

	headFeatures := features
	if len(hiddenSizes) > 0 {
		headFeatures = hiddenSizes[len(hiddenSizes)-1]
	}

	// Linear heads for the location and raw scale
	locHead := addfcLayers(g, []int{outputs}, []bool{true},
		[]*Activation{Identity()}, headInit, headFeatures, scope+"Loc", "")

	var scaleHead []Layer
	if scale <= 0 {
		scaleHead = addfcLayers(g, []int{outputs}, []bool{true},
			[]*Activation{Identity()}, headInit, headFeatures,
			scope+"Scale", "")
	}

	var locNorm, scaleNorm *batchNorm
	if outputBatchNorm {
		locNorm = newBatchNorm(g, outputs, 1e-3, scope+"LocBN")
		if scale <= 0 {
			scaleNorm = newBatchNorm(g, outputs, 1e-3, scope+"ScaleBN")
		}
	}

	net := &mvNormalDiagHead{
		g:          g,
		input:      input,
		hidden:     hidden,
		locHead:    locHead,
		scaleHead:  scaleHead,
		locNorm:    locNorm,
		scaleNorm:  scaleNorm,
		scale:      scale,
		numOutputs: outputs,
		numInputs:  features,
		batchSize:  batch,
		learnables: nil,
		model:      nil,
	}

	err = net.fwd(input)
	if err != nil {
		return nil, fmt.Errorf("newmvnormaldiaghead: could not compute "+
			"forward pass: %v", err)
	}

	return net, nil
}

// fwd computes the forward pass of the mvNormalDiagHead for input x
func (m *mvNormalDiagHead) fwd(x *G.Node) error {
	var err error
	for i, layer := range m.hidden {
		if x, err = layer.fwd(x); err != nil {
			return fmt.Errorf("fwd: could not compute hidden layer %v: %v",
				i, err)
		}
	}

	loc := x
	for _, layer := range m.locHead {
		if loc, err = layer.fwd(loc); err != nil {
			return fmt.Errorf("fwd: could not compute location head: %v",
				err)
		}
	}
	if m.locNorm != nil {
		if loc, err = m.locNorm.fwd(loc); err != nil {
			return fmt.Errorf("fwd: could not normalize location: %v", err)
		}
	}

	var scaleDiag *G.Node
	if m.scale > 0 {
		// Fixed scale diagonal with the same shape as the location
		zeros := G.Must(G.Mul(loc, G.NewConstant(0.0)))
		scaleDiag = G.Must(G.Add(zeros, G.NewConstant(m.scale)))
	} else {
		raw := x
		for _, layer := range m.scaleHead {
			if raw, err = layer.fwd(raw); err != nil {
				return fmt.Errorf("fwd: could not compute scale head: %v",
					err)
			}
		}
		if m.scaleNorm != nil {
			if raw, err = m.scaleNorm.fwd(raw); err != nil {
				return fmt.Errorf("fwd: could not normalize scale: %v", err)
			}
		}

		scaled := G.Must(G.Mul(op.Softplus(raw),
			G.NewConstant(0.693/math.Ln2)))
		scaleDiag = G.Must(G.Add(scaled, G.NewConstant(1e-6)))
	}

	m.prediction = []*G.Node{loc, scaleDiag}
	m.predVal = make([]G.Value, len(m.prediction))
	for i, pred := range m.prediction {
		G.Read(pred, &m.predVal[i])
	}

	return nil
}

// SetInput sets the value of the input node before running the
// forward pass.
func (m *mvNormalDiagHead) SetInput(input []float64) error {
	if len(input) != m.numInputs*m.batchSize {
		msg := fmt.Sprintf("invalid number of inputs\n\twant(%v)"+
			"\n\thave(%v)", m.numInputs*m.batchSize, len(input))
		panic(msg)
	}

	inputTensor := tensor.New(
		tensor.WithBacking(input),
		tensor.WithShape(m.batchSize, m.numInputs),
	)
	return G.Let(m.input, inputTensor)
}

// Outputs returns the number of outputs per output layer. The network
// has two output layers, the location and the scale diagonal, each
// with the same number of features.
func (m *mvNormalDiagHead) Outputs() []int {
	return []int{m.numOutputs, m.numOutputs}
}

// OutputLayers returns the number of output layers in the network
func (m *mvNormalDiagHead) OutputLayers() int {
	return len(m.Prediction())
}

// Graph returns the computational graph of the network
func (m *mvNormalDiagHead) Graph() *G.ExprGraph {
	return m.g
}

// Features returns the number of input features
func (m *mvNormalDiagHead) Features() []int {
	return []int{m.numInputs}
}

// Inputs returns the input node of the network
func (m *mvNormalDiagHead) Inputs() []*G.Node {
	return []*G.Node{m.input}
}

// Clone returns a clone of the mvNormalDiagHead.
func (m *mvNormalDiagHead) Clone() (NeuralNet, error) {
	return m.CloneWithBatch(m.batchSize)
}

// CloneWithBatch returns a clone of the mvNormalDiagHead with a new
// input batch size.
func (m *mvNormalDiagHead) CloneWithBatch(batchSize int) (NeuralNet, error) {
	graph := G.NewGraph()

	input := G.NewMatrix(graph, tensor.Float64,
		G.WithShape(batchSize, m.numInputs),
		G.WithName("input"), G.WithInit(G.Zeroes()))

	return m.CloneWithInputTo(-1, []*G.Node{input}, graph)
}

// CloneWithInputTo clones the mvNormalDiagHead to a new graph with a
// given input node. If multiple input nodes are given, then they are
// first concatenated along the specified axis.
func (m *mvNormalDiagHead) CloneWithInputTo(axis int, inputs []*G.Node,
	graph *G.ExprGraph) (NeuralNet, error) {
	for _, input := range inputs {
		if input.Graph() != graph {
			return nil, fmt.Errorf("clonewithinputto: not all inputs " +
				"have the same graph")
		}
	}

	var input *G.Node
	if len(inputs) > 1 {
		input = G.Must(G.Concat(axis, inputs...))
	} else {
		input = inputs[0]
	}

	if !input.IsMatrix() {
		return nil, fmt.Errorf("clonewithinputto: input must be a matrix " +
			"node")
	}

	if input.Shape()[1] != m.numInputs {
		return nil, fmt.Errorf("clonewithinputto: invalid number of input "+
			"features \n\twant(%v) \n\thave(%v)", m.numInputs,
			input.Shape()[1])
	}

	// Deep copy all weights to the new graph
	hidden := make([]Layer, len(m.hidden))
	for i, layer := range m.hidden {
		hidden[i] = layer.CloneTo(graph)
	}

	locHead := make([]Layer, len(m.locHead))
	for i, layer := range m.locHead {
		locHead[i] = layer.CloneTo(graph)
	}

	var scaleHead []Layer
	if m.scaleHead != nil {
		scaleHead = make([]Layer, len(m.scaleHead))
		for i, layer := range m.scaleHead {
			scaleHead[i] = layer.CloneTo(graph)
		}
	}

	var locNorm, scaleNorm *batchNorm
	if m.locNorm != nil {
		locNorm = m.locNorm.cloneTo(graph)
	}
	if m.scaleNorm != nil {
		scaleNorm = m.scaleNorm.cloneTo(graph)
	}

	net := &mvNormalDiagHead{
		g:          graph,
		input:      input,
		hidden:     hidden,
		locHead:    locHead,
		scaleHead:  scaleHead,
		locNorm:    locNorm,
		scaleNorm:  scaleNorm,
		scale:      m.scale,
		numOutputs: m.numOutputs,
		numInputs:  m.numInputs,
		batchSize:  input.Shape()[0],
		learnables: nil,
		model:      nil,
	}

	err := net.fwd(input)
	if err != nil {
		return nil, fmt.Errorf("clonewithinputto: could not compute "+
			"forward pass: %v", err)
	}

	return net, nil
}

// BatchSize returns the batch size for inputs to the network
func (m *mvNormalDiagHead) BatchSize() int {
	return m.batchSize
}

// Output returns the predicted location and scale diagonal after the
// computational graph has been run.
func (m *mvNormalDiagHead) Output() []G.Value {
	return m.predVal
}

// Prediction returns the nodes of the computational graph that store
// the predicted location and scale diagonal.
func (m *mvNormalDiagHead) Prediction() []*G.Node {
	return m.prediction
}

// Model returns the learnable nodes with their gradients.
func (m *mvNormalDiagHead) Model() []G.ValueGrad {
	// Lazy instantiation of model
	if m.model == nil {
		m.model = m.computeModel()
	}
	return m.model
}

// computeModel gets and returns all learnables of the network with
// their gradients
func (m *mvNormalDiagHead) computeModel() []G.ValueGrad {
	var model []G.ValueGrad
	for _, learnable := range m.Learnables() {
		model = append(model, learnable)
	}
	return model
}

// Learnables returns the learnable nodes in an mvNormalDiagHead
func (m *mvNormalDiagHead) Learnables() G.Nodes {
	// Lazy instantiation of learnables
	if m.learnables == nil {
		m.learnables = m.computeLearnables()
	}
	return m.learnables
}

// computeLearnables gets and returns all learnables of the network
func (m *mvNormalDiagHead) computeLearnables() G.Nodes {
	var learnables G.Nodes

	for _, layer := range m.hidden {
		learnables = append(learnables, layer.Weights())
		if layer.Bias() != nil {
			learnables = append(learnables, layer.Bias())
		}
	}

	for _, layer := range m.locHead {
		learnables = append(learnables, layer.Weights())
		if layer.Bias() != nil {
			learnables = append(learnables, layer.Bias())
		}
	}

	for _, layer := range m.scaleHead {
		learnables = append(learnables, layer.Weights())
		if layer.Bias() != nil {
			learnables = append(learnables, layer.Bias())
		}
	}

	if m.locNorm != nil {
		learnables = append(learnables, m.locNorm.gamma, m.locNorm.beta)
	}
	if m.scaleNorm != nil {
		learnables = append(learnables, m.scaleNorm.gamma, m.scaleNorm.beta)
	}

	return learnables
}
