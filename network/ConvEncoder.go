package network

import (
	"fmt"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// convLayer implements a single 2D convolutional layer with a bias
// unit and no padding.
type convLayer struct {
	filter *G.Node // (filters, channels, kernel, kernel)
	bias   *G.Node // (1, filters, 1, 1)
	kernel int
	stride int
}

// newConvLayer returns a new convLayer with the given number of input
// channels and output filters.
func newConvLayer(g *G.ExprGraph, channels, filters, kernel, stride int,
	init G.InitWFn, prefix string) *convLayer {
	filter := G.NewTensor(g, tensor.Float64, 4,
		G.WithShape(filters, channels, kernel, kernel),
		G.WithName(prefix+"W"), G.WithInit(init))
	bias := G.NewTensor(g, tensor.Float64, 4,
		G.WithShape(1, filters, 1, 1),
		G.WithName(prefix+"B"), G.WithInit(G.Zeroes()))

	return &convLayer{
		filter: filter,
		bias:   bias,
		kernel: kernel,
		stride: stride,
	}
}

// fwd adds the forward pass of the convLayer on input x to the
// computational graph. The input must have shape (batch, channels,
// height, width).
func (c *convLayer) fwd(x *G.Node) (*G.Node, error) {
	out, err := G.Conv2d(x, c.filter, tensor.Shape{c.kernel, c.kernel},
		[]int{0, 0}, []int{c.stride, c.stride}, []int{1, 1})
	if err != nil {
		return nil, err
	}
	return G.BroadcastAdd(out, c.bias, nil, []byte{0, 2, 3})
}

// cloneTo clones the convLayer to a new computational graph, deep
// copying the filter and bias.
func (c *convLayer) cloneTo(g *G.ExprGraph) *convLayer {
	return &convLayer{
		filter: c.filter.CloneTo(g),
		bias:   c.bias.CloneTo(g),
		kernel: c.kernel,
		stride: c.stride,
	}
}

// layerNorm normalizes each row of its input to zero mean and unit
// variance across the feature axis, followed by a learned per-feature
// affine transformation.
type layerNorm struct {
	gamma *G.Node // (1, features)
	beta  *G.Node // (1, features)
	eps   float64
}

// newLayerNorm returns a new layerNorm for inputs with the given
// number of features.
func newLayerNorm(g *G.ExprGraph, features int, eps float64,
	prefix string) *layerNorm {
	gamma := G.NewMatrix(g, tensor.Float64, G.WithShape(1, features),
		G.WithName(prefix+"Gamma"), G.WithInit(G.Ones()))
	beta := G.NewMatrix(g, tensor.Float64, G.WithShape(1, features),
		G.WithName(prefix+"Beta"), G.WithInit(G.Zeroes()))

	return &layerNorm{
		gamma: gamma,
		beta:  beta,
		eps:   eps,
	}
}

// fwd adds the forward pass of the layerNorm on input x to the
// computational graph. The input must have shape (batch, features).
func (l *layerNorm) fwd(x *G.Node) (*G.Node, error) {
	if len(x.Shape()) != 2 {
		return nil, fmt.Errorf("fwd: layer norm input must have 2 "+
			"dimensions \n\twant(2) \n\thave(%v)", len(x.Shape()))
	}
	batch := x.Shape()[0]

	mean := G.Must(G.Mean(x, 1))
	mean = G.Must(G.Reshape(mean, []int{batch, 1}))
	centred := G.Must(G.BroadcastSub(x, mean, nil, []byte{1}))

	variance := G.Must(G.Mean(G.Must(G.Square(centred)), 1))
	variance = G.Must(G.Reshape(variance, []int{batch, 1}))
	denom := G.Must(G.Sqrt(G.Must(G.Add(variance, G.NewConstant(l.eps)))))

	normed := G.Must(G.BroadcastHadamardDiv(centred, denom, nil, []byte{1}))
	y := G.Must(G.BroadcastHadamardProd(normed, l.gamma, nil, []byte{0}))
	return G.BroadcastAdd(y, l.beta, nil, []byte{0})
}

// cloneTo clones the layerNorm to a new computational graph, deep
// copying the affine parameters.
func (l *layerNorm) cloneTo(g *G.ExprGraph) *layerNorm {
	return &layerNorm{
		gamma: l.gamma.CloneTo(g),
		beta:  l.beta.CloneTo(g),
		eps:   l.eps,
	}
}

// convEncoder implements a convolutional encoder for image
// observations. Each convolutional layer is followed by filter
// response normalization with a thresholded linear unit. The final
// feature map is flattened and projected through a fully connected
// layer with layer normalization and an optional tanh activation:
//
//	Input ─→ [Conv ─→ FRN] × N ─→ Flatten ─→ Dense ─→ LayerNorm ─→ Output
//
// Inputs have shape (batch, channels, height, width). When the encoder
// is constructed with pixel scaling, inputs are scaled by 1/255 so
// that images can be fed as raw pixel values.
type convEncoder struct {
	g     *G.ExprGraph
	input *G.Node // (batch, channels, height, width)

	convs      []*convLayer
	frns       []*frnLayer
	projection []Layer // Dense projection of the flattened feature map
	norm       *layerNorm

	outputTanh  bool
	scalePixels bool

	channels  int
	height    int
	width     int
	batchSize int

	numOutputs int
	flatDim    int // Features after flattening the final feature map

	// Store learnables and model so that they don't need to be computed
	// each time a gradient step is taken
	learnables G.Nodes
	model      []G.ValueGrad

	prediction []*G.Node
	predVal    []G.Value
}

// validateConvEncoder validates the arguments of NewConvEncoder() to
// ensure they are legal. It returns the spatial size of the feature
// map after the final convolutional layer.
func validateConvEncoder(channels, height, width, batch, outputs int,
	filters, kernels, strides []int) (int, int, error) {
	if channels <= 0 || height <= 0 || width <= 0 {
		return 0, 0, fmt.Errorf("input dimensions must be greater than 0")
	}

	if batch <= 0 {
		return 0, 0, fmt.Errorf("batch size must be greater than 0")
	}

	if outputs <= 0 {
		return 0, 0, fmt.Errorf("number of outputs must be greater than 0")
	}

	if len(filters) == 0 {
		return 0, 0, fmt.Errorf("there must be at least one convolutional " +
			"layer")
	}

	if len(filters) != len(kernels) {
		msg := "invalid number of kernel sizes \n\twant(%v) \n\thave(%v)"
		return 0, 0, fmt.Errorf(msg, len(filters), len(kernels))
	}

	if len(filters) != len(strides) {
		msg := "invalid number of strides \n\twant(%v) \n\thave(%v)"
		return 0, 0, fmt.Errorf(msg, len(filters), len(strides))
	}

	for i := range filters {
		if filters[i] <= 0 || kernels[i] <= 0 || strides[i] <= 0 {
			return 0, 0, fmt.Errorf("conv layer %v: filters, kernels, and "+
				"strides must be greater than 0", i)
		}

		height = (height-kernels[i])/strides[i] + 1
		width = (width-kernels[i])/strides[i] + 1
		if height < 1 || width < 1 {
			return 0, 0, fmt.Errorf("conv layer %v reduces the feature "+
				"map below 1x1", i)
		}
	}

	return height, width, nil
}

// NewConvEncoder returns a new NeuralNet that encodes image
// observations of shape (channels x height x width) into outputs
// features.
//
// The convolutional trunk has number of layers equal to len(filters).
// For index i, layer i has filters[i] filters of size
// kernels[i] x kernels[i] applied with stride strides[i] and no
// padding. Each convolutional layer is followed by filter response
// normalization with a thresholded linear unit in place of an
// activation function.
//
// If outputTanh is true, a tanh activation is applied to the encoded
// features. If scalePixels is true, inputs are scaled by 1/255 before
// encoding so that raw uint8 pixel values can be fed directly.
func NewConvEncoder(channels, height, width, batch int, g *G.ExprGraph,
	filters, kernels, strides []int, outputs int, outputTanh,
	scalePixels bool, init G.InitWFn) (NeuralNet, error) {
	// Ensure the input is valid
	outHeight, outWidth, err := validateConvEncoder(channels, height, width,
		batch, outputs, filters, kernels, strides)
	if err != nil {
		return nil, fmt.Errorf("newconvencoder: %v", err)
	}

	// Set up the input node
	input := G.NewTensor(g, tensor.Float64, 4,
		G.WithShape(batch, channels, height, width),
		G.WithName("input"), G.WithInit(G.Zeroes()))

	// Convolutional trunk with filter response normalization
	scope := netScope()
	convs := make([]*convLayer, len(filters))
	frns := make([]*frnLayer, len(filters))
	inChannels := channels
	for i := range filters {
		convs[i] = newConvLayer(g, inChannels, filters[i], kernels[i],
			strides[i], init, fmt.Sprintf("%vConvL%d", scope, i))
		frns[i] = newFRNLayer(g, filters[i], 1e-6,
			fmt.Sprintf("%vFRNL%d", scope, i))
		inChannels = filters[i]
	}

	// Dense projection of the flattened feature map with layer
	// normalization
	flatDim := inChannels * outHeight * outWidth
	projection := addfcLayers(g, []int{outputs}, []bool{true},
		[]*Activation{Identity()}, init, flatDim, scope+"FC", "")
	norm := newLayerNorm(g, outputs, 1e-5, scope+"LN")

	net := &convEncoder{
		g:           g,
		input:       input,
		convs:       convs,
		frns:        frns,
		projection:  projection,
		norm:        norm,
		outputTanh:  outputTanh,
		scalePixels: scalePixels,
		channels:    channels,
		height:      height,
		width:       width,
		batchSize:   batch,
		numOutputs:  outputs,
		flatDim:     flatDim,
		learnables:  nil,
		model:       nil,
	}

	err = net.fwd(input)
	if err != nil {
		return nil, fmt.Errorf("newconvencoder: could not compute forward "+
			"pass: %v", err)
	}

	return net, nil
}

// fwd computes the forward pass of the convEncoder for input x
func (c *convEncoder) fwd(x *G.Node) error {
	batch := x.Shape()[0]

	if c.scalePixels {
		x = G.Must(G.Mul(x, G.NewConstant(1.0/255.0)))
	}

	var err error
	for i := range c.convs {
		if x, err = c.convs[i].fwd(x); err != nil {
			return fmt.Errorf("fwd: could not compute conv layer %v: %v",
				i, err)
		}
		if x, err = c.frns[i].fwd(x); err != nil {
			return fmt.Errorf("fwd: could not compute frn layer %v: %v",
				i, err)
		}
	}

	// Flatten the feature map and project it to the output features
	x = G.Must(G.Reshape(x, []int{batch, c.flatDim}))
	for _, layer := range c.projection {
		if x, err = layer.fwd(x); err != nil {
			return fmt.Errorf("fwd: could not compute projection: %v", err)
		}
	}

	if x, err = c.norm.fwd(x); err != nil {
		return fmt.Errorf("fwd: could not compute layer norm: %v", err)
	}

	if c.outputTanh {
		x = G.Must(G.Tanh(x))
	}

	c.prediction = []*G.Node{x}
	c.predVal = make([]G.Value, 1)
	G.Read(x, &c.predVal[0])

	return nil
}

// SetInput sets the value of the input node before running the
// forward pass. The input holds the batch of images in row major
// order with shape (batch, channels, height, width).
func (c *convEncoder) SetInput(input []float64) error {
	size := c.batchSize * c.channels * c.height * c.width
	if len(input) != size {
		msg := fmt.Sprintf("invalid number of inputs\n\twant(%v)"+
			"\n\thave(%v)", size, len(input))
		panic(msg)
	}

	inputTensor := tensor.New(
		tensor.WithBacking(input),
		tensor.WithShape(c.batchSize, c.channels, c.height, c.width),
	)
	return G.Let(c.input, inputTensor)
}

// Outputs returns the number of encoded features
func (c *convEncoder) Outputs() []int {
	return []int{c.numOutputs}
}

// OutputLayers returns the number of output layers in the network
func (c *convEncoder) OutputLayers() int {
	return len(c.Prediction())
}

// Graph returns the computational graph of the network
func (c *convEncoder) Graph() *G.ExprGraph {
	return c.g
}

// Features returns the number of input features, equal to the number
// of pixels across all channels of a single image.
func (c *convEncoder) Features() []int {
	return []int{c.channels * c.height * c.width}
}

// Inputs returns the input node of the network
func (c *convEncoder) Inputs() []*G.Node {
	return []*G.Node{c.input}
}

// Clone returns a clone of the convEncoder.
func (c *convEncoder) Clone() (NeuralNet, error) {
	return c.CloneWithBatch(c.batchSize)
}

// CloneWithBatch returns a clone of the convEncoder with a new input
// batch size.
func (c *convEncoder) CloneWithBatch(batchSize int) (NeuralNet, error) {
	graph := G.NewGraph()

	input := G.NewTensor(graph, tensor.Float64, 4,
		G.WithShape(batchSize, c.channels, c.height, c.width),
		G.WithName("input"), G.WithInit(G.Zeroes()))

	return c.CloneWithInputTo(-1, []*G.Node{input}, graph)
}

// CloneWithInputTo clones the convEncoder to a new graph with a given
// input node. The encoder takes a single input node of shape
// (batch, channels, height, width), so the axis argument is unused.
func (c *convEncoder) CloneWithInputTo(axis int, inputs []*G.Node,
	graph *G.ExprGraph) (NeuralNet, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("clonewithinputto: convEncoder takes a "+
			"single input node \n\twant(1) \n\thave(%v)", len(inputs))
	}
	input := inputs[0]

	if input.Graph() != graph {
		return nil, fmt.Errorf("clonewithinputto: input has a different " +
			"graph")
	}

	shape := input.Shape()
	if len(shape) != 4 {
		return nil, fmt.Errorf("clonewithinputto: input must have 4 "+
			"dimensions \n\twant(4) \n\thave(%v)", len(shape))
	}

	if shape[1] != c.channels || shape[2] != c.height ||
		shape[3] != c.width {
		return nil, fmt.Errorf("clonewithinputto: invalid image shape "+
			"\n\twant(%vx%vx%v) \n\thave(%vx%vx%v)", c.channels, c.height,
			c.width, shape[1], shape[2], shape[3])
	}

	// Deep copy all weights to the new graph
	convs := make([]*convLayer, len(c.convs))
	for i, conv := range c.convs {
		convs[i] = conv.cloneTo(graph)
	}

	frns := make([]*frnLayer, len(c.frns))
	for i, frn := range c.frns {
		frns[i] = frn.cloneTo(graph)
	}

	projection := make([]Layer, len(c.projection))
	for i, layer := range c.projection {
		projection[i] = layer.CloneTo(graph)
	}

	net := &convEncoder{
		g:           graph,
		input:       input,
		convs:       convs,
		frns:        frns,
		projection:  projection,
		norm:        c.norm.cloneTo(graph),
		outputTanh:  c.outputTanh,
		scalePixels: c.scalePixels,
		channels:    c.channels,
		height:      c.height,
		width:       c.width,
		batchSize:   shape[0],
		numOutputs:  c.numOutputs,
		flatDim:     c.flatDim,
		learnables:  nil,
		model:       nil,
	}

	err := net.fwd(input)
	if err != nil {
		return nil, fmt.Errorf("clonewithinputto: could not compute "+
			"forward pass: %v", err)
	}

	return net, nil
}

// BatchSize returns the batch size for inputs to the network
func (c *convEncoder) BatchSize() int {
	return c.batchSize
}

// Output returns the encoded features after the computational graph
// has been run.
func (c *convEncoder) Output() []G.Value {
	return c.predVal
}

// Prediction returns the node of the computational graph that stores
// the encoded features.
func (c *convEncoder) Prediction() []*G.Node {
	return c.prediction
}

// Model returns the learnable nodes with their gradients.
func (c *convEncoder) Model() []G.ValueGrad {
	// Lazy instantiation of model
	if c.model == nil {
		c.model = c.computeModel()
	}
	return c.model
}

// computeModel gets and returns all learnables of the network with
// their gradients
func (c *convEncoder) computeModel() []G.ValueGrad {
	var model []G.ValueGrad
	for _, learnable := range c.Learnables() {
		model = append(model, learnable)
	}
	return model
}

// Learnables returns the learnable nodes in a convEncoder
func (c *convEncoder) Learnables() G.Nodes {
	// Lazy instantiation of learnables
	if c.learnables == nil {
		c.learnables = c.computeLearnables()
	}
	return c.learnables
}

// computeLearnables gets and returns all learnables of the network
func (c *convEncoder) computeLearnables() G.Nodes {
	var learnables G.Nodes

	for i := range c.convs {
		learnables = append(learnables, c.convs[i].filter, c.convs[i].bias)
		learnables = append(learnables, c.frns[i].learnables()...)
	}

	for _, layer := range c.projection {
		learnables = append(learnables, layer.Weights())
		if layer.Bias() != nil {
			learnables = append(learnables, layer.Bias())
		}
	}

	learnables = append(learnables, c.norm.gamma, c.norm.beta)

	return learnables
}
