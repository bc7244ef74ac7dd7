// Package network implements neural network function approximators on
// Gorgonia computational graphs.
package network

import (
	"fmt"
	"sync/atomic"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

var netScopes uint64

// netScope returns a name prefix unique to one network instance.
// Learnable names carry the prefix so that the learnables of separate
// networks stay distinct when networks are composed onto a single
// graph.
func netScope() string {
	return fmt.Sprintf("Net%d/", atomic.AddUint64(&netScopes, 1))
}

// NeuralNet implements a neural network whose forward pass has been
// added to a Gorgonia computational graph. A NeuralNet may have
// multiple input nodes and multiple output layers.
type NeuralNet interface {
	// Graph returns the computational graph that holds the network
	Graph() *G.ExprGraph

	// Clone clones the network to a new computational graph, deep
	// copying all weights
	Clone() (NeuralNet, error)

	// CloneWithBatch clones the network to a new computational graph
	// with a new input batch size
	CloneWithBatch(int) (NeuralNet, error)

	// CloneWithInputTo clones the network onto the computational graph
	// graph, using inputs as the input nodes of the cloned network.
	// Networks with a single input node concatenate multiple inputs
	// along axis first. This allows the output node of one network to
	// be used as an input of another, composing networks on a single
	// graph.
	CloneWithInputTo(axis int, inputs []*G.Node,
		graph *G.ExprGraph) (NeuralNet, error)

	// BatchSize returns the number of rows in a batch of inputs
	BatchSize() int

	// Features returns the number of input features per input node
	Features() []int

	// Outputs returns the number of outputs per output layer
	Outputs() []int

	// OutputLayers returns the number of output layers of the network
	OutputLayers() int

	// Inputs returns the input nodes of the network
	Inputs() []*G.Node

	// SetInput sets the value of the network's input node(s) before
	// running the computational graph. When a network has multiple
	// input nodes, the input slice holds the (batch x features) matrix
	// for each input node back-to-back, in the order of Inputs().
	SetInput([]float64) error

	// Learnables returns the learnable nodes of the network
	Learnables() G.Nodes

	// Model returns the learnable nodes with their gradients
	Model() []G.ValueGrad

	// Output returns the value of each output layer after the
	// computational graph has been run
	Output() []G.Value

	// Prediction returns the node of each output layer
	Prediction() []*G.Node
}

// Layer implements a single layer of a NeuralNet
type Layer interface {
	fwd(*G.Node) (*G.Node, error)

	// CloneTo clones the layer to a new computational graph, deep
	// copying all weights
	CloneTo(g *G.ExprGraph) Layer

	Weights() *G.Node
	Bias() *G.Node
	Activation() *Activation
}

// addfcLayers adds fully connected layers to the computational graph
// g, returning the layers. Layer i has hiddenSizes[i] hidden units, a
// bias unit if biases[i] is true, and activation function
// activations[i]. Weight initialization is determined by init and
// features is the number of input features to the first layer. Weight
// node names are generated from prefix and suffix so that layers of
// separate sub-networks on a single graph can be told apart.
func addfcLayers(g *G.ExprGraph, hiddenSizes []int, biases []bool,
	activations []*Activation, init G.InitWFn, features int, prefix,
	suffix string) []Layer {
	layers := make([]Layer, 0, len(hiddenSizes))

	for i := range hiddenSizes {
		weightName := fmt.Sprintf("%vL%dW%v", prefix, i, suffix)
		weights := G.NewMatrix(
			g,
			tensor.Float64,
			G.WithShape(features, hiddenSizes[i]),
			G.WithName(weightName),
			G.WithInit(init),
		)

		var bias *G.Node
		if biases[i] {
			biasName := fmt.Sprintf("%vL%dB%v", prefix, i, suffix)
			bias = G.NewMatrix(
				g,
				tensor.Float64,
				G.WithShape(1, hiddenSizes[i]),
				G.WithName(biasName),
				G.WithInit(init),
			)
		}

		layers = append(layers, &fcLayer{
			weights: weights,
			bias:    bias,
			act:     activations[i],
		})

		features = hiddenSizes[i]
	}

	return layers
}

// Set sets the weights of dest to be equal to the weights of source.
// The weights are deep copied, so that later updates to source leave
// dest unchanged.
func Set(dest, source NeuralNet) error {
	sourceNodes := source.Learnables()
	nodes := dest.Learnables()
	if len(sourceNodes) != len(nodes) {
		return fmt.Errorf("set: incompatible networks \n\twant(%v "+
			"learnables) \n\thave(%v)", len(nodes), len(sourceNodes))
	}

	for i, destLearnable := range nodes {
		sourceLearnable := sourceNodes[i].Clone()
		err := G.Let(destLearnable, sourceLearnable.(*G.Node).Value())
		if err != nil {
			return err
		}
	}
	return nil
}

// Polyak sets the weights of dest to be a polyak average between its
// current weights and the weights of source:
//
//	dest <- tau * source + (1 - tau) * dest
func Polyak(dest, source NeuralNet, tau float64) error {
	sourceNodes := source.Learnables()
	nodes := dest.Learnables()
	if len(sourceNodes) != len(nodes) {
		return fmt.Errorf("polyak: incompatible networks \n\twant(%v "+
			"learnables) \n\thave(%v)", len(nodes), len(sourceNodes))
	}

	for i := range nodes {
		weights := nodes[i].Value().(*tensor.Dense)
		sourceWeights := sourceNodes[i].Value().(*tensor.Dense)

		weights, err := weights.MulScalar(1-tau, true)
		if err != nil {
			return err
		}

		sourceWeights, err = sourceWeights.MulScalar(tau, true)
		if err != nil {
			return err
		}

		var newWeights *tensor.Dense
		newWeights, err = weights.Add(sourceWeights)
		if err != nil {
			return err
		}

		err = G.Let(nodes[i], newWeights)
		if err != nil {
			return err
		}
	}
	return nil
}
