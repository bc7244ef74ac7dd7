package network

import (
	"fmt"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// frnLayer implements Filter Response Normalization with a thresholded
// linear unit activation:
//
//	Filter Response Normalization Layer: Eliminating Batch Dependence
//	in the Training of Deep Neural Networks
//	https://arxiv.org/pdf/1911.09737.pdf
//
// Given an input x of shape (batch, channels, height, width), the
// layer normalizes each channel by its mean squared activation over
// the spatial axes, applies a learned per-channel affine
// transformation, and thresholds the result at a learned per-channel
// value tau:
//
//	nu2 = mean(x², over height and width)
//	y   = γ·x/sqrt(nu2 + ε) + β
//	z   = max(y, τ)
type frnLayer struct {
	tau   *G.Node // (1, channels, 1, 1)
	beta  *G.Node // (1, channels, 1, 1)
	gamma *G.Node // (1, channels, 1, 1)
	eps   float64
}

// newFRNLayer returns a new frnLayer for inputs with the given number
// of channels. The normalization parameters tau and beta start at 0
// and gamma starts at 1.
func newFRNLayer(g *G.ExprGraph, channels int, eps float64,
	prefix string) *frnLayer {
	parShape := []int{1, channels, 1, 1}

	tau := G.NewTensor(g, tensor.Float64, 4, G.WithShape(parShape...),
		G.WithName(prefix+"Tau"), G.WithInit(G.Zeroes()))
	beta := G.NewTensor(g, tensor.Float64, 4, G.WithShape(parShape...),
		G.WithName(prefix+"Beta"), G.WithInit(G.Zeroes()))
	gamma := G.NewTensor(g, tensor.Float64, 4, G.WithShape(parShape...),
		G.WithName(prefix+"Gamma"), G.WithInit(G.Ones()))

	return &frnLayer{
		tau:   tau,
		beta:  beta,
		gamma: gamma,
		eps:   eps,
	}
}

// fwd adds the forward pass of the frnLayer on input x to the
// computational graph. The input must have shape (batch, channels,
// height, width).
func (f *frnLayer) fwd(x *G.Node) (*G.Node, error) {
	if len(x.Shape()) != 4 {
		return nil, fmt.Errorf("fwd: frn input must have 4 dimensions "+
			"\n\twant(4) \n\thave(%v)", len(x.Shape()))
	}
	batch := x.Shape()[0]
	channels := x.Shape()[1]

	// nu2 = mean of x² over the spatial axes
	nu2 := G.Must(G.Mean(G.Must(G.Square(x)), 2, 3))
	nu2 = G.Must(G.Reshape(nu2, []int{batch, channels, 1, 1}))

	denom := G.Must(G.Sqrt(G.Must(G.Add(nu2, G.NewConstant(f.eps)))))
	normed := G.Must(G.BroadcastHadamardDiv(x, denom, nil, []byte{2, 3}))

	y := G.Must(G.BroadcastHadamardProd(normed, f.gamma, nil,
		[]byte{0, 2, 3}))
	y = G.Must(G.BroadcastAdd(y, f.beta, nil, []byte{0, 2, 3}))

	// z = max(y, τ) = τ + relu(y - τ)
	z := G.Must(G.BroadcastSub(y, f.tau, nil, []byte{0, 2, 3}))
	z = G.Must(G.Rectify(z))
	z = G.Must(G.BroadcastAdd(z, f.tau, nil, []byte{0, 2, 3}))

	return z, nil
}

// cloneTo clones the frnLayer to a new computational graph, deep
// copying the normalization parameters.
func (f *frnLayer) cloneTo(g *G.ExprGraph) *frnLayer {
	return &frnLayer{
		tau:   f.tau.CloneTo(g),
		beta:  f.beta.CloneTo(g),
		gamma: f.gamma.CloneTo(g),
		eps:   f.eps,
	}
}

// learnables returns the learnable nodes of the frnLayer
func (f *frnLayer) learnables() G.Nodes {
	return G.Nodes{f.tau, f.beta, f.gamma}
}
