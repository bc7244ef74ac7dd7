// Package spec implements specifications of the shape and bounds of
// the data passed between an agent and an environment
package spec

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// SpecType determines what kind of specification a Spec is. A Spec can
// specify the layout of an action, an observation, a discount, or a
// reward
type SpecType int

const (
	Action SpecType = iota
	Observation
	Discount
	Reward
)

func (s SpecType) String() string {
	switch s {
	case Action:
		return "Action"
	case Observation:
		return "Observation"
	case Discount:
		return "Discount"
	default:
		return "Reward"
	}
}

// Cardinality determines the cardinality of a number (discrete or
// continuous)
type Cardinality string

const (
	Continuous Cardinality = "Continuous"
	Discrete   Cardinality = "Discrete"
)

// Environment implements an environment specification, which tells the
// type, shape, and bounds of an action, observation, discount, or
// reward in an environment. The Shape vector holds one element per
// dimension of the data it describes, so that Shape.Len() is the
// number of dimensions.
type Environment struct {
	Shape      mat.Vector
	Type       SpecType
	LowerBound mat.Vector
	UpperBound mat.Vector
	Cardinality
}

// NewEnvironment constructs a new environment specification.
// The shape argument outlines the shape of the data described by the
// specification. The argument t outlines what the specification is
// describing (e.g. actions, observations, etc.). The cardinality
// argument describes whether the values that the spec describes are
// continuous or discrete.
func NewEnvironment(shape mat.Vector, t SpecType, lowerBound,
	upperBound mat.Vector, cardinality Cardinality) Environment {
	if shape.Len() != lowerBound.Len() {
		panic(fmt.Sprintf("shape length %v must match lower bounds length %v",
			shape.Len(), lowerBound.Len()))
	}
	if shape.Len() != upperBound.Len() {
		panic(fmt.Sprintf("shape length %v must match upper bounds length %v",
			shape.Len(), upperBound.Len()))
	}
	return Environment{shape, t, lowerBound, upperBound, cardinality}
}

// NewContinuousAction returns the specification of a continuous action
// with the argument elementwise bounds
func NewContinuousAction(lowerBound, upperBound []float64) Environment {
	if len(lowerBound) != len(upperBound) {
		panic(fmt.Sprintf("lower bounds length %v must match upper bounds "+
			"length %v", len(lowerBound), len(upperBound)))
	}
	dims := len(lowerBound)

	return NewEnvironment(mat.NewVecDense(dims, nil), Action,
		mat.NewVecDense(dims, lowerBound), mat.NewVecDense(dims, upperBound),
		Continuous)
}

// NewContinuousObservation returns the specification of an unbounded
// continuous observation vector with the argument number of features
func NewContinuousObservation(features int) Environment {
	lowerBound := make([]float64, features)
	upperBound := make([]float64, features)
	for i := 0; i < features; i++ {
		lowerBound[i] = math.Inf(-1)
		upperBound[i] = math.Inf(1)
	}

	return NewEnvironment(mat.NewVecDense(features, nil), Observation,
		mat.NewVecDense(features, lowerBound),
		mat.NewVecDense(features, upperBound), Continuous)
}
