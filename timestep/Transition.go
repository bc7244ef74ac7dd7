package timestep

import (
	"gonum.org/v1/gonum/mat"
)

// Transition packages together a single transition of the
// agent-environment interaction. The Reward and Discount describe the
// transition from State to NextState, that is, they are the reward and
// discount seen on the timestep at which NextState was observed.
type Transition struct {
	State      *mat.VecDense
	Action     *mat.VecDense
	Reward     float64
	Discount   float64
	NextState  *mat.VecDense
	NextAction *mat.VecDense
}

// NewTransition packages the adjacent timesteps step and nextStep,
// together with the actions taken at each, into a Transition.
func NewTransition(step TimeStep, action *mat.VecDense, nextStep TimeStep,
	nextAction *mat.VecDense) Transition {
	return Transition{
		State:      mat.VecDenseCopyOf(step.Observation),
		Action:     action,
		Reward:     nextStep.Reward,
		Discount:   nextStep.Discount,
		NextState:  mat.VecDenseCopyOf(nextStep.Observation),
		NextAction: nextAction,
	}
}
