package sac

import (
	"fmt"

	"github.com/StaminaTang/pisac/solver"
)

// QReduction selects how the bootstrap value of a TD target is
// reduced over the target critics
type QReduction string

const (
	// Min bootstraps from the elementwise minimum of all target
	// critics
	Min QReduction = "min"

	// Redq bootstraps from the elementwise minimum of a uniformly
	// sampled subset of the target critics, redrawn on every update
	Redq QReduction = "redq"
)

// Config holds the hyperparameters of a SAC agent.
//
// Zero values select defaults where a zero is not itself meaningful:
// TrainSequenceLength 0 means 2, Gamma 0 means 1.0, Tau 0 means 1.0,
// TargetUpdatePeriod 0 means 1, RewardScale 0 means 1, QReduction ""
// means Min, and RedqSampleSize 0 means all target critics. A nil
// TargetEntropy means the negative number of action dimensions.
type Config struct {
	// Gamma discounts the bootstrap value of TD targets
	Gamma float64

	// Tau is the Polyak averaging rate of target critic syncs. A tau
	// of 1 replaces the target weights with the online weights.
	Tau float64

	// TargetUpdatePeriod is the number of training steps between
	// target critic syncs
	TargetUpdatePeriod int

	// InitialLogAlpha is the starting log entropy scale
	InitialLogAlpha float64

	// TargetEntropy is the policy entropy that the entropy scale
	// update drives the policy towards
	TargetEntropy *float64

	// QReduction and RedqSampleSize select the bootstrap reduction
	// over the target critics
	QReduction     QReduction
	RedqSampleSize int

	// RewardScale and RewardShift normalize the rewards entering TD
	// targets
	RewardScale float64
	RewardShift float64

	// AugCriticWeight weighs the augmented TD loss added to the
	// critic cost. A positive weight requires training through
	// TrainAug.
	AugCriticWeight float64

	// TrainSequenceLength is the number of timesteps in each
	// training sub-trajectory. Feed-forward networks train on single
	// transitions, length 2. Recurrent networks unroll over
	// TrainSequenceLength - 1 transition steps.
	TrainSequenceLength int

	// ExternalTrainStep leaves the training step counter to an
	// external caller through SetTrainStep instead of advancing the
	// counter on every update
	ExternalTrainStep bool

	// CriticSolver, ActorSolver, and AlphaSolver update the critic,
	// policy, and entropy scale weights. CriticSolver and
	// ActorSolver must be given together. A nil AlphaSolver fixes
	// the entropy scale at exp(InitialLogAlpha). An agent with no
	// solvers at all answers loss queries but cannot train.
	CriticSolver *solver.Solver
	ActorSolver  *solver.Solver
	AlphaSolver  *solver.Solver
}

// withDefaults returns a copy of the config with zero values replaced
// by their defaults
func (c Config) withDefaults() Config {
	if c.TrainSequenceLength == 0 {
		c.TrainSequenceLength = 2
	}
	if c.Gamma == 0 {
		c.Gamma = 1.0
	}
	if c.Tau == 0 {
		c.Tau = 1.0
	}
	if c.TargetUpdatePeriod == 0 {
		c.TargetUpdatePeriod = 1
	}
	if c.RewardScale == 0 {
		c.RewardScale = 1.0
	}
	if c.QReduction == "" {
		c.QReduction = Min
	}
	if c.RedqSampleSize == 0 {
		c.RedqSampleSize = 2
	}
	return c
}

// Validate checks the config for structural errors, interpreting zero
// values as their defaults
func (c Config) Validate() error {
	c = c.withDefaults()

	if c.Gamma < 0 || c.Gamma > 1 {
		return fmt.Errorf("validate: gamma must be in [0, 1] "+
			"\n\thave(%v)", c.Gamma)
	}
	if c.Tau <= 0 || c.Tau > 1 {
		return fmt.Errorf("validate: tau must be in (0, 1] \n\thave(%v)",
			c.Tau)
	}
	if c.TargetUpdatePeriod < 1 {
		return fmt.Errorf("validate: target update period must be "+
			"positive \n\thave(%v)", c.TargetUpdatePeriod)
	}
	if c.TrainSequenceLength < 2 {
		return fmt.Errorf("validate: train sequences need at least 2 "+
			"timesteps \n\thave(%v)", c.TrainSequenceLength)
	}
	if c.AugCriticWeight < 0 {
		return fmt.Errorf("validate: augmented critic weight cannot be "+
			"negative \n\thave(%v)", c.AugCriticWeight)
	}

	switch c.QReduction {
	case Min, Redq:
	default:
		return fmt.Errorf("validate: unknown Q reduction %q", c.QReduction)
	}
	if c.RedqSampleSize < 1 {
		return fmt.Errorf("validate: REDQ sample size must be positive "+
			"\n\thave(%v)", c.RedqSampleSize)
	}

	if (c.CriticSolver == nil) != (c.ActorSolver == nil) {
		return fmt.Errorf("validate: critic and actor solvers must be " +
			"given together")
	}
	if c.AlphaSolver != nil && c.CriticSolver == nil {
		return fmt.Errorf("validate: entropy scale solver requires " +
			"critic and actor solvers")
	}
	return nil
}
