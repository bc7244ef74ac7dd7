// Package agent defines the interfaces implemented by learning agents
// and their policies
package agent

import (
	"github.com/StaminaTang/pisac/network"
	"github.com/StaminaTang/pisac/timestep"
	"gonum.org/v1/gonum/mat"
	G "gorgonia.org/gorgonia"
)

// Agent determines the implementation details of an agent or algorithm
//
// An Agent is composed of a Trainer, which learns weights from
// recorded experience, and a Policy which chooses actions in each
// state. The Trainer and the Policy share weights so that any changes
// the Trainer makes to the weights are reflected in the actions the
// Policy chooses.
type Agent interface {
	Trainer

	// Policy returns the policy that the agent selects actions with
	Policy() Policy
}

// A Closer is an agent that must be closed after it is done learning
type Closer interface {
	Agent
	Close() error
}

// Trainer implements a learning algorithm that defines how weights
// are updated from batches of experience.
type Trainer interface {
	// Train performs a single update to the Trainer's networks using
	// a batch of sub-trajectories, returning the losses seen during
	// the update.
	Train(traj timestep.Trajectory) (LossInfo, error)

	// TrainSteps returns the number of completed training updates
	TrainSteps() int

	// SetTrainStep sets the training step counter. Trainers
	// configured not to step their own counter are advanced through
	// this method by an external caller.
	SetTrainStep(step int)
}

// TdErrorer is a Trainer that can return the TD error of some
// transition
type TdErrorer interface {
	Trainer

	// TdError returns the TD error on a transition
	TdError(t timestep.Transition) float64
}

// LossInfo holds the losses seen during a single training update.
// Each loss is the mean over the batch that the update was computed
// on.
type LossInfo struct {
	CriticLoss float64
	ActorLoss  float64
	AlphaLoss  float64
}

// Loss returns the total loss minimized during the update
func (l LossInfo) Loss() float64 {
	return l.CriticLoss + l.ActorLoss + l.AlphaLoss
}

// Policy represents a policy that an agent can have.
//
// Policies determine how agents select actions. Agents usually have a
// target and behaviour policy. For a given agent, the Policy and
// Trainer should have pointers to the same weights so that any changes
// the Trainer makes to the weights are reflected in the actions the
// Policy chooses.
type Policy interface {
	SelectAction(t timestep.TimeStep) *mat.VecDense
	Eval()        // Set policy to evaluation mode
	Train()       // Set policy to training mode
	IsEval() bool // Indicates if in evaluation mode
}

// NNPolicy represents a policy that uses neural network function
// approximation.
//
// Policies implemented by neural networks satisfy a different
// interface from Policy so that their weights can be copied and
// synchronized at the network level, and so that the resources
// backing the network can be released once learning is done.
type NNPolicy interface {
	Policy
	Clone() (NNPolicy, error)
	CloneWithBatch(int) (NNPolicy, error)
	Network() network.NeuralNet
	Close() error
}

// Distribution is a batch of action distributions, one distribution
// per batch element.
type Distribution interface {
	// Sample draws one action for each batch element. Actions are
	// returned in row major order.
	Sample() ([]float64, error)
}

// LogProber is a Distribution that can compute the log probability
// density of actions under itself. Distributions that are not
// LogProbers select actions deterministically, and losses treat them
// as having no entropy.
type LogProber interface {
	Distribution

	// LogProb returns the log probability density of the argument
	// actions, one density per batch element. Actions should be
	// constructed in row major order.
	LogProb(actions []float64) ([]float64, error)
}

// ActorPolicy is a Policy that can report the action distribution it
// induces at a batch of observations. The distribution samples the
// bootstrap actions and entropy terms needed when computing losses
// outside any computation graph.
type ActorPolicy interface {
	Policy

	// Distribution returns the action distribution at each of the
	// argument observations. Observations should be constructed in
	// row major order.
	Distribution(obs []float64, batch int) (Distribution, error)
}

// ReparamActor is an ActorPolicy whose action selection is expressed
// as a differentiable graph computation: actions are a deterministic
// transform of the policy parameters and an externally sampled noise
// input, so that gradients of a loss on the actions flow back to the
// policy weights. Losses over a ReparamActor's actions are built on
// its Network's graph.
type ReparamActor interface {
	ActorPolicy
	NNPolicy

	// ActionNodes returns the nodes holding the reparameterized
	// actions, one node per unrolled timestep. Feed-forward actors
	// hold a single timestep.
	ActionNodes() []*G.Node

	// LogProbNodes returns the nodes holding the log probability
	// density of the reparameterized actions, one node per unrolled
	// timestep.
	LogProbNodes() []*G.Node

	// Resample draws fresh noise for the reparameterized actions so
	// that the next run of the graph sees a new set of actions.
	Resample() error
}

// RecurrentActor is a ReparamActor whose network unrolls a recurrent
// cell over a fixed number of timesteps, one ActionNode per timestep.
// Acting policies use an unroll of a single timestep and carry their
// recurrent state across action selections.
type RecurrentActor interface {
	ReparamActor

	// CloneForActing clones the actor with batch size 1 and a single
	// unrolled timestep
	CloneForActing() (NNPolicy, error)
}
