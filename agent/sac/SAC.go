// Package sac implements the soft actor-critic algorithm for
// continuous control: a stochastic policy trained by gradient descent
// through twin action value critics, with entropy regularized TD
// targets and an adaptive entropy scale.
package sac

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"

	"github.com/StaminaTang/pisac/agent"
	"github.com/StaminaTang/pisac/network"
	"github.com/StaminaTang/pisac/spec"
	"github.com/StaminaTang/pisac/timestep"
)

// SAC is a soft actor-critic agent. It trains twin online critics
// against entropy regularized TD targets bootstrapped from twin
// target critics, trains a reparameterized policy against the minimum
// of the online critics, and adapts an entropy scale toward a target
// policy entropy.
//
// Feed-forward agents train on single transitions, so their
// trajectories hold two timesteps. Recurrent agents unroll their
// networks over TrainSequenceLength - 1 transition steps from a zero
// recurrent state.
//
// An agent built without solvers answers the loss query methods but
// cannot train. Such agents accept any ActorPolicy; training agents
// require a ReparamActor.
type SAC struct {
	batch      int
	steps      int
	obsDims    int
	actionDims int
	recurrent  bool

	onlines []*qEval
	targets []*qEval

	policy     agent.Policy
	trainActor agent.ReparamActor
	queryActor agent.ActorPolicy
	queryNet   network.NeuralNet
	behaviour  agent.NNPolicy

	criticG *criticGraph
	actorG  *actorGraph
	alphaG  *alphaGraph

	gamma         float64
	tau           float64
	targetPeriod  int
	initLogAlpha  float64
	targetEntropy float64
	qReduction    QReduction
	redqSample    int
	rewardScale   float64
	rewardShift   float64
	augWeight     float64

	externalStep bool
	trainStep    int

	rng *rand.Rand
}

// New returns a new soft actor-critic agent. The critic networks must
// evaluate one state action pair per batch element, either through
// two input roots taking observations and actions or through a single
// input taking their concatenation, and must both use the same batch
// size and recurrence as the actor's network.
//
// The target critics start as copies of the argument critics, and the
// argument critics themselves hold the online weights as training
// progresses.
func New(obsSpec, actionSpec spec.Environment, actor agent.ActorPolicy,
	critic1, critic2 network.NeuralNet, config Config,
	seed uint64) (*SAC, error) {
	if actor == nil {
		return nil, fmt.Errorf("new: SAC requires an actor policy")
	}
	if critic1 == nil || critic2 == nil {
		return nil, fmt.Errorf("new: SAC requires two critic networks")
	}
	if actionSpec.Cardinality != spec.Continuous {
		return nil, fmt.Errorf("new: SAC requires continuous actions")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("new: %v", err)
	}
	config = config.withDefaults()

	s := &SAC{
		batch:        critic1.BatchSize(),
		obsDims:      obsSpec.Shape.Len(),
		actionDims:   actionSpec.Shape.Len(),
		gamma:        config.Gamma,
		tau:          config.Tau,
		targetPeriod: config.TargetUpdatePeriod,
		initLogAlpha: config.InitialLogAlpha,
		qReduction:   config.QReduction,
		redqSample:   config.RedqSampleSize,
		rewardScale:  config.RewardScale,
		rewardShift:  config.RewardShift,
		augWeight:    config.AugCriticWeight,
		externalStep: config.ExternalTrainStep,
		rng:          rand.New(rand.NewSource(seed)),
	}
	if config.TargetEntropy != nil {
		s.targetEntropy = *config.TargetEntropy
	} else {
		s.targetEntropy = -float64(s.actionDims)
	}

	if critic2.BatchSize() != s.batch {
		return nil, fmt.Errorf("new: critic networks must share a batch "+
			"size \n\twant(%v) \n\thave(%v)", s.batch, critic2.BatchSize())
	}
	for _, critic := range []network.NeuralNet{critic1, critic2} {
		if err := s.validateCritic(critic); err != nil {
			return nil, fmt.Errorf("new: %v", err)
		}
	}

	rec1, recurrent1 := critic1.(network.Recurrent)
	rec2, recurrent2 := critic2.(network.Recurrent)
	if recurrent1 != recurrent2 {
		return nil, fmt.Errorf("new: cannot mix recurrent and " +
			"feed-forward critic networks")
	}
	s.recurrent = recurrent1

	if s.recurrent {
		s.steps = config.TrainSequenceLength - 1
		if rec1.SeqLen() != s.steps || rec2.SeqLen() != s.steps {
			return nil, fmt.Errorf("new: critic networks must unroll "+
				"over the transition steps \n\twant(%v) \n\thave(%v, %v)",
				s.steps, rec1.SeqLen(), rec2.SeqLen())
		}
	} else {
		if config.TrainSequenceLength != 2 {
			return nil, fmt.Errorf("new: feed-forward networks train on "+
				"single transitions \n\twant(2) \n\thave(%v)",
				config.TrainSequenceLength)
		}
		s.steps = 1
	}

	target1, err := critic1.Clone()
	if err != nil {
		return nil, fmt.Errorf("new: could not clone target critic: %v",
			err)
	}
	target2, err := critic2.Clone()
	if err != nil {
		return nil, fmt.Errorf("new: could not clone target critic: %v",
			err)
	}
	s.onlines = []*qEval{{net: critic1}, {net: critic2}}
	s.targets = []*qEval{{net: target1}, {net: target2}}

	if config.CriticSolver == nil {
		// Loss queries only
		s.queryActor = actor
		s.policy = actor
		return s, nil
	}

	reparam, ok := actor.(agent.ReparamActor)
	if !ok {
		return nil, fmt.Errorf("new: training requires a " +
			"reparameterized actor")
	}
	s.trainActor = reparam

	net := reparam.Network()
	if net.BatchSize() != s.batch {
		return nil, fmt.Errorf("new: actor and critic networks must "+
			"share a batch size \n\twant(%v) \n\thave(%v)", s.batch,
			net.BatchSize())
	}
	for _, f := range net.Features() {
		if f != s.obsDims {
			return nil, fmt.Errorf("new: policy network must take "+
				"observation features \n\twant(%v) \n\thave(%v)",
				s.obsDims, f)
		}
	}
	actorNet, actorRecurrent := net.(network.Recurrent)
	if actorRecurrent != s.recurrent {
		return nil, fmt.Errorf("new: cannot mix recurrent and " +
			"feed-forward actor and critic networks")
	}
	if s.recurrent && actorNet.SeqLen() != s.steps {
		return nil, fmt.Errorf("new: policy network must unroll over "+
			"the transition steps \n\twant(%v) \n\thave(%v)", s.steps,
			actorNet.SeqLen())
	}

	queryNN, err := reparam.CloneWithBatch(s.batch)
	if err != nil {
		return nil, fmt.Errorf("new: could not clone query policy: %v",
			err)
	}
	queryActor, ok := queryNN.(agent.ActorPolicy)
	if !ok {
		return nil, fmt.Errorf("new: cloned policy cannot compute " +
			"action distributions")
	}
	s.queryActor = queryActor
	s.queryNet = queryNN.Network()

	var behaviour agent.NNPolicy
	if recurrentActor, ok := reparam.(agent.RecurrentActor); ok {
		behaviour, err = recurrentActor.CloneForActing()
	} else {
		behaviour, err = reparam.CloneWithBatch(1)
	}
	if err != nil {
		return nil, fmt.Errorf("new: could not clone behaviour policy: "+
			"%v", err)
	}
	s.behaviour = behaviour
	s.policy = behaviour

	s.criticG, err = newCriticGraph(critic1, critic2, s.batch, s.steps,
		s.obsDims, s.actionDims, s.augWeight, config.CriticSolver)
	if err != nil {
		return nil, fmt.Errorf("new: %v", err)
	}
	s.actorG, err = newActorGraph(reparam, critic1, critic2,
		config.ActorSolver)
	if err != nil {
		return nil, fmt.Errorf("new: %v", err)
	}
	if config.AlphaSolver != nil {
		s.alphaG, err = newAlphaGraph(config.InitialLogAlpha, s.rows(),
			config.AlphaSolver)
		if err != nil {
			return nil, fmt.Errorf("new: %v", err)
		}
	}

	return s, nil
}

// validateCritic checks that a critic network evaluates state action
// pairs one value at a time. Recurrent critics report their features
// and outputs per unrolled timestep.
func (s *SAC) validateCritic(critic network.NeuralNet) error {
	features := critic.Features()
	if _, ok := critic.(network.Recurrent); ok {
		for _, f := range features {
			if f != s.obsDims+s.actionDims {
				return fmt.Errorf("recurrent critics must take "+
					"observation and action features at each timestep "+
					"\n\twant(%v) \n\thave(%v)", s.obsDims+s.actionDims, f)
			}
		}
	} else {
		switch len(features) {
		case 1:
			if features[0] != s.obsDims+s.actionDims {
				return fmt.Errorf("critic must take observation and "+
					"action features \n\twant(%v) \n\thave(%v)",
					s.obsDims+s.actionDims, features[0])
			}
		case 2:
			if features[0] != s.obsDims || features[1] != s.actionDims {
				return fmt.Errorf("critic roots must take observations "+
					"then actions \n\twant(%v, %v) \n\thave(%v, %v)",
					s.obsDims, s.actionDims, features[0], features[1])
			}
		default:
			return fmt.Errorf("critic networks take 1 or 2 inputs "+
				"\n\thave(%v)", len(features))
		}
	}

	for _, out := range critic.Outputs() {
		if out != 1 {
			return fmt.Errorf("critics predict a single action value "+
				"\n\twant(%v) \n\thave(%v)", 1, out)
		}
	}
	return nil
}

// rows returns the number of rows in a flattened training batch
func (s *SAC) rows() int {
	return s.batch * s.steps
}

// LogAlpha returns the current log entropy scale, detached from the
// graph that trains it
func (s *SAC) LogAlpha() float64 {
	if s.alphaG != nil {
		return s.alphaG.value()
	}
	return s.initLogAlpha
}

// Alpha returns the current entropy scale
func (s *SAC) Alpha() float64 {
	return math.Exp(s.LogAlpha())
}

// Policy returns the policy that the agent selects actions with.
// Training agents act through a batch size 1 clone of the trained
// policy, synchronized after every update.
func (s *SAC) Policy() agent.Policy {
	return s.policy
}

// TrainSteps returns the number of completed training updates
func (s *SAC) TrainSteps() int {
	return s.trainStep
}

// SetTrainStep sets the training step counter, which schedules the
// periodic target critic syncs
func (s *SAC) SetTrainStep(step int) {
	s.trainStep = step
}

// Train performs a single update from a batch of sub-trajectories:
// one gradient step on the critics toward entropy regularized TD
// targets, one gradient step on the policy against the pre-update
// critics, and one gradient step on the entropy scale toward the
// target entropy. The target critics are synced every
// TargetUpdatePeriod training steps.
//
// Agents configured with a positive AugCriticWeight must train
// through TrainAug instead.
func (s *SAC) Train(traj timestep.Trajectory) (agent.LossInfo, error) {
	if s.augWeight > 0 {
		return agent.LossInfo{}, fmt.Errorf("train: agent is configured " +
			"for augmented critic targets; use TrainAug")
	}
	info, _, err := s.train(traj, nil)
	return info, err
}

// TrainAug performs a single update like Train, adding an augmented
// TD loss to the critic cost: targetObs substitutes the observations
// entering the target critics for a second set of TD targets, scaled
// by AugCriticWeight. targetObs holds one observation per trained
// timestep, timestep major, aligned with the next observations of
// traj. The second return value is the unweighted augmented TD loss.
func (s *SAC) TrainAug(traj timestep.Trajectory,
	targetObs []float64) (agent.LossInfo, float64, error) {
	if s.augWeight <= 0 {
		return agent.LossInfo{}, 0, fmt.Errorf("trainaug: agent is not " +
			"configured for augmented critic targets")
	}
	if len(targetObs) != s.rows()*s.obsDims {
		return agent.LossInfo{}, 0, fmt.Errorf("trainaug: invalid number "+
			"of target observation features \n\twant(%v) \n\thave(%v)",
			s.rows()*s.obsDims, len(targetObs))
	}
	return s.train(traj, targetObs)
}

// train runs one full update. Optimizer steps are not transactional:
// an error partway through leaves the completed steps applied.
func (s *SAC) train(traj timestep.Trajectory,
	targetObs []float64) (agent.LossInfo, float64, error) {
	if s.criticG == nil {
		return agent.LossInfo{}, 0, fmt.Errorf("train: agent has no " +
			"solvers to train with")
	}

	data, err := s.gather(traj)
	if err != nil {
		return agent.LossInfo{}, 0, fmt.Errorf("train: %v", err)
	}

	// The policy loss reads the critics as they are before this
	// update
	if err := s.actorG.refresh(s.onlines[0].net, s.onlines[1].net); err != nil {
		return agent.LossInfo{}, 0, fmt.Errorf("train: could not "+
			"snapshot critics: %v", err)
	}

	targets, augTargets, err := s.tdTargets(data.rewards, data.discounts,
		data.nextObs, targetObs)
	if err != nil {
		return agent.LossInfo{}, 0, fmt.Errorf("train: %v", err)
	}

	criticLoss, augLoss, err := s.criticG.step(data.obs, data.actions,
		targets, augTargets)
	if err != nil {
		return agent.LossInfo{}, 0, fmt.Errorf("train: %v", err)
	}

	// The critic graph's grafts hold the trained weights; the online
	// networks mirror them
	if err := network.Set(s.onlines[0].net, s.criticG.critic1); err != nil {
		return agent.LossInfo{}, 0, fmt.Errorf("train: could not update "+
			"online critic: %v", err)
	}
	if err := network.Set(s.onlines[1].net, s.criticG.critic2); err != nil {
		return agent.LossInfo{}, 0, fmt.Errorf("train: could not update "+
			"online critic: %v", err)
	}

	actorLoss, err := s.actorG.step(data.obs, s.Alpha())
	if err != nil {
		return agent.LossInfo{}, 0, fmt.Errorf("train: %v", err)
	}
	if err := s.syncPolicies(); err != nil {
		return agent.LossInfo{}, 0, fmt.Errorf("train: %v", err)
	}

	alphaLoss, err := s.alphaStep(data.obs)
	if err != nil {
		return agent.LossInfo{}, 0, fmt.Errorf("train: %v", err)
	}

	if !s.externalStep {
		s.trainStep++
	}
	if s.trainStep%s.targetPeriod == 0 {
		if err := s.syncTargets(); err != nil {
			return agent.LossInfo{}, 0, fmt.Errorf("train: %v", err)
		}
	}

	info := agent.LossInfo{
		CriticLoss: criticLoss,
		ActorLoss:  actorLoss,
		AlphaLoss:  alphaLoss,
	}
	return info, augLoss, nil
}

// alphaStep updates the entropy scale against the log probabilities
// of the policy that the actor step just produced. Agents with a
// fixed entropy scale report the loss without updating.
func (s *SAC) alphaStep(obs []float64) (float64, error) {
	_, logProbs, err := s.policyAt(obs)
	if err != nil {
		return 0, fmt.Errorf("alphastep: %v", err)
	}

	gap := make([]float64, len(logProbs))
	for i, logProb := range logProbs {
		gap[i] = -logProb - s.targetEntropy
	}

	if s.alphaG == nil {
		var mean float64
		for _, g := range gap {
			mean += g
		}
		mean /= float64(len(gap))
		return s.LogAlpha() * mean, nil
	}

	loss, err := s.alphaG.step(gap)
	if err != nil {
		return 0, fmt.Errorf("alphastep: %v", err)
	}
	return loss, nil
}

// syncPolicies copies the trained policy weights into the behaviour
// and query policies
func (s *SAC) syncPolicies() error {
	trained := s.trainActor.Network()
	if err := network.Set(s.queryNet, trained); err != nil {
		return fmt.Errorf("syncpolicies: %v", err)
	}
	if err := network.Set(s.behaviour.Network(), trained); err != nil {
		return fmt.Errorf("syncpolicies: %v", err)
	}
	return nil
}

// syncTargets moves the target critic weights toward the online
// critic weights, replacing them outright when tau is 1
func (s *SAC) syncTargets() error {
	for i := range s.targets {
		var err error
		if s.tau == 1.0 {
			err = network.Set(s.targets[i].net, s.onlines[i].net)
		} else {
			err = network.Polyak(s.targets[i].net, s.onlines[i].net, s.tau)
		}
		if err != nil {
			return fmt.Errorf("synctargets: %v", err)
		}
	}
	return nil
}

// Close releases the tape machines backing the agent's graphs and
// policies
func (s *SAC) Close() error {
	var firstErr error
	save := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}

	for _, eval := range s.onlines {
		save(eval.close())
	}
	for _, eval := range s.targets {
		save(eval.close())
	}
	if s.criticG != nil {
		save(s.criticG.vm.Close())
	}
	if s.actorG != nil {
		save(s.actorG.vm.Close())
	}
	if s.alphaG != nil {
		save(s.alphaG.vm.Close())
	}
	if s.trainActor != nil {
		save(s.trainActor.Close())
		if query, ok := s.queryActor.(agent.NNPolicy); ok {
			save(query.Close())
		}
		save(s.behaviour.Close())
	}
	return firstErr
}
