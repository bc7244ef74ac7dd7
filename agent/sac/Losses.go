package sac

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	G "gorgonia.org/gorgonia"

	"github.com/StaminaTang/pisac/agent"
	"github.com/StaminaTang/pisac/network"
	"github.com/StaminaTang/pisac/timestep"
)

// A LossFn measures the per element cost of a TD error. The loss
// query methods take a LossFn so that diagnostics can report
// alternative costs. A nil LossFn means SquaredTDLoss, which is the
// cost the training graphs minimize.
type LossFn func(tdError float64) float64

// SquaredTDLoss is the squared TD error
func SquaredTDLoss(tdError float64) float64 { return tdError * tdError }

// AbsTDLoss is the absolute TD error
func AbsTDLoss(tdError float64) float64 { return math.Abs(tdError) }

// qEval evaluates one critic network numerically. The VM is created
// on first use so that critics used only for their graphs never
// construct one.
type qEval struct {
	net network.NeuralNet
	vm  G.VM
}

// run evaluates the critic at the argument observations and actions,
// returning one action value per row. The arguments hold all unrolled
// timesteps back-to-back, timestep major, and so do the returned
// values.
func (q *qEval) run(obs, actions []float64, steps, batch, obsDims,
	actionDims int) ([]float64, error) {
	recurrent, isRecurrent := q.net.(network.Recurrent)

	var input []float64
	if !isRecurrent && len(q.net.Features()) == 2 {
		// Two-root critics take all observation rows followed by all
		// action rows
		input = make([]float64, 0, len(obs)+len(actions))
		input = append(input, obs...)
		input = append(input, actions...)
	} else {
		input = interleave(obs, actions, steps*batch, obsDims, actionDims)
	}

	if isRecurrent {
		state := make([]float64, batch*recurrent.StateSize())
		if err := recurrent.SetState(state); err != nil {
			return nil, fmt.Errorf("run: could not zero recurrent "+
				"state: %v", err)
		}
	}
	if err := q.net.SetInput(input); err != nil {
		return nil, fmt.Errorf("run: could not set input: %v", err)
	}

	if q.vm == nil {
		q.vm = G.NewTapeMachine(q.net.Graph())
	}
	if err := q.vm.RunAll(); err != nil {
		return nil, fmt.Errorf("run: could not run critic: %v", err)
	}

	out := make([]float64, 0, steps*batch)
	for _, val := range q.net.Output() {
		out = append(out, val.Data().([]float64)...)
	}
	q.vm.Reset()

	return out, nil
}

// close releases the VM backing the evaluator, if one was created
func (q *qEval) close() error {
	if q.vm == nil {
		return nil
	}
	return q.vm.Close()
}

// interleave concatenates the observation and action of each row, so
// that row i of the result is [obs_i, actions_i]
func interleave(obs, actions []float64, rows, obsDims,
	actionDims int) []float64 {
	out := make([]float64, 0, rows*(obsDims+actionDims))
	for i := 0; i < rows; i++ {
		out = append(out, obs[i*obsDims:(i+1)*obsDims]...)
		out = append(out, actions[i*actionDims:(i+1)*actionDims]...)
	}
	return out
}

// trainingData holds one batch of sub-trajectories flattened for
// training, timestep major: the rows of unrolled timestep t occupy
// [t*batch, (t+1)*batch). Each row pairs a timestep with the
// transition out of it, so nextObs holds the observations one
// timestep ahead of obs, and rewards and discounts describe the
// transitions between them.
type trainingData struct {
	obs       []float64
	actions   []float64
	rewards   []float64
	discounts []float64
	nextObs   []float64
}

// gather flattens a trajectory into training data, validating the
// trajectory dimensions against the agent's networks.
func (s *SAC) gather(traj timestep.Trajectory) (*trainingData, error) {
	if traj.BatchSize != s.batch {
		return nil, fmt.Errorf("gather: invalid trajectory batch size "+
			"\n\twant(%v) \n\thave(%v)", s.batch, traj.BatchSize)
	}
	if traj.SeqLen != s.steps+1 {
		return nil, fmt.Errorf("gather: invalid trajectory length "+
			"\n\twant(%v) \n\thave(%v)", s.steps+1, traj.SeqLen)
	}
	if traj.ObsFeatures != s.obsDims {
		return nil, fmt.Errorf("gather: invalid number of observation "+
			"features \n\twant(%v) \n\thave(%v)", s.obsDims,
			traj.ObsFeatures)
	}
	if traj.ActionDims != s.actionDims {
		return nil, fmt.Errorf("gather: invalid number of action "+
			"dimensions \n\twant(%v) \n\thave(%v)", s.actionDims,
			traj.ActionDims)
	}

	rows := s.rows()
	data := &trainingData{
		obs:       make([]float64, 0, rows*s.obsDims),
		actions:   make([]float64, 0, rows*s.actionDims),
		rewards:   make([]float64, 0, rows),
		discounts: make([]float64, 0, rows),
		nextObs:   make([]float64, 0, rows*s.obsDims),
	}
	for t := 0; t < s.steps; t++ {
		data.obs = append(data.obs, traj.ObservationsAt(t)...)
		data.actions = append(data.actions, traj.ActionsAt(t)...)
		data.rewards = append(data.rewards, traj.RewardsAt(t)...)
		data.discounts = append(data.discounts, traj.DiscountsAt(t)...)
		data.nextObs = append(data.nextObs, traj.ObservationsAt(t+1)...)
	}
	return data, nil
}

// policyAt samples an action for each argument observation from the
// current policy, returning the actions and their log probability
// densities. Policies whose distributions cannot compute densities
// contribute no entropy, so their log probabilities are all zero.
func (s *SAC) policyAt(obs []float64) ([]float64, []float64, error) {
	dist, err := s.queryActor.Distribution(obs, s.batch)
	if err != nil {
		return nil, nil, fmt.Errorf("policyat: could not compute action "+
			"distribution: %v", err)
	}
	actions, err := dist.Sample()
	if err != nil {
		return nil, nil, fmt.Errorf("policyat: could not sample "+
			"actions: %v", err)
	}

	logProbs := make([]float64, s.rows())
	if logProber, ok := dist.(agent.LogProber); ok {
		logProbs, err = logProber.LogProb(actions)
		if err != nil {
			return nil, nil, fmt.Errorf("policyat: could not compute log "+
				"probabilities: %v", err)
		}
	}
	return actions, logProbs, nil
}

// targetSubset returns the indices of the target critics that the
// next TD target bootstraps from, or nil for all of them
func (s *SAC) targetSubset() []int {
	if s.qReduction != Redq || s.redqSample >= len(s.targets) {
		return nil
	}
	return s.rng.Perm(len(s.targets))[:s.redqSample]
}

// subsetQ evaluates the critics at subset's indices at (obs, actions)
// and reduces them with an elementwise minimum. A nil subset selects
// all critics.
func (s *SAC) subsetQ(evals []*qEval, subset []int, obs,
	actions []float64) ([]float64, error) {
	if subset == nil {
		subset = make([]int, len(evals))
		for i := range subset {
			subset[i] = i
		}
	}

	var min []float64
	for _, i := range subset {
		q, err := evals[i].run(obs, actions, s.steps, s.batch, s.obsDims,
			s.actionDims)
		if err != nil {
			return nil, err
		}
		if min == nil {
			min = q
			continue
		}
		for j := range min {
			min[j] = math.Min(min[j], q[j])
		}
	}
	return min, nil
}

// tdTargets computes the entropy regularized TD targets
//
//	scale*reward + shift + gamma * discount * (Q' - alpha*logProb')
//
// bootstrapping from the target critics at the next observations,
// with actions drawn from the current policy there. When targetObs is
// non-nil a second set of targets is also returned whose bootstrap
// reads the target critics at targetObs instead, reusing the same
// actions, entropy terms, and critic subset.
func (s *SAC) tdTargets(rewards, discounts, nextObs,
	targetObs []float64) ([]float64, []float64, error) {
	actions, logProbs, err := s.policyAt(nextObs)
	if err != nil {
		return nil, nil, fmt.Errorf("tdtargets: %v", err)
	}
	subset := s.targetSubset()

	q, err := s.subsetQ(s.targets, subset, nextObs, actions)
	if err != nil {
		return nil, nil, fmt.Errorf("tdtargets: %v", err)
	}
	targets := s.bellman(rewards, discounts, q, logProbs)

	var augTargets []float64
	if targetObs != nil {
		augQ, err := s.subsetQ(s.targets, subset, targetObs, actions)
		if err != nil {
			return nil, nil, fmt.Errorf("tdtargets: %v", err)
		}
		augTargets = s.bellman(rewards, discounts, augQ, logProbs)
	}
	return targets, augTargets, nil
}

// bellman folds entropy regularized bootstrap values into one-step TD
// targets
func (s *SAC) bellman(rewards, discounts, q, logProbs []float64) []float64 {
	alpha := s.Alpha()
	targets := make([]float64, len(q))
	for i := range targets {
		targets[i] = s.rewardScale*rewards[i] + s.rewardShift +
			s.gamma*discounts[i]*(q[i]-alpha*logProbs[i])
	}
	return targets
}

// tdLoss evaluates both online critics at (obs, actions) and returns
// the sum over critics of the mean elementwise loss against targets
func (s *SAC) tdLoss(obs, actions, targets []float64,
	lossFn LossFn) (float64, error) {
	if lossFn == nil {
		lossFn = SquaredTDLoss
	}

	var loss float64
	for _, critic := range s.onlines {
		q, err := critic.run(obs, actions, s.steps, s.batch, s.obsDims,
			s.actionDims)
		if err != nil {
			return 0, err
		}

		var sum float64
		for i := range q {
			sum += lossFn(q[i] - targets[i])
		}
		loss += sum / float64(len(q))
	}
	return loss, nil
}

// validateBatches checks the shapes of a numeric critic loss query
// against the agent's networks
func (s *SAC) validateBatches(steps timestep.Batch, actions []float64,
	nextSteps timestep.Batch) error {
	rows := s.rows()
	if steps.BatchSize() != rows {
		return fmt.Errorf("invalid batch size \n\twant(%v) \n\thave(%v)",
			rows, steps.BatchSize())
	}
	if nextSteps.BatchSize() != rows {
		return fmt.Errorf("invalid next timestep batch size \n\twant(%v) "+
			"\n\thave(%v)", rows, nextSteps.BatchSize())
	}
	if steps.NumFeatures != s.obsDims {
		return fmt.Errorf("invalid number of observation features "+
			"\n\twant(%v) \n\thave(%v)", s.obsDims, steps.NumFeatures)
	}
	if nextSteps.NumFeatures != s.obsDims {
		return fmt.Errorf("invalid number of next observation features "+
			"\n\twant(%v) \n\thave(%v)", s.obsDims, nextSteps.NumFeatures)
	}
	if len(actions) != rows*s.actionDims {
		return fmt.Errorf("invalid number of action dimensions "+
			"\n\twant(%v) \n\thave(%v)", rows*s.actionDims, len(actions))
	}
	return nil
}

// CriticLoss returns the TD loss of both online critics on the
// argument transitions. The batch steps holds the timesteps at which
// the critics are evaluated and actions the actions taken there,
// while nextSteps holds the timesteps transitioned to, carrying the
// rewards and discounts seen on those transitions. TD targets
// bootstrap from the target critics with fresh actions sampled from
// the current policy, so with a nil or SquaredTDLoss lossFn the
// returned loss mirrors the cost a training step on this data would
// minimize.
//
// Recurrent agents read the batches as one unrolled window, timestep
// major, so each batch must hold batch size x unroll length
// timesteps.
func (s *SAC) CriticLoss(steps timestep.Batch, actions []float64,
	nextSteps timestep.Batch, lossFn LossFn) (float64, error) {
	if err := s.validateBatches(steps, actions, nextSteps); err != nil {
		return 0, fmt.Errorf("criticloss: %v", err)
	}

	targets, _, err := s.tdTargets(nextSteps.Rewards, nextSteps.Discounts,
		nextSteps.Observations, nil)
	if err != nil {
		return 0, fmt.Errorf("criticloss: %v", err)
	}

	loss, err := s.tdLoss(steps.Observations, actions, targets, lossFn)
	if err != nil {
		return 0, fmt.Errorf("criticloss: %v", err)
	}
	return loss, nil
}

// CriticLossQAug returns the TD loss of both online critics against
// augmented TD targets. The bootstrap action values are read from the
// target critics at the argument targetObs, while the bootstrap
// actions and their entropy terms are still those of the current
// policy at the true next observations, so targetObs only substitutes
// the observations entering the target critics. targetObs holds one
// observation per row of nextSteps, in the same order.
func (s *SAC) CriticLossQAug(steps timestep.Batch, actions []float64,
	nextSteps timestep.Batch, targetObs []float64,
	lossFn LossFn) (float64, error) {
	if err := s.validateBatches(steps, actions, nextSteps); err != nil {
		return 0, fmt.Errorf("criticlossqaug: %v", err)
	}
	if len(targetObs) != s.rows()*s.obsDims {
		return 0, fmt.Errorf("criticlossqaug: invalid number of target "+
			"observation features \n\twant(%v) \n\thave(%v)",
			s.rows()*s.obsDims, len(targetObs))
	}

	_, augTargets, err := s.tdTargets(nextSteps.Rewards,
		nextSteps.Discounts, nextSteps.Observations, targetObs)
	if err != nil {
		return 0, fmt.Errorf("criticlossqaug: %v", err)
	}

	loss, err := s.tdLoss(steps.Observations, actions, augTargets, lossFn)
	if err != nil {
		return 0, fmt.Errorf("criticlossqaug: %v", err)
	}
	return loss, nil
}

// ActorLoss returns the policy loss
//
//	mean(alpha*logProb - min(Q1, Q2))
//
// at the argument timesteps, with actions freshly sampled from the
// current policy and action values read from the online critics.
func (s *SAC) ActorLoss(steps timestep.Batch) (float64, error) {
	if steps.BatchSize() != s.rows() {
		return 0, fmt.Errorf("actorloss: invalid batch size \n\twant(%v) "+
			"\n\thave(%v)", s.rows(), steps.BatchSize())
	}
	if steps.NumFeatures != s.obsDims {
		return 0, fmt.Errorf("actorloss: invalid number of observation "+
			"features \n\twant(%v) \n\thave(%v)", s.obsDims,
			steps.NumFeatures)
	}

	actions, logProbs, err := s.policyAt(steps.Observations)
	if err != nil {
		return 0, fmt.Errorf("actorloss: %v", err)
	}
	q, err := s.subsetQ(s.onlines, nil, steps.Observations, actions)
	if err != nil {
		return 0, fmt.Errorf("actorloss: %v", err)
	}

	alpha := s.Alpha()
	var loss float64
	for i := range q {
		loss += alpha*logProbs[i] - q[i]
	}
	return loss / float64(len(q)), nil
}

// AlphaLoss returns the loss of the entropy scale at the argument
// timesteps,
//
//	logAlpha * mean(-logProb - targetEntropy)
//
// with log probabilities measured under the current policy. The raw
// log scale multiplies the mean entropy gap, so the gradient of this
// loss with respect to the log scale is the gap itself.
func (s *SAC) AlphaLoss(steps timestep.Batch) (float64, error) {
	if steps.BatchSize() != s.rows() {
		return 0, fmt.Errorf("alphaloss: invalid batch size \n\twant(%v) "+
			"\n\thave(%v)", s.rows(), steps.BatchSize())
	}
	if steps.NumFeatures != s.obsDims {
		return 0, fmt.Errorf("alphaloss: invalid number of observation "+
			"features \n\twant(%v) \n\thave(%v)", s.obsDims,
			steps.NumFeatures)
	}

	_, logProbs, err := s.policyAt(steps.Observations)
	if err != nil {
		return 0, fmt.Errorf("alphaloss: %v", err)
	}

	var gap float64
	for _, logProb := range logProbs {
		gap += -logProb - s.targetEntropy
	}
	gap /= float64(len(logProbs))

	return s.LogAlpha() * gap, nil
}

// TdError returns the entropy regularized TD error
//
//	scale*r + shift + gamma*discount*(Q'(s', a') - alpha*logProb') - Q(s, a)
//
// of the argument transition, where a' is sampled from the current
// policy at s', the bootstrap value is reduced over the target
// critics, and Q(s, a) is the elementwise minimum of the online
// critics. The transition is replicated across the batch so that the
// batched critics can evaluate it. Recurrent agents cannot score
// single transitions and panic.
func (s *SAC) TdError(t timestep.Transition) float64 {
	if s.recurrent {
		panic("tderror: recurrent agents cannot score single transitions")
	}
	if t.State.Len() != s.obsDims {
		panic(fmt.Sprintf("tderror: invalid number of state features "+
			"\n\twant(%v) \n\thave(%v)", s.obsDims, t.State.Len()))
	}
	if t.Action.Len() != s.actionDims {
		panic(fmt.Sprintf("tderror: invalid number of action dimensions "+
			"\n\twant(%v) \n\thave(%v)", s.actionDims, t.Action.Len()))
	}
	if t.NextState.Len() != s.obsDims {
		panic(fmt.Sprintf("tderror: invalid number of next state "+
			"features \n\twant(%v) \n\thave(%v)", s.obsDims,
			t.NextState.Len()))
	}

	obs := replicate(t.State, s.batch)
	action := replicate(t.Action, s.batch)
	nextObs := replicate(t.NextState, s.batch)
	rewards := make([]float64, s.batch)
	discounts := make([]float64, s.batch)
	for i := 0; i < s.batch; i++ {
		rewards[i] = t.Reward
		discounts[i] = t.Discount
	}

	targets, _, err := s.tdTargets(rewards, discounts, nextObs, nil)
	if err != nil {
		panic(fmt.Sprintf("tderror: %v", err))
	}
	q, err := s.subsetQ(s.onlines, nil, obs, action)
	if err != nil {
		panic(fmt.Sprintf("tderror: %v", err))
	}

	return targets[0] - q[0]
}

// replicate tiles a vector into rows copies laid back-to-back
func replicate(v *mat.VecDense, rows int) []float64 {
	out := make([]float64, 0, rows*v.Len())
	for i := 0; i < rows; i++ {
		for j := 0; j < v.Len(); j++ {
			out = append(out, v.AtVec(j))
		}
	}
	return out
}
