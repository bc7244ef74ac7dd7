package timestep

import (
	"fmt"
)

// Trajectory packages together a batch of fixed-length sub-trajectories
// in batch major order. Index (b, t) refers to timestep t of batch
// element b, so that the observation at (b, t) is
//
//	Observations[(b*SeqLen+t)*ObsFeatures : (b*SeqLen+t+1)*ObsFeatures]
//
// Rewards and Discounts describe the transition out of each timestep,
// and NextStepTypes holds the type of the timestep that transition
// leads to. Actions hold the action taken at each timestep.
type Trajectory struct {
	StepTypes     []StepType
	NextStepTypes []StepType
	Observations  []float64
	Actions       []float64
	Rewards       []float64
	Discounts     []float64
	BatchSize     int
	SeqLen        int
	ObsFeatures   int
	ActionDims    int
}

// NewTrajectory returns a new batch of sub-trajectories, validating
// that all slices describe batchSize sequences of seqLen timesteps.
// At least two timesteps per sequence are required, since a shorter
// trajectory holds no transitions.
func NewTrajectory(stepTypes, nextStepTypes []StepType, observations,
	actions, rewards, discounts []float64, batchSize, seqLen, obsFeatures,
	actionDims int) (Trajectory, error) {
	traj := Trajectory{
		StepTypes:     stepTypes,
		NextStepTypes: nextStepTypes,
		Observations:  observations,
		Actions:       actions,
		Rewards:       rewards,
		Discounts:     discounts,
		BatchSize:     batchSize,
		SeqLen:        seqLen,
		ObsFeatures:   obsFeatures,
		ActionDims:    actionDims,
	}
	if err := traj.validate(); err != nil {
		return Trajectory{}, fmt.Errorf("newtrajectory: %v", err)
	}
	return traj, nil
}

// ToTransition splits the trajectory into a batch of transitions. The
// returned batches hold BatchSize*(SeqLen-1) timesteps each: for each
// (b, t) with t < SeqLen-1, the first batch holds the timestep at
// (b, t) and the second the timestep at (b, t+1), with the actions
// taken at (b, t) in between. Rewards and discounts are carried on the
// second batch, since they are seen on the transition into it, and the
// first batch carries none.
func (traj Trajectory) ToTransition() (Batch, []float64, Batch, error) {
	n := traj.BatchSize * (traj.SeqLen - 1)
	stepTypes := make([]StepType, 0, n)
	nextStepTypes := make([]StepType, 0, n)
	rewards := make([]float64, 0, n)
	discounts := make([]float64, 0, n)
	obs := make([]float64, 0, n*traj.ObsFeatures)
	nextObs := make([]float64, 0, n*traj.ObsFeatures)
	actions := make([]float64, 0, n*traj.ActionDims)

	for b := 0; b < traj.BatchSize; b++ {
		for t := 0; t < traj.SeqLen-1; t++ {
			i := b*traj.SeqLen + t
			j := i + 1

			stepTypes = append(stepTypes, traj.StepTypes[i])
			nextStepTypes = append(nextStepTypes, traj.NextStepTypes[i])
			rewards = append(rewards, traj.Rewards[i])
			discounts = append(discounts, traj.Discounts[i])
			obs = append(obs,
				traj.Observations[i*traj.ObsFeatures:(i+1)*traj.ObsFeatures]...)
			nextObs = append(nextObs,
				traj.Observations[j*traj.ObsFeatures:(j+1)*traj.ObsFeatures]...)
			actions = append(actions,
				traj.Actions[i*traj.ActionDims:(i+1)*traj.ActionDims]...)
		}
	}

	steps, err := NewBatch(stepTypes, make([]float64, n), make([]float64, n),
		obs, traj.ObsFeatures)
	if err != nil {
		return Batch{}, nil, Batch{}, fmt.Errorf("totransition: %v", err)
	}

	nextSteps, err := NewBatch(nextStepTypes, rewards, discounts, nextObs,
		traj.ObsFeatures)
	if err != nil {
		return Batch{}, nil, Batch{}, fmt.Errorf("totransition: %v", err)
	}

	return steps, actions, nextSteps, nil
}

// ObservationsAt gathers the observations of all batch elements at
// timestep t into a single (BatchSize, ObsFeatures) matrix in row
// major order.
func (traj Trajectory) ObservationsAt(t int) []float64 {
	out := make([]float64, 0, traj.BatchSize*traj.ObsFeatures)
	for b := 0; b < traj.BatchSize; b++ {
		i := b*traj.SeqLen + t
		out = append(out,
			traj.Observations[i*traj.ObsFeatures:(i+1)*traj.ObsFeatures]...)
	}
	return out
}

// ActionsAt gathers the actions of all batch elements at timestep t
// into a single (BatchSize, ActionDims) matrix in row major order.
func (traj Trajectory) ActionsAt(t int) []float64 {
	out := make([]float64, 0, traj.BatchSize*traj.ActionDims)
	for b := 0; b < traj.BatchSize; b++ {
		i := b*traj.SeqLen + t
		out = append(out,
			traj.Actions[i*traj.ActionDims:(i+1)*traj.ActionDims]...)
	}
	return out
}

// RewardsAt gathers the rewards of all batch elements at timestep t.
func (traj Trajectory) RewardsAt(t int) []float64 {
	out := make([]float64, traj.BatchSize)
	for b := 0; b < traj.BatchSize; b++ {
		out[b] = traj.Rewards[b*traj.SeqLen+t]
	}
	return out
}

// DiscountsAt gathers the discounts of all batch elements at timestep
// t.
func (traj Trajectory) DiscountsAt(t int) []float64 {
	out := make([]float64, traj.BatchSize)
	for b := 0; b < traj.BatchSize; b++ {
		out[b] = traj.Discounts[b*traj.SeqLen+t]
	}
	return out
}

// StepTypesAt gathers the step types of all batch elements at timestep
// t.
func (traj Trajectory) StepTypesAt(t int) []StepType {
	out := make([]StepType, traj.BatchSize)
	for b := 0; b < traj.BatchSize; b++ {
		out[b] = traj.StepTypes[b*traj.SeqLen+t]
	}
	return out
}

// NextStepTypesAt gathers the next step types of all batch elements at
// timestep t.
func (traj Trajectory) NextStepTypesAt(t int) []StepType {
	out := make([]StepType, traj.BatchSize)
	for b := 0; b < traj.BatchSize; b++ {
		out[b] = traj.NextStepTypes[b*traj.SeqLen+t]
	}
	return out
}

func (traj Trajectory) validate() error {
	if traj.BatchSize <= 0 {
		return fmt.Errorf("trajectories require at least 1 batch element "+
			"\n\thave(%v)", traj.BatchSize)
	}
	if traj.SeqLen < 2 {
		return fmt.Errorf("trajectories require at least 2 timesteps per "+
			"sequence \n\thave(%v)", traj.SeqLen)
	}
	if traj.ObsFeatures <= 0 {
		return fmt.Errorf("trajectories require at least 1 observation "+
			"feature \n\thave(%v)", traj.ObsFeatures)
	}
	if traj.ActionDims <= 0 {
		return fmt.Errorf("trajectories require at least 1 action "+
			"dimension \n\thave(%v)", traj.ActionDims)
	}

	n := traj.BatchSize * traj.SeqLen
	if len(traj.StepTypes) != n {
		return fmt.Errorf("invalid number of step types \n\twant(%v)"+
			"\n\thave(%v)", n, len(traj.StepTypes))
	}
	if len(traj.NextStepTypes) != n {
		return fmt.Errorf("invalid number of next step types \n\twant(%v)"+
			"\n\thave(%v)", n, len(traj.NextStepTypes))
	}
	if len(traj.Rewards) != n {
		return fmt.Errorf("invalid number of rewards \n\twant(%v)"+
			"\n\thave(%v)", n, len(traj.Rewards))
	}
	if len(traj.Discounts) != n {
		return fmt.Errorf("invalid number of discounts \n\twant(%v)"+
			"\n\thave(%v)", n, len(traj.Discounts))
	}
	if len(traj.Observations) != n*traj.ObsFeatures {
		return fmt.Errorf("invalid number of observation features "+
			"\n\twant(%v) \n\thave(%v)", n*traj.ObsFeatures,
			len(traj.Observations))
	}
	if len(traj.Actions) != n*traj.ActionDims {
		return fmt.Errorf("invalid number of action features \n\twant(%v)"+
			"\n\thave(%v)", n*traj.ActionDims, len(traj.Actions))
	}

	// Transitions into terminal states carry no bootstrap value
	for i, stepType := range traj.NextStepTypes {
		if stepType == Last && traj.Discounts[i] != 0 {
			return fmt.Errorf("transition %v into a last timestep must "+
				"have discount 0 \n\thave(%v)", i, traj.Discounts[i])
		}
	}

	return nil
}
