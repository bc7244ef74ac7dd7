package timestep

import (
	"fmt"
)

// Batch packages together a batch of timesteps in row major order.
// Observations stores all observation vectors back-to-back, so that
// the observation of batch element i is
// Observations[i*NumFeatures : (i+1)*NumFeatures].
type Batch struct {
	StepTypes    []StepType
	Rewards      []float64
	Discounts    []float64
	Observations []float64
	NumFeatures  int
}

// NewBatch returns a new batch of timesteps, validating that all
// slices describe the same number of batch elements.
func NewBatch(stepTypes []StepType, rewards, discounts,
	observations []float64, numFeatures int) (Batch, error) {
	b := Batch{
		StepTypes:    stepTypes,
		Rewards:      rewards,
		Discounts:    discounts,
		Observations: observations,
		NumFeatures:  numFeatures,
	}
	if err := b.validate(); err != nil {
		return Batch{}, fmt.Errorf("newbatch: %v", err)
	}
	return b, nil
}

// RestartBatch returns a Batch of first timesteps holding the argument
// observations. First timesteps carry no reward and a discount of 1.
func RestartBatch(observations []float64, batch,
	numFeatures int) (Batch, error) {
	stepTypes := make([]StepType, batch)
	discounts := make([]float64, batch)
	for i := range discounts {
		stepTypes[i] = First
		discounts[i] = 1.0
	}

	return NewBatch(stepTypes, make([]float64, batch), discounts,
		observations, numFeatures)
}

// TransitionBatch returns a Batch of middle timesteps holding the
// argument observations, with the rewards and discounts seen on the
// transitions into those observations. The batch size is inferred from
// the number of rewards.
func TransitionBatch(observations, rewards, discounts []float64,
	numFeatures int) (Batch, error) {
	stepTypes := make([]StepType, len(rewards))
	for i := range stepTypes {
		stepTypes[i] = Mid
	}

	return NewBatch(stepTypes, rewards, discounts, observations, numFeatures)
}

// BatchSize returns the number of timesteps in the batch
func (b Batch) BatchSize() int {
	return len(b.StepTypes)
}

// Observation returns the observation vector of batch element i
func (b Batch) Observation(i int) []float64 {
	return b.Observations[i*b.NumFeatures : (i+1)*b.NumFeatures]
}

func (b Batch) validate() error {
	if b.NumFeatures <= 0 {
		return fmt.Errorf("batches require at least 1 observation "+
			"feature \n\thave(%v)", b.NumFeatures)
	}

	batch := len(b.StepTypes)
	if len(b.Rewards) != batch {
		return fmt.Errorf("invalid number of rewards \n\twant(%v)"+
			"\n\thave(%v)", batch, len(b.Rewards))
	}
	if len(b.Discounts) != batch {
		return fmt.Errorf("invalid number of discounts \n\twant(%v)"+
			"\n\thave(%v)", batch, len(b.Discounts))
	}
	if len(b.Observations) != batch*b.NumFeatures {
		return fmt.Errorf("invalid number of observation features "+
			"\n\twant(%v) \n\thave(%v)", batch*b.NumFeatures,
			len(b.Observations))
	}

	// Terminal transitions carry no bootstrap value
	for i, stepType := range b.StepTypes {
		if stepType == Last && b.Discounts[i] != 0 {
			return fmt.Errorf("last timestep %v must have discount 0 "+
				"\n\thave(%v)", i, b.Discounts[i])
		}
	}

	return nil
}
