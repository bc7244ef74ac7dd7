package timestep_test

import (
	"testing"

	ts "github.com/StaminaTang/pisac/timestep"
	"gonum.org/v1/gonum/mat"
)

func TestNewTransition(t *testing.T) {
	obs := mat.NewVecDense(2, []float64{1.0, 2.0})
	nextObs := mat.NewVecDense(2, []float64{3.0, 4.0})
	step := ts.New(ts.Mid, 0.5, 0.9, obs, 3)
	nextStep := ts.New(ts.Mid, -1.5, 0.99, nextObs, 4)
	action := mat.NewVecDense(1, []float64{0.25})
	nextAction := mat.NewVecDense(1, []float64{-0.75})

	transition := ts.NewTransition(step, action, nextStep, nextAction)

	if transition.Reward != nextStep.Reward {
		t.Errorf("newtransition: reward \n\twant(%v) \n\thave(%v)",
			nextStep.Reward, transition.Reward)
	}
	if transition.Discount != nextStep.Discount {
		t.Errorf("newtransition: discount \n\twant(%v) \n\thave(%v)",
			nextStep.Discount, transition.Discount)
	}
	if !mat.EqualApprox(transition.State, obs, 1e-8) {
		t.Error("newtransition: state should equal the first observation")
	}
	if !mat.EqualApprox(transition.NextState, nextObs, 1e-8) {
		t.Error("newtransition: next state should equal the second " +
			"observation")
	}

	// The transition should copy its data, not alias it
	obs.SetVec(0, 100.0)
	if transition.State.AtVec(0) == 100.0 {
		t.Error("newtransition: state should not alias the observation")
	}
}

func TestStepTypePredicates(t *testing.T) {
	obs := mat.NewVecDense(1, []float64{0.0})

	first := ts.Restart(obs)
	if !first.First() || first.Mid() || first.Last() {
		t.Error("first timestep misclassified")
	}
	if first.Reward != 0.0 || first.Discount != 1.0 {
		t.Errorf("restart: reward and discount \n\twant(%v, %v) "+
			"\n\thave(%v, %v)", 0.0, 1.0, first.Reward, first.Discount)
	}

	mid := ts.Next(first, 1.0, 0.9, obs)
	if mid.First() || !mid.Mid() || mid.Last() {
		t.Error("mid timestep misclassified")
	}
	if mid.Number != first.Number+1 {
		t.Errorf("next: step number \n\twant(%v) \n\thave(%v)",
			first.Number+1, mid.Number)
	}

	last := ts.Termination(mid, 1.0, obs)
	if last.First() || last.Mid() || !last.Last() {
		t.Error("last timestep misclassified")
	}
	if last.Discount != 0.0 {
		t.Errorf("termination: discount \n\twant(%v) \n\thave(%v)", 0.0,
			last.Discount)
	}
}

func TestNewBatch(t *testing.T) {
	stepTypes := []ts.StepType{ts.Mid, ts.Mid, ts.Last}
	rewards := []float64{1.0, -1.0, 0.5}
	discounts := []float64{1.0, 0.9, 0.0}
	obs := []float64{1, 2, 3, 4, 5, 6}

	batch, err := ts.NewBatch(stepTypes, rewards, discounts, obs, 2)
	if err != nil {
		t.Fatalf("newbatch: %v", err)
	}
	if batch.BatchSize() != 3 {
		t.Errorf("newbatch: batch size \n\twant(%v) \n\thave(%v)", 3,
			batch.BatchSize())
	}

	second := batch.Observation(1)
	if len(second) != 2 || second[0] != 3 || second[1] != 4 {
		t.Errorf("newbatch: observation 1 \n\twant(%v) \n\thave(%v)",
			[]float64{3, 4}, second)
	}

	// Mismatched rewards
	_, err = ts.NewBatch(stepTypes, rewards[:2], discounts, obs, 2)
	if err == nil {
		t.Error("newbatch: expected error for mismatched rewards")
	}

	// Mismatched observations
	_, err = ts.NewBatch(stepTypes, rewards, discounts, obs[:4], 2)
	if err == nil {
		t.Error("newbatch: expected error for mismatched observations")
	}

	// A last timestep must have a discount of 0
	_, err = ts.NewBatch(stepTypes, rewards, []float64{1.0, 0.9, 0.5}, obs, 2)
	if err == nil {
		t.Error("newbatch: expected error for last timestep with " +
			"non-zero discount")
	}
}

func TestRestartBatch(t *testing.T) {
	obs := []float64{1, 2, 3, 4}
	batch, err := ts.RestartBatch(obs, 2, 2)
	if err != nil {
		t.Fatalf("restartbatch: %v", err)
	}

	for i := 0; i < batch.BatchSize(); i++ {
		if batch.StepTypes[i] != ts.First {
			t.Errorf("restartbatch: step type %v should be first", i)
		}
		if batch.Rewards[i] != 0.0 {
			t.Errorf("restartbatch: reward %v \n\twant(%v) \n\thave(%v)",
				i, 0.0, batch.Rewards[i])
		}
		if batch.Discounts[i] != 1.0 {
			t.Errorf("restartbatch: discount %v \n\twant(%v) \n\thave(%v)",
				i, 1.0, batch.Discounts[i])
		}
	}
}

func TestTransitionBatch(t *testing.T) {
	obs := []float64{1, 2, 3, 4}
	rewards := []float64{0.5, -0.5}
	discounts := []float64{1.0, 0.9}

	batch, err := ts.TransitionBatch(obs, rewards, discounts, 2)
	if err != nil {
		t.Fatalf("transitionbatch: %v", err)
	}

	for i := 0; i < batch.BatchSize(); i++ {
		if batch.StepTypes[i] != ts.Mid {
			t.Errorf("transitionbatch: step type %v should be mid", i)
		}
		if batch.Rewards[i] != rewards[i] {
			t.Errorf("transitionbatch: reward %v \n\twant(%v) \n\thave(%v)",
				i, rewards[i], batch.Rewards[i])
		}
	}
}

// testTrajectory returns a trajectory of 2 sequences of 3 timesteps
// with 2 observation features and 1 action dimension. The second
// sequence ends in a terminal state.
func testTrajectory(t *testing.T) ts.Trajectory {
	stepTypes := []ts.StepType{
		ts.First, ts.Mid, ts.Mid,
		ts.Mid, ts.Mid, ts.Last,
	}
	nextStepTypes := []ts.StepType{
		ts.Mid, ts.Mid, ts.Mid,
		ts.Mid, ts.Last, ts.Last,
	}
	obs := []float64{
		1, 2, 3, 4, 5, 6,
		7, 8, 9, 10, 11, 12,
	}
	actions := []float64{
		0.1, 0.2, 0.3,
		0.4, 0.5, 0.6,
	}
	rewards := []float64{
		1, 2, 3,
		4, 5, 6,
	}
	discounts := []float64{
		1, 1, 1,
		1, 0, 0,
	}

	traj, err := ts.NewTrajectory(stepTypes, nextStepTypes, obs, actions,
		rewards, discounts, 2, 3, 2, 1)
	if err != nil {
		t.Fatalf("newtrajectory: %v", err)
	}
	return traj
}

func TestToTransition(t *testing.T) {
	traj := testTrajectory(t)

	steps, actions, nextSteps, err := traj.ToTransition()
	if err != nil {
		t.Fatalf("totransition: %v", err)
	}

	// 2 sequences of 3 timesteps hold 2 transitions each
	if steps.BatchSize() != 4 || nextSteps.BatchSize() != 4 {
		t.Fatalf("totransition: batch sizes \n\twant(%v) \n\thave(%v, %v)",
			4, steps.BatchSize(), nextSteps.BatchSize())
	}

	wantObs := []float64{1, 2, 3, 4, 7, 8, 9, 10}
	for i, o := range steps.Observations {
		if o != wantObs[i] {
			t.Errorf("totransition: observations \n\twant(%v) \n\thave(%v)",
				wantObs, steps.Observations)
			break
		}
	}

	wantNextObs := []float64{3, 4, 5, 6, 9, 10, 11, 12}
	for i, o := range nextSteps.Observations {
		if o != wantNextObs[i] {
			t.Errorf("totransition: next observations \n\twant(%v) "+
				"\n\thave(%v)", wantNextObs, nextSteps.Observations)
			break
		}
	}

	wantActions := []float64{0.1, 0.2, 0.4, 0.5}
	for i, a := range actions {
		if a != wantActions[i] {
			t.Errorf("totransition: actions \n\twant(%v) \n\thave(%v)",
				wantActions, actions)
			break
		}
	}

	// Rewards and discounts ride on the next timesteps
	wantRewards := []float64{1, 2, 4, 5}
	wantDiscounts := []float64{1, 1, 1, 0}
	for i := range wantRewards {
		if nextSteps.Rewards[i] != wantRewards[i] {
			t.Errorf("totransition: rewards \n\twant(%v) \n\thave(%v)",
				wantRewards, nextSteps.Rewards)
			break
		}
		if nextSteps.Discounts[i] != wantDiscounts[i] {
			t.Errorf("totransition: discounts \n\twant(%v) \n\thave(%v)",
				wantDiscounts, nextSteps.Discounts)
			break
		}
	}
	for i := range wantRewards {
		if steps.Rewards[i] != 0 || steps.Discounts[i] != 0 {
			t.Error("totransition: current timesteps should carry no " +
				"reward or discount")
			break
		}
	}

	// Next step types come from the trajectory's next step types
	wantNextTypes := []ts.StepType{ts.Mid, ts.Mid, ts.Mid, ts.Last}
	for i, stepType := range nextSteps.StepTypes {
		if stepType != wantNextTypes[i] {
			t.Errorf("totransition: next step types \n\twant(%v) "+
				"\n\thave(%v)", wantNextTypes, nextSteps.StepTypes)
			break
		}
	}
}

func TestTrajectoryAt(t *testing.T) {
	traj := testTrajectory(t)

	obs1 := traj.ObservationsAt(1)
	wantObs1 := []float64{3, 4, 9, 10}
	for i, o := range obs1 {
		if o != wantObs1[i] {
			t.Errorf("observationsat: \n\twant(%v) \n\thave(%v)", wantObs1,
				obs1)
			break
		}
	}

	actions2 := traj.ActionsAt(2)
	wantActions2 := []float64{0.3, 0.6}
	for i, a := range actions2 {
		if a != wantActions2[i] {
			t.Errorf("actionsat: \n\twant(%v) \n\thave(%v)", wantActions2,
				actions2)
			break
		}
	}

	rewards1 := traj.RewardsAt(1)
	if rewards1[0] != 2 || rewards1[1] != 5 {
		t.Errorf("rewardsat: \n\twant(%v) \n\thave(%v)", []float64{2, 5},
			rewards1)
	}

	discounts1 := traj.DiscountsAt(1)
	if discounts1[0] != 1 || discounts1[1] != 0 {
		t.Errorf("discountsat: \n\twant(%v) \n\thave(%v)", []float64{1, 0},
			discounts1)
	}

	types0 := traj.StepTypesAt(0)
	if types0[0] != ts.First || types0[1] != ts.Mid {
		t.Errorf("steptypesat: \n\twant(%v) \n\thave(%v)",
			[]ts.StepType{ts.First, ts.Mid}, types0)
	}

	nextTypes1 := traj.NextStepTypesAt(1)
	if nextTypes1[0] != ts.Mid || nextTypes1[1] != ts.Last {
		t.Errorf("nextsteptypesat: \n\twant(%v) \n\thave(%v)",
			[]ts.StepType{ts.Mid, ts.Last}, nextTypes1)
	}
}

func TestNewTrajectoryValidation(t *testing.T) {
	stepTypes := []ts.StepType{ts.Mid, ts.Mid}
	obs := []float64{1, 2, 3, 4}
	actions := []float64{0.1, 0.2}
	rewards := []float64{1, 1}
	discounts := []float64{1, 1}

	// Sequences must hold at least 2 timesteps
	_, err := ts.NewTrajectory(stepTypes, stepTypes, obs, actions, rewards,
		discounts, 2, 1, 2, 1)
	if err == nil {
		t.Error("newtrajectory: expected error for sequence length 1")
	}

	// Mismatched observations
	_, err = ts.NewTrajectory(stepTypes, stepTypes, obs[:3], actions,
		rewards, discounts, 1, 2, 2, 1)
	if err == nil {
		t.Error("newtrajectory: expected error for mismatched observations")
	}

	// A transition into a last timestep must have a discount of 0
	nextStepTypes := []ts.StepType{ts.Mid, ts.Last}
	_, err = ts.NewTrajectory(stepTypes, nextStepTypes, obs, actions,
		rewards, discounts, 1, 2, 2, 1)
	if err == nil {
		t.Error("newtrajectory: expected error for terminal transition " +
			"with non-zero discount")
	}
}
