package sac

import (
	"fmt"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/StaminaTang/pisac/agent"
	"github.com/StaminaTang/pisac/network"
	"github.com/StaminaTang/pisac/solver"
	"github.com/StaminaTang/pisac/utils/op"
)

// criticGraph holds the computational graph that updates the action
// value critics. Both critics are grafted onto a single graph so that
// one tape machine runs both updates, and the grafts hold the weights
// that training changes. Observations, actions, and TD targets enter
// the graph through placeholders, one per unrolled timestep, so that
// the same graph serves stateless critics (a single timestep) and
// recurrent critics (one timestep per step of the training
// sub-trajectories).
type criticGraph struct {
	critic1 network.NeuralNet
	critic2 network.NeuralNet

	obs        []*G.Node
	actions    []*G.Node
	targets    []*G.Node
	augTargets []*G.Node // Augmented TD targets, nil when unused

	batch      int
	obsDims    int
	actionDims int
	steps      int

	model   []G.ValueGrad
	vm      G.VM
	sol     *solver.Solver
	costVal G.Value
	augVal  G.Value
}

// newCriticGraph grafts the argument critics onto a fresh training
// graph, unrolled over steps timesteps. The graft copies the current
// critic weights, so the graph starts in sync with its source
// networks. When augWeight is positive the graph carries a second set
// of target placeholders, and the minimized cost adds the augmented
// TD loss scaled by augWeight to the standard TD loss.
func newCriticGraph(critic1, critic2 network.NeuralNet, batch, steps,
	obsDims, actionDims int, augWeight float64,
	sol *solver.Solver) (*criticGraph, error) {
	g := G.NewGraph()

	cg := &criticGraph{
		obs:        make([]*G.Node, steps),
		actions:    make([]*G.Node, steps),
		targets:    make([]*G.Node, steps),
		batch:      batch,
		obsDims:    obsDims,
		actionDims: actionDims,
		steps:      steps,
		sol:        sol,
	}
	if augWeight > 0 {
		cg.augTargets = make([]*G.Node, steps)
	}

	for t := 0; t < steps; t++ {
		cg.obs[t] = G.NewMatrix(g, tensor.Float64,
			G.WithShape(batch, obsDims),
			G.WithName(fmt.Sprintf("CriticObs%d", t)),
			G.WithInit(G.Zeroes()))
		cg.actions[t] = G.NewMatrix(g, tensor.Float64,
			G.WithShape(batch, actionDims),
			G.WithName(fmt.Sprintf("CriticActions%d", t)),
			G.WithInit(G.Zeroes()))
		cg.targets[t] = G.NewMatrix(g, tensor.Float64,
			G.WithShape(batch, 1),
			G.WithName(fmt.Sprintf("CriticTargets%d", t)),
			G.WithInit(G.Zeroes()))
		if cg.augTargets != nil {
			cg.augTargets[t] = G.NewMatrix(g, tensor.Float64,
				G.WithShape(batch, 1),
				G.WithName(fmt.Sprintf("CriticAugTargets%d", t)),
				G.WithInit(G.Zeroes()))
		}
	}

	// Stateless critics read the observation and action placeholders
	// directly, while recurrent critics read the concatenation
	// [observation, action] at each unrolled timestep.
	var err error
	if _, recurrent := critic1.(network.Recurrent); !recurrent {
		inputs := []*G.Node{cg.obs[0], cg.actions[0]}
		cg.critic1, err = critic1.CloneWithInputTo(1, inputs, g)
		if err == nil {
			cg.critic2, err = critic2.CloneWithInputTo(1, inputs, g)
		}
	} else {
		inputs := make([]*G.Node, steps)
		for t := 0; t < steps; t++ {
			inputs[t] = G.Must(G.Concat(1, cg.obs[t], cg.actions[t]))
		}
		cg.critic1, err = critic1.CloneWithInputTo(-1, inputs, g)
		if err == nil {
			cg.critic2, err = critic2.CloneWithInputTo(-1, inputs, g)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("newcriticgraph: could not graft critic "+
			"onto training graph: %v", err)
	}

	cost := G.Must(G.Add(
		cg.tdCost(cg.critic1.Prediction(), cg.targets),
		cg.tdCost(cg.critic2.Prediction(), cg.targets),
	))
	if steps > 1 {
		cost = G.Must(G.Mul(cost, G.NewConstant(1.0/float64(steps))))
	}

	if cg.augTargets != nil {
		augCost := G.Must(G.Add(
			cg.tdCost(cg.critic1.Prediction(), cg.augTargets),
			cg.tdCost(cg.critic2.Prediction(), cg.augTargets),
		))
		if steps > 1 {
			augCost = G.Must(G.Mul(augCost,
				G.NewConstant(1.0/float64(steps))))
		}
		G.Read(augCost, &cg.augVal)

		weighted := G.Must(G.Mul(augCost, G.NewConstant(augWeight)))
		cost = G.Must(G.Add(cost, weighted))
	}
	G.Read(cost, &cg.costVal)

	learnables := make(G.Nodes, 0,
		len(cg.critic1.Learnables())+len(cg.critic2.Learnables()))
	learnables = append(learnables, cg.critic1.Learnables()...)
	learnables = append(learnables, cg.critic2.Learnables()...)
	if _, err := G.Grad(cost, learnables...); err != nil {
		return nil, fmt.Errorf("newcriticgraph: could not compute "+
			"gradient: %v", err)
	}

	cg.model = make([]G.ValueGrad, 0, len(learnables))
	cg.model = append(cg.model, cg.critic1.Model()...)
	cg.model = append(cg.model, cg.critic2.Model()...)
	cg.vm = G.NewTapeMachine(g, G.BindDualValues(learnables...))

	return cg, nil
}

// tdCost returns the mean squared TD loss between the critic
// predictions and targets, summed over timesteps.
func (cg *criticGraph) tdCost(preds, targets []*G.Node) *G.Node {
	var cost *G.Node
	for t, pred := range preds {
		td := G.Must(G.Sub(pred, targets[t]))
		loss := G.Must(G.Mean(G.Must(G.Square(td))))
		if cost == nil {
			cost = loss
		} else {
			cost = G.Must(G.Add(cost, loss))
		}
	}
	return cost
}

// step performs one gradient step on both critics. The argument
// slices hold all unrolled timesteps back-to-back, timestep major, so
// that the data for timestep t starts at index t * batch * features.
// The returned values are the minimized cost and the unweighted
// augmented TD loss, which is 0 when no augmented targets are
// configured.
func (cg *criticGraph) step(obs, actions, targets,
	augTargets []float64) (float64, float64, error) {
	for t := 0; t < cg.steps; t++ {
		o := cg.batch * cg.obsDims
		a := cg.batch * cg.actionDims

		obsTensor := tensor.New(tensor.WithShape(cg.batch, cg.obsDims),
			tensor.WithBacking(obs[t*o:(t+1)*o]))
		if err := G.Let(cg.obs[t], obsTensor); err != nil {
			return 0, 0, fmt.Errorf("step: could not set observations at "+
				"timestep %v: %v", t, err)
		}

		actionTensor := tensor.New(tensor.WithShape(cg.batch, cg.actionDims),
			tensor.WithBacking(actions[t*a:(t+1)*a]))
		if err := G.Let(cg.actions[t], actionTensor); err != nil {
			return 0, 0, fmt.Errorf("step: could not set actions at "+
				"timestep %v: %v", t, err)
		}

		targetTensor := tensor.New(tensor.WithShape(cg.batch, 1),
			tensor.WithBacking(targets[t*cg.batch:(t+1)*cg.batch]))
		if err := G.Let(cg.targets[t], targetTensor); err != nil {
			return 0, 0, fmt.Errorf("step: could not set TD targets at "+
				"timestep %v: %v", t, err)
		}

		if cg.augTargets != nil {
			augTensor := tensor.New(tensor.WithShape(cg.batch, 1),
				tensor.WithBacking(augTargets[t*cg.batch:(t+1)*cg.batch]))
			if err := G.Let(cg.augTargets[t], augTensor); err != nil {
				return 0, 0, fmt.Errorf("step: could not set augmented TD "+
					"targets at timestep %v: %v", t, err)
			}
		}
	}

	if err := cg.vm.RunAll(); err != nil {
		return 0, 0, fmt.Errorf("step: could not run critic update: %v", err)
	}
	loss := cg.costVal.Data().(float64)

	var augLoss float64
	if cg.augTargets != nil {
		augLoss = cg.augVal.Data().(float64)
	}

	if err := cg.sol.Step(cg.model); err != nil {
		return 0, 0, fmt.Errorf("step: could not update critic weights: "+
			"%v", err)
	}
	cg.vm.Reset()

	return loss, augLoss, nil
}

// actorGraph holds the computational graph that updates the policy.
// The policy loss is built on the policy network's own graph so that
// gradients flow from the loss through the reparameterized actions
// into the policy weights. Copies of the online critics are grafted
// onto the same graph reading the policy's actions, and only the
// policy weights are in the gradient, so the critic copies steer the
// update without being changed by it.
type actorGraph struct {
	actor agent.ReparamActor
	snap1 network.NeuralNet
	snap2 network.NeuralNet

	alpha *G.Node
	batch int

	model   []G.ValueGrad
	vm      G.VM
	sol     *solver.Solver
	costVal G.Value
}

// newActorGraph builds the policy loss
//
//	mean(alpha * logProb - min(Q1, Q2))
//
// on the argument actor's graph, reading action values from grafted
// copies of the argument critics. Recurrent actors contribute one
// such term per unrolled timestep, averaged over timesteps.
func newActorGraph(actor agent.ReparamActor, critic1,
	critic2 network.NeuralNet, sol *solver.Solver) (*actorGraph, error) {
	net := actor.Network()
	g := net.Graph()

	actionNodes := actor.ActionNodes()
	logProbNodes := actor.LogProbNodes()
	inputs := net.Inputs()
	steps := len(actionNodes)

	if len(inputs) != steps {
		return nil, fmt.Errorf("newactorgraph: policy network must take "+
			"one input per action timestep \n\twant(%v) \n\thave(%v)",
			steps, len(inputs))
	}
	if len(logProbNodes) != steps {
		return nil, fmt.Errorf("newactorgraph: policy must compute one "+
			"log probability per action timestep \n\twant(%v) \n\thave(%v)",
			steps, len(logProbNodes))
	}

	ag := &actorGraph{
		actor: actor,
		batch: net.BatchSize(),
		sol:   sol,
	}

	ag.alpha = G.NewScalar(g, tensor.Float64, G.WithName("EntropyScale"))
	if err := G.Let(ag.alpha, 0.0); err != nil {
		return nil, fmt.Errorf("newactorgraph: could not initialize "+
			"entropy scale: %v", err)
	}

	var err error
	if _, recurrent := critic1.(network.Recurrent); !recurrent {
		cins := []*G.Node{inputs[0], actionNodes[0]}
		ag.snap1, err = critic1.CloneWithInputTo(1, cins, g)
		if err == nil {
			ag.snap2, err = critic2.CloneWithInputTo(1, cins, g)
		}
	} else {
		cins := make([]*G.Node, steps)
		for t := 0; t < steps; t++ {
			cins[t] = G.Must(G.Concat(1, inputs[t], actionNodes[t]))
		}
		ag.snap1, err = critic1.CloneWithInputTo(-1, cins, g)
		if err == nil {
			ag.snap2, err = critic2.CloneWithInputTo(-1, cins, g)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("newactorgraph: could not graft critic "+
			"onto policy graph: %v", err)
	}

	var cost *G.Node
	for t := 0; t < steps; t++ {
		q, err := op.Min(ag.snap1.Prediction()[t], ag.snap2.Prediction()[t])
		if err != nil {
			return nil, fmt.Errorf("newactorgraph: could not compute "+
				"minimum action value: %v", err)
		}
		q = G.Must(G.Ravel(q))

		ent := G.Must(G.Mul(ag.alpha, logProbNodes[t]))
		loss := G.Must(G.Mean(G.Must(G.Sub(ent, q))))
		if cost == nil {
			cost = loss
		} else {
			cost = G.Must(G.Add(cost, loss))
		}
	}
	if steps > 1 {
		cost = G.Must(G.Mul(cost, G.NewConstant(1.0/float64(steps))))
	}
	G.Read(cost, &ag.costVal)

	learnables := net.Learnables()
	if _, err := G.Grad(cost, learnables...); err != nil {
		return nil, fmt.Errorf("newactorgraph: could not compute "+
			"gradient: %v", err)
	}

	ag.model = net.Model()
	ag.vm = G.NewTapeMachine(g, G.BindDualValues(learnables...))

	return ag, nil
}

// refresh copies the current online critic weights into the critic
// copies read by the policy loss.
func (ag *actorGraph) refresh(critic1, critic2 network.NeuralNet) error {
	if err := network.Set(ag.snap1, critic1); err != nil {
		return fmt.Errorf("refresh: %v", err)
	}
	if err := network.Set(ag.snap2, critic2); err != nil {
		return fmt.Errorf("refresh: %v", err)
	}
	return nil
}

// step performs one gradient step on the policy at the argument
// observations, which hold all unrolled timesteps back-to-back,
// timestep major. Fresh action noise is drawn before the update so
// that successive updates see new actions.
func (ag *actorGraph) step(obs []float64, alpha float64) (float64, error) {
	if recurrent, ok := ag.actor.Network().(network.Recurrent); ok {
		state := make([]float64, ag.batch*recurrent.StateSize())
		if err := recurrent.SetState(state); err != nil {
			return 0, fmt.Errorf("step: could not zero recurrent state: %v",
				err)
		}
	}

	if err := ag.actor.Resample(); err != nil {
		return 0, fmt.Errorf("step: could not resample action noise: %v",
			err)
	}
	if err := ag.actor.Network().SetInput(obs); err != nil {
		return 0, fmt.Errorf("step: could not set observations: %v", err)
	}
	if err := G.Let(ag.alpha, alpha); err != nil {
		return 0, fmt.Errorf("step: could not set entropy scale: %v", err)
	}

	if err := ag.vm.RunAll(); err != nil {
		return 0, fmt.Errorf("step: could not run actor update: %v", err)
	}
	loss := ag.costVal.Data().(float64)

	if err := ag.sol.Step(ag.model); err != nil {
		return 0, fmt.Errorf("step: could not update policy weights: %v",
			err)
	}
	ag.vm.Reset()

	return loss, nil
}

// alphaGraph holds the computational graph that adapts the entropy
// scale. The raw log scale is the single learnable, and its loss is
//
//	logAlpha * mean(-logProb - targetEntropy)
//
// where the mean is fed through a placeholder after being measured
// under the current policy.
type alphaGraph struct {
	logAlpha *G.Node
	gap      *G.Node

	vm      G.VM
	sol     *solver.Solver
	costVal G.Value
}

// newAlphaGraph returns a graph adapting the log entropy scale,
// starting from initLogAlpha. The gap placeholder holds rows entries,
// one per trained timestep of a batch.
func newAlphaGraph(initLogAlpha float64, rows int,
	sol *solver.Solver) (*alphaGraph, error) {
	g := G.NewGraph()

	al := &alphaGraph{sol: sol}
	al.logAlpha = G.NewMatrix(g, tensor.Float64, G.WithShape(1, 1),
		G.WithName("LogEntropyScale"),
		G.WithInit(G.ValuesOf(initLogAlpha)))
	al.gap = G.NewVector(g, tensor.Float64, G.WithShape(rows),
		G.WithName("EntropyGap"), G.WithInit(G.Zeroes()))

	meanGap := G.Must(G.Mean(al.gap))
	cost := G.Must(G.Mean(G.Must(G.Mul(al.logAlpha, meanGap))))
	G.Read(cost, &al.costVal)

	if _, err := G.Grad(cost, al.logAlpha); err != nil {
		return nil, fmt.Errorf("newalphagraph: could not compute "+
			"gradient: %v", err)
	}
	al.vm = G.NewTapeMachine(g, G.BindDualValues(al.logAlpha))

	return al, nil
}

// value returns the current log entropy scale
func (al *alphaGraph) value() float64 {
	return al.logAlpha.Value().Data().([]float64)[0]
}

// step performs one gradient step on the log entropy scale. Each
// entry of gap holds -logProb - targetEntropy for one trained
// timestep.
func (al *alphaGraph) step(gap []float64) (float64, error) {
	gapTensor := tensor.New(tensor.WithShape(len(gap)),
		tensor.WithBacking(gap))
	if err := G.Let(al.gap, gapTensor); err != nil {
		return 0, fmt.Errorf("step: could not set entropy gap: %v", err)
	}

	if err := al.vm.RunAll(); err != nil {
		return 0, fmt.Errorf("step: could not run entropy scale update: "+
			"%v", err)
	}
	loss := al.costVal.Data().(float64)

	if err := al.sol.Step([]G.ValueGrad{al.logAlpha}); err != nil {
		return 0, fmt.Errorf("step: could not update entropy scale: %v",
			err)
	}
	al.vm.Reset()

	return loss, nil
}
