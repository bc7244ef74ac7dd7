package sac

import (
	"fmt"
	"reflect"

	G "gorgonia.org/gorgonia"

	"github.com/StaminaTang/pisac/agent"
	"github.com/StaminaTang/pisac/agent/policy"
	"github.com/StaminaTang/pisac/initwfn"
	"github.com/StaminaTang/pisac/network"
	"github.com/StaminaTang/pisac/solver"
	"github.com/StaminaTang/pisac/spec"
)

func init() {
	agent.Register(agent.GaussianSACRNN, RNNConfigList{})
}

// RNNConfigList implements a list of RNNConfig's in a more efficient
// manner than simply using a slice of RNNConfig's.
type RNNConfigList struct {
	// Policy network: layers encoding observations into the
	// recurrent cell, then the layers decoding the cell state into
	// distribution parameters
	PolicyInputLayers       [][]int
	PolicyInputBiases       [][]bool
	PolicyInputActivations  [][]*network.Activation
	PolicyOutputLayers      [][]int
	PolicyOutputBiases      [][]bool
	PolicyOutputActivations [][]*network.Activation
	PolicyStateSize         []int

	// Critic networks: layers encoding state action pairs into the
	// recurrent cell, then the layers decoding the cell state into an
	// action value
	CriticInputLayers       [][]int
	CriticInputBiases       [][]bool
	CriticInputActivations  [][]*network.Activation
	CriticOutputLayers      [][]int
	CriticOutputBiases      [][]bool
	CriticOutputActivations [][]*network.Activation
	CriticStateSize         []int

	// Initialization algorithm for weights
	InitWFn []*initwfn.InitWFn

	// Solvers for learning weights
	CriticSolver []*solver.Solver
	ActorSolver  []*solver.Solver
	AlphaSolver  []*solver.Solver

	BatchSize           []int
	TrainSequenceLength []int

	Gamma              []float64
	Tau                []float64
	TargetUpdatePeriod []int
	InitialLogAlpha    []float64
	TargetEntropy      []*float64
	QReduction         []QReduction
	RedqSampleSize     []int
	RewardScale        []float64
	RewardShift        []float64
	AugCriticWeight    []float64
	ExternalTrainStep  []bool
}

// NewRNNConfigList returns a new RNNConfigList as an
// agent.TypedConfigList. Because the returned value is a TypedList,
// it can safely be JSON serialized and deserialized without
// specifying what the type of the ConfigList is.
func NewRNNConfigList(
	PolicyInputLayers [][]int,
	PolicyInputBiases [][]bool,
	PolicyInputActivations [][]*network.Activation,
	PolicyOutputLayers [][]int,
	PolicyOutputBiases [][]bool,
	PolicyOutputActivations [][]*network.Activation,
	PolicyStateSize []int,
	CriticInputLayers [][]int,
	CriticInputBiases [][]bool,
	CriticInputActivations [][]*network.Activation,
	CriticOutputLayers [][]int,
	CriticOutputBiases [][]bool,
	CriticOutputActivations [][]*network.Activation,
	CriticStateSize []int,
	InitWFn []*initwfn.InitWFn,
	CriticSolver []*solver.Solver,
	ActorSolver []*solver.Solver,
	AlphaSolver []*solver.Solver,
	BatchSize []int,
	TrainSequenceLength []int,
	Gamma []float64,
	Tau []float64,
	TargetUpdatePeriod []int,
	InitialLogAlpha []float64,
	TargetEntropy []*float64,
	QReduction []QReduction,
	RedqSampleSize []int,
	RewardScale []float64,
	RewardShift []float64,
	AugCriticWeight []float64,
	ExternalTrainStep []bool,
) agent.TypedConfigList {
	configs := RNNConfigList{
		PolicyInputLayers:       PolicyInputLayers,
		PolicyInputBiases:       PolicyInputBiases,
		PolicyInputActivations:  PolicyInputActivations,
		PolicyOutputLayers:      PolicyOutputLayers,
		PolicyOutputBiases:      PolicyOutputBiases,
		PolicyOutputActivations: PolicyOutputActivations,
		PolicyStateSize:         PolicyStateSize,
		CriticInputLayers:       CriticInputLayers,
		CriticInputBiases:       CriticInputBiases,
		CriticInputActivations:  CriticInputActivations,
		CriticOutputLayers:      CriticOutputLayers,
		CriticOutputBiases:      CriticOutputBiases,
		CriticOutputActivations: CriticOutputActivations,
		CriticStateSize:         CriticStateSize,
		InitWFn:                 InitWFn,
		CriticSolver:            CriticSolver,
		ActorSolver:             ActorSolver,
		AlphaSolver:             AlphaSolver,
		BatchSize:               BatchSize,
		TrainSequenceLength:     TrainSequenceLength,
		Gamma:                   Gamma,
		Tau:                     Tau,
		TargetUpdatePeriod:      TargetUpdatePeriod,
		InitialLogAlpha:         InitialLogAlpha,
		TargetEntropy:           TargetEntropy,
		QReduction:              QReduction,
		RedqSampleSize:          RedqSampleSize,
		RewardScale:             RewardScale,
		RewardShift:             RewardShift,
		AugCriticWeight:         AugCriticWeight,
		ExternalTrainStep:       ExternalTrainStep,
	}

	return agent.NewTypedConfigList(configs)
}

// Type returns the type of Config stored in the list
func (c RNNConfigList) Type() agent.Type {
	return agent.GaussianSACRNN
}

// NumFields returns the number of settable fields in a Config
func (c RNNConfigList) NumFields() int {
	rValue := reflect.ValueOf(c)
	return rValue.NumField()
}

// Config returns an empty Config of the same type as that stored
// by the ConfigList
func (c RNNConfigList) Config() agent.Config {
	return RNNConfig{}
}

// Len returns the number of Config's in the list
func (c RNNConfigList) Len() int {
	return len(c.PolicyInputLayers) * len(c.PolicyInputBiases) *
		len(c.PolicyInputActivations) * len(c.PolicyOutputLayers) *
		len(c.PolicyOutputBiases) * len(c.PolicyOutputActivations) *
		len(c.PolicyStateSize) * len(c.CriticInputLayers) *
		len(c.CriticInputBiases) * len(c.CriticInputActivations) *
		len(c.CriticOutputLayers) * len(c.CriticOutputBiases) *
		len(c.CriticOutputActivations) * len(c.CriticStateSize) *
		len(c.InitWFn) * len(c.CriticSolver) * len(c.ActorSolver) *
		len(c.AlphaSolver) * len(c.BatchSize) *
		len(c.TrainSequenceLength) * len(c.Gamma) * len(c.Tau) *
		len(c.TargetUpdatePeriod) * len(c.InitialLogAlpha) *
		len(c.TargetEntropy) * len(c.QReduction) *
		len(c.RedqSampleSize) * len(c.RewardScale) *
		len(c.RewardShift) * len(c.AugCriticWeight) *
		len(c.ExternalTrainStep)
}

// RNNConfig implements a configuration for a recurrent soft
// actor-critic agent with a squashed Gaussian policy. The policy and
// both critics are recurrent networks that unroll over
// TrainSequenceLength - 1 transition steps during training, starting
// from a zero state, and the acting policy carries its state across
// action selections.
type RNNConfig struct {
	PolicyInputLayers       []int
	PolicyInputBiases       []bool
	PolicyInputActivations  []*network.Activation
	PolicyOutputLayers      []int
	PolicyOutputBiases      []bool
	PolicyOutputActivations []*network.Activation
	PolicyStateSize         int

	CriticInputLayers       []int
	CriticInputBiases       []bool
	CriticInputActivations  []*network.Activation
	CriticOutputLayers      []int
	CriticOutputBiases      []bool
	CriticOutputActivations []*network.Activation
	CriticStateSize         int

	// Initialization algorithm for weights
	InitWFn *initwfn.InitWFn

	// Solvers for learning weights
	CriticSolver *solver.Solver
	ActorSolver  *solver.Solver
	AlphaSolver  *solver.Solver

	BatchSize           int
	TrainSequenceLength int

	Gamma              float64
	Tau                float64
	TargetUpdatePeriod int
	InitialLogAlpha    float64
	TargetEntropy      *float64
	QReduction         QReduction
	RedqSampleSize     int
	RewardScale        float64
	RewardShift        float64
	AugCriticWeight    float64
	ExternalTrainStep  bool
}

// Type returns the type of the configuration
func (c RNNConfig) Type() agent.Type {
	return agent.GaussianSACRNN
}

// sacConfig assembles the algorithm configuration from the
// hyperparameter fields
func (c RNNConfig) sacConfig() Config {
	return Config{
		Gamma:               c.Gamma,
		Tau:                 c.Tau,
		TargetUpdatePeriod:  c.TargetUpdatePeriod,
		InitialLogAlpha:     c.InitialLogAlpha,
		TargetEntropy:       c.TargetEntropy,
		QReduction:          c.QReduction,
		RedqSampleSize:      c.RedqSampleSize,
		RewardScale:         c.RewardScale,
		RewardShift:         c.RewardShift,
		AugCriticWeight:     c.AugCriticWeight,
		TrainSequenceLength: c.TrainSequenceLength,
		ExternalTrainStep:   c.ExternalTrainStep,
		CriticSolver:        c.CriticSolver,
		ActorSolver:         c.ActorSolver,
		AlphaSolver:         c.AlphaSolver,
	}
}

// Validate checks the Config to ensure it is a valid configuration of
// a recurrent soft actor-critic agent
func (c RNNConfig) Validate() error {
	if c.BatchSize < 1 {
		return fmt.Errorf("new: batch size must be positive \n\thave(%v)",
			c.BatchSize)
	}
	if c.InitWFn == nil {
		return fmt.Errorf("new: no weight initializer given")
	}
	if c.PolicyStateSize < 1 {
		return fmt.Errorf("new: policy state size must be positive "+
			"\n\thave(%v)", c.PolicyStateSize)
	}
	if c.CriticStateSize < 1 {
		return fmt.Errorf("new: critic state size must be positive "+
			"\n\thave(%v)", c.CriticStateSize)
	}

	stacks := []struct {
		name        string
		layers      []int
		biases      []bool
		activations []*network.Activation
	}{
		{"policy input", c.PolicyInputLayers, c.PolicyInputBiases,
			c.PolicyInputActivations},
		{"policy output", c.PolicyOutputLayers, c.PolicyOutputBiases,
			c.PolicyOutputActivations},
		{"critic input", c.CriticInputLayers, c.CriticInputBiases,
			c.CriticInputActivations},
		{"critic output", c.CriticOutputLayers, c.CriticOutputBiases,
			c.CriticOutputActivations},
	}
	for _, stack := range stacks {
		if len(stack.layers) != len(stack.biases) {
			return fmt.Errorf("new: invalid number of %v biases "+
				"\n\twant(%v) \n\thave(%v)", stack.name,
				len(stack.layers), len(stack.biases))
		}
		if len(stack.layers) != len(stack.activations) {
			return fmt.Errorf("new: invalid number of %v activations "+
				"\n\twant(%v) \n\thave(%v)", stack.name,
				len(stack.layers), len(stack.activations))
		}
	}

	return c.sacConfig().Validate()
}

// ValidAgent returns whether the agent is valid for the
// configuration. That is, whether Agent a can be constructed with
// RNNConfig c.
func (c RNNConfig) ValidAgent(a agent.Agent) bool {
	_, ok := a.(*SAC)
	return ok
}

// CreateAgent creates a new recurrent soft actor-critic agent based
// on the configuration
func (c RNNConfig) CreateAgent(obsSpec, actionSpec spec.Environment,
	seed uint64) (agent.Agent, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	init := c.InitWFn.InitWFn()
	steps := c.sacConfig().withDefaults().TrainSequenceLength - 1

	actor, err := policy.NewGaussianRNN(obsSpec, actionSpec, c.BatchSize,
		steps, c.PolicyStateSize, c.PolicyInputLayers,
		c.PolicyInputBiases, c.PolicyInputActivations,
		c.PolicyOutputLayers, c.PolicyOutputBiases,
		c.PolicyOutputActivations, init, seed)
	if err != nil {
		return nil, fmt.Errorf("createagent: could not construct "+
			"policy: %v", err)
	}

	features := obsSpec.Shape.Len() + actionSpec.Shape.Len()
	critic1, err := network.NewRNNMLP(features, c.BatchSize, steps,
		c.CriticStateSize, 1, G.NewGraph(), c.CriticInputLayers,
		c.CriticInputBiases, c.CriticInputActivations,
		c.CriticOutputLayers, c.CriticOutputBiases,
		c.CriticOutputActivations, init)
	if err != nil {
		return nil, fmt.Errorf("createagent: could not construct "+
			"critic: %v", err)
	}
	critic2, err := network.NewRNNMLP(features, c.BatchSize, steps,
		c.CriticStateSize, 1, G.NewGraph(), c.CriticInputLayers,
		c.CriticInputBiases, c.CriticInputActivations,
		c.CriticOutputLayers, c.CriticOutputBiases,
		c.CriticOutputActivations, init)
	if err != nil {
		return nil, fmt.Errorf("createagent: could not construct "+
			"critic: %v", err)
	}

	return New(obsSpec, actionSpec, actor, critic1, critic2,
		c.sacConfig(), seed)
}
