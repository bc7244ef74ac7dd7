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
	// Register ConfigList types so that they can be typed using
	// agent.TypedConfigList to help with serialization and
	// deserialization.
	agent.Register(agent.GaussianSACMLP, MLPConfigList{})
}

// MLPConfigList implements a list of MLPConfig's in a more efficient
// manner than simply using a slice of MLPConfig's.
type MLPConfigList struct {
	// Policy network: trunk layers shared by the distribution heads,
	// then the mean and log standard deviation head layers
	PolicyRootLayers      [][]int
	PolicyRootBiases      [][]bool
	PolicyRootActivations [][]*network.Activation
	PolicyLeafLayers      [][][]int
	PolicyLeafBiases      [][][]bool
	PolicyLeafActivations [][][]*network.Activation

	// Critic networks: observation and action root layers, then the
	// layers of the value head reading their concatenation
	CriticRootLayers      [][][]int
	CriticRootBiases      [][][]bool
	CriticRootActivations [][][]*network.Activation
	CriticLeafLayers      [][]int
	CriticLeafBiases      [][]bool
	CriticLeafActivations [][]*network.Activation

	// Initialization algorithm for weights
	InitWFn []*initwfn.InitWFn

	// Solvers for learning weights
	CriticSolver []*solver.Solver
	ActorSolver  []*solver.Solver
	AlphaSolver  []*solver.Solver

	BatchSize []int

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

// NewMLPConfigList returns a new MLPConfigList as an
// agent.TypedConfigList. Because the returned value is a TypedList,
// it can safely be JSON serialized and deserialized without
// specifying what the type of the ConfigList is.
func NewMLPConfigList(
	PolicyRootLayers [][]int,
	PolicyRootBiases [][]bool,
	PolicyRootActivations [][]*network.Activation,
	PolicyLeafLayers [][][]int,
	PolicyLeafBiases [][][]bool,
	PolicyLeafActivations [][][]*network.Activation,
	CriticRootLayers [][][]int,
	CriticRootBiases [][][]bool,
	CriticRootActivations [][][]*network.Activation,
	CriticLeafLayers [][]int,
	CriticLeafBiases [][]bool,
	CriticLeafActivations [][]*network.Activation,
	InitWFn []*initwfn.InitWFn,
	CriticSolver []*solver.Solver,
	ActorSolver []*solver.Solver,
	AlphaSolver []*solver.Solver,
	BatchSize []int,
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
	configs := MLPConfigList{
		PolicyRootLayers:      PolicyRootLayers,
		PolicyRootBiases:      PolicyRootBiases,
		PolicyRootActivations: PolicyRootActivations,
		PolicyLeafLayers:      PolicyLeafLayers,
		PolicyLeafBiases:      PolicyLeafBiases,
		PolicyLeafActivations: PolicyLeafActivations,
		CriticRootLayers:      CriticRootLayers,
		CriticRootBiases:      CriticRootBiases,
		CriticRootActivations: CriticRootActivations,
		CriticLeafLayers:      CriticLeafLayers,
		CriticLeafBiases:      CriticLeafBiases,
		CriticLeafActivations: CriticLeafActivations,
		InitWFn:               InitWFn,
		CriticSolver:          CriticSolver,
		ActorSolver:           ActorSolver,
		AlphaSolver:           AlphaSolver,
		BatchSize:             BatchSize,
		Gamma:                 Gamma,
		Tau:                   Tau,
		TargetUpdatePeriod:    TargetUpdatePeriod,
		InitialLogAlpha:       InitialLogAlpha,
		TargetEntropy:         TargetEntropy,
		QReduction:            QReduction,
		RedqSampleSize:        RedqSampleSize,
		RewardScale:           RewardScale,
		RewardShift:           RewardShift,
		AugCriticWeight:       AugCriticWeight,
		ExternalTrainStep:     ExternalTrainStep,
	}

	return agent.NewTypedConfigList(configs)
}

// Type returns the type of Config stored in the list
func (c MLPConfigList) Type() agent.Type {
	return agent.GaussianSACMLP
}

// NumFields returns the number of settable fields in a Config
func (c MLPConfigList) NumFields() int {
	rValue := reflect.ValueOf(c)
	return rValue.NumField()
}

// Config returns an empty Config of the same type as that stored
// by the ConfigList
func (c MLPConfigList) Config() agent.Config {
	return MLPConfig{}
}

// Len returns the number of Config's in the list
func (c MLPConfigList) Len() int {
	return len(c.PolicyRootLayers) * len(c.PolicyRootBiases) *
		len(c.PolicyRootActivations) * len(c.PolicyLeafLayers) *
		len(c.PolicyLeafBiases) * len(c.PolicyLeafActivations) *
		len(c.CriticRootLayers) * len(c.CriticRootBiases) *
		len(c.CriticRootActivations) * len(c.CriticLeafLayers) *
		len(c.CriticLeafBiases) * len(c.CriticLeafActivations) *
		len(c.InitWFn) * len(c.CriticSolver) * len(c.ActorSolver) *
		len(c.AlphaSolver) * len(c.BatchSize) * len(c.Gamma) *
		len(c.Tau) * len(c.TargetUpdatePeriod) * len(c.InitialLogAlpha) *
		len(c.TargetEntropy) * len(c.QReduction) * len(c.RedqSampleSize) *
		len(c.RewardScale) * len(c.RewardShift) * len(c.AugCriticWeight) *
		len(c.ExternalTrainStep)
}

// MLPConfig implements a configuration for a feed-forward soft
// actor-critic agent with a squashed Gaussian policy. The policy is a
// tree MLP whose trunk feeds a mean head and a log standard deviation
// head; each critic is a reversed tree MLP whose observation and
// action roots feed a single action value head. Agents built from an
// MLPConfig train on single transitions.
type MLPConfig struct {
	PolicyRootLayers      []int
	PolicyRootBiases      []bool
	PolicyRootActivations []*network.Activation
	PolicyLeafLayers      [][]int
	PolicyLeafBiases      [][]bool
	PolicyLeafActivations [][]*network.Activation

	CriticRootLayers      [][]int
	CriticRootBiases      [][]bool
	CriticRootActivations [][]*network.Activation
	CriticLeafLayers      []int
	CriticLeafBiases      []bool
	CriticLeafActivations []*network.Activation

	// Initialization algorithm for weights
	InitWFn *initwfn.InitWFn

	// Solvers for learning weights
	CriticSolver *solver.Solver
	ActorSolver  *solver.Solver
	AlphaSolver  *solver.Solver

	BatchSize int

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
func (c MLPConfig) Type() agent.Type {
	return agent.GaussianSACMLP
}

// sacConfig assembles the algorithm configuration from the
// hyperparameter fields
func (c MLPConfig) sacConfig() Config {
	return Config{
		Gamma:              c.Gamma,
		Tau:                c.Tau,
		TargetUpdatePeriod: c.TargetUpdatePeriod,
		InitialLogAlpha:    c.InitialLogAlpha,
		TargetEntropy:      c.TargetEntropy,
		QReduction:         c.QReduction,
		RedqSampleSize:     c.RedqSampleSize,
		RewardScale:        c.RewardScale,
		RewardShift:        c.RewardShift,
		AugCriticWeight:    c.AugCriticWeight,
		ExternalTrainStep:  c.ExternalTrainStep,
		CriticSolver:       c.CriticSolver,
		ActorSolver:        c.ActorSolver,
		AlphaSolver:        c.AlphaSolver,
	}
}

// Validate checks the Config to ensure it is a valid configuration of
// a soft actor-critic agent
func (c MLPConfig) Validate() error {
	if c.BatchSize < 1 {
		return fmt.Errorf("new: batch size must be positive \n\thave(%v)",
			c.BatchSize)
	}
	if c.InitWFn == nil {
		return fmt.Errorf("new: no weight initializer given")
	}

	if len(c.PolicyRootLayers) != len(c.PolicyRootBiases) {
		return fmt.Errorf("new: invalid number of policy root biases "+
			"\n\twant(%v) \n\thave(%v)", len(c.PolicyRootLayers),
			len(c.PolicyRootBiases))
	}
	if len(c.PolicyRootLayers) != len(c.PolicyRootActivations) {
		return fmt.Errorf("new: invalid number of policy root "+
			"activations \n\twant(%v) \n\thave(%v)",
			len(c.PolicyRootLayers), len(c.PolicyRootActivations))
	}
	if len(c.PolicyLeafLayers) != 2 {
		return fmt.Errorf("new: gaussian policies require 2 leaf "+
			"networks \n\twant(2) \n\thave(%v)", len(c.PolicyLeafLayers))
	}
	if len(c.PolicyLeafLayers) != len(c.PolicyLeafBiases) {
		return fmt.Errorf("new: invalid number of policy leaf biases "+
			"\n\twant(%v) \n\thave(%v)", len(c.PolicyLeafLayers),
			len(c.PolicyLeafBiases))
	}
	if len(c.PolicyLeafLayers) != len(c.PolicyLeafActivations) {
		return fmt.Errorf("new: invalid number of policy leaf "+
			"activations \n\twant(%v) \n\thave(%v)",
			len(c.PolicyLeafLayers), len(c.PolicyLeafActivations))
	}

	if len(c.CriticRootLayers) != 2 {
		return fmt.Errorf("new: critics take an observation root and "+
			"an action root \n\twant(2) \n\thave(%v)",
			len(c.CriticRootLayers))
	}
	if len(c.CriticRootLayers) != len(c.CriticRootBiases) {
		return fmt.Errorf("new: invalid number of critic root biases "+
			"\n\twant(%v) \n\thave(%v)", len(c.CriticRootLayers),
			len(c.CriticRootBiases))
	}
	if len(c.CriticRootLayers) != len(c.CriticRootActivations) {
		return fmt.Errorf("new: invalid number of critic root "+
			"activations \n\twant(%v) \n\thave(%v)",
			len(c.CriticRootLayers), len(c.CriticRootActivations))
	}
	if len(c.CriticLeafLayers) != len(c.CriticLeafBiases) {
		return fmt.Errorf("new: invalid number of critic leaf biases "+
			"\n\twant(%v) \n\thave(%v)", len(c.CriticLeafLayers),
			len(c.CriticLeafBiases))
	}
	if len(c.CriticLeafLayers) != len(c.CriticLeafActivations) {
		return fmt.Errorf("new: invalid number of critic leaf "+
			"activations \n\twant(%v) \n\thave(%v)",
			len(c.CriticLeafLayers), len(c.CriticLeafActivations))
	}

	return c.sacConfig().Validate()
}

// ValidAgent returns whether the agent is valid for the
// configuration. That is, whether Agent a can be constructed with
// MLPConfig c.
func (c MLPConfig) ValidAgent(a agent.Agent) bool {
	_, ok := a.(*SAC)
	return ok
}

// CreateAgent creates a new soft actor-critic agent based on the
// configuration
func (c MLPConfig) CreateAgent(obsSpec, actionSpec spec.Environment,
	seed uint64) (agent.Agent, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	init := c.InitWFn.InitWFn()

	actor, err := policy.NewGaussianMLP(obsSpec, actionSpec, c.BatchSize,
		c.PolicyRootLayers, c.PolicyRootBiases, c.PolicyRootActivations,
		c.PolicyLeafLayers, c.PolicyLeafBiases, c.PolicyLeafActivations,
		init, seed)
	if err != nil {
		return nil, fmt.Errorf("createagent: could not construct "+
			"policy: %v", err)
	}

	features := []int{obsSpec.Shape.Len(), actionSpec.Shape.Len()}
	critic1, err := network.NewRevTreeMLP(features, c.BatchSize, 1,
		G.NewGraph(), c.CriticRootLayers, c.CriticRootBiases,
		c.CriticRootActivations, c.CriticLeafLayers, c.CriticLeafBiases,
		c.CriticLeafActivations, init)
	if err != nil {
		return nil, fmt.Errorf("createagent: could not construct "+
			"critic: %v", err)
	}
	critic2, err := network.NewRevTreeMLP(features, c.BatchSize, 1,
		G.NewGraph(), c.CriticRootLayers, c.CriticRootBiases,
		c.CriticRootActivations, c.CriticLeafLayers, c.CriticLeafBiases,
		c.CriticLeafActivations, init)
	if err != nil {
		return nil, fmt.Errorf("createagent: could not construct "+
			"critic: %v", err)
	}

	return New(obsSpec, actionSpec, actor, critic1, critic2,
		c.sacConfig(), seed)
}
