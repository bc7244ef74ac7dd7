package agent

import (
	"fmt"
	"reflect"

	"github.com/StaminaTang/pisac/spec"
)

// Config represents a configuration for creating an agent
type Config interface {
	// CreateAgent creates the agent that the config describes. The
	// agent acts on environments with the argument observation and
	// action specifications.
	CreateAgent(obsSpec, actionSpec spec.Environment,
		seed uint64) (Agent, error)

	// ValidAgent returns whether the argument agent is valid for the
	// Config
	ValidAgent(Agent) bool

	// Validate returns an error describing whether or not the
	// configuration is valid or not.
	Validate() error
}

// ConfigList represents a list of Config's of a common Type.
//
// A ConfigList stores the cartesian product of hyperparameter
// settings in a more efficient manner than simply using a slice of
// Config's: each field of a ConfigList is a slice of settings for the
// same-named field of its Config, and each index of the list refers
// to one combination of settings. Use ConfigAt to materialize the
// Config at an index.
type ConfigList interface {
	// Config returns an empty Config of the same type as that stored
	// by the ConfigList
	Config() Config

	// Type returns the type of Config stored in the list
	Type() Type

	// NumFields returns the number of settable fields in a Config
	NumFields() int

	// Len returns the number of Config's in the list
	Len() int
}

// ConfigAt returns the Config at index i of a ConfigList.
//
// Config's are ordered by the cartesian product of the ConfigList's
// fields. The first field of the list varies fastest, and each later
// field varies once per full cycle of the fields before it. Fields of
// the ConfigList are matched to fields of its Config by name, so a
// ConfigList must use the same field names as its Config.
func ConfigAt(i int, configs ConfigList) Config {
	if i < 0 || i >= configs.Len() {
		panic(fmt.Sprintf("configat: index out of range [%v] with "+
			"length %v", i, configs.Len()))
	}

	listValue := reflect.ValueOf(configs)
	listType := listValue.Type()

	config := configs.Config()
	configValue := reflect.New(reflect.TypeOf(config)).Elem()

	for field := 0; field < configs.NumFields(); field++ {
		settings := listValue.Field(field)
		name := listType.Field(field).Name

		configField := configValue.FieldByName(name)
		if !configField.IsValid() {
			panic(fmt.Sprintf("configat: %v has no field %v to match "+
				"its ConfigList", reflect.TypeOf(config), name))
		}

		numSettings := settings.Len()
		configField.Set(settings.Index(i % numSettings))
		i /= numSettings
	}

	return configValue.Interface().(Config)
}
