package agent

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// Type represents a specific type of agent Config. Config's with this
// type create Agents of the corresponding type.
//
// For example, if a Config has Type GaussianSACMLP, then the Config
// is used to construct soft actor-critic agents using Gaussian
// policies over feed-forward networks.
type Type string

const (
	GaussianSACMLP Type = "GaussianSAC-MLP"
	GaussianSACRNN Type = "GaussianSAC-RNN"
)

// Registered types with the package. Once a Type has been registered
// with this map, a ConfigList with that type can be deserialized into
// its concrete type.
//
// No Type's are registered with this package upon initialization.
// Each separate package is in charge of registering its own Type with
// the package to avoid circular imports.
var registeredTypes map[Type]reflect.Type

func init() {
	registeredTypes = make(map[Type]reflect.Type)
}

// Register registers an agent's Type with a concrete ConfigList type
// so that upon deserialization of a TypedConfigList, ConfigLists of
// type agentType are deserialized into the concrete type of configs.
func Register(agentType Type, configs ConfigList) {
	registeredTypes[agentType] = reflect.TypeOf(configs)
}

// TypedConfigList implements functionality for typing a ConfigList.
// In this way, a ConfigList can explicitly have its type stored so
// that when deserializing the ConfigList, we can deserialize it into
// its concrete type without declaring beforehand a variable of its
// concrete type.
type TypedConfigList struct {
	Type
	ConfigList
}

// NewTypedConfigList types the argument ConfigList and returns it
// as a TypedConfigList which explicitly holds its Type.
func NewTypedConfigList(c ConfigList) TypedConfigList {
	return TypedConfigList{Type: c.Type(), ConfigList: c}
}

// At returns the Config at index i in the TypedConfigList
func (t *TypedConfigList) At(i int) Config {
	return ConfigAt(i, t.ConfigList)
}

// UnmarshalJSON implements the json.Unmarshaller interface
func (t *TypedConfigList) UnmarshalJSON(data []byte) error {
	configs, typeName, err := unmarshalConfigList(
		data,
		"Type",
		"ConfigList")
	if err != nil {
		return err
	}

	t.Type = typeName
	t.ConfigList = configs

	return nil
}

// unmarshalConfigList uses reflection to unmarshal a ConfigList into
// its concrete type. Both the ConfigList and its Type are returned.
func unmarshalConfigList(data []byte, typeJSONField,
	valueJSONField string) (ConfigList, Type, error) {
	m := map[string]interface{}{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, "", err
	}

	typeField, ok := m[typeJSONField].(string)
	if !ok {
		return nil, "", fmt.Errorf("unmarshalconfiglist: no %v field "+
			"in JSON data", typeJSONField)
	}
	typeName := Type(typeField)

	concreteType, found := registeredTypes[typeName]
	if !found {
		return nil, "", fmt.Errorf("unmarshalconfiglist: no "+
			"ConfigList registered for type %v", typeName)
	}
	value := reflect.New(concreteType).Interface().(ConfigList)

	valueBytes, err := json.Marshal(m[valueJSONField])
	if err != nil {
		return nil, "", err
	}

	if err := json.Unmarshal(valueBytes, &value); err != nil {
		return nil, "", err
	}
	concreteValue := reflect.ValueOf(value).Elem().Interface().(ConfigList)

	return concreteValue, typeName, nil
}
