package domain

import (
	"encoding/json"
	"fmt"
	"maps"

	"github.com/google/uuid"
)

// Defaults of a parameter set created without explicit values.
const (
	DefaultScenarioDuration       = 50.0
	DefaultContingenciesStartTime = 5.0
)

// ParameterSet is a stored set of analysis parameters.
type ParameterSet struct {
	ID                     uuid.UUID   `json:"id"`
	Provider               string      `json:"provider,omitempty"`
	ScenarioDuration       float64     `json:"scenarioDuration"`
	ContingenciesStartTime float64     `json:"contingenciesStartTime"`
	ContingencyListIDs     []uuid.UUID `json:"contingencyListIds"`
}

// DefaultParameterSet returns a parameter set with default values.
func DefaultParameterSet(provider string) ParameterSet {
	return ParameterSet{
		Provider:               provider,
		ScenarioDuration:       DefaultScenarioDuration,
		ContingenciesStartTime: DefaultContingenciesStartTime,
		ContingencyListIDs:     []uuid.UUID{},
	}
}

// DynamicModelConfig declares which behavioral model applies to a group of
// network elements.
type DynamicModelConfig struct {
	Model      string          `json:"model"`
	Group      string          `json:"group"`
	GroupType  string          `json:"groupType,omitempty"`
	Properties []ModelProperty `json:"properties,omitempty"`
}

// ModelProperty is one typed value of a dynamic model declaration.
type ModelProperty struct {
	Name  string `json:"name"`
	Value string `json:"value"`
	Type  string `json:"type,omitempty"`
}

// SimulationParameters are the prior-stage engine parameters. Fields other
// than the time window are kept verbatim so engine extensions survive a
// decode/encode cycle.
type SimulationParameters struct {
	StartTime float64
	StopTime  float64
	Extra     map[string]json.RawMessage
}

func (p *SimulationParameters) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for key, dst := range map[string]*float64{"startTime": &p.StartTime, "stopTime": &p.StopTime} {
		if v, ok := raw[key]; ok {
			if err := json.Unmarshal(v, dst); err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			delete(raw, key)
		}
	}
	p.Extra = raw
	return nil
}

func (p SimulationParameters) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.Extra)+2)
	for k, v := range p.Extra {
		out[k] = v
	}
	out["startTime"] = p.StartTime
	out["stopTime"] = p.StopTime
	return json.Marshal(out)
}

// EngineParameters are the merged parameters handed to an engine.
type EngineParameters struct {
	Simulation             SimulationParameters `json:"dynamicSimulationParameters"`
	ContingenciesStartTime float64              `json:"contingenciesStartTime"`
}

// MergeParameters derives the engine parameters of a run: the scenario starts
// where the prior stage stopped and lasts the requested scenario duration.
func MergeParameters(prior SimulationParameters, set ParameterSet) EngineParameters {
	merged := SimulationParameters{
		StartTime: prior.StopTime,
		StopTime:  prior.StopTime + set.ScenarioDuration,
		Extra:     maps.Clone(prior.Extra),
	}
	return EngineParameters{
		Simulation:             merged,
		ContingenciesStartTime: set.ContingenciesStartTime,
	}
}
