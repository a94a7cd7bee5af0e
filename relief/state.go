package relief

import (
	"encoding/json"
	"fmt"
)

// State is a step of the relief pipeline.
type State int

const (
	Idle State = iota
	Encoding
	AwaitingPrediction
	DecodingDepthImage
	ExtractingHeightField
	Blurring
	GeneratingMesh
	Error
)

var stateNames = [...]string{
	Idle:                  "Idle",
	Encoding:              "Encoding",
	AwaitingPrediction:    "AwaitingPrediction",
	DecodingDepthImage:    "DecodingDepthImage",
	ExtractingHeightField: "ExtractingHeightField",
	Blurring:              "Blurring",
	GeneratingMesh:        "GeneratingMesh",
	Error:                 "Error",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "Unknown"
	}
	return stateNames[s]
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	for i, name := range stateNames {
		if name == str {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", str)
}
