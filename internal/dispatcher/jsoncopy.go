package dispatcher

import "encoding/json"

// marshalRoundtrip deep-copies a JSON-shaped map by round-tripping it
// through encoding/json, decoupling the dispatcher's copy from any caller
// mutation of nested maps/slices (spec.md §3: "deep-copied mapping").
func marshalRoundtrip(in Result) (Result, error) {
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	var out Result
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
