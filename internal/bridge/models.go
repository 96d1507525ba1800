package bridge

import (
	"encoding/json"
	"strings"
)

// ModelInfo is one entry from the get_available_models RPC.
type ModelInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Provider string `json:"provider"`
}

// ParseModels decodes the data payload of a get_available_models response.
// The child emits either a bare array or {"models": [...]}.
func ParseModels(data json.RawMessage) ([]ModelInfo, error) {
	var list []ModelInfo
	if err := json.Unmarshal(data, &list); err == nil {
		return list, nil
	}
	var wrapped struct {
		Models []ModelInfo `json:"models"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, err
	}
	return wrapped.Models, nil
}

// Label renders a model for display: "Name (provider/id)" when a name is set,
// otherwise the bare id.
func (m ModelInfo) Label() string {
	if m.Name == "" {
		return m.ID
	}
	if m.Provider == "" {
		return m.Name + " (" + m.ID + ")"
	}
	return m.Name + " (" + m.Provider + "/" + m.ID + ")"
}

// MatchModel returns the first model whose id, name, or provider/id contains
// query, case-insensitively. The second result reports whether a match was
// found.
func MatchModel(models []ModelInfo, query string) (ModelInfo, bool) {
	q := strings.ToLower(query)
	for _, m := range models {
		if strings.Contains(strings.ToLower(m.ID), q) ||
			strings.Contains(strings.ToLower(m.Name), q) ||
			strings.Contains(strings.ToLower(m.Provider+"/"+m.ID), q) {
			return m, true
		}
	}
	return ModelInfo{}, false
}
