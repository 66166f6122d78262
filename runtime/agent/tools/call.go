package tools

import "encoding/json"

// Call is a proposed invocation parsed from a model response. The loop resolves
// Version at proposal time and assigns Sequence from the run-wide call counter.
// Calls are not persisted on their own: each one is folded into an Envelope.
type Call struct {
	// Name is the tool name requested by the model.
	Name string
	// Version is the resolved tool version.
	Version string
	// Input is the JSON payload requested by the model.
	Input json.RawMessage
	// Sequence is the position of the call within the run.
	Sequence int
	// ProviderID is the identifier the model provider assigned to the request,
	// kept for correlation only.
	ProviderID string
}

// Ident returns the canonical "name@version" identifier of the call target.
func (c Call) Ident() string {
	return Ident(c.Name, c.Version)
}
