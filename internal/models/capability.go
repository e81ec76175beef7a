// Package models defines the capability result contract shared by the
// dispatcher and every capability provider.
package models

// Provenance distinguishes a result obtained from a live source from one
// produced by a degraded fallback path. Fallback results must be disclosed
// to the user, never silently substituted.
type Provenance string

// Provenance constants.
const (
	ProvenanceLive     Provenance = "live"
	ProvenanceFallback Provenance = "fallback"
)

// CapabilityResult is the uniform outcome of a capability invocation.
// Handlers never panic or return Go errors to callers; every failure mode
// is encoded here so the orchestrator has one code path for all of them.
type CapabilityResult struct {
	Capability string                 `json:"capability"`
	Success    bool                   `json:"success"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Provenance Provenance             `json:"provenance"`
}

// Degraded reports whether the result came from a fallback path.
func (r CapabilityResult) Degraded() bool {
	return r.Provenance == ProvenanceFallback
}

// Usable reports whether the orchestrator can proceed with this result,
// either live data or degraded-but-present fallback data.
func (r CapabilityResult) Usable() bool {
	return r.Success && len(r.Data) > 0
}

// String fetches a string field from the result data, with "" for absent
// or mistyped values.
func (r CapabilityResult) String(key string) string {
	s, _ := r.Data[key].(string)
	return s
}

// Bool fetches a boolean field from the result data.
func (r CapabilityResult) Bool(key string) bool {
	b, _ := r.Data[key].(bool)
	return b
}

// Float fetches a numeric field from the result data. JSON round-trips
// deliver numbers as float64.
func (r CapabilityResult) Float(key string) float64 {
	switch v := r.Data[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}
