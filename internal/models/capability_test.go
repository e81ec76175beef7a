package models

import "testing"

func TestCapabilityResultAccessors(t *testing.T) {
	res := CapabilityResult{
		Capability: "medication_lookup",
		Success:    true,
		Provenance: ProvenanceLive,
		Data: map[string]interface{}{
			"found":  true,
			"name":   "lisinopril",
			"copay":  5.0,
			"count":  3,
			"weird":  struct{}{},
			"number": "not a float",
		},
	}

	if !res.Bool("found") {
		t.Error("Bool(found) = false, want true")
	}
	if res.Bool("name") {
		t.Error("Bool on a string field = true, want false")
	}
	if got := res.String("name"); got != "lisinopril" {
		t.Errorf("String(name) = %q, want lisinopril", got)
	}
	if got := res.String("missing"); got != "" {
		t.Errorf("String(missing) = %q, want empty", got)
	}
	if got := res.Float("copay"); got != 5.0 {
		t.Errorf("Float(copay) = %v, want 5.0", got)
	}
	if got := res.Float("count"); got != 3 {
		t.Errorf("Float on an int field = %v, want 3", got)
	}
	if got := res.Float("number"); got != 0 {
		t.Errorf("Float on a string field = %v, want 0", got)
	}
	if res.Degraded() {
		t.Error("live result reported degraded")
	}
}

func TestCapabilityResultUsable(t *testing.T) {
	if (CapabilityResult{Success: true}).Usable() {
		t.Error("successful result with no data reported usable")
	}
	if (CapabilityResult{Success: false, Data: map[string]interface{}{"x": 1}}).Usable() {
		t.Error("failed result reported usable")
	}
	degraded := CapabilityResult{
		Success:    true,
		Provenance: ProvenanceFallback,
		Data:       map[string]interface{}{"found": true},
	}
	if !degraded.Usable() || !degraded.Degraded() {
		t.Error("fallback result with data should be usable and degraded")
	}
}
