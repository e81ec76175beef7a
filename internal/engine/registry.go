// Package engine implements the RefillPipe conversation core.
//
// This file implements the capability registry and dispatcher. Every
// external capability — lookups, safety checks, order submission — is
// invoked through one code path that centralizes timeout, panic, and
// fallback semantics, so a new capability inherits correct behavior by
// being registered rather than by re-implementing it.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/RefillPipe/internal/models"
	"github.com/google/uuid"
)

// Capability name constants. Providers register under these names and the
// per-state handlers invoke them by name.
const (
	CapMedicationLookup       = "medication_lookup"
	CapDosageCheck            = "dosage_check"
	CapInsuranceAuthorization = "insurance_authorization"
	CapPharmacySearch         = "pharmacy_search"
	CapSubmitOrder            = "submit_order"
	CapTrackOrder             = "track_order"
	CapCancelOrder            = "cancel_order"
)

// ArgIdempotencyKey is the argument key carrying the caller-supplied
// idempotency key for write capabilities.
const ArgIdempotencyKey = "idempotency_key"

// DefaultCapabilityTimeout bounds a single capability invocation.
const DefaultCapabilityTimeout = 10 * time.Second

// Handler executes a capability. Returning an error is how a handler
// reports failure; the dispatcher translates it (and any panic) into a
// CapabilityResult, so callers never see a Go error from Invoke.
type Handler func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error)

// FallbackFunc produces degraded data when the live handler fails or times
// out. Returning nil means no fallback exists for these arguments.
type FallbackFunc func(args map[string]interface{}) map[string]interface{}

// Capability describes one registered external capability.
type Capability struct {
	Name    string
	Timeout time.Duration
	// Write marks non-idempotent capabilities (order submission). The
	// dispatcher requires an idempotency key for these and never
	// substitutes fallback data for them.
	Write    bool
	Handler  Handler
	Fallback FallbackFunc
}

// Registry maps capability names to handlers and records, per workflow
// state, which capabilities are expected to be relevant there. The
// per-state declaration is used for planning and telemetry; it is not a
// hard restriction.
type Registry struct {
	mu        sync.RWMutex
	caps      map[string]Capability
	stateCaps map[models.WorkflowState][]string
	metrics   MetricsRecorder
}

// NewRegistry creates an empty capability registry.
func NewRegistry() *Registry {
	return &Registry{
		caps:      make(map[string]Capability),
		stateCaps: make(map[models.WorkflowState][]string),
	}
}

// SetMetrics attaches a metrics recorder. May be left unset in tests.
func (r *Registry) SetMetrics(m MetricsRecorder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = m
}

// Register adds a capability to the registry. Registering the same name
// twice is a wiring bug and fails loudly.
func (r *Registry) Register(c Capability) error {
	if c.Name == "" || c.Handler == nil {
		return fmt.Errorf("capability requires a name and a handler")
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultCapabilityTimeout
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.caps[c.Name]; exists {
		return fmt.Errorf("capability %q already registered", c.Name)
	}
	r.caps[c.Name] = c
	slog.Debug("Registry.Register: capability registered", "name", c.Name, "write", c.Write, "timeout", c.Timeout)
	return nil
}

// Declare records which capabilities are relevant in a workflow state.
func (r *Registry) Declare(state models.WorkflowState, names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stateCaps[state] = append(r.stateCaps[state], names...)
}

// CapabilitiesFor returns the capability names declared relevant for the
// state, sorted for stable telemetry output.
func (r *Registry) CapabilitiesFor(state models.WorkflowState) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := append([]string(nil), r.stateCaps[state]...)
	sort.Strings(names)
	return names
}

// Invoke runs the named capability with the dispatcher's uniform failure
// semantics: bounded by the capability's timeout, panics converted to
// failures, and fallback data (marked with fallback provenance) substituted
// when the live path fails and a fallback exists. Write capabilities never
// fall back and must carry an idempotency key.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]interface{}) models.CapabilityResult {
	r.mu.RLock()
	c, ok := r.caps[name]
	metrics := r.metrics
	r.mu.RUnlock()

	if !ok {
		slog.Error("Registry.Invoke: unknown capability", "name", name)
		return models.CapabilityResult{
			Capability: name,
			Success:    false,
			Error:      fmt.Sprintf("unknown capability: %s", name),
			Provenance: models.ProvenanceLive,
		}
	}
	if c.Write {
		if key, _ := args[ArgIdempotencyKey].(string); key == "" {
			return models.CapabilityResult{
				Capability: name,
				Success:    false,
				Error:      "write capability invoked without idempotency key",
				Provenance: models.ProvenanceLive,
			}
		}
	}

	data, err := r.run(ctx, c, args)
	result := models.CapabilityResult{Capability: name, Provenance: models.ProvenanceLive}
	switch {
	case err == nil:
		result.Success = true
		result.Data = data
	case !c.Write && c.Fallback != nil:
		if degraded := c.Fallback(args); degraded != nil {
			slog.Warn("Registry.Invoke: live path failed, using fallback data",
				"name", name, "error", err)
			result.Success = true
			result.Data = degraded
			result.Provenance = models.ProvenanceFallback
			break
		}
		fallthrough
	default:
		slog.Error("Registry.Invoke: capability failed", "name", name, "error", err)
		result.Success = false
		result.Error = err.Error()
	}

	if metrics != nil {
		metrics.RecordCapability(name, result.Provenance, result.Success)
	}
	return result
}

// run executes the handler under the capability timeout, converting panics
// into errors so no capability can take the turn down with it.
func (r *Registry) run(ctx context.Context, c Capability, args map[string]interface{}) (data map[string]interface{}, err error) {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	type outcome struct {
		data map[string]interface{}
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: fmt.Errorf("capability %s panicked: %v", c.Name, rec)}
			}
		}()
		d, e := c.Handler(ctx, args)
		done <- outcome{data: d, err: e}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("capability %s timed out after %s: %w", c.Name, c.Timeout, ctx.Err())
	case out := <-done:
		return out.data, out.err
	}
}

// OrderIdempotencyKey derives a deterministic idempotency key from the
// session and the slots that define the order, so a retried confirmation
// turn re-submits with the same key and creates exactly one order.
func OrderIdempotencyKey(s *models.Session) string {
	med, dose, pharmacy := "", "", ""
	if s.Slots.Medication != nil {
		med = s.Slots.Medication.Name
	}
	if s.Slots.Dosage != nil {
		dose = s.Slots.Dosage.Amount
	}
	if s.Slots.Pharmacy != nil {
		pharmacy = s.Slots.Pharmacy.ID
	}
	seed := fmt.Sprintf("%s|%s|%s|%s", s.ID, med, dose, pharmacy)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(seed)).String()
}
