package capability

import (
	"context"
	"fmt"
	"strings"
)

// InsuranceAuthorization checks a medication's coverage under the
// patient's plan. Medications missing from the formulary are reported as
// not covered rather than failing the call.
func (p *Providers) InsuranceAuthorization(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	patientID := stringArg(args, "patient_id")
	medication := strings.ToLower(strings.TrimSpace(stringArg(args, "medication")))

	patient := p.catalog.patient(patientID)
	if patient == nil {
		return nil, fmt.Errorf("unknown patient %q", patientID)
	}

	data := map[string]interface{}{
		"plan":                patient.Plan.Name,
		"covered":             false,
		"prior_auth_required": false,
	}
	if entry := patient.Plan.formularyEntry(medication); entry != nil {
		data["covered"] = entry.Covered
		data["prior_auth_required"] = entry.PriorAuthRequired
		data["copay"] = entry.Copay
	}
	p.remember(p.coverageCache, cacheKey(patientID, medication), data)
	return data, nil
}

// InsuranceAuthorizationFallback serves the last coverage answer cached
// for this patient and medication.
func (p *Providers) InsuranceAuthorizationFallback(args map[string]interface{}) map[string]interface{} {
	key := cacheKey(stringArg(args, "patient_id"), strings.ToLower(strings.TrimSpace(stringArg(args, "medication"))))
	return p.recall(p.coverageCache, key)
}
