package capability

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/BTreeMap/RefillPipe/internal/models"
)

// MedicationLookup resolves a mentioned medication against the patient's
// prescription history. The result carries found/ambiguous flags and, for
// a unique match, the full prescription record.
func (p *Providers) MedicationLookup(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	patientID := stringArg(args, "patient_id")
	query := stringArg(args, "medication")
	patient := p.catalog.patient(patientID)
	if patient == nil {
		return nil, fmt.Errorf("unknown patient %q", patientID)
	}

	matches := patient.matches(query)
	switch len(matches) {
	case 0:
		slog.Debug("Providers.MedicationLookup: no match", "patientID", patientID, "query", query)
		return map[string]interface{}{"found": false, "ambiguous": false}, nil
	case 1:
		m := matches[0]
		data := map[string]interface{}{
			"found":     true,
			"ambiguous": false,
			"medication": models.MedicationRecord{
				Name:                m.Name,
				Strength:            m.Strength,
				Form:                m.Form,
				RxNumber:            m.RxNumber,
				ControlledSubstance: m.ControlledSubstance,
				PrescriptionExpired: m.PrescriptionExpired,
				RefillsRemaining:    m.RefillsRemaining,
				Prescriber:          m.Prescriber,
			},
		}
		p.remember(p.lookupCache, cacheKey(patientID, m.Name), data)
		return data, nil
	default:
		names := make([]string, len(matches))
		for i, m := range matches {
			names[i] = m.Name
		}
		return map[string]interface{}{
			"found":     false,
			"ambiguous": true,
			"matches":   strings.Join(names, ", "),
		}, nil
	}
}

// MedicationLookupFallback serves the last successful lookup for this
// patient and medication, or nothing when none was cached.
func (p *Providers) MedicationLookupFallback(args map[string]interface{}) map[string]interface{} {
	key := cacheKey(stringArg(args, "patient_id"), strings.ToLower(strings.TrimSpace(stringArg(args, "medication"))))
	return p.recall(p.lookupCache, key)
}

var doseMilligrams = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*mg`)

// DosageCheck verifies a requested dosage against the prescription's
// dosing limits. An unparseable or absent dosage falls back to the
// prescribed default, which is safe by definition.
func (p *Providers) DosageCheck(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	patientID := stringArg(args, "patient_id")
	medication := stringArg(args, "medication")
	dosageText := stringArg(args, "dosage")

	patient := p.catalog.patient(patientID)
	if patient == nil {
		return nil, fmt.Errorf("unknown patient %q", patientID)
	}
	matches := patient.matches(medication)
	if len(matches) != 1 {
		return nil, fmt.Errorf("medication %q is not uniquely on file for this patient", medication)
	}
	m := matches[0]

	amount, frequency, total, parsed := parseDosage(dosageText)
	if !parsed {
		data := map[string]interface{}{
			"safe":      true,
			"amount":    m.DefaultDosage,
			"frequency": "",
		}
		p.remember(p.dosageCache, cacheKey(patientID, m.Name), data)
		return data, nil
	}

	data := map[string]interface{}{
		"safe":      true,
		"amount":    amount,
		"frequency": frequency,
	}
	if m.MaxDailyMilligrams > 0 && total > m.MaxDailyMilligrams {
		data["safe"] = false
		data["warning"] = fmt.Sprintf("%s exceeds the maximum of %.0f mg per day for %s",
			dosageText, m.MaxDailyMilligrams, m.Name)
		slog.Info("Providers.DosageCheck: dosage exceeds daily limit",
			"patientID", patientID, "medication", m.Name, "requested", dosageText)
	}
	p.remember(p.dosageCache, cacheKey(patientID, m.Name), data)
	return data, nil
}

// DosageCheckFallback serves the last verified dosage for this patient
// and medication.
func (p *Providers) DosageCheckFallback(args map[string]interface{}) map[string]interface{} {
	key := cacheKey(stringArg(args, "patient_id"), strings.ToLower(strings.TrimSpace(stringArg(args, "medication"))))
	return p.recall(p.dosageCache, key)
}

// parseDosage extracts the per-dose milligram amount and a daily
// multiplier from free text like "20 mg twice a day".
func parseDosage(text string) (amount, frequency string, totalMg float64, ok bool) {
	m := doseMilligrams.FindStringSubmatch(strings.ToLower(text))
	if m == nil {
		return "", "", 0, false
	}
	mg, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return "", "", 0, false
	}

	perDay := 1.0
	frequency = "once daily"
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "twice") || strings.Contains(lower, "two times"):
		perDay, frequency = 2, "twice daily"
	case strings.Contains(lower, "three times") || strings.Contains(lower, "thrice"):
		perDay, frequency = 3, "three times daily"
	case strings.Contains(lower, "four times"):
		perDay, frequency = 4, "four times daily"
	}
	return fmt.Sprintf("%s mg", m[1]), frequency, mg * perDay, true
}
