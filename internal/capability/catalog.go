// Package capability implements the built-in capability providers that
// back the conversation engine's registry: medication history lookup,
// dosage safety checks, insurance authorization, pharmacy search, and
// order submission and tracking.
//
// The providers are driven by a YAML catalog of patients, prescriptions,
// plans, and pharmacies, so a deployment can run end to end against seed
// data while real integrations are swapped in behind the same registry
// names.
package capability

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed seed.yaml
var seedCatalog []byte

// Catalog is the root of the provider seed data.
type Catalog struct {
	Patients   []Patient  `yaml:"patients"`
	Pharmacies []Pharmacy `yaml:"pharmacies"`
}

// Patient holds one patient's plan and prescription history.
type Patient struct {
	ID          string       `yaml:"id"`
	Name        string       `yaml:"name"`
	Phone       string       `yaml:"phone"`
	Plan        Plan         `yaml:"plan"`
	Medications []Medication `yaml:"medications"`
}

// Plan is a patient's insurance plan with its formulary.
type Plan struct {
	Name      string           `yaml:"name"`
	Formulary []FormularyEntry `yaml:"formulary"`
}

// FormularyEntry describes one medication's coverage under a plan.
type FormularyEntry struct {
	Medication        string  `yaml:"medication"`
	Covered           bool    `yaml:"covered"`
	PriorAuthRequired bool    `yaml:"prior_auth_required"`
	Copay             float64 `yaml:"copay"`
}

// Medication is one prescription on a patient's history.
type Medication struct {
	Name                string  `yaml:"name"`
	Strength            string  `yaml:"strength"`
	Form                string  `yaml:"form"`
	RxNumber            string  `yaml:"rx_number"`
	ControlledSubstance bool    `yaml:"controlled_substance"`
	PrescriptionExpired bool    `yaml:"prescription_expired"`
	RefillsRemaining    int     `yaml:"refills_remaining"`
	Prescriber          string  `yaml:"prescriber"`
	DefaultDosage       string  `yaml:"default_dosage"`
	MaxDailyMilligrams  float64 `yaml:"max_daily_mg"`
}

// Pharmacy is one pharmacy with its per-medication stock and pricing.
type Pharmacy struct {
	ID        string                `yaml:"id"`
	Name      string                `yaml:"name"`
	Address   string                `yaml:"address"`
	Inventory map[string]StockEntry `yaml:"inventory"`
}

// StockEntry is one medication's availability at a pharmacy.
type StockEntry struct {
	InStock bool    `yaml:"in_stock"`
	Price   float64 `yaml:"price"`
}

// LoadCatalog parses a catalog from the given YAML file, or from the
// embedded seed data when path is empty. Medication names are normalized
// to lowercase so lookups are case-insensitive.
func LoadCatalog(path string) (*Catalog, error) {
	data := seedCatalog
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read capability catalog %s: %w", path, err)
		}
		data = b
	}

	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("failed to parse capability catalog: %w", err)
	}
	cat.normalize()
	return &cat, nil
}

func (c *Catalog) normalize() {
	for pi := range c.Patients {
		p := &c.Patients[pi]
		p.Phone = digitsOnly(p.Phone)
		for mi := range p.Medications {
			p.Medications[mi].Name = strings.ToLower(strings.TrimSpace(p.Medications[mi].Name))
		}
		for fi := range p.Plan.Formulary {
			p.Plan.Formulary[fi].Medication = strings.ToLower(strings.TrimSpace(p.Plan.Formulary[fi].Medication))
		}
	}
	for pi := range c.Pharmacies {
		ph := &c.Pharmacies[pi]
		inv := make(map[string]StockEntry, len(ph.Inventory))
		for name, entry := range ph.Inventory {
			inv[strings.ToLower(strings.TrimSpace(name))] = entry
		}
		ph.Inventory = inv
	}
}

// patient returns the patient record for an ID, or nil.
func (c *Catalog) patient(id string) *Patient {
	for i := range c.Patients {
		if c.Patients[i].ID == id {
			return &c.Patients[i]
		}
	}
	return nil
}

func digitsOnly(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
}

// PatientIDByPhone resolves a phone number to a patient ID. Numbers are
// compared digits-only so formatting and country-code prefixes do not
// matter.
func (c *Catalog) PatientIDByPhone(phone string) (string, bool) {
	digits := digitsOnly(phone)
	if digits == "" {
		return "", false
	}
	for i := range c.Patients {
		if c.Patients[i].Phone != "" && strings.HasSuffix(digits, c.Patients[i].Phone) {
			return c.Patients[i].ID, true
		}
	}
	return "", false
}

// matches returns the patient's prescriptions whose name contains the
// query (or vice versa), case-insensitively.
func (p *Patient) matches(query string) []Medication {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil
	}
	var out []Medication
	for _, m := range p.Medications {
		if m.Name == q || strings.Contains(m.Name, q) || strings.Contains(q, m.Name) {
			out = append(out, m)
		}
	}
	return out
}

// formularyEntry returns the plan's entry for a medication, or nil when
// the medication is not on the formulary.
func (p *Plan) formularyEntry(medication string) *FormularyEntry {
	med := strings.ToLower(strings.TrimSpace(medication))
	for i := range p.Formulary {
		if p.Formulary[i].Medication == med {
			return &p.Formulary[i]
		}
	}
	return nil
}
