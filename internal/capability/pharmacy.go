package capability

import (
	"context"
	"fmt"
	"strings"

	"github.com/BTreeMap/RefillPipe/internal/models"
)

// PharmacySearch lists the pharmacies that carry a medication, with stock
// and pricing. Every pharmacy whose inventory mentions the medication is
// returned, in stock or not, so the caller can record exhausted options.
func (p *Providers) PharmacySearch(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	patientID := stringArg(args, "patient_id")
	medication := strings.ToLower(strings.TrimSpace(stringArg(args, "medication")))
	if medication == "" {
		return nil, fmt.Errorf("pharmacy search requires a medication")
	}

	var options []models.PharmacyOption
	for _, ph := range p.catalog.Pharmacies {
		entry, carries := ph.Inventory[medication]
		if !carries {
			continue
		}
		options = append(options, models.PharmacyOption{
			ID:      ph.ID,
			Name:    ph.Name,
			Address: ph.Address,
			InStock: entry.InStock,
			Price:   entry.Price,
		})
	}
	if len(options) == 0 {
		return nil, fmt.Errorf("no pharmacy carries %s", medication)
	}

	data := map[string]interface{}{"pharmacies": options}
	p.remember(p.inventoryCache, cacheKey(patientID, medication), data)
	return data, nil
}

// PharmacySearchFallback serves the last stock listing cached for this
// patient and medication.
func (p *Providers) PharmacySearchFallback(args map[string]interface{}) map[string]interface{} {
	key := cacheKey(stringArg(args, "patient_id"), strings.ToLower(strings.TrimSpace(stringArg(args, "medication"))))
	return p.recall(p.inventoryCache, key)
}
