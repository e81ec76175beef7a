package capability

import (
	"fmt"

	"github.com/BTreeMap/RefillPipe/internal/engine"
	"github.com/BTreeMap/RefillPipe/internal/models"
)

// RegisterAll wires the providers into a capability registry under the
// names the engine invokes, and declares which capabilities each workflow
// state relies on. Read capabilities carry cache-backed fallbacks; the
// order writes do not, so a failed submission is surfaced instead of
// faked.
func RegisterAll(reg *engine.Registry, p *Providers) error {
	caps := []engine.Capability{
		{Name: engine.CapMedicationLookup, Handler: p.MedicationLookup, Fallback: p.MedicationLookupFallback},
		{Name: engine.CapDosageCheck, Handler: p.DosageCheck, Fallback: p.DosageCheckFallback},
		{Name: engine.CapInsuranceAuthorization, Handler: p.InsuranceAuthorization, Fallback: p.InsuranceAuthorizationFallback},
		{Name: engine.CapPharmacySearch, Handler: p.PharmacySearch, Fallback: p.PharmacySearchFallback},
		{Name: engine.CapSubmitOrder, Handler: p.SubmitOrder, Write: true},
		{Name: engine.CapTrackOrder, Handler: p.TrackOrder},
		{Name: engine.CapCancelOrder, Handler: p.CancelOrder, Write: true},
	}
	for _, c := range caps {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("failed to register capability %s: %w", c.Name, err)
		}
	}

	reg.Declare(models.StateStart, engine.CapMedicationLookup)
	reg.Declare(models.StateIdentifyMedication, engine.CapMedicationLookup)
	reg.Declare(models.StateClarifyMedication, engine.CapMedicationLookup)
	reg.Declare(models.StateConfirmDosage, engine.CapDosageCheck)
	reg.Declare(models.StateCheckAuthorization, engine.CapInsuranceAuthorization)
	reg.Declare(models.StateSelectPharmacy, engine.CapPharmacySearch)
	reg.Declare(models.StateConfirmOrder, engine.CapSubmitOrder)
	reg.Declare(models.StateComplete, engine.CapTrackOrder, engine.CapCancelOrder)
	return nil
}
