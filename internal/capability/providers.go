package capability

import (
	"sync"
)

// Opts holds configuration for the built-in providers.
type Opts struct {
	// CatalogPath points at a YAML catalog file. Empty means the embedded
	// seed catalog.
	CatalogPath string
}

// Option configures Opts.
type Option func(*Opts)

// WithCatalogPath sets the catalog file the providers load.
func WithCatalogPath(path string) Option {
	return func(o *Opts) { o.CatalogPath = path }
}

// Providers implements the registry handlers over a catalog. Successful
// live results are cached per patient so the fallback paths can serve
// degraded answers without leaking data across patients.
type Providers struct {
	catalog *Catalog

	mu             sync.Mutex
	lookupCache    map[string]map[string]interface{}
	dosageCache    map[string]map[string]interface{}
	coverageCache  map[string]map[string]interface{}
	inventoryCache map[string]map[string]interface{}

	orders     map[string]*orderRecord
	ordersByID map[string]*orderRecord
}

// NewProviders loads the catalog and prepares the provider set.
func NewProviders(opts ...Option) (*Providers, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	cat, err := LoadCatalog(cfg.CatalogPath)
	if err != nil {
		return nil, err
	}
	return &Providers{
		catalog:        cat,
		lookupCache:    make(map[string]map[string]interface{}),
		dosageCache:    make(map[string]map[string]interface{}),
		coverageCache:  make(map[string]map[string]interface{}),
		inventoryCache: make(map[string]map[string]interface{}),
		orders:         make(map[string]*orderRecord),
		ordersByID:     make(map[string]*orderRecord),
	}, nil
}

// Catalog exposes the parsed catalog so callers outside the providers can
// resolve patients.
func (p *Providers) Catalog() *Catalog { return p.catalog }

// cacheKey scopes cached results to one patient so a degraded answer can
// never surface another patient's data.
func cacheKey(patientID, medication string) string {
	return patientID + "|" + medication
}

func (p *Providers) remember(cache map[string]map[string]interface{}, key string, data map[string]interface{}) {
	p.mu.Lock()
	cache[key] = data
	p.mu.Unlock()
}

func (p *Providers) recall(cache map[string]map[string]interface{}, key string) map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return cache[key]
}

func stringArg(args map[string]interface{}, key string) string {
	s, _ := args[key].(string)
	return s
}
