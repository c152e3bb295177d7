// internal/tokencost/pricing.go
package tokencost

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	json "github.com/json-iterator/go"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/xkilldash9x/voyager-cli/internal/config"
)

// ModelPricing holds the per-token USD rates for one model. Field names follow
// the LiteLLM community catalog, which is the default upstream source.
type ModelPricing struct {
	InputCostPerToken           float64 `json:"input_cost_per_token"`
	OutputCostPerToken          float64 `json:"output_cost_per_token"`
	CacheReadInputTokenCost     float64 `json:"cache_read_input_token_cost"`
	CacheCreationInputTokenCost float64 `json:"cache_creation_input_token_cost"`
}

// zero reports whether no rate is known at all.
func (p ModelPricing) zero() bool {
	return p.InputCostPerToken == 0 && p.OutputCostPerToken == 0 &&
		p.CacheReadInputTokenCost == 0 && p.CacheCreationInputTokenCost == 0
}

// Catalog is an immutable pricing snapshot with its retrieval timestamp.
type Catalog struct {
	Prices    map[string]ModelPricing `json:"prices"`
	FetchedAt time.Time               `json:"fetchedAt"`
}

// Lookup resolves a model name to its rates. Catalog keys are often
// namespaced ("gemini/gemini-2.5-flash"), so an exact match is tried first
// and then a suffix match on the segment after the provider prefix.
func (c *Catalog) Lookup(model string) (ModelPricing, bool) {
	if c == nil || len(c.Prices) == 0 || model == "" {
		return ModelPricing{}, false
	}
	if p, ok := c.Prices[model]; ok {
		return p, true
	}

	// Sorted scan keeps the fallback deterministic.
	keys := make([]string, 0, len(c.Prices))
	for k := range c.Prices {
		if strings.HasSuffix(k, "/"+model) {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return ModelPricing{}, false
	}
	sort.Strings(keys)
	return c.Prices[keys[0]], true
}

// Source loads the pricing catalog once per process: memory first, then a
// disk cache inside the TTL, then the network. Every failure degrades to the
// best stale data available; pricing problems never block the agent.
type Source struct {
	cfg        config.PricingConfig
	logger     *zap.Logger
	httpClient *http.Client
	group      singleflight.Group

	mu      sync.RWMutex
	catalog *Catalog
}

// NewSource creates a pricing source from configuration.
func NewSource(cfg config.PricingConfig, logger *zap.Logger) *Source {
	return &Source{
		cfg:    cfg,
		logger: logger.Named("tokencost.pricing"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Catalog returns the pricing snapshot, loading it on first use. Concurrent
// first calls share a single load.
func (s *Source) Catalog(ctx context.Context) *Catalog {
	s.mu.RLock()
	cached := s.catalog
	s.mu.RUnlock()
	if cached != nil {
		return cached
	}

	v, _, _ := s.group.Do("pricing", func() (any, error) {
		c := s.load(ctx)
		s.mu.Lock()
		s.catalog = c
		s.mu.Unlock()
		return c, nil
	})
	return v.(*Catalog)
}

// Lookup implements PricingLookup against the lazily loaded catalog.
func (s *Source) Lookup(model string) (ModelPricing, bool) {
	return s.Catalog(context.Background()).Lookup(model)
}

func (s *Source) load(ctx context.Context) *Catalog {
	if s.cfg.Disabled {
		return &Catalog{Prices: map[string]ModelPricing{}, FetchedAt: time.Now()}
	}

	path, pathErr := s.cachePath()
	var stale *Catalog

	if pathErr == nil {
		if c, err := readCatalogFile(path); err == nil {
			if time.Since(c.FetchedAt) < s.ttl() {
				s.logger.Debug("Using cached model pricing",
					zap.String("path", path),
					zap.Time("fetched_at", c.FetchedAt),
				)
				return c
			}
			stale = c
		}
	}

	fetched, err := s.fetch(ctx)
	if err != nil {
		if stale != nil {
			s.logger.Warn("Pricing refresh failed, using stale cache",
				zap.Error(err),
				zap.Time("fetched_at", stale.FetchedAt),
			)
			return stale
		}
		s.logger.Warn("Pricing unavailable, costs will be reported as zero", zap.Error(err))
		return &Catalog{Prices: map[string]ModelPricing{}, FetchedAt: time.Now()}
	}

	if pathErr == nil {
		if err := writeCatalogFile(path, fetched); err != nil {
			s.logger.Warn("Could not persist pricing cache", zap.Error(err), zap.String("path", path))
		}
	}
	return fetched
}

func (s *Source) fetch(ctx context.Context) (*Catalog, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create pricing request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pricing: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pricing endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read pricing body: %w", err)
	}

	var prices map[string]ModelPricing
	if err := json.Unmarshal(body, &prices); err != nil {
		return nil, fmt.Errorf("failed to decode pricing catalog: %w", err)
	}

	// The upstream file carries spec entries without real rates.
	for name, p := range prices {
		if p.zero() {
			delete(prices, name)
		}
	}

	c := &Catalog{Prices: prices, FetchedAt: time.Now()}
	s.logger.Info("Fetched model pricing catalog",
		zap.Int("models", len(prices)),
		zap.String("url", s.cfg.URL),
	)
	return c, nil
}

func (s *Source) ttl() time.Duration {
	if s.cfg.CacheTTL > 0 {
		return s.cfg.CacheTTL
	}
	return 24 * time.Hour
}

func (s *Source) cachePath() (string, error) {
	dir := s.cfg.CacheDir
	if dir == "" {
		home, err := homedir.Dir()
		if err != nil {
			return "", fmt.Errorf("failed to resolve home directory: %w", err)
		}
		dir = filepath.Join(home, ".voyager-cli")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create cache directory: %w", err)
	}
	return filepath.Join(dir, "pricing.json"), nil
}

func readCatalogFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Catalog
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to decode pricing cache: %w", err)
	}
	return &c, nil
}

func writeCatalogFile(path string, c *Catalog) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
