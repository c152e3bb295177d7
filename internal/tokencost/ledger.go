// internal/tokencost/ledger.go
package tokencost

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/voyager-cli/api/schemas"
)

// PricingLookup resolves a model name to its per-token rates.
type PricingLookup interface {
	Lookup(model string) (ModelPricing, bool)
}

// CostBreakdown is the USD cost of one invocation, split by billing class.
type CostBreakdown struct {
	Input         float64 `json:"input"`
	CacheRead     float64 `json:"cacheRead"`
	CacheCreation float64 `json:"cacheCreation"`
	Output        float64 `json:"output"`
	Total         float64 `json:"total"`
}

// UsageRecord is one append-only ledger entry.
type UsageRecord struct {
	Timestamp time.Time          `json:"timestamp"`
	Model     string             `json:"model"`
	Provider  string             `json:"provider,omitempty"`
	Usage     schemas.TokenUsage `json:"usage"`
	Cost      CostBreakdown      `json:"cost"`
	// Priced is false when no rates were known; tokens are still counted.
	Priced bool `json:"priced"`
}

// ModelSummary aggregates the ledger for one model.
type ModelSummary struct {
	Model string             `json:"model"`
	Calls int                `json:"calls"`
	Usage schemas.TokenUsage `json:"usage"`
	Cost  float64            `json:"cost"`
}

// Summary is the rolled-up view of the whole ledger.
type Summary struct {
	ByModel   map[string]ModelSummary `json:"byModel"`
	Calls     int                     `json:"calls"`
	Usage     schemas.TokenUsage      `json:"usage"`
	TotalCost float64                 `json:"totalCost"`
}

// Ledger is the in-memory usage log for one run. Entries are only ever
// appended; cost is computed at record time against the pricing available
// then.
type Ledger struct {
	mu      sync.Mutex
	pricing PricingLookup // nil means everything records at zero cost
	logger  *zap.Logger
	records []UsageRecord
}

// NewLedger creates an empty ledger.
func NewLedger(pricing PricingLookup, logger *zap.Logger) *Ledger {
	return &Ledger{
		pricing: pricing,
		logger:  logger.Named("tokencost"),
	}
}

// Record appends one usage entry and returns it with its computed cost.
func (l *Ledger) Record(model, provider string, usage schemas.TokenUsage) UsageRecord {
	rec := UsageRecord{
		Timestamp: time.Now(),
		Model:     model,
		Provider:  provider,
		Usage:     usage,
	}

	if l.pricing != nil {
		if p, ok := l.pricing.Lookup(model); ok {
			rec.Cost = computeCost(p, usage)
			rec.Priced = true
		}
	}
	if !rec.Priced {
		l.logger.Debug("No pricing for model, recording tokens at zero cost", zap.String("model", model))
	}

	l.mu.Lock()
	l.records = append(l.records, rec)
	l.mu.Unlock()

	l.logger.Debug("Recorded model usage",
		zap.String("model", model),
		zap.Int("prompt_tokens", usage.PromptTokens),
		zap.Int("completion_tokens", usage.CompletionTokens),
		zap.Float64("cost_usd", rec.Cost.Total),
	)
	return rec
}

// Records returns a copy of the ledger entries in record order.
func (l *Ledger) Records() []UsageRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]UsageRecord, len(l.records))
	copy(out, l.records)
	return out
}

// Summary aggregates the ledger per model and in total.
func (l *Ledger) Summary() Summary {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Summary{ByModel: make(map[string]ModelSummary)}
	for _, rec := range l.records {
		ms := s.ByModel[rec.Model]
		ms.Model = rec.Model
		ms.Calls++
		ms.Usage.Add(rec.Usage)
		ms.Cost += rec.Cost.Total
		s.ByModel[rec.Model] = ms

		s.Calls++
		s.Usage.Add(rec.Usage)
		s.TotalCost += rec.Cost.Total
	}
	return s
}

// computeCost applies the per-class rates: uncached prompt tokens at the
// input rate, cached reads and cache creation at their own rates, and
// completion tokens at the output rate.
func computeCost(p ModelPricing, u schemas.TokenUsage) CostBreakdown {
	c := CostBreakdown{
		Input:         float64(u.NewPromptTokens()) * p.InputCostPerToken,
		CacheRead:     float64(u.PromptCachedTokens) * p.CacheReadInputTokenCost,
		CacheCreation: float64(u.PromptCacheCreationTokens) * p.CacheCreationInputTokenCost,
		Output:        float64(u.CompletionTokens) * p.OutputCostPerToken,
	}
	c.Total = c.Input + c.CacheRead + c.CacheCreation + c.Output
	return c
}

// String renders the summary for terminal output, models sorted by cost.
func (s Summary) String() string {
	if s.Calls == 0 {
		return "no model usage recorded"
	}

	models := make([]ModelSummary, 0, len(s.ByModel))
	for _, ms := range s.ByModel {
		models = append(models, ms)
	}
	sort.Slice(models, func(i, j int) bool {
		if models[i].Cost != models[j].Cost {
			return models[i].Cost > models[j].Cost
		}
		return models[i].Model < models[j].Model
	})

	var sb strings.Builder
	for _, ms := range models {
		fmt.Fprintf(&sb, "%-32s %4d calls  %8d prompt  %8d completion  $%.4f\n",
			ms.Model, ms.Calls, ms.Usage.PromptTokens, ms.Usage.CompletionTokens, ms.Cost)
	}
	fmt.Fprintf(&sb, "%-32s %4d calls  %8d prompt  %8d completion  $%.4f",
		"total", s.Calls, s.Usage.PromptTokens, s.Usage.CompletionTokens, s.TotalCost)
	return sb.String()
}
