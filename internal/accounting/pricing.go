// Package accounting records per-attempt tool and LLM accounting entries and
// annotates LLM entries with cost from a pluggable pricing table.
package accounting

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/agentgate/pkg/models"
)

// PriceUnit is the denominator of a model's price figures.
type PriceUnit string

const (
	// PerThousand prices are USD per 1k tokens.
	PerThousand PriceUnit = "per_1k"

	// PerMillion prices are USD per 1M tokens.
	PerMillion PriceUnit = "per_1m"
)

// ModelPrice holds the per-token-class prices for one model.
type ModelPrice struct {
	Unit       PriceUnit `yaml:"unit"`
	Prompt     float64   `yaml:"prompt"`
	Completion float64   `yaml:"completion"`
	CacheRead  float64   `yaml:"cache_read"`
	CacheWrite float64   `yaml:"cache_write"`
}

// Pricing maps provider → model → prices. A missing entry is not an error;
// cost annotation is simply skipped.
type Pricing map[string]map[string]ModelPrice

// LoadPricing reads a pricing table from a YAML file.
func LoadPricing(path string) (Pricing, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing table: %w", err)
	}
	var p Pricing
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse pricing table: %w", err)
	}
	return p, nil
}

// Cost computes the USD cost of one LLM call, or 0 if the model is unpriced.
func (p Pricing) Cost(provider, model string, usage models.TokenUsage) float64 {
	byModel, ok := p[provider]
	if !ok {
		return 0
	}
	price, ok := byModel[model]
	if !ok {
		return 0
	}
	divisor := 1000.0
	if price.Unit == PerMillion {
		divisor = 1000000.0
	}
	return (float64(usage.Input)*price.Prompt +
		float64(usage.Output)*price.Completion +
		float64(usage.CacheRead)*price.CacheRead +
		float64(usage.CacheWrite)*price.CacheWrite) / divisor
}
