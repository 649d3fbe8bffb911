package dedup

import (
	"fmt"

	"github.com/JakeFAU/crawl-fleet/internal/crawler"
)

// Filter kinds accepted by New.
const (
	KindBloom = "bloom"
	KindExact = "exact"
)

// Config selects and sizes a filter.
type Config struct {
	Kind      string  `mapstructure:"kind"`
	Capacity  int     `mapstructure:"capacity"`
	ErrorRate float64 `mapstructure:"error_rate"`
}

// New builds the filter described by cfg.
func New(cfg Config) (crawler.Filter, error) {
	switch cfg.Kind {
	case "", KindBloom:
		filter, err := NewBloomFilter(cfg.Capacity, cfg.ErrorRate)
		if err != nil {
			return nil, err
		}
		return filter, nil
	case KindExact:
		return NewExactFilter(), nil
	default:
		return nil, fmt.Errorf("unknown filter kind %q", cfg.Kind)
	}
}
