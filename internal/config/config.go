// Package config loads and resolves price-watch's structured settings: the
// nominal crawl interval, de-dup window, price_drop windows, lowest_price
// gating, per-store currency rates and point rebates. It is a straight
// Go port of original_source/price_watch/config.py's AppConfig, parsed
// with gopkg.in/yaml.v3 instead of a hand-rolled schema-validated loader,
// matching the shape (nested vs. flat window forms, `ignore.hour`, the
// `judge` backward-compat alias) the original config.yaml carries.
package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"price-watch/internal/detect"
)

// PriceDropWindow is one entry of check.drop.windows[], per spec.md §6.3.
// It accepts both the nested form ({days, price: {rate, value}}) and the
// flat backward-compatible form ({days, rate, value}), mirroring
// PriceDropWindow.parse in original_source/price_watch/config.py.
type PriceDropWindow struct {
	Days  int      `yaml:"days"`
	Rate  *float64 `yaml:"rate,omitempty"`
	Value *int64   `yaml:"value,omitempty"`
}

type priceThreshold struct {
	Rate  *float64 `yaml:"rate,omitempty"`
	Value *int64   `yaml:"value,omitempty"`
}

type priceDropWindowRaw struct {
	Days  int             `yaml:"days"`
	Price *priceThreshold `yaml:"price,omitempty"`
	Rate  *float64        `yaml:"rate,omitempty"`
	Value *int64          `yaml:"value,omitempty"`
}

// UnmarshalYAML resolves the nested-vs-flat ambiguity at decode time so
// every other package only ever sees the flat PriceDropWindow shape.
func (w *PriceDropWindow) UnmarshalYAML(node *yaml.Node) error {
	var raw priceDropWindowRaw
	if err := node.Decode(&raw); err != nil {
		return err
	}
	w.Days = raw.Days
	if raw.Price != nil {
		w.Rate = raw.Price.Rate
		w.Value = raw.Price.Value
	} else {
		w.Rate = raw.Rate
		w.Value = raw.Value
	}
	return nil
}

// IgnoreConfig is check.drop.ignore: the de-dup window, in hours.
type IgnoreConfig struct {
	Hour float64 `yaml:"hour"`
}

// DropConfig is check.drop: the ordered price_drop window list plus its
// de-dup window.
type DropConfig struct {
	Ignore  IgnoreConfig      `yaml:"ignore"`
	Windows []PriceDropWindow `yaml:"windows"`
}

// LowestConfig is check.lowest: the optional gate on lowest_price firing.
type LowestConfig struct {
	Rate  *float64 `yaml:"rate,omitempty"`
	Value *int64   `yaml:"value,omitempty"`
}

// CurrencyRate maps a store's price_unit label to a base-currency
// multiplier, per spec.md §6.3 check.currency[].
type CurrencyRate struct {
	Label string  `yaml:"label"`
	Rate  float64 `yaml:"rate"`
}

// CheckConfig is the check: top-level key.
type CheckConfig struct {
	IntervalSec int            `yaml:"interval_sec"`
	Drop        DropConfig     `yaml:"drop"`
	Judge       *DropConfig    `yaml:"judge,omitempty"` // legacy alias for Drop
	Lowest      LowestConfig   `yaml:"lowest"`
	Currency    []CurrencyRate `yaml:"currency"`
}

// StoreConfig is one entry of the per-store settings list: the point_rate
// rebate spec.md §3.2 folds into effective price at read time.
type StoreConfig struct {
	Name      string  `yaml:"name"`
	PointRate float64 `yaml:"point_rate"`
}

// OutlierConfig configures the admin-only outlier-removal operation
// (spec.md §1's single permitted bulk deletion), grounded on
// original_source/scripts/remove_outlier_prices.py.
type OutlierConfig struct {
	ThresholdRatio float64 `yaml:"threshold_ratio"`
}

// Config is the top-level config.yaml shape.
type Config struct {
	DBPath  string        `yaml:"db_path"`
	Check   CheckConfig   `yaml:"check"`
	Stores  []StoreConfig `yaml:"stores"`
	Outlier OutlierConfig `yaml:"outlier"`

	// MinOutOfStockHours and DataRetrievalMinHours aren't part of
	// original_source's config.yaml (they were hardcoded constants there);
	// price-watch promotes them to configuration so operators can tune
	// them per spec.md §4.2.1/§4.2.3 without a rebuild.
	MinOutOfStockHours    float64 `yaml:"min_out_of_stock_hours"`
	DataRetrievalMinHours float64 `yaml:"data_retrieval_min_hours"`
}

// Default returns a Config with the defaults spec.md names explicitly:
// 1800s interval, 24h ignore window, 3h back_in_stock minimum, 6h
// data_retrieval_failure minimum, 10% outlier threshold ratio.
func Default() *Config {
	return &Config{
		DBPath: "price-watch.db",
		Check: CheckConfig{
			IntervalSec: 1800,
			Drop: DropConfig{
				Ignore: IgnoreConfig{Hour: 24},
			},
		},
		Outlier: OutlierConfig{
			ThresholdRatio: 0.1,
		},
		MinOutOfStockHours:    3.0,
		DataRetrievalMinHours: 6.0,
	}
}

// Load reads and parses a YAML config file at path, filling in defaults
// for anything the file omits. A missing file is not an error: the
// defaults alone are a valid configuration for a freshly-initialized
// deployment.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Left zero while decoding so applyDefaults can tell whether
	// check.drop was set; it restores the 24h default afterwards.
	cfg.Check.Drop.Ignore.Hour = 0
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DBPath == "" {
		c.DBPath = "price-watch.db"
	}
	if c.Check.IntervalSec <= 0 {
		c.Check.IntervalSec = 1800
	}
	if c.Check.Judge != nil {
		// Legacy alias: check.judge.* takes effect only when check.drop
		// was never set, per price_watch.config.CheckConfig.parse.
		if len(c.Check.Drop.Windows) == 0 && c.Check.Drop.Ignore.Hour == 0 {
			c.Check.Drop = *c.Check.Judge
		}
	}
	if c.Check.Drop.Ignore.Hour <= 0 {
		c.Check.Drop.Ignore.Hour = 24
	}
	sort.SliceStable(c.Check.Drop.Windows, func(i, j int) bool {
		return c.Check.Drop.Windows[i].Days < c.Check.Drop.Windows[j].Days
	})
	if c.Outlier.ThresholdRatio <= 0 {
		c.Outlier.ThresholdRatio = 0.1
	}
	if c.MinOutOfStockHours <= 0 {
		c.MinOutOfStockHours = 3.0
	}
	if c.DataRetrievalMinHours <= 0 {
		c.DataRetrievalMinHours = 6.0
	}
}

// IgnoreHours returns the de-dup window shared by every event type
// (spec.md §6.3 check.drop.ignore.hour).
func (c *Config) IgnoreHours() float64 {
	return c.Check.Drop.Ignore.Hour
}

// DropWindows returns the ordered price_drop window list as the detect
// package's own type, so internal/detect stays config-format agnostic.
func (c *Config) DropWindows() []detect.PriceDropWindow {
	out := make([]detect.PriceDropWindow, len(c.Check.Drop.Windows))
	for i, w := range c.Check.Drop.Windows {
		out[i] = detect.PriceDropWindow{Days: w.Days, Rate: w.Rate, Value: w.Value}
	}
	return out
}

// LowestThreshold returns the lowest_price gate as the detect package's
// own type.
func (c *Config) LowestThreshold() detect.LowestConfig {
	return detect.LowestConfig{Rate: c.Check.Lowest.Rate, Value: c.Check.Lowest.Value}
}

// CurrencyRate resolves a store's price_unit label to a base-currency
// multiplier. Returns 1.0 for an unconfigured label, per spec.md §3.2's
// "default 1.0 for the base currency". Promoted to an explicit accessor
// (rather than left an implicit per-call lookup) per original_source's
// get_currency_rate, so the live detector and backfill replay can't drift
// on how they resolve it.
func (c *Config) CurrencyRate(priceUnit string) float64 {
	for _, cr := range c.Check.Currency {
		if cr.Label == priceUnit {
			return cr.Rate
		}
	}
	return 1.0
}

// PointRate resolves a store's configured rebate percentage, used only at
// read time to compute EffectivePrice (spec.md §3.2). Returns 0 for an
// unconfigured store.
func (c *Config) PointRate(storeName string) float64 {
	for _, sc := range c.Stores {
		if sc.Name == storeName {
			return sc.PointRate
		}
	}
	return 0
}

// EffectivePrice applies a store's point_rate rebate to price, truncating
// to an integer, per spec.md §3.2's "price × (1 − point_rate/100)".
// Display-only: never persisted.
func (c *Config) EffectivePrice(price int64, storeName string) int64 {
	rate := c.PointRate(storeName)
	if rate == 0 {
		return price
	}
	return int64(float64(price) * (1 - rate/100))
}
