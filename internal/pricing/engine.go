package pricing

import "math"

// Config holds the constants of the duty calculation
type Config struct {
	// SourceToUSD converts one unit of the source currency (CNY) to USD.
	// It is a fixed approximation, not a live rate.
	SourceToUSD float64
	// PostalSurchargeLocal is the flat postal handling fee, in local currency.
	PostalSurchargeLocal float64
	// ExemptionUSD is the duty-free allowance applied when exemption is enabled.
	ExemptionUSD float64
	// DutyRate applies to the landed value above the allowance.
	DutyRate float64
}

// DefaultConfig returns the values used for CNY purchases shipped to Argentina
func DefaultConfig() Config {
	return Config{
		SourceToUSD:          0.14,
		PostalSurchargeLocal: 4900,
		ExemptionUSD:         50,
		DutyRate:             0.5,
	}
}

// Engine converts line items and shipping into totals
type Engine struct {
	cfg Config
}

// NewEngine creates a new Engine
func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Config returns the engine configuration
func (e *Engine) Config() Config {
	return e.cfg
}

// Derive normalizes an item's inputs and recomputes its derived prices.
// Client-supplied UnitPriceUSD and UnitPriceLocal are always overwritten.
func (e *Engine) Derive(item LineItem, rates ExchangeRates) LineItem {
	if item.Quantity < 1 {
		item.Quantity = 1
	}
	item.UnitPrice = nonNegative(item.UnitPrice)
	item.UnitFreight = nonNegative(item.UnitFreight)
	item.WeightGrams = nonNegative(item.WeightGrams)

	item.UnitPriceUSD = e.unitUSD(item)
	item.UnitPriceLocal = item.UnitPriceUSD * rates.Informal.Sell
	return item
}

// DeriveAll applies Derive to every item, returning a new slice
func (e *Engine) DeriveAll(items []LineItem, rates ExchangeRates) []LineItem {
	out := make([]LineItem, len(items))
	for i, item := range items {
		out[i] = e.Derive(item, rates)
	}
	return out
}

// ComputeTotals prices a haul.
//
// Goods and shipping are converted to local currency at the informal sell
// rate, while duty and the postal surcharge use the official sell rate.
func (e *Engine) ComputeTotals(items []LineItem, shippingUSD float64, useExemption bool, rates ExchangeRates) Totals {
	var subtotal float64
	for _, item := range items {
		subtotal += e.unitUSD(item) * float64(item.Quantity)
	}

	landed := subtotal + shippingUSD

	var duty float64
	if useExemption {
		duty = math.Max(0, (landed-e.cfg.ExemptionUSD)*e.cfg.DutyRate)
	} else {
		duty = landed * e.cfg.DutyRate
	}

	surchargeLocal := e.cfg.PostalSurchargeLocal
	var surchargeUSD float64
	if rates.Official.Sell > 0 {
		surchargeUSD = surchargeLocal / rates.Official.Sell
	}

	landedLocal := landed * rates.Informal.Sell
	dutyLocal := duty * rates.Official.Sell

	return Totals{
		SubtotalUSD:    subtotal,
		ShippingUSD:    shippingUSD,
		LandedUSD:      landed,
		LandedLocal:    landedLocal,
		DutyUSD:        duty,
		DutyLocal:      dutyLocal,
		SurchargeUSD:   surchargeUSD,
		SurchargeLocal: surchargeLocal,
		TotalUSD:       subtotal + shippingUSD + duty + surchargeUSD,
		TotalLocal:     landedLocal + dutyLocal + surchargeLocal,
	}
}

func (e *Engine) unitUSD(item LineItem) float64 {
	return (item.UnitPrice + item.UnitFreight) * e.cfg.SourceToUSD
}

func nonNegative(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	return v
}
