package pricing

import "time"

// Quote is a buy/sell pair for one exchange market
type Quote struct {
	Buy  float64 `json:"buy"`
	Sell float64 `json:"sell"`
}

// ExchangeRates is a point-in-time snapshot of the official and informal
// (crypto) dollar markets. A haul keeps the snapshot it was priced with.
type ExchangeRates struct {
	Official  Quote     `json:"official"`
	Informal  Quote     `json:"informal"`
	FetchedAt time.Time `json:"fetched_at"`
}

// LineItem is one product row of a haul.
// UnitPriceUSD and UnitPriceLocal are derived; see Engine.Derive.
type LineItem struct {
	ID             string  `json:"id"`
	Quantity       int     `json:"quantity"`
	Name           string  `json:"name"`
	WeightGrams    float64 `json:"weight_grams"`
	UnitPrice      float64 `json:"unit_price"`   // source currency
	UnitFreight    float64 `json:"unit_freight"` // source currency
	UnitPriceUSD   float64 `json:"unit_price_usd"`
	UnitPriceLocal float64 `json:"unit_price_local"`
	Link           string  `json:"link,omitempty"`
}

// Totals is the result of ComputeTotals
type Totals struct {
	SubtotalUSD    float64 `json:"subtotal_usd"`
	ShippingUSD    float64 `json:"shipping_usd"`
	LandedUSD      float64 `json:"landed_usd"`
	LandedLocal    float64 `json:"landed_local"`
	DutyUSD        float64 `json:"duty_usd"`
	DutyLocal      float64 `json:"duty_local"`
	SurchargeUSD   float64 `json:"surcharge_usd"`
	SurchargeLocal float64 `json:"surcharge_local"`
	TotalUSD       float64 `json:"total_usd"`
	TotalLocal     float64 `json:"total_local"`
}
