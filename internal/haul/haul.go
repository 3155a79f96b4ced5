package haul

import (
	"errors"
	"time"

	"github.com/zombor/haul-tracker/internal/pricing"
)

var (
	// ErrNotFound is returned for missing records and for records owned by
	// someone else
	ErrNotFound = errors.New("not found")
	// ErrInvalid is returned when input fails validation
	ErrInvalid = errors.New("invalid input")
	// ErrUserExists is returned when a username is already taken
	ErrUserExists = errors.New("username already exists")
	// ErrInvalidCredentials is returned for a bad username/password pair
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrScanFailed wraps transcriber failures
	ErrScanFailed = errors.New("scanning image failed")
)

// Haul is a named, owned collection of line items priced with one
// exchange-rate snapshot
type Haul struct {
	ID               string                `json:"id"`
	OwnerID          string                `json:"owner_id"`
	Name             string                `json:"name"`
	Items            []pricing.LineItem    `json:"items"`
	Rates            pricing.ExchangeRates `json:"rates"`
	ShippingUSD      float64               `json:"shipping_usd"`
	UseExemption     bool                  `json:"use_exemption"`
	TotalCostLocal   float64               `json:"total_cost_local"`   // derived
	TotalWeightGrams float64               `json:"total_weight_grams"` // derived
	CreatedAt        time.Time             `json:"created_at"`
	UpdatedAt        time.Time             `json:"updated_at"`
}

// recompute refreshes the derived aggregates from the items
func (h *Haul) recompute() {
	h.TotalCostLocal = 0
	h.TotalWeightGrams = 0
	for _, item := range h.Items {
		h.TotalCostLocal += item.UnitPriceLocal * float64(item.Quantity)
		h.TotalWeightGrams += item.WeightGrams * float64(item.Quantity)
	}
}

// User is a registered account
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"password_hash"`
	CreatedAt    time.Time `json:"created_at"`
}

// Scan records one processed order screenshot
type Scan struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"owner_id"`
	Filename     string    `json:"filename"`
	ContentType  string    `json:"content_type"`
	Transcript   string    `json:"transcript"`
	ProductCount int       `json:"product_count"`
	CreatedAt    time.Time `json:"created_at"`
}
