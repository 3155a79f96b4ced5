// Package extract recovers product rows from the raw OCR text of an order
// screenshot.
//
// The text is searched for price anchors ("Price: ¥12.50"). Each anchor owns
// the text between itself and the next anchor, and freight, quantity and
// weight are read from that window, preferring the match closest to the
// anchor. Missing fields fall back to defaults; nothing here returns an error.
package extract

import (
	"io"
	"log/slog"
	"math"
	"regexp"
	"sort"
)

const (
	// maxPrice and maxFreight bound monetary values (exclusive)
	maxPrice   = 10000
	maxFreight = 10000
	// maxQuantity bounds quantities (exclusive)
	maxQuantity = 1000
	// maxWeightGrams bounds weights (exclusive)
	maxWeightGrams = 100000

	defaultWindowBuffer = 50
	defaultLookahead    = 800
)

// Product holds the fields read for one price anchor
type Product struct {
	Name        string  `json:"name"`
	Price       float64 `json:"price"`
	Freight     float64 `json:"freight"`
	Quantity    int     `json:"quantity"`
	WeightGrams float64 `json:"weight_grams"`
}

// Parser extracts products from OCR text. The zero value is not usable; use New.
// A Parser holds no mutable state and may be shared between goroutines.
type Parser struct {
	logger       *slog.Logger
	windowBuffer int
	lookahead    int
}

// Option configures a Parser
type Option func(*Parser)

// WithLogger sets the logger that receives debug diagnostics
func WithLogger(logger *slog.Logger) Option {
	return func(p *Parser) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithWindowBuffer sets how many characters before the next anchor are
// excluded from a window
func WithWindowBuffer(n int) Option {
	return func(p *Parser) {
		if n >= 0 {
			p.windowBuffer = n
		}
	}
}

// WithLookahead sets how far past the last anchor its window extends
func WithLookahead(n int) Option {
	return func(p *Parser) {
		if n > 0 {
			p.lookahead = n
		}
	}
}

// New creates a Parser. Diagnostics are discarded unless WithLogger is given.
func New(opts ...Option) *Parser {
	p := &Parser{
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		windowBuffer: defaultWindowBuffer,
		lookahead:    defaultLookahead,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var defaultParser = New()

// Products extracts products from text with the default Parser
func Products(text string) []Product {
	return defaultParser.Products(text)
}

// anchor is a located price label and its value
type anchor struct {
	offset int // start of the label
	end    int // end of the numeral
	price  float64
}

// window is the slice of text searched for one anchor's fields
type window struct {
	anchor
	start, stop int
}

// Products extracts every product found in text, in the order the prices
// appear. It returns an empty slice when no valid price is present.
func (p *Parser) Products(text string) []Product {
	products := make([]Product, 0)

	normalized := normalize(text)
	anchors := p.findAnchors(normalized)
	if len(anchors) == 0 {
		p.logger.Debug("no price anchors found", "length", len(normalized))
		return products
	}

	for i, w := range p.windows(normalized, anchors) {
		product := p.readWindow(normalized, w)
		if isDuplicate(product, products) {
			p.logger.Debug("dropping duplicate product", "anchor", i, "price", product.Price)
			continue
		}
		products = append(products, product)
	}

	p.logger.Debug("extracted products", "anchors", len(anchors), "products", len(products))
	return products
}

// findAnchors returns valid price anchors sorted by offset
func (p *Parser) findAnchors(text string) []anchor {
	var anchors []anchor
	for _, m := range pricePattern.FindAllStringSubmatchIndex(text, -1) {
		raw := text[m[2]:m[3]]
		price, ok := parseNumber(raw)
		if !ok || price <= 0 || price >= maxPrice {
			p.logger.Debug("rejecting price anchor", "offset", m[0], "value", raw)
			continue
		}
		anchors = append(anchors, anchor{offset: m[0], end: m[1], price: price})
	}
	sort.SliceStable(anchors, func(i, j int) bool {
		return anchors[i].offset < anchors[j].offset
	})
	return anchors
}

// windows delimits the text owned by each anchor. A window never starts
// before its own anchor, so it cannot pick up the previous product's
// trailing fields, and it stops a buffer short of the next anchor so the
// next product's leading fields stay out.
func (p *Parser) windows(text string, anchors []anchor) []window {
	windows := make([]window, len(anchors))
	for i, a := range anchors {
		stop := min(len(text), a.offset+p.lookahead)
		if i+1 < len(anchors) {
			stop = anchors[i+1].offset - p.windowBuffer
		}
		windows[i] = window{anchor: a, start: a.offset, stop: max(stop, a.end)}
	}
	return windows
}

// readWindow builds the product for one window
func (p *Parser) readWindow(text string, w window) Product {
	segment := text[w.start:w.stop]
	// Offsets inside segment are relative to the anchor, so the anchor sits at 0.
	// Fields are searched after the price numeral to keep it from being read
	// back as a weight.
	from := w.end - w.start

	product := Product{
		Price:       w.price,
		Freight:     readFreight(segment, from),
		Quantity:    readQuantity(segment, from),
		WeightGrams: readWeight(segment, from),
	}

	p.logger.Debug("read product window",
		"offset", w.offset,
		"length", len(segment),
		"price", product.Price,
		"freight", product.Freight,
		"quantity", product.Quantity,
		"weight_grams", product.WeightGrams,
	)
	return product
}

func readFreight(segment string, from int) float64 {
	freight, found := nearest(freightPattern, segment, from, func(m []string) (float64, bool) {
		v, ok := parseNumber(m[1])
		return v, ok && v >= 0 && v < maxFreight
	})
	if !found {
		return 0
	}
	return freight
}

func readQuantity(segment string, from int) int {
	qty, found := nearest(quantityPattern, segment, from, func(m []string) (float64, bool) {
		v, ok := parseNumber(m[1])
		return v, ok && v >= 1 && v < maxQuantity
	})
	if !found {
		return 1
	}
	return int(qty)
}

func readWeight(segment string, from int) float64 {
	accept := func(m []string) (float64, bool) {
		v, ok := parseNumber(m[1])
		if !ok {
			return 0, false
		}
		v *= gramsPerUnit(m[2])
		return v, v > 0 && v < maxWeightGrams
	}
	if weight, found := nearest(labelledWeightPattern, segment, from, accept); found {
		return weight
	}
	if weight, found := nearest(bareWeightPattern, segment, from, accept); found {
		return weight
	}
	return 0
}

// nearest returns the accepted match of re in segment[from:] whose start is
// closest to the anchor at offset 0. Submatches are passed to accept with the
// full match at index 0.
func nearest(re *regexp.Regexp, segment string, from int, accept func([]string) (float64, bool)) (float64, bool) {
	if from > len(segment) {
		return 0, false
	}
	best, bestDistance, found := 0.0, math.MaxInt, false
	for _, m := range re.FindAllStringSubmatchIndex(segment[from:], -1) {
		groups := make([]string, len(m)/2)
		for g := range groups {
			if m[2*g] >= 0 {
				groups[g] = segment[from+m[2*g] : from+m[2*g+1]]
			}
		}
		v, ok := accept(groups)
		if !ok {
			continue
		}
		if distance := from + m[0]; distance < bestDistance {
			best, bestDistance, found = v, distance, true
		}
	}
	return best, found
}

// isDuplicate reports whether product matches one already accepted.
// Names are not compared; they are never extracted.
func isDuplicate(product Product, accepted []Product) bool {
	for _, existing := range accepted {
		if math.Abs(product.Price-existing.Price) < 0.01 &&
			math.Abs(product.Freight-existing.Freight) < 0.01 &&
			product.Quantity == existing.Quantity &&
			math.Abs(product.WeightGrams-existing.WeightGrams) < 1 {
			return true
		}
	}
	return false
}
