package extract

import (
	"regexp"
	"strconv"
	"strings"
)

// numeral matches integers, decimals with either separator, and dot-decimal
// numbers grouped with thousands commas ("1,299.00")
const numeral = `(\d{1,3}(?:,\d{3})+(?:\.\d+)?|\d+(?:[.,]\d+)?)`

// currency is an optional yuan glyph or code between a label and its numeral
const currency = `(?:[¥￥]|cny|rmb)?\s*`

// sep is an optional ASCII or full-width colon
const sep = `\s*[:：]?\s*`

var (
	// pricePattern locates anchors. OCR regularly turns the "i" of "price"
	// into "1" or "l".
	pricePattern = regexp.MustCompile(`(?i)\b(?:unit\s+)?(?:pr[il1]ce|precio)` + sep + currency + numeral)

	// freightPattern tolerates truncation ("frei", "freig") and corrupted
	// letters ("frelght", "fre1ght").
	freightPattern = regexp.MustCompile(`(?i)\b(?:fr[e3][il1]g?h?t|fr[e3][il1]gh?|fr[e3][il1]|shipping|env[ií]o)` + sep + currency + numeral)

	// quantityPattern covers the truncations seen in phone screenshots,
	// longest alternative first.
	quantityPattern = regexp.MustCompile(`(?i)\b(?:quantity|quantit|quanti|quant|quan|qua|qty|quy|cantidad|cant)` + sep + `(\d+)`)

	// weightUnit is shared by the labelled and bare weight patterns
	weightUnit = `(kilos?|kg|gramos?|grams?|gr|g)\b`

	labelledWeightPattern = regexp.MustCompile(`(?i)\b(?:weight|weig|peso)` + sep + numeral + `\s*` + weightUnit)
	bareWeightPattern     = regexp.MustCompile(`(?i)` + numeral + `\s*` + weightUnit)

	whitespacePattern = regexp.MustCompile(`\s+`)
	thousandsPattern  = regexp.MustCompile(`^\d{1,3}(?:,\d{3})+$`)
)

// normalize collapses runs of whitespace so that OCR line breaks do not
// split a label from its value
func normalize(text string) string {
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(text, " "))
}

// parseNumber reads a numeral captured by the patterns above. A comma is a
// thousands separator when a dot follows it or when it groups three digits,
// otherwise it is the decimal separator.
func parseNumber(s string) (float64, bool) {
	if strings.Contains(s, ".") || thousandsPattern.MatchString(s) {
		s = strings.ReplaceAll(s, ",", "")
	} else {
		s = strings.ReplaceAll(s, ",", ".")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// gramsPerUnit returns the multiplier that converts a weight unit to grams
func gramsPerUnit(unit string) float64 {
	switch strings.ToLower(unit) {
	case "kg", "kilo", "kilos":
		return 1000
	default:
		return 1
	}
}
