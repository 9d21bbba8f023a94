package extract

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

var (
	numberPattern = regexp.MustCompile(`\d[\d,]*(?:\.\d+)?`)
	currencyCodes = []struct {
		marker string
		code   string
	}{
		{"US$", "USD"}, {"USD", "USD"}, {"₹", "INR"}, {"RS.", "INR"}, {"INR", "INR"},
		{"€", "EUR"}, {"EUR", "EUR"}, {"CN¥", "CNY"}, {"CNY", "CNY"}, {"¥", "CNY"}, {"$", "USD"},
	}
)

// ParsePrice reads a single price or a range such as "US$1.20-3.50" or "₹ 1,200 / Piece".
// Missing bounds come back nil.
func ParsePrice(text string) (minPrice, maxPrice *float64, currency string) {
	upper := strings.ToUpper(text)
	for _, c := range currencyCodes {
		if strings.Contains(upper, c.marker) {
			currency = c.code
			break
		}
	}
	nums := numberPattern.FindAllString(text, 2)
	values := make([]float64, 0, len(nums))
	for _, n := range nums {
		v, err := strconv.ParseFloat(strings.ReplaceAll(n, ",", ""), 64)
		if err == nil {
			values = append(values, v)
		}
	}
	switch len(values) {
	case 0:
		return nil, nil, currency
	case 1:
		return &values[0], &values[0], currency
	default:
		lo, hi := values[0], values[1]
		if hi < lo {
			lo, hi = hi, lo
		}
		return &lo, &hi, currency
	}
}

// ParseMOQ reads the minimum order quantity and its unit from text like
// "100 Pieces (MOQ)" or "Min. Order: 500 Sets".
func ParseMOQ(text string) (int, string) {
	loc := numberPattern.FindStringIndex(text)
	if loc == nil {
		return 0, ""
	}
	raw := strings.ReplaceAll(text[loc[0]:loc[1]], ",", "")
	if i := strings.IndexByte(raw, '.'); i >= 0 {
		raw = raw[:i]
	}
	qty, err := strconv.Atoi(raw)
	if err != nil {
		return 0, ""
	}
	rest := strings.TrimLeftFunc(text[loc[1]:], func(r rune) bool { return !unicode.IsLetter(r) })
	unit := strings.FieldsFunc(rest, func(r rune) bool { return !unicode.IsLetter(r) })
	if len(unit) == 0 || strings.EqualFold(unit[0], "moq") {
		return qty, ""
	}
	return qty, unit[0]
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
