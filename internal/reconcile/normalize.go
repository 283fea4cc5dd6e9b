package reconcile

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Normalizer canonicalizes a displayed or entered value before comparison.
type Normalizer func(string) (string, error)

var normalizers = map[string]Normalizer{
	"identity":       func(s string) (string, error) { return s, nil },
	"trim":           func(s string) (string, error) { return strings.TrimSpace(s), nil },
	"whitespace":     func(s string) (string, error) { return collapse(s), nil },
	"case_fold":      caseFold,
	"strip_currency": stripCurrency,
	"digits":         digits,
	"date":           dateNormalizer(orderAuto),
	"date_dmy":       dateNormalizer(orderDMY),
	"date_mdy":       dateNormalizer(orderMDY),
	"date_ymd":       dateNormalizer(orderYMD),
}

// aliases accepted in scenario files.
var normalizerAliases = map[string]string{
	"":              "identity",
	"caseFold":      "case_fold",
	"stripCurrency": "strip_currency",
}

// NormalizerIDs lists the registered normalizer ids, sorted.
func NormalizerIDs() []string {
	ids := make([]string, 0, len(normalizers))
	for id := range normalizers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Lookup resolves a normalizer id. Ids may be chained with "|", applied left
// to right, e.g. "trim|case_fold".
func Lookup(id string) (Normalizer, error) {
	parts := strings.Split(id, "|")
	chain := make([]Normalizer, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if alias, ok := normalizerAliases[p]; ok {
			p = alias
		}
		n, ok := normalizers[p]
		if !ok {
			return nil, fmt.Errorf("unknown normalizer %q (valid: %s)", p, strings.Join(NormalizerIDs(), ", "))
		}
		chain = append(chain, n)
	}
	if len(chain) == 1 {
		return chain[0], nil
	}
	return func(s string) (string, error) {
		var err error
		for _, n := range chain {
			if s, err = n(s); err != nil {
				return "", err
			}
		}
		return s, nil
	}, nil
}

// Normalize applies the normalizer named by id to s.
func Normalize(id, s string) (string, error) {
	n, err := Lookup(id)
	if err != nil {
		return "", err
	}
	return n(s)
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

var foldCaser = cases.Fold()

// caseFold lower-cases, strips accents and collapses whitespace, so
// "  INDEFINIDO " and "Indéfinido" compare equal.
func caseFold(s string) (string, error) {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return "", err
	}
	return collapse(foldCaser.String(out)), nil
}

var errNoDigits = errors.New("no digits")

// stripCurrency reduces an amount to a canonical integer string. Currency
// symbols and thousands separators are dropped; a trailing group of one or two
// digits after the last separator is a decimal part and is truncated, so
// "$1.300.000", "1,300,000" and "1300000,00" all become "1300000".
func stripCurrency(s string) (string, error) {
	s = strings.TrimSpace(s)
	neg := strings.HasPrefix(s, "-") || strings.HasPrefix(s, "(") ||
		strings.Contains(s, "-$") || strings.Contains(s, "$-")

	var b strings.Builder
	lastSep := -1
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == ',':
			if b.Len() > 0 {
				lastSep = b.Len()
			}
		}
	}
	num := b.String()
	if num == "" {
		return "", fmt.Errorf("strip_currency %q: %w", s, errNoDigits)
	}
	if lastSep >= 0 {
		if frac := len(num) - lastSep; frac == 1 || frac == 2 {
			num = num[:lastSep]
		}
	}
	num = strings.TrimLeft(num, "0")
	if num == "" {
		return "0", nil
	}
	if neg {
		num = "-" + num
	}
	return num, nil
}

func digits(s string) (string, error) {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String(), nil
}
