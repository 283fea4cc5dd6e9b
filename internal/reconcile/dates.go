package reconcile

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
)

type dateOrder int

const (
	orderAuto dateOrder = iota // year-first when the first token has four digits, else day-first
	orderDMY
	orderMDY
	orderYMD
)

// CanonicalDate is the layout every date normalizer produces.
const CanonicalDate = "2006-01-02"

var monthNames = map[string]time.Month{
	"jan": time.January, "january": time.January, "ene": time.January, "enero": time.January,
	"feb": time.February, "february": time.February, "febrero": time.February,
	"mar": time.March, "march": time.March, "marzo": time.March,
	"apr": time.April, "april": time.April, "abr": time.April, "abril": time.April,
	"may": time.May, "mayo": time.May,
	"jun": time.June, "june": time.June, "junio": time.June,
	"jul": time.July, "july": time.July, "julio": time.July,
	"aug": time.August, "august": time.August, "ago": time.August, "agosto": time.August,
	"sep": time.September, "sept": time.September, "september": time.September,
	"septiembre": time.September, "set": time.September, "setiembre": time.September,
	"oct": time.October, "october": time.October, "octubre": time.October,
	"nov": time.November, "november": time.November, "noviembre": time.November,
	"dec": time.December, "december": time.December, "dic": time.December, "diciembre": time.December,
}

var fillerWords = map[string]bool{
	"de": true, "del": true, "of": true, "the": true,
	"st": true, "nd": true, "rd": true, "th": true, "t": true,
}

func dateNormalizer(order dateOrder) Normalizer {
	return func(s string) (string, error) {
		t, err := parseDate(s, order)
		if err != nil {
			return "", err
		}
		return t.Format(CanonicalDate), nil
	}
}

// parseDate understands numeric dates with any separator, an optional trailing
// time, and English or Spanish month names ("1 de marzo de 2026", "Mar 1st, 2026").
func parseDate(s string, order dateOrder) (time.Time, error) {
	var nums []string
	month := time.Month(0)
	for _, tok := range tokenize(strings.ToLower(s)) {
		if len(nums) == 3 || (month != 0 && len(nums) == 2) {
			break // ignore a trailing time component
		}
		if isDigits(tok) {
			nums = append(nums, tok)
			continue
		}
		if m, ok := monthNames[tok]; ok && month == 0 {
			month = m
			continue
		}
		if fillerWords[tok] || isWeekday(tok) {
			continue
		}
		return time.Time{}, fmt.Errorf("date %q: unexpected token %q", s, tok)
	}

	var y, m, d int
	yearTok := ""
	switch {
	case month != 0 && len(nums) == 2:
		m = int(month)
		if len(nums[0]) == 4 {
			yearTok, d = nums[0], atoi(nums[1])
		} else {
			d, yearTok = atoi(nums[0]), nums[1]
		}
	case month == 0 && len(nums) == 3:
		switch {
		case order == orderYMD || (order == orderAuto && len(nums[0]) == 4):
			yearTok, m, d = nums[0], atoi(nums[1]), atoi(nums[2])
		case order == orderMDY:
			m, d, yearTok = atoi(nums[0]), atoi(nums[1]), nums[2]
		default:
			d, m, yearTok = atoi(nums[0]), atoi(nums[1]), nums[2]
		}
	default:
		return time.Time{}, fmt.Errorf("date %q: cannot find day, month and year", s)
	}
	y = atoi(yearTok)
	if len(yearTok) == 2 {
		y += 2000
	}

	t := time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
	if t.Year() != y || int(t.Month()) != m || t.Day() != d {
		return time.Time{}, fmt.Errorf("date %q: day %d month %d year %d is not a calendar date", s, d, m, y)
	}
	return t, nil
}

// tokenize splits s into runs of letters and runs of digits.
func tokenize(s string) []string {
	var out []string
	var cur []rune
	kind := 0 // 1 letter, 2 digit
	flush := func() {
		if len(cur) > 0 {
			out = append(out, string(cur))
			cur = cur[:0]
		}
	}
	for _, r := range s {
		k := 0
		switch {
		case unicode.IsLetter(r):
			k = 1
		case unicode.IsDigit(r):
			k = 2
		}
		if k != kind {
			flush()
			kind = k
		}
		if k != 0 {
			cur = append(cur, r)
		}
	}
	flush()
	return out
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func isWeekday(s string) bool {
	switch s {
	case "mon", "monday", "tue", "tuesday", "wed", "wednesday", "thu", "thursday", "fri", "friday",
		"sat", "saturday", "sun", "sunday",
		"lun", "lunes", "martes", "mie", "miercoles", "miércoles", "jue", "jueves", "vie", "viernes",
		"sab", "sabado", "sábado", "dom", "domingo":
		return true
	}
	return false
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// dayDiff is the absolute number of days between two canonical dates.
func dayDiff(a, b string) (int, error) {
	ta, err := time.Parse(CanonicalDate, a)
	if err != nil {
		if ta, err = parseDate(a, orderAuto); err != nil {
			return 0, err
		}
	}
	tb, err := time.Parse(CanonicalDate, b)
	if err != nil {
		if tb, err = parseDate(b, orderAuto); err != nil {
			return 0, err
		}
	}
	d := int(ta.Sub(tb).Hours() / 24)
	if d < 0 {
		d = -d
	}
	return d, nil
}
