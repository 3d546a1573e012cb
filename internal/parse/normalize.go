package parse

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/example/idverify/internal/schema"
)

// InvalidValuePenalty multiplies the confidence of a value kept as free text
// because it failed validation.
const InvalidValuePenalty = 0.8

// DateLayout is the canonical date form, day-month-year zero padded.
const DateLayout = "02-01-2006"

// MaxNameSegments caps the split of a name; overflow joins the last segment.
const MaxNameSegments = 3

// Name is a person's name split on whitespace.
type Name struct {
	First  string `json:"first"`
	Second string `json:"second,omitempty"`
	Last   string `json:"last,omitempty"`
}

// Value is a normalized field value.
type Value struct {
	Text  string
	Name  *Name
	Valid bool
}

// Multiplier is the confidence factor the value carries.
func (v Value) Multiplier() float64 {
	if v.Valid {
		return 1
	}
	return InvalidValuePenalty
}

var (
	dmyDate   = regexp.MustCompile(`^(\d{1,2})[./\-\s]{1,2}(\d{1,2})[./\-\s]{1,2}(\d{4})$`)
	ymdDate   = regexp.MustCompile(`^(\d{4})[./\-](\d{1,2})[./\-](\d{1,2})$`)
	namedDate = regexp.MustCompile(`(?i)^(\d{1,2})[\s\-]?([a-z]{3,9})[\s\-]?(\d{4})$`)
	spaces    = regexp.MustCompile(`\s+`)
)

var months = map[string]time.Month{
	"JAN": time.January, "FEB": time.February, "MAR": time.March, "APR": time.April,
	"MAY": time.May, "JUN": time.June, "JUL": time.July, "AUG": time.August,
	"SEP": time.September, "OCT": time.October, "NOV": time.November, "DEC": time.December,
}

// Normalize converts a located raw value to its canonical form. It reports
// false only when nothing usable remains after cleaning; values that fail
// validation are kept as text with Valid unset.
func (p *Parser) Normalize(key schema.FieldKey, raw string) (Value, bool) {
	cleaned := strings.TrimSpace(spaces.ReplaceAllString(raw, " "))
	cleaned = strings.TrimRight(strings.TrimLeft(cleaned, ":/|- "), ":/| ")
	if cleaned == "" {
		return Value{}, false
	}

	switch key.Kind() {
	case schema.KindDate:
		if d, ok := ParseDate(cleaned); ok {
			return Value{Text: d.Format(DateLayout), Valid: true}, true
		}
		return Value{Text: cleaned}, true
	case schema.KindName:
		return normalizeName(cleaned)
	case schema.KindEnum:
		return p.normalizeEnum(key, cleaned), true
	case schema.KindIdentifier:
		return normalizeIdentifier(key, cleaned), true
	case schema.KindCode:
		code := strings.ToUpper(strings.ReplaceAll(cleaned, " ", ""))
		return Value{Text: code, Valid: matchesWhole(key.Pattern(), code)}, true
	default:
		return Value{Text: cleaned, Valid: true}, true
	}
}

// ParseDate reads day-month-year, year-month-day and day-monthname-year
// dates and rejects impossible calendar days.
func ParseDate(s string) (time.Time, bool) {
	var day, month, year int
	switch {
	case dmyDate.MatchString(s):
		m := dmyDate.FindStringSubmatch(s)
		day, month, year = atoi(m[1]), atoi(m[2]), atoi(m[3])
	case ymdDate.MatchString(s):
		m := ymdDate.FindStringSubmatch(s)
		year, month, day = atoi(m[1]), atoi(m[2]), atoi(m[3])
	case namedDate.MatchString(s):
		m := namedDate.FindStringSubmatch(s)
		mon, ok := months[strings.ToUpper(m[2])[:3]]
		if !ok {
			return time.Time{}, false
		}
		day, month, year = atoi(m[1]), int(mon), atoi(m[3])
	default:
		return time.Time{}, false
	}
	return validDate(year, month, day)
}

func validDate(year, month, day int) (time.Time, bool) {
	if year < 1900 || year > 2100 || month < 1 || month > 12 || day < 1 {
		return time.Time{}, false
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Day() != day || int(t.Month()) != month {
		return time.Time{}, false
	}
	return t, true
}

// FormatDate renders a calendar date in the canonical layout, or reports
// false for an impossible date.
func FormatDate(year, month, day int) (string, bool) {
	t, ok := validDate(year, month, day)
	if !ok {
		return "", false
	}
	return t.Format(DateLayout), true
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func normalizeName(s string) (Value, bool) {
	upper := strings.ToUpper(s)
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || r == '\'' || r == '-' {
			return r
		}
		return ' '
	}, upper)
	words := strings.Fields(cleaned)
	if len(words) == 0 {
		return Value{}, false
	}
	return Value{Text: strings.Join(words, " "), Name: SplitName(words), Valid: true}, true
}

// SplitName assigns words to first, second and last, appending overflow
// words to the last segment.
func SplitName(words []string) *Name {
	n := &Name{}
	switch {
	case len(words) == 0:
	case len(words) == 1:
		n.First = words[0]
	case len(words) == 2:
		n.First, n.Second = words[0], words[1]
	default:
		n.First, n.Second = words[0], words[1]
		n.Last = strings.Join(words[MaxNameSegments-1:], " ")
	}
	return n
}

func (p *Parser) normalizeEnum(key schema.FieldKey, s string) Value {
	v := strings.ToUpper(strings.ReplaceAll(s, " ", ""))
	if alias, ok := p.aliases[key][v]; ok {
		v = alias
	} else if alias, ok := p.aliases[key][s]; ok {
		v = alias
	}
	if key == schema.FieldBloodType && strings.HasPrefix(v, "0") {
		v = "O" + v[1:]
	}
	for _, allowed := range p.vocab.Vocabulary(key) {
		if v == allowed {
			return Value{Text: v, Valid: true}
		}
	}
	return Value{Text: s}
}

func normalizeIdentifier(key schema.FieldKey, s string) Value {
	compact := strings.ToUpper(strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || r == '-' || r == '.' {
			return -1
		}
		return r
	}, s))

	switch key {
	case schema.FieldNationalID:
		digits := digitsOnly(compact)
		if (len(digits) == 11 || len(digits) == 12) && isDigits(digits) {
			return Value{Text: fmt.Sprintf("%s-%s-%s", digits[:3], digits[3:7], digits[7:]), Valid: true}
		}
		return Value{Text: s}
	case schema.FieldPassportNumber:
		if len(compact) > 1 {
			compact = compact[:1] + digitsOnly(compact[1:])
		}
	default:
		compact = digitsOnly(compact)
	}
	if matchesWhole(key.Pattern(), compact) {
		return Value{Text: compact, Valid: true}
	}
	return Value{Text: s}
}

// digitsOnly maps common OCR letter confusions to digits.
func digitsOnly(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case 'O', 'Q', 'D':
			return '0'
		case 'I', 'L', '|':
			return '1'
		case 'S':
			return '5'
		case 'B':
			return '8'
		}
		return r
	}, s)
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

var wholeCache = map[string]*regexp.Regexp{}

func init() {
	for _, k := range schema.Keys() {
		if pat := k.Pattern(); pat != "" {
			wholeCache[pat] = regexp.MustCompile(`^(?:` + pat + `)$`)
		}
	}
}

func matchesWhole(pattern, s string) bool {
	if pattern == "" {
		return s != ""
	}
	re, ok := wholeCache[pattern]
	if !ok {
		return false
	}
	return re.MatchString(s)
}
