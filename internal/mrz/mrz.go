// Package mrz reads the two-line machine readable zone of passports
// (ICAO 9303 TD3) and validates its check digits.
package mrz

import (
	"errors"
	"strings"

	"github.com/example/idverify/internal/parse"
	"github.com/example/idverify/internal/schema"
)

// ErrNotFound means no pair of lines looked like a TD3 zone.
var ErrNotFound = errors.New("mrz: no TD3 zone found")

// LineLength is the TD3 line width.
const LineLength = 44

// birthPivot splits two-digit birth years between centuries: below it the
// year is 20yy, otherwise 19yy.
const birthPivot = 30

// Span is a line's byte range inside the searched text.
type Span struct{ Start, End int }

// Passport is a decoded TD3 zone. Fields whose check digit failed are left
// empty and reported in Failed.
type Passport struct {
	DocumentCode   string
	IssuingCountry string
	Surname        string
	GivenNames     string
	Number         string
	Nationality    string
	BirthDate      string
	Sex            string
	ExpiryDate     string
	PersonalNumber string

	// CompositeValid is true when the overall check digit of line two holds.
	CompositeValid bool
	Failed         []string

	Line1, Line2 Span
}

// Parse finds the first TD3 line pair in text and decodes it.
func Parse(text string) (*Passport, error) {
	type candidate struct {
		value string
		span  Span
	}
	var lines []candidate
	pos := 0
	for _, raw := range strings.Split(text, "\n") {
		start := pos
		pos += len(raw) + 1
		compact := strings.ToUpper(strings.Join(strings.Fields(raw), ""))
		if len(compact) < LineLength-6 {
			continue
		}
		lines = append(lines, candidate{compact, Span{start, start + len(raw)}})
	}

	for i := 0; i+1 < len(lines); i++ {
		first := lines[i].value
		if first[0] != 'P' || !strings.Contains(first, "<<") {
			continue
		}
		p := decode(pad(first), pad(lines[i+1].value))
		p.Line1, p.Line2 = lines[i].span, lines[i+1].span
		return p, nil
	}
	return nil, ErrNotFound
}

func decode(l1, l2 string) *Passport {
	p := &Passport{
		DocumentCode:   strings.TrimRight(l1[0:2], "<"),
		IssuingCountry: letters(l1[2:5]),
	}
	names := strings.SplitN(l1[5:], "<<", 2)
	p.Surname = words(names[0])
	if len(names) == 2 {
		p.GivenNames = words(names[1])
	}

	number := l2[0:9]
	if CheckDigit(number) == digit(numericByte(l2[9])) {
		p.Number = strings.TrimRight(number, "<")
	} else {
		p.Failed = append(p.Failed, "number")
	}

	p.Nationality = letters(l2[10:13])

	birth := numeric(l2[13:19])
	if CheckDigit(birth) == digit(numericByte(l2[19])) {
		p.BirthDate = date(birth, true)
	} else {
		p.Failed = append(p.Failed, "birth_date")
	}

	if s := l2[20]; s == 'M' || s == 'F' {
		p.Sex = string(s)
	}

	expiry := numeric(l2[21:27])
	if CheckDigit(expiry) == digit(numericByte(l2[27])) {
		p.ExpiryDate = date(expiry, false)
	} else {
		p.Failed = append(p.Failed, "expiry_date")
	}

	personal := l2[28:42]
	if CheckDigit(personal) == digit(numericByte(l2[42])) {
		p.PersonalNumber = strings.TrimRight(personal, "<")
	} else {
		p.Failed = append(p.Failed, "personal_number")
	}

	composite := l2[0:10] + birth + string(numericByte(l2[19])) + expiry + string(numericByte(l2[27])) + l2[28:43]
	p.CompositeValid = CheckDigit(composite) == digit(numericByte(l2[43]))
	return p
}

// Fields maps the decoded zone to document fields. Values are raw and go
// through the field parser like any other observation.
func (p *Passport) Fields() map[schema.FieldKey]string {
	out := make(map[schema.FieldKey]string)
	set := func(k schema.FieldKey, v string) {
		if v != "" {
			out[k] = v
		}
	}
	set(schema.FieldPassportType, p.DocumentCode)
	set(schema.FieldCountryCode, p.IssuingCountry)
	set(schema.FieldPassportNumber, p.Number)
	set(schema.FieldNationality, p.Nationality)
	set(schema.FieldSex, p.Sex)
	set(schema.FieldDateOfBirth, p.BirthDate)
	set(schema.FieldDateOfExpiry, p.ExpiryDate)
	set(schema.FieldFullName, strings.TrimSpace(p.GivenNames+" "+p.Surname))
	if n := strings.Trim(p.PersonalNumber, "<"); len(n) >= 11 {
		set(schema.FieldNationalID, n)
	}
	return out
}

// LineOf tells which line a field was read from, 1 or 2.
func LineOf(k schema.FieldKey) int {
	switch k {
	case schema.FieldPassportType, schema.FieldCountryCode, schema.FieldFullName:
		return 1
	default:
		return 2
	}
}

// CheckDigit computes the ICAO 7-3-1 weighted check digit.
func CheckDigit(s string) int {
	weights := [3]int{7, 3, 1}
	sum := 0
	for i := 0; i < len(s); i++ {
		sum += charValue(s[i]) * weights[i%3]
	}
	return sum % 10
}

func charValue(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'A' && c <= 'Z':
		return int(c-'A') + 10
	default:
		return 0
	}
}

func digit(c byte) int {
	if c >= '0' && c <= '9' {
		return int(c - '0')
	}
	if c == '<' {
		return 0
	}
	return -1
}

func pad(s string) string {
	if len(s) >= LineLength {
		return s[:LineLength]
	}
	return s + strings.Repeat("<", LineLength-len(s))
}

// numeric repairs letters read in digit-only positions.
func numeric(s string) string {
	b := []byte(s)
	for i := range b {
		b[i] = numericByte(b[i])
	}
	return string(b)
}

func numericByte(c byte) byte {
	switch c {
	case 'O', 'Q', 'D':
		return '0'
	case 'I', 'L':
		return '1'
	case 'Z':
		return '2'
	case 'S':
		return '5'
	case 'B':
		return '8'
	}
	return c
}

func letters(s string) string {
	return strings.Trim(strings.Map(func(r rune) rune {
		switch r {
		case '0':
			return 'O'
		case '<':
			return -1
		}
		return r
	}, s), " ")
}

func words(s string) string {
	return strings.Join(strings.Fields(strings.ReplaceAll(s, "<", " ")), " ")
}

// date converts YYMMDD to the canonical day-month-year form.
func date(yymmdd string, birth bool) string {
	var n [3]int
	for i := 0; i < 3; i++ {
		a, b := yymmdd[2*i], yymmdd[2*i+1]
		if a < '0' || a > '9' || b < '0' || b > '9' {
			return ""
		}
		n[i] = int(a-'0')*10 + int(b-'0')
	}
	year := 2000 + n[0]
	if birth && n[0] >= birthPivot {
		year = 1900 + n[0]
	}
	s, _ := parse.FormatDate(year, n[1], n[2])
	return s
}
