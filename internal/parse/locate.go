// Package parse finds field values in recognized text and normalizes them to
// their canonical forms.
package parse

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/example/idverify/internal/schema"
)

// Vocabulary supplies the closed value set of enumerated fields.
// *schema.Document satisfies it.
type Vocabulary interface {
	Vocabulary(key schema.FieldKey) []string
}

type defaultVocabulary struct{}

func (defaultVocabulary) Vocabulary(key schema.FieldKey) []string { return key.Vocabulary() }

// Span is a value's byte range inside the searched text.
type Span struct {
	Start, End int
	Labeled    bool
}

// Parser locates and normalizes fields for one document type. It is
// immutable after New and safe for concurrent use.
type Parser struct {
	vocab    Vocabulary
	labels   map[schema.FieldKey]*regexp.Regexp
	anyLabel *regexp.Regexp
	values   map[schema.FieldKey]*regexp.Regexp
	aliases  map[schema.FieldKey]map[string]string
}

// bloodGroup accepts "0" for "O" and a stray space before the sign.
const bloodGroup = `(?:AB|A|B|O|0)\s?[+\-]`

var (
	dateValue = regexp.MustCompile(`(?i)\b(?:\d{1,2}[./\-\s]{1,2}\d{1,2}[./\-\s]{1,2}\d{4}|\d{4}[./\-]\d{1,2}[./\-]\d{1,2}|\d{1,2}[\s\-]?[a-z]{3,9}[\s\-]?\d{4})\b`)
	nameLine   = regexp.MustCompile(`^[A-Z][A-Z'\-]{1,}(?:\s+[A-Z][A-Z'\-]{1,}){1,5}$`)
)

// nonNameWords are printed captions that look like names to a pattern.
var nonNameWords = map[string]bool{
	"REPUBLIC": true, "PASSPORT": true, "TYPE": true, "NATIONAL": true, "NUMBER": true,
	"DATE": true, "BIRTH": true, "ISSUE": true, "EXPIRY": true, "PLACE": true,
	"NATIONALITY": true, "SIGNATURE": true, "HOLDER": true, "AUTHORITY": true,
	"COUNTRY": true, "CODE": true, "DOCUMENT": true, "IDENTITY": true, "CARD": true,
	"DRIVING": true, "LICENSE": true, "LICENCE": true, "MINISTRY": true, "INTERIOR": true,
}

var enumAliases = map[schema.FieldKey]map[string]string{
	schema.FieldSex: {
		"MALE": "M", "FEMALE": "F", "ذكر": "M", "أنثى": "F", "انثى": "F",
	},
	schema.FieldLicenseType: {
		"خاصة": "PRIVATE", "عمومية": "PUBLIC", "دراجة": "MOTORCYCLE", "ثقيلة": "HEAVY",
	},
}

// New builds a parser whose enumerations follow vocab. A nil vocab uses the
// field defaults.
func New(vocab Vocabulary) *Parser {
	if vocab == nil {
		vocab = defaultVocabulary{}
	}
	p := &Parser{
		vocab:   vocab,
		labels:  make(map[schema.FieldKey]*regexp.Regexp),
		values:  make(map[schema.FieldKey]*regexp.Regexp),
		aliases: enumAliases,
	}

	var all []string
	for _, k := range schema.Keys() {
		labels := k.Labels()
		all = append(all, labels...)
		p.labels[k] = labelPattern(labels)

		switch k.Kind() {
		case schema.KindDate:
			p.values[k] = dateValue
		case schema.KindIdentifier, schema.KindCode:
			if k.Pattern() != "" {
				p.values[k] = regexp.MustCompile(`\b` + k.Pattern() + `\b`)
			}
		case schema.KindEnum:
			p.values[k] = p.enumPattern(k)
		}
	}
	p.anyLabel = labelPattern(all)
	return p
}

// labelPattern matches any of labels, longest first, tolerating OCR spacing.
func labelPattern(labels []string) *regexp.Regexp {
	sorted := append([]string(nil), labels...)
	sort.SliceStable(sorted, func(i, j int) bool { return len(sorted[i]) > len(sorted[j]) })
	alts := make([]string, 0, len(sorted))
	for _, l := range sorted {
		words := strings.Fields(l)
		for i, w := range words {
			words[i] = regexp.QuoteMeta(w)
		}
		alt := strings.Join(words, `\s*`)
		if isLatin(l) {
			alt = `\b` + alt + `\b\.?`
		}
		alts = append(alts, alt)
	}
	return regexp.MustCompile(`(?i)(?:` + strings.Join(alts, "|") + `)`)
}

func (p *Parser) enumPattern(k schema.FieldKey) *regexp.Regexp {
	words := append([]string(nil), p.vocab.Vocabulary(k)...)
	for alias := range p.aliases[k] {
		words = append(words, alias)
	}
	sort.SliceStable(words, func(i, j int) bool {
		if len(words[i]) != len(words[j]) {
			return len(words[i]) > len(words[j])
		}
		return words[i] < words[j]
	})
	alts := make([]string, 0, len(words)+1)
	if k == schema.FieldBloodType {
		alts = append(alts, bloodGroup)
	}
	for _, w := range words {
		alts = append(alts, regexp.QuoteMeta(w))
	}
	return regexp.MustCompile(`(?i)(?:` + strings.Join(alts, "|") + `)`)
}

// Locate finds the raw value of key in text. A printed label in either
// script anchors the search to the rest of its line, or the next line when
// that is empty. Without a label, dates fall back to the ordinal-th date in
// the text, identifiers and codes to the first pattern match, enumerations
// to the first vocabulary word and names to a capitalized multi-word line.
func (p *Parser) Locate(key schema.FieldKey, text string, ordinal int) (Span, bool) {
	if s, ok := p.locateLabeled(key, text); ok {
		return s, true
	}
	return p.locateUnlabeled(key, text, ordinal)
}

func (p *Parser) locateLabeled(key schema.FieldKey, text string) (Span, bool) {
	label := p.labels[key]
	if label == nil {
		return Span{}, false
	}
	for _, m := range label.FindAllStringIndex(text, -1) {
		start := p.skipOwnLabels(key, text, m[1])
		first := lineAt(text, start)
		if s, ok := p.valueIn(key, text, first); ok {
			s.Labeled = true
			return s, true
		}
		if first.end < len(text) {
			next := lineAt(text, first.end+1)
			if s, ok := p.valueIn(key, text, next); ok {
				s.Labeled = true
				return s, true
			}
		}
	}
	return Span{}, false
}

// skipOwnLabels moves past separators and further labels of the same field,
// as in "Date of Birth / تاريخ الميلاد :".
func (p *Parser) skipOwnLabels(key schema.FieldKey, text string, pos int) int {
	for {
		pos = skipSeparators(text, pos)
		loc := p.labels[key].FindStringIndex(text[pos:])
		if loc == nil || loc[0] != 0 {
			return pos
		}
		pos += loc[1]
	}
}

type line struct{ start, end int }

// lineAt is the rest of the line from pos.
func lineAt(text string, pos int) line {
	if pos > len(text) {
		pos = len(text)
	}
	end := strings.IndexByte(text[pos:], '\n')
	if end < 0 {
		return line{pos, len(text)}
	}
	return line{pos, pos + end}
}

func (p *Parser) valueIn(key schema.FieldKey, text string, l line) (Span, bool) {
	segment := text[l.start:l.end]
	switch key.Kind() {
	case schema.KindDate, schema.KindIdentifier, schema.KindCode:
		re := p.values[key]
		if re == nil {
			return freeText(text, l, p.anyLabel)
		}
		if loc := re.FindStringIndex(segment); loc != nil {
			return Span{Start: l.start + loc[0], End: l.start + loc[1]}, true
		}
		return Span{}, false
	case schema.KindEnum:
		if loc := p.findWord(p.values[key], segment); loc != nil {
			return Span{Start: l.start + loc[0], End: l.start + loc[1]}, true
		}
		return firstWord(text, l)
	default:
		return freeText(text, l, p.anyLabel)
	}
}

func (p *Parser) locateUnlabeled(key schema.FieldKey, text string, ordinal int) (Span, bool) {
	switch key.Kind() {
	case schema.KindDate:
		if ordinal < 0 {
			ordinal = 0
		}
		all := dateValue.FindAllStringIndex(text, -1)
		if ordinal < len(all) {
			return Span{Start: all[ordinal][0], End: all[ordinal][1]}, true
		}
	case schema.KindIdentifier, schema.KindCode:
		if re := p.values[key]; re != nil {
			if loc := re.FindStringIndex(text); loc != nil {
				return Span{Start: loc[0], End: loc[1]}, true
			}
		}
	case schema.KindEnum:
		if loc := p.findWord(p.values[key], text); loc != nil {
			return Span{Start: loc[0], End: loc[1]}, true
		}
	case schema.KindName:
		return nameCandidate(text)
	}
	return Span{}, false
}

// findWord returns the first match of re that is not glued to surrounding
// letters or digits.
func (p *Parser) findWord(re *regexp.Regexp, s string) []int {
	if re == nil {
		return nil
	}
	for _, loc := range re.FindAllStringIndex(s, -1) {
		if loc[0] > 0 && isWordRune(lastRune(s[:loc[0]])) {
			continue
		}
		if loc[1] < len(s) && isWordRune(firstRune(s[loc[1]:])) {
			continue
		}
		return loc
	}
	return nil
}

// freeText takes the line up to the next printed label.
func freeText(text string, l line, anyLabel *regexp.Regexp) (Span, bool) {
	start := skipSeparators(text[:l.end], l.start)
	end := l.end
	if loc := anyLabel.FindStringIndex(text[start:end]); loc != nil {
		end = start + loc[0]
	}
	end = trimRightSeparators(text, start, end)
	if end <= start {
		return Span{}, false
	}
	return Span{Start: start, End: end}, true
}

func firstWord(text string, l line) (Span, bool) {
	start := skipSeparators(text[:l.end], l.start)
	end := start
	for end < l.end {
		r, size := utf8.DecodeRuneInString(text[end:])
		if unicode.IsSpace(r) {
			break
		}
		end += size
	}
	if end <= start {
		return Span{}, false
	}
	return Span{Start: start, End: end}, true
}

// nameCandidate picks the longest capitalized line of two or more words that
// is not a printed caption.
func nameCandidate(text string) (Span, bool) {
	best := Span{}
	found := false
	pos := 0
	for _, raw := range strings.Split(text, "\n") {
		start := pos
		pos += len(raw) + 1
		trimmed := strings.TrimSpace(raw)
		if !nameLine.MatchString(trimmed) || hasNonNameWord(trimmed) {
			continue
		}
		offset := strings.Index(raw, trimmed)
		s := Span{Start: start + offset, End: start + offset + len(trimmed)}
		if !found || s.End-s.Start > best.End-best.Start {
			best, found = s, true
		}
	}
	return best, found
}

func hasNonNameWord(s string) bool {
	for _, w := range strings.Fields(s) {
		if nonNameWords[w] {
			return true
		}
	}
	return false
}

func skipSeparators(text string, pos int) int {
	for pos < len(text) {
		c := text[pos]
		if c == ' ' || c == '\t' || c == ':' || c == '/' || c == '-' || c == '.' || c == '|' {
			pos++
			continue
		}
		break
	}
	return pos
}

func trimRightSeparators(text string, start, end int) int {
	for end > start {
		c := text[end-1]
		if c == ' ' || c == '\t' || c == ':' || c == '/' || c == '-' || c == '|' {
			end--
			continue
		}
		break
	}
	return end
}

func isLatin(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII {
			return false
		}
	}
	return true
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

func firstRune(s string) rune {
	for _, r := range s {
		return r
	}
	return 0
}

func lastRune(s string) rune {
	var last rune
	for _, r := range s {
		last = r
	}
	return last
}
