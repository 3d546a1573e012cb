// Package schema holds the declarative document layouts: which regions of a
// document side to read, with which recognition modes, and which fields each
// region carries. Layouts are loaded once and never mutated.
package schema

import (
	_ "embed"
	"errors"
	"fmt"
	"image"
	"math"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/example/idverify/internal/ocr"
)

var (
	ErrUnknownDocumentType = errors.New("unknown document type")
	ErrUnknownSide         = errors.New("unknown document side")
)

//go:embed documents.yaml
var defaultLayouts []byte

// DocumentType names a modeled document layout.
type DocumentType string

const (
	Passport       DocumentType = "passport"
	IDCard         DocumentType = "id_card"
	DrivingLicense DocumentType = "driving_license"
)

// Side is a physical face of a document.
type Side string

const (
	SideFront Side = "front"
	SideBack  Side = "back"
)

var sideOrder = []Side{SideFront, SideBack}

// Rect is a region rectangle in fractions of the page.
type Rect struct {
	X, Y, W, H float64
}

// Bounds scales the rectangle to pixel bounds inside b.
func (r Rect) Bounds(b image.Rectangle) image.Rectangle {
	w, h := float64(b.Dx()), float64(b.Dy())
	px := image.Rect(
		b.Min.X+int(math.Round(r.X*w)),
		b.Min.Y+int(math.Round(r.Y*h)),
		b.Min.X+int(math.Round((r.X+r.W)*w)),
		b.Min.Y+int(math.Round((r.Y+r.H)*h)),
	)
	return px.Intersect(b)
}

// Region is one crop of a document side and the fields expected in it.
type Region struct {
	ID     string
	Rect   Rect
	Modes  []ocr.Mode
	Fields []FieldKey
	MRZ    bool
}

func (r Region) clone() Region {
	r.Modes = append([]ocr.Mode(nil), r.Modes...)
	r.Fields = append([]FieldKey(nil), r.Fields...)
	return r
}

// Ordinal is the position of key among the region's fields of the same
// kind. Unlabeled dates are told apart by it.
func (r Region) Ordinal(key FieldKey) int {
	n := 0
	for _, f := range r.Fields {
		if f == key {
			return n
		}
		if f.Kind() == key.Kind() {
			n++
		}
	}
	return -1
}

type sideLayout struct {
	fields  []FieldKey
	regions []Region
}

// Document is the layout of one document type.
type Document struct {
	Type            DocumentType
	CanonicalScript Script
	Important       []FieldKey

	sides      map[Side]*sideLayout
	vocabulary map[FieldKey][]string
}

// Sides lists the sides the document has, front first.
func (d *Document) Sides() []Side {
	var out []Side
	for _, s := range sideOrder {
		if _, ok := d.sides[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Fields lists the fields declared for side.
func (d *Document) Fields(side Side) []FieldKey {
	l, ok := d.sides[side]
	if !ok {
		return nil
	}
	return append([]FieldKey(nil), l.fields...)
}

// AllFields lists every field of the document across sides.
func (d *Document) AllFields() []FieldKey {
	var out []FieldKey
	for _, s := range d.Sides() {
		out = append(out, d.sides[s].fields...)
	}
	return out
}

// Vocabulary returns the closed value set for key, preferring the document's
// override over the field default.
func (d *Document) Vocabulary(key FieldKey) []string {
	if v, ok := d.vocabulary[key]; ok {
		return v
	}
	return key.Vocabulary()
}

// Registry indexes document layouts by type.
type Registry struct {
	docs map[DocumentType]*Document
}

// Default loads the layouts compiled into the binary.
func Default() (*Registry, error) {
	return Load(defaultLayouts)
}

// LoadFile loads layouts from a YAML file.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema %s: %w", path, err)
	}
	return Load(data)
}

// Types lists the known document types in name order.
func (r *Registry) Types() []DocumentType {
	out := make([]DocumentType, 0, len(r.docs))
	for t := range r.docs {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Document returns the layout for t.
func (r *Registry) Document(t DocumentType) (*Document, error) {
	d, ok := r.docs[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDocumentType, t)
	}
	return d, nil
}

// RegionsFor returns the ordered regions to read for one side. The result
// is a copy; callers may not change the registry through it.
func (r *Registry) RegionsFor(t DocumentType, side Side) ([]Region, error) {
	d, err := r.Document(t)
	if err != nil {
		return nil, err
	}
	l, ok := d.sides[side]
	if !ok {
		return nil, fmt.Errorf("%w: %q has no %q side", ErrUnknownSide, t, side)
	}
	out := make([]Region, len(l.regions))
	for i, reg := range l.regions {
		out[i] = reg.clone()
	}
	return out, nil
}

type layoutFile struct {
	Documents map[string]documentSpec `yaml:"documents"`
}

type documentSpec struct {
	CanonicalScript string              `yaml:"canonical_script"`
	Important       []string            `yaml:"important"`
	Vocabulary      map[string][]string `yaml:"vocabulary"`
	Sides           map[string]sideSpec `yaml:"sides"`
}

type sideSpec struct {
	Fields  []string     `yaml:"fields"`
	Regions []regionSpec `yaml:"regions"`
}

type regionSpec struct {
	ID     string    `yaml:"id"`
	Rect   []float64 `yaml:"rect"`
	Modes  []string  `yaml:"modes"`
	Fields []string  `yaml:"fields"`
	MRZ    bool      `yaml:"mrz"`
}

// Load parses and validates layouts. Each side's fields must be covered by
// exactly one of its regions, and the sides of one document must not share
// fields.
func Load(data []byte) (*Registry, error) {
	var f layoutFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	if len(f.Documents) == 0 {
		return nil, errors.New("schema: no documents defined")
	}

	reg := &Registry{docs: make(map[DocumentType]*Document, len(f.Documents))}
	for name, spec := range f.Documents {
		doc, err := buildDocument(DocumentType(name), spec)
		if err != nil {
			return nil, err
		}
		reg.docs[doc.Type] = doc
	}
	return reg, nil
}

func buildDocument(t DocumentType, spec documentSpec) (*Document, error) {
	doc := &Document{
		Type:            t,
		CanonicalScript: ScriptLatin,
		sides:           make(map[Side]*sideLayout),
		vocabulary:      make(map[FieldKey][]string),
	}
	switch Script(spec.CanonicalScript) {
	case "", ScriptLatin:
	case ScriptLocal:
		doc.CanonicalScript = ScriptLocal
	default:
		return nil, fmt.Errorf("schema %s: unknown canonical script %q", t, spec.CanonicalScript)
	}
	if len(spec.Sides) == 0 {
		return nil, fmt.Errorf("schema %s: no sides", t)
	}

	owner := make(map[FieldKey]Side)
	for name, s := range spec.Sides {
		side := Side(name)
		if side != SideFront && side != SideBack {
			return nil, fmt.Errorf("schema %s: %w %q", t, ErrUnknownSide, name)
		}
		layout, err := buildSide(t, side, s)
		if err != nil {
			return nil, err
		}
		for _, k := range layout.fields {
			if other, dup := owner[k]; dup {
				return nil, fmt.Errorf("schema %s: field %s on both %s and %s", t, k, other, side)
			}
			owner[k] = side
		}
		doc.sides[side] = layout
	}

	for _, name := range spec.Important {
		k, err := fieldKey(t, name)
		if err != nil {
			return nil, err
		}
		if _, ok := owner[k]; !ok {
			return nil, fmt.Errorf("schema %s: important field %s is not declared", t, k)
		}
		doc.Important = append(doc.Important, k)
	}

	for name, values := range spec.Vocabulary {
		k, err := fieldKey(t, name)
		if err != nil {
			return nil, err
		}
		if k.Kind() != KindEnum {
			return nil, fmt.Errorf("schema %s: vocabulary for non-enumerated field %s", t, k)
		}
		if len(values) == 0 {
			return nil, fmt.Errorf("schema %s: empty vocabulary for %s", t, k)
		}
		doc.vocabulary[k] = append([]string(nil), values...)
	}
	return doc, nil
}

func buildSide(t DocumentType, side Side, spec sideSpec) (*sideLayout, error) {
	layout := &sideLayout{}
	declared := make(map[FieldKey]bool)
	for _, name := range spec.Fields {
		k, err := fieldKey(t, name)
		if err != nil {
			return nil, err
		}
		if declared[k] {
			return nil, fmt.Errorf("schema %s/%s: field %s declared twice", t, side, k)
		}
		declared[k] = true
		layout.fields = append(layout.fields, k)
	}
	if len(spec.Regions) == 0 {
		return nil, fmt.Errorf("schema %s/%s: no regions", t, side)
	}

	covered := make(map[FieldKey]string)
	ids := make(map[string]bool)
	for _, rs := range spec.Regions {
		where := fmt.Sprintf("schema %s/%s region %q", t, side, rs.ID)
		if rs.ID == "" || ids[rs.ID] {
			return nil, fmt.Errorf("%s: missing or duplicate id", where)
		}
		ids[rs.ID] = true

		rect, err := buildRect(rs.Rect)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", where, err)
		}
		region := Region{ID: rs.ID, Rect: rect, MRZ: rs.MRZ}
		for _, m := range rs.Modes {
			mode, err := ocr.ParseMode(m)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", where, err)
			}
			region.Modes = append(region.Modes, mode)
		}
		if region.MRZ && len(region.Modes) == 0 {
			region.Modes = []ocr.Mode{ocr.ModeMRZ}
		}
		if !region.MRZ && len(rs.Fields) == 0 {
			return nil, fmt.Errorf("%s: no fields", where)
		}

		for _, name := range rs.Fields {
			k, err := fieldKey(t, name)
			if err != nil {
				return nil, err
			}
			if !declared[k] {
				return nil, fmt.Errorf("%s: field %s is not declared for the side", where, k)
			}
			if prev, dup := covered[k]; dup {
				return nil, fmt.Errorf("%s: field %s already covered by region %q", where, k, prev)
			}
			covered[k] = rs.ID
			region.Fields = append(region.Fields, k)
		}
		layout.regions = append(layout.regions, region)
	}

	for _, k := range layout.fields {
		if _, ok := covered[k]; !ok {
			return nil, fmt.Errorf("schema %s/%s: field %s not covered by any region", t, side, k)
		}
	}
	return layout, nil
}

func buildRect(v []float64) (Rect, error) {
	if len(v) != 4 {
		return Rect{}, fmt.Errorf("rect needs 4 values, got %d", len(v))
	}
	r := Rect{X: v[0], Y: v[1], W: v[2], H: v[3]}
	const eps = 1e-9
	if r.X < 0 || r.Y < 0 || r.W <= 0 || r.H <= 0 || r.X+r.W > 1+eps || r.Y+r.H > 1+eps {
		return Rect{}, fmt.Errorf("rect %v outside the unit page", v)
	}
	return r, nil
}

func fieldKey(t DocumentType, name string) (FieldKey, error) {
	k, ok := ParseFieldKey(name)
	if !ok {
		return FieldUnknown, fmt.Errorf("schema %s: unknown field %q", t, name)
	}
	return k, nil
}
