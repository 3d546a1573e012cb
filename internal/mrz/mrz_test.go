package mrz

import (
	"errors"
	"testing"

	"github.com/example/idverify/internal/schema"
)

const (
	specimenLine1 = "P<UTOERIKSSON<<ANNA<MARIA<<<<<<<<<<<<<<<<<<<"
	specimenLine2 = "L898902C36UTO7408122F1204159ZE184226B<<<<<10"
)

func TestParseSpecimen(t *testing.T) {
	p, err := Parse("noise line\n" + specimenLine1 + "\n" + specimenLine2 + "\n")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(p.Failed) != 0 || !p.CompositeValid {
		t.Fatalf("expected every check digit to hold, failed=%v composite=%v", p.Failed, p.CompositeValid)
	}

	want := map[schema.FieldKey]string{
		schema.FieldPassportType:   "P",
		schema.FieldCountryCode:    "UTO",
		schema.FieldPassportNumber: "L898902C3",
		schema.FieldNationality:    "UTO",
		schema.FieldSex:            "F",
		schema.FieldDateOfBirth:    "12-08-1974",
		schema.FieldDateOfExpiry:   "15-04-2012",
		schema.FieldFullName:       "ANNA MARIA ERIKSSON",
	}
	got := p.Fields()
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("%s: expected %q, got %q", k, v, got[k])
		}
	}
	if _, ok := got[schema.FieldNationalID]; ok {
		t.Fatal("short personal number must not become a national id")
	}
	if p.Line1.Start != len("noise line\n") {
		t.Fatalf("unexpected line span %+v", p.Line1)
	}
}

func TestParseDropsFieldsWithBadCheckDigit(t *testing.T) {
	broken := "L898902C37UTO7408125F1204159ZE184226B<<<<<10"
	p, err := Parse(specimenLine1 + "\n" + broken)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	fields := p.Fields()
	if _, ok := fields[schema.FieldPassportNumber]; ok {
		t.Fatal("number with failed check digit was kept")
	}
	if _, ok := fields[schema.FieldDateOfBirth]; ok {
		t.Fatal("birth date with failed check digit was kept")
	}
	if fields[schema.FieldDateOfExpiry] != "15-04-2012" {
		t.Fatalf("valid expiry lost: %v", fields)
	}
	if p.CompositeValid {
		t.Fatal("composite check should fail")
	}
}

func TestParseRepairsDigitConfusions(t *testing.T) {
	ocrLine2 := "L898902C36UTO74O8122F12O4159ZE184226B<<<<<10"
	p, err := Parse(specimenLine1 + "\n" + ocrLine2)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.BirthDate != "12-08-1974" || p.ExpiryDate != "15-04-2012" {
		t.Fatalf("dates not repaired: %q %q", p.BirthDate, p.ExpiryDate)
	}
}

func TestParseNotFound(t *testing.T) {
	if _, err := Parse("REPUBLIC OF SUDAN\nPASSPORT"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCheckDigit(t *testing.T) {
	if got := CheckDigit("L898902C3"); got != 6 {
		t.Fatalf("expected 6, got %d", got)
	}
	if got := CheckDigit("740812"); got != 2 {
		t.Fatalf("expected 2, got %d", got)
	}
}

func TestLineOf(t *testing.T) {
	if LineOf(schema.FieldFullName) != 1 || LineOf(schema.FieldDateOfBirth) != 2 {
		t.Fatal("unexpected line mapping")
	}
}

func TestDateCenturyPivot(t *testing.T) {
	cases := []struct {
		in    string
		birth bool
		want  string
	}{
		{in: "290101", birth: true, want: "01-01-2029"},
		{in: "300101", birth: true, want: "01-01-1930"},
		{in: "741208", birth: true, want: "08-12-1974"},
		{in: "300101", birth: false, want: "01-01-2030"},
		{in: "3A0101", birth: true, want: ""},
	}
	for _, tc := range cases {
		if got := date(tc.in, tc.birth); got != tc.want {
			t.Fatalf("date(%q, %v) = %q, want %q", tc.in, tc.birth, got, tc.want)
		}
	}
}
