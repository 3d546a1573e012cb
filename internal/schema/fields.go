package schema

import "fmt"

// FieldKey identifies an extracted attribute independently of the script it
// is displayed in.
type FieldKey uint8

const (
	FieldUnknown FieldKey = iota
	FieldFullName
	FieldNationalID
	FieldPassportNumber
	FieldPassportType
	FieldCountryCode
	FieldNationality
	FieldSex
	FieldDateOfBirth
	FieldPlaceOfBirth
	FieldDateOfIssue
	FieldDateOfExpiry
	FieldPlaceOfIssue
	FieldBloodType
	FieldAddress
	FieldOccupation
	FieldLicenseNumber
	FieldLicenseType
	fieldCount
)

// Kind selects the locating and normalization rules for a field.
type Kind uint8

const (
	KindText Kind = iota
	KindName
	KindDate
	KindEnum
	KindIdentifier
	KindCode
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindName:
		return "name"
	case KindDate:
		return "date"
	case KindEnum:
		return "enum"
	case KindIdentifier:
		return "identifier"
	case KindCode:
		return "code"
	default:
		return fmt.Sprintf("kind(%d)", k)
	}
}

// Script names the writing system a key or value is expressed in.
type Script string

const (
	ScriptLatin Script = "latin"
	ScriptLocal Script = "local"
)

type fieldInfo struct {
	latin       string
	local       string
	kind        Kind
	latinLabels []string
	localLabels []string
	pattern     string
	vocabulary  []string
}

var fields = [fieldCount]fieldInfo{
	FieldFullName: {
		latin: "full_name", local: "الاسم", kind: KindName,
		latinLabels: []string{"Full Name", "Name"},
		localLabels: []string{"الاسم الكامل", "الاسم"},
	},
	FieldNationalID: {
		latin: "national_id", local: "الرقم_الوطني", kind: KindIdentifier,
		latinLabels: []string{"National No", "National ID", "NIN"},
		localLabels: []string{"الرقم الوطني"},
		pattern:     `\d{3}[-\s.]?\d{4}[-\s.]?\d{4,5}`,
	},
	FieldPassportNumber: {
		latin: "passport_number", local: "رقم_الجواز", kind: KindIdentifier,
		latinLabels: []string{"Passport No", "Passport Number"},
		localLabels: []string{"رقم الجواز", "جواز رقم"},
		pattern:     `[A-Z][0-9O]{8}`,
	},
	FieldPassportType: {
		latin: "passport_type", local: "نوع_الجواز", kind: KindEnum,
		latinLabels: []string{"Type"},
		localLabels: []string{"النوع"},
		vocabulary:  []string{"P", "PC", "PD", "PS"},
	},
	FieldCountryCode: {
		latin: "country_code", local: "رمز_الدولة", kind: KindCode,
		latinLabels: []string{"Country Code", "Code"},
		localLabels: []string{"رمز الدولة"},
		pattern:     `[A-Z]{3}`,
	},
	FieldNationality: {
		latin: "nationality", local: "الجنسية", kind: KindText,
		latinLabels: []string{"Nationality"},
		localLabels: []string{"الجنسية"},
	},
	FieldSex: {
		latin: "sex", local: "الجنس", kind: KindEnum,
		latinLabels: []string{"Sex", "Gender"},
		localLabels: []string{"الجنس"},
		vocabulary:  []string{"M", "F"},
	},
	FieldDateOfBirth: {
		latin: "date_of_birth", local: "تاريخ_الميلاد", kind: KindDate,
		latinLabels: []string{"Date of Birth", "Birth Date", "DOB"},
		localLabels: []string{"تاريخ الميلاد"},
	},
	FieldPlaceOfBirth: {
		latin: "place_of_birth", local: "مكان_الميلاد", kind: KindText,
		latinLabels: []string{"Place of Birth", "Birth Place", "POB"},
		localLabels: []string{"مكان الميلاد", "محل الولادة"},
	},
	FieldDateOfIssue: {
		latin: "date_of_issue", local: "تاريخ_الإصدار", kind: KindDate,
		latinLabels: []string{"Date of Issue", "Issue Date"},
		localLabels: []string{"تاريخ الإصدار"},
	},
	FieldDateOfExpiry: {
		latin: "date_of_expiry", local: "تاريخ_الانتهاء", kind: KindDate,
		latinLabels: []string{"Date of Expiry", "Expiry Date", "Valid Until"},
		localLabels: []string{"تاريخ الانتهاء"},
	},
	FieldPlaceOfIssue: {
		latin: "place_of_issue", local: "مكان_الإصدار", kind: KindText,
		latinLabels: []string{"Place of Issue", "Issuing Authority", "Authority"},
		localLabels: []string{"مكان الإصدار", "جهة الإصدار"},
	},
	FieldBloodType: {
		latin: "blood_type", local: "فصيلة_الدم", kind: KindEnum,
		latinLabels: []string{"Blood Type", "Blood Group"},
		localLabels: []string{"فصيلة الدم"},
		vocabulary:  []string{"A+", "A-", "B+", "B-", "AB+", "AB-", "O+", "O-"},
	},
	FieldAddress: {
		latin: "address", local: "العنوان", kind: KindText,
		latinLabels: []string{"Address"},
		localLabels: []string{"العنوان"},
	},
	FieldOccupation: {
		latin: "occupation", local: "المهنة", kind: KindText,
		latinLabels: []string{"Occupation", "Profession"},
		localLabels: []string{"المهنة"},
	},
	FieldLicenseNumber: {
		latin: "license_number", local: "رقم_الرخصة", kind: KindIdentifier,
		latinLabels: []string{"License No", "Licence No", "License Number"},
		localLabels: []string{"رقم الرخصة"},
		pattern:     `\d{6,12}`,
	},
	FieldLicenseType: {
		latin: "license_type", local: "نوع_الرخصة", kind: KindEnum,
		latinLabels: []string{"License Type", "Licence Type", "Class"},
		localLabels: []string{"نوع الرخصة", "الفئة"},
		vocabulary:  []string{"PRIVATE", "PUBLIC", "MOTORCYCLE", "HEAVY", "COMMERCIAL"},
	},
}

var byLatin = func() map[string]FieldKey {
	m := make(map[string]FieldKey, fieldCount)
	for k := FieldKey(1); k < fieldCount; k++ {
		m[fields[k].latin] = k
	}
	return m
}()

// Keys returns every known field key in declaration order.
func Keys() []FieldKey {
	keys := make([]FieldKey, 0, fieldCount-1)
	for k := FieldKey(1); k < fieldCount; k++ {
		keys = append(keys, k)
	}
	return keys
}

// ParseFieldKey resolves a Latin-script key such as "date_of_birth".
func ParseFieldKey(s string) (FieldKey, bool) {
	k, ok := byLatin[s]
	return k, ok
}

func (k FieldKey) valid() bool { return k > FieldUnknown && k < fieldCount }

// Latin returns the Latin-script canonical key.
func (k FieldKey) Latin() string {
	if !k.valid() {
		return ""
	}
	return fields[k].latin
}

// Local returns the local-script canonical key.
func (k FieldKey) Local() string {
	if !k.valid() {
		return ""
	}
	return fields[k].local
}

// In returns the canonical key in the requested script.
func (k FieldKey) In(s Script) string {
	if s == ScriptLocal {
		return k.Local()
	}
	return k.Latin()
}

func (k FieldKey) String() string {
	if !k.valid() {
		return fmt.Sprintf("field(%d)", uint8(k))
	}
	return fields[k].latin
}

func (k FieldKey) Kind() Kind {
	if !k.valid() {
		return KindText
	}
	return fields[k].kind
}

// Labels returns the printed labels for the field, Latin script first.
func (k FieldKey) Labels() []string {
	if !k.valid() {
		return nil
	}
	info := fields[k]
	out := make([]string, 0, len(info.latinLabels)+len(info.localLabels))
	out = append(out, info.latinLabels...)
	return append(out, info.localLabels...)
}

// Pattern is the value regular expression for identifiers and codes.
func (k FieldKey) Pattern() string {
	if !k.valid() {
		return ""
	}
	return fields[k].pattern
}

// Vocabulary is the default closed value set for enumerations.
func (k FieldKey) Vocabulary() []string {
	if !k.valid() {
		return nil
	}
	return fields[k].vocabulary
}
