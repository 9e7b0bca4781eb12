package extraction

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Issuer templates for Philippine documents plus ICAO passports. Each
// template names the format of its document number and, where applicable,
// a checksum.
var (
	philIDPattern   = regexp.MustCompile(`^\d{4}-\d{4}-\d{4}-\d{4}$`)
	umidPattern     = regexp.MustCompile(`^(CRN-)?\d{4}-\d{7}-\d{1}$`)
	passportPattern = regexp.MustCompile(`^[A-Z]{1,2}\d{7}[0-9A-Z]?$`)
	driversPattern  = regexp.MustCompile(`^[A-Z]\d{2}-\d{2}-\d{6}$`)
)

// Validate runs issuer-template checks over aggregated fields: document
// number format per document type, expiry, and MRZ check digits when the
// document number carries one (passports).
func Validate(fields map[FieldID]FieldConfidence) Validation {
	v := Validation{OK: true}

	docType := strings.ToLower(fields[FieldDocumentType].Value)
	docNum := strings.ToUpper(strings.TrimSpace(fields[FieldDocumentNumber].Value))

	if docNum != "" {
		switch docType {
		case "philid", "philsys":
			if !philIDPattern.MatchString(docNum) {
				v.fail("document_number does not match PhilID PCN format")
			}
		case "umid":
			if !umidPattern.MatchString(docNum) {
				v.fail("document_number does not match UMID CRN format")
			}
		case "passport":
			if !passportPattern.MatchString(docNum) {
				v.fail("document_number does not match passport format")
			} else if last := docNum[len(docNum)-1]; last >= '0' && last <= '9' &&
				len(docNum) == 9 && docNum[1] >= '0' && docNum[1] <= '9' {
				// MRZ form: the ninth character is the ICAO 9303 check
				// digit over the preceding eight.
				body := docNum[:len(docNum)-1]
				if MRZCheckDigit(body) != last {
					v.fail("passport number check digit mismatch")
				}
			}
		case "drivers_license":
			if !driversPattern.MatchString(docNum) {
				v.fail("document_number does not match LTO license format")
			}
		case "":
			v.fail("document_type missing")
		}
	} else if docType != "" {
		v.fail("document_number missing")
	}

	if expiry := fields[FieldExpiryDate].Value; expiry != "" {
		if _, err := time.Parse("2006-01-02", expiry); err != nil {
			v.fail("expiry_date unparseable")
		}
	}
	if dob := fields[FieldDateOfBirth].Value; dob != "" {
		if _, err := time.Parse("2006-01-02", dob); err != nil {
			v.fail("date_of_birth unparseable")
		}
	}
	return v
}

// Expired reports whether the extracted expiry date is strictly before now.
// Unparseable or absent expiry is not "expired"; validation flags it.
func Expired(fields map[FieldID]FieldConfidence, now time.Time) bool {
	expiry := fields[FieldExpiryDate].Value
	if expiry == "" {
		return false
	}
	t, err := time.Parse("2006-01-02", expiry)
	if err != nil {
		return false
	}
	return t.Before(now)
}

func (v *Validation) fail(issue string) {
	v.OK = false
	v.Issues = append(v.Issues, issue)
}

// MRZCheckDigit computes the ICAO 9303 check digit over a machine-readable
// zone fragment: character values 0-9, A=10..Z=35, '<'=0, weights 7-3-1.
func MRZCheckDigit(s string) byte {
	weights := []int{7, 3, 1}
	sum := 0
	for i := 0; i < len(s); i++ {
		var val int
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
			val = int(c - '0')
		case c >= 'A' && c <= 'Z':
			val = int(c-'A') + 10
		case c == '<':
			val = 0
		default:
			val = 0
		}
		sum += val * weights[i%3]
	}
	return byte('0' + sum%10)
}

// ValidateMRZLine checks one MRZ data group: everything before the final
// character, validated against that trailing check digit.
func ValidateMRZLine(group string) error {
	if len(group) < 2 {
		return fmt.Errorf("mrz group too short")
	}
	body, check := group[:len(group)-1], group[len(group)-1]
	if got := MRZCheckDigit(body); got != check {
		return fmt.Errorf("mrz check digit mismatch: want %c, got %c", check, got)
	}
	return nil
}
