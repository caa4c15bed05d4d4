// Package card is the canonical validator for card data collected by the
// gate page: Luhn check, BIN-based brand detection, expiry and CVV rules,
// display formatting and PCI masking. Everything here is a pure function
// so both the relay session and the proxy handlers share one set of rules.
package card

import (
	"strings"
	"time"
)

// Brand is the card network inferred from the PAN prefix.
type Brand string

const (
	BrandVisa       Brand = "visa"
	BrandMastercard Brand = "mastercard"
	BrandAmex       Brand = "amex"
	BrandUnknown    Brand = "unknown"
)

// MinPANLength is the shortest PAN accepted by the gate.
const MinPANLength = 12

// binTable maps PAN prefixes to brands. Longest prefix wins; prefixes up
// to 8 digits are considered.
var binTable = map[string]Brand{
	"4":  BrandVisa,
	"51": BrandMastercard,
	"52": BrandMastercard,
	"53": BrandMastercard,
	"54": BrandMastercard,
	"55": BrandMastercard,
	"34": BrandAmex,
	"37": BrandAmex,
}

// Input holds one snapshot of the card entry fields. It is transient:
// callers must not persist it or include it in logs.
type Input struct {
	PAN    string
	Expiry string
	CVV    string
}

// Result is the outcome of validating an Input. It drives submit
// enablement on the widget side.
type Result struct {
	PANOk    bool  `json:"pan_ok"`
	ExpiryOk bool  `json:"expiry_ok"`
	CVVOk    bool  `json:"cvv_ok"`
	Brand    Brand `json:"brand"`
}

// AllValid reports whether every field passed validation.
func (r Result) AllValid() bool {
	return r.PANOk && r.ExpiryOk && r.CVVOk
}

// Validate checks all fields of the input against the current time.
func Validate(in Input, now time.Time) Result {
	panOk, brand := ValidatePAN(in.PAN)
	return Result{
		PANOk:    panOk,
		ExpiryOk: ValidateExpiry(in.Expiry, now),
		CVVOk:    ValidateCVV(in.CVV, brand),
		Brand:    brand,
	}
}

// Digits strips everything that is not an ASCII digit.
func Digits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// Luhn runs the mod-10 checksum over the digits of pan. Formatting
// characters are stripped first; an empty digit string fails.
func Luhn(pan string) bool {
	digits := Digits(pan)
	if digits == "" {
		return false
	}

	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// DetectBrand matches the longest known BIN prefix (1..8 digits) of the
// PAN. Unmatched prefixes return BrandUnknown.
func DetectBrand(pan string) Brand {
	digits := Digits(pan)
	if digits == "" {
		return BrandUnknown
	}

	maxLen := 8
	if len(digits) < maxLen {
		maxLen = len(digits)
	}
	for l := maxLen; l >= 1; l-- {
		if brand, ok := binTable[digits[:l]]; ok {
			return brand
		}
	}
	return BrandUnknown
}

// ValidatePAN strips formatting, requires at least MinPANLength digits
// and a passing Luhn checksum. The detected brand is returned alongside
// so CVV rules can depend on it.
func ValidatePAN(pan string) (bool, Brand) {
	digits := Digits(pan)
	brand := DetectBrand(digits)
	if len(digits) < MinPANLength {
		return false, brand
	}
	return Luhn(digits), brand
}

// ParseExpiry normalizes MM/YY, MMYY, M/YY and MYY inputs to a month and
// a four digit year. The century is fixed at 20XX. A false return means
// the input could not be parsed at all.
func ParseExpiry(raw string) (month, year int, ok bool) {
	cleaned := Digits(raw)

	var mm, yy string
	switch len(cleaned) {
	case 3: // MYY
		mm = "0" + cleaned[:1]
		yy = cleaned[1:]
	case 4: // MMYY
		mm = cleaned[:2]
		yy = cleaned[2:]
	default:
		return 0, 0, false
	}

	month = int(mm[0]-'0')*10 + int(mm[1]-'0')
	year = 2000 + int(yy[0]-'0')*10 + int(yy[1]-'0')
	if month < 1 || month > 12 {
		return 0, 0, false
	}
	return month, year, true
}

// ValidateExpiry reports whether the expiry resolves to the current
// calendar month or later. Day of month is ignored.
func ValidateExpiry(raw string, now time.Time) bool {
	month, year, ok := ParseExpiry(raw)
	if !ok {
		return false
	}
	if year != now.Year() {
		return year > now.Year()
	}
	return time.Month(month) >= now.Month()
}

// ValidateCVV requires an all-digit code of exactly 4 digits for amex
// and exactly 3 for every other brand.
func ValidateCVV(cvv string, brand Brand) bool {
	want := 3
	if brand == BrandAmex {
		want = 4
	}
	if len(cvv) != want {
		return false
	}
	for i := 0; i < len(cvv); i++ {
		if cvv[i] < '0' || cvv[i] > '9' {
			return false
		}
	}
	return true
}
