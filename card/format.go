package card

import "strings"

// FormatPAN groups the PAN digits for display: 4-6-5 for amex, 4-4-4-4
// otherwise. Input formatting is discarded first.
func FormatPAN(pan string, brand Brand) string {
	digits := Digits(pan)
	if digits == "" {
		return ""
	}

	groups := []int{4, 4, 4, 4, 4}
	if brand == BrandAmex {
		groups = []int{4, 6, 5}
	}

	var parts []string
	rest := digits
	for _, g := range groups {
		if len(rest) == 0 {
			break
		}
		if g > len(rest) {
			g = len(rest)
		}
		parts = append(parts, rest[:g])
		rest = rest[g:]
	}
	if len(rest) > 0 {
		parts = append(parts, rest)
	}
	return strings.Join(parts, " ")
}

// Mask returns the PCI display form of a PAN: first six digits, the last
// four, and asterisks in between. Short inputs are returned unchanged.
func Mask(pan string) string {
	digits := Digits(pan)
	if len(digits) <= 10 {
		return digits
	}

	var b strings.Builder
	b.Grow(len(digits))
	b.WriteString(digits[:6])
	for i := 0; i < len(digits)-10; i++ {
		b.WriteByte('*')
	}
	b.WriteString(digits[len(digits)-4:])
	return b.String()
}
