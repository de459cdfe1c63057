package gateway

import "strings"

// Digits strips everything but ASCII digits.
func Digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ValidCPF checks an 11-digit individual tax id (CPF) against its two check
// digits. Repeated-digit sequences are rejected.
func ValidCPF(digits string) bool {
	if len(digits) != 11 || allSame(digits) {
		return false
	}
	return checkDigit(digits[:9], 10) == digits[9] && checkDigit(digits[:10], 11) == digits[10]
}

// ValidCNPJ checks a 14-digit company tax id (CNPJ) against its two check
// digits.
func ValidCNPJ(digits string) bool {
	if len(digits) != 14 || allSame(digits) {
		return false
	}
	w1 := []int{5, 4, 3, 2, 9, 8, 7, 6, 5, 4, 3, 2}
	w2 := []int{6, 5, 4, 3, 2, 9, 8, 7, 6, 5, 4, 3, 2}
	return weightedDigit(digits[:12], w1) == digits[12] && weightedDigit(digits[:13], w2) == digits[13]
}

// checkDigit computes a CPF check digit with weights descending from start.
func checkDigit(s string, start int) byte {
	sum := 0
	for i := 0; i < len(s); i++ {
		sum += int(s[i]-'0') * (start - i)
	}
	return mod11(sum)
}

func weightedDigit(s string, weights []int) byte {
	sum := 0
	for i := 0; i < len(s); i++ {
		sum += int(s[i]-'0') * weights[i]
	}
	return mod11(sum)
}

func mod11(sum int) byte {
	r := sum % 11
	if r < 2 {
		return '0'
	}
	return byte('0' + 11 - r)
}

func allSame(s string) bool {
	return strings.Count(s, s[:1]) == len(s)
}
