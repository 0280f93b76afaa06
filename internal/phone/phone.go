// Package phone канонизирует номера телефонов для точного сравнения.
package phone

import "strings"

// Normalize приводит номер к сравнимому виду: убирает все нецифровые символы
// и заменяет ведущую восьмерку на семерку для 11-значных номеров
// (внутренний формат → международный). Идемпотентна.
func Normalize(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	if len(digits) == 11 && digits[0] == '8' {
		digits = "7" + digits[1:]
	}

	return digits
}
