// Package redact убирает ключи и управляющие символы из всего, что попадает
// в логи или показывается пользователю.
package redact

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// Placeholder подставляется вместо найденного секрета.
	Placeholder = "[REDACTED]"

	// NoDetails: Detail от пустой строки.
	NoDetails = "no details available"

	defaultDetailLimit = 100
	minSecretLength    = 4
)

var secretPatterns = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`(?i)(\bbearer\s+)[^\s"',;]+`), "${1}" + Placeholder},
	{regexp.MustCompile(`(?i)(\b(?:api[_-]?key|access[_-]?token|token|password|passwd|secret)\b["']?(?:\s*[:=]\s*|\s+)["']?)[^\s"',;&]+`), "${1}" + Placeholder},
	{regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{6,}`), Placeholder},
}

// Redactor чистит текст по списку известных секретов и общим шаблонам.
// nil *Redactor применяет только шаблоны.
type Redactor struct {
	secrets     []string
	detailLimit int
}

// New создаёт Redactor для переданных секретов. Пустые и слишком короткие
// значения пропускаются.
func New(secrets ...string) *Redactor {
	r := &Redactor{detailLimit: defaultDetailLimit}
	for _, s := range secrets {
		s = strings.TrimSpace(s)
		if len(s) < minSecretLength {
			continue
		}
		r.secrets = append(r.secrets, s)
	}
	return r
}

// Sanitize убирает секреты и управляющие символы. Не обрезает.
func (r *Redactor) Sanitize(s string) string {
	if s == "" {
		return s
	}
	if r != nil {
		for _, secret := range r.secrets {
			s = strings.ReplaceAll(s, secret, Placeholder)
		}
	}
	for _, p := range secretPatterns {
		s = p.re.ReplaceAllString(s, p.repl)
	}
	return StripControl(s)
}

// Detail готовит текст от удалённой стороны для сообщения об ошибке:
// чистит и обрезает.
func (r *Redactor) Detail(s string) string {
	s = strings.TrimSpace(r.Sanitize(s))
	if s == "" {
		return NoDetails
	}
	limit := defaultDetailLimit
	if r != nil && r.detailLimit > 0 {
		limit = r.detailLimit
	}
	return Truncate(s, limit)
}

// Mask оставляет короткие начало и конец ключа, чтобы ключи можно было
// различить в логе.
func Mask(secret string) string {
	n := utf8.RuneCountInString(secret)
	switch {
	case n == 0:
		return ""
	case n < 12:
		return "****"
	}
	runes := []rune(secret)
	return string(runes[:4]) + "..." + string(runes[n-4:])
}

// StripControl заменяет управляющие символы пробелами, включая переводы
// строк и ESC.
func StripControl(s string) string {
	if strings.IndexFunc(s, unicode.IsControl) < 0 {
		return s
	}
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, s)
}

// Truncate обрезает s до limit рун и добавляет "...".
func Truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit]) + "..."
}
