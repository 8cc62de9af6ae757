// Package locale models the language/region pair a synthesis request is spoken in.
package locale

import (
	"os"
	"strings"
)

// Fallback is used when neither configuration nor the environment name a locale.
var Fallback = Locale{Language: "en", Region: "US"}

// Locale is a language with an optional region, written language_REGION.
type Locale struct {
	Language string
	Region   string
}

// String renders the locale in the language_REGION form accepted on the wire.
func (l Locale) String() string {
	if l.Region == "" {
		return l.Language
	}
	return l.Language + "_" + l.Region
}

// Tag renders the locale as a BCP 47 style tag (en-US).
func (l Locale) Tag() string {
	if l.Region == "" {
		return l.Language
	}
	return l.Language + "-" + l.Region
}

func (l Locale) IsZero() bool { return l.Language == "" }

// Parse interprets value the way clients send it. A value with exactly one
// underscore is language_REGION, where an empty region leaves a bare
// language. Any other non-empty value is kept whole as a bare language tag.
// Empty input and an empty language half are reported as not ok.
func Parse(value string) (Locale, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return Locale{}, false
	}
	parts := strings.Split(value, "_")
	if len(parts) != 2 {
		return Locale{Language: value}, true
	}
	if parts[0] == "" {
		return Locale{}, false
	}
	return Locale{Language: parts[0], Region: parts[1]}, true
}

// ParseOr parses value and falls back to def when it is empty.
func ParseOr(value string, def Locale) Locale {
	if l, ok := Parse(value); ok {
		return l
	}
	return def
}

// System resolves the platform default locale: the configured value first,
// then LC_ALL, LC_MESSAGES and LANG, then Fallback.
func System(configured string) Locale {
	if l, ok := Parse(configured); ok {
		return l
	}
	for _, key := range []string{"LC_ALL", "LC_MESSAGES", "LANG"} {
		if l, ok := fromPOSIX(os.Getenv(key)); ok {
			return l
		}
	}
	return Fallback
}

// fromPOSIX strips the codeset and modifier from values such as en_US.UTF-8@euro.
func fromPOSIX(value string) (Locale, bool) {
	if i := strings.IndexAny(value, ".@"); i >= 0 {
		value = value[:i]
	}
	if value == "C" || value == "POSIX" {
		return Locale{}, false
	}
	return Parse(value)
}
