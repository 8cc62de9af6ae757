package wire

import (
	"encoding/json"
	"fmt"
	"mime"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/loqalabs/loqa-tts-gateway/internal/locale"
)

// Kind selects what the connection handler does with a request.
type Kind int

const (
	KindForm Kind = iota
	KindSynthesize
)

func (k Kind) String() string {
	if k == KindSynthesize {
		return "synthesize"
	}
	return "form"
}

// Params are the synthesis parameters carried by a request.
type Params struct {
	Text   string
	Locale locale.Locale
}

type Intent struct {
	Kind   Kind
	Params Params
}

// Intent classifies the request. def is used when the locale is absent or
// malformed. The path is not consulted.
func (r *Request) Intent(def locale.Locale) (Intent, error) {
	var (
		text, loc string
		hasText   bool
	)
	switch r.Method {
	case "GET":
		if r.Query == "" {
			return Intent{Kind: KindForm}, nil
		}
		values, err := parseQuery(r.Query)
		if err != nil {
			return Intent{}, err
		}
		text, hasText = values["text"]
		loc = values["locale"]
	case "POST":
		if err := requireJSON(r.Header.Get("Content-Type")); err != nil {
			return Intent{}, err
		}
		var body struct {
			Text   *string `json:"text"`
			Locale *string `json:"locale"`
		}
		if err := json.Unmarshal(r.Body, &body); err != nil {
			return Intent{}, fmt.Errorf("%w: body is not a JSON object with string fields: %v", ErrBadRequest, err)
		}
		if body.Text != nil {
			text, hasText = *body.Text, true
		}
		if body.Locale != nil {
			loc = *body.Locale
		}
	default:
		return Intent{}, fmt.Errorf("%w: method %s not supported", ErrBadRequest, r.Method)
	}

	if !hasText {
		return Intent{}, fmt.Errorf("%w: text is required", ErrBadRequest)
	}
	if strings.TrimSpace(text) == "" {
		return Intent{}, fmt.Errorf("%w: text must not be empty", ErrBadRequest)
	}
	if !utf8.ValidString(text) || !utf8.ValidString(loc) {
		return Intent{}, fmt.Errorf("%w: parameters must be valid UTF-8", ErrBadRequest)
	}
	return Intent{
		Kind:   KindSynthesize,
		Params: Params{Text: text, Locale: locale.ParseOr(loc, def)},
	}, nil
}

// parseQuery decodes key=value pairs separated by '&'. The first occurrence
// of a key wins and '+' decodes to a space.
func parseQuery(raw string) (map[string]string, error) {
	values := make(map[string]string)
	for _, pair := range strings.Split(raw, "&") {
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		key, err := url.QueryUnescape(k)
		if err != nil {
			return nil, fmt.Errorf("%w: malformed query key: %v", ErrBadRequest, err)
		}
		value, err := url.QueryUnescape(v)
		if err != nil {
			return nil, fmt.Errorf("%w: malformed query value for %q: %v", ErrBadRequest, key, err)
		}
		if _, seen := values[key]; !seen {
			values[key] = value
		}
	}
	return values, nil
}

func requireJSON(contentType string) error {
	if contentType == "" {
		return fmt.Errorf("%w: missing content-type", ErrUnsupportedMedia)
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != "application/json" {
		return fmt.Errorf("%w: %s", ErrUnsupportedMedia, contentType)
	}
	return nil
}
