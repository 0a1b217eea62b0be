// Package form turns the inputs of a portal page into the urlencoded payload
// the portal expects back, substituting credentials and the captcha answer
// into the fields the login page marks by CSS class.
package form

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
)

var (
	// ErrParse is returned when the page cannot be parsed as HTML.
	ErrParse = errors.New("form: parse html")
	// ErrMissingField is returned in strict mode when a substituted field is absent.
	ErrMissingField = errors.New("form: missing expected field")
)

// Class names and value used for substitutions.
const (
	ClassUserName = "userName"
	ClassPassword = "password"
	ClassCaptcha  = "imageRandeCode"
	BrowserValue  = "Chrome"
)

// Rules carries the values substituted into marked inputs.
type Rules struct {
	UserName string
	Password string
	Captcha  string
	// Strict requires the userName, password and imageRandeCode inputs to be present.
	Strict bool
}

// Payload is an ordered name/value mapping. A repeated name keeps the
// position of its first occurrence and the value of its last.
type Payload struct {
	keys   []string
	values map[string]string
}

// NewPayload returns an empty payload.
func NewPayload() *Payload {
	return &Payload{values: make(map[string]string)}
}

// Set adds or overwrites name.
func (p *Payload) Set(name, value string) {
	if _, ok := p.values[name]; !ok {
		p.keys = append(p.keys, name)
	}
	p.values[name] = value
}

// Get returns the value for name.
func (p *Payload) Get(name string) (string, bool) {
	v, ok := p.values[name]
	return v, ok
}

// Len reports the number of distinct fields.
func (p *Payload) Len() int { return len(p.keys) }

// Keys returns the field names in insertion order.
func (p *Payload) Keys() []string {
	return append([]string(nil), p.keys...)
}

// Map copies the payload into a plain map.
func (p *Payload) Map() map[string]string {
	out := make(map[string]string, len(p.values))
	for k, v := range p.values {
		out[k] = v
	}
	return out
}

// Encode urlencodes the payload preserving field order.
func (p *Payload) Encode() string {
	var b strings.Builder
	for i, k := range p.keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p.values[k]))
	}
	return b.String()
}

// Extract collects every named <input> of page into a Payload.
func Extract(page string, rules Rules) (*Payload, error) {
	doc, err := htmlquery.Parse(strings.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	payload := NewPayload()
	seen := map[string]bool{}
	for _, input := range htmlquery.Find(doc, "//input") {
		name := htmlquery.SelectAttr(input, "name")
		if name == "" {
			continue
		}
		value, marker := resolve(input, name, rules)
		if marker != "" {
			seen[marker] = true
		}
		payload.Set(name, value)
	}

	if rules.Strict {
		for _, class := range []string{ClassUserName, ClassPassword, ClassCaptcha} {
			if !seen[class] {
				return nil, fmt.Errorf("%w: input with class %q", ErrMissingField, class)
			}
		}
	}
	return payload, nil
}

// resolve picks the value for one input and reports which substitution
// class matched, if any.
func resolve(input *html.Node, name string, rules Rules) (string, string) {
	class := htmlquery.SelectAttr(input, "class")
	switch {
	case strings.Contains(class, ClassCaptcha):
		return rules.Captcha, ClassCaptcha
	case strings.Contains(class, ClassUserName):
		return rules.UserName, ClassUserName
	case strings.Contains(class, ClassPassword):
		return rules.Password, ClassPassword
	case strings.Contains(name, "browser"):
		return BrowserValue, ""
	default:
		return htmlquery.SelectAttr(input, "value"), ""
	}
}
