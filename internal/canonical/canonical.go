// Package canonical builds the exact byte strings that are signed and
// verified for each gateway.
//
// Two shapes exist. The sorted form joins key=value pairs in byte-wise key
// order with '&' and is used by Alipay. The fixed-field form joins a
// positional list of fields, each terminated by '\n', and is used by
// WeChat Pay; outbound requests carry five fields and inbound notifications
// carry three.
package canonical

import (
	"net/url"
	"sort"
	"strings"
)

// Params is an unordered parameter set.
type Params map[string]string

// Keys returns the parameter names in byte-wise ascending order.
func (p Params) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Encode returns the percent-encoded query form in the same key order as
// Sorted. This is what goes on the wire; it is never what gets signed.
func (p Params) Encode() string {
	var b strings.Builder
	for i, k := range p.Keys() {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p[k]))
	}
	return b.String()
}

// Values converts p into url.Values for form posting.
func (p Params) Values() url.Values {
	v := make(url.Values, len(p))
	for k, val := range p {
		v.Set(k, val)
	}
	return v
}

// Sorted returns the signing string: raw key=value pairs ordered by key
// and joined with '&'. Keys listed in exclude are left out; nothing else is
// dropped, including empty values.
func Sorted(p Params, exclude ...string) string {
	var b strings.Builder
	first := true
	for _, k := range p.Keys() {
		if contains(exclude, k) {
			continue
		}
		if !first {
			b.WriteByte('&')
		}
		first = false
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(p[k])
	}
	return b.String()
}

// FromValues flattens form values, keeping the first value of each key.
func FromValues(v url.Values) Params {
	p := make(Params, len(v))
	for k, vals := range v {
		if len(vals) > 0 {
			p[k] = vals[0]
		}
	}
	return p
}

// Lines joins fields with each one newline-terminated, empty fields
// included.
func Lines(fields ...string) string {
	n := len(fields)
	for _, f := range fields {
		n += len(f)
	}
	var b strings.Builder
	b.Grow(n)
	for _, f := range fields {
		b.WriteString(f)
		b.WriteByte('\n')
	}
	return b.String()
}

// Request is the outbound five-field form:
// method, path with query, timestamp, nonce, body.
func Request(method, pathWithQuery, timestamp, nonce, body string) string {
	return Lines(method, pathWithQuery, timestamp, nonce, body)
}

// Notification is the inbound three-field form: timestamp, nonce, body.
func Notification(timestamp, nonce, body string) string {
	return Lines(timestamp, nonce, body)
}

// PathWithQuery reduces a URL to its path plus "?query" when a query is
// present. Scheme and host are never included.
func PathWithQuery(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		return path + "?" + u.RawQuery, nil
	}
	return path, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
