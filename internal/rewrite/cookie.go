// Package rewrite implements the host-substitution logic of the proxy:
// Set-Cookie domain rewriting and host-reference rewriting in response bodies.
package rewrite

import (
	"strings"
)

// Hosts is the immutable (target, proxy) host pair shared read-only by every
// rewriting component. Target is the real origin; Proxy is the externally
// visible hostname clients connect to.
type Hosts struct {
	Target string
	Proxy  string
}

// Attr is a single cookie attribute. Name is lowercased at parse time.
// Flag attributes (Secure, HttpOnly) carry no value.
type Attr struct {
	Name  string
	Value string
	Flag  bool
}

// Cookie is the transient representation of one Set-Cookie header value.
// It is parsed, possibly domain-rewritten, serialized, and discarded; it is
// never retained across requests.
type Cookie struct {
	Name  string
	Value string
	Attrs []Attr
}

// Attr returns the attribute with the given lowercase name, or nil.
func (c *Cookie) Attr(name string) *Attr {
	for i := range c.Attrs {
		if c.Attrs[i].Name == name {
			return &c.Attrs[i]
		}
	}
	return nil
}

// serializedOrder lists the attributes rendered first, in this order. Any
// attribute not listed here is appended afterwards in parse order.
var serializedOrder = []string{"path", "domain", "expires", "max-age", "secure", "httponly", "samesite"}

// displayNames maps lowercase attribute names to their canonical rendering.
var displayNames = map[string]string{
	"path":     "Path",
	"domain":   "Domain",
	"expires":  "Expires",
	"max-age":  "Max-Age",
	"secure":   "Secure",
	"httponly": "HttpOnly",
	"samesite": "SameSite",
}

// CookieRewriter rewrites Set-Cookie domains from the target host to the
// proxy host. It is stateless per call and safe for concurrent use.
type CookieRewriter struct {
	hosts Hosts
}

// NewCookieRewriter creates a CookieRewriter for the given host pair.
func NewCookieRewriter(hosts Hosts) *CookieRewriter {
	return &CookieRewriter{hosts: hosts}
}

// Parse splits one raw Set-Cookie value into a Cookie. The input must already
// represent exactly one cookie; callers holding a comma-collapsed multi-cookie
// header should run it through SplitCollapsed first. Returns nil for input
// that is not cookie-shaped (no '=').
func (r *CookieRewriter) Parse(raw string) *Cookie {
	parts := strings.Split(raw, ";")
	nameValue := strings.TrimSpace(parts[0])
	eq := strings.Index(nameValue, "=")
	if eq < 0 {
		return nil
	}

	c := &Cookie{
		Name:  strings.TrimSpace(nameValue[:eq]),
		Value: strings.TrimSpace(nameValue[eq+1:]),
	}

	for _, part := range parts[1:] {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if i := strings.Index(part, "="); i >= 0 {
			c.Attrs = append(c.Attrs, Attr{
				Name:  strings.ToLower(strings.TrimSpace(part[:i])),
				Value: strings.TrimSpace(part[i+1:]),
			})
		} else {
			c.Attrs = append(c.Attrs, Attr{Name: strings.ToLower(part), Flag: true})
		}
	}
	return c
}

// ShouldRewriteDomain reports whether a cookie Domain attribute scoped to the
// given domain belongs to the target host. Matches, case-insensitively:
// the target itself (with optional leading dot and optional www. prefix),
// any subdomain of the target, and any parent of the target reached by
// stripping leading labels, never down to a single bare label.
func (r *CookieRewriter) ShouldRewriteDomain(domain string) bool {
	if domain == "" {
		return false
	}

	d := strings.ToLower(strings.TrimSpace(domain))
	target := strings.ToLower(r.hosts.Target)

	for _, v := range []string{target, "." + target, "www." + target, ".www." + target} {
		if d == v {
			return true
		}
	}

	if strings.HasSuffix(d, "."+target) {
		return true
	}

	// Parent domains of the target, e.g. target a.b.example.com matches
	// b.example.com and example.com but never com.
	labels := strings.Split(target, ".")
	for i := 1; i <= len(labels)-2; i++ {
		parent := strings.Join(labels[i:], ".")
		if d == parent || d == "."+parent {
			return true
		}
	}

	return false
}

// RewriteDomain replaces the cookie's Domain attribute with the proxy host
// when it matches the target. Cookies without a Domain attribute are left
// untouched: inventing one would widen host-only cookie scope. Foreign
// domains pass through unchanged.
func (r *CookieRewriter) RewriteDomain(c *Cookie) *Cookie {
	if a := c.Attr("domain"); a != nil && r.ShouldRewriteDomain(a.Value) {
		a.Value = r.hosts.Proxy
	}
	return c
}

// Serialize renders a Cookie back to a Set-Cookie value with a deterministic
// attribute order, so that a rewritten cookie round-trips byte-identically
// through Parse and Serialize.
func (r *CookieRewriter) Serialize(c *Cookie) string {
	var b strings.Builder
	b.WriteString(c.Name)
	b.WriteString("=")
	b.WriteString(c.Value)

	emit := func(a *Attr) {
		b.WriteString("; ")
		b.WriteString(displayName(a.Name))
		if !a.Flag {
			b.WriteString("=")
			b.WriteString(a.Value)
		}
	}

	for _, name := range serializedOrder {
		if a := c.Attr(name); a != nil {
			emit(a)
		}
	}
	for i := range c.Attrs {
		if !isOrdered(c.Attrs[i].Name) {
			emit(&c.Attrs[i])
		}
	}
	return b.String()
}

// RewriteHeaders maps each Set-Cookie header value (one per original header
// line) through Parse, RewriteDomain, and Serialize. Cardinality is preserved
// 1:1 for well-formed input; entries that are not cookie-shaped are dropped.
func (r *CookieRewriter) RewriteHeaders(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		c := r.Parse(v)
		if c == nil {
			continue
		}
		out = append(out, r.Serialize(r.RewriteDomain(c)))
	}
	return out
}

func isOrdered(name string) bool {
	_, ok := displayNames[name]
	return ok
}

func displayName(name string) string {
	if d, ok := displayNames[name]; ok {
		return d
	}
	if name == "" {
		return name
	}
	return strings.ToUpper(name[:1]) + name[1:]
}
