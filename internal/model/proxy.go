// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
	"sort"
	"strings"
)

// HeaderField is one (name, value) header pair. Name keeps its original case.
type HeaderField struct {
	Name  string
	Value string
}

// HeaderFields is an ordered header list. Unlike http.Header it preserves
// duplicates as independent entries and keeps a stable overall order, which
// the translation pipeline relies on: repeated Set-Cookie headers are
// semantically independent and must never be merged into one comma-joined
// value.
type HeaderFields []HeaderField

// FromHTTPHeader lifts an http.Header map into an ordered field list. Names
// are emitted in sorted order (the wire order across distinct names is not
// recoverable from the map); values under one name keep their arrival order.
func FromHTTPHeader(h http.Header) HeaderFields {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)

	var out HeaderFields
	for _, name := range names {
		for _, v := range h[name] {
			out = append(out, HeaderField{Name: name, Value: v})
		}
	}
	return out
}

// Get returns the first value for the given name, case-insensitively.
func (h HeaderFields) Get(name string) string {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Values returns all values for the given name in order.
func (h HeaderFields) Values(name string) []string {
	var out []string
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			out = append(out, f.Value)
		}
	}
	return out
}

// Add appends a field.
func (h HeaderFields) Add(name, value string) HeaderFields {
	return append(h, HeaderField{Name: name, Value: value})
}

// Del returns the list without any field of the given name.
func (h HeaderFields) Del(name string) HeaderFields {
	out := make(HeaderFields, 0, len(h))
	for _, f := range h {
		if !strings.EqualFold(f.Name, name) {
			out = append(out, f)
		}
	}
	return out
}

// ToHTTPHeader converts the field list to an http.Header, preserving
// duplicate values per name.
func (h HeaderFields) ToHTTPHeader() http.Header {
	out := make(http.Header, len(h))
	for _, f := range h {
		out.Add(f.Name, f.Value)
	}
	return out
}

// hopByHopRequestHeaders are dropped before dispatching upstream; the
// outbound client regenerates them for its own transport leg.
var hopByHopRequestHeaders = []string{"Content-Length", "Transfer-Encoding", "Connection"}

// ProxyRequest captures one inbound request to be forwarded to the origin.
// The body is a stream, readable once, potentially unbounded.
type ProxyRequest struct {
	Ctx    context.Context
	Method string
	Path   string
	Query  string
	Header HeaderFields
	Body   io.ReadCloser
}

// Translate rewrites the request headers for upstream dispatch: the Host
// header becomes the target host and hop-by-hop headers are dropped. All
// other headers, Cookie included, pass through unmodified; request-side
// cookies are never domain-rewritten.
func (pr *ProxyRequest) Translate(targetHost string) {
	out := make(HeaderFields, 0, len(pr.Header))
	for _, f := range pr.Header {
		if strings.EqualFold(f.Name, "Host") {
			out = append(out, HeaderField{Name: "Host", Value: targetHost})
			continue
		}
		if isHopByHop(f.Name) {
			continue
		}
		out = append(out, f)
	}
	pr.Header = out
}

func isHopByHop(name string) bool {
	for _, h := range hopByHopRequestHeaders {
		if strings.EqualFold(name, h) {
			return true
		}
	}
	return false
}

// ProxyResponse captures one origin response to be streamed back to the
// client. The body is consumed exactly once; whoever holds the ProxyResponse
// owns closing it on both the normal and the error path.
type ProxyResponse struct {
	StatusCode int
	Header     HeaderFields
	Body       io.ReadCloser
}
