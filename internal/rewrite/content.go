package rewrite

import (
	"io"
	"regexp"
	"unicode/utf8"
)

// chunkSize is the read granularity of the streaming rewrite path.
const chunkSize = 8192

// ContentRewriter rewrites absolute and protocol-relative references to the
// target host inside response body text. It is stateless and safe for
// concurrent use.
type ContentRewriter struct {
	absolute  *regexp.Regexp
	protoRel  *regexp.Regexp
	absoluteR []byte
	protoRelR []byte
}

// NewContentRewriter builds the two case-insensitive patterns for the host
// pair: https?://target and //target.
func NewContentRewriter(hosts Hosts) *ContentRewriter {
	quoted := regexp.QuoteMeta(hosts.Target)
	return &ContentRewriter{
		absolute:  regexp.MustCompile(`(?i)https?://` + quoted),
		protoRel:  regexp.MustCompile(`(?i)//` + quoted),
		absoluteR: []byte("https://" + hosts.Proxy),
		protoRelR: []byte("//" + hosts.Proxy),
	}
}

// RewriteChunk rewrites target-host references in one body chunk. Chunks that
// are not valid UTF-8 are returned unchanged: an unrewritten-but-intact
// passthrough is preferred over corrupting binary data.
//
// Known limitation: a host occurrence straddling a chunk boundary is not
// rewritten on the streaming path. Only the fully buffered gzip path sees the
// whole body at once.
func (r *ContentRewriter) RewriteChunk(chunk []byte) []byte {
	if len(chunk) == 0 || !utf8.Valid(chunk) {
		return chunk
	}
	out := r.absolute.ReplaceAll(chunk, r.absoluteR)
	return r.protoRel.ReplaceAll(out, r.protoRelR)
}

// streamReader applies RewriteChunk to each chunk pulled from the upstream
// body, serving the rewritten bytes incrementally.
type streamReader struct {
	src     io.ReadCloser
	rw      *ContentRewriter
	readBuf []byte
	pending []byte
	err     error
}

// NewStreamReader wraps an upstream body stream so that every chunk read from
// it has been through RewriteChunk. Closing the returned reader closes the
// upstream body.
func NewStreamReader(src io.ReadCloser, rw *ContentRewriter) io.ReadCloser {
	return &streamReader{src: src, rw: rw, readBuf: make([]byte, chunkSize)}
}

func (s *streamReader) Read(p []byte) (int, error) {
	for len(s.pending) == 0 {
		if s.err != nil {
			return 0, s.err
		}
		n, err := s.src.Read(s.readBuf)
		if n > 0 {
			// RewriteChunk may return the read buffer itself; copy so the
			// next fill doesn't clobber bytes not yet handed out.
			rewritten := s.rw.RewriteChunk(s.readBuf[:n])
			s.pending = append([]byte(nil), rewritten...)
		}
		s.err = err
		if n == 0 && err == nil {
			continue
		}
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *streamReader) Close() error {
	return s.src.Close()
}
