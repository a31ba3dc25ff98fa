package providers

import (
	"net/http"
	"strings"
)

// FragmentKind classifies one piece of an upstream update.
type FragmentKind int

const (
	// FragmentText is generated answer text. It is the only kind forwarded.
	FragmentText FragmentKind = iota
	// FragmentRefusal is a model refusal message.
	FragmentRefusal
	// FragmentReasoning is thinking / reasoning output.
	FragmentReasoning
	// FragmentOther covers tool calls and anything else non-textual.
	FragmentOther
)

// Fragment is one content piece of an upstream update.
type Fragment struct {
	Kind FragmentKind
	Text string
}

// UpdateSource is the raw, per-update view of an upstream stream that each
// adapter implements over its SDK. One update may carry zero or more
// fragments.
type UpdateSource interface {
	Next() bool
	Current() []Fragment
	Err() error
	Close() error
}

// TextStream adapts an UpdateSource into a ChunkStream. The text fragments of
// one update are concatenated into one chunk, and updates that carry no text
// produce no chunk.
type TextStream struct {
	src   UpdateSource
	chunk string
}

// NewTextStream wraps src.
func NewTextStream(src UpdateSource) *TextStream {
	return &TextStream{src: src}
}

// Next advances to the next non-empty chunk. It reads from the source only
// when called.
func (s *TextStream) Next() bool {
	for s.src.Next() {
		if text := joinText(s.src.Current()); text != "" {
			s.chunk = text
			return true
		}
	}
	s.chunk = ""
	return false
}

// Chunk returns the chunk produced by the last successful Next.
func (s *TextStream) Chunk() string { return s.chunk }

// Err returns the upstream error that ended the stream, if any.
func (s *TextStream) Err() error { return s.src.Err() }

// Close releases the upstream stream.
func (s *TextStream) Close() error { return s.src.Close() }

func joinText(frags []Fragment) string {
	switch len(frags) {
	case 0:
		return ""
	case 1:
		if frags[0].Kind == FragmentText {
			return frags[0].Text
		}
		return ""
	}
	var sb strings.Builder
	for _, f := range frags {
		if f.Kind == FragmentText {
			sb.WriteString(f.Text)
		}
	}
	return sb.String()
}

// NewHTTPClient returns an HTTP client for upstream SDKs. Only the wait for
// response headers is bounded; streamed bodies live as long as the request
// context.
func NewHTTPClient() *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.ResponseHeaderTimeout = ProviderTimeout
	return &http.Client{Transport: tr}
}
