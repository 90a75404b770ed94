package llm

import "strings"

const (
	thinkOpenTag  = "<think>"
	thinkCloseTag = "</think>"
)

// thinkSplitter separates <think>...</think> spans from visible text across
// arbitrarily split deltas. A tag cut between two deltas is held back until
// it can be recognised.
type thinkSplitter struct {
	inThought bool
	pending   string
}

// Feed consumes a delta and returns the chunks that are safe to emit.
func (s *thinkSplitter) Feed(delta string) []Chunk {
	s.pending += delta

	var out []Chunk
	for {
		tag := thinkOpenTag
		if s.inThought {
			tag = thinkCloseTag
		}

		if i := strings.Index(s.pending, tag); i >= 0 {
			if i > 0 {
				out = append(out, Chunk{Content: s.pending[:i], IsThought: s.inThought})
			}
			s.pending = s.pending[i+len(tag):]
			s.inThought = !s.inThought
			continue
		}

		keep := partialTagSuffix(s.pending, tag)
		if emit := s.pending[:len(s.pending)-keep]; emit != "" {
			out = append(out, Chunk{Content: emit, IsThought: s.inThought})
		}
		s.pending = s.pending[len(s.pending)-keep:]
		return out
	}
}

// Flush returns whatever is still held back.
func (s *thinkSplitter) Flush() []Chunk {
	if s.pending == "" {
		return nil
	}
	out := []Chunk{{Content: s.pending, IsThought: s.inThought}}
	s.pending = ""
	return out
}

// partialTagSuffix returns the length of the longest suffix of s that is a
// proper prefix of tag.
func partialTagSuffix(s, tag string) int {
	for n := min(len(tag)-1, len(s)); n > 0; n-- {
		if strings.HasSuffix(s, tag[:n]) {
			return n
		}
	}
	return 0
}
