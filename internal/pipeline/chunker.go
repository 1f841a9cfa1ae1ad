package pipeline

import (
	"strings"
	"unicode/utf8"
)

// ChunkPolicy decides where streamed text is cut into synthesis requests.
type ChunkPolicy struct {
	// MaxChars flushes the buffer once it holds more than this many characters.
	MaxChars int
	// MinChars keeps a terminator from flushing a shorter buffer.
	MinChars int
	// Terminators is the set of characters that end a chunk.
	Terminators string
}

func DefaultChunkPolicy() ChunkPolicy {
	return ChunkPolicy{MaxChars: 80, Terminators: ".!?"}
}

// StrictChunkPolicy cuts earlier, for lower first-audio latency.
func StrictChunkPolicy() ChunkPolicy {
	return ChunkPolicy{MaxChars: 40, Terminators: ".!?"}
}

func (p ChunkPolicy) normalized() ChunkPolicy {
	if p.MaxChars <= 0 {
		p.MaxChars = 80
	}
	if p.MinChars < 0 {
		p.MinChars = 0
	}
	if p.Terminators == "" {
		p.Terminators = ".!?"
	}
	return p
}

// Chunker buffers text fragments of one turn. Fragments are never split: a
// chunk always ends on a fragment boundary, and the chunks of a turn
// concatenate to exactly the fragments pushed.
type Chunker struct {
	policy ChunkPolicy
	buf    strings.Builder
	runes  int
}

func NewChunker(p ChunkPolicy) *Chunker {
	return &Chunker{policy: p.normalized()}
}

// Push appends fragment and returns the buffered text when it reached a
// boundary.
func (c *Chunker) Push(fragment string) (string, bool) {
	if fragment == "" {
		return "", false
	}
	c.buf.WriteString(fragment)
	c.runes += utf8.RuneCountInString(fragment)

	if c.runes > c.policy.MaxChars {
		return c.take(), true
	}
	if c.runes >= c.policy.MinChars && c.endsWithTerminator() {
		return c.take(), true
	}
	return "", false
}

// Flush returns whatever is left at the end of the stream.
func (c *Chunker) Flush() (string, bool) {
	if c.buf.Len() == 0 {
		return "", false
	}
	return c.take(), true
}

func (c *Chunker) endsWithTerminator() bool {
	trimmed := strings.TrimRight(c.buf.String(), " \t\r\n")
	if trimmed == "" {
		return false
	}
	last, _ := utf8.DecodeLastRuneInString(trimmed)
	return strings.ContainsRune(c.policy.Terminators, last)
}

func (c *Chunker) take() string {
	out := c.buf.String()
	c.buf.Reset()
	c.runes = 0
	return out
}

// ChunkAll runs fragments through a fresh Chunker, flushing at the end.
func ChunkAll(p ChunkPolicy, fragments []string) []string {
	c := NewChunker(p)
	var out []string
	for _, f := range fragments {
		if chunk, ok := c.Push(f); ok {
			out = append(out, chunk)
		}
	}
	if chunk, ok := c.Flush(); ok {
		out = append(out, chunk)
	}
	return out
}
