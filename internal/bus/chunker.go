package bus

import (
	"strings"

	"github.com/mattn/go-runewidth"
)

// Chunker splits long assistant replies into parts bounded by display
// width, for subscribers with fixed-size panes or TTS buffers. CJK runes
// count as two cells. Breaks prefer paragraph, then newline, then
// sentence boundaries; a forced cut is the last resort.
type Chunker struct {
	MinSize int // minimum cells before a boundary break is taken
	MaxSize int // maximum cells per chunk
}

// NewChunker returns a chunker with the given bounds. MaxSize < 1
// disables splitting.
func NewChunker(minSize, maxSize int) *Chunker {
	if minSize < 0 {
		minSize = 0
	}
	if maxSize > 0 && minSize > maxSize {
		minSize = maxSize / 2
	}
	return &Chunker{MinSize: minSize, MaxSize: maxSize}
}

var sentenceEnds = []string{"。", "！", "？", ". ", "! ", "? ", ".\n", "!\n", "?\n"}

// Split breaks text into chunks of MinSize..MaxSize display cells.
func (c *Chunker) Split(text string) []string {
	if c.MaxSize < 1 || runewidth.StringWidth(text) <= c.MaxSize {
		if text == "" {
			return nil
		}
		return []string{text}
	}

	var chunks []string
	rest := text
	for runewidth.StringWidth(rest) > c.MaxSize {
		window := widthPrefix(rest, c.MaxSize)
		cut := c.boundary(rest[:window])
		if cut <= 0 {
			cut = window
		}
		chunks = append(chunks, rest[:cut])
		rest = rest[cut:]
	}
	if rest != "" {
		chunks = append(chunks, rest)
	}
	return chunks
}

// boundary returns the byte offset of the best break inside prefix, or
// 0 when no boundary clears MinSize.
func (c *Chunker) boundary(prefix string) int {
	if idx := strings.LastIndex(prefix, "\n\n"); idx >= 0 {
		cut := idx + 2
		if runewidth.StringWidth(prefix[:cut]) >= c.MinSize {
			return cut
		}
	}
	if idx := strings.LastIndexByte(prefix, '\n'); idx >= 0 {
		cut := idx + 1
		if runewidth.StringWidth(prefix[:cut]) >= c.MinSize {
			return cut
		}
	}
	best := 0
	for _, end := range sentenceEnds {
		if idx := strings.LastIndex(prefix, end); idx >= 0 {
			cut := idx + len(end)
			if cut > best && runewidth.StringWidth(prefix[:cut]) >= c.MinSize {
				best = cut
			}
		}
	}
	if best > 0 {
		return best
	}
	if idx := strings.LastIndexByte(prefix, ' '); idx >= 0 {
		cut := idx + 1
		if runewidth.StringWidth(prefix[:cut]) >= c.MinSize {
			return cut
		}
	}
	return 0
}

// widthPrefix returns the byte length of the longest prefix of s that
// fits within width cells, always covering at least one rune.
func widthPrefix(s string, width int) int {
	cells := 0
	for i, r := range s {
		w := runewidth.RuneWidth(r)
		if r == '\n' {
			w = 0
		}
		if cells+w > width && i > 0 {
			return i
		}
		cells += w
	}
	return len(s)
}
