package crawler

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ChunkOptions bounds chunk size in estimated tokens.
type ChunkOptions struct {
	MaxTokens     int
	OverlapTokens int
	MinSegmentLen int
}

func DefaultChunkOptions() ChunkOptions {
	return ChunkOptions{MaxTokens: 400, OverlapTokens: 50, MinSegmentLen: 20}
}

// Piece is one chunk produced from a page, carrying the heading context it
// was cut under so retrieval can show where on the page it came from.
type Piece struct {
	Index       int
	Text        string
	Section     string
	Heading     string
	Selector    string
	TokenCount  int
	ContentHash string
}

// Chunker splits page HTML into token-bounded pieces. Boundaries prefer
// heading breaks; segments inside a section that overflow the budget are
// split with a configurable overlap carried across the cut.
type Chunker struct {
	opts ChunkOptions
}

func NewChunker(opts ChunkOptions) *Chunker {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 400
	}
	if opts.OverlapTokens < 0 {
		opts.OverlapTokens = 0
	}
	if opts.OverlapTokens >= opts.MaxTokens {
		opts.OverlapTokens = opts.MaxTokens / 4
	}
	return &Chunker{opts: opts}
}

// EstimateTokens approximates token count as one token per four characters.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

type segment struct {
	text      string
	isHeading bool
	heading   string
	anchor    string
}

var chunkSpaceRe = regexp.MustCompile(`\s+`)

// Split chunks the visible text of html in document order.
func (c *Chunker) Split(html string) []Piece {
	segments := c.segments(html)

	var pieces []Piece
	var buf strings.Builder
	bufTokens := 0
	section := ""
	heading := ""
	selector := ""

	flush := func() {
		text := strings.TrimSpace(buf.String())
		buf.Reset()
		bufTokens = 0
		if text == "" {
			return
		}
		sum := sha256.Sum256([]byte(text))
		pieces = append(pieces, Piece{
			Index:       len(pieces),
			Text:        text,
			Section:     section,
			Heading:     heading,
			Selector:    selector,
			TokenCount:  EstimateTokens(text),
			ContentHash: hex.EncodeToString(sum[:]),
		})
	}

	appendText := func(text string) {
		for _, part := range c.splitOversized(text) {
			tokens := EstimateTokens(part)
			if bufTokens > 0 && bufTokens+tokens > c.opts.MaxTokens {
				tail := overlapTail(buf.String(), c.opts.OverlapTokens)
				flush()
				if tail != "" {
					buf.WriteString(tail)
					buf.WriteString(" ")
					bufTokens = EstimateTokens(tail)
				}
			}
			if buf.Len() > 0 {
				buf.WriteString("\n")
			}
			buf.WriteString(part)
			bufTokens += tokens
		}
	}

	for _, seg := range segments {
		if seg.isHeading {
			flush()
			heading = seg.heading
			section = seg.heading
			selector = ""
			if seg.anchor != "" {
				selector = "#" + seg.anchor
			}
			appendText(seg.text)
			continue
		}
		appendText(seg.text)
	}
	flush()

	return pieces
}

// segments walks visible block elements in document order.
func (c *Chunker) segments(html string) []segment {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}
	doc.Find("script, style, noscript, template, iframe").Remove()
	doc.Find("[hidden], [aria-hidden=true]").Remove()

	var segments []segment
	doc.Find("h1, h2, h3, h4, h5, h6, p, li, table").Each(func(_ int, s *goquery.Selection) {
		name := goquery.NodeName(s)
		switch name {
		case "h1", "h2", "h3", "h4", "h5", "h6":
			text := chunkNormalize(s.Text())
			if text == "" {
				return
			}
			anchor, _ := s.Attr("id")
			segments = append(segments, segment{text: text, isHeading: true, heading: text, anchor: anchor})
		case "table":
			text := tableText(s)
			if text != "" {
				segments = append(segments, segment{text: text})
			}
		default:
			// Skip nested blocks already covered by an ancestor segment.
			if s.ParentsFiltered("p, li, table").Length() > 0 {
				return
			}
			text := chunkNormalize(s.Text())
			if len(text) < c.opts.MinSegmentLen {
				return
			}
			segments = append(segments, segment{text: text})
		}
	})
	return segments
}

// splitOversized cuts a single segment larger than the chunk budget at
// sentence boundaries.
func (c *Chunker) splitOversized(text string) []string {
	if EstimateTokens(text) <= c.opts.MaxTokens {
		return []string{text}
	}
	sentences := strings.SplitAfter(text, ". ")
	var parts []string
	var cur strings.Builder
	for _, sentence := range sentences {
		if cur.Len() > 0 && EstimateTokens(cur.String())+EstimateTokens(sentence) > c.opts.MaxTokens {
			parts = append(parts, strings.TrimSpace(cur.String()))
			cur.Reset()
		}
		// A single sentence beyond the budget is cut hard.
		for EstimateTokens(sentence) > c.opts.MaxTokens {
			cut := c.opts.MaxTokens * 4
			if cut > len(sentence) {
				break
			}
			parts = append(parts, strings.TrimSpace(sentence[:cut]))
			sentence = sentence[cut:]
		}
		cur.WriteString(sentence)
	}
	if strings.TrimSpace(cur.String()) != "" {
		parts = append(parts, strings.TrimSpace(cur.String()))
	}
	return parts
}

// overlapTail returns roughly overlapTokens worth of trailing text, cut at
// a word boundary.
func overlapTail(text string, overlapTokens int) string {
	if overlapTokens <= 0 {
		return ""
	}
	text = strings.TrimSpace(text)
	chars := overlapTokens * 4
	if len(text) <= chars {
		return text
	}
	tail := text[len(text)-chars:]
	if idx := strings.IndexByte(tail, ' '); idx >= 0 && idx < len(tail)-1 {
		tail = tail[idx+1:]
	}
	return tail
}

func tableText(s *goquery.Selection) string {
	var lines []string
	if caption := chunkNormalize(s.Find("caption").Text()); caption != "" {
		lines = append(lines, caption)
	}
	s.Find("tr").Each(func(_ int, row *goquery.Selection) {
		var cells []string
		row.Find("th, td").Each(func(_ int, cell *goquery.Selection) {
			if text := chunkNormalize(cell.Text()); text != "" {
				cells = append(cells, text)
			}
		})
		if len(cells) > 0 {
			lines = append(lines, strings.Join(cells, " | "))
		}
	})
	return strings.Join(lines, "\n")
}

func chunkNormalize(s string) string {
	return strings.TrimSpace(chunkSpaceRe.ReplaceAllString(s, " "))
}
