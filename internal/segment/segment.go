// Package segment splits a manuscript into ordered, bounded-size work units.
//
// Splitting is a cascade: structural headings first, then numbered top-level
// sections, then the whole text as a single candidate. Any candidate longer
// than the limit is hard-split on paragraph, sentence and finally raw
// character boundaries.
package segment

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultMaxUnitChars is the unit size limit used when none is configured.
const DefaultMaxUnitChars = 4000

var (
	headingPattern  = regexp.MustCompile(`(?mi)^(?:chapter|unit|module|part) `)
	numberedPattern = regexp.MustCompile(`(?m)^\d+\.[ \t]+`)
)

// Unit is one bounded-size segment of the source document.
type Unit struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
	Size  int    `json:"size"` // bytes
}

// Strategy names the cascade rule that produced the candidates.
type Strategy string

const (
	StrategyHeadings Strategy = "headings"
	StrategyNumbered Strategy = "numbered"
	StrategyWhole    Strategy = "whole"
)

// Segment splits text into units no longer than maxUnitChars characters.
// The result is deterministic for identical input. Units are trimmed and
// never empty.
func Segment(text string, maxUnitChars int) []Unit {
	units, _ := segment(text, maxUnitChars)
	return units
}

// SegmentWithStrategy is Segment but also reports which rule won.
func SegmentWithStrategy(text string, maxUnitChars int) ([]Unit, Strategy) {
	return segment(text, maxUnitChars)
}

// SegmentFile reads path and segments its contents. A missing file is
// returned as an error wrapping fs.ErrNotExist.
func SegmentFile(path string, maxUnitChars int) ([]Unit, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manuscript not found: %w", err)
	}
	return Segment(string(data), maxUnitChars), nil
}

func segment(text string, maxUnitChars int) ([]Unit, Strategy) {
	if maxUnitChars <= 0 {
		maxUnitChars = DefaultMaxUnitChars
	}

	strategy := StrategyHeadings
	candidates := splitBefore(text, headingPattern)
	if len(candidates) <= 1 {
		strategy = StrategyNumbered
		candidates = splitBefore(text, numberedPattern)
	}
	if len(candidates) <= 1 {
		strategy = StrategyWhole
		candidates = nonEmpty([]string{text})
	}

	var pieces []string
	for _, c := range candidates {
		if charLen(c) > maxUnitChars {
			pieces = append(pieces, hardSplit(c, maxUnitChars)...)
			continue
		}
		pieces = append(pieces, c)
	}

	units := make([]Unit, 0, len(pieces))
	for _, p := range nonEmpty(pieces) {
		units = append(units, Unit{Index: len(units), Text: p, Size: len(p)})
	}
	return units, strategy
}

// splitBefore cuts text immediately before every match of re so each match
// begins its own piece. Leading text before the first match is kept.
func splitBefore(text string, re *regexp.Regexp) []string {
	locs := re.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return nonEmpty([]string{text})
	}

	parts := make([]string, 0, len(locs)+1)
	prev := 0
	for _, loc := range locs {
		if loc[0] > prev {
			parts = append(parts, text[prev:loc[0]])
		}
		prev = loc[0]
	}
	parts = append(parts, text[prev:])
	return nonEmpty(parts)
}

// hardSplit packs paragraphs greedily up to max characters. Paragraphs that
// alone exceed the limit are split into sentences, and sentences that alone
// exceed it are cut by raw character offset.
func hardSplit(text string, max int) []string {
	var out []string
	paragraphs := strings.Split(text, "\n\n")

	p := newPacker(max, "\n\n")
	for _, para := range paragraphs {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if charLen(para) <= max {
			if flushed, ok := p.add(para); ok {
				out = append(out, flushed)
			}
			continue
		}

		if flushed, ok := p.flush(); ok {
			out = append(out, flushed)
		}
		out = append(out, splitSentences(para, max)...)
	}
	if flushed, ok := p.flush(); ok {
		out = append(out, flushed)
	}
	return out
}

func splitSentences(para string, max int) []string {
	var out []string
	p := newPacker(max, " ")
	for _, sentence := range sentences(para) {
		if charLen(sentence) <= max {
			if flushed, ok := p.add(sentence); ok {
				out = append(out, flushed)
			}
			continue
		}
		if flushed, ok := p.flush(); ok {
			out = append(out, flushed)
		}
		out = append(out, splitRaw(sentence, max)...)
	}
	if flushed, ok := p.flush(); ok {
		out = append(out, flushed)
	}
	return out
}

// sentences splits after '.', '!' or '?' when followed by whitespace.
func sentences(text string) []string {
	var out []string
	start := 0
	runes := []rune(text)
	for i := 0; i < len(runes)-1; i++ {
		if !isTerminal(runes[i]) || !unicode.IsSpace(runes[i+1]) {
			continue
		}
		if s := strings.TrimSpace(string(runes[start : i+1])); s != "" {
			out = append(out, s)
		}
		j := i + 1
		for j < len(runes) && unicode.IsSpace(runes[j]) {
			j++
		}
		start = j
		i = j - 1
	}
	if start < len(runes) {
		if s := strings.TrimSpace(string(runes[start:])); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func isTerminal(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

func splitRaw(text string, max int) []string {
	runes := []rune(text)
	out := make([]string, 0, len(runes)/max+1)
	for i := 0; i < len(runes); i += max {
		end := i + max
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[i:end]))
	}
	return out
}

// packer greedily joins pieces with sep while the total stays within max.
type packer struct {
	max   int
	sep   string
	parts []string
	size  int
}

func newPacker(max int, sep string) *packer {
	return &packer{max: max, sep: sep}
}

// add appends piece, first flushing the buffer if piece would not fit.
func (p *packer) add(piece string) (string, bool) {
	n := charLen(piece)
	needed := n
	if len(p.parts) > 0 {
		needed += utf8.RuneCountInString(p.sep)
	}

	var flushed string
	var ok bool
	if p.size+needed > p.max {
		flushed, ok = p.flush()
		needed = n
	}
	p.parts = append(p.parts, piece)
	p.size += needed
	return flushed, ok
}

func (p *packer) flush() (string, bool) {
	if len(p.parts) == 0 {
		return "", false
	}
	s := strings.Join(p.parts, p.sep)
	p.parts = p.parts[:0]
	p.size = 0
	return s, true
}

func nonEmpty(parts []string) []string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func charLen(s string) int {
	return utf8.RuneCountInString(s)
}

// Stats summarizes unit sizes for logging.
type Stats struct {
	Count int `json:"count"`
	Min   int `json:"min"`
	Max   int `json:"max"`
	Mean  int `json:"mean"`
}

// Summarize computes size statistics over units.
func Summarize(units []Unit) Stats {
	if len(units) == 0 {
		return Stats{}
	}
	s := Stats{Count: len(units), Min: units[0].Size}
	total := 0
	for _, u := range units {
		total += u.Size
		if u.Size < s.Min {
			s.Min = u.Size
		}
		if u.Size > s.Max {
			s.Max = u.Size
		}
	}
	s.Mean = total / len(units)
	return s
}
