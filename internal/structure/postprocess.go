package structure

import (
	"encoding/json"
	"strings"
)

// Post-processing limits.
const (
	DefaultMinChapterChars = 3000
	DefaultMaxChapters     = 60
)

// PostProcess drops chapters that would render as blank pages and merges
// fragments into their neighbours.
func PostProcess(chapters []Chapter, minChars, maxChapters int) []Chapter {
	chapters = StripEmpty(chapters)
	chapters = StripHeadingOnly(chapters)
	return MergeMicroChapters(chapters, minChars, maxChapters)
}

// StripEmpty removes chapters without sections.
func StripEmpty(chapters []Chapter) []Chapter {
	out := chapters[:0:0]
	for _, ch := range chapters {
		if len(ch.Sections) > 0 {
			out = append(out, ch)
		}
	}
	return out
}

// StripHeadingOnly removes chapters with no content beyond headings.
func StripHeadingOnly(chapters []Chapter) []Chapter {
	out := chapters[:0:0]
	for _, ch := range chapters {
		if hasContent(ch.Sections) {
			out = append(out, ch)
		}
	}
	return out
}

func hasContent(blocks []Block) bool {
	for _, b := range blocks {
		switch {
		case b.Type == TypeHeading:
			continue
		case len(strings.TrimSpace(b.Text)) > 20:
			return true
		case len(strings.TrimSpace(b.Math)) > 5:
			return true
		case len(b.SolutionSteps) > 0, len(b.Items) > 0:
			return true
		case b.Type == TypeImage && b.Path != "":
			return true
		}
	}
	return false
}

// MergeMicroChapters folds chapters shorter than minChars into the
// preceding chapter, then merges the shortest adjacent pair until at most
// maxChapters remain. Length is measured on the JSON encoding.
func MergeMicroChapters(chapters []Chapter, minChars, maxChapters int) []Chapter {
	if len(chapters) <= 1 {
		return chapters
	}
	merged := []Chapter{chapters[0]}
	for _, ch := range chapters[1:] {
		if chapterLen(ch) < minChars {
			prev := &merged[len(merged)-1]
			prev.Sections = append(prev.Sections, ch.Sections...)
			continue
		}
		merged = append(merged, ch)
	}

	if maxChapters <= 0 {
		return merged
	}
	for len(merged) > maxChapters {
		best, bestLen := 0, -1
		for i := 0; i < len(merged)-1; i++ {
			n := chapterLen(merged[i]) + chapterLen(merged[i+1])
			if bestLen < 0 || n < bestLen {
				best, bestLen = i, n
			}
		}
		merged[best].Sections = append(merged[best].Sections, merged[best+1].Sections...)
		merged = append(merged[:best+1], merged[best+2:]...)
	}
	return merged
}

func chapterLen(ch Chapter) int {
	data, err := json.Marshal(ch)
	if err != nil {
		return 0
	}
	return len(data)
}
