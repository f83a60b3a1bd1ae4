package structure

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Block types.
const (
	TypeChapter        = "chapter"
	TypeHeading        = "heading"
	TypeParagraph      = "paragraph"
	TypeEquation       = "equation"
	TypeExampleProblem = "example_problem"
	TypeList           = "list"
	TypeImage          = "image"
)

// Block is one typed element of a chapter.
type Block struct {
	Type             string    `json:"type"`
	Level            int       `json:"level,omitempty"`
	Text             string    `json:"text,omitempty"`
	Math             string    `json:"math,omitempty"`
	Title            string    `json:"title,omitempty"`
	ProblemStatement string    `json:"problem_statement,omitempty"`
	SolutionSteps    [][]Block `json:"solution_steps,omitempty"`
	Items            []string  `json:"items,omitempty"`
	Path             string    `json:"path,omitempty"`
	Caption          string    `json:"caption,omitempty"`
}

// Chapter is the structured form of one section of the manuscript.
type Chapter struct {
	Type     string  `json:"type"`
	Title    *string `json:"title"`
	Sections []Block `json:"sections"`
	// Failed holds the (truncated) error for fallback chapters.
	Failed string `json:"_failed,omitempty"`
}

// Document is the on-disk book structure. A partial document lists the
// chapters of the leading sections that finished, in order.
type Document struct {
	Complete bool      `json:"complete"`
	Sections int       `json:"sections"`
	Chapters []Chapter `json:"chapters"`
}

// ChapterSchema validates one structuring response.
const ChapterSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["sections"],
	"properties": {
		"type": {"type": "string"},
		"title": {"type": ["string", "null"]},
		"sections": {"type": "array", "items": {"$ref": "#/definitions/block"}}
	},
	"definitions": {
		"block": {
			"type": "object",
			"required": ["type"],
			"properties": {
				"type": {"enum": ["heading", "paragraph", "equation", "example_problem", "list", "image"]},
				"level": {"type": "integer", "minimum": 1, "maximum": 6},
				"text": {"type": "string"},
				"math": {"type": "string"},
				"title": {"type": ["string", "null"]},
				"problem_statement": {"type": "string"},
				"solution_steps": {
					"type": "array",
					"items": {"type": "array", "items": {"$ref": "#/definitions/block"}}
				},
				"items": {"type": "array", "items": {"type": "string"}},
				"path": {"type": "string"},
				"caption": {"type": "string"}
			}
		}
	}
}`

var (
	headingNumber = regexp.MustCompile(`^([A-Z0-9]+\.)+\s*`)
	mathBefore    = regexp.MustCompile(`([a-zA-Z])\$`)
	mathAfter     = regexp.MustCompile(`\$([a-zA-Z])`)
)

// decodeChapter converts a validated response into a Chapter.
func decodeChapter(raw json.RawMessage) (Chapter, error) {
	var ch Chapter
	if err := json.Unmarshal(raw, &ch); err != nil {
		return Chapter{}, err
	}
	ch.Type = TypeChapter
	ch.Failed = ""
	cleanBlocks(ch.Sections)
	return ch, nil
}

// cleanBlocks strips heading numbers and separates inline math from
// adjacent words.
func cleanBlocks(blocks []Block) {
	for i := range blocks {
		b := &blocks[i]
		switch b.Type {
		case TypeHeading:
			b.Text = strings.TrimSpace(headingNumber.ReplaceAllString(b.Text, ""))
			if b.Level == 0 {
				b.Level = 1
			}
		case TypeParagraph:
			b.Text = mathAfter.ReplaceAllString(mathBefore.ReplaceAllString(b.Text, "$1 $$"), "$$ $1")
		}
		for _, step := range b.SolutionSteps {
			cleanBlocks(step)
		}
	}
}

// fallbackChapter keeps the raw section text when structuring fails.
func fallbackChapter(text string, limit int, err error) Chapter {
	if len(text) > limit {
		text = text[:limit]
	}
	msg := err.Error()
	if len(msg) > 100 {
		msg = msg[:100]
	}
	return Chapter{
		Type:     TypeChapter,
		Sections: []Block{{Type: TypeParagraph, Text: text}},
		Failed:   msg,
	}
}
