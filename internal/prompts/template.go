package prompts

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"sync"
	"text/template"
)

// ErrUnknownVariable is returned for templates that reference a field Vars
// does not have.
var ErrUnknownVariable = errors.New("unknown template variable")

// variablePattern matches {{.Name}} and {{ .Name }}, including dotted paths.
var variablePattern = regexp.MustCompile(`\{\{\s*\.([a-zA-Z_][a-zA-Z0-9_.]*)\s*\}\}`)

// knownVars holds the field names of Vars.
var knownVars = func() map[string]bool {
	t := reflect.TypeOf(Vars{})
	names := make(map[string]bool, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		names[t.Field(i).Name] = true
	}
	return names
}()

// ExtractVariables returns the sorted, de-duplicated variable names a
// template references. {{.Book.Title}} yields "Book.Title".
func ExtractVariables(text string) []string {
	seen := make(map[string]bool)
	var vars []string
	for _, match := range variablePattern.FindAllStringSubmatch(text, -1) {
		if !seen[match[1]] {
			seen[match[1]] = true
			vars = append(vars, match[1])
		}
	}
	sort.Strings(vars)
	return vars
}

// HashText returns the hex SHA-256 of text.
func HashText(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])
}

// ValidateTemplate checks that text parses and only references Vars fields.
func ValidateTemplate(text string) error {
	if _, err := template.New("validate").Parse(text); err != nil {
		return fmt.Errorf("invalid template: %w", err)
	}
	var unknown []string
	for _, v := range ExtractVariables(text) {
		if !knownVars[strings.SplitN(v, ".", 2)[0]] {
			unknown = append(unknown, v)
		}
	}
	if len(unknown) > 0 {
		return fmt.Errorf("%w: %s", ErrUnknownVariable, strings.Join(unknown, ", "))
	}
	return nil
}

// Parsed templates keyed by content hash. Overrides change the text and so
// the hash, which keeps stale entries from being served.
var (
	cacheMu sync.Mutex
	cache   = make(map[string]*template.Template)
)

func parse(key, text string) (*template.Template, error) {
	hash := HashText(text)

	cacheMu.Lock()
	defer cacheMu.Unlock()
	if tmpl, ok := cache[hash]; ok {
		return tmpl, nil
	}
	tmpl, err := template.New(key).Option("missingkey=zero").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("failed to parse prompt %s: %w", key, err)
	}
	cache[hash] = tmpl
	return tmpl, nil
}

func execute(key, text string, vars Vars) (string, error) {
	tmpl, err := parse(key, text)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("failed to render prompt %s: %w", key, err)
	}
	return buf.String(), nil
}
