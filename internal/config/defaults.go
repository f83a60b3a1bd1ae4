package config

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v2"
)

// ErrNoDefault is returned when no default value exists for a config key.
var ErrNoDefault = errors.New("no default exists")

// Entry represents a single configuration key.
type Entry struct {
	Key         string `json:"key" yaml:"key"`
	Value       any    `json:"value" yaml:"value"`
	Description string `json:"description" yaml:"description"`
}

var descriptions = map[string]string{
	"providers":                         "Generation service endpoints by name",
	"defaults.provider":                 "Provider used when a run does not name one",
	"defaults.model":                    "Model override applied to the default provider",
	"segment.max_unit_chars":            "Largest unit the segmenter emits, in characters",
	"expansion.target_pages":            "Page budget for the expanded book",
	"expansion.chars_per_page":          "Characters counted as one page",
	"expansion.max_target_chars":        "Upper bound on one unit's expansion target",
	"expansion.max_revisions":           "Critic rejections allowed before a draft is accepted as is",
	"expansion.plan_attempts":           "Attempts for the planning call",
	"expansion.plan_backoff":            "Fixed delay between planning attempts",
	"expansion.draft_attempts":          "Attempts for each drafting call",
	"expansion.draft_max_tokens":        "Completion token limit for drafts",
	"expansion.rate_limit_backoff":      "Base delay after a rate limited draft, multiplied by the attempt",
	"expansion.concurrency":             "Units expanded in parallel (0 derives from the model tier)",
	"expansion.call_timeout":            "Hard timeout for one generation call",
	"structuring.concurrency":           "Sections structured in parallel",
	"structuring.checkpoint_every":      "Completions between partial structure saves",
	"structuring.fallback_chars":        "Characters kept when a section cannot be structured",
	"resolution.concurrency":            "Tags resolved in parallel",
	"resolution.max_new_diagrams":       "Cap on generated diagrams per run (-1 is unlimited)",
	"resolution.skip_images":            "Render placeholders instead of generating diagrams",
	"typesetting.engine":                "Rendering engine: markdown or gotenberg",
	"typesetting.gotenberg_url":         "Gotenberg server URL (empty uses the managed container)",
	"typesetting.docker.manage":         "Start the Gotenberg container with tome serve",
	"typesetting.docker.image":          "Gotenberg image",
	"typesetting.docker.container_name": "Gotenberg container name (empty derives one from the home path)",
	"typesetting.docker.host_port":      "Host port bound to Gotenberg",
	"extraction.pdf_text_command":       "Command producing text from a PDF; {input} and {output} are substituted",
	"extraction.extract_images":         "Extract embedded images from PDF inputs",
	"events.queue_size":                 "Buffered events per progress subscriber",
	"events.nats_url":                   "NATS server that mirrors progress events (empty disables)",
	"events.nats_subject_prefix":        "Subject root for mirrored events",
	"storage.dlq_path":                  "Dead letter database (empty uses the home directory)",
	"storage.jobs_path":                 "Job registry file (empty uses the home directory)",
	"storage.runs_dir":                  "Directory holding per-job run directories",
}

// DefaultEntries returns every configuration key with its default value,
// in file order. Provider definitions are one entry since their names are
// user-chosen.
func DefaultEntries() []Entry {
	cfg := DefaultConfig()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		panic(fmt.Sprintf("marshal default config: %v", err))
	}
	var doc yaml.MapSlice
	if err := yaml.Unmarshal(data, &doc); err != nil {
		panic(fmt.Sprintf("unmarshal default config: %v", err))
	}

	var entries []Entry
	var walk func(prefix string, items yaml.MapSlice)
	walk = func(prefix string, items yaml.MapSlice) {
		for _, item := range items {
			key := prefix + fmt.Sprint(item.Key)
			if key == "providers" {
				entries = append(entries, Entry{Key: key, Value: cfg.Providers, Description: descriptions[key]})
				continue
			}
			if sub, ok := item.Value.(yaml.MapSlice); ok {
				walk(key+".", sub)
				continue
			}
			entries = append(entries, Entry{Key: key, Value: item.Value, Description: descriptions[key]})
		}
	}
	walk("", doc)
	return entries
}

// GetDefault returns the default entry for a key, or nil if not found.
func GetDefault(key string) *Entry {
	for _, e := range DefaultEntries() {
		if e.Key == key {
			return &e
		}
	}
	return nil
}

// IsKnownKey reports whether key names a setting. Keys below providers.
// address user-defined provider fields.
func IsKnownKey(key string) bool {
	if _, ok := descriptions[key]; ok {
		return true
	}
	return strings.HasPrefix(key, "providers.") && len(key) > len("providers.")
}

// ResetToDefault restores a single key in the managed configuration.
func (cm *Manager) ResetToDefault(key string) error {
	def := GetDefault(key)
	if def == nil {
		return fmt.Errorf("%w: %s", ErrNoDefault, key)
	}
	return cm.Set(key, def.Value)
}
