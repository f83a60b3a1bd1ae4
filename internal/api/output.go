package api

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// OutputFormat selects how CLI commands print results.
type OutputFormat string

const (
	OutputFormatYAML OutputFormat = "yaml"
	OutputFormatJSON OutputFormat = "json"
	// OutputFormatText lets commands print a human summary. Commands
	// without one fall back to YAML.
	OutputFormatText OutputFormat = "text"
)

// globalOutputFormat is set by the root command's --output flag.
var globalOutputFormat = OutputFormatYAML

// SetOutputFormat sets the format used by Output.
func SetOutputFormat(format string) error {
	switch f := OutputFormat(strings.ToLower(format)); f {
	case OutputFormatYAML, OutputFormatJSON, OutputFormatText:
		globalOutputFormat = f
		return nil
	case "":
		globalOutputFormat = OutputFormatYAML
		return nil
	default:
		return fmt.Errorf("unknown output format %q (want yaml, json or text)", format)
	}
}

// GetOutputFormat returns the current global output format.
func GetOutputFormat() OutputFormat {
	return globalOutputFormat
}

// Output writes data to stdout in the configured format.
func Output(data any) error {
	return OutputTo(os.Stdout, globalOutputFormat, data)
}

// OutputToFile writes data to path, choosing JSON for a .json extension
// and YAML otherwise.
func OutputToFile(data any, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	format := OutputFormatYAML
	if strings.HasSuffix(path, ".json") {
		format = OutputFormatJSON
	}
	return OutputTo(f, format, data)
}

// OutputTo writes data to w in format.
func OutputTo(w io.Writer, format OutputFormat, data any) error {
	switch format {
	case OutputFormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	case OutputFormatYAML, OutputFormatText:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(data)
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}
}

// IsStructuredOutput reports whether commands should print machine-readable
// output instead of a human summary.
func IsStructuredOutput() bool {
	return globalOutputFormat != OutputFormatText
}
