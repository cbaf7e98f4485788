package trace

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// WriteYAML writes the span tree as a YAML document
func WriteYAML(w io.Writer, r Result) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("encoding trace report: %w", err)
	}
	return enc.Close()
}

// WriteReportFile writes the YAML report to path, creating parent directories
func WriteReportFile(path string, r Result) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteYAML(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
