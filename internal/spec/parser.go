// Package spec reads named launch definitions from YAML files.
package spec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/mpataki/towerops/internal/models"
	"gopkg.in/yaml.v3"
)

var extensions = []string{".yaml", ".yml", ".lua"}

// Parse reads a YAML definition. A definition without a name takes the file
// name minus its extension.
func Parse(path string) (*models.Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read spec file: %w", err)
	}

	def, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if def.Name == "" {
		def.Name = baseName(path)
	}
	return def, nil
}

// Decode parses a single YAML definition, rejecting unknown fields.
func Decode(data []byte) (*models.Definition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var def models.Definition
	if err := dec.Decode(&def); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("spec file is empty")
		}
		return nil, err
	}
	return &def, nil
}

// LoadAll parses every YAML definition in dirs, keyed by name. Directories
// that don't exist are skipped. When two files share a name the one found
// first wins, so earlier dirs take precedence.
func LoadAll(dirs []string) (map[string]*models.Definition, error) {
	defs := make(map[string]*models.Definition)

	for _, dir := range dirs {
		if err := loadFromDir(dir, defs); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
	}

	return defs, nil
}

func loadFromDir(dir string, defs map[string]*models.Definition) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || !isYAML(entry.Name()) {
			continue
		}

		def, err := Parse(filepath.Join(dir, entry.Name()))
		if err != nil {
			return err
		}
		if _, seen := defs[def.Name]; !seen {
			defs[def.Name] = def
		}
	}

	return nil
}

// Locate resolves a definition reference to a file. The reference may be a
// path to an existing file, or a bare name looked up in dirs with each
// supported extension.
func Locate(ref string, dirs []string) (string, error) {
	if hasExtension(ref) {
		if info, err := os.Stat(ref); err == nil && !info.IsDir() {
			return ref, nil
		}
	}

	for _, dir := range dirs {
		candidates := []string{filepath.Join(dir, ref)}
		if !hasExtension(ref) {
			candidates = candidates[:0]
			for _, ext := range extensions {
				candidates = append(candidates, filepath.Join(dir, ref+ext))
			}
		}
		for _, path := range candidates {
			if info, err := os.Stat(path); err == nil && !info.IsDir() {
				return path, nil
			}
		}
	}

	return "", fmt.Errorf("spec %q not found in %s", ref, strings.Join(dirs, ", "))
}

func Validate(def *models.Definition) error {
	if def.Name == "" {
		return fmt.Errorf("spec must have a name")
	}
	if err := def.Launch.Validate(); err != nil {
		return fmt.Errorf("spec %q: %w", def.Name, err)
	}
	return nil
}

func isYAML(name string) bool {
	ext := filepath.Ext(name)
	return ext == ".yaml" || ext == ".yml"
}

func hasExtension(name string) bool {
	ext := filepath.Ext(name)
	for _, e := range extensions {
		if ext == e {
			return true
		}
	}
	return false
}

func baseName(path string) string {
	name := filepath.Base(path)
	return strings.TrimSuffix(name, filepath.Ext(name))
}
