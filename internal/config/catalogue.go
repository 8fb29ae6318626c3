package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/danmuck/framebus/internal/protocol/frame"
	"github.com/danmuck/framebus/internal/protocol/kind"
	"github.com/danmuck/framebus/internal/protocol/schema"
	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog/log"
)

// Catalogue is a set of kinds distributed out of band. Payload shapes are
// JSON Schema documents, inline or in a file next to the catalogue.
type Catalogue struct {
	Kinds []KindEntry `toml:"kinds"`

	dir string
}

type KindEntry struct {
	Code        string `toml:"code"`
	Name        string `toml:"name"`
	AllowZeroID bool   `toml:"allow_zero_id"`
	Schema      string `toml:"schema"`
	SchemaFile  string `toml:"schema_file"`
}

// LoadCatalogue reads and validates a catalogue file. Unknown keys are rejected.
func LoadCatalogue(path string) (Catalogue, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalogue{}, fmt.Errorf("catalogue load failed (%s): %w", path, err)
	}
	cat, err := ParseCatalogue(data)
	if err != nil {
		return Catalogue{}, fmt.Errorf("catalogue parse failed (%s): %w", path, err)
	}
	cat.dir = filepath.Dir(path)
	if err := ValidateCatalogue(cat); err != nil {
		return Catalogue{}, fmt.Errorf("catalogue invalid (%s): %w", path, err)
	}
	return cat, nil
}

func ParseCatalogue(data []byte) (Catalogue, error) {
	var cat Catalogue
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cat); err != nil {
		return Catalogue{}, err
	}
	return cat, nil
}

func ValidateCatalogue(cat Catalogue) error {
	seen := make(map[frame.Kind]string, len(cat.Kinds))
	for i, entry := range cat.Kinds {
		k, err := ValidateKindEntry(entry)
		if err != nil {
			return fmt.Errorf("kinds[%d] invalid: %w", i, err)
		}
		if prev, ok := seen[k]; ok {
			return fmt.Errorf("kinds[%d]: %w: %s used by %q and %q", i, kind.ErrDuplicateKind, k, prev, entry.Name)
		}
		seen[k] = entry.Name
	}
	return nil
}

func ValidateKindEntry(entry KindEntry) (frame.Kind, error) {
	k, err := frame.ParseKind(entry.Code)
	if err != nil {
		return frame.Kind{}, err
	}
	if strings.TrimSpace(entry.Name) == "" {
		return frame.Kind{}, fmt.Errorf("%w: name is required", kind.ErrInvalidEntry)
	}
	hasInline := strings.TrimSpace(entry.Schema) != ""
	hasFile := strings.TrimSpace(entry.SchemaFile) != ""
	if hasInline == hasFile {
		return frame.Kind{}, fmt.Errorf("%w: exactly one of schema or schema_file is required", kind.ErrInvalidEntry)
	}
	return k, nil
}

// Register compiles every entry and registers it. Registration stops at
// the first error, leaving earlier entries registered.
func (c Catalogue) Register(reg *kind.Registry) error {
	for _, entry := range c.Kinds {
		k, err := ValidateKindEntry(entry)
		if err != nil {
			return err
		}
		doc, err := c.schemaText(entry)
		if err != nil {
			return err
		}
		dec, err := schema.Compiled(entry.Name, doc)
		if err != nil {
			return err
		}
		var opts []kind.EntryOption
		if entry.AllowZeroID {
			opts = append(opts, kind.AllowZeroID())
		}
		if err := reg.Register(k, entry.Name, dec, opts...); err != nil {
			return err
		}
	}
	log.Info().Int("kinds", len(c.Kinds)).Msg("config.Catalogue registered")
	return nil
}

func (c Catalogue) schemaText(entry KindEntry) (string, error) {
	if strings.TrimSpace(entry.Schema) != "" {
		return entry.Schema, nil
	}
	path := entry.SchemaFile
	if !filepath.IsAbs(path) && c.dir != "" {
		path = filepath.Join(c.dir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("schema file for %s: %w", entry.Name, err)
	}
	return string(data), nil
}
