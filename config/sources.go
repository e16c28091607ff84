package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"scheme-hand/models"
)

// sourcesFile ist das Format der Source-Registry-Datei.
type sourcesFile struct {
	Sources []models.Source `yaml:"sources" validate:"dive"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// LoadSources liest und validiert die Source Registry aus einer YAML-Datei.
func LoadSources(path string) ([]models.Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sources file: %w", err)
	}
	return ParseSources(data)
}

// ParseSources validiert eine Source Registry im YAML-Format.
func ParseSources(data []byte) ([]models.Source, error) {
	var f sourcesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse sources yaml: %w", err)
	}
	for i := range f.Sources {
		f.Sources[i].ID = strings.TrimSpace(f.Sources[i].ID)
		f.Sources[i].Kind = models.SourceKind(strings.ToLower(string(f.Sources[i].Kind)))
	}
	if err := ValidateSources(f.Sources); err != nil {
		return nil, err
	}
	return f.Sources, nil
}

// ValidateSources prüft Pflichtfelder, bekannte Parser-Kinds und eindeutige IDs.
func ValidateSources(sources []models.Source) error {
	var errs []error
	seen := make(map[string]bool, len(sources))
	for _, s := range sources {
		if err := ValidateSource(s); err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[s.ID] {
			errs = append(errs, fmt.Errorf("source %q: duplicate id", s.ID))
		}
		seen[s.ID] = true
	}
	return errors.Join(errs...)
}

// ValidateSource prüft einen einzelnen Registry-Eintrag.
func ValidateSource(s models.Source) error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("source %q: %w", s.ID, err)
	}
	switch s.Kind {
	case models.KindJSONAPI, models.KindHTMLPage, models.KindRSS:
		return nil
	default:
		return fmt.Errorf("source %q: unknown kind %q", s.ID, s.Kind)
	}
}
