package synthemes

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"syntheme/internal/logging"
	"syntheme/internal/services"
)

var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// definition is the on-disk TOML shape of a theme file.
type definition struct {
	Name        string   `toml:"name"`
	Title       string   `toml:"title"`
	Description string   `toml:"description"`
	Extension   string   `toml:"extension"`
	ContentType string   `toml:"content_type"`
	Inputs      []string `toml:"inputs"`
	Args        []string `toml:"args"`
}

// Registry indexes the loaded themes. It is immutable after Load and safe
// for unsynchronized concurrent reads.
type Registry struct {
	byName  map[string]Syntheme
	ordered []string
}

// Load reads every *.toml theme definition in dir. A malformed file is
// skipped with a warning; an empty result is an error because the service
// cannot operate without themes.
func Load(dir string, logger *slog.Logger) (*Registry, error) {
	log := logging.WithComponent(logger, "synthemes")

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, services.Wrap(services.ErrIO, "synthemes", "load", fmt.Sprintf("read directory %s", dir), err)
	}

	reg := &Registry{byName: make(map[string]Syntheme)}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".toml") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		theme, err := loadDefinition(path)
		if err != nil {
			log.Warn("skipping malformed syntheme definition",
				logging.String("path", path),
				logging.Error(err),
			)
			continue
		}
		if _, dup := reg.byName[theme.name]; dup {
			log.Warn("skipping duplicate syntheme name",
				logging.String("path", path),
				logging.String(logging.FieldSyntheme, theme.name),
			)
			continue
		}
		reg.byName[theme.name] = theme
		reg.ordered = append(reg.ordered, theme.name)
	}

	if len(reg.byName) == 0 {
		return nil, fmt.Errorf("no usable syntheme definitions in %s", dir)
	}
	sort.Strings(reg.ordered)

	log.Info("syntheme registry loaded",
		logging.Int("themes", len(reg.ordered)),
		logging.String("dir", dir),
	)
	return reg, nil
}

func loadDefinition(path string) (Syntheme, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Syntheme{}, err
	}

	var def definition
	if err := toml.Unmarshal(data, &def); err != nil {
		return Syntheme{}, fmt.Errorf("parse: %w", err)
	}

	name := strings.TrimSpace(def.Name)
	if !namePattern.MatchString(name) {
		return Syntheme{}, fmt.Errorf("invalid name %q", def.Name)
	}
	stem := strings.TrimSuffix(filepath.Base(path), ".toml")
	if stem != name {
		return Syntheme{}, fmt.Errorf("file stem %q does not match declared name %q", stem, name)
	}
	ext := strings.TrimPrefix(strings.TrimSpace(def.Extension), ".")
	if ext == "" {
		return Syntheme{}, errors.New("extension is required")
	}
	if strings.TrimSpace(def.ContentType) == "" {
		return Syntheme{}, errors.New("content_type is required")
	}
	if len(def.Args) == 0 {
		return Syntheme{}, errors.New("args must not be empty")
	}

	return Syntheme{
		name:        name,
		title:       strings.TrimSpace(def.Title),
		description: strings.TrimSpace(def.Description),
		extension:   ext,
		contentType: strings.TrimSpace(def.ContentType),
		inputs:      append([]string(nil), def.Inputs...),
		args:        append([]string(nil), def.Args...),
	}, nil
}

// Get resolves a theme by name.
func (r *Registry) Get(name string) (Syntheme, error) {
	theme, ok := r.byName[strings.TrimSpace(strings.ToLower(name))]
	if !ok {
		return Syntheme{}, services.Wrap(services.ErrNotFound, "synthemes", "get", fmt.Sprintf("unknown syntheme %q", name), nil)
	}
	return theme, nil
}

// Names returns the theme names in sorted order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.ordered...)
}

// List returns the themes in name order.
func (r *Registry) List() []Syntheme {
	out := make([]Syntheme, 0, len(r.ordered))
	for _, name := range r.ordered {
		out = append(out, r.byName[name])
	}
	return out
}

// Len reports the number of loaded themes.
func (r *Registry) Len() int {
	return len(r.byName)
}
