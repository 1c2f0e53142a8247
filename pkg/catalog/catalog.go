// Package catalog loads the read-only application template catalog from a
// directory of YAML definitions. Templates are consulted at deploy-job start
// and never mutated by the engine.
package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/fabriziosalmi/proximity-sub006/pkg/faults"
)

// Resources are the default container resources for a template.
type Resources struct {
	Cores    int `yaml:"cores"`
	MemoryMB int `yaml:"memory_mb"`
	DiskGB   int `yaml:"disk_gb"`
}

// Template describes one deployable application.
type Template struct {
	ID          string            `yaml:"id"`
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	OSTemplate  string            `yaml:"os_template"`
	Compose     string            `yaml:"compose"`
	Resources   Resources         `yaml:"resources"`
	Env         map[string]string `yaml:"env"`
	HTTPPort    int               `yaml:"http_port"`
}

// Validate checks the template for required fields.
func (t *Template) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("template id is required")
	}
	if t.OSTemplate == "" {
		return fmt.Errorf("template %s: os_template is required", t.ID)
	}
	if t.Compose == "" {
		return fmt.Errorf("template %s: compose definition is required", t.ID)
	}
	return nil
}

// applyDefaults fills unset resources.
func (t *Template) applyDefaults() {
	if t.Resources.Cores == 0 {
		t.Resources.Cores = 2
	}
	if t.Resources.MemoryMB == 0 {
		t.Resources.MemoryMB = 1024
	}
	if t.Resources.DiskGB == 0 {
		t.Resources.DiskGB = 8
	}
	if t.HTTPPort == 0 {
		t.HTTPPort = 80
	}
	if t.Env == nil {
		t.Env = map[string]string{}
	}
}

// Catalog is a read-only, hot-reloadable template collection.
type Catalog struct {
	dir string
	log zerolog.Logger

	mu        sync.RWMutex
	templates map[string]*Template
}

// New creates a catalog over the given directory and performs the initial
// load.
func New(dir string, log zerolog.Logger) (*Catalog, error) {
	c := &Catalog{
		dir:       dir,
		log:       log.With().Str("component", "catalog").Logger(),
		templates: map[string]*Template{},
	}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads every template definition from the directory.
func (c *Catalog) Reload() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("failed to read template directory: %w", err)
	}

	templates := map[string]*Template{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		path := filepath.Join(c.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read template %s: %w", path, err)
		}

		tmpl := &Template{}
		if err := yaml.Unmarshal(data, tmpl); err != nil {
			return fmt.Errorf("failed to parse template %s: %w", path, err)
		}
		if err := tmpl.Validate(); err != nil {
			return fmt.Errorf("invalid template %s: %w", path, err)
		}
		tmpl.applyDefaults()

		if _, exists := templates[tmpl.ID]; exists {
			return fmt.Errorf("duplicate template id %s in %s", tmpl.ID, path)
		}
		templates[tmpl.ID] = tmpl
	}

	c.mu.Lock()
	c.templates = templates
	c.mu.Unlock()

	c.log.Info().Int("templates", len(templates)).Msg("template catalog loaded")
	return nil
}

// Get returns the template with the given id.
func (c *Catalog) Get(id string) (*Template, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tmpl, ok := c.templates[id]
	if !ok {
		return nil, faults.NotFound("template not found", nil).WithResource(id)
	}
	return tmpl, nil
}

// List returns all templates, unordered.
func (c *Catalog) List() []*Template {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*Template, 0, len(c.templates))
	for _, tmpl := range c.templates {
		out = append(out, tmpl)
	}
	return out
}

// Watch reloads the catalog whenever the template directory changes, until
// the context is cancelled. Reload failures keep the previous catalog and
// log the error.
func (c *Catalog) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(c.dir); err != nil {
		return fmt.Errorf("failed to watch template directory: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if err := c.Reload(); err != nil {
				c.log.Error().Err(err).Msg("catalog reload failed, keeping previous templates")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.log.Error().Err(err).Msg("catalog watcher error")
		}
	}
}
