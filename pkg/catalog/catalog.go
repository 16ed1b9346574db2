// Package catalog maps game identifiers to panel deployment templates.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/panelbroker/gamebroker/pkg/errors"
)

// Template describes a game that can be requested.
type Template struct {
	Name         string            `mapstructure:"name" json:"name"`
	DisplayName  string            `mapstructure:"display-name" json:"display_name"`
	Description  string            `mapstructure:"description" json:"description"`
	Icon         string            `mapstructure:"icon" json:"icon"`
	TemplateID   int               `mapstructure:"template-id" json:"template_id"`
	DefaultRole  string            `mapstructure:"default-role" json:"default_role"`
	Requirements map[string]string `mapstructure:"requirements" json:"requirements,omitempty"`
}

// OverrideStore persists template ID changes across restarts.
type OverrideStore interface {
	LoadTemplateOverrides(ctx context.Context) (map[string]int, error)
	SaveTemplateOverride(ctx context.Context, game string, templateID int) error
}

// Defaults returns the built-in game list.
func Defaults() []Template {
	return []Template{
		{
			Name:         "minecraft",
			DisplayName:  "Minecraft",
			Description:  "Create a Minecraft server",
			Icon:         "🟫",
			TemplateID:   1,
			DefaultRole:  "minecraft_admin",
			Requirements: map[string]string{"min_memory": "2048", "java_version": "17"},
		},
		{
			Name:         "ark",
			DisplayName:  "ARK: Survival Evolved",
			Description:  "Create an ARK server",
			Icon:         "🦕",
			TemplateID:   3,
			DefaultRole:  "ark_admin",
			Requirements: map[string]string{"min_memory": "8192"},
		},
		{
			Name:         "cs2",
			DisplayName:  "Counter-Strike 2",
			Description:  "Create a CS2 server",
			Icon:         "🔫",
			TemplateID:   5,
			DefaultRole:  "cs2_admin",
			Requirements: map[string]string{"min_memory": "8192"},
		},
		{
			Name:         "gmod",
			DisplayName:  "Garry's Mod",
			Description:  "Create a Garry's Mod server",
			Icon:         "🔧",
			TemplateID:   4,
			DefaultRole:  "gmod_admin",
			Requirements: map[string]string{"min_memory": "4096"},
		},
	}
}

// Catalog is a concurrency-safe game → template mapping.
type Catalog struct {
	mu     sync.RWMutex
	order  []string
	games  map[string]Template
	stored OverrideStore
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithOverrideStore makes SetTemplateRef durable through store.
func WithOverrideStore(store OverrideStore) Option {
	return func(c *Catalog) { c.stored = store }
}

// New builds a catalog from templates, or from Defaults when templates is empty.
func New(templates []Template, opts ...Option) (*Catalog, error) {
	if len(templates) == 0 {
		templates = Defaults()
	}

	c := &Catalog{games: make(map[string]Template, len(templates))}
	for _, opt := range opts {
		opt(c)
	}

	for _, t := range templates {
		key := normalize(t.Name)
		if key == "" {
			return nil, fmt.Errorf("%w: game name cannot be empty", errors.ErrInvalidInput)
		}
		if _, dup := c.games[key]; dup {
			return nil, fmt.Errorf("%w: game %q defined twice", errors.ErrInvalidInput, key)
		}
		if t.TemplateID <= 0 {
			return nil, fmt.Errorf("%w: game %q has no template id", errors.ErrInvalidInput, key)
		}
		t.Name = key
		c.games[key] = t
		c.order = append(c.order, key)
	}

	slog.Info("catalog_init", "game_count", len(c.order), "durable_overrides", c.stored != nil)
	return c, nil
}

// LoadOverrides applies stored template IDs. It is a no-op without an override store.
// Overrides for games no longer in the catalog are ignored.
func (c *Catalog) LoadOverrides(ctx context.Context) error {
	if c.stored == nil {
		return nil
	}

	overrides, err := c.stored.LoadTemplateOverrides(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to load template overrides")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	games := make([]string, 0, len(overrides))
	for game := range overrides {
		games = append(games, game)
	}
	sort.Strings(games)

	for _, game := range games {
		t, ok := c.games[game]
		if !ok || overrides[game] <= 0 {
			slog.Warn("catalog_override_ignored", "game", game, "template_id", overrides[game])
			continue
		}
		t.TemplateID = overrides[game]
		c.games[game] = t
		slog.Info("catalog_override_applied", "game", game, "template_id", t.TemplateID)
	}
	return nil
}

// ByName looks up a game, ignoring case and surrounding whitespace.
func (c *Catalog) ByName(name string) (Template, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	t, ok := c.games[normalize(name)]
	if !ok {
		return Template{}, false
	}
	return cloneTemplate(t), true
}

// Lookup is ByName returning ErrUnknownGame.
func (c *Catalog) Lookup(name string) (Template, error) {
	t, ok := c.ByName(name)
	if !ok {
		return Template{}, fmt.Errorf("%w: %q", errors.ErrUnknownGame, name)
	}
	return t, nil
}

// List returns every game in definition order.
func (c *Catalog) List() []Template {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Template, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, cloneTemplate(c.games[name]))
	}
	return out
}

// TemplateID returns the panel template reference for a game.
func (c *Catalog) TemplateID(name string) (int, bool) {
	t, ok := c.ByName(name)
	return t.TemplateID, ok
}

// SetTemplateRef changes the template reference of a known game. With an
// override store the change is persisted before it becomes visible.
func (c *Catalog) SetTemplateRef(ctx context.Context, name string, templateID int) error {
	key := normalize(name)
	if templateID <= 0 {
		return fmt.Errorf("%w: template id must be positive, got %d", errors.ErrInvalidInput, templateID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.games[key]
	if !ok {
		return fmt.Errorf("%w: %q", errors.ErrUnknownGame, name)
	}

	if c.stored != nil {
		if err := c.stored.SaveTemplateOverride(ctx, key, templateID); err != nil {
			return errors.Wrap(err, "failed to persist template override")
		}
	}

	previous := t.TemplateID
	t.TemplateID = templateID
	c.games[key] = t

	slog.Info("catalog_template_updated", "game", key, "previous_template_id", previous, "template_id", templateID)
	return nil
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func cloneTemplate(t Template) Template {
	if t.Requirements != nil {
		req := make(map[string]string, len(t.Requirements))
		for k, v := range t.Requirements {
			req[k] = v
		}
		t.Requirements = req
	}
	return t
}
