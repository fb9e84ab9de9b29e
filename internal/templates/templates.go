// Package templates is the in-memory repository of notification templates
// shared by the rule validator and the renderer.
package templates

import (
	"fmt"
	"sort"
	"sync"

	"callwatch/internal/models"
)

// Repository stores templates by id. Updates replace the whole record under
// the write lock, so readers see either the old or the new template.
type Repository struct {
	mu        sync.RWMutex
	templates map[string]models.Template
}

// NewRepository creates a repository seeded with the given templates.
func NewRepository(seed ...models.Template) (*Repository, error) {
	r := &Repository{templates: make(map[string]models.Template)}
	for _, t := range seed {
		if err := r.Add(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Add validates and stores a new template.
func (r *Repository) Add(t models.Template) error {
	if err := t.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.templates[t.ID]; exists {
		return &models.InvalidTemplateError{TemplateID: t.ID, Reason: "already exists"}
	}
	r.templates[t.ID] = t
	return nil
}

// Update swaps an existing template for t.
func (r *Repository) Update(t models.Template) error {
	if err := t.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.templates[t.ID]; !exists {
		return &models.NotFoundError{Kind: "template", ID: t.ID}
	}
	r.templates[t.ID] = t
	return nil
}

// Remove deletes a template. Rules referencing it are left dangling.
func (r *Repository) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.templates[id]; !exists {
		return &models.NotFoundError{Kind: "template", ID: id}
	}
	delete(r.templates, id)
	return nil
}

// Get returns a copy of the template.
func (r *Repository) Get(id string) (models.Template, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.templates[id]
	return t, ok
}

// List returns every template ordered by id.
func (r *Repository) List() []models.Template {
	r.mu.RLock()
	out := make([]models.Template, 0, len(r.templates))
	for _, t := range r.templates {
		out = append(out, t)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CheckChannel verifies that a channel's template reference exists and is
// of the same channel type.
func (r *Repository) CheckChannel(ch models.Channel) error {
	id := ch.TemplateID()
	if id == "" {
		return nil
	}
	t, ok := r.Get(id)
	if !ok {
		return &models.NotFoundError{Kind: "template", ID: id}
	}
	if t.ChannelType != ch.Type() {
		return fmt.Errorf("template %q is for %s, channel is %s", id, t.ChannelType, ch.Type())
	}
	return nil
}
