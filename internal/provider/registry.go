// Package provider maintains the upstream provider list: in-memory access on
// top of the persisted config, plus synchronization from an externally-managed
// directory of provider definition files.
package provider

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relaydesk/relaydesk/internal/config"
	apperrors "github.com/relaydesk/relaydesk/internal/errors"
)

// Registry enforces id uniqueness and active-provider protection over the
// provider list stored in the config. All mutations are persisted through the
// save callback before returning, so callers never observe unsaved state.
type Registry struct {
	cfg  *config.Config
	save func() error
}

// NewRegistry creates a registry bound to cfg. save persists the config.
func NewRegistry(cfg *config.Config, save func() error) *Registry {
	return &Registry{cfg: cfg, save: save}
}

// List returns a copy of the provider list.
func (r *Registry) List() []config.Provider {
	out := make([]config.Provider, len(r.cfg.Providers))
	copy(out, r.cfg.Providers)
	return out
}

// Get returns the provider with the given id.
func (r *Registry) Get(id string) (config.Provider, error) {
	if p := r.cfg.FindProvider(id); p != nil {
		return *p, nil
	}
	return config.Provider{}, apperrors.New(http.StatusNotFound, apperrors.CodeProviderNotFound,
		fmt.Sprintf("provider %q not found", id), nil)
}

// Add inserts a new provider. An empty id is assigned a generated one; a
// duplicate id is rejected.
func (r *Registry) Add(p config.Provider) (config.Provider, error) {
	if strings.TrimSpace(p.ID) == "" {
		p.ID = uuid.NewString()
	}
	if r.cfg.FindProvider(p.ID) != nil {
		return config.Provider{}, apperrors.New(http.StatusConflict, apperrors.CodeProviderConflict,
			fmt.Sprintf("provider %q already exists", p.ID), nil)
	}
	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now
	r.cfg.Providers = append(r.cfg.Providers, p)
	if err := r.save(); err != nil {
		return config.Provider{}, err
	}
	return p, nil
}

// Update replaces the provider with the same id in place. It reports whether
// the updated provider is the active one, so the caller can restart the
// gateway.
func (r *Registry) Update(p config.Provider) (bool, error) {
	existing := r.cfg.FindProvider(p.ID)
	if existing == nil {
		return false, apperrors.New(http.StatusNotFound, apperrors.CodeProviderNotFound,
			fmt.Sprintf("provider %q not found", p.ID), nil)
	}
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = time.Now()
	*existing = p
	if err := r.save(); err != nil {
		return false, err
	}
	return r.cfg.CurrentProvider == p.ID, nil
}

// Delete removes the provider with the given id. The active provider cannot
// be deleted.
func (r *Registry) Delete(id string) error {
	if r.cfg.FindProvider(id) == nil {
		return apperrors.New(http.StatusNotFound, apperrors.CodeProviderNotFound,
			fmt.Sprintf("provider %q not found", id), nil)
	}
	if r.cfg.CurrentProvider == id {
		return apperrors.New(http.StatusConflict, apperrors.CodeProviderActive,
			"the active provider cannot be deleted", nil)
	}
	kept := r.cfg.Providers[:0]
	for _, p := range r.cfg.Providers {
		if p.ID != id {
			kept = append(kept, p)
		}
	}
	r.cfg.Providers = kept
	return r.save()
}

// Switch sets the active provider. The id must resolve.
func (r *Registry) Switch(id string) error {
	if r.cfg.FindProvider(id) == nil {
		return apperrors.New(http.StatusNotFound, apperrors.CodeProviderNotFound,
			fmt.Sprintf("provider %q not found", id), nil)
	}
	r.cfg.CurrentProvider = id
	return r.save()
}
