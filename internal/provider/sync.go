package provider

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/relaydesk/relaydesk/internal/config"
)

// providerFile is the on-disk shape of an externally-managed provider
// definition. Both apiBaseUrl and baseUrl are accepted.
type providerFile struct {
	Name       string   `json:"name"`
	Type       string   `json:"type"`
	APIBaseURL string   `json:"apiBaseUrl"`
	BaseURL    string   `json:"baseUrl"`
	APIKey     string   `json:"apiKey"`
	Models     []string `json:"models"`
	Enabled    *bool    `json:"enabled"`
}

// DeterministicID derives a stable provider id from the identifying fields of
// a directory-synced definition. Running sync twice over an unchanged
// directory therefore yields identical ids.
func DeterministicID(name, baseURL, apiKey string) string {
	sum := sha256.Sum256([]byte(name + "|" + baseURL + "|" + apiKey))
	return hex.EncodeToString(sum[:])[:12]
}

// isSynced reports whether a provider entry was derived from directory sync,
// recognisable by its id being the deterministic hash of its own fields.
func isSynced(p config.Provider) bool {
	return p.ID == DeterministicID(p.Name, p.APIBaseURL, p.APIKey)
}

// SyncFromDirectory rebuilds the synchronized subset of the registry from the
// *.json files in dir, fully replacing prior synced entries while leaving
// manually-added providers untouched. The active provider reference is
// cleared when it no longer resolves. Returns the number of synced providers.
func (r *Registry) SyncFromDirectory(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	now := time.Now()
	var synced []config.Provider
	for _, name := range names {
		full := filepath.Join(dir, name)
		data, errRead := os.ReadFile(full)
		if errRead != nil {
			log.Warnf("provider sync: skip %s: %v", name, errRead)
			continue
		}
		var pf providerFile
		if errJSON := json.Unmarshal(data, &pf); errJSON != nil {
			log.Warnf("provider sync: skip %s: invalid JSON: %v", name, errJSON)
			continue
		}
		baseURL := pf.APIBaseURL
		if baseURL == "" {
			baseURL = pf.BaseURL
		}
		if pf.Name == "" || baseURL == "" {
			log.Warnf("provider sync: skip %s: missing name or base URL", name)
			continue
		}
		enabled := true
		if pf.Enabled != nil {
			enabled = *pf.Enabled
		}
		provType := pf.Type
		if provType == "" {
			provType = "anthropic"
		}
		synced = append(synced, config.Provider{
			ID:         DeterministicID(pf.Name, baseURL, pf.APIKey),
			Name:       pf.Name,
			Type:       provType,
			APIBaseURL: baseURL,
			APIKey:     pf.APIKey,
			Models:     pf.Models,
			Enabled:    enabled,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}

	// Keep manual entries, replace the synced subset wholesale.
	next := make([]config.Provider, 0, len(synced)+len(r.cfg.Providers))
	seen := make(map[string]struct{}, len(synced))
	for _, p := range synced {
		if _, dup := seen[p.ID]; dup {
			continue
		}
		seen[p.ID] = struct{}{}
		next = append(next, p)
	}
	for _, p := range r.cfg.Providers {
		if isSynced(p) {
			continue
		}
		if _, dup := seen[p.ID]; dup {
			continue
		}
		seen[p.ID] = struct{}{}
		next = append(next, p)
	}
	r.cfg.Providers = next

	if r.cfg.CurrentProvider != "" && r.cfg.FindProvider(r.cfg.CurrentProvider) == nil {
		log.Warnf("provider sync: active provider %q no longer resolves, clearing", r.cfg.CurrentProvider)
		r.cfg.CurrentProvider = ""
	}
	if err = r.save(); err != nil {
		return 0, err
	}
	return len(synced), nil
}
