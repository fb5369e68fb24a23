// Package voices ships the static voice catalog served by the admin API.
// The catalog is a data file embedded at build time; it changes only when
// the upstream provider publishes new voices, so there is no runtime
// refresh path.
package voices

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

//go:embed catalog.json
var catalogJSON []byte

// Voice is one entry of the provider's published voice catalog.
type Voice struct {
	// ID is the provider voice identifier (e.g. "Wise_Woman").
	ID string `json:"id"`

	// Name is the human-readable display name.
	Name string `json:"name"`

	// Language is the primary language tag.
	Language string `json:"language"`

	// Gender is the catalogued voice gender ("male", "female", "neutral").
	Gender string `json:"gender"`
}

var (
	loadOnce sync.Once
	catalog  []Voice
	byID     map[string]Voice
	loadErr  error
)

func load() {
	loadOnce.Do(func() {
		if err := json.Unmarshal(catalogJSON, &catalog); err != nil {
			loadErr = fmt.Errorf("voices: decode embedded catalog: %w", err)
			return
		}
		byID = make(map[string]Voice, len(catalog))
		for _, v := range catalog {
			byID[v.ID] = v
		}
	})
}

// All returns the full catalog in its published order.
func All() ([]Voice, error) {
	load()
	if loadErr != nil {
		return nil, loadErr
	}
	out := make([]Voice, len(catalog))
	copy(out, catalog)
	return out, nil
}

// Exists reports whether id is a catalogued voice. Lookup is
// case-sensitive — provider voice ids are exact strings.
func Exists(id string) bool {
	load()
	_, ok := byID[id]
	return ok
}

// Search returns catalog entries whose id or name contains q,
// case-insensitively. An empty query returns the full catalog.
func Search(q string) ([]Voice, error) {
	load()
	if loadErr != nil {
		return nil, loadErr
	}
	if q == "" {
		return All()
	}
	q = strings.ToLower(q)
	var out []Voice
	for _, v := range catalog {
		if strings.Contains(strings.ToLower(v.ID), q) || strings.Contains(strings.ToLower(v.Name), q) {
			out = append(out, v)
		}
	}
	return out, nil
}
