// Package tariffs loads the purchasable plan catalog from a JSON file.
// The catalog is read and validated once at startup and replaced only on
// an explicit Reload, so a single operation never sees two versions of
// the same tariff.
package tariffs

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

type Tariff struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Price        float64 `json:"price"`
	DurationDays int     `json:"duration_days"`
	TrafficGB    float64 `json:"traffic_gb"`
	IsTrial      bool    `json:"is_trial"`
	MaxIPs       int     `json:"max_ips"`
	Location     string  `json:"location,omitempty"`
}

type catalogFile struct {
	Tariffs []Tariff `json:"tariffs"`
}

type Catalog struct {
	path string

	mu   sync.RWMutex
	list []Tariff
	byID map[string]Tariff
}

// Load reads and validates the catalog at path.
func Load(path string) (*Catalog, error) {
	c := &Catalog{path: path}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads the catalog file. On any error the previous catalog
// stays in effect.
func (c *Catalog) Reload() error {
	raw, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("failed to read tariffs file: %w", err)
	}

	var file catalogFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("failed to parse tariffs file: %w", err)
	}

	if err := validate(file.Tariffs); err != nil {
		return err
	}

	byID := make(map[string]Tariff, len(file.Tariffs))
	for _, t := range file.Tariffs {
		byID[t.ID] = t
	}

	c.mu.Lock()
	c.list = file.Tariffs
	c.byID = byID
	c.mu.Unlock()
	return nil
}

func validate(list []Tariff) error {
	if len(list) == 0 {
		return fmt.Errorf("tariff catalog is empty")
	}
	seen := make(map[string]bool, len(list))
	for _, t := range list {
		switch {
		case t.ID == "":
			return fmt.Errorf("tariff with empty id")
		case seen[t.ID]:
			return fmt.Errorf("duplicate tariff id %q", t.ID)
		case t.Name == "":
			return fmt.Errorf("tariff %q: empty name", t.ID)
		case t.DurationDays <= 0:
			return fmt.Errorf("tariff %q: duration must be positive", t.ID)
		case t.Price < 0:
			return fmt.Errorf("tariff %q: negative price", t.ID)
		case t.TrafficGB < 0:
			return fmt.Errorf("tariff %q: negative traffic limit", t.ID)
		}
		seen[t.ID] = true
	}
	return nil
}

// Get returns the tariff with the given id.
func (c *Catalog) Get(id string) (Tariff, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.byID[id]
	return t, ok
}

// List returns the catalog in file order.
func (c *Catalog) List() []Tariff {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Tariff, len(c.list))
	copy(out, c.list)
	return out
}
