package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Channel is one entitled live channel: a dial number joined with the
// service that carries it.
// EPGServiceName is the key into the guide; it equals ServiceName unless the
// service names a replacement for its EPG.
type Channel struct {
	Dial             int    `json:"dial"`
	ServiceName      int    `json:"service_name"`
	EPGServiceName   int    `json:"epg_service_name"`
	MulticastAddress string `json:"multicast_address"` // host:port, never empty
	Name             string `json:"name"`
	ShortName        string `json:"short_name,omitempty"`
	Description      string `json:"description,omitempty"`
	LogoURI          string `json:"logo_uri,omitempty"`
}

// Catalog is the channel lineup built from the discovery documents.
type Catalog struct {
	mu        sync.RWMutex
	Channels  []Channel `json:"channels"`
	Packages  []string  `json:"packages,omitempty"` // entitlements the lineup was built for
	UpdatedAt string    `json:"updated_at,omitempty"`
}

// New returns an empty catalog.
func New() *Catalog {
	return &Catalog{}
}

// Replace swaps in a new lineup, sorted by dial.
func (c *Catalog) Replace(channels []Channel, packages []string) {
	sorted := make([]Channel, len(channels))
	copy(sorted, channels)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Dial < sorted[j].Dial })

	c.mu.Lock()
	defer c.mu.Unlock()
	c.Channels = sorted
	c.Packages = append([]string(nil), packages...)
	c.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
}

// Snapshot returns a copy of the channels for read-only use.
func (c *Catalog) Snapshot() []Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Channel, len(c.Channels))
	copy(out, c.Channels)
	return out
}

// ByDial returns the channel tuned at dial.
func (c *Catalog) ByDial(dial int) (Channel, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i := sort.Search(len(c.Channels), func(i int) bool { return c.Channels[i].Dial >= dial })
	if i < len(c.Channels) && c.Channels[i].Dial == dial {
		return c.Channels[i], true
	}
	return Channel{}, false
}

// EPGServiceNames returns the distinct EPG keys of the lineup in dial order.
func (c *Catalog) EPGServiceNames() []int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	seen := make(map[int]bool, len(c.Channels))
	var out []int
	for _, ch := range c.Channels {
		if seen[ch.EPGServiceName] {
			continue
		}
		seen[ch.EPGServiceName] = true
		out = append(out, ch.EPGServiceName)
	}
	return out
}

// Save writes the catalog to path as JSON using a temp-file-then-rename strategy
// so readers never see a partially-written file.
func (c *Catalog) Save(path string) error {
	c.mu.RLock()
	data, err := json.MarshalIndent(c, "", "  ")
	c.mu.RUnlock()
	if err != nil {
		return err
	}
	return writeAtomic(path, data)
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(filepath.Clean(path))
	tmp, err := os.CreateTemp(dir, ".catalog-*.json.tmp")
	if err != nil {
		return fmt.Errorf("catalog save: create temp: %w", err)
	}
	tmpName := tmp.Name()
	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()
	if writeErr != nil || closeErr != nil {
		os.Remove(tmpName)
		if writeErr != nil {
			return fmt.Errorf("catalog save: write: %w", writeErr)
		}
		return fmt.Errorf("catalog save: close: %w", closeErr)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("catalog save: chmod: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("catalog save: rename: %w", err)
	}
	return nil
}

// Load replaces the catalog with the contents of path (JSON).
func (c *Catalog) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var out struct {
		Channels  []Channel `json:"channels"`
		Packages  []string  `json:"packages"`
		UpdatedAt string    `json:"updated_at"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("catalog load %s: %w", path, err)
	}
	c.Replace(out.Channels, out.Packages)
	c.mu.Lock()
	c.UpdatedAt = out.UpdatedAt
	c.mu.Unlock()
	return nil
}
