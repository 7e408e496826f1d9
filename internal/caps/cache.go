package caps

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tsvetkov/loom/internal/runlog"
)

const cacheVersion = 2

type cacheFile struct {
	Version int                   `json:"version"`
	SavedAt float64               `json:"saved_at"`
	Models  map[string]wireRecord `json:"models"`
}

// Cache is the capability store. The prober is its sole writer. A sibling
// "<path>.force_refresh" marker clears the cache on the next load.
type Cache struct {
	Path string

	mu   sync.Mutex
	data map[string]Record
	now  func() time.Time
}

func NewCache(path string) *Cache {
	return &Cache{Path: path, data: map[string]Record{}, now: time.Now}
}

func (c *Cache) markerPath() string { return c.Path + ".force_refresh" }

// Load reads the cache file, applying post-hoc flag normalization. If the
// force-refresh marker exists, both marker and cache are removed and the
// cache starts empty.
func (c *Cache) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = map[string]Record{}

	if _, err := os.Stat(c.markerPath()); err == nil {
		_ = os.Remove(c.markerPath())
		_ = os.Remove(c.Path)
		return nil
	}
	raw, err := os.ReadFile(c.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var cf cacheFile
	if err := json.Unmarshal(raw, &cf); err != nil {
		// A corrupt cache is re-probed, not fatal.
		return nil
	}
	for id, w := range cf.Models {
		if w.Model == "" {
			w.Model = id
		}
		c.data[id] = fromWire(w)
	}
	return nil
}

func (c *Cache) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cf := cacheFile{
		Version: cacheVersion,
		SavedAt: float64(c.nowFn().UnixMilli()) / 1000.0,
		Models:  map[string]wireRecord{},
	}
	for id, r := range c.data {
		cf.Models[id] = r.toWire()
	}
	data, err := json.MarshalIndent(cf, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(c.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	if err := runlog.WriteFileAtomic(c.Path, data); err != nil {
		return fmt.Errorf("capability cache: %w", err)
	}
	return nil
}

// RequestForceRefresh drops the marker file that clears the cache on the
// next load.
func (c *Cache) RequestForceRefresh() error {
	return os.WriteFile(c.markerPath(), []byte("1\n"), 0o644)
}

func (c *Cache) Get(model string) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.data[model]
	return r, ok
}

func (c *Cache) Upsert(r Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[r.Model] = r
}

func (c *Cache) Models() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.data))
	for id := range c.data {
		out = append(out, id)
	}
	return out
}

// IsStale reports whether the model needs a (re)probe under the TTL. A TTL
// of zero keeps cached records forever.
func (c *Cache) IsStale(model string, ttl time.Duration) bool {
	r, ok := c.Get(model)
	if !ok {
		return true
	}
	if ttl <= 0 {
		return false
	}
	return c.nowFn().Sub(r.TestedAt) > ttl
}

func (c *Cache) MissingOrStale(models []string, ttl time.Duration) []string {
	var out []string
	for _, m := range models {
		if c.IsStale(m, ttl) {
			out = append(out, m)
		}
	}
	return out
}

func (c *Cache) nowFn() time.Time {
	if c.now == nil {
		return time.Now()
	}
	return c.now()
}
