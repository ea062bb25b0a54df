package tools

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// Catalog holds the current tool set. The schema watcher replaces the
// set at runtime, so reads take a shared lock.
type Catalog struct {
	mu    sync.RWMutex
	tools []Tool
	index map[string]int
}

// NewCatalog builds a catalog from a generated tool set.
func NewCatalog(ts []Tool) *Catalog {
	c := &Catalog{}
	c.Replace(ts)

	return c
}

// Replace swaps the tool set atomically.
func (c *Catalog) Replace(ts []Tool) {
	index := make(map[string]int, len(ts))
	for i, t := range ts {
		index[t.Name] = i
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.tools = ts
	c.index = index
}

// Tools returns a copy of the current tool set.
func (c *Catalog) Tools() []Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Tool, len(c.tools))
	copy(out, c.tools)

	return out
}

// Get returns a tool by name.
func (c *Catalog) Get(name string) (Tool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	i, ok := c.index[name]
	if !ok {
		return Tool{}, false
	}

	return c.tools[i], true
}

// Len returns the number of tools in the catalog.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.tools)
}

// LoadSnapshot reads a catalog snapshot written by a previous run. A
// missing file yields an empty slice so callers fall back to
// generation; an unreadable or unparseable file is an error.
func LoadSnapshot(path string) ([]Tool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("reading catalog snapshot: %w", err)
	}

	var ts []Tool
	if err := yaml.Unmarshal(data, &ts); err != nil {
		return nil, fmt.Errorf("parsing catalog snapshot: %w", err)
	}

	return ts, nil
}

// WriteSnapshot writes the catalog as YAML. The file doubles as a
// startup cache: LoadSnapshot restores it on the next run so the
// schema documents do not need re-parsing. Tools are sorted by name so
// successive snapshots diff cleanly.
func (c *Catalog) WriteSnapshot(path string) error {
	ts := c.Tools()
	sort.Slice(ts, func(i, j int) bool { return ts[i].Name < ts[j].Name })

	data, err := yaml.Marshal(ts)
	if err != nil {
		return fmt.Errorf("marshaling catalog snapshot: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing catalog snapshot: %w", err)
	}

	return nil
}
