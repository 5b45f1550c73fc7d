package ctd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"sigs.k8s.io/yaml"
)

// Cache maps type_id to a loaded, schema-validated CTD, invalidated on
// upload or delete.
type Cache struct {
	dir string

	mu  sync.RWMutex
	ctds map[string]CTD
}

// NewCache constructs a Cache rooted at dir and performs an initial load.
func NewCache(dir string) (*Cache, error) {
	c := &Cache{dir: dir, ctds: map[string]CTD{}}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-scans dir for `<type_id>.ctd.json` files and replaces the cache
// contents wholesale.
func (c *Cache) Reload() error {
	entries, err := os.ReadDir(c.dir)
	if os.IsNotExist(err) {
		c.mu.Lock()
		c.ctds = map[string]CTD{}
		c.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading CTD directory %s: %w", c.dir, err)
	}

	loaded := map[string]CTD{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".ctd.json") {
			continue
		}
		typeID := strings.TrimSuffix(e.Name(), ".ctd.json")
		blob, err := os.ReadFile(filepath.Join(c.dir, e.Name()))
		if err != nil {
			return fmt.Errorf("reading CTD %s: %w", e.Name(), err)
		}
		var ctd CTD
		if err := json.Unmarshal(blob, &ctd); err != nil {
			return fmt.Errorf("parsing CTD %s: %w", e.Name(), err)
		}
		if err := validateCTD(ctd); err != nil {
			return fmt.Errorf("validating CTD %s: %w", e.Name(), err)
		}
		ctd.TypeID = typeID
		loaded[typeID] = ctd
	}

	c.mu.Lock()
	c.ctds = loaded
	c.mu.Unlock()
	return nil
}

func validateCTD(ctd CTD) error {
	if len(ctd.Pods) == 0 {
		return fmt.Errorf("CTD must declare at least one pod template")
	}
	for _, p := range ctd.Pods {
		if len(p.Containers) == 0 {
			return fmt.Errorf("pod %s must declare at least one container", p.Name)
		}
	}
	return nil
}

// Get returns the loaded CTD for typeID and whether it was found.
func (c *Cache) Get(typeID string) (CTD, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ctd, ok := c.ctds[typeID]
	return ctd, ok
}

// All returns a snapshot map of every loaded CTD, keyed by type_id.
func (c *Cache) All() map[string]CTD {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]CTD, len(c.ctds))
	for k, v := range c.ctds {
		out[k] = v
	}
	return out
}

// Upload writes a new or replacing CTD definition to disk and invalidates
// the cache entry for its type_id. supportingFiles are written alongside
// under `<type_id>/`. Returns whether this replaced an existing definition.
func (c *Cache) Upload(typeID string, ctd CTD, supportingFiles map[string][]byte) (isUpdate bool, err error) {
	if err := validateCTD(ctd); err != nil {
		return false, fmt.Errorf("validating uploaded CTD: %w", err)
	}
	ctd.TypeID = typeID

	blob, err := json.MarshalIndent(ctd, "", "  ")
	if err != nil {
		return false, fmt.Errorf("marshaling CTD: %w", err)
	}

	destPath := filepath.Join(c.dir, typeID+".ctd.json")
	_, statErr := os.Stat(destPath)
	isUpdate = statErr == nil

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return false, fmt.Errorf("creating CTD directory: %w", err)
	}
	if err := os.WriteFile(destPath, blob, 0o644); err != nil {
		return false, fmt.Errorf("writing CTD file: %w", err)
	}

	if len(supportingFiles) > 0 {
		supportDir := filepath.Join(c.dir, typeID)
		if err := os.MkdirAll(supportDir, 0o755); err != nil {
			return isUpdate, fmt.Errorf("creating supporting files directory: %w", err)
		}
		for name, content := range supportingFiles {
			if err := os.WriteFile(filepath.Join(supportDir, name), content, 0o644); err != nil {
				return isUpdate, fmt.Errorf("writing supporting file %s: %w", name, err)
			}
		}
	}

	c.mu.Lock()
	c.ctds[typeID] = ctd
	c.mu.Unlock()

	return isUpdate, nil
}

// Delete removes a CTD definition (and its supporting-files directory) and
// invalidates the cache.
func (c *Cache) Delete(typeID string) error {
	destPath := filepath.Join(c.dir, typeID+".ctd.json")
	if err := os.Remove(destPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing CTD file: %w", err)
	}
	supportDir := filepath.Join(c.dir, typeID)
	if err := os.RemoveAll(supportDir); err != nil {
		return fmt.Errorf("removing supporting files: %w", err)
	}

	c.mu.Lock()
	delete(c.ctds, typeID)
	c.mu.Unlock()
	return nil
}

// decodeSupportingYAML decodes a YAML supporting file into a generic map,
// using sigs.k8s.io/yaml so uploaded supporting files may be authored as
// YAML or JSON interchangeably.
func decodeSupportingYAML(content []byte) (map[string]any, error) {
	var out map[string]any
	if err := yaml.Unmarshal(content, &out); err != nil {
		return nil, fmt.Errorf("decoding supporting file: %w", err)
	}
	return out, nil
}
