package secrets

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// fallbackFile holds local secret values for development and for Secret Manager outages.
// Files ending in .yaml or .yml map references to values; anything else is read as
// REFERENCE=VALUE lines with # comments. A missing file is treated as empty.
type fallbackFile struct {
	path string

	once   sync.Once
	values map[string]string
	err    error
}

func (f *fallbackFile) lookup(ref Reference) (string, bool, error) {
	f.once.Do(f.load)
	if f.err != nil {
		return "", false, f.err
	}
	if value, ok := f.values[ref.cacheKey()]; ok {
		return value, true, nil
	}
	// Pinned projects fall back to the unpinned entry.
	ref.Project = ""
	value, ok := f.values[ref.cacheKey()]
	return value, ok, nil
}

func (f *fallbackFile) load() {
	f.values = map[string]string{}
	path := strings.TrimSpace(f.path)
	if path == "" {
		return
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	if err != nil {
		f.err = fmt.Errorf("secrets: read fallback file: %w", err)
		return
	}

	entries, err := parseFallback(path, data)
	if err != nil {
		f.err = fmt.Errorf("secrets: parse fallback file %s: %w", filepath.Base(path), err)
		return
	}
	for raw, value := range entries {
		ref, err := ParseReference(raw)
		if err != nil {
			continue
		}
		f.values[ref.cacheKey()] = strings.TrimSpace(value)
	}
}

func parseFallback(path string, data []byte) (map[string]string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		entries := map[string]string{}
		if err := yaml.Unmarshal(data, &entries); err != nil {
			return nil, err
		}
		return entries, nil
	}

	entries := map[string]string{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if key, value, ok := splitFallbackLine(line); ok {
			entries[strings.TrimSpace(key)] = value
		}
	}
	return entries, scanner.Err()
}

// splitFallbackLine splits at the first '=' that is not part of the reference's query, so
// secret://name?version=3=value keeps its version.
func splitFallbackLine(line string) (string, string, bool) {
	for i := 0; i < len(line); i++ {
		if line[i] != '=' {
			continue
		}
		key := line[:i]
		if strings.Contains(key, "?") {
			param := key[strings.LastIndexAny(key, "?&")+1:]
			if !strings.Contains(param, "=") {
				continue
			}
		}
		return key, line[i+1:], true
	}
	return "", "", false
}
