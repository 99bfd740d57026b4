package precache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
)

// Entry is one precached asset. Revision changes whenever the asset content
// changes; URLs that embed a content hash may leave it empty.
type Entry struct {
	URL      string `json:"url"`
	Revision string `json:"revision,omitempty"`
}

// Manifest is the ordered list of assets to precache.
type Manifest []Entry

// FromURLs builds a manifest of unrevisioned entries.
func FromURLs(urls ...string) Manifest {
	m := make(Manifest, len(urls))
	for i, u := range urls {
		m[i] = Entry{URL: u}
	}
	return m
}

// UnmarshalJSON accepts either a plain URL string or an object.
func (e *Entry) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var u string
		if err := json.Unmarshal(data, &u); err != nil {
			return err
		}
		*e = Entry{URL: u}
		return nil
	}

	type plain Entry
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*e = Entry(p)
	return nil
}

// ParseManifest decodes a build-time manifest: a JSON array whose elements
// are URL strings or {"url", "revision"} objects.
func ParseManifest(data []byte) (Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// LoadManifest reads and parses the manifest file at path.
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return ParseManifest(data)
}

// Validate rejects empty URLs and a URL listed twice with different revisions.
func (m Manifest) Validate() error {
	seen := make(map[string]string, len(m))
	for i, e := range m {
		if e.URL == "" {
			return fmt.Errorf("manifest entry %d: url is required", i)
		}
		if rev, ok := seen[e.URL]; ok && rev != e.Revision {
			return fmt.Errorf("manifest entry %d: %s listed with conflicting revisions %q and %q", i, e.URL, rev, e.Revision)
		}
		seen[e.URL] = e.Revision
	}
	return nil
}
