package client

import (
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// Bookmark represents a saved server connection. Passwords are never stored.
type Bookmark struct {
	Name     string `yaml:"name"`
	Addr     string `yaml:"addr"` // host:port of the TLS listener or a ws:// URL
	Username string `yaml:"username"`
	LastUsed int64  `yaml:"last_used,omitempty"`
}

// BookmarkStore manages server bookmarks in a YAML file.
type BookmarkStore struct {
	path      string
	Bookmarks []Bookmark `yaml:"bookmarks"`
}

// DefaultBookmarksPath is servers.yaml next to the executable.
func DefaultBookmarksPath() string {
	exePath, err := os.Executable()
	if err != nil {
		return "servers.yaml"
	}
	return filepath.Join(filepath.Dir(exePath), "servers.yaml")
}

// NewBookmarkStore creates a bookmark store backed by path.
func NewBookmarkStore(path string) *BookmarkStore {
	return &BookmarkStore{path: path}
}

// Load reads bookmarks from disk. Returns empty list if file doesn't exist.
func (bs *BookmarkStore) Load() error {
	data, err := os.ReadFile(bs.path)
	if err != nil {
		if os.IsNotExist(err) {
			bs.Bookmarks = nil
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, bs)
}

// Save writes bookmarks to disk.
func (bs *BookmarkStore) Save() error {
	data, err := yaml.Marshal(bs)
	if err != nil {
		return err
	}
	return os.WriteFile(bs.path, data, 0o600)
}

// Add adds or updates a bookmark. Returns true if it was a new entry.
func (bs *BookmarkStore) Add(b Bookmark) bool {
	for i, existing := range bs.Bookmarks {
		if existing.Addr == b.Addr && existing.Username == b.Username {
			bs.Bookmarks[i] = b
			return false
		}
	}
	bs.Bookmarks = append(bs.Bookmarks, b)
	return true
}

// Touch updates LastUsed for an existing bookmark.
func (bs *BookmarkStore) Touch(addr, username string, ts int64) bool {
	for i := range bs.Bookmarks {
		if bs.Bookmarks[i].Addr == addr && bs.Bookmarks[i].Username == username {
			bs.Bookmarks[i].LastUsed = ts
			return true
		}
	}
	return false
}

// Find returns the bookmark with the given name or address, or nil.
func (bs *BookmarkStore) Find(nameOrAddr string) *Bookmark {
	for _, b := range bs.Bookmarks {
		if b.Name == nameOrAddr || b.Addr == nameOrAddr {
			return &b
		}
	}
	return nil
}

// MostRecent returns the bookmark used last, or nil if there are none.
func (bs *BookmarkStore) MostRecent() *Bookmark {
	if len(bs.Bookmarks) == 0 {
		return nil
	}
	sorted := append([]Bookmark(nil), bs.Bookmarks...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].LastUsed > sorted[j].LastUsed })
	return &sorted[0]
}
