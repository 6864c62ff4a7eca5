package sites

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// DefaultDir is the default location of the sites data bag.
const DefaultDir = "data_bags/sites"

// Loader reads site descriptors from a data bag directory.
type Loader struct {
	dir    string
	logger zerolog.Logger
}

// NewLoader creates a loader for the given data bag directory.
func NewLoader(dir string, logger zerolog.Logger) *Loader {
	if dir == "" {
		dir = DefaultDir
	}
	return &Loader{
		dir:    dir,
		logger: logger.With().Str("component", "sites-loader").Logger(),
	}
}

// Dir returns the data bag directory.
func (l *Loader) Dir() string {
	return l.dir
}

// Load reads every item in the data bag in lexical file-name order. A
// missing directory yields an empty bag. Items that cannot be parsed are
// recorded as skipped; they never fail the load.
func (l *Loader) Load(ctx context.Context) (*Bag, error) {
	bag := &Bag{Dir: l.dir, Sites: []Site{}}

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			l.logger.Warn().Str("dir", l.dir).Msg("Sites data bag is empty")
			bag.Missing = true
			return bag, nil
		}
		return nil, fmt.Errorf("failed to read sites data bag: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !isItemFile(entry.Name()) {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		path := filepath.Join(l.dir, name)
		site, err := l.loadItem(path)
		if err != nil {
			l.logger.Warn().Err(err).Str("file", path).Msg("Skipping unreadable site item")
			bag.Skipped = append(bag.Skipped, Skip{Source: path, Reason: err.Error()})
			continue
		}
		bag.Sites = append(bag.Sites, site)
	}

	l.logger.Debug().
		Str("dir", l.dir).
		Int("sites", len(bag.Sites)).
		Int("skipped", len(bag.Skipped)).
		Msg("Sites data bag loaded")

	return bag, nil
}

// Find returns the descriptor with the given id.
func (b *Bag) Find(id string) (Site, bool) {
	for _, s := range b.Sites {
		if s.ID == id {
			return s, true
		}
	}
	return Site{}, false
}

func (l *Loader) loadItem(path string) (Site, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Site{}, fmt.Errorf("failed to read item: %w", err)
	}

	item, err := ParseItem(path, data)
	if err != nil {
		return Site{}, err
	}

	return FromItem(item, path)
}

func isItemFile(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(name))
	for _, known := range Extensions {
		if ext == known {
			return true
		}
	}
	return false
}
