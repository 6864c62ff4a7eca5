package sites

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"
)

// Extensions lists the data bag item encodings the loader understands.
var Extensions = []string{".json", ".yaml", ".yml", ".cue"}

// ParseItem decodes a data bag item into its generic form. The file name
// only selects the encoding.
func ParseItem(filename string, data []byte) (map[string]any, error) {
	item := make(map[string]any)

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".json":
		if err := json.Unmarshal(data, &item); err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &item); err != nil {
			return nil, fmt.Errorf("invalid YAML: %w", err)
		}
	case ".cue":
		v := cuecontext.New().CompileBytes(data, cue.Filename(filename))
		if err := v.Err(); err != nil {
			return nil, fmt.Errorf("invalid CUE: %w", err)
		}
		if err := v.Validate(cue.Concrete(true)); err != nil {
			return nil, fmt.Errorf("CUE item is not concrete: %w", err)
		}
		if err := v.Decode(&item); err != nil {
			return nil, fmt.Errorf("failed to decode CUE item: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported item format %q", filepath.Ext(filename))
	}

	return item, nil
}

// rawSite mirrors Site with loosely typed fields that must tolerate any
// JSON value.
type rawSite struct {
	ID        any           `json:"id"`
	Host      any           `json:"host"`
	Webroot   any           `json:"webroot"`
	Aliases   any           `json:"aliases"`
	Framework any           `json:"framework"`
	Rsync     []RsyncSpec   `json:"rsync"`
	Databases []rawDatabase `json:"database"`
	DBName    any           `json:"db_name"`
}

type rawDatabase struct {
	DatabaseSpec
	RawPrefix *string `json:"db_prefix"`
}

// FromItem builds a descriptor from a decoded data bag item. Missing id or
// host leave the fields empty; the provisioner decides what to do with
// such descriptors. Structurally wrong rsync or database entries are an
// error.
func FromItem(item map[string]any, source string) (Site, error) {
	data, err := json.Marshal(item)
	if err != nil {
		return Site{}, fmt.Errorf("failed to encode item: %w", err)
	}

	var raw rawSite
	if err := json.Unmarshal(data, &raw); err != nil {
		return Site{}, fmt.Errorf("malformed descriptor: %w", err)
	}

	site := Site{
		ID:        scalarString(raw.ID),
		Host:      scalarString(raw.Host),
		Webroot:   scalarString(raw.Webroot),
		Aliases:   NormalizeAliases(raw.Aliases),
		Framework: Framework(scalarString(raw.Framework)),
		Rsync:     raw.Rsync,
		DBName:    scalarString(raw.DBName),
		Source:    source,
		Raw:       item,
	}
	for _, db := range raw.Databases {
		spec := db.DatabaseSpec
		if db.RawPrefix != nil {
			spec.Prefix = *db.RawPrefix
			spec.HasPrefix = true
		}
		site.Databases = append(site.Databases, spec)
	}

	return site, nil
}

// NormalizeAliases turns the aliases value of an item into a string list.
// Absent or non-list values yield an empty list; non-string elements are
// dropped.
func NormalizeAliases(v any) []string {
	aliases := []string{}

	list, ok := v.([]any)
	if !ok {
		return aliases
	}
	for _, elem := range list {
		if s, ok := elem.(string); ok {
			aliases = append(aliases, s)
		}
	}
	return aliases
}

// scalarString renders scalar item values as strings. Numbers are kept as
// written so that numeric ids still identify an item.
func scalarString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64, bool, int, int64:
		return fmt.Sprint(val)
	default:
		return ""
	}
}
