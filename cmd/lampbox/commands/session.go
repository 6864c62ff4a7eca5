package commands

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/openfroyo/lampbox/pkg/config"
	"github.com/openfroyo/lampbox/pkg/policy"
	"github.com/openfroyo/lampbox/pkg/sites"
	"github.com/openfroyo/lampbox/pkg/stores"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// session is the configuration shared by the commands of one invocation.
type session struct {
	cfg    *config.Config
	path   string
	parser *config.CUEParser
	logger zerolog.Logger
}

// newSession loads the configuration file and applies the global flag
// overrides.
func newSession(cmd *cobra.Command) (*session, error) {
	parser := config.NewCUEParser()
	cfg, err := parser.Load(cmd.Context(), configPath)
	if err != nil {
		return nil, err
	}
	config.Resolve(cfg, configPath)

	if sitesDir != "" {
		cfg.SitesDir = sitesDir
	}
	if stateDB != "" {
		cfg.StateDB = stateDB
	}

	return &session{
		cfg:    cfg,
		path:   configPath,
		parser: parser,
		logger: log.Logger,
	}, nil
}

func (s *session) loader() *sites.Loader {
	return sites.NewLoader(s.cfg.SitesDir, s.logger)
}

func (s *session) loadBag(ctx context.Context) (*sites.Bag, error) {
	return s.loader().Load(ctx)
}

// openStore opens the run history database, creating its directory.
func (s *session) openStore(ctx context.Context) (*stores.SQLiteStore, error) {
	if s.cfg.StateDB != stores.MemoryPath {
		if err := os.MkdirAll(filepath.Dir(s.cfg.StateDB), 0755); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}
	store, err := stores.Open(ctx, s.cfg.StateDB)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database %s: %w", s.cfg.StateDB, err)
	}
	return store, nil
}

// policyEngine returns an engine with the built-in and configured policies,
// or nil when policies are disabled.
func (s *session) policyEngine(ctx context.Context) (*policy.Engine, error) {
	if !s.cfg.Policy.Enabled {
		return nil, nil
	}
	engine, err := policy.NewEngine(s.logger)
	if err != nil {
		return nil, err
	}
	if len(s.cfg.Policy.Paths) > 0 {
		if err := engine.LoadPolicies(ctx, s.cfg.Policy.Paths); err != nil {
			return nil, err
		}
	}
	return engine, nil
}

// siteHash returns the descriptor's JSON encoding and its SHA256.
func siteHash(site sites.Site) (string, []byte, error) {
	data, err := json.Marshal(site)
	if err != nil {
		return "", nil, fmt.Errorf("failed to encode site %s: %w", site.ID, err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), data, nil
}
