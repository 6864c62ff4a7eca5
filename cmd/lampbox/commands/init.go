package commands

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/openfroyo/lampbox/pkg/config"
	"github.com/openfroyo/lampbox/pkg/sites"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	sshpkg "golang.org/x/crypto/ssh"
)

const defaultConfigTemplate = `// lampbox configuration. Every field is optional; omitted fields take
// their defaults. Run 'lampbox validate' after editing.

sites_dir: %q
state_db:  ".lampbox/state.db"

paths: {
	base_dir:   "/vagrant/sites"
	shared_dir: "/vagrant"
}

mysql: {
	root_password:   ""
	existence_check: "database"
}

policy: mode: "advisory"

telemetry: log_level: "info"
`

const exampleSite = `{
  "id": "example",
  "host": "example.test",
  "aliases": ["www.example.test"],
  "database": [
    {
      "db_name": "example",
      "db_user": "example",
      "db_pass": "example"
    }
  ]
}
`

// dbCopyKey is where init writes the key db_copy entries use, relative to
// the shared folder.
const dbCopyKey = "keys/db_copy_ed25519"

func newInitCommand() *cobra.Command {
	var (
		force  bool
		sshKey bool
	)

	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Scaffold a lampbox workspace",
		Long: `Create lampbox.cue and an example site item in dir (default: the
current directory).

With --ssh-key an ed25519 keypair for db_copy is generated under keys/;
add the public key to the remote host's authorized_keys and reference the
private key as ssh_private_key in the site's db_copy entry.`,
		Example: `  # Scaffold in the shared folder
  lampbox init /vagrant

  # Also generate a db_copy key
  lampbox init --ssh-key`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}
			w := out(cmd)

			log.Info().Str("dir", dir).Bool("ssh_key", sshKey).Msg("Initializing workspace")

			bagDir := filepath.Join(dir, sites.DefaultDir)
			if err := os.MkdirAll(bagDir, 0755); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", bagDir, err)
			}
			fmt.Fprintf(w, "✓ Created directory: %s\n", bagDir)

			cfgPath := filepath.Join(dir, config.DefaultFile)
			content := fmt.Sprintf(defaultConfigTemplate, sites.DefaultDir)
			if err := writeNew(cfgPath, []byte(content), 0644, force); err != nil {
				return err
			}
			fmt.Fprintf(w, "✓ Created config file: %s\n", cfgPath)

			itemPath := filepath.Join(bagDir, "example.json")
			if err := writeNew(itemPath, []byte(exampleSite), 0644, force); err != nil {
				return err
			}
			fmt.Fprintf(w, "✓ Created example site: %s\n", itemPath)

			if sshKey {
				keyPath := filepath.Join(dir, dbCopyKey)
				created, err := generateKey(keyPath)
				if err != nil {
					return err
				}
				if created {
					fmt.Fprintf(w, "✓ Generated SSH keypair: %s\n", keyPath)
				} else {
					fmt.Fprintf(w, "✓ SSH keypair already exists: %s\n", keyPath)
				}
			}

			fmt.Fprintf(w, "\nNext steps:\n")
			fmt.Fprintf(w, "  1. Describe your sites in %s\n", bagDir)
			fmt.Fprintf(w, "  2. Check them:      lampbox validate -c %s\n", cfgPath)
			fmt.Fprintf(w, "  3. Preview the run: lampbox plan -c %s\n", cfgPath)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")
	cmd.Flags().BoolVar(&sshKey, "ssh-key", false, "generate an ed25519 keypair for db_copy")

	return cmd
}

func writeNew(path string, data []byte, mode os.FileMode, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := os.WriteFile(path, data, mode); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// generateKey writes an OpenSSH ed25519 keypair unless one exists.
func generateKey(keyPath string) (bool, error) {
	if _, err := os.Stat(keyPath); err == nil {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return false, fmt.Errorf("failed to create key directory: %w", err)
	}

	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return false, fmt.Errorf("failed to generate keypair: %w", err)
	}

	privBlock, err := sshpkg.MarshalPrivateKey(privKey, "lampbox db_copy")
	if err != nil {
		return false, fmt.Errorf("failed to marshal private key: %w", err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(privBlock), 0600); err != nil {
		return false, fmt.Errorf("failed to write private key: %w", err)
	}

	sshPubKey, err := sshpkg.NewPublicKey(pubKey)
	if err != nil {
		return false, fmt.Errorf("failed to create SSH public key: %w", err)
	}
	if err := os.WriteFile(keyPath+".pub", sshpkg.MarshalAuthorizedKey(sshPubKey), 0644); err != nil {
		return false, fmt.Errorf("failed to write public key: %w", err)
	}

	return true, nil
}
