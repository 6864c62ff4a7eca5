package provisioner

import (
	"context"
	"fmt"
	"path"

	"github.com/openfroyo/lampbox/pkg/actions"
	"github.com/openfroyo/lampbox/pkg/sites"
	"github.com/openfroyo/lampbox/pkg/transports/ssh"
	"github.com/rs/zerolog"
)

// DumpCopier copies a database dump from a remote server to a local file.
type DumpCopier interface {
	CopyDump(ctx context.Context, spec sites.DBCopySpec, db, localPath string) error
}

// DumpFile is the file name a dump of db is staged under, both in the
// remote login directory and in the local staging directory.
func DumpFile(db string) string {
	return "vagrant-dump-" + db + ".sql"
}

// DumpCommand is the remote command that writes the dump of
// spec.RemoteDatabase into the login directory.
func DumpCommand(spec sites.DBCopySpec, db string) string {
	return fmt.Sprintf("mysqldump --routines %s %s %s > ~/%s",
		actions.Quote("-u"+spec.MySQLUser),
		actions.Quote("-p"+spec.MySQLPassword),
		actions.Quote(spec.RemoteDatabase),
		DumpFile(db))
}

// SSHCopier runs mysqldump on the remote server and downloads the result
// over SFTP. Host keys are not verified.
type SSHCopier struct {
	// SharedDir resolves the descriptor's private key path.
	SharedDir string

	// DryRun logs the copy without connecting.
	DryRun bool

	Logger zerolog.Logger
}

// CopyDump implements DumpCopier.
func (c *SSHCopier) CopyDump(ctx context.Context, spec sites.DBCopySpec, db, localPath string) error {
	cfg := ssh.DefaultConfig(spec.SSHHost, spec.SSHUser, path.Join(c.SharedDir, spec.SSHPrivateKey))
	cfg.Port = spec.Port()

	logger := c.Logger.With().
		Str("db", db).
		Str("remote", cfg.Address()).
		Logger()

	if c.DryRun {
		logger.Info().
			Str("cmd", DumpCommand(spec, db)).
			Str("local", localPath).
			Msg("dry-run: copy database dump")
		return nil
	}

	client, err := ssh.Dial(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	if _, err := client.Exec(ctx, DumpCommand(spec, db)); err != nil {
		return fmt.Errorf("remote dump of %s failed: %w", spec.RemoteDatabase, err)
	}

	if _, err := client.Download(ctx, DumpFile(db), localPath); err != nil {
		return fmt.Errorf("failed to copy dump of %s: %w", spec.RemoteDatabase, err)
	}
	return nil
}
