// Package broker regenerates Mosquitto credential and ACL files from the
// identity store and signals the broker to reload them.
package broker

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/iotfoundry/tenantflow/internal/domain"
	"go.uber.org/zap"
)

// Provisioner derives the broker's password and ACL files wholly from
// current store contents on every sync. There is no incremental path: a
// credential deleted from the store cannot leave a dangling rule behind,
// and a bulk resync after a broker restart converges on the same files.
type Provisioner struct {
	credentials domain.CredentialStore
	passwdPath  string
	aclPath     string
	reload      func(ctx context.Context) error
	logger      *zap.Logger

	// stale is set while the last sync attempt failed, so the broker files
	// may lag the store until SyncIfStale or the next mutation's Sync
	// succeeds.
	stale atomic.Bool
}

func NewProvisioner(credentials domain.CredentialStore, passwdPath, aclPath string, reload func(ctx context.Context) error, logger *zap.Logger) *Provisioner {
	return &Provisioner{
		credentials: credentials,
		passwdPath:  passwdPath,
		aclPath:     aclPath,
		reload:      reload,
		logger:      logger,
	}
}

func (p *Provisioner) Sync(ctx context.Context) error {
	err := p.sync(ctx)
	p.stale.Store(err != nil)
	return err
}

// SyncIfStale re-runs Sync only when the previous attempt failed. Callers on
// read and delete paths use it to heal broker files left behind by a failed
// post-mutation sync.
func (p *Provisioner) SyncIfStale(ctx context.Context) error {
	if !p.stale.Load() {
		return nil
	}
	return p.Sync(ctx)
}

func (p *Provisioner) sync(ctx context.Context) error {
	entries, err := p.credentials.ListACLEntries(ctx)
	if err != nil {
		return fmt.Errorf("list credentials: %w", err)
	}

	if err := writeFileAtomic(p.passwdPath, renderPasswd(entries)); err != nil {
		return fmt.Errorf("write passwd file: %w", err)
	}
	if err := writeFileAtomic(p.aclPath, RenderACL(entries)); err != nil {
		return fmt.Errorf("write acl file: %w", err)
	}

	p.logger.Info("broker files regenerated", zap.Int("credentials", len(entries)))

	if err := p.reload(ctx); err != nil {
		// The files are already in place; the reload can be retried on the
		// next sync without rewriting anything.
		return fmt.Errorf("reload broker: %w", err)
	}
	return nil
}

// ReloadCommand wraps a shell-free reload command ("systemctl reload
// mosquitto") as the reload hook.
func ReloadCommand(command string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		parts := strings.Fields(command)
		if len(parts) == 0 {
			return nil
		}
		out, err := exec.CommandContext(ctx, parts[0], parts[1:]...).CombinedOutput()
		if err != nil {
			return fmt.Errorf("%s: %w (%s)", command, err, strings.TrimSpace(string(out)))
		}
		return nil
	}
}

func renderPasswd(entries []domain.ACLEntry) string {
	var b strings.Builder
	for _, e := range entries {
		b.WriteString(e.Username)
		b.WriteByte(':')
		b.WriteString(e.SecretHash)
		b.WriteByte('\n')
	}
	return b.String()
}

// RenderACL renders the topic permission file. Every credential gets exactly
// two rules, both prefixed by its tenant's topic id: subscribe under in/ and
// publish under out/. Nothing outside the namespace is ever granted.
func RenderACL(entries []domain.ACLEntry) string {
	var b strings.Builder
	b.WriteString("# generated from the identity store; do not edit\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "\nuser %s\n", e.Username)
		fmt.Fprintf(&b, "topic read %s\n", domain.InTopic(e.TopicID))
		fmt.Fprintf(&b, "topic write %s\n", domain.OutTopic(e.TopicID))
	}
	return b.String()
}

func writeFileAtomic(path, content string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.WriteString(content); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o640); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
