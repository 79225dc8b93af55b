package identity

import (
	"os"
	"path/filepath"
)

// Layout resolves the per-identity filesystem paths under an application
// data root:
//
//	<root>/AIDs/<id>/public/        published profile data
//	<root>/AIDs/<id>/private/       store database, proxy config, backups
//	<root>/Certs/root/              pinned CA root certificate
//	<root>/Certs/<id>/<id>.key|.crt agent credentials
//	<root>/AIDs/registry.yaml       identity index
type Layout struct {
	Root string
}

// NewLayout creates a layout rooted at dir.
func NewLayout(dir string) Layout {
	return Layout{Root: dir}
}

// AIDsDir returns the directory holding all identity data.
func (l Layout) AIDsDir() string {
	return filepath.Join(l.Root, "AIDs")
}

// PublicDir returns the identity's public data directory.
func (l Layout) PublicDir(id string) string {
	return filepath.Join(l.AIDsDir(), id, "public")
}

// PrivateDir returns the identity's private data directory.
func (l Layout) PrivateDir(id string) string {
	return filepath.Join(l.AIDsDir(), id, "private")
}

// BackupDir returns the identity's backup directory (metrics snapshots,
// time-series database).
func (l Layout) BackupDir(id string) string {
	return filepath.Join(l.PrivateDir(id), "backup")
}

// StorePath returns the identity's SQLite store path.
func (l Layout) StorePath(id string) string {
	return filepath.Join(l.PrivateDir(id), "data", "agentid_data.db")
}

// MetricsStorePath returns the identity's metrics time-series database path.
func (l Layout) MetricsStorePath(id string) string {
	return filepath.Join(l.BackupDir(id), "metrics_timeseries.db")
}

// MetricsJSONPath returns the identity's metrics summary JSON path.
func (l Layout) MetricsJSONPath(id string) string {
	return filepath.Join(l.BackupDir(id), "metrics.json")
}

// ProxyConfigPath returns the identity's proxy policy file path.
func (l Layout) ProxyConfigPath(id string) string {
	return filepath.Join(l.PrivateDir(id), "proxy_config.json")
}

// RootCertDir returns the pinned CA root directory.
func (l Layout) RootCertDir() string {
	return filepath.Join(l.Root, "Certs", "root")
}

// RootCertPath returns the pinned CA root certificate path.
func (l Layout) RootCertPath() string {
	return filepath.Join(l.RootCertDir(), "root.crt")
}

// KeyPath returns the identity's encrypted private key path.
func (l Layout) KeyPath(id string) string {
	return filepath.Join(l.Root, "Certs", id, id+".key")
}

// CertPath returns the identity's certificate path.
func (l Layout) CertPath(id string) string {
	return filepath.Join(l.Root, "Certs", id, id+".crt")
}

// RegistryPath returns the identity registry file path.
func (l Layout) RegistryPath() string {
	return filepath.Join(l.AIDsDir(), "registry.yaml")
}

// EnsureIdentityDirs creates the identity's directories.
func (l Layout) EnsureIdentityDirs(id string) error {
	for _, dir := range []string{
		l.PublicDir(id),
		filepath.Dir(l.StorePath(id)),
		l.BackupDir(id),
		filepath.Dir(l.KeyPath(id)),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// List scans the AIDs directory for identities stored locally.
func (l Layout) List() ([]string, error) {
	entries, err := os.ReadDir(l.AIDsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() && IsValidAID(e.Name()) {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}
