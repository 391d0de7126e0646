package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/MasterYang7/gpustack/internal/common/fsutil"
	"github.com/MasterYang7/gpustack/pkg/token"
)

// Names of the credential files kept under the data directory. Operators read
// these to log in for the first time and to join workers.
const (
	AdminPasswordFile = "initial_admin_password"
	TokenFile         = "token"
	DatabaseFile      = "gpustack.db"
)

// Bootstrap is the server-side state established under the data directory.
type Bootstrap struct {
	DataDir       string
	AdminPassword string
	// Token is the plaintext cluster-join token.
	Token string
	// DatabasePath points at the sqlite file.
	DatabasePath string
}

// EnsureDataDir creates the data directory on first start, generates the
// initial admin password and the cluster-join token, and reuses both on
// subsequent starts. Credential files are written 0600.
func EnsureDataDir(dir string) (Bootstrap, error) {
	var bs Bootstrap
	expanded, err := fsutil.ExpandHome(dir)
	if err != nil {
		return bs, err
	}
	if err := os.MkdirAll(expanded, 0o755); err != nil {
		return bs, fmt.Errorf("create data dir: %w", err)
	}
	bs.DataDir = expanded
	bs.DatabasePath = filepath.Join(expanded, DatabaseFile)

	bs.AdminPassword, err = ensureSecretFile(filepath.Join(expanded, AdminPasswordFile), token.GeneratePassword)
	if err != nil {
		return bs, fmt.Errorf("admin password: %w", err)
	}
	bs.Token, err = ensureSecretFile(filepath.Join(expanded, TokenFile), token.Generate)
	if err != nil {
		return bs, fmt.Errorf("join token: %w", err)
	}
	return bs, nil
}

// ensureSecretFile returns the trimmed content of path, generating and
// persisting a fresh secret when the file does not exist yet.
func ensureSecretFile(path string, generate func() (string, error)) (string, error) {
	if b, err := os.ReadFile(path); err == nil {
		v := strings.TrimSpace(string(b))
		if v == "" {
			return "", fmt.Errorf("%s exists but is empty", path)
		}
		return v, nil
	} else if !os.IsNotExist(err) {
		return "", err
	}
	v, err := generate()
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(v+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return v, nil
}
