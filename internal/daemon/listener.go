package daemon

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
)

// socketDir holds the local-socket file; it lives alongside the rest of the
// service's runtime state rather than under a config-supplied path, since
// the endpoint name is deliberately the only thing operators configure.
const socketDir = "/run/migrationd"

// ListenLocalSocket binds a Unix-domain socket at a path derived from
// endpointName (with "{machine}" substituted for the local hostname). The
// socket directory is restricted to the owning user, so only local
// processes running as that user may connect.
func ListenLocalSocket(endpointName string) (net.Listener, string, error) {
	hostname, _ := os.Hostname()
	name := strings.ReplaceAll(endpointName, "{machine}", hostname)

	dir := socketDir
	if os.Getuid() != 0 {
		if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
			dir = filepath.Join(runtimeDir, "migrationd")
		} else {
			dir = filepath.Join(os.TempDir(), "migrationd")
		}
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, "", fmt.Errorf("creating socket directory %s: %w", dir, err)
	}

	path := filepath.Join(dir, name+".sock")

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, "", fmt.Errorf("removing stale socket %s: %w", path, err)
	}

	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, "", fmt.Errorf("listening on %s: %w", path, err)
	}

	if err := os.Chmod(path, 0o660); err != nil {
		l.Close()

		return nil, "", fmt.Errorf("chmod %s: %w", path, err)
	}

	return l, path, nil
}
