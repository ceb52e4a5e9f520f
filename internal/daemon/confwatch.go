package daemon

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/fleetops/migrationd/internal/config"
	"github.com/fleetops/migrationd/internal/msgbus"
)

// configReloadDebounce absorbs the burst of events most editors emit for a
// single save (temp-file write + rename).
const configReloadDebounce = 300 * time.Millisecond

// WatchConfigFile watches the directory containing path for changes to the
// config file and broadcasts a CONFIGURATION_UPDATE message carrying the
// freshly reloaded config whenever it is rewritten. An empty path disables
// watching (covers the zero-config first run, where there is no file to
// watch).
func (d *Daemon) WatchConfigFile(ctx context.Context, path string) error {
	if path == "" {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()

		return err
	}

	go d.watchConfigLoop(ctx, w, path)

	return nil
}

func (d *Daemon) watchConfigLoop(ctx context.Context, w *fsnotify.Watcher, path string) {
	defer w.Close()

	target := filepath.Clean(path)

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.Events:
			if !ok {
				return
			}

			if filepath.Clean(ev.Name) != target {
				continue
			}

			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			if debounce != nil {
				debounce.Stop()
			}

			debounce = time.AfterFunc(configReloadDebounce, func() { d.reloadConfig(path) })

		case err, ok := <-w.Errors:
			if !ok {
				return
			}

			d.logger.Warn("config watcher error", "error", err)
		}
	}
}

// reloadConfig re-parses the config file and broadcasts it as a
// CONFIGURATION_UPDATE so connected agents observe the change without a
// restart. A parse failure is logged and the previous configuration stays
// in force — the daemon's own cfg field is intentionally left untouched,
// since applying a reload to already-running subsystems (store path,
// listener endpoint) is out of scope for this broadcast-only mechanism.
func (d *Daemon) reloadConfig(path string) {
	cfg, err := config.Load(path, d.logger)
	if err != nil {
		d.logger.Warn("config reload failed, keeping previous configuration", "path", path, "error", err)

		return
	}

	msg, err := msgbus.NewMessage(msgbus.TypeConfigurationUpdate, cfg)
	if err != nil {
		d.logger.Error("failed to build CONFIGURATION_UPDATE message", "error", err)

		return
	}

	d.hub.Broadcast(msg)
	d.logger.Info("configuration reloaded and broadcast", "path", path)
}

// ReloadConfig forces an immediate reload of path, bypassing
// configReloadDebounce. run-foreground calls this on SIGHUP (delivered via
// SendSIGHUP) so an operator doesn't have to wait for the filesystem
// watcher's debounce window.
func (d *Daemon) ReloadConfig(path string) {
	d.reloadConfig(path)
}
