package kixdns

import (
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 300 * time.Millisecond

// ReloadController watches a config file's directory (editors typically
// replace-on-save rather than write in place, so the inode a direct
// fsnotify.Add on the file would track can disappear) and recompiles the
// pipeline config on change, atomically swapping it into the engine.
// Grounded in the fsnotify directory-watch pattern used across the
// ecosystem (e.g. the configmap watcher in the Kubernetes nameserver
// example), adapted from watching a mounted configmap symlink to watching
// a single JSON file's containing directory.
type ReloadController struct {
	path      string
	geoDBPath string
	engine    *Engine
	watcher   *fsnotify.Watcher
}

func NewReloadController(path, geoDBPath string, engine *Engine) (*ReloadController, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, wrapStartup(err, "create config watcher")
	}
	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, wrapStartup(err, "watch config directory")
	}
	return &ReloadController{path: path, geoDBPath: geoDBPath, engine: engine, watcher: w}, nil
}

// Run blocks, applying debounced reloads until stop is closed.
func (rc *ReloadController) Run(stop <-chan struct{}) {
	defer rc.watcher.Close()

	var pending *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-stop:
			if pending != nil {
				pending.Stop()
			}
			return

		case event, ok := <-rc.watcher.Events:
			if !ok {
				return
			}
			target, err := filepath.Abs(rc.path)
			if err != nil || filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(reloadDebounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})

		case <-fire:
			rc.reload()

		case err, ok := <-rc.watcher.Errors:
			if !ok {
				return
			}
			Log.WithError(err).Warn("config watcher error")
		}
	}
}

// reload reparses and recompiles the config, keeping the previous snapshot
// on any failure per §7's warn-and-keep reload policy. The cache and
// prefetch state are never flushed across a reload.
func (rc *ReloadController) reload() {
	raw, err := os.ReadFile(rc.path)
	if err != nil {
		Log.WithError(err).Warn("reload: failed to read config, keeping previous snapshot")
		return
	}
	cfg, err := LoadConfig(raw)
	if err != nil {
		Log.WithError(err).Warn("reload: failed to parse config, keeping previous snapshot")
		return
	}
	rtc, err := CompileConfig(cfg, rc.geoDBPath)
	if err != nil {
		Log.WithError(err).Warn("reload: failed to compile config, keeping previous snapshot")
		return
	}
	rc.engine.SwapConfig(rtc)
	Log.WithField("path", rc.path).Info("reloaded pipeline config")
}
