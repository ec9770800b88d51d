package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/rcourtman/carbscan/internal/entitlement"
	"github.com/rs/zerolog/log"
)

// Reload carries the settings that can change without a restart. Empty
// fields mean the file does not set them.
type Reload struct {
	LogLevel     string
	ProductRules []entitlement.ProductRule
}

// Watcher re-reads a .env file when it changes and hands the reloadable
// settings to a callback.
type Watcher struct {
	envPath     string
	watcher     *fsnotify.Watcher
	stopChan    chan struct{}
	stopOnce    sync.Once
	lastModTime time.Time
	debounce    time.Duration
	pollEvery   time.Duration

	mu     sync.Mutex
	apply  func(Reload)
	last   Reload
	loaded bool
}

// NewWatcher watches envPath. apply is called after every change that
// parses cleanly.
func NewWatcher(envPath string, apply func(Reload)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	cw := &Watcher{
		envPath:   envPath,
		watcher:   w,
		stopChan:  make(chan struct{}),
		debounce:  100 * time.Millisecond,
		pollEvery: 5 * time.Second,
		apply:     apply,
	}
	if stat, err := os.Stat(envPath); err == nil {
		cw.lastModTime = stat.ModTime()
	}
	return cw, nil
}

// Start begins watching. If the directory cannot be watched it falls back
// to polling the file's modification time.
func (cw *Watcher) Start() error {
	dir := filepath.Dir(cw.envPath)
	if err := cw.watcher.Add(dir); err != nil {
		log.Warn().Err(err).Str("path", dir).Msg("Failed to watch config directory, falling back to polling")
		go cw.pollForChanges()
		return nil
	}

	go cw.watchForChanges()
	log.Info().Str("env_path", cw.envPath).Msg("Started watching config file for changes")
	return nil
}

// Stop ends watching. Safe to call more than once.
func (cw *Watcher) Stop() {
	cw.stopOnce.Do(func() {
		close(cw.stopChan)
		cw.watcher.Close()
	})
}

// ReloadConfig re-reads the file now.
func (cw *Watcher) ReloadConfig() {
	cw.reload()
}

func (cw *Watcher) watchForChanges() {
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(cw.envPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// Let the writer finish.
			time.Sleep(cw.debounce)
			log.Info().Str("event", event.Op.String()).Msg("Detected .env file change")
			cw.reload()

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Config watcher error")

		case <-cw.stopChan:
			return
		}
	}
}

func (cw *Watcher) pollForChanges() {
	ticker := time.NewTicker(cw.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stat, err := os.Stat(cw.envPath)
			if err != nil || !stat.ModTime().After(cw.lastModTime) {
				continue
			}
			cw.lastModTime = stat.ModTime()
			log.Info().Msg("Detected .env file change via polling")
			cw.reload()

		case <-cw.stopChan:
			return
		}
	}
}

func (cw *Watcher) reload() {
	envMap, err := godotenv.Read(cw.envPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Error().Err(err).Str("file", cw.envPath).Msg("Failed to read .env file")
			return
		}
		envMap = make(map[string]string)
	}

	next := Reload{LogLevel: unquote(envMap[EnvPrefix+"LOG_LEVEL"])}
	if raw := unquote(envMap[EnvPrefix+"PRODUCT_RULES"]); raw != "" {
		rules, err := entitlement.ParseProductRules(raw)
		if err != nil {
			log.Error().Err(err).Msg("Ignoring .env change with invalid product rules")
			return
		}
		next.ProductRules = rules
	}

	cw.mu.Lock()
	var changes []string
	if !cw.loaded || next.LogLevel != cw.last.LogLevel {
		changes = append(changes, "log level")
	}
	if !cw.loaded || !sameRules(next.ProductRules, cw.last.ProductRules) {
		changes = append(changes, "product rules")
	}
	cw.last = next
	cw.loaded = true
	apply := cw.apply
	cw.mu.Unlock()

	if len(changes) == 0 {
		log.Debug().Msg("No relevant changes detected in .env file")
		return
	}
	log.Info().Strs("changes", changes).Msg("Applied .env file changes to runtime config")
	if apply != nil {
		apply(next)
	}
}

func unquote(s string) string {
	return strings.Trim(strings.TrimSpace(s), `'"`)
}

func sameRules(a, b []entitlement.ProductRule) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
