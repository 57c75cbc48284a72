package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	gatewayFile = "gateway.yaml"
	modelsFile  = "models.yaml"
	envFile     = ".env"

	reloadDebounce = 200 * time.Millisecond
)

var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

type lookupFunc func(string) (string, bool)

// expand replaces ${VAR} and ${VAR:default} patterns using lookup.
func expand(s string, lookup lookupFunc) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		submatch := envVarPattern.FindStringSubmatch(match)
		if len(submatch) < 2 {
			return match
		}
		if val, ok := lookup(submatch[1]); ok {
			return val
		}
		if len(submatch) >= 3 {
			return submatch[2]
		}
		return ""
	})
}

// expandEnvVars replaces ${VAR} and ${VAR:default} patterns from the process
// environment.
func expandEnvVars(s string) string {
	return expand(s, os.LookupEnv)
}

func decode(path string, dest any, lookup lookupFunc) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal([]byte(expand(string(data), lookup)), dest); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// LoadFile reads a YAML file, expands env vars, and unmarshals into dest.
func LoadFile(path string, dest any) error {
	return decode(path, dest, os.LookupEnv)
}

// decodeOptional reports false and leaves dest untouched when path is absent.
func decodeOptional(path string, dest any, lookup lookupFunc) (bool, error) {
	if err := decode(path, dest, lookup); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Loader reads gateway.yaml and models.yaml from a directory and reloads
// them when they change. Variables from a .env file in the same directory
// fill ${VAR} references the process environment does not define.
type Loader struct {
	configDir string
	logger    *slog.Logger

	mu       sync.RWMutex
	cfg      *Config
	models   *ModelsConfig
	watchers []func()
}

func NewLoader(configDir string, logger *slog.Logger) *Loader {
	return &Loader{
		configDir: configDir,
		logger:    logger,
	}
}

// dotenv returns a lookup that prefers the process environment over the
// directory's .env file.
func (l *Loader) dotenv() (lookupFunc, error) {
	vars, err := godotenv.Read(filepath.Join(l.configDir, envFile))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read %s: %w", envFile, err)
	}
	return func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := vars[key]
		return v, ok
	}, nil
}

// Load parses the configuration. On error the previous configuration stays
// in effect.
func (l *Loader) Load() error {
	lookup, err := l.dotenv()
	if err != nil {
		return err
	}

	cfg := DefaultConfig()
	found, err := decodeOptional(filepath.Join(l.configDir, gatewayFile), cfg, lookup)
	if err != nil {
		return fmt.Errorf("load gateway config: %w", err)
	}
	if !found {
		l.logger.Warn("gateway.yaml not found, using defaults", "dir", l.configDir)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate gateway config: %w", err)
	}

	models := &ModelsConfig{}
	if _, err := decodeOptional(filepath.Join(l.configDir, modelsFile), models, lookup); err != nil {
		return fmt.Errorf("load models config: %w", err)
	}

	l.mu.Lock()
	l.cfg = cfg
	l.models = models
	l.mu.Unlock()

	l.logger.Info("configuration loaded", "dir", l.configDir)
	return nil
}

func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

func (l *Loader) Models() *ModelsConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.models
}

// OnReload registers a callback that fires after a successful reload.
func (l *Loader) OnReload(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.watchers = append(l.watchers, fn)
}

func (l *Loader) reload() {
	if err := l.Load(); err != nil {
		l.logger.Error("failed to reload config", "error", err)
		return
	}
	l.mu.RLock()
	watchers := append([]func(){}, l.watchers...)
	l.mu.RUnlock()
	for _, fn := range watchers {
		fn()
	}
}

func watched(name string) bool {
	switch filepath.Base(name) {
	case gatewayFile, modelsFile, envFile:
		return true
	}
	return false
}

// Watch reloads the configuration when one of its files changes. A burst of
// events from one save results in a single reload.
func (l *Loader) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(l.configDir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch config dir %s: %w", l.configDir, err)
	}

	go func() {
		defer watcher.Close()
		var pending *time.Timer
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !watched(event.Name) || !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)) {
					continue
				}
				l.logger.Info("config file changed, reloading", "file", event.Name)
				if pending != nil {
					pending.Stop()
				}
				pending = time.AfterFunc(reloadDebounce, l.reload)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.logger.Error("fsnotify error", "error", err)
			}
		}
	}()

	return nil
}
