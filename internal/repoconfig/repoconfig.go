// Package repoconfig holds the per-repository configuration (C4): webhook
// secret, allowed event types, notification targets, and review-bot name.
// It is read far more often than it changes, so the store follows the
// teacher's getConfiguration()-under-RWMutex idiom from server/configuration.go,
// with a fsnotify watcher driving hot reload from a YAML file on disk.
package repoconfig

import (
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
	"gopkg.in/yaml.v3"
)

// RepositoryConfig is one entry of the repos.yaml list, matching spec §3's
// RepositoryConfig data model.
type RepositoryConfig struct {
	Repository           string   `yaml:"repository"`
	Enabled              bool     `yaml:"enabled"`
	WebhookSecret        string   `yaml:"webhook_secret"`
	VerifySignature      bool     `yaml:"verify_signature"`
	ChatTargetIDs        []string `yaml:"chat_target_ids"`
	AllowedEventTypes    []string `yaml:"allowed_event_types"`
	ReviewBotUsername    string   `yaml:"review_bot_username"`
	ReviewEnabled        bool     `yaml:"review_enabled"`
	NotificationChannels []string `yaml:"notification_channels"`

	allowedSet map[string]struct{}
}

// EventAllowed reports whether eventType passes this repo's allow-list gate.
// An empty allowed_event_types list means "allow everything", per spec §4.3.
func (rc *RepositoryConfig) EventAllowed(eventType string) bool {
	if len(rc.allowedSet) == 0 {
		return true
	}
	_, ok := rc.allowedSet[eventType]
	return ok
}

type fileFormat struct {
	Repositories []RepositoryConfig `yaml:"repositories"`
}

// Store is the read-mostly, hot-reloadable view over repos.yaml, guarded the
// way the teacher's Plugin guards its configuration field.
type Store struct {
	mu   sync.RWMutex
	byName map[string]*RepositoryConfig

	path   string
	log    logr.Logger
	watcher *fsnotify.Watcher
	stop   chan struct{}
}

// NewStore loads path once and returns a Store ready to Watch.
func NewStore(path string, log logr.Logger) (*Store, error) {
	s := &Store{path: path, log: log, stop: make(chan struct{})}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.mu.Lock()
			s.byName = map[string]*RepositoryConfig{}
			s.mu.Unlock()
			return nil
		}
		return fmt.Errorf("reading repo config %s: %w", s.path, err)
	}

	var parsed fileFormat
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("parsing repo config %s: %w", s.path, err)
	}

	byName := make(map[string]*RepositoryConfig, len(parsed.Repositories))
	for i := range parsed.Repositories {
		rc := &parsed.Repositories[i]
		if len(rc.AllowedEventTypes) > 0 {
			rc.allowedSet = make(map[string]struct{}, len(rc.AllowedEventTypes))
			for _, et := range rc.AllowedEventTypes {
				rc.allowedSet[et] = struct{}{}
			}
		}
		byName[rc.Repository] = rc
	}

	s.mu.Lock()
	s.byName = byName
	s.mu.Unlock()
	return nil
}

// Get returns the configuration for owner/name, or (nil, false) when the
// repository is not configured — callers treat this as "not enabled".
func (s *Store) Get(repository string) (*RepositoryConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rc, ok := s.byName[repository]
	return rc, ok
}

// Watch starts an fsnotify watcher on the config file's directory and
// reloads on write/create events until Close is called. Errors reloading are
// logged, not fatal — the previous good configuration stays in effect,
// mirroring the teacher's refusal to apply an invalid configuration.
func (s *Store) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating repo config watcher: %w", err)
	}
	s.watcher = w

	dir := dirOf(s.path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Name != s.path {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := s.reload(); err != nil {
					s.log.Error(err, "reloading repo config", "path", s.path)
				} else {
					s.log.Info("reloaded repo config", "path", s.path)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.log.Error(err, "repo config watcher error")
			case <-s.stop:
				return
			}
		}
	}()

	return nil
}

// Close stops the watcher goroutine and releases the underlying fsnotify fd.
func (s *Store) Close() error {
	close(s.stop)
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
