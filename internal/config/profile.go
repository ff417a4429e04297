package config

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// DefaultSystemPrompt is used when no profile file sets one
const DefaultSystemPrompt = "You are a helpful assistant. Use the available tools when they help answer the user."

// EngineProfile tunes the generation engines at runtime
type EngineProfile struct {
	SystemPrompt string  `yaml:"system_prompt"`
	MaxSteps     int     `yaml:"max_steps"`
	Temperature  float64 `yaml:"temperature"`
}

// DefaultEngineProfile returns the profile used without a profile file
func DefaultEngineProfile() EngineProfile {
	return EngineProfile{
		SystemPrompt: DefaultSystemPrompt,
		MaxSteps:     5,
		Temperature:  0.7,
	}
}

func (p EngineProfile) withDefaults() EngineProfile {
	def := DefaultEngineProfile()
	if p.SystemPrompt == "" {
		p.SystemPrompt = def.SystemPrompt
	}
	if p.MaxSteps <= 0 {
		p.MaxSteps = def.MaxSteps
	}
	if p.Temperature < 0 || p.Temperature > 2 {
		p.Temperature = def.Temperature
	}
	return p
}

// LoadEngineProfile reads a YAML profile file
func LoadEngineProfile(filePath string) (EngineProfile, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return EngineProfile{}, fmt.Errorf("failed to read engine profile: %w", err)
	}

	profile := DefaultEngineProfile()
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return EngineProfile{}, fmt.Errorf("failed to parse engine profile YAML: %w", err)
	}
	return profile.withDefaults(), nil
}

// ProfileStore holds the live engine profile. An empty path serves defaults.
type ProfileStore struct {
	path    string
	mu      sync.RWMutex
	current EngineProfile
}

// NewProfileStore loads the profile at path, if any
func NewProfileStore(path string) (*ProfileStore, error) {
	s := &ProfileStore{path: path, current: DefaultEngineProfile()}
	if path == "" {
		return s, nil
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Current returns the profile in effect
func (s *ProfileStore) Current() EngineProfile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Reload re-reads the profile file. On error the previous profile stays.
func (s *ProfileStore) Reload() error {
	profile, err := LoadEngineProfile(s.path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.current = profile
	s.mu.Unlock()
	return nil
}

// Watch reloads the profile whenever the file is written, until ctx is done
func (s *ProfileStore) Watch(ctx context.Context) error {
	if s.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	absPath, err := filepath.Abs(s.path)
	if err != nil {
		watcher.Close()
		return fmt.Errorf("failed to get absolute path for %s: %w", s.path, err)
	}

	// Watch the directory; editors replace files rather than writing in place
	dir := filepath.Dir(absPath)
	filename := filepath.Base(absPath)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	log.Printf("👁️  Watching %s for changes (hot-reload enabled)", s.path)

	go func() {
		defer watcher.Close()

		var debounceTimer *time.Timer
		for {
			select {
			case <-ctx.Done():
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != filename {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(200*time.Millisecond, func() {
					if err := s.Reload(); err != nil {
						log.Printf("❌ Failed to reload engine profile: %v", err)
						return
					}
					log.Printf("🔄 Engine profile reloaded from %s", s.path)
				})

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("⚠️  File watcher error: %v", err)
			}
		}
	}()
	return nil
}
