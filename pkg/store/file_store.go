package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/policykit/policykit/pkg/domain"
	"gopkg.in/yaml.v3"
)

// taxonomyDoc is the on-disk taxonomy shape: categories with nested rules.
type taxonomyDoc struct {
	Categories []categoryDoc `json:"categories" yaml:"categories"`
}

type categoryDoc struct {
	ID          string    `json:"id" yaml:"id"`
	Name        string    `json:"name" yaml:"name"`
	Description string    `json:"description" yaml:"description"`
	Rules       []ruleDoc `json:"rules" yaml:"rules"`
}

type ruleDoc struct {
	ID          string         `json:"id" yaml:"id"`
	Title       string         `json:"title" yaml:"title"`
	Description string         `json:"description" yaml:"description"`
	Example     map[string]any `json:"example,omitempty" yaml:"example,omitempty"`
}

// FileStore is a CategoryStore backed by a YAML (or JSON) taxonomy file.
// Edits to the file take effect on the next evaluation: the watcher reloads
// the taxonomy and swaps it atomically.
type FileStore struct {
	*MemoryStore

	path    string
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	logger  *slog.Logger
}

// NewFileStore loads the taxonomy from path and starts watching it for
// changes.
func NewFileStore(path string, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve taxonomy path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &FileStore{
		MemoryStore: NewMemoryStore(),
		path:        absPath,
		watcher:     watcher,
		cancel:      cancel,
		logger:      logger,
	}

	if err := s.load(); err != nil {
		cancel()
		_ = watcher.Close()
		return nil, err
	}

	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		cancel()
		_ = watcher.Close()
		return nil, fmt.Errorf("watch taxonomy directory: %w", err)
	}

	go s.watchLoop(ctx)
	return s, nil
}

// Close stops the watcher.
func (s *FileStore) Close() error {
	s.cancel()
	return s.watcher.Close()
}

func (s *FileStore) watchLoop(ctx context.Context) {
	var debounceTimer *time.Timer
	const debounce = 100 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Chmod) {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounce, func() {
					if err := s.load(); err != nil {
						s.logger.Error("taxonomy reload failed", "path", s.path, "error", err)
					} else {
						s.logger.Info("taxonomy reloaded", "path", s.path)
					}
				})
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error("taxonomy watcher error", "error", err)
		}
	}
}

func (s *FileStore) load() error {
	// #nosec G304 -- File path is configured at startup
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read taxonomy file: %w", err)
	}

	var doc taxonomyDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		if jsonErr := json.Unmarshal(data, &doc); jsonErr != nil {
			return fmt.Errorf("parse taxonomy file: %v", err)
		}
	}

	categories, rules, err := doc.flatten()
	if err != nil {
		return err
	}

	s.Replace(categories, rules)
	return nil
}

func (d taxonomyDoc) flatten() ([]domain.PolicyCategory, []domain.PolicyRule, error) {
	seen := make(map[string]bool, len(d.Categories))
	categories := make([]domain.PolicyCategory, 0, len(d.Categories))
	var rules []domain.PolicyRule

	for i, cat := range d.Categories {
		if cat.ID == "" || cat.Name == "" {
			return nil, nil, fmt.Errorf("categories[%d]: id and name are required", i)
		}
		if seen[cat.ID] {
			return nil, nil, fmt.Errorf("categories[%d]: duplicate id %q", i, cat.ID)
		}
		seen[cat.ID] = true

		categories = append(categories, domain.PolicyCategory{
			ID:          cat.ID,
			Name:        cat.Name,
			Description: cat.Description,
		})
		for j, rule := range cat.Rules {
			if rule.ID == "" || rule.Title == "" {
				return nil, nil, fmt.Errorf("categories[%d].rules[%d]: id and title are required", i, j)
			}
			rules = append(rules, domain.PolicyRule{
				ID:          rule.ID,
				CategoryID:  cat.ID,
				Title:       rule.Title,
				Description: rule.Description,
				Example:     rule.Example,
			})
		}
	}
	return categories, rules, nil
}
