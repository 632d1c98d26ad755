// Package filesource declares markers from a YAML file and follows edits to
// it with fsnotify.
package filesource

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/OCAP2/mapsync/internal/marker"
	"github.com/OCAP2/mapsync/internal/observer"
	"github.com/OCAP2/mapsync/pkg/core"
)

const defaultDebounce = 250 * time.Millisecond

// Declaration is one marker entry in the file.
type Declaration struct {
	ID          string   `yaml:"id"`
	Variant     string   `yaml:"variant,omitempty"`
	Lng         float64  `yaml:"lng"`
	Lat         float64  `yaml:"lat"`
	Icon        string   `yaml:"icon,omitempty"`
	Color       string   `yaml:"color,omitempty"`
	Visible     *bool    `yaml:"visible,omitempty"`
	Interactive *bool    `yaml:"interactive,omitempty"`
	Radius      *float64 `yaml:"radius,omitempty"`
	AssetID     string   `yaml:"assetId,omitempty"`
}

// Document is the file layout.
type Document struct {
	Markers []Declaration `yaml:"markers"`
}

// Decode parses and validates a declaration file.
func Decode(data []byte) (Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("decoding markers: %w", err)
	}

	seen := make(map[string]bool, len(doc.Markers))
	for i, d := range doc.Markers {
		if d.ID == "" {
			return Document{}, fmt.Errorf("marker %d: missing id", i)
		}
		if seen[d.ID] {
			return Document{}, fmt.Errorf("marker %q: duplicate id", d.ID)
		}
		seen[d.ID] = true

		switch core.Variant(d.Variant) {
		case "", marker.VariantPlain:
		case marker.VariantAsset:
			if d.AssetID == "" {
				return Document{}, fmt.Errorf("marker %q: asset-marker needs assetId", d.ID)
			}
		default:
			return Document{}, fmt.Errorf("marker %q: unknown variant %q", d.ID, d.Variant)
		}

		if math.IsNaN(d.Lng) || math.IsNaN(d.Lat) || d.Lng < -180 || d.Lng > 180 || d.Lat < -90 || d.Lat > 90 {
			return Document{}, fmt.Errorf("marker %q: position out of range", d.ID)
		}
	}
	return doc, nil
}

// Specs converts the document to keyed marker declarations.
func (doc Document) Specs() []observer.Spec {
	specs := make([]observer.Spec, 0, len(doc.Markers))
	for _, d := range doc.Markers {
		s := observer.Spec{
			Key:     d.ID,
			Variant: core.Variant(d.Variant),
			Lng:     d.Lng,
			Lat:     d.Lat,
			Icon:    d.Icon,
			Color:   d.Color,
			Visible: d.Visible == nil || *d.Visible,
			AssetID: d.AssetID,
		}
		if d.Interactive != nil || d.Radius != nil {
			s.Extra = core.Properties{}
			if d.Interactive != nil {
				s.Extra[core.PropInteractive] = *d.Interactive
			}
			if d.Radius != nil {
				s.Extra[core.PropRadius] = *d.Radius
			}
		}
		specs = append(specs, s)
	}
	return specs
}

// Config configures a Source.
type Config struct {
	Path     string
	Debounce time.Duration
	Logger   *slog.Logger
}

// Source is an observer.ChangeSource backed by a declaration file.
type Source struct {
	*observer.Declared

	path     string
	debounce time.Duration
	logger   *slog.Logger

	reloadMu sync.Mutex

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	timer   *time.Timer
	stopCh  chan struct{}
	running bool
	wg      sync.WaitGroup
}

// New reads the file once. Call Start to follow later edits.
func New(cfg Config) (*Source, error) {
	if cfg.Path == "" {
		return nil, errors.New("filesource: path is required")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = defaultDebounce
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	path, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", cfg.Path, err)
	}

	s := &Source{
		Declared: observer.NewDeclared(),
		path:     path,
		debounce: cfg.Debounce,
		logger:   cfg.Logger.With("source", "file", "path", path),
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload reads and applies the file now. On error the previous declarations
// stay in place.
func (s *Source) Reload() error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("reading markers file: %w", err)
	}
	doc, err := Decode(data)
	if err != nil {
		return err
	}

	res := s.Sync(doc.Specs())
	s.logger.Debug("markers file applied",
		"added", res.Added, "removed", res.Removed, "updated", res.Updated)
	return nil
}

// Start watches the file's directory so that editors replacing the file
// by rename are followed too.
func (s *Source) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watching %s: %w", filepath.Dir(s.path), err)
	}

	s.watcher = watcher
	s.stopCh = make(chan struct{})
	s.running = true

	s.wg.Add(1)
	go s.processEvents(watcher, s.stopCh)

	s.logger.Info("watching markers file")
	return nil
}

// Stop ends watching. Declarations stay as they are.
func (s *Source) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	watcher := s.watcher
	s.watcher = nil
	s.mu.Unlock()

	err := watcher.Close()
	s.wg.Wait()
	if err != nil {
		return fmt.Errorf("closing watcher: %w", err)
	}
	return nil
}

func (s *Source) processEvents(watcher *fsnotify.Watcher, stopCh <-chan struct{}) {
	defer s.wg.Done()
	for {
		select {
		case <-stopCh:
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			s.schedule()

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error("markers file watcher error", "error", err)
		}
	}
}

// schedule debounces reloads: only the last event in a burst triggers one.
func (s *Source) schedule() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.debounce, func() {
		s.mu.Lock()
		running := s.running
		s.mu.Unlock()
		if !running {
			return
		}
		if err := s.Reload(); err != nil {
			s.logger.Warn("markers file not applied, keeping previous state", "error", err)
		}
	})
}
