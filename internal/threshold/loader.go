package threshold

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/pitabwire/ratify/model"
)

// SeedFile is one parsed threshold seed file.
type SeedFile struct {
	Path       string            `yaml:"-"`
	Checksum   string            `yaml:"-"`
	Thresholds []model.Threshold `yaml:"thresholds"`
}

// Loader reads threshold seed files from YAML.
type Loader struct{}

// NewLoader creates a Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll recursively scans directories for *.yaml and *.yml files.
func (l *Loader) LoadAll(directories []string) ([]SeedFile, error) {
	var files []SeedFile

	for _, dir := range directories {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(path))
			if ext != ".yaml" && ext != ".yml" {
				return nil
			}

			f, err := l.LoadFile(path)
			if err != nil {
				return err
			}
			files = append(files, f)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}

	return files, nil
}

// LoadFile parses a single seed file and validates every threshold in it.
func (l *Loader) LoadFile(path string) (SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return SeedFile{}, fmt.Errorf("reading %s: %w", path, err)
	}

	var f SeedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return SeedFile{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	for i, t := range f.Thresholds {
		if t.ID == "" {
			return SeedFile{}, fmt.Errorf("%s: thresholds[%d]: id is required", path, i)
		}
		if err := Validate(t); err != nil {
			return SeedFile{}, fmt.Errorf("%s: threshold %q: %w", path, t.ID, err)
		}
	}

	f.Path = path
	f.Checksum = fmt.Sprintf("%x", sha256.Sum256(data))
	return f, nil
}

// Seed upserts every threshold in files into the registry.
func Seed(ctx context.Context, reg *Registry, files []SeedFile, logger *zap.Logger) (int, error) {
	n := 0
	for _, f := range files {
		for _, t := range f.Thresholds {
			if _, err := reg.Upsert(ctx, t); err != nil {
				return n, fmt.Errorf("seed threshold %q from %s: %w", t.ID, f.Path, err)
			}
			n++
		}
		logger.Info("threshold seed applied",
			zap.String("file", f.Path),
			zap.String("checksum", f.Checksum),
			zap.Int("thresholds", len(f.Thresholds)),
		)
	}
	return n, nil
}
