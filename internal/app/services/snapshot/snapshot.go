// Package snapshot persists the full registry graph as YAML.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/app_registry/internal/app/domain/apps"
	"github.com/R3E-Network/app_registry/internal/app/domain/name"
)

// Version is the snapshot format version written by Encode.
const Version = 1

// Snapshot is one registry together with every record it holds.
type Snapshot struct {
	Version  int              `yaml:"version"`
	Registry apps.Registry    `yaml:"registry"`
	TakenAt  time.Time        `yaml:"taken_at"`
	Records  []apps.AppRecord `yaml:"records"`
}

// Source is anything that can describe and enumerate a registry.
type Source interface {
	Descriptor() apps.Registry
	List(ctx context.Context) ([]apps.AppRecord, error)
}

// Capture reads the whole registry from src.
func Capture(ctx context.Context, src Source) (Snapshot, error) {
	recs, err := src.List(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("list records: %w", err)
	}
	return Snapshot{
		Version:  Version,
		Registry: src.Descriptor(),
		TakenAt:  time.Now().UTC(),
		Records:  recs,
	}, nil
}

// Encode writes snap as YAML.
func Encode(w io.Writer, snap Snapshot) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(snap); err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return enc.Close()
}

// Decode reads a YAML snapshot and checks that record names are present and unique.
func Decode(r io.Reader) (Snapshot, error) {
	var snap Snapshot
	if err := yaml.NewDecoder(r).Decode(&snap); err != nil {
		if errors.Is(err, io.EOF) {
			return Snapshot{Version: Version}, nil
		}
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.Version > Version {
		return Snapshot{}, fmt.Errorf("snapshot version %d is newer than supported %d", snap.Version, Version)
	}

	seen := make(map[name.Name]struct{}, len(snap.Records))
	for i, rec := range snap.Records {
		if rec.Name.IsZero() {
			return Snapshot{}, fmt.Errorf("snapshot record %d has no name", i)
		}
		if _, dup := seen[rec.Name]; dup {
			return Snapshot{}, fmt.Errorf("snapshot lists %s twice", rec.Name)
		}
		seen[rec.Name] = struct{}{}
	}
	return snap, nil
}

// WriteFile atomically replaces path with snap.
func WriteFile(path string, snap Snapshot) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".snapshot-*.yaml")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := Encode(tmp, snap); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ReadFile loads a snapshot. A missing file yields an error wrapping os.ErrNotExist.
func ReadFile(path string) (Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return Snapshot{}, err
	}
	defer f.Close()
	return Decode(f)
}
