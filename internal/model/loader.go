package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Load reads the newest bundle in dir whose name matches pattern. Newest is
// the latest modification time; equal times resolve to the greater name.
func Load(dir, pattern string) (*Bundle, error) {
	path, err := newest(dir, pattern)
	if err != nil {
		return nil, err
	}
	return LoadFile(path)
}

// LoadFile reads and validates a single bundle file.
func LoadFile(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoad, err)
	}

	b, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	b.Path = path
	return b, nil
}

// Decode parses and validates a bundle document.
func Decode(data []byte) (*Bundle, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var b Bundle
	if err := dec.Decode(&b); err != nil {
		return nil, fmt.Errorf("%w: decoding bundle: %v", ErrLoad, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data after bundle", ErrLoad)
	}
	if err := b.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoad, err)
	}
	return &b, nil
}

func newest(dir, pattern string) (string, error) {
	if _, err := filepath.Match(pattern, ""); err != nil {
		return "", fmt.Errorf("%w: bad name pattern %q: %v", ErrLoad, pattern, err)
	}
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrLoad, err)
	}

	type candidate struct {
		path    string
		modTime time.Time
	}
	var found []candidate
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrLoad, err)
		}
		if info.Mode().IsRegular() {
			found = append(found, candidate{path: m, modTime: info.ModTime()})
		}
	}
	if len(found) == 0 {
		return "", fmt.Errorf("%w: no bundle matching %q in %s", ErrLoad, pattern, dir)
	}

	sort.Slice(found, func(i, j int) bool {
		if !found[i].modTime.Equal(found[j].modTime) {
			return found[i].modTime.After(found[j].modTime)
		}
		return found[i].path > found[j].path
	})
	return found[0].path, nil
}
