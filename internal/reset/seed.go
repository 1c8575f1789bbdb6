// Package reset manages the QUIC stateless-reset secret persisted to disk
// so reset tokens generated before and after a server restart are
// identical.
package reset

import (
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const seedBytes = 16

var (
	ErrWrongLength = errors.New("reset: seed file does not contain 32 hex characters")
)

// LoadOrCreate reads a 16-byte hex-encoded seed from path, creating one
// with crypto-random bytes (0600 permissions, atomic create) if the file
// is absent.
func LoadOrCreate(path string) ([]byte, error) {
	seed, err := Load(path)
	if err == nil {
		return seed, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	return create(path)
}

// Load reads and validates an existing seed file without creating one.
func Load(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return decode(data)
}

func decode(data []byte) ([]byte, error) {
	trimmed := trimTrailingNewline(data)
	if len(trimmed) != seedBytes*2 {
		return nil, ErrWrongLength
	}
	seed := make([]byte, seedBytes)
	if _, err := hex.Decode(seed, trimmed); err != nil {
		return nil, fmt.Errorf("reset: decode seed hex: %w", err)
	}
	return seed, nil
}

func trimTrailingNewline(data []byte) []byte {
	for len(data) > 0 && (data[len(data)-1] == '\n' || data[len(data)-1] == '\r') {
		data = data[:len(data)-1]
	}
	return data
}

// create atomically writes a freshly-generated seed: the file is written
// to a temp sibling with O_EXCL, then renamed into place, so a crash
// mid-write never leaves a partial or corrupt seed file visible at path.
func create(path string) ([]byte, error) {
	seed := make([]byte, seedBytes)
	if _, err := crand.Read(seed); err != nil {
		return nil, fmt.Errorf("reset: generate seed: %w", err)
	}

	encoded := append([]byte(hex.EncodeToString(seed)), '\n')

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("reset: create temp seed file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("reset: chmod temp seed file: %w", err)
	}
	if _, err := tmp.Write(encoded); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("reset: write temp seed file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("reset: sync temp seed file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("reset: close temp seed file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return nil, fmt.Errorf("reset: rename seed file into place: %w", err)
	}

	return seed, nil
}
