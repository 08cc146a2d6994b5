// Copyright (c) 2026 Keyfort. All rights reserved.
// Author: dev@keyfort.io

package session

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// # File Adapter

// fileSlots persists each slot as one file under a private directory.
// Writes are atomic (temp file + rename) so a crashed process can never
// leave a torn record behind.
type fileSlots struct {
	dir string
}

// NewFileStore creates a durable local session store rooted at dir. The
// directory is created with owner-only permissions.
func NewFileStore(dir string, opts ...Option) (Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("session_file_store: directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("session_file_store_mkdir_failed: %w", err)
	}
	return newSessionStore(&fileSlots{dir: dir}, opts), nil
}

func (slots *fileSlots) path(slot string) string {
	return filepath.Join(slots.dir, slot+".json")
}

func (slots *fileSlots) get(_ context.Context, slot string) ([]byte, error) {
	data, err := os.ReadFile(slots.path(slot))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

func (slots *fileSlots) put(_ context.Context, slot string, data []byte) error {
	target := slots.path(slot)

	// Write-then-rename keeps readers from ever observing a partial write.
	temp, err := os.CreateTemp(slots.dir, slot+".*.tmp")
	if err != nil {
		return err
	}
	tempName := temp.Name()

	if _, err := temp.Write(data); err != nil {
		_ = temp.Close()
		_ = os.Remove(tempName)
		return err
	}
	if err := temp.Chmod(0o600); err != nil {
		_ = temp.Close()
		_ = os.Remove(tempName)
		return err
	}
	if err := temp.Close(); err != nil {
		_ = os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, target); err != nil {
		_ = os.Remove(tempName)
		return err
	}
	return nil
}

func (slots *fileSlots) del(_ context.Context, slot string) error {
	err := os.Remove(slots.path(slot))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
