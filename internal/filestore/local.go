package filestore

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// LocalFileStore implements FileStore using the local filesystem.
type LocalFileStore struct {
	root string
	// Uploads larger than this are refused. Zero means no limit.
	maxSize int64
}

func NewLocalFileStore(root string, maxSize int64) (*LocalFileStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create root directory: %w", err)
	}
	return &LocalFileStore{root: root, maxSize: maxSize}, nil
}

func (s *LocalFileStore) getPath(hash string) string {
	if len(hash) < 2 {
		return filepath.Join(s.root, hash)
	}
	return filepath.Join(s.root, hash[:2], hash)
}

type headWriter struct {
	buf bytes.Buffer
}

func (h *headWriter) Write(p []byte) (int, error) {
	if room := HeadSize - h.buf.Len(); room > 0 {
		h.buf.Write(p[:min(room, len(p))])
	}
	return len(p), nil
}

func (s *LocalFileStore) Put(r io.Reader) (Stored, error) {
	// The hash is only known after reading, so write to a staging file at
	// the root and move it into place.
	tmp, err := os.CreateTemp(s.root, "upload-*")
	if err != nil {
		return Stored{}, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	sum := sha256.New()
	head := &headWriter{}
	if s.maxSize > 0 {
		r = io.LimitReader(r, s.maxSize+1)
	}
	n, err := io.Copy(io.MultiWriter(tmp, sum, head), r)
	if err != nil {
		return Stored{}, fmt.Errorf("failed to write data: %w", err)
	}
	if s.maxSize > 0 && n > s.maxSize {
		return Stored{}, fmt.Errorf("file exceeds %d bytes", s.maxSize)
	}
	if err := tmp.Close(); err != nil {
		return Stored{}, fmt.Errorf("failed to close temp file: %w", err)
	}

	st := Stored{
		Hash: hex.EncodeToString(sum.Sum(nil)),
		Size: n,
		Head: head.buf.Bytes(),
	}
	path := s.getPath(st.Hash)
	if _, err := os.Stat(path); err == nil {
		return st, nil
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return Stored{}, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return Stored{}, fmt.Errorf("failed to rename file: %w", err)
	}
	return st, nil
}

func (s *LocalFileStore) Open(hash string) (io.ReadCloser, error) {
	f, err := os.Open(s.getPath(hash))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", hash, err)
	}
	return f, nil
}

func (s *LocalFileStore) Delete(hash string) error {
	err := os.Remove(s.getPath(hash))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete file %s: %w", hash, err)
	}
	return nil
}
