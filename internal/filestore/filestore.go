// Package filestore keeps files the owner offers to contacts until the
// transfer is done.
package filestore

import (
	"errors"
	"io"
)

// HeadSize is how much of a file is kept for type sniffing.
const HeadSize = 262

var ErrNotFound = errors.New("file not found")

// Stored describes a file after it has been written.
type Stored struct {
	Hash string
	Size int64
	Head []byte
}

// FileStore keeps content addressed by its sha256.
type FileStore interface {
	// Put is idempotent: storing the same content twice keeps one copy.
	Put(r io.Reader) (Stored, error)
	Open(hash string) (io.ReadCloser, error)
	Delete(hash string) error
}
