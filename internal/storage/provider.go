// Package storage defines the vault file-system abstraction.
package storage

import "time"

// FileMeta describes one markdown file in the vault.
type FileMeta struct {
	Path      string    `json:"path"`
	Checksum  string    `json:"checksum"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Provider is the interface for vault file operations.
type Provider interface {
	// List returns metadata for every .md file under dir (relative to vault root).
	List(dir string) ([]FileMeta, error)
	// Read returns the raw bytes of the file at path (relative to vault root).
	Read(path string) ([]byte, error)
	// Stat returns metadata for the file at path (relative to vault root).
	Stat(path string) (FileMeta, error)
	// Write atomically writes content to path (relative to vault root).
	Write(path string, content []byte) error
	// WriteIfChanged is Write that skips identical content and reports
	// whether the file was written.
	WriteIfChanged(path string, content []byte) (bool, error)
	// Exists reports whether path exists (file or directory).
	Exists(path string) (bool, error)
}
