// Package identity manages the node identity of a virtual network stack.
package identity

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	// IDSize is the size of a NodeID in bytes (40 bits).
	IDSize = 5

	// idFileName is the name of the file storing the node ID.
	idFileName = "node_id"

	// reservedPrefix marks addresses an overlay never hands out to nodes.
	reservedPrefix = 0xff
)

var (
	// ErrInvalidHexString is returned when the hex string is malformed.
	ErrInvalidHexString = errors.New("invalid hex string for node ID")

	// ErrNotFound is returned by Load when no identity is stored at the path.
	ErrNotFound = errors.New("node identity not found")

	// ZeroID represents an uninitialized node ID.
	ZeroID = NodeID(0)
)

// NodeID is a 40-bit overlay node address, stored in the low bits of a uint64.
type NodeID uint64

// NewNodeID generates a random NodeID that is neither zero nor reserved.
func NewNodeID() (NodeID, error) {
	var buf [8]byte
	for {
		if _, err := io.ReadFull(rand.Reader, buf[8-IDSize:]); err != nil {
			return ZeroID, fmt.Errorf("failed to generate node ID: %w", err)
		}
		id := NodeID(binary.BigEndian.Uint64(buf[:]))
		if id.valid() {
			return id, nil
		}
	}
}

// ParseNodeID parses a NodeID from its 10-digit hex form.
func ParseNodeID(s string) (NodeID, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "0x")

	if len(s) != IDSize*2 {
		return ZeroID, fmt.Errorf("%w: got %d hex chars, expected %d", ErrInvalidHexString, len(s), IDSize*2)
	}

	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return ZeroID, fmt.Errorf("%w: %v", ErrInvalidHexString, err)
	}

	id := NodeID(v)
	if !id.valid() {
		return ZeroID, fmt.Errorf("%w: %s is reserved", ErrInvalidHexString, s)
	}
	return id, nil
}

func (id NodeID) valid() bool {
	return id != ZeroID && uint64(id)>>32 != reservedPrefix
}

// String returns the 10-digit hex representation.
func (id NodeID) String() string {
	return fmt.Sprintf("%010x", uint64(id))
}

// IsZero returns true if the NodeID is uninitialized.
func (id NodeID) IsZero() bool {
	return id == ZeroID
}

// Store persists the NodeID under dir.
func (id NodeID) Store(dir string) error {
	if id.IsZero() {
		return errors.New("cannot store zero node ID")
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create identity directory: %w", err)
	}

	filePath := filepath.Join(dir, idFileName)

	// Write to a temp file first so a crash never leaves a torn identity.
	tempPath := filePath + ".tmp"
	if err := os.WriteFile(tempPath, []byte(id.String()+"\n"), 0600); err != nil {
		return fmt.Errorf("failed to write node ID: %w", err)
	}

	if err := os.Rename(tempPath, filePath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to persist node ID: %w", err)
	}

	return nil
}

// Load reads a NodeID from dir.
func Load(dir string) (NodeID, error) {
	filePath := filepath.Join(dir, idFileName)

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return ZeroID, fmt.Errorf("%w at %s", ErrNotFound, filePath)
		}
		return ZeroID, fmt.Errorf("failed to read node ID: %w", err)
	}

	return ParseNodeID(string(data))
}

// LoadOrCreate loads the NodeID stored in dir, or creates and persists a new one.
// The boolean reports whether a new identity was created.
func LoadOrCreate(dir string) (NodeID, bool, error) {
	id, err := Load(dir)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return ZeroID, false, err
	}

	id, err = NewNodeID()
	if err != nil {
		return ZeroID, false, err
	}

	if err := id.Store(dir); err != nil {
		return ZeroID, false, err
	}

	return id, true, nil
}

// Exists checks if a NodeID file exists in dir.
func Exists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, idFileName))
	return err == nil
}
