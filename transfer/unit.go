package transfer

import (
	"encoding/hex"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/opd-ai/codedrop/limits"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
)

// ErrDirectoryTraversal indicates a file name or path that would escape the
// target directory.
var ErrDirectoryTraversal = errors.New("path contains directory traversal")

// sniffLength is the number of bytes http.DetectContentType inspects.
const sniffLength = 512

// Unit describes one file of a transfer set as announced by the sender.
// Size and MimeType are sender-asserted and never verified beyond byte
// counting.
type Unit struct {
	Name     string
	Size     uint64
	MimeType string
	Index    uint32
	Total    uint32
}

// Source is a file selected for sending.
type Source struct {
	Name     string
	MimeType string
	Data     []byte
}

// SourceFromFile reads path into memory. The mime hint comes from the file
// extension, falling back to content sniffing.
func SourceFromFile(path string) (Source, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Source{}, err
	}
	cleaned, err := ValidatePath(abs)
	if err != nil {
		return Source{}, err
	}

	data, err := os.ReadFile(cleaned)
	if err != nil {
		return Source{}, fmt.Errorf("read %s: %w", cleaned, err)
	}

	name := filepath.Base(cleaned)
	if err := limits.ValidateFileName(name); err != nil {
		return Source{}, err
	}

	mimeType := mime.TypeByExtension(filepath.Ext(name))
	if mimeType == "" {
		mimeType = http.DetectContentType(data[:min(len(data), sniffLength)])
	}

	logrus.WithFields(logrus.Fields{
		"function":  "SourceFromFile",
		"file_name": name,
		"file_size": len(data),
		"mime_type": mimeType,
	}).Debug("Loaded source file")

	return Source{Name: name, MimeType: mimeType, Data: data}, nil
}

// Checksum returns the hex BLAKE2b-256 digest of the source bytes.
func (s Source) Checksum() string {
	return checksum(s.Data)
}

// ReceivedFile is a sealed unit on the receiving side.
type ReceivedFile struct {
	Unit
	Data []byte
	// SizeMismatch is set when len(Data) differs from Unit.Size.
	SizeMismatch bool
}

// Checksum returns the hex BLAKE2b-256 digest of the received bytes.
func (f ReceivedFile) Checksum() string {
	return checksum(f.Data)
}

// WriteTo saves the file into dir under its announced name and returns the
// written path. Names containing path separators are rejected.
func (f ReceivedFile) WriteTo(dir string) (string, error) {
	if err := safeFileName(f.Name); err != nil {
		return "", err
	}

	path, err := ValidatePath(filepath.Join(dir, f.Name))
	if err != nil {
		return "", err
	}

	if err := os.WriteFile(path, f.Data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}

	logrus.WithFields(logrus.Fields{
		"function":  "ReceivedFile.WriteTo",
		"path":      path,
		"file_size": len(f.Data),
	}).Info("Saved received file")

	return path, nil
}

// ValidatePath checks if a file path is safe from directory traversal attacks.
// It returns the cleaned path or an error if the path contains traversal attempts.
func ValidatePath(path string) (string, error) {
	if path == "" {
		return "", errors.New("empty path")
	}

	cleanedPath := filepath.Clean(path)
	for _, part := range strings.Split(filepath.ToSlash(cleanedPath), "/") {
		if part == ".." {
			return "", ErrDirectoryTraversal
		}
	}

	return cleanedPath, nil
}

// safeFileName rejects sender-supplied names that are not a single path
// element.
func safeFileName(name string) error {
	if err := limits.ValidateFileName(name); err != nil {
		return err
	}
	if name == "." || name == ".." || strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return fmt.Errorf("%w: %q", ErrDirectoryTraversal, name)
	}
	return nil
}

func checksum(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}
