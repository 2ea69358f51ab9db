// Package curated assembles calculator-ready matrices from the checksummed
// files a retrieval run deposits.
package curated

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
)

// File kinds listed in a manifest.
const (
	KindPrices  = "prices"
	KindSlack   = "slack"
	KindWeights = "weights"
	KindCETable = "ce_table"
)

// ManifestFile is one deposited file.
type ManifestFile struct {
	Path        string    `json:"path" validate:"required"`
	Kind        string    `json:"kind" validate:"required,oneof=prices slack weights ce_table"`
	Name        string    `json:"name,omitempty"`
	SHA256      string    `json:"sha256" validate:"required,len=64,hexadecimal"`
	RetrievedAt time.Time `json:"retrieved_at" validate:"required"`
	Source      string    `json:"source,omitempty"`
}

// Manifest lists every input file with its checksum.
type Manifest struct {
	ManifestVersion string         `json:"manifest_version" validate:"required"`
	Files           []ManifestFile `json:"files" validate:"required,min=1,dive"`

	dir string
}

// ChecksumMismatchError reports a file whose contents differ from the manifest.
type ChecksumMismatchError struct {
	Path string
	Want string
	Got  string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("curated: checksum mismatch for %s: manifest %s, file %s", e.Path, e.Want, e.Got)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// LoadManifest reads and validates dir/manifest.json.
func LoadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		return nil, eris.Wrap(err, "curated: read manifest")
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, eris.Wrap(err, "curated: parse manifest")
	}
	if err := validate.Struct(m); err != nil {
		return nil, eris.Wrap(err, "curated: invalid manifest")
	}
	m.dir = dir
	return &m, nil
}

// Find returns the first file of a kind, optionally matching its name.
func (m *Manifest) Find(kind, name string) (ManifestFile, bool) {
	for _, f := range m.Files {
		if f.Kind == kind && (name == "" || f.Name == name) {
			return f, true
		}
	}
	return ManifestFile{}, false
}

// Read returns a file's bytes after verifying its checksum.
func (m *Manifest) Read(f ManifestFile) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(m.dir, f.Path))
	if err != nil {
		return nil, eris.Wrapf(err, "curated: read %s", f.Path)
	}
	got := Checksum(data)
	if got != f.SHA256 {
		return nil, &ChecksumMismatchError{Path: f.Path, Want: f.SHA256, Got: got}
	}
	return data, nil
}

// Verify checks every listed file and returns path -> "sha256:<hex>".
func (m *Manifest) Verify() (map[string]string, error) {
	out := make(map[string]string, len(m.Files))
	for _, f := range m.Files {
		if _, err := m.Read(f); err != nil {
			return nil, err
		}
		out[f.Path] = "sha256:" + f.SHA256
	}
	return out, nil
}

// Paths returns the listed paths, sorted.
func (m *Manifest) Paths() []string {
	out := make([]string, len(m.Files))
	for i, f := range m.Files {
		out[i] = f.Path
	}
	sort.Strings(out)
	return out
}

// Checksum returns the hex SHA-256 of data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
