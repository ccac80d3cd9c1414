// Package filetransport moves operations between devices that never share
// a network path. An exchange file is a self-describing JSON document,
// optionally gzipped, that carries the exporter's operations and its
// last-known version per entity type.
package filetransport

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/c0deZ3R0/offsync/errors"
	"github.com/c0deZ3R0/offsync/synckit"
	"github.com/c0deZ3R0/offsync/version"
)

const (
	// Format identifies an exchange document.
	Format = "offsync-exchange"
	// FormatVersion is the newest document version this package writes and reads.
	FormatVersion = 1
)

// Exchange is the exchange document.
type Exchange struct {
	Format        string                          `json:"format"`
	FormatVersion int                             `json:"format_version"`
	DeviceID      string                          `json:"device_id"`
	ExportedAt    time.Time                       `json:"exported_at"`
	Operations    []synckit.Operation             `json:"operations"`
	Versions      map[string]*version.VectorClock `json:"versions"`
}

// New builds a document for deviceID with ops in replay order.
func New(deviceID string, ops []synckit.Operation, versions map[string]*version.VectorClock, exportedAt time.Time) Exchange {
	sorted := append([]synckit.Operation(nil), ops...)
	sort.SliceStable(sorted, func(i, j int) bool { return synckit.ReplayLess(sorted[i], sorted[j]) })
	if versions == nil {
		versions = map[string]*version.VectorClock{}
	}
	return Exchange{
		Format:        Format,
		FormatVersion: FormatVersion,
		DeviceID:      deviceID,
		ExportedAt:    exportedAt.UTC(),
		Operations:    sorted,
		Versions:      versions,
	}
}

// Validate checks the header and every operation.
func (e Exchange) Validate() error {
	switch {
	case e.Format != Format:
		return errors.NewValidationError(errors.OpImport, fmt.Errorf("not an exchange file (format %q)", e.Format))
	case e.FormatVersion < 1 || e.FormatVersion > FormatVersion:
		return errors.NewValidationError(errors.OpImport, fmt.Errorf("unsupported format version %d", e.FormatVersion))
	case e.DeviceID == "":
		return errors.NewValidationError(errors.OpImport, fmt.Errorf("device_id is required"))
	}
	seen := make(map[string]struct{}, len(e.Operations))
	for _, op := range e.Operations {
		if err := op.Validate(); err != nil {
			return errors.NewValidationError(errors.OpImport, err)
		}
		if _, dup := seen[op.ID]; dup {
			return errors.NewValidationError(errors.OpImport, fmt.Errorf("operation %s appears twice", op.ID))
		}
		seen[op.ID] = struct{}{}
	}
	return nil
}

// Encode writes e as indented JSON.
func Encode(w io.Writer, e Exchange) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(e)
}

// Decode reads a document, gzipped or not, and validates it. Operations are
// returned in replay order whatever order the file used.
func Decode(r io.Reader) (Exchange, error) {
	br := bufio.NewReader(r)
	var src io.Reader = br
	if magic, err := br.Peek(2); err == nil && bytes.Equal(magic, []byte{0x1f, 0x8b}) {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return Exchange{}, errors.NewValidationError(errors.OpImport, fmt.Errorf("invalid gzip data: %w", err))
		}
		defer gz.Close()
		src = gz
	}

	var e Exchange
	if err := json.NewDecoder(src).Decode(&e); err != nil {
		return Exchange{}, errors.NewValidationError(errors.OpImport, fmt.Errorf("malformed exchange file: %w", err))
	}
	if err := e.Validate(); err != nil {
		return Exchange{}, err
	}
	sort.SliceStable(e.Operations, func(i, j int) bool { return synckit.ReplayLess(e.Operations[i], e.Operations[j]) })
	return e, nil
}

// ExportToFile writes e to path. A ".gz" suffix gzips the document. The
// file is written to a temporary name in the same directory and renamed,
// so readers never observe a partial document.
func ExportToFile(path string, e Exchange) (err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.NewStorageError(errors.OpExport, err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	bw := bufio.NewWriter(tmp)
	var w io.Writer = bw
	var gz *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		gz = gzip.NewWriter(bw)
		w = gz
	}
	if err := Encode(w, e); err != nil {
		return errors.NewStorageError(errors.OpExport, fmt.Errorf("encode exchange file: %w", err))
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return errors.NewStorageError(errors.OpExport, err)
		}
	}
	if err := bw.Flush(); err != nil {
		return errors.NewStorageError(errors.OpExport, err)
	}
	if err := tmp.Sync(); err != nil {
		return errors.NewStorageError(errors.OpExport, err)
	}
	if err := tmp.Close(); err != nil {
		return errors.NewStorageError(errors.OpExport, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.NewStorageError(errors.OpExport, err)
	}
	return nil
}

// ImportFromFile reads and validates the document at path.
func ImportFromFile(path string) (Exchange, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Exchange{}, errors.NewNotFound(errors.OpImport, "filetransport", path)
		}
		return Exchange{}, errors.NewStorageError(errors.OpImport, err)
	}
	defer f.Close()
	return Decode(f)
}
