// Package backup archives and restores the printer database and config, so
// a till can be replaced without re-discovering its printers.
package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ordermaster/printbridge/internal/store"
	"github.com/ordermaster/printbridge/internal/version"
)

// ManifestName is the archive entry describing its contents.
const ManifestName = "manifest.json"

// ErrExists is returned by Restore when a target file exists and force is off.
var ErrExists = errors.New("file already exists")

// Manifest lists what an archive holds.
type Manifest struct {
	Version   string         `json:"version"`
	CreatedAt time.Time      `json:"created_at"`
	Files     []string       `json:"files"`
	Schema    map[string]int `json:"schema,omitempty"` // Newest migration per module.
}

// Options selects what Backup archives.
type Options struct {
	DBPath     string
	ConfigPath string // Optional; skipped when missing.
	Output     string
}

// Backup writes a tar.gz holding the database, the config file when present,
// and a manifest. The WAL is checkpointed first so the copy is consistent.
func Backup(ctx context.Context, opts Options) (*Manifest, error) {
	if _, err := os.Stat(opts.DBPath); err != nil {
		return nil, fmt.Errorf("database file not found: %w", err)
	}
	schema, err := checkpoint(ctx, opts.DBPath)
	if err != nil {
		return nil, err
	}

	files := []string{opts.DBPath}
	if opts.ConfigPath != "" {
		if _, err := os.Stat(opts.ConfigPath); err == nil {
			files = append(files, opts.ConfigPath)
		}
	}

	out, err := os.Create(opts.Output)
	if err != nil {
		return nil, fmt.Errorf("create archive: %w", err)
	}
	defer out.Close()

	gw := gzip.NewWriter(out)
	tw := tar.NewWriter(gw)

	m := &Manifest{Version: version.Short(), CreatedAt: time.Now().UTC(), Schema: schema}
	for _, path := range files {
		name := filepath.Base(path)
		if err := addFile(tw, path, name); err != nil {
			return nil, fmt.Errorf("add %s to archive: %w", name, err)
		}
		m.Files = append(m.Files, name)
	}
	if err := addJSON(tw, ManifestName, m); err != nil {
		return nil, fmt.Errorf("add manifest: %w", err)
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("finish archive: %w", err)
	}
	if err := gw.Close(); err != nil {
		return nil, fmt.Errorf("finish archive: %w", err)
	}
	return m, out.Close()
}

// Restore unpacks an archive created by Backup into dir. Existing files are
// only replaced when force is set.
func Restore(_ context.Context, input, dir string, force bool) (*Manifest, error) {
	f, err := os.Open(input)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	gr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("read archive: %w", err)
	}
	defer gr.Close()

	var m *Manifest
	tr := tar.NewReader(gr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name := filepath.Base(hdr.Name)
		if name != hdr.Name || strings.HasPrefix(name, ".") {
			return nil, fmt.Errorf("unexpected archive entry %q", hdr.Name)
		}

		if name == ManifestName {
			m = &Manifest{}
			if err := json.NewDecoder(tr).Decode(m); err != nil {
				return nil, fmt.Errorf("decode manifest: %w", err)
			}
			continue
		}
		if err := extract(tr, filepath.Join(dir, name), hdr.FileInfo().Mode().Perm(), force); err != nil {
			return nil, err
		}
	}
	if m == nil {
		return nil, errors.New("archive has no manifest")
	}
	return m, nil
}

func extract(r io.Reader, target string, perm os.FileMode, force bool) error {
	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if force {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	out, err := os.OpenFile(target, flags, perm)
	if errors.Is(err, os.ErrExist) {
		return fmt.Errorf("restore %s: %w (use --force to overwrite)", target, ErrExists)
	}
	if err != nil {
		return fmt.Errorf("restore %s: %w", target, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("restore %s: %w", target, err)
	}
	return out.Close()
}

// checkpoint flushes the WAL of the database at dbPath and reads its schema
// versions for the manifest.
func checkpoint(ctx context.Context, dbPath string) (map[string]int, error) {
	db, err := store.New(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := db.Checkpoint(ctx); err != nil {
		return nil, err
	}
	schema, err := db.SchemaVersions(ctx)
	if err != nil {
		return nil, err
	}
	return schema, nil
}

func addFile(tw *tar.Writer, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = name
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

func addJSON(tw *tar.Writer, name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	hdr := &tar.Header{
		Name:    name,
		Mode:    0o644,
		Size:    int64(len(data)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = tw.Write(data)
	return err
}
