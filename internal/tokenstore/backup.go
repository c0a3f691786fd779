// Claudegate - Multi-User OAuth Token Broker for Claude
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/claudegate

package tokenstore

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// DocStore is the raw-document view of a persistent store: sealed
// at-rest documents keyed by user ID, with no decryption involved.
// Rotation, backup, and cleanup operate at this level so they work even
// when the encryption key is unavailable.
type DocStore interface {
	RawAll(ctx context.Context) (map[string][]byte, error)
	RawPut(ctx context.Context, userID string, doc []byte) error
	RawDelete(ctx context.Context, userID string) error
}

const (
	backupManifestName = "manifest.json"
	backupRecordDir    = "records"
	backupFormat       = 1
)

// backupManifest describes an archive. Encryption keys are deliberately
// never part of a backup; restoring on a host without the original key
// yields records that read as absent.
type backupManifest struct {
	Format          int       `json:"format"`
	CreatedAt       time.Time `json:"created_at"`
	RecordCount     int       `json:"record_count"`
	EnvelopeVersion int       `json:"envelope_version"`
}

// Backup writes a tar archive of every sealed record plus a manifest.
func Backup(ctx context.Context, store DocStore, w io.Writer) error {
	docs, err := store.RawAll(ctx)
	if err != nil {
		return fmt.Errorf("collect records for backup: %w", err)
	}

	tw := tar.NewWriter(w)
	now := time.Now()

	manifest, err := json.Marshal(&backupManifest{
		Format:          backupFormat,
		CreatedAt:       now,
		RecordCount:     len(docs),
		EnvelopeVersion: 1,
	})
	if err != nil {
		return fmt.Errorf("marshal backup manifest: %w", err)
	}
	if err := writeTarFile(tw, backupManifestName, manifest, now); err != nil {
		return err
	}

	for userID, doc := range docs {
		name := path.Join(backupRecordDir, userID+tokenFileSuffix)
		if err := writeTarFile(tw, name, doc, now); err != nil {
			return err
		}
	}
	return tw.Close()
}

func writeTarFile(tw *tar.Writer, name string, data []byte, modTime time.Time) error {
	hdr := &tar.Header{
		Name:    name,
		Mode:    0o600,
		Size:    int64(len(data)),
		ModTime: modTime,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write tar header %s: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("write tar entry %s: %w", name, err)
	}
	return nil
}

// Restore reads an archive produced by Backup and replaces the store's
// contents with it. Records present in the store but not in the archive
// are removed.
func Restore(ctx context.Context, store DocStore, r io.Reader) (int, error) {
	existing, err := store.RawAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("inspect store before restore: %w", err)
	}

	tr := tar.NewReader(r)
	restored := map[string]bool{}
	sawManifest := false
	count := 0

	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return count, fmt.Errorf("read backup archive: %w", err)
		}

		switch {
		case hdr.Name == backupManifestName:
			var manifest backupManifest
			if err := json.NewDecoder(tr).Decode(&manifest); err != nil {
				return count, fmt.Errorf("decode backup manifest: %w", err)
			}
			if manifest.Format != backupFormat {
				return count, fmt.Errorf("unsupported backup format %d", manifest.Format)
			}
			sawManifest = true

		case strings.HasPrefix(hdr.Name, backupRecordDir+"/"):
			userID := strings.TrimSuffix(path.Base(hdr.Name), tokenFileSuffix)
			if !ValidUserID(userID) {
				return count, fmt.Errorf("backup contains invalid user ID %q", userID)
			}
			doc, err := io.ReadAll(io.LimitReader(tr, 1<<20))
			if err != nil {
				return count, fmt.Errorf("read backup record %s: %w", userID, err)
			}
			if _, err := decodeStoredMetadata(doc); err != nil {
				return count, fmt.Errorf("backup record %s is not a token document: %w", userID, err)
			}
			if err := store.RawPut(ctx, userID, doc); err != nil {
				return count, fmt.Errorf("restore record %s: %w", userID, err)
			}
			restored[userID] = true
			count++
		}
	}

	if !sawManifest {
		return count, errors.New("backup archive has no manifest")
	}

	for userID := range existing {
		if !restored[userID] {
			if err := store.RawDelete(ctx, userID); err != nil {
				return count, fmt.Errorf("remove stale record %s: %w", userID, err)
			}
		}
	}
	return count, nil
}

// Cleanup removes records not used within maxAge. It reads only
// plaintext metadata, so it works without the encryption key.
func Cleanup(ctx context.Context, store DocStore, maxAge time.Duration, now time.Time) (int, error) {
	docs, err := store.RawAll(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := now.Add(-maxAge).Unix()
	removed := 0
	for userID, doc := range docs {
		stored, err := decodeStoredMetadata(doc)
		if err != nil {
			continue
		}
		if stored.LastUsedAt < cutoff {
			if err := store.RawDelete(ctx, userID); err != nil {
				return removed, fmt.Errorf("remove stale record %s: %w", userID, err)
			}
			removed++
		}
	}
	return removed, nil
}
