// Claudegate - Multi-User OAuth Token Broker for Claude
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/claudegate

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tomtom215/claudegate/internal/crypto"
	"github.com/tomtom215/claudegate/internal/tokenstore"
)

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Store maintenance: backup, restore, key rotation, cleanup",
}

var (
	flagBackupFile string
	flagMaxAge     time.Duration
	flagNewKey     string
)

var adminBackupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Write an encrypted backup archive of all token records",
	Long: `Write a tar archive of every stored token record to the given file.
Records stay sealed under the encryption key; the archive never contains
plaintext tokens or key material.`,
	RunE: runAdminBackup,
}

var adminRestoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore token records from a backup archive",
	Long: `Replace the store's contents with the records in the archive. Records
present in the store but absent from the archive are removed.`,
	RunE: runAdminRestore,
}

var adminRotateCmd = &cobra.Command{
	Use:   "rotate-key",
	Short: "Re-encrypt every record under a new key",
	RunE:  runAdminRotate,
}

var adminCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove records unused for longer than --max-age",
	RunE:  runAdminCleanup,
}

func init() {
	adminBackupCmd.Flags().StringVar(&flagBackupFile, "file", "claudegate-backup.tar", "backup archive path")
	adminRestoreCmd.Flags().StringVar(&flagBackupFile, "file", "claudegate-backup.tar", "backup archive path")
	adminRotateCmd.Flags().StringVar(&flagNewKey, "new-key", "", "new encryption key (base64 or raw, 16+ bytes)")
	adminRotateCmd.MarkFlagRequired("new-key")
	adminCleanupCmd.Flags().DurationVar(&flagMaxAge, "max-age", 90*24*time.Hour, "remove records unused for this long")

	adminCmd.AddCommand(adminBackupCmd)
	adminCmd.AddCommand(adminRestoreCmd)
	adminCmd.AddCommand(adminRotateCmd)
	adminCmd.AddCommand(adminCleanupCmd)
	rootCmd.AddCommand(adminCmd)
}

// docStore unwraps the engine's persistent tier as a raw-document
// store. Backup, restore, and rotation work on sealed documents and
// never need the data key.
func docStore(eng *engine) (tokenstore.DocStore, error) {
	persistent := eng.store
	if h, ok := persistent.(*tokenstore.Hierarchy); ok {
		persistent = h.Persistent()
	}
	docs, ok := persistent.(tokenstore.DocStore)
	if !ok {
		return nil, fmt.Errorf("backend %T does not support raw document access", persistent)
	}
	return docs, nil
}

func runAdminBackup(cmd *cobra.Command, _ []string) error {
	eng, err := buildEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	docs, err := docStore(eng)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(flagBackupFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := tokenstore.Backup(cmd.Context(), docs, f); err != nil {
		return err
	}
	printf("Backup written to %s.\n", flagBackupFile)
	return nil
}

func runAdminRestore(cmd *cobra.Command, _ []string) error {
	eng, err := buildEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	docs, err := docStore(eng)
	if err != nil {
		return err
	}

	f, err := os.Open(flagBackupFile)
	if err != nil {
		return err
	}
	defer f.Close()

	count, err := tokenstore.Restore(cmd.Context(), docs, f)
	if err != nil {
		return err
	}
	printf("Restored %d record(s) from %s.\n", count, flagBackupFile)
	return nil
}

func runAdminRotate(cmd *cobra.Command, _ []string) error {
	eng, err := buildEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	oldKey, err := crypto.ParseKey(eng.cfg.Security.EncryptionKey)
	if err != nil {
		return fmt.Errorf("parse current encryption key: %w", err)
	}
	newKey, err := crypto.ParseKey(flagNewKey)
	if err != nil {
		return fmt.Errorf("parse new encryption key: %w", err)
	}
	oldEnv, err := crypto.NewEnvelope(oldKey)
	if err != nil {
		return err
	}
	newEnv, err := crypto.NewEnvelope(newKey)
	if err != nil {
		return err
	}

	rotator, err := rotatableStore(eng)
	if err != nil {
		return err
	}
	rotated, failed, err := rotator.Rotate(cmd.Context(), oldEnv, newEnv)
	if err != nil {
		return err
	}
	printf("Rotated %d record(s), %d failed.\n", rotated, failed)
	if failed > 0 {
		printf("Failed records were left under the old key; re-run after fixing them.\n")
	}
	printf("Update security.encryption_key before restarting the broker.\n")
	return nil
}

// keyRotator is implemented by both persistent backends.
type keyRotator interface {
	Rotate(ctx context.Context, oldEnv, newEnv *crypto.Envelope) (rotated, failed int, err error)
}

// rotatableStore unwraps the persistent tier as a key rotator.
func rotatableStore(eng *engine) (keyRotator, error) {
	persistent := eng.store
	if h, ok := persistent.(*tokenstore.Hierarchy); ok {
		persistent = h.Persistent()
	}
	r, ok := persistent.(keyRotator)
	if !ok {
		return nil, fmt.Errorf("backend %T does not support key rotation", persistent)
	}
	return r, nil
}

func runAdminCleanup(cmd *cobra.Command, _ []string) error {
	eng, err := buildEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	docs, err := docStore(eng)
	if err != nil {
		return err
	}

	removed, err := tokenstore.Cleanup(cmd.Context(), docs, flagMaxAge, time.Now())
	if err != nil {
		return err
	}
	printf("Removed %d stale record(s).\n", removed)
	return nil
}
