package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"

	"embedded-kvstore/pkg/kvdb"
)

// openBackupEngine binds a backup engine to the configured backup directory.
// The caller closes it.
func (s *session) openBackupEngine() (*kvdb.BackupEngine, error) {
	engine, err := kvdb.NewBackupEngine(s.db, s.cfg.Backup.BackupOptions())
	if err != nil {
		return nil, err
	}
	if err := engine.Init(s.cfg.Backup.Path); err != nil {
		engine.Close()
		return nil, err
	}
	return engine, nil
}

// withBackupEngine runs fn against a freshly bound engine.
func (s *session) withBackupEngine(fn func(*kvdb.BackupEngine) error) error {
	engine, err := s.openBackupEngine()
	if err != nil {
		return err
	}
	err = fn(engine)
	if closeErr := engine.Close(); err == nil {
		err = closeErr
	}
	return err
}

func parseBackupID(raw, usage string) (uint64, error) {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, usageError(usage + ": id must be a positive integer")
	}
	return id, nil
}

func handleBackupCreate(s *session, args []string) error {
	if err := expectArgs(args, 0, 0, "backup-create"); err != nil {
		return err
	}

	var info kvdb.BackupInfo
	start := time.Now()
	err := s.withBackupEngine(func(engine *kvdb.BackupEngine) error {
		var err error
		info, err = engine.Create()
		return err
	})
	if err != nil {
		return err
	}
	s.took += time.Since(start)
	s.logger.BackupEvent(s.ctx, "created", s.cfg.Backup.Path, info.ID, map[string]interface{}{
		"files":       info.NumFiles,
		"bytes":       info.Size,
		"compression": info.Compression,
	})

	if *jsonOutput {
		outputJSON(info)
	} else {
		fmt.Printf("OK: created backup %d (%d files, %s, %s)\n",
			info.ID, info.NumFiles, humanize.Bytes(uint64(info.Size)), info.Compression)
	}
	return nil
}

func handleBackupInfo(s *session, args []string) error {
	if err := expectArgs(args, 0, 0, "backup-info"); err != nil {
		return err
	}

	var infos []kvdb.BackupInfo
	err := s.withBackupEngine(func(engine *kvdb.BackupEngine) error {
		var err error
		infos, err = engine.Info()
		return err
	})
	if err != nil {
		return err
	}

	if *jsonOutput {
		outputJSON(map[string]interface{}{
			"path":    s.cfg.Backup.Path,
			"count":   len(infos),
			"backups": infos,
		})
		return nil
	}
	if len(infos) == 0 {
		fmt.Printf("No backups in %s\n", s.cfg.Backup.Path)
		return nil
	}
	fmt.Printf("%-6s  %-20s  %-10s  %-6s  %s\n", "ID", "CREATED", "SIZE", "FILES", "CODEC")
	for _, info := range infos {
		fmt.Printf("%-6d  %-20s  %-10s  %-6d  %s\n",
			info.ID,
			humanize.Time(info.Timestamp),
			humanize.Bytes(uint64(info.Size)),
			info.NumFiles,
			info.Compression)
	}
	return nil
}

func handleBackupPurge(s *session, args []string) error {
	const usage = "backup-purge [keep]"
	if err := expectArgs(args, 0, 1, usage); err != nil {
		return err
	}
	keep := s.cfg.Backup.Keep
	if len(args) == 1 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 0 {
			return usageError(usage + ": keep must be a non-negative integer")
		}
		keep = n
	}

	var remaining []kvdb.BackupInfo
	err := s.withBackupEngine(func(engine *kvdb.BackupEngine) error {
		if err := engine.PurgeOld(keep); err != nil {
			return err
		}
		var err error
		remaining, err = engine.Info()
		return err
	})
	if err != nil {
		return err
	}
	s.logger.BackupEvent(s.ctx, "purged", s.cfg.Backup.Path, 0, map[string]interface{}{
		"keep":      keep,
		"remaining": len(remaining),
	})

	if *jsonOutput {
		outputJSON(map[string]interface{}{
			"success":   true,
			"keep":      keep,
			"remaining": len(remaining),
		})
	} else {
		fmt.Printf("OK: %d backups retained\n", len(remaining))
	}
	return nil
}

func handleBackupVerify(s *session, args []string) error {
	const usage = "backup-verify <id>"
	if err := expectArgs(args, 1, 1, usage); err != nil {
		return err
	}
	id, err := parseBackupID(args[0], usage)
	if err != nil {
		return err
	}

	start := time.Now()
	err = s.withBackupEngine(func(engine *kvdb.BackupEngine) error {
		return engine.Verify(id)
	})
	s.took += time.Since(start)
	if err != nil {
		s.logger.BackupEvent(s.ctx, "verify_failed", s.cfg.Backup.Path, id, map[string]interface{}{
			"error": err.Error(),
		})
		return err
	}
	s.logger.BackupEvent(s.ctx, "verified", s.cfg.Backup.Path, id, nil)

	if *jsonOutput {
		outputJSON(map[string]interface{}{"success": true, "id": id})
	} else {
		fmt.Printf("OK: backup %d is intact\n", id)
	}
	return nil
}

func handleBackupRestore(s *session, args []string) error {
	const usage = "backup-restore <id> <dir>"
	if err := expectArgs(args, 2, 2, usage); err != nil {
		return err
	}
	id, err := parseBackupID(args[0], usage)
	if err != nil {
		return err
	}
	target := args[1]

	start := time.Now()
	err = s.withBackupEngine(func(engine *kvdb.BackupEngine) error {
		return engine.Restore(id, target)
	})
	if err != nil {
		return err
	}
	s.took += time.Since(start)
	s.logger.BackupEvent(s.ctx, "restored", s.cfg.Backup.Path, id, map[string]interface{}{
		"target": target,
	})

	if *jsonOutput {
		outputJSON(map[string]interface{}{"success": true, "id": id, "target": target})
	} else {
		fmt.Printf("OK: restored backup %d into %s\n", id, target)
	}
	return nil
}
