package main

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"embedded-kvstore/internal/monitoring"
	"embedded-kvstore/pkg/kvdb"
)

func handlePut(s *session, args []string) error {
	if err := expectArgs(args, 2, 2, "put <key> <value>"); err != nil {
		return err
	}
	key, value := args[0], args[1]

	err := s.timed("put", key, func() error {
		return s.db.Put([]byte(key), []byte(value), familyOptions()...)
	})
	if err != nil {
		return err
	}

	if *jsonOutput {
		outputJSON(map[string]interface{}{
			"success": true,
			"family":  familyName(),
			"key":     key,
		})
	} else {
		fmt.Printf("OK: stored %s (%s)\n", key, humanize.Bytes(uint64(len(value))))
	}
	return nil
}

func handleGet(s *session, args []string) error {
	if err := expectArgs(args, 1, 1, "get <key>"); err != nil {
		return err
	}
	key := args[0]

	var (
		value []byte
		found bool
	)
	err := s.timed("get", key, func() error {
		var err error
		value, found, err = s.db.Get([]byte(key), familyOptions()...)
		return err
	})
	if err != nil {
		return err
	}

	if *jsonOutput {
		data := map[string]interface{}{
			"family": familyName(),
			"key":    key,
			"found":  found,
		}
		if found {
			data["value"] = string(value)
		}
		outputJSON(data)
		return nil
	}
	if !found {
		fmt.Printf("Key not found: %s\n", key)
		return nil
	}
	fmt.Println(string(value))
	return nil
}

func handleDelete(s *session, args []string) error {
	if err := expectArgs(args, 1, 1, "delete <key>"); err != nil {
		return err
	}
	key := args[0]

	err := s.timed("delete", key, func() error {
		return s.db.Delete([]byte(key), familyOptions()...)
	})
	if err != nil {
		return err
	}

	if *jsonOutput {
		outputJSON(map[string]interface{}{"success": true, "key": key})
	} else {
		fmt.Printf("OK: deleted %s\n", key)
	}
	return nil
}

func handleMerge(s *session, args []string) error {
	if err := expectArgs(args, 2, 2, "merge <key> <operand>"); err != nil {
		return err
	}
	return s.merge(args[0], []byte(args[1]))
}

func handleMergeAdd(s *session, args []string) error {
	if err := expectArgs(args, 2, 2, "merge-add <key> <n>"); err != nil {
		return err
	}
	n, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return usageError("merge-add <key> <n>: n must be an unsigned integer")
	}
	return s.merge(args[0], kvdb.EncodeUint64(n))
}

func (s *session) merge(key string, operand []byte) error {
	err := s.timed("merge", key, func() error {
		return s.db.Merge([]byte(key), operand, familyOptions()...)
	})
	if err != nil {
		return err
	}

	if *jsonOutput {
		outputJSON(map[string]interface{}{"success": true, "key": key})
	} else {
		fmt.Printf("OK: merged into %s\n", key)
	}
	return nil
}

func handleKeys(s *session, args []string) error {
	if err := expectArgs(args, 0, 0, "keys"); err != nil {
		return err
	}

	var keys [][]byte
	err := s.timed("keys", "", func() error {
		var err error
		keys, err = s.db.Keys(familyOptions()...)
		return err
	})
	if err != nil {
		return err
	}

	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = string(k)
	}
	if *jsonOutput {
		outputJSON(map[string]interface{}{
			"family": familyName(),
			"count":  len(names),
			"keys":   names,
		})
		return nil
	}
	for _, name := range names {
		fmt.Println(name)
	}
	if *verbose {
		fmt.Printf("%s keys\n", humanize.Comma(int64(len(names))))
	}
	return nil
}

func handleScan(s *session, args []string) error {
	return s.scan(args, false)
}

func handleReverseScan(s *session, args []string) error {
	return s.scan(args, true)
}

// scan walks the family from an optional start key, at most limit pairs.
func (s *session) scan(args []string, reverse bool) error {
	usage := "scan [start] [limit]"
	if reverse {
		usage = "rscan [start] [limit]"
	}
	if err := expectArgs(args, 0, 2, usage); err != nil {
		return err
	}
	var start []byte
	if len(args) > 0 && args[0] != "" {
		start = []byte(args[0])
	}
	limit := 0
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil || n < 0 {
			return usageError(usage + ": limit must be a non-negative integer")
		}
		limit = n
	}

	var pairs []kvdb.KeyValue
	err := s.timed("scan", string(start), func() error {
		it, err := s.db.NewIterator(familyOptions()...)
		if err != nil {
			return err
		}
		defer it.Close()

		switch {
		case start == nil && reverse:
			err = it.SeekToLast()
		case start == nil:
			err = it.SeekToFirst()
		case reverse:
			err = it.SeekForPrev(start)
		default:
			err = it.Seek(start)
		}
		if err != nil {
			return err
		}

		step := it.Next
		if reverse {
			step = it.Prev
		}
		for limit == 0 || len(pairs) < limit {
			k, v, ok, err := step()
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			pairs = append(pairs, kvdb.KeyValue{Key: k, Value: v})
		}
		return nil
	})
	if err != nil {
		return err
	}

	if *jsonOutput {
		items := make([]map[string]string, len(pairs))
		for i, kv := range pairs {
			items[i] = map[string]string{"key": string(kv.Key), "value": string(kv.Value)}
		}
		outputJSON(map[string]interface{}{
			"family":  familyName(),
			"reverse": reverse,
			"count":   len(items),
			"items":   items,
		})
		return nil
	}
	for _, kv := range pairs {
		fmt.Printf("%s = %s\n", kv.Key, kv.Value)
	}
	return nil
}

func handleListFamilies(s *session, args []string) error {
	if err := expectArgs(args, 0, 0, "cf-list"); err != nil {
		return err
	}
	names, err := kvdb.ListColumnFamilies(s.cfg.Storage.DataPath)
	if err != nil {
		return err
	}

	if *jsonOutput {
		outputJSON(map[string]interface{}{
			"path":            s.cfg.Storage.DataPath,
			"column_families": names,
		})
		return nil
	}
	for _, name := range names {
		fmt.Println(name)
	}
	return nil
}

func handleCreateFamily(s *session, args []string) error {
	if err := expectArgs(args, 1, 2, "cf-create <name> [merge-operator]"); err != nil {
		return err
	}
	name := args[0]

	var opts []kvdb.FamilyOption
	if len(args) == 2 {
		op, ok := kvdb.LookupMergeOperator(args[1])
		if !ok {
			return usageError(fmt.Sprintf("cf-create: unknown merge operator %q", args[1]))
		}
		opts = append(opts, kvdb.WithMergeOperator(op))
	}

	err := s.timed("create column family", name, func() error {
		_, err := s.db.CreateColumnFamily(name, opts...)
		return err
	})
	if err != nil {
		return err
	}

	if *jsonOutput {
		outputJSON(map[string]interface{}{"success": true, "column_family": name})
	} else {
		fmt.Printf("OK: created column family %s\n", name)
	}
	return nil
}

func handleDropFamily(s *session, args []string) error {
	if err := expectArgs(args, 1, 1, "cf-drop <name>"); err != nil {
		return err
	}
	name := args[0]

	err := s.timed("drop column family", name, func() error {
		return s.db.DropColumnFamily(name)
	})
	if err != nil {
		return err
	}

	if *jsonOutput {
		outputJSON(map[string]interface{}{"success": true, "column_family": name})
	} else {
		fmt.Printf("OK: dropped column family %s\n", name)
	}
	return nil
}

func handleProperty(s *session, args []string) error {
	if err := expectArgs(args, 1, 1, "property <name>"); err != nil {
		return err
	}
	name := args[0]

	var (
		value string
		ok    bool
	)
	err := s.timed("get property", name, func() error {
		var err error
		value, ok, err = s.db.GetProperty(name, familyOptions()...)
		return err
	})
	if err != nil {
		return err
	}

	if *jsonOutput {
		data := map[string]interface{}{"property": name, "known": ok}
		if ok {
			data["value"] = value
		}
		outputJSON(data)
		return nil
	}
	if !ok {
		fmt.Printf("Unknown property: %s\n", name)
		return nil
	}
	fmt.Println(strings.TrimRight(value, "\n"))
	return nil
}

func handleStats(s *session, args []string) error {
	if err := expectArgs(args, 0, 0, "stats"); err != nil {
		return err
	}

	names := []string{
		"rocksdb.estimate-num-keys",
		"rocksdb.estimate-live-data-size",
		"rocksdb.total-sst-files-size",
		"kvdb.vlog-size",
	}
	values := make(map[string]int64, len(names))
	for _, name := range names {
		raw, _, err := s.db.GetProperty(name, familyOptions()...)
		if err != nil {
			return err
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("property %s: %w", name, err)
		}
		values[name] = n
	}
	counters, _, err := s.db.GetProperty("kvdb.stats")
	if err != nil {
		return err
	}

	if *jsonOutput {
		outputJSON(map[string]interface{}{
			"family":          familyName(),
			"keys":            values["rocksdb.estimate-num-keys"],
			"live_data_bytes": values["rocksdb.estimate-live-data-size"],
			"lsm_bytes":       values["rocksdb.total-sst-files-size"],
			"vlog_bytes":      values["kvdb.vlog-size"],
			"counters":        parseCounters(counters),
		})
		return nil
	}

	fmt.Printf("Family: %s\n", familyName())
	fmt.Printf("Keys: %s\n", humanize.Comma(values["rocksdb.estimate-num-keys"]))
	fmt.Printf("Live data: %s\n", humanize.Bytes(uint64(values["rocksdb.estimate-live-data-size"])))
	fmt.Printf("LSM size: %s\n", humanize.Bytes(uint64(values["rocksdb.total-sst-files-size"])))
	fmt.Printf("Value log size: %s\n", humanize.Bytes(uint64(values["kvdb.vlog-size"])))
	if *verbose {
		fmt.Println("\nCounters:")
		for _, line := range strings.Split(strings.TrimSpace(counters), "\n") {
			fmt.Printf("  %s\n", line)
		}
	}
	return nil
}

// parseCounters reads the "name value" lines of kvdb.stats.
func parseCounters(raw string) map[string]int64 {
	out := make(map[string]int64)
	for _, line := range strings.Split(raw, "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		if n, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
			out[fields[0]] = n
		}
	}
	return out
}

func handleFlush(s *session, args []string) error {
	if err := expectArgs(args, 0, 0, "flush"); err != nil {
		return err
	}
	err := s.timed("flush", "", func() error {
		return s.db.Flush(familyOptions()...)
	})
	if err != nil {
		return err
	}

	if *jsonOutput {
		outputJSON(map[string]interface{}{"success": true})
	} else {
		fmt.Println("OK: flushed")
	}
	return nil
}

func handleRepair(s *session, args []string) error {
	if err := expectArgs(args, 0, 0, "repair"); err != nil {
		return err
	}
	path := s.cfg.Storage.DataPath

	start := time.Now()
	if err := kvdb.Repair(path); err != nil {
		return err
	}
	s.logger.WithContext(s.ctx).Info("Database repaired", "path", path, "duration", time.Since(start))

	if *jsonOutput {
		outputJSON(map[string]interface{}{"success": true, "path": path})
	} else {
		fmt.Printf("OK: repaired %s\n", path)
	}
	return nil
}

func handleHealth(s *session, args []string) error {
	if err := expectArgs(args, 0, 0, "health"); err != nil {
		return err
	}

	hm := monitoring.NewHealthManager()
	hm.RegisterChecker(&monitoring.ProbeChecker{
		CheckName: "database",
		Critical:  true,
		SlowAfter: time.Second,
		Probe: func(ctx context.Context) (map[string]interface{}, error) {
			keys, _, err := s.db.GetProperty("rocksdb.estimate-num-keys")
			if err != nil {
				return nil, err
			}
			families, err := s.db.ColumnFamilies()
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{
				"path":            s.db.Path(),
				"keys":            keys,
				"column_families": len(families),
			}, nil
		},
	})
	hm.RegisterChecker(&monitoring.ProbeChecker{
		CheckName: "backups",
		Probe: func(ctx context.Context) (map[string]interface{}, error) {
			engine, err := s.openBackupEngine()
			if err != nil {
				return nil, err
			}
			defer engine.Close()
			infos, err := engine.Info()
			if err != nil {
				return nil, err
			}
			details := map[string]interface{}{"path": s.cfg.Backup.Path, "count": len(infos)}
			if len(infos) > 0 {
				details["latest"] = infos[len(infos)-1].Timestamp
			}
			return details, nil
		},
	})
	hm.RegisterChecker(monitoring.NewMemoryHealthChecker(0))

	health := hm.CheckHealth(s.ctx)

	if *jsonOutput {
		outputJSON(health)
	} else {
		fmt.Printf("Status: %s\n", health.Status)
		names := make([]string, 0, len(health.Checks))
		for name := range health.Checks {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			check := health.Checks[name]
			fmt.Printf("  %-10s %-10s %s\n", name, check.Status, check.Message)
		}
		if *verbose {
			fmt.Printf("%s %s/%s, %d goroutines, %s allocated\n",
				health.System.GoVersion, health.System.OS, health.System.Arch,
				health.System.NumGoroutine, humanize.IBytes(health.System.MemoryMB<<20))
		}
	}
	if health.Status == monitoring.HealthStatusUnhealthy {
		return fmt.Errorf("health check failed")
	}
	return nil
}
