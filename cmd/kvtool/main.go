package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"embedded-kvstore/internal/config"
	"embedded-kvstore/internal/logging"
	"embedded-kvstore/pkg/kvdb"
)

var (
	configPath = flag.String("config", "", "Path to a YAML config file")
	dbPath     = flag.String("db", "", "Database directory (overrides storage.data_path)")
	family     = flag.String("cf", "", "Column family (default family when empty)")
	verbose    = flag.Bool("v", false, "Verbose output")
	jsonOutput = flag.Bool("json", false, "Output in JSON format")
)

// session is the state shared by every command of one invocation.
type session struct {
	ctx    context.Context
	cfg    *config.Config
	logger *logging.Logger
	db     *kvdb.DB
	took   time.Duration
}

type handler func(s *session, args []string) error

// Commands that work on a directory without opening it.
var staticCommands = map[string]handler{
	"cf-list": handleListFamilies,
	"repair":  handleRepair,
}

var commands = map[string]handler{
	"put":            handlePut,
	"get":            handleGet,
	"delete":         handleDelete,
	"del":            handleDelete,
	"merge":          handleMerge,
	"merge-add":      handleMergeAdd,
	"keys":           handleKeys,
	"scan":           handleScan,
	"rscan":          handleReverseScan,
	"cf-create":      handleCreateFamily,
	"cf-drop":        handleDropFamily,
	"property":       handleProperty,
	"stats":          handleStats,
	"flush":          handleFlush,
	"health":         handleHealth,
	"backup-create":  handleBackupCreate,
	"backup-info":    handleBackupInfo,
	"backup-purge":   handleBackupPurge,
	"backup-verify":  handleBackupVerify,
	"backup-restore": handleBackupRestore,
}

func main() {
	os.Exit(run())
}

func run() int {
	flag.Usage = printUsage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		return 2
	}
	command := args[0]

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return 1
	}
	if *dbPath != "" {
		cfg.Storage.DataPath = *dbPath
	}

	logger := newCommandLogger(cfg)
	ctx := logging.CreateContextWithIDs(context.Background(), logging.GenerateInvocationID(), command)
	s := &session{ctx: ctx, cfg: cfg, logger: logger}

	if h, ok := staticCommands[command]; ok {
		return finish(s, h(s, args[1:]))
	}

	h, ok := commands[command]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		return 2
	}

	opts := cfg.Storage.KVDBOptions()
	opts.Logger = logger.Library()
	db, err := kvdb.Open(cfg.Storage.DataPath, opts)
	if err != nil {
		return finish(s, err)
	}
	s.db = db

	err = h(s, args[1:])
	if closeErr := db.Close(); err == nil {
		err = closeErr
	}
	return finish(s, err)
}

// newCommandLogger keeps stdout free for results when -json is set.
func newCommandLogger(cfg *config.Config) *logging.Logger {
	if *jsonOutput && cfg.Logging.Output == "stdout" {
		return logging.NewLoggerWithWriter(&cfg.Logging, os.Stderr)
	}
	return logging.NewLogger(&cfg.Logging)
}

// finish reports err and maps it to the exit status.
func finish(s *session, err error) int {
	if err == nil {
		if *verbose && !*jsonOutput && s.took > 0 {
			fmt.Printf("(took %v)\n", s.took)
		}
		return 0
	}

	var usage usageError
	if errors.As(err, &usage) {
		fmt.Fprintf(os.Stderr, "Usage: %s\n", usage)
		return 2
	}

	code := kvdb.CodeOf(err).String()
	s.logger.WithContext(s.ctx).WithError(err).WithField("code", code).Error("Command failed")
	if *jsonOutput {
		outputJSON(map[string]interface{}{
			"success":       false,
			"code":          code,
			"error":         err.Error(),
			"command":       logging.ExtractCommand(s.ctx),
			"invocation_id": logging.ExtractInvocationID(s.ctx),
		})
	} else {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return 1
}

type usageError string

func (u usageError) Error() string { return string(u) }

// expectArgs checks the argument count; a negative most means unbounded.
func expectArgs(args []string, least, most int, usage string) error {
	if len(args) < least || (most >= 0 && len(args) > most) {
		return usageError(usage)
	}
	return nil
}

// familyOptions targets the -cf family, if any.
func familyOptions() []kvdb.Option {
	if *family == "" {
		return nil
	}
	return []kvdb.Option{kvdb.InFamily(*family)}
}

func familyName() string {
	if *family == "" {
		return kvdb.DefaultFamily
	}
	return *family
}

// timed runs fn and logs it as a database operation.
func (s *session) timed(operation, key string, fn func() error) error {
	start := time.Now()
	err := fn()
	duration := time.Since(start)
	s.took += duration
	s.logger.DatabaseOperation(s.ctx, operation, familyName(), key, duration, err)
	return err
}

func outputJSON(data interface{}) {
	output, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error formatting JSON: %v\n", err)
		return
	}
	fmt.Println(string(output))
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `kvtool - embedded key-value database maintenance CLI

Usage:
  %[1]s [options] <command> [args...]

Options:
  -config string
        YAML config file (environment variables KV_* override it)
  -db string
        Database directory (overrides storage.data_path)
  -cf string
        Column family for key-value commands (default family when empty)
  -v    Verbose output
  -json Output in JSON format

Key-value commands:
  put <key> <value>          Store a value
  get <key>                  Read a value
  delete <key>               Remove a key
  merge <key> <operand>      Apply the family's merge operator
  merge-add <key> <n>        Merge an unsigned integer into a uint64add family
  keys                       List every key in order
  scan [start] [limit]       Print pairs from start forwards
  rscan [start] [limit]      Print pairs from start backwards

Column family commands:
  cf-list                    List families stored in the directory
  cf-create <name> [merge]   Create a family, optionally with a merge operator
  cf-drop <name>             Drop a family and its data

Maintenance commands:
  property <name>            Print an engine property
  stats                      Print sizes and operation counters
  flush                      Persist buffered writes
  repair                     Replay logs and verify checksums (database closed)
  health                     Run health checks

Backup commands:
  backup-create              Write a new full backup
  backup-info                List retained backups
  backup-purge [keep]        Keep only the newest backups (default backup.keep)
  backup-verify <id>         Check every chunk of a backup
  backup-restore <id> <dir>  Replace dir with the contents of a backup

Examples:
  %[1]s -db ./data put user:1 alice
  %[1]s -db ./data -cf counters merge-add hits 1
  %[1]s -db ./data -json backup-info
  %[1]s -config kvtool.yaml backup-restore 3 ./restored
`, os.Args[0])
}
