// Command driftdb is the admin CLI for a drift data directory: inspect and
// mutate keys, take snapshots, and dump the write-ahead log.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/driftdb/drift"
	"github.com/driftdb/drift/internal/config"
	"github.com/driftdb/drift/internal/logx"
	"github.com/driftdb/drift/internal/wal"
)

var (
	flagDataDir  string
	flagLogLevel string
	flagLogFile  string
	flagJSON     bool
)

func main() {
	root := &cobra.Command{
		Use:   "driftdb",
		Short: "drift embedded database admin tool",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cfg := logx.Config{Level: logx.Level(flagLogLevel), JSONOutput: flagJSON}
			if flagLogFile != "" {
				cfg.Output = &lumberjack.Logger{
					Filename:   flagLogFile,
					MaxSize:    50, // MB
					MaxBackups: 3,
				}
				cfg.JSONOutput = true
			}
			logx.Init(cfg)
		},
	}

	root.PersistentFlags().StringVar(&flagDataDir, "data-dir", "./data", "data directory")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level (debug|info|warn|error)")
	root.PersistentFlags().StringVar(&flagLogFile, "log-file", "", "write logs to a rotating file instead of stderr")
	root.PersistentFlags().BoolVar(&flagJSON, "log-json", false, "log in JSON")

	root.AddCommand(
		putCmd(),
		getCmd(),
		delCmd(),
		scanCmd(),
		statsCmd(),
		snapshotCmd(),
		walDumpCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openDB() (*drift.DB, error) {
	cfg := config.Defaults()
	cfg.ApplyEnv()
	cfg.DataDir = flagDataDir
	return drift.Open(cfg)
}

func putCmd() *cobra.Command {
	var ttl uint64
	cmd := &cobra.Command{
		Use:   "put <key> <value>",
		Short: "Store a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			if ttl > 0 {
				return db.PutWithTTL(args[0], []byte(args[1]), ttl)
			}
			return db.Put([]byte(args[0]), []byte(args[1]))
		},
	}
	cmd.Flags().Uint64Var(&ttl, "ttl", 0, "expiry in seconds (0 = never)")
	return cmd
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Read a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			v, err := db.Get([]byte(args[0]))
			if err != nil {
				return err
			}
			fmt.Println(string(v))
			return nil
		},
	}
}

func delCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "del <key>",
		Short: "Delete a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			return db.Delete([]byte(args[0]))
		},
	}
}

func scanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan [prefix]",
		Short: "List keys under a prefix in order",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			prefix := ""
			if len(args) == 1 {
				prefix = args[0]
			}
			for _, kv := range db.ScanPrefix(prefix) {
				fmt.Printf("%s\t%s\n", kv.Key, kv.Value)
			}
			return nil
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print storage and pool statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			out := map[string]any{
				"entries": db.Len(),
				"index":   db.Stats(),
				"pool":    db.Sessions().Stats(),
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}

func snapshotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Write snapshot.json from the live index",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			return db.Snapshot()
		},
	}
}

func walDumpCmd() *cobra.Command {
	var fromLSN uint64
	cmd := &cobra.Command{
		Use:   "wal-dump",
		Short: "Print WAL records in LSN order",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := wal.Open(wal.Options{Dir: filepath.Join(flagDataDir, "wal")})
			if err != nil {
				return err
			}
			defer m.Close()

			records, err := m.ReadFrom(wal.LSN(fromLSN))
			if err != nil {
				return err
			}
			for _, r := range records {
				fmt.Printf("%d\t%s\ttxn=%d\tkey=%s\n", r.LSN, r.Type, r.TxnID, r.Key)
			}
			return nil
		},
	}
	cmd.Flags().Uint64Var(&fromLSN, "from", 0, "start LSN")
	return cmd
}
