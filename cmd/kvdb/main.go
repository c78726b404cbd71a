package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/victorstewart/kvdb/pkg/health"
	"github.com/victorstewart/kvdb/pkg/kvdb"
	"github.com/victorstewart/kvdb/pkg/kvsdir"
	"github.com/victorstewart/kvdb/pkg/log"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "kvdb",
	Short: "kvdb - an embedded multi-KVS database engine",
	Long: `kvdb is a command-line front end for an embedded, multi-KVS
key-value database with MVCC reads, ordered cursor iteration, and
rate-limited ingest.

Every subcommand opens the database at --home for the duration of the
call; there is no long-running server process.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"kvdb version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("home", "./kvdb-data", "Database home directory")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(kvsCmd)
	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(delCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(compactCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func homeDir(cmd *cobra.Command) string {
	home, _ := cmd.Flags().GetString("home")
	return home
}

// openDB opens the database at --home with default runtime config. The
// caller is responsible for calling Close.
func openDB(cmd *cobra.Command) (*kvdb.DB, error) {
	home := homeDir(cmd)
	if _, err := os.Stat(home); os.IsNotExist(err) {
		if err := kvdb.Create(home); err != nil {
			return nil, fmt.Errorf("create database: %w", err)
		}
	}
	return kvdb.Open(home, kvdb.DefaultConfig())
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new database home directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		home := homeDir(cmd)
		if err := kvdb.Create(home); err != nil {
			return fmt.Errorf("failed to create database: %w", err)
		}
		fmt.Printf("database created at %s\n", home)
		return nil
	},
}

var kvsCmd = &cobra.Command{
	Use:   "kvs",
	Short: "Manage key-value stores within a database",
}

var kvsCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a new key-value store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prefixLen, _ := cmd.Flags().GetInt("prefix-len")

		db, err := openDB(cmd)
		if err != nil {
			return err
		}
		defer db.Close()

		err = db.CreateKVS(args[0], kvsdir.CreateParams{PrefixLen: prefixLen})
		if err != nil {
			return fmt.Errorf("failed to create kvs: %w", err)
		}
		fmt.Printf("kvs created: %s\n", args[0])
		return nil
	},
}

var kvsDropCmd = &cobra.Command{
	Use:   "drop NAME",
	Short: "Drop a key-value store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB(cmd)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.DropKVS(args[0]); err != nil {
			return fmt.Errorf("failed to drop kvs: %w", err)
		}
		fmt.Printf("kvs dropped: %s\n", args[0])
		return nil
	},
}

var kvsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List key-value stores",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB(cmd)
		if err != nil {
			return err
		}
		defer db.Close()

		names := db.KVSNames()
		if len(names) == 0 {
			fmt.Println("no key-value stores")
			return nil
		}
		for _, n := range names {
			fmt.Println(n)
		}
		return nil
	},
}

func init() {
	kvsCreateCmd.Flags().Int("prefix-len", 0, "prefix length for prefix-delete support (0 disables it)")
	kvsCmd.AddCommand(kvsCreateCmd, kvsDropCmd, kvsListCmd)
}

var putCmd = &cobra.Command{
	Use:   "put KVS KEY VALUE",
	Short: "Put a key/value pair",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB(cmd)
		if err != nil {
			return err
		}
		defer db.Close()

		kvs, err := db.OpenKVS(args[0], kvsdir.RuntimeParams{})
		if err != nil {
			return fmt.Errorf("failed to open kvs: %w", err)
		}
		defer kvs.Close()

		if err := kvs.Put(nil, []byte(args[1]), []byte(args[2]), 0); err != nil {
			return fmt.Errorf("put failed: %w", err)
		}
		fmt.Println("ok")
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get KVS KEY",
	Short: "Get a value by key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB(cmd)
		if err != nil {
			return err
		}
		defer db.Close()

		kvs, err := db.OpenKVS(args[0], kvsdir.RuntimeParams{})
		if err != nil {
			return fmt.Errorf("failed to open kvs: %w", err)
		}
		defer kvs.Close()

		value, found, err := kvs.Get(nil, []byte(args[1]))
		if err != nil {
			return fmt.Errorf("get failed: %w", err)
		}
		if !found {
			fmt.Println("(not found)")
			return nil
		}
		fmt.Println(string(value))
		return nil
	},
}

var delCmd = &cobra.Command{
	Use:   "del KVS KEY",
	Short: "Delete a key, or a prefix with --prefix",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		asPrefix, _ := cmd.Flags().GetBool("prefix")

		db, err := openDB(cmd)
		if err != nil {
			return err
		}
		defer db.Close()

		kvs, err := db.OpenKVS(args[0], kvsdir.RuntimeParams{})
		if err != nil {
			return fmt.Errorf("failed to open kvs: %w", err)
		}
		defer kvs.Close()

		if asPrefix {
			n, err := kvs.PrefixDel(nil, []byte(args[1]), 0)
			if err != nil {
				return fmt.Errorf("prefix-del failed: %w", err)
			}
			fmt.Printf("ok (prefix length %d)\n", n)
			return nil
		}

		if err := kvs.Del(nil, []byte(args[1]), 0); err != nil {
			return fmt.Errorf("del failed: %w", err)
		}
		fmt.Println("ok")
		return nil
	},
}

func init() {
	delCmd.Flags().Bool("prefix", false, "treat KEY as a prefix and delete every key under it")
}

var scanCmd = &cobra.Command{
	Use:   "scan KVS [PREFIX]",
	Short: "Iterate keys in a key-value store, optionally under a prefix",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		reverse, _ := cmd.Flags().GetBool("reverse")
		limit, _ := cmd.Flags().GetInt("limit")

		db, err := openDB(cmd)
		if err != nil {
			return err
		}
		defer db.Close()

		kvs, err := db.OpenKVS(args[0], kvsdir.RuntimeParams{})
		if err != nil {
			return fmt.Errorf("failed to open kvs: %w", err)
		}
		defer kvs.Close()

		var prefix []byte
		if len(args) == 2 {
			prefix = []byte(args[1])
		}

		var flags kvdb.CursorFlag
		if reverse {
			flags |= kvdb.FlagReverse
		}

		cur, err := kvs.NewCursor(nil, prefix, flags)
		if err != nil {
			return fmt.Errorf("failed to create cursor: %w", err)
		}
		defer cur.Destroy()

		count := 0
		for limit <= 0 || count < limit {
			key, value, eof, err := cur.Read()
			if err != nil {
				return fmt.Errorf("cursor read failed: %w", err)
			}
			if eof {
				break
			}
			fmt.Printf("%s\t%s\n", key, value)
			count++
		}
		return nil
	},
}

func init() {
	scanCmd.Flags().Bool("reverse", false, "iterate in descending key order")
	scanCmd.Flags().Int("limit", 0, "maximum number of entries to print (0 = unlimited)")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show database health, horizon, and storage info",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB(cmd)
		if err != nil {
			return err
		}
		defer db.Close()

		info := db.StorageInfo()
		fmt.Printf("capacity path:   %s\n", info.CapacityPath)
		fmt.Printf("capacity used:   %d bytes\n", info.CapacityUsed)
		fmt.Printf("kvs count:       %d\n", db.KVSCount())
		fmt.Printf("horizon:         %d\n", db.Horizon())
		fmt.Printf("health flags:    %s\n", formatHealth(db.Health().Bits()))

		status := db.CompactStatus()
		fmt.Printf("compaction:      active=%v\n", status.Active)
		return nil
	},
}

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Request storage compaction",
	RunE: func(cmd *cobra.Command, args []string) error {
		full, _ := cmd.Flags().GetBool("full")

		db, err := openDB(cmd)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.Compact(full); err != nil {
			return fmt.Errorf("compact failed: %w", err)
		}
		fmt.Println("compaction requested")
		return nil
	},
}

func init() {
	compactCmd.Flags().Bool("full", false, "request a full compaction (the reference engine runs a full pass either way)")
}

var allHealthFlags = []health.Flag{
	health.FlagIO,
	health.FlagOOM,
	health.FlagCorruption,
	health.FlagDeleteBlock,
	health.FlagReadOnly,
}

func formatHealth(bits health.Flag) string {
	if bits == 0 {
		return "none"
	}
	var names []string
	for _, f := range allHealthFlags {
		if bits&f != 0 {
			names = append(names, f.String())
		}
	}
	return strings.Join(names, ",")
}
