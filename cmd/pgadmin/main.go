package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/emberforge/invsync/config"
	"github.com/emberforge/invsync/store"
)

const (
	commandInit   = "init"
	commandVerify = "verify"
	commandReset  = "reset"
	commandStatus = "status"
	commandPlayer = "player"
)

// Schema constants - MUST be kept in sync with store.InitSchema().
// When adding new tables or indexes, update both InitSchema() and these
// constants.
const (
	tableSnapshots = "invsync_snapshots"
	dropSchemaSQL  = `
		DROP TABLE IF EXISTS invsync_snapshots CASCADE;
	`
)

var (
	// Tables to manage
	tables = []string{tableSnapshots}

	// Indexes per table
	indexes = map[string][]string{
		tableSnapshots: {"idx_invsync_snapshots_updated_at"},
	}
)

func main() {
	var (
		configFile = flag.String("config", "", "Path to YAML configuration file")
		host       = flag.String("host", "localhost", "PostgreSQL host")
		port       = flag.Int("port", 5432, "PostgreSQL port")
		user       = flag.String("user", "invsync", "PostgreSQL user")
		password   = flag.String("password", "invsync", "PostgreSQL password")
		database   = flag.String("database", "invsync", "PostgreSQL database")
		sslmode    = flag.String("sslmode", "disable", "PostgreSQL SSL mode")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <command>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "PostgreSQL management tool for the inventory snapshot store.\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  init         Initialize the snapshot schema (create table and indexes)\n")
		fmt.Fprintf(os.Stderr, "  verify       Verify database connection and schema\n")
		fmt.Fprintf(os.Stderr, "  reset        Drop and recreate the schema (WARNING: deletes all data)\n")
		fmt.Fprintf(os.Stderr, "  status       Show database status and statistics\n")
		fmt.Fprintf(os.Stderr, "  player <id>  Dump the stored snapshots for one player\n")
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  # Initialize schema using config file\n")
		fmt.Fprintf(os.Stderr, "  %s --config config.yml init\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  # Initialize schema using flags\n")
		fmt.Fprintf(os.Stderr, "  %s --host localhost --user invsync --password invsync --database invsync init\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  # Inspect a player\n")
		fmt.Fprintf(os.Stderr, "  %s --config config.yml player 5f3a9c\n\n", os.Args[0])
	}

	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "Error: command required\n\n")
		flag.Usage()
		os.Exit(1)
	}

	command := flag.Arg(0)
	switch command {
	case commandInit, commandVerify, commandReset, commandStatus:
		if flag.NArg() != 1 {
			fmt.Fprintf(os.Stderr, "Error: command '%s' takes no arguments\n\n", command)
			flag.Usage()
			os.Exit(1)
		}
	case commandPlayer:
		if flag.NArg() != 2 {
			fmt.Fprintf(os.Stderr, "Error: command 'player' requires a player id\n\n")
			flag.Usage()
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n\n", command)
		flag.Usage()
		os.Exit(1)
	}

	// Load configuration
	var storeConfig *store.Config
	if *configFile != "" {
		cfg, err := config.LoadConfig(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config file: %v\n", err)
			os.Exit(1)
		}
		storeConfig = &store.Config{
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			Database: cfg.Postgres.Database,
			SSLMode:  cfg.Postgres.SSLMode,
		}
		// Apply defaults if not set in config
		if storeConfig.Host == "" {
			storeConfig.Host = "localhost"
		}
		if storeConfig.Port == 0 {
			storeConfig.Port = 5432
		}
		if storeConfig.User == "" {
			storeConfig.User = "invsync"
		}
		if storeConfig.Database == "" {
			storeConfig.Database = "invsync"
		}
		if storeConfig.SSLMode == "" {
			storeConfig.SSLMode = "disable"
		}
	} else {
		storeConfig = &store.Config{
			Host:     *host,
			Port:     *port,
			User:     *user,
			Password: *password,
			Database: *database,
			SSLMode:  *sslmode,
		}
	}

	// Execute command
	ctx := context.Background()
	if err := executeCommand(ctx, command, flag.Args()[1:], storeConfig); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func executeCommand(ctx context.Context, command string, args []string, config *store.Config) error {
	switch command {
	case commandInit:
		return initSchema(ctx, config)
	case commandVerify:
		return verifyDatabase(ctx, config)
	case commandReset:
		return resetSchemaWithInput(ctx, config, os.Stdin)
	case commandStatus:
		return showStatus(ctx, config)
	case commandPlayer:
		return showPlayer(ctx, config, args[0])
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func initSchema(ctx context.Context, config *store.Config) error {
	fmt.Println("Initializing snapshot store schema...")
	fmt.Printf("  Host: %s:%d\n", config.Host, config.Port)
	fmt.Printf("  Database: %s\n", config.Database)
	fmt.Printf("  User: %s\n", config.User)

	s, err := store.New(config)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer s.Close()

	// Test connection
	if err := s.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	fmt.Println("✓ Connected to database")

	// Initialize schema
	if err := s.InitSchema(ctx); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	fmt.Println("✓ Schema initialized successfully")

	// Verify tables were created
	for _, table := range tables {
		exists, err := tableExists(ctx, s, table)
		if err != nil {
			return fmt.Errorf("failed to verify table %s: %w", table, err)
		}
		if exists {
			fmt.Printf("✓ Table '%s' created\n", table)
		} else {
			return fmt.Errorf("table '%s' was not created", table)
		}
	}

	fmt.Println("\nSnapshot store schema initialized successfully!")
	return nil
}

func verifyDatabase(ctx context.Context, config *store.Config) error {
	fmt.Println("Verifying snapshot store...")
	fmt.Printf("  Host: %s:%d\n", config.Host, config.Port)
	fmt.Printf("  Database: %s\n", config.Database)

	s, err := store.New(config)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer s.Close()

	// Test connection
	if err := s.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	fmt.Println("✓ Connection successful")

	// Check tables
	allTablesExist := true
	for _, table := range tables {
		exists, err := tableExists(ctx, s, table)
		if err != nil {
			return fmt.Errorf("failed to check table %s: %w", table, err)
		}
		if exists {
			fmt.Printf("✓ Table '%s' exists\n", table)
		} else {
			fmt.Printf("✗ Table '%s' does not exist\n", table)
			allTablesExist = false
		}
	}

	if !allTablesExist {
		fmt.Println("\nSchema is incomplete. Run 'init' command to create tables.")
		return fmt.Errorf("schema verification failed")
	}

	// Check indexes
	for table, idxList := range indexes {
		for _, idx := range idxList {
			exists, err := indexExists(ctx, s, table, idx)
			if err != nil {
				return fmt.Errorf("failed to check index %s: %w", idx, err)
			}
			if exists {
				fmt.Printf("✓ Index '%s' exists\n", idx)
			} else {
				fmt.Printf("✗ Index '%s' does not exist\n", idx)
			}
		}
	}

	fmt.Println("\nSnapshot store verification complete!")
	return nil
}

// resetSchemaWithInput drops and recreates the schema after reading a
// confirmation from in. Tests feed it a canned reader.
func resetSchemaWithInput(ctx context.Context, config *store.Config, in io.Reader) error {
	fmt.Println("WARNING: This will delete all stored inventory snapshots!")
	fmt.Print("Are you sure you want to continue? (yes/no): ")

	scanner := bufio.NewScanner(in)
	if !scanner.Scan() {
		return fmt.Errorf("failed to read input")
	}
	response := strings.ToLower(strings.TrimSpace(scanner.Text()))

	if response != "yes" {
		fmt.Println("Operation cancelled.")
		return nil
	}

	fmt.Println("\nResetting snapshot store schema...")
	fmt.Printf("  Host: %s:%d\n", config.Host, config.Port)
	fmt.Printf("  Database: %s\n", config.Database)

	s, err := store.New(config)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer s.Close()

	// Test connection
	if err := s.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Drop tables
	_, err = s.Connection().ExecContext(ctx, dropSchemaSQL)
	if err != nil {
		return fmt.Errorf("failed to drop tables: %w", err)
	}
	fmt.Println("✓ Dropped existing tables")

	// Reinitialize schema
	if err := s.InitSchema(ctx); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	fmt.Println("✓ Schema recreated successfully")

	fmt.Println("\nSnapshot store reset complete!")
	return nil
}

func showStatus(ctx context.Context, config *store.Config) error {
	fmt.Println("Snapshot Store Status")
	fmt.Println("=====================")
	fmt.Printf("Host:     %s:%d\n", config.Host, config.Port)
	fmt.Printf("Database: %s\n", config.Database)
	fmt.Printf("User:     %s\n", config.User)
	fmt.Println()

	s, err := store.New(config)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer s.Close()

	// Test connection
	start := time.Now()
	if err := s.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	latency := time.Since(start)
	fmt.Printf("Connection: ✓ (latency: %v)\n", latency)

	// Get version
	var version string
	err = s.Connection().QueryRowContext(ctx, "SELECT version()").Scan(&version)
	if err != nil {
		return fmt.Errorf("failed to get version: %w", err)
	}
	// Truncate version string if too long
	if len(version) > 80 {
		version = version[:77] + "..."
	}
	fmt.Printf("Version:    %s\n\n", version)

	// Check tables and row counts
	fmt.Println("Tables:")
	fmt.Println("-------")

	for _, table := range tables {
		exists, err := tableExists(ctx, s, table)
		if err != nil {
			return fmt.Errorf("failed to check table %s: %w", table, err)
		}

		if !exists {
			fmt.Printf("  %s: ✗ (does not exist)\n", table)
			continue
		}

		// Validate table name is in whitelist before using in query
		if !isValidTableName(table) {
			fmt.Printf("  %s: ✗ (invalid table name)\n", table)
			continue
		}
		var count int64
		query := fmt.Sprintf("SELECT COUNT(*) FROM %s", table)
		err = s.Connection().QueryRowContext(ctx, query).Scan(&count)
		if err != nil {
			fmt.Printf("  %s: ✓ (exists, unable to count rows)\n", table)
		} else {
			fmt.Printf("  %s: ✓ (%d rows)\n", table, count)
		}
	}

	// How many distinct players have stored inventory
	var players int64
	err = s.Connection().QueryRowContext(ctx,
		"SELECT COUNT(DISTINCT player_id) FROM invsync_snapshots").Scan(&players)
	if err == nil {
		fmt.Printf("\nPlayers with snapshots: %d\n", players)
	}

	// Get database size
	var dbSize string
	err = s.Connection().QueryRowContext(ctx,
		"SELECT pg_size_pretty(pg_database_size($1))", config.Database).Scan(&dbSize)
	if err == nil {
		fmt.Printf("Database Size: %s\n", dbSize)
	}

	return nil
}

func showPlayer(ctx context.Context, config *store.Config, playerID string) error {
	s, err := store.New(config)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer s.Close()

	if err := s.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	snapshots, err := s.LoadPlayerSnapshots(ctx, playerID)
	if err != nil {
		return fmt.Errorf("failed to load snapshots: %w", err)
	}

	if len(snapshots) == 0 {
		fmt.Printf("No snapshots stored for player %s\n", playerID)
		return nil
	}

	fmt.Printf("Snapshots for player %s:\n", playerID)
	for _, snap := range snapshots {
		fmt.Printf("  group=%-12s version=%-6d size=%-8d updated=%s\n",
			snap.Group, snap.Version, len(snap.Data), snap.UpdatedAt.Format(time.RFC3339))
	}
	return nil
}

// Helper functions

// isValidTableName checks if a table name is in our whitelist
func isValidTableName(tableName string) bool {
	for _, validTable := range tables {
		if tableName == validTable {
			return true
		}
	}
	return false
}

func tableExists(ctx context.Context, s *store.Store, tableName string) (bool, error) {
	var exists bool
	query := `
		SELECT EXISTS (
			SELECT FROM information_schema.tables
			WHERE table_schema = 'public'
			AND table_name = $1
		)
	`
	err := s.Connection().QueryRowContext(ctx, query, tableName).Scan(&exists)
	return exists, err
}

func indexExists(ctx context.Context, s *store.Store, tableName, indexName string) (bool, error) {
	var exists bool
	query := `
		SELECT EXISTS (
			SELECT FROM pg_indexes
			WHERE schemaname = 'public'
			AND tablename = $1
			AND indexname = $2
		)
	`
	err := s.Connection().QueryRowContext(ctx, query, tableName, indexName).Scan(&exists)
	return exists, err
}
