package config

import (
	"flag"
	"fmt"
	"io"

	"github.com/dmitrijs2005/identitykeeper/internal/flagx"
)

// Flags lists the command-line flags consumed by the config layer, together
// with -c/-config. Commands strip them to find their own arguments.
var Flags = []string{"-a", "-d", "-m", "-l", "-f", "-s", "-r", "-migrate", "-c", "-config", "--config"}

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags:
//
//	-a string   gRPC bind address (e.g., ":50051")
//	-d string   PostgreSQL DSN
//	-m string   metrics bind address
//	-l string   log level (debug, info, warn, error)
//	-f string   log format (json, text)
//	-s string   storage backend (postgres, memory)
//	-r string   redis address, empty disables the cache
//	-migrate    apply pending migrations at startup
//
// Arguments are filtered with flagx.FilterArgs first, so positional
// arguments and flags owned by other components are ignored.
func parseFlags(config *Config, args []string) error {
	args = flagx.FilterArgs(args, []string{"-a", "-d", "-m", "-l", "-f", "-s", "-r", "-migrate"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&config.GRPCAddr, "a", config.GRPCAddr, "address and port to run gRPC server")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.MetricsAddr, "m", config.MetricsAddr, "address and port to serve metrics")
	fs.StringVar(&config.LogLevel, "l", config.LogLevel, "log level")
	fs.StringVar(&config.LogFormat, "f", config.LogFormat, "log format")
	fs.StringVar(&config.Storage, "s", config.Storage, "storage backend")
	fs.StringVar(&config.RedisAddr, "r", config.RedisAddr, "redis address")
	fs.BoolVar(&config.MigrateOnStart, "migrate", config.MigrateOnStart, "apply migrations on start")

	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("parse flags: %w", err)
	}
	return nil
}
