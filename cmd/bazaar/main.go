// Command bazaar runs the realtime conversation server.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"bazaar/cmd/internal/app"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		configPath string
		envFile    string
		addr       string
		logLevel   string
		logFormat  string
	)

	flagSet := pflag.NewFlagSet("bazaar", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", os.Getenv("BAZAAR_CONFIG"), "path to a YAML config file")
	flagSet.StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment (missing is fine)")
	flagSet.StringVar(&addr, "addr", "", "listen address, overrides config and BAZAAR_HTTP_ADDR")
	flagSet.StringVar(&logLevel, "log-level", "", "debug | info | warn | error")
	flagSet.StringVar(&logFormat, "log-format", "", "json | pretty")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return fmt.Errorf("unexpected argument: %s", rest[0])
	}

	if envFile != "" {
		// Real environment variables win over the file.
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	cfg, err := app.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.HTTPAddr = addr
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logFormat != "" {
		cfg.LogFormat = logFormat
	}

	return app.Run(cfg)
}
