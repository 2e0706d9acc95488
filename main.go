// main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/thorbis/callsync/internal/app"
	"github.com/thorbis/callsync/internal/config"
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

type cliFlags struct {
	cfgName string
	mode    string
	backend string
	tabs    int
	http    string
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(argv []string) error {
	var f cliFlags
	flagSet := pflag.NewFlagSet("callsync", pflag.ContinueOnError)
	flagSet.StringVarP(&f.cfgName, "config", "c", "callsync.json", "config file name inside the peer directory")
	flagSet.StringVar(&f.mode, "mode", "", "transport mode override: auto, broadcast, storage or gossip")
	flagSet.StringVar(&f.backend, "storage", "", "storage backend override: memory, sqlite or dir")
	flagSet.IntVar(&f.tabs, "tabs", 0, "number of tabs to host (default from config)")
	flagSet.StringVar(&f.http, "http", "", "monitor listen address override")
	flagSet.Bool("version", false, "show version")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(argv); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			showUsage(flagSet)
			return nil
		}
		return err
	}
	if v, _ := flagSet.GetBool("version"); v {
		fmt.Printf("callsync v%s\n", appVersion)
		return nil
	}
	if help, _ := flagSet.GetBool("help"); help {
		showUsage(flagSet)
		return nil
	}

	args := flagSet.Args()
	if len(args) == 0 {
		showUsage(flagSet)
		return errors.New("missing command")
	}

	switch args[0] {
	case "serve":
		if len(args) < 2 {
			return errors.New("serve requires a directory path\nUsage: callsync serve <directory>")
		}
		return runServe(args[1], f)
	case "simulate":
		return runSimulate(f)
	default:
		showUsage(flagSet)
		return fmt.Errorf("unknown command '%s'", args[0])
	}
}

// apply puts command-line overrides on top of file and environment config.
func (f cliFlags) apply(cfg *config.Config) error {
	if f.mode != "" {
		cfg.Transport.Mode = f.mode
	}
	if f.backend != "" {
		cfg.Storage.Backend = f.backend
	}
	if f.tabs > 0 {
		cfg.Monitor.Tabs = f.tabs
	}
	if f.http != "" {
		cfg.Monitor.HTTPAddr = f.http
	}
	return cfg.Validate()
}

func runServe(peerDirArg string, f cliFlags) error {
	absDir, err := filepath.Abs(peerDirArg)
	if err != nil {
		return fmt.Errorf("invalid peer directory: %w", err)
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		return fmt.Errorf("peer directory does not exist: %s", absDir)
	}

	cfgPath := filepath.Join(absDir, f.cfgName)
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if created {
		log.Printf("CONFIG: wrote defaults to %s", cfgPath)
	}
	if err := f.apply(&cfg); err != nil {
		return err
	}

	printBanner(absDir, cfgPath, cfg)

	ctx, cancel := signalContext()
	defer cancel()

	return app.Run(ctx, app.Options{
		PeerDir: absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
	})
}

func runSimulate(f cliFlags) error {
	cfg := config.Default()
	if err := config.ApplyEnv(&cfg); err != nil {
		return err
	}
	if err := f.apply(&cfg); err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()
	return app.Simulate(ctx, cfg, cfg.Monitor.Tabs, os.Stdout)
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
			log.Println("Shutting down gracefully...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

func showUsage(flagSet *pflag.FlagSet) {
	fmt.Println("callsync - cross-tab call widget synchronization")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  callsync serve <directory>   Host tabs on one origin and serve the monitor")
	fmt.Println("  callsync simulate            Run a scripted multi-tab session")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Print(flagSet.FlagUsages())
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  CALLSYNC_<SECTION>_<FIELD> overrides the config file,")
	fmt.Println("  e.g. CALLSYNC_TRANSPORT_MODE=storage")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  # Two processes sharing storage through one directory")
	fmt.Println("  export CALLSYNC_STORAGE_PATH=/tmp/callsync-shared")
	fmt.Println("  callsync serve ./peers/a --storage dir --http 127.0.0.1:8791")
	fmt.Println("  callsync serve ./peers/b --storage dir --http 127.0.0.1:8792")
	fmt.Println()
	fmt.Println("  # Watch the storage fallback at work")
	fmt.Println("  callsync simulate --mode storage --tabs 3")
}

func printBanner(peerDir, cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                    callsync origin                     ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Peer Directory: %s\n", peerDir)
	fmt.Printf("Config File:    %s\n", cfgPath)
	fmt.Printf("Transport:      %s\n", cfg.Transport.Mode)
	fmt.Printf("Storage:        %s\n", cfg.Storage.Backend)
	fmt.Printf("Tabs:           %d\n", cfg.Monitor.Tabs)
	fmt.Println()
	fmt.Println("Starting... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
