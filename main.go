// main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	logging "github.com/ipfs/go-log/v2"
	flag "github.com/spf13/pflag"

	"github.com/petervdpas/goopcall/internal/app"
	"github.com/petervdpas/goopcall/internal/config"
)

var (
	showHelp = flag.BoolP("help", "h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
	setup    = flag.Bool("setup", false, "Ask for the main settings before starting a peer")
	listen   = flag.StringP("listen", "l", "0.0.0.0:7790", "Listen address for the relay command")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

var log = logging.Logger("main")

func main() {
	flag.CommandLine.SortFlags = false
	flag.Usage = showUsage
	flag.Parse()

	if *version {
		fmt.Printf("goopcall v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	command := "peer"
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}

	switch command {
	case "peer":
		dir := "."
		if len(args) > 0 {
			dir = args[0]
		}
		runCLIPeer(ctx, dir)

	case "relay":
		if err := app.SetupLogging(config.Default().Log); err != nil {
			fatalf("logging: %v", err)
		}
		if err := app.RunRelay(ctx, *listen); err != nil {
			fatalf("relay failed: %v", err)
		}

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n\n", command)
		showUsage()
		os.Exit(1)
	}
}

func runCLIPeer(ctx context.Context, peerDirArg string) {
	absDir, err := filepath.Abs(peerDirArg)
	if err != nil {
		fatalf("Invalid peer directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		fatalf("Peer directory: %v", err)
	}

	cfgPath := filepath.Join(absDir, "goop.json")
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		fatalf("Failed to load config: %v", err)
	}
	if created || *setup {
		cfg = app.PromptInteractive(os.Stdin, os.Stdout, absDir, cfgPath, cfg)
		if err := config.Save(cfgPath, cfg); err != nil {
			fatalf("Failed to save config: %v", err)
		}
	}

	if err := app.SetupLogging(cfg.Log); err != nil {
		fatalf("logging: %v", err)
	}

	printPeerBanner(absDir, cfgPath, cfg)

	if err := app.Run(ctx, app.Options{
		PeerDir: absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
	}); err != nil {
		fatalf("Peer failed: %v", err)
	}
	log.Info("stopped")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func showUsage() {
	fmt.Println("goopcall - peer-to-peer voice and video calls")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  goopcall [peer] [directory]    Run a call peer (default, directory defaults to .)")
	fmt.Println("  goopcall relay [--listen addr] Run a signaling relay")
	fmt.Println()
	fmt.Println("A peer directory holds goop.json, the identity key and the call history.")
	fmt.Println("A missing goop.json is created with defaults after an interactive setup.")
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  goopcall peer ./peers/alice")
	fmt.Println("  goopcall relay --listen 0.0.0.0:7790")
}

func printPeerBanner(peerDir, cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                   goopcall peer                        ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Peer Directory: %s\n", peerDir)
	fmt.Printf("Config File:    %s\n", cfgPath)
	if cfg.Identity.Name != "" {
		fmt.Printf("Name:           %s\n", cfg.Identity.Name)
	}
	fmt.Printf("Transport:      %s\n", cfg.Signal.Transport)
	if cfg.Signal.Transport == config.TransportRelay {
		fmt.Printf("Relay:          %s as %s\n", cfg.Signal.RelayURL, cfg.RelayName())
	}
	if cfg.Signal.RelayListen != "" {
		fmt.Printf("Hosting relay:  ws://%s/signal\n", cfg.Signal.RelayListen)
	}
	if cfg.Viewer.HTTPAddr != "" {
		fmt.Printf("Call control:   http://%s/api/call/state\n", cfg.Viewer.HTTPAddr)
	}
	fmt.Println()
	fmt.Println("Starting peer... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
