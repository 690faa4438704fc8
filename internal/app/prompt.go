// internal/app/prompt.go
package app

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/petervdpas/goopcall/internal/config"
)

// PromptInteractive walks the user through the settings a first run needs.
// An answer that leaves the config invalid falls back to the defaults.
func PromptInteractive(r io.Reader, w io.Writer, peerDir, cfgPath string, cfg config.Config) config.Config {
	in := bufio.NewReader(r)

	fmt.Fprintln(w, "────────────────────────────────────────")
	fmt.Fprintln(w, "goopcall interactive setup")
	fmt.Fprintf(w, " Peer folder : %s\n", peerDir)
	fmt.Fprintf(w, " Config file : %s\n", cfgPath)
	fmt.Fprintln(w, "────────────────────────────────────────")
	fmt.Fprintln(w)

	cfg.Identity.Name = askString(in, w, "Display name", cfg.Identity.Name)
	cfg.Viewer.HTTPAddr = askString(in, w, "Viewer HTTP addr (empty=off)", cfg.Viewer.HTTPAddr)

	cfg.Signal.Transport = askString(in, w, "Signal transport (stream|pubsub|relay)", cfg.Signal.Transport)
	if cfg.Signal.Transport == config.TransportRelay {
		cfg.Signal.RelayURL = askString(in, w, "Relay URL (ws://host:port/signal)", cfg.Signal.RelayURL)
	} else {
		cfg.P2P.ListenPort = askInt(in, w, "Listen port (0=random)", cfg.P2P.ListenPort)
		cfg.P2P.MdnsTag = askString(in, w, "mDNS tag", cfg.P2P.MdnsTag)
	}

	if askBool(in, w, "Use camera and microphone", cfg.Call.Capture == config.CaptureDevices) {
		cfg.Call.Capture = config.CaptureDevices
	} else {
		cfg.Call.Capture = config.CaptureSilent
	}
	cfg.Call.RingTimeoutSec = askInt(in, w, "Ring timeout seconds (0=off)", cfg.Call.RingTimeoutSec)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(w, "Invalid config: %v\nKeeping defaults.\n", err)
		return config.Default()
	}
	return cfg
}

func askString(in *bufio.Reader, w io.Writer, label, def string) string {
	fmt.Fprintf(w, "%s [%s]: ", label, def)
	s, _ := in.ReadString('\n')
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	return s
}

func askInt(in *bufio.Reader, w io.Writer, label string, def int) int {
	for {
		fmt.Fprintf(w, "%s [%d]: ", label, def)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(s)
		if s == "" {
			return def
		}
		if v, convErr := strconv.Atoi(s); convErr == nil {
			return v
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(w, "Please enter a number.")
	}
}

func askBool(in *bufio.Reader, w io.Writer, label string, def bool) bool {
	defStr := "n"
	if def {
		defStr = "y"
	}
	for {
		fmt.Fprintf(w, "%s [y/n] (default=%s): ", label, defStr)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(strings.ToLower(s))
		if s == "" {
			return def
		}
		switch s {
		case "y", "yes", "true", "1":
			return true
		case "n", "no", "false", "0":
			return false
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(w, "Please enter y or n.")
	}
}
