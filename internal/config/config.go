package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/tidwall/jsonc"

	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	P2P      P2P      `json:"p2p"`
	Signal   Signal   `json:"signal"`
	Call     Call     `json:"call"`
	Viewer   Viewer   `json:"viewer"`
	Storage  Storage  `json:"storage"`
	Log      Log      `json:"log"`
}

type Identity struct {
	KeyFile string `json:"key_file"`

	// Name is a display label only; the libp2p peer ID (or the relay
	// identity) is what other peers dial.
	Name string `json:"name"`
}

type P2P struct {
	ListenPort int    `json:"listen_port"`
	MdnsTag    string `json:"mdns_tag"`

	// Multiaddrs with /p2p/ suffix to connect to at startup, for networks
	// where mDNS does not reach.
	Peers []string `json:"peers"`
}

// Signal transports.
const (
	TransportStream = "stream" // libp2p stream per message, acked
	TransportPubSub = "pubsub" // gossipsub topic per recipient
	TransportRelay  = "relay"  // websocket registrar
)

type Signal struct {
	Transport string `json:"transport"`

	// RelayURL is the ws:// or wss:// endpoint used when transport=relay.
	RelayURL string `json:"relay_url"`

	// RelayIdentity is the name to register under with the relay. Empty
	// means identity.name.
	RelayIdentity string `json:"relay_identity"`

	// RelayListen, when set, runs a relay server in this process too.
	RelayListen string `json:"relay_listen"`

	SendTimeoutMs int `json:"send_timeout_ms"`
	DedupeSize    int `json:"dedupe_size"`
}

// Capture sources.
const (
	CaptureDevices = "devices"
	CaptureSilent  = "silent"
)

type Call struct {
	ICEServers []string `json:"ice_servers"`
	Capture    string   `json:"capture"`

	// RingTimeoutSec cancels an outgoing call that has not connected.
	// 0 disables.
	RingTimeoutSec int `json:"ring_timeout_seconds"`

	ICEDisconnectedSec int `json:"ice_disconnected_seconds"`
	ICEFailedSec       int `json:"ice_failed_seconds"`
	ICEKeepAliveSec    int `json:"ice_keepalive_seconds"`

	HistoryLimit int `json:"history_limit"`
}

type Viewer struct {
	HTTPAddr string `json:"http_addr"`
	Debug    bool   `json:"debug"`
}

type Storage struct {
	DBFile string `json:"db_file"`
}

type Log struct {
	Level string `json:"level"`

	// Subsystems overrides Level per logger name, e.g. {"call": "debug"}.
	Subsystems map[string]string `json:"subsystems"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
			Name:    "goopcall",
		},
		P2P: P2P{
			ListenPort: 0,
			MdnsTag:    proto.MdnsTag,
		},
		Signal: Signal{
			Transport:     TransportStream,
			SendTimeoutMs: 10000,
			DedupeSize:    1024,
		},
		Call: Call{
			ICEServers:         []string{"stun:stun.l.google.com:19302"},
			Capture:            CaptureDevices,
			RingTimeoutSec:     45,
			ICEDisconnectedSec: 30,
			ICEFailedSec:       120,
			ICEKeepAliveSec:    2,
			HistoryLimit:       50,
		},
		Viewer: Viewer{
			HTTPAddr: "127.0.0.1:7780",
		},
		Storage: Storage{
			DBFile: "data/calls.db",
		},
		Log: Log{
			Level: "info",
		},
	}
}

var logLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "error": true,
	"dpanic": true, "panic": true, "fatal": true,
}

func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}

	// P2P
	if c.P2P.ListenPort < 0 || c.P2P.ListenPort > 65535 {
		return errors.New("p2p.listen_port must be 0..65535")
	}
	if strings.TrimSpace(c.P2P.MdnsTag) == "" {
		return errors.New("p2p.mdns_tag is required")
	}
	for _, p := range c.P2P.Peers {
		if !strings.Contains(p, "/p2p/") {
			return fmt.Errorf("p2p.peers: %q has no /p2p/ component", p)
		}
	}

	// Signal
	switch c.Signal.Transport {
	case TransportStream, TransportPubSub:
	case TransportRelay:
		if strings.TrimSpace(c.Signal.RelayURL) == "" {
			return errors.New("signal.relay_url is required when transport is relay")
		}
		if err := validateRelayURL(c.Signal.RelayURL); err != nil {
			return fmt.Errorf("signal.relay_url: %w", err)
		}
		if strings.TrimSpace(c.Signal.RelayIdentity) == "" && strings.TrimSpace(c.Identity.Name) == "" {
			return errors.New("signal.relay_identity or identity.name is required when transport is relay")
		}
	default:
		return fmt.Errorf("signal.transport must be %s, %s or %s", TransportStream, TransportPubSub, TransportRelay)
	}
	if l := c.Signal.RelayListen; l != "" {
		if _, _, err := net.SplitHostPort(l); err != nil {
			return fmt.Errorf("signal.relay_listen: %w", err)
		}
	}
	if c.Signal.SendTimeoutMs <= 0 {
		return errors.New("signal.send_timeout_ms must be > 0")
	}
	if c.Signal.DedupeSize < 0 {
		return errors.New("signal.dedupe_size must be >= 0")
	}

	// Call
	if c.Call.Capture != CaptureDevices && c.Call.Capture != CaptureSilent {
		return fmt.Errorf("call.capture must be %s or %s", CaptureDevices, CaptureSilent)
	}
	for _, s := range c.Call.ICEServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") && !strings.HasPrefix(s, "turns:") {
			return fmt.Errorf("call.ice_servers: %q is not a stun/turn url", s)
		}
	}
	if c.Call.RingTimeoutSec < 0 {
		return errors.New("call.ring_timeout_seconds must be >= 0")
	}
	if c.Call.ICEDisconnectedSec < 0 || c.Call.ICEFailedSec < 0 || c.Call.ICEKeepAliveSec < 0 {
		return errors.New("call.ice_* timeouts must be >= 0")
	}
	if c.Call.ICEFailedSec > 0 && c.Call.ICEDisconnectedSec > c.Call.ICEFailedSec {
		return errors.New("call.ice_disconnected_seconds must not exceed call.ice_failed_seconds")
	}

	// Viewer
	if a := c.Viewer.HTTPAddr; a != "" {
		if _, _, err := net.SplitHostPort(a); err != nil {
			return fmt.Errorf("viewer.http_addr: %w", err)
		}
	}

	// Log
	if !logLevels[strings.ToLower(c.Log.Level)] {
		return fmt.Errorf("log.level %q is not a valid level", c.Log.Level)
	}
	for name, lvl := range c.Log.Subsystems {
		if !logLevels[strings.ToLower(lvl)] {
			return fmt.Errorf("log.subsystems[%s]: %q is not a valid level", name, lvl)
		}
	}

	return nil
}

func validateRelayURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("scheme must be ws or wss")
	}
	if u.Hostname() == "" {
		return errors.New("missing hostname")
	}
	return nil
}

// SendTimeout is Signal.SendTimeoutMs as a duration.
func (c Config) SendTimeout() time.Duration {
	return time.Duration(c.Signal.SendTimeoutMs) * time.Millisecond
}

// RelayName is the identity used with the relay transport.
func (c Config) RelayName() string {
	if n := strings.TrimSpace(c.Signal.RelayIdentity); n != "" {
		return n
	}
	return strings.TrimSpace(c.Identity.Name)
}

// Load reads a config file. Comments and trailing commas are allowed.
func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPartial reads a config file without validation.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(jsonc.ToJSON(b), &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
