package p2p

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

var log = logging.Logger("p2p")

const connectTimeout = 3 * time.Second

func init() {
	// Dial failures and backoff errors from these subsystems go to stderr
	// by default and pollute terminal output.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("autonat", "warn")
	logging.SetLogLevel("mdns", "warn")
}

// Options configures a Node.
type Options struct {
	ListenHost string // default 0.0.0.0
	ListenPort int
	KeyFile    string

	// MdnsTag enables LAN discovery when non-empty.
	MdnsTag string
}

// Node is the libp2p host a peer signals over: a persistent identity, mDNS
// discovery and a gossipsub router.
type Node struct {
	Host host.Host
	PS   *pubsub.PubSub

	mdns      mdns.Service
	startTime time.Time
	closeOnce sync.Once
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.h.ID() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := n.h.Connect(ctx, pi); err != nil {
		log.Debugw("mdns connect failed", "peer", pi.ID, "err", err)
		return
	}
	log.Debugw("mdns peer connected", "peer", pi.ID)
}

// loadOrCreateKey loads a persistent identity key from disk,
// or generates a new Ed25519 key and saves it on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Warnf("corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}

	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}

	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}

	return priv, true, nil
}

func New(ctx context.Context, opts Options) (*Node, error) {
	if opts.KeyFile == "" {
		return nil, errors.New("p2p: key file is required")
	}
	if opts.ListenHost == "" {
		opts.ListenHost = "0.0.0.0"
	}
	priv, isNew, err := loadOrCreateKey(opts.KeyFile)
	if err != nil {
		return nil, err
	}
	if isNew {
		log.Infof("generated new identity key: %s", opts.KeyFile)
	} else {
		log.Infof("loaded identity key: %s", opts.KeyFile)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/%s/tcp/%d", opts.ListenHost, opts.ListenPort)),
	)
	if err != nil {
		return nil, err
	}

	n := &Node{Host: h, startTime: time.Now()}

	if opts.MdnsTag != "" {
		n.mdns = mdns.NewMdnsService(h, opts.MdnsTag, &mdnsNotifee{h: h})
		if err := n.mdns.Start(); err != nil {
			_ = h.Close()
			return nil, err
		}
	}

	n.PS, err = pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = n.Close()
		return nil, err
	}

	log.Infow("p2p node up", "peer", h.ID(), "addrs", len(h.Addrs()))
	return n, nil
}

func (n *Node) Close() error {
	var err error
	n.closeOnce.Do(func() {
		if n.mdns != nil {
			_ = n.mdns.Close()
		}
		err = n.Host.Close()
	})
	return err
}

func (n *Node) ID() string {
	return n.Host.ID().String()
}

// ConnectPeers dials every /p2p/ multiaddr in addrs. Failures are logged
// and counted, never fatal: a static peer may simply be offline.
func (n *Node) ConnectPeers(ctx context.Context, addrs []string) int {
	ok := 0
	for _, s := range addrs {
		addr, err := ma.NewMultiaddr(s)
		if err != nil {
			log.Warnw("bad peer address", "addr", s, "err", err)
			continue
		}
		pi, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			log.Warnw("bad peer address", "addr", s, "err", err)
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, connectTimeout)
		err = n.Host.Connect(cctx, *pi)
		cancel()
		if err != nil {
			log.Warnw("static peer unreachable", "peer", pi.ID, "err", err)
			continue
		}
		ok++
	}
	return ok
}

// FullAddrs returns the host's dialable addresses with the /p2p/ suffix,
// filtered to exclude loopback and link-local unless nothing else exists.
func (n *Node) FullAddrs() []string {
	suffix := "/p2p/" + n.ID()
	var all, routable []string
	for _, a := range n.Host.Addrs() {
		all = append(all, a.String()+suffix)
		ip, err := manet.ToIP(a)
		if err != nil {
			continue
		}
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			continue
		}
		routable = append(routable, a.String()+suffix)
	}
	if len(routable) == 0 {
		return all
	}
	return routable
}

// PeerConn describes one live connection.
type PeerConn struct {
	PeerID string `json:"peer_id"`
	Addr   string `json:"addr"`
	Dir    string `json:"dir"`
	Age    string `json:"age"`
}

// Info is what /api/self reports about the node.
type Info struct {
	PeerID    string     `json:"peer_id"`
	Addrs     []string   `json:"addrs"`
	Peers     []PeerConn `json:"peers"`
	Uptime    string     `json:"uptime"`
	GoVersion string     `json:"go_version"`
	OS        string     `json:"os"`
}

func (n *Node) Info() Info {
	now := time.Now()
	info := Info{
		PeerID:    n.ID(),
		Addrs:     n.FullAddrs(),
		Uptime:    now.Sub(n.startTime).Truncate(time.Second).String(),
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS + "/" + runtime.GOARCH,
	}
	for _, pid := range n.Host.Network().Peers() {
		for _, c := range n.Host.Network().ConnsToPeer(pid) {
			info.Peers = append(info.Peers, PeerConn{
				PeerID: pid.String(),
				Addr:   c.RemoteMultiaddr().String(),
				Dir:    dirString(c.Stat().Direction),
				Age:    now.Sub(c.Stat().Opened).Truncate(time.Second).String(),
			})
		}
	}
	return info
}

// dirString converts a network.Direction to a human-readable string.
func dirString(d network.Direction) string {
	switch d {
	case network.DirInbound:
		return "inbound"
	case network.DirOutbound:
		return "outbound"
	default:
		return "unknown"
	}
}
