package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/config"
	"github.com/petervdpas/goopcall/internal/metrics"
	"github.com/petervdpas/goopcall/internal/p2p"
	"github.com/petervdpas/goopcall/internal/signal"
	"github.com/petervdpas/goopcall/internal/storage"
	"github.com/petervdpas/goopcall/internal/util"
	"github.com/petervdpas/goopcall/internal/viewer"
)

var log = logging.Logger("app")

type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config
}

// Run starts one call peer and blocks until ctx is done.
func Run(ctx context.Context, opt Options) error {
	logBuf := viewer.NewLogBuffer(800)
	go logBuf.Pump(ctx, logging.NewPipeReader(logging.PipeFormat(logging.PlaintextOutput)))

	logBanner(opt.PeerDir, opt.CfgPath)

	return runPeer(ctx, opt, logBuf)
}

func runPeer(ctx context.Context, o Options, logs *viewer.LogBuffer) error {
	cfg := o.Cfg
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// ── Embedded relay (optional)
	if cfg.Signal.RelayListen != "" {
		ln, err := net.Listen("tcp", cfg.Signal.RelayListen)
		if err != nil {
			return fmt.Errorf("relay listen: %w", err)
		}
		srv := signal.NewRelayServer()
		go srv.Run(ctx)
		metrics.RegisterRelay(reg, srv)
		go func() {
			if err := serveRelay(ctx, ln, srv, nil); err != nil {
				log.Errorw("embedded relay stopped", "err", err)
			}
		}()
	}

	// ── Signaling
	var node *p2p.Node
	if cfg.Signal.Transport != config.TransportRelay {
		var err error
		node, err = p2p.New(ctx, p2p.Options{
			ListenPort: cfg.P2P.ListenPort,
			KeyFile:    util.ResolvePath(o.PeerDir, cfg.Identity.KeyFile),
			MdnsTag:    cfg.P2P.MdnsTag,
		})
		if err != nil {
			return err
		}
		defer node.Close()
		if len(cfg.P2P.Peers) > 0 {
			n := node.ConnectPeers(ctx, cfg.P2P.Peers)
			log.Infof("connected to %d/%d static peers", n, len(cfg.P2P.Peers))
		}
	}

	ch, self, err := openChannel(ctx, cfg, node)
	if err != nil {
		return err
	}
	if c, ok := ch.(io.Closer); ok {
		defer c.Close()
	}

	// ── Media
	media, codecs := mediaSource(cfg.Call.Capture)
	sessions := call.NewPionFactory(call.PionConfig{
		ICEServers:          cfg.Call.ICEServers,
		DisconnectedTimeout: seconds(cfg.Call.ICEDisconnectedSec),
		FailedTimeout:       seconds(cfg.Call.ICEFailedSec),
		KeepAliveInterval:   seconds(cfg.Call.ICEKeepAliveSec),
		Codecs:              codecs,
	})

	// ── History
	db, err := storage.Open(util.ResolvePath(o.PeerDir, cfg.Storage.DBFile))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	hist := storage.NewHistory(db)
	defer hist.Close()

	// ── Call manager
	mgr, err := call.New(call.Config{
		Self:        self,
		Channel:     ch,
		Media:       media,
		Sessions:    sessions,
		SendTimeout: cfg.SendTimeout(),
	})
	if err != nil {
		return err
	}
	defer mgr.Close()

	mgr.AddObserver(hist)
	mgr.AddObserver(metrics.New(reg))
	if cfg.Call.RingTimeoutSec > 0 {
		mgr.AddObserver(newRingWatchdog(clock.New(), seconds(cfg.Call.RingTimeoutSec), mgr))
	}

	if o.CfgPath != "" {
		go func() {
			err := config.Watch(ctx, o.CfgPath, func(c config.Config) {
				sessions.SetICEServers(c.Call.ICEServers)
				applyLogLevels(c.Log)
				log.Infow("config reloaded", "ice_servers", len(c.Call.ICEServers))
			})
			if err != nil {
				log.Warnw("config watch stopped", "err", err)
			}
		}()
	}

	// ── Viewer
	if cfg.Viewer.HTTPAddr != "" {
		addr, url := NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
		go func() {
			err := viewer.Start(ctx, addr, viewer.Viewer{
				Calls:        mgr,
				Node:         node,
				DB:           db,
				Logs:         logs,
				Metrics:      reg,
				HistoryLimit: cfg.Call.HistoryLimit,
			})
			if err != nil {
				log.Errorw("viewer stopped", "err", err)
			}
		}()
		log.Infof("call control: %s/api/call/state", url)
	}

	log.Infow("ready", "identity", self, "transport", cfg.Signal.Transport, "capture", cfg.Call.Capture)
	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

// openChannel builds the configured transport and returns the identity the
// manager subscribes as.
func openChannel(ctx context.Context, cfg config.Config, node *p2p.Node) (signal.Channel, string, error) {
	switch cfg.Signal.Transport {
	case config.TransportRelay:
		name := cfg.RelayName()
		r, err := signal.DialRelay(ctx, cfg.Signal.RelayURL, name)
		if err != nil {
			return nil, "", err
		}
		return r, name, nil
	case config.TransportPubSub:
		ch := signal.Channel(signal.NewPubSub(node.PS, node.Host.ID()))
		if cfg.Signal.DedupeSize > 0 {
			ch = signal.Dedupe(ch, cfg.Signal.DedupeSize)
		}
		return ch, node.ID(), nil
	case config.TransportStream:
		return signal.NewStream(node.Host, cfg.SendTimeout()), node.ID(), nil
	}
	return nil, "", fmt.Errorf("unknown signal transport %q", cfg.Signal.Transport)
}

// mediaSource picks the capture backend. Device capture that cannot start
// falls back to silence so the peer can still signal.
func mediaSource(capture string) (call.MediaSource, call.CodecRegistrar) {
	if capture == config.CaptureSilent {
		return call.SilentSource{}, nil
	}
	dev, err := call.NewDeviceSource()
	if err != nil {
		log.Warnw("media devices unavailable, using silent tracks", "err", err)
		return call.SilentSource{}, nil
	}
	return dev, dev
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// serveRelay serves srv at /signal on ln until ctx is done. reg, when set,
// is exposed at /metrics.
func serveRelay(ctx context.Context, ln net.Listener, srv *signal.RelayServer, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/signal", srv)
	if reg != nil {
		mux.Handle("/metrics", metricsHandler(reg))
	}
	hs := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = hs.Shutdown(sctx)
	}()
	log.Infof("relay listening on ws://%s/signal", ln.Addr())
	if err := hs.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
