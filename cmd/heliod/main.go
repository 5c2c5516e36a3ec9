package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"heliochain/config"
	"heliochain/crypto"
	"heliochain/observability/logging"
	"heliochain/overlay"
	"heliochain/peerfinder"
	"heliochain/resolver"
	"heliochain/resource"
)

const (
	readHeaderTimeout = 5 * time.Second
	opsShutdownGrace  = 5 * time.Second
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("HELIO_ENV"))

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	logger := logging.Setup("heliod", env, logging.FileConfig{Path: cfg.LogFile})

	identity, err := crypto.LoadOrCreateIdentity(cfg.NodeKeyPath)
	if err != nil {
		panic(fmt.Sprintf("Failed to load node identity: %v", err))
	}
	account := identity.PrivateKey.PubKey().Address()
	logger.Info("Node identity loaded",
		logging.MaskField("public_key", identity.PublicKey),
		slog.String("account", account.String()))

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		panic(fmt.Sprintf("Failed to prepare data directory: %v", err))
	}
	cache, err := peerfinder.OpenBootCache(filepath.Join(cfg.DataDir, "peerstore"))
	if err != nil {
		panic(fmt.Sprintf("Failed to open peer cache: %v", err))
	}
	defer cache.Close()

	finder := peerfinder.New(cache, logger)
	monitor := resource.NewMonitor(0, 0)
	res := resolver.New(logger)

	listenPort, err := portOf(cfg.ListenAddress)
	if err != nil {
		panic(fmt.Sprintf("Invalid listen address: %v", err))
	}

	ov := overlay.New(overlay.Config{
		MaxPeers:       cfg.MaxPeers,
		OutPeers:       cfg.OutPeers,
		AcceptIncoming: cfg.AcceptIncoming,
		AutoConnect:    cfg.AutoConnect,
		ListenPort:     listenPort,
		BootstrapPeers: cfg.Bootnodes,
		FixedPeers:     cfg.FixedPeers,
		ClusterKeys:    cfg.ClusterKeys,
	}, identity.PrivateKey, finder, accounting{monitor}, res, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ov.Prepare(ctx)
	ov.Start()

	tlsCfg, err := serverTLSConfig(cfg)
	if err != nil {
		panic(fmt.Sprintf("Failed to prepare TLS: %v", err))
	}
	ln, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		panic(fmt.Sprintf("Failed to listen on %s: %v", cfg.ListenAddress, err))
	}
	logger.Info("Peer listener started", slog.String("address", cfg.ListenAddress))
	go acceptLoop(ln, ov, tlsCfg, logger)

	opsSrv := startOpsServer(cfg.OpsAddress, ov, logger)

	<-ctx.Done()
	logger.Info("Shutdown signal received")

	ln.Close()
	ov.Stop()
	ov.AwaitStopped()

	if opsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), opsShutdownGrace)
		opsSrv.Shutdown(shutdownCtx)
		cancel()
	}
	logger.Info("Shutdown complete")
}

// accounting bridges the admission monitor into the overlay's collaborator
// contract.
type accounting struct {
	monitor *resource.Monitor
}

func (a accounting) NewInboundConsumer(remote netip.AddrPort) overlay.Consumer {
	return a.monitor.NewInboundConsumer(remote)
}

// acceptLoop hands each inbound transport to serveConn. The loop ends when
// the listener closes during shutdown.
func acceptLoop(ln net.Listener, ov *overlay.Overlay, tlsCfg *tls.Config, logger *slog.Logger) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				logger.Error("Accept failed", slog.Any("error", err))
			}
			return
		}
		go serveConn(conn, ov, tlsCfg, logger)
	}
}

// serveConn sniffs the first byte to route the transport: a TLS record means
// an upgrade handshake, a JSON frame means the framed wire protocol spoken
// directly.
func serveConn(conn net.Conn, ov *overlay.Overlay, tlsCfg *tls.Config, logger *slog.Logger) {
	remote, err := netip.ParseAddrPort(conn.RemoteAddr().String())
	if err != nil {
		conn.Close()
		return
	}

	conn.SetReadDeadline(time.Now().Add(readHeaderTimeout))
	br := bufio.NewReader(conn)
	first, err := br.Peek(1)
	if err != nil {
		conn.Close()
		return
	}

	switch {
	case first[0] == 0x16:
		serveUpgrade(&bufferedConn{Conn: conn, reader: br}, ov, tlsCfg, remote, logger)
	case first[0] == '{':
		conn.SetReadDeadline(time.Time{})
		ov.AdmitLegacy(conn, br, remote)
	default:
		conn.Close()
	}
}

func serveUpgrade(raw net.Conn, ov *overlay.Overlay, tlsCfg *tls.Config, remote netip.AddrPort, logger *slog.Logger) {
	conn := tls.Server(raw, tlsCfg)
	reader := bufio.NewReader(conn)

	for {
		conn.SetReadDeadline(time.Now().Add(readHeaderTimeout))
		req, err := http.ReadRequest(reader)
		if err != nil {
			conn.Close()
			return
		}
		conn.SetReadDeadline(time.Time{})

		handoff := ov.Negotiate(conn, req, remote)
		if handoff.Moved {
			return
		}
		if handoff.Response != nil {
			conn.SetWriteDeadline(time.Now().Add(readHeaderTimeout))
			if err := handoff.Response.Write(conn); err != nil || !handoff.KeepAlive {
				conn.Close()
				return
			}
			conn.SetWriteDeadline(time.Time{})
			continue
		}

		// Not a peer upgrade; nothing else is served on this port.
		resp := &http.Response{
			StatusCode: http.StatusNotFound,
			Proto:      req.Proto,
			ProtoMajor: req.ProtoMajor,
			ProtoMinor: req.ProtoMinor,
			Header:     http.Header{"Content-Length": []string{"0"}},
			Request:    req,
		}
		resp.Write(conn)
		conn.Close()
		return
	}
}

// bufferedConn replays bytes already consumed by the sniffing reader.
type bufferedConn struct {
	net.Conn
	reader *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.reader.Read(p)
}

func startOpsServer(addr string, ov *overlay.Overlay, logger *slog.Logger) *http.Server {
	if strings.TrimSpace(addr) == "" {
		return nil
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/peers", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(struct {
			Count int                    `json:"count"`
			Peers []overlay.PeerSnapshot `json:"peers"`
		}{Count: ov.Size(), Peers: ov.PeersJSON()})
	})
	r.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	go func() {
		logger.Info("Ops server started", slog.String("address", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Ops server failed", slog.Any("error", err))
		}
	}()
	return srv
}

func portOf(addr string) (uint16, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	port, err := net.LookupPort("tcp", portStr)
	if err != nil {
		return 0, err
	}
	return uint16(port), nil
}
