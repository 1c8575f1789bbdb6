package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"net"
	"os"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"slipstream-go/internal/bridge"
	"slipstream-go/internal/certpin"
	"slipstream-go/internal/clientrt"
	"slipstream-go/internal/crypto"
	"slipstream-go/internal/flowcontrol"
	"slipstream-go/internal/resolverpool"
)

// resolverFlag accumulates repeated -resolver host:port[,mode] flags, in
// insertion order: the first one given is the primary path.
type resolverFlag struct {
	specs *[]resolverpool.Spec
}

func (f resolverFlag) String() string { return "" }

func (f resolverFlag) Set(value string) error {
	host := value
	mode := resolverpool.Recursive
	if idx := strings.LastIndex(value, ","); idx != -1 {
		host = value[:idx]
		switch strings.ToLower(value[idx+1:]) {
		case "authoritative":
			mode = resolverpool.Authoritative
		case "recursive":
			mode = resolverpool.Recursive
		default:
			return fmt.Errorf("unknown resolver mode %q", value[idx+1:])
		}
	}
	*f.specs = append(*f.specs, resolverpool.Spec{HostPort: host, Mode: mode})
	return nil
}

func main() {
	var resolvers []resolverpool.Spec

	tcpListenHost := flag.String("tcp-listen-host", "127.0.0.1", "Local TCP bridge listen host")
	tcpListenPort := flag.Int("tcp-listen-port", 1080, "Local TCP bridge listen port")
	flag.Var(resolverFlag{specs: &resolvers}, "resolver", "resolver host:port[,recursive|authoritative] (repeatable, first is primary)")
	domain := flag.String("domain", "", "Tunnel apex domain (required)")
	certPath := flag.String("cert", "", "Pinned server certificate (PEM); if empty, no server authentication")
	pubkeyFile := flag.String("pubkey-file", "", "Legacy Ed25519 fingerprint-pinned public key (alternative to -cert)")
	congestionControl := flag.String("congestion-control", "bbr", "bbr|dcubic")
	keepAliveMs := flag.Int("keep-alive-interval", 10000, "QUIC keep-alive interval in ms (0 disables)")
	idlePollMs := flag.Int("idle-poll-interval-ms", 5000, "Idle NAT-keepalive poll interval in ms")
	redundantPolls := flag.Bool("redundant-polls", false, "Use fragment-framed queries with 2x duplication for lossy resolvers (both ends must agree)")
	debugPoll := flag.Bool("debug-poll", false, "Log poll engine activity")
	debugStreams := flag.Bool("debug-streams", false, "Log stream bridge activity")
	logLevel := flag.String("log-level", "info", "Log level: debug/info/warn/error")
	memoryLimit := flag.Int("memory-limit", 200, "Memory limit in MB")

	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	switch *logLevel {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		log.Fatal().Str("level", *logLevel).Msg("invalid log level")
	}

	debug.SetMemoryLimit(int64(*memoryLimit) * 1024 * 1024)

	if *domain == "" {
		log.Error().Msg("config error: -domain is required")
		os.Exit(2)
	}
	if len(resolvers) == 0 {
		log.Error().Msg("config error: at least one -resolver is required")
		os.Exit(2)
	}
	if err := resolverpool.ValidateUnique(resolvers); err != nil {
		log.Error().Err(err).Msg("config error: duplicate resolver")
		os.Exit(2)
	}

	tlsConfig, err := buildTLSConfig(*certPath, *pubkeyFile)
	if err != nil {
		log.Error().Err(err).Msg("config error: certificate setup failed")
		os.Exit(2)
	}

	quicConfig := &quic.Config{
		KeepAlivePeriod:            keepAliveDuration(*keepAliveMs),
		MaxIdleTimeout:             60 * time.Second,
		MaxStreamReceiveWindow:     6 * 1024 * 1024,
		MaxConnectionReceiveWindow: 15 * 1024 * 1024,
		DisablePathMTUDiscovery:    true,
	}
	if *congestionControl != "bbr" && *congestionControl != "dcubic" {
		log.Error().Str("congestion_control", *congestionControl).Msg("config error: unknown congestion control")
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rt, err := clientrt.Dial(ctx, clientrt.Config{
		Resolvers:        resolvers,
		Domain:           *domain,
		TLSConfig:        tlsConfig,
		QUICConfig:       quicConfig,
		IdlePollInterval: time.Duration(*idlePollMs) * time.Millisecond,
		DebugPoll:        *debugPoll,
		RedundantPolls:   *redundantPolls,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("runtime error: initial connection failed")
		os.Exit(1)
	}
	log.Info().Msg("Connection ready")

	listenAddr := net.JoinHostPort(*tcpListenHost, itoa(*tcpListenPort))
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		log.Fatal().Err(err).Str("addr", listenAddr).Msg("runtime error: failed to start TCP listener")
		os.Exit(1)
	}
	log.Info().Str("addr", listenAddr).Msg("TCP bridge listening")

	var nextStreamHint atomic.Uint64

	err = bridge.AcceptLoop(ln, func(conn net.Conn) {
		go handleBridgedConnection(rt, conn, &nextStreamHint, *debugStreams)
	})
	if err != nil {
		log.Error().Err(err).Msg("runtime error: accept loop terminated")
		os.Exit(1)
	}
}

func handleBridgedConnection(rt *clientrt.Runtime, conn net.Conn, nextStreamHint *atomic.Uint64, debugStreams bool) {
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream, err := rt.Connection().OpenStreamSync(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to open QUIC stream")
		return
	}
	defer stream.Close()

	readLimitChunks := 64
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		readLimitChunks = bridge.StreamReadLimitChunks(tcpConn)
	}

	id := nextStreamHint.Add(1)
	rec := bridge.NewStreamRecord(id, flowcontrol.NewConfig(false, flowcontrol.ConnReserveBytes()), readLimitChunks)
	if debugStreams {
		log.Debug().Uint64("stream_id", id).Msg("bridge: stream opened")
	}

	bridge.Pump(stream, conn, rec, bridge.DefaultTCPSendBufferBytes)
	rt.MarkActivity()
}

func buildTLSConfig(certPath, pubkeyFile string) (*tls.Config, error) {
	switch {
	case certPath != "":
		verifier, err := certpin.LoadPinned(certPath)
		if err != nil {
			return nil, err
		}
		return verifier.ClientTLSConfig([]string{"slipstream"}), nil

	case pubkeyFile != "":
		pubKey, err := crypto.LoadPublicKey(pubkeyFile)
		if err != nil {
			return nil, err
		}
		fingerprint := crypto.PublicKeyFingerprint(pubKey)
		log.Info().Str("fingerprint", fingerprint).Msg("using legacy Ed25519 fingerprint pinning")
		return crypto.GetClientTLSConfig(fingerprint), nil

	default:
		log.Warn().Msg("no pinned certificate configured: the tunnel provides no server authentication and is vulnerable to active attack in the clear")
		return &tls.Config{InsecureSkipVerify: true, NextProtos: []string{"slipstream"}}, nil
	}
}

func keepAliveDuration(ms int) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

func itoa(n int) string {
	return fmt.Sprintf("%d", n)
}
