package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"slipstream-go/internal/bridge"
	"slipstream-go/internal/crypto"
	"slipstream-go/internal/metrics"
	"slipstream-go/internal/reset"
	"slipstream-go/internal/serverrt"
)

// stringSlice is a custom flag type for multiple string values, since a
// deployment can allow more than one tunnel domain.
type stringSlice []string

func (s *stringSlice) String() string { return strings.Join(*s, ", ") }
func (s *stringSlice) Set(value string) error {
	*s = append(*s, value)
	return nil
}

func main() {
	var domains stringSlice
	flag.Var(&domains, "domain", "Allowed tunnel domain (can be specified multiple times)")
	dnsListenHost := flag.String("dns-listen-host", "0.0.0.0", "DNS server listen host")
	dnsListenPort := flag.Int("dns-listen-port", 53, "DNS server listen port")
	targetType := flag.String("target-type", "direct", "Target type: direct or socks5")
	target := flag.String("target", "", "Upstream SOCKS5 address (required if target-type=socks5)")
	fallbackAddr := flag.String("fallback", "", "Fallback UDP forwarding address for non-DNS traffic (optional)")
	privkeyFile := flag.String("privkey-file", "", "Ed25519 private key file")
	pubkeyFile := flag.String("pubkey-file", "", "Public key output file (with --gen-key)")
	genKey := flag.Bool("gen-key", false, "Generate keys and exit")
	resetSeedFile := flag.String("reset-seed", "", "Stateless-reset seed file (default: alongside privkey-file)")
	idleTimeoutSeconds := flag.Int("idle-timeout-seconds", 300, "Idle connection GC timeout in seconds")
	maxConnections := flag.Int("max-connections", 1000, "Maximum concurrent QUIC connections")
	metricsAddr := flag.String("metrics-listen", "", "Prometheus metrics HTTP listen address (optional, e.g. 127.0.0.1:9100)")
	redundantPolls := flag.Bool("redundant-polls", false, "Expect fragment-framed queries (must match the client's --redundant-polls)")
	logLevel := flag.String("log-level", "info", "Log level: debug/info/warn/error")
	memoryLimit := flag.Int("memory-limit", 400, "Memory limit in MB")

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

	if *genKey {
		if *privkeyFile == "" || *pubkeyFile == "" {
			log.Fatal().Msg("--privkey-file and --pubkey-file are required with --gen-key")
		}
		pubKey, privKey, err := crypto.GenerateKeyPair()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to generate key pair")
		}
		if err := crypto.SavePrivateKey(privKey, *privkeyFile); err != nil {
			log.Fatal().Err(err).Msg("failed to save private key")
		}
		if err := crypto.SavePublicKey(pubKey, *pubkeyFile); err != nil {
			log.Fatal().Err(err).Msg("failed to save public key")
		}
		log.Info().Str("fingerprint", crypto.PublicKeyFingerprint(pubKey)).Msg("public key fingerprint")
		os.Exit(0)
	}

	if len(domains) == 0 {
		log.Fatal().Msg("config error: at least one --domain is required")
	}
	if *privkeyFile == "" {
		log.Fatal().Msg("config error: --privkey-file is required")
	}
	if *targetType == "socks5" && *target == "" {
		log.Fatal().Msg("config error: --target is required when --target-type=socks5")
	}

	normalizedDomains := make([]string, 0, len(domains))
	for _, d := range domains {
		normalized := strings.ToLower(strings.TrimSuffix(d, "."))
		normalizedDomains = append(normalizedDomains, normalized)
		log.Info().Str("domain", normalized).Msg("registered allowed domain")
	}

	privKey, err := crypto.LoadPrivateKey(*privkeyFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load private key")
	}
	tlsConfig, err := crypto.GetTLSConfig(privKey)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create TLS config")
	}

	seedPath := *resetSeedFile
	if seedPath == "" {
		seedPath = filepath.Join(filepath.Dir(*privkeyFile), ".slipstream-reset-seed")
	}
	seed, err := reset.LoadOrCreate(seedPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", seedPath).Msg("failed to load or create stateless-reset seed")
	}
	log.Info().Str("path", seedPath).Msg("stateless-reset seed ready")

	var dialer bridge.Dialer
	if *targetType == "socks5" {
		dialer = bridge.NewSOCKS5Dialer(*target, "", "")
		log.Info().Str("proxy", *target).Msg("using SOCKS5 upstream")
	} else {
		dialer = bridge.DirectDialer{}
		log.Info().Msg("using direct connections")
	}

	var fbAddr *net.UDPAddr
	if *fallbackAddr != "" {
		fbAddr, err = net.ResolveUDPAddr("udp", *fallbackAddr)
		if err != nil {
			log.Fatal().Err(err).Str("addr", *fallbackAddr).Msg("failed to resolve fallback address")
		}
		log.Info().Str("addr", fbAddr.String()).Msg("fallback forwarding enabled")
	}

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.Error().Err(err).Msg("metrics server stopped")
			}
		}()
		log.Info().Str("addr", *metricsAddr).Msg("metrics endpoint listening")
	}

	dnsAddr := net.JoinHostPort(*dnsListenHost, itoa(*dnsListenPort))
	rt, err := serverrt.NewRuntime(serverrt.Config{
		ListenAddr:   dnsAddr,
		Domains:      normalizedDomains,
		FallbackAddr: fbAddr,
		ResetSeed:    seed,
		Fragmented:   *redundantPolls,
	}, tlsConfig, &quic.Config{
		KeepAlivePeriod:            35 * time.Second,
		MaxIdleTimeout:             time.Duration(*idleTimeoutSeconds) * time.Second,
		MaxIncomingStreams:         int64(*maxConnections),
		MaxIncomingUniStreams:      int64(*maxConnections),
		MaxStreamReceiveWindow:     6 * 1024 * 1024,
		MaxConnectionReceiveWindow: 15 * 1024 * 1024,
		DisablePathMTUDiscovery:    true,
	}, dialer)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start server runtime")
	}
	log.Info().Str("addr", dnsAddr).Int("domains", len(normalizedDomains)).Msg("slipstream server listening")

	if err := rt.Accept(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("accept loop terminated")
	}
}

func itoa(n int) string {
	return fmt.Sprintf("%d", n)
}
