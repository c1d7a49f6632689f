// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

// weft-node is the Weft node daemon. It loads the node's identity and
// sealed keys, opens the queue stores, connects the configured
// transports, and runs the inbound envelope pipeline until terminated.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/weft-foundation/weft/dispatch"
	"github.com/weft-foundation/weft/envelope"
	"github.com/weft-foundation/weft/jobqueue"
	"github.com/weft-foundation/weft/lib/clock"
	"github.com/weft-foundation/weft/lib/config"
	"github.com/weft-foundation/weft/lib/identity"
	"github.com/weft-foundation/weft/lib/keyring"
	"github.com/weft-foundation/weft/lib/secret"
	"github.com/weft-foundation/weft/lib/sqlitepool"
	"github.com/weft-foundation/weft/lib/version"
	"github.com/weft-foundation/weft/node"
	"github.com/weft-foundation/weft/registry"
	"github.com/weft-foundation/weft/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := pflag.String("config", "",
		"path to the weft.yaml config file (defaults to WEFT_CONFIG)")
	ageIdentityPath := pflag.String("age-identity", os.Getenv("WEFT_AGE_IDENTITY"),
		"path to the age identity that unseals the keyring file")
	logLevel := pflag.String("log-level", "info",
		"log level: debug, info, warn, error")
	showVersion := pflag.Bool("version", false,
		"print version and exit")
	pflag.Parse()

	if *showVersion {
		fmt.Printf("weft-node %s\n", version.Info())
		return nil
	}

	logger, err := newLogger(*logLevel)
	if err != nil {
		return err
	}

	var cfg *config.Config
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	self, err := identity.Parse(cfg.Node.Identity)
	if err != nil {
		return fmt.Errorf("node.identity: %w", err)
	}

	if *ageIdentityPath == "" {
		return fmt.Errorf("--age-identity (or WEFT_AGE_IDENTITY) is required to unseal the keyring")
	}
	ageIdentity, err := secret.ReadFromPath(*ageIdentityPath)
	if err != nil {
		return fmt.Errorf("reading age identity: %w", err)
	}
	keys, err := keyring.UnsealFile(cfg.Node.KeyringFile, ageIdentity)
	ageIdentity.Close()
	if err != nil {
		return fmt.Errorf("unsealing keyring: %w", err)
	}
	defer keys.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.Real()

	// Inbound job queues and the outbound retry queue live in
	// separate databases so the two managers never see each other's
	// queue names.
	queuePool, err := sqlitepool.Open(sqlitepool.Config{
		Path:      cfg.Storage.QueueDB,
		OnConnect: jobqueue.Schema,
	})
	if err != nil {
		return fmt.Errorf("opening queue database: %w", err)
	}
	defer queuePool.Close()

	retryPool, err := sqlitepool.Open(sqlitepool.Config{
		Path:      cfg.Storage.RetryDB,
		OnConnect: jobqueue.Schema,
	})
	if err != nil {
		return fmt.Errorf("opening retry database: %w", err)
	}
	defer retryPool.Close()

	queue := jobqueue.NewCBORManager[node.QueueMessage](jobqueue.NewSQLiteStore(queuePool), logger)
	retry := jobqueue.NewCBORManager[dispatch.PendingSend](jobqueue.NewSQLiteStore(retryPool), logger)

	var reg registry.Registry
	if cfg.Registry.URL != "" {
		reg = registry.NewHTTPRegistry(cfg.Registry.URL, nil)
	} else {
		reg, err = registry.NewFileRegistry(cfg.Registry.PeersFile)
		if err != nil {
			return fmt.Errorf("opening peers file: %w", err)
		}
	}
	resolver, err := registry.NewResolver(registry.ResolverConfig{
		Registry:    reg,
		Clock:       clk,
		Logger:      logger,
		TTL:         cfg.Registry.CacheTTL.Std(),
		NegativeTTL: cfg.Registry.NegativeTTL.Std(),
	})
	if err != nil {
		return err
	}

	var listeners []transport.Listener

	if cfg.Listen.Address != "" {
		tcpListener, err := transport.NewTCPListener(cfg.Listen.Address, logger)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", cfg.Listen.Address, err)
		}
		listeners = append(listeners, tcpListener)
		logger.Info("direct listener up", "address", tcpListener.Address())
	}

	if cfg.Relay.Address != "" {
		listeners = append(listeners, transport.NewRelayListener(cfg.Relay.Address, self, clk, logger))
		logger.Info("relay listener configured", "relay", cfg.Relay.Address)
	}

	var peer transport.Dialer
	if cfg.ICE.Signaler != "" {
		authenticator := &transport.KeyringAuthenticator{
			Key: keys.Signing,
			Lookup: func(peerName string) (keyring.SigningPublicKey, error) {
				resolved, err := resolver.ResolveString(ctx, peerName)
				if err != nil {
					return nil, err
				}
				return resolved.SigningKey, nil
			},
		}
		peerTransport := transport.NewPeerTransport(
			transport.NewHTTPSignaler(cfg.ICE.Signaler, nil),
			self,
			authenticator,
			transport.ICEConfigFromURLs(cfg.ICE.URLs, cfg.ICE.Username, cfg.ICE.Credential),
			logger,
		)
		listeners = append(listeners, peerTransport)
		peer = peerTransport
		logger.Info("peer transport configured", "signaler", cfg.ICE.Signaler)
	}

	order, err := dispatch.ParseRoutes(cfg.Transport.Order)
	if err != nil {
		return err
	}
	dispatcher, err := dispatch.New(dispatch.Config{
		Resolver:      resolver,
		Direct:        &transport.TCPDialer{Timeout: 10 * time.Second},
		Peer:          peer,
		Retry:         retry,
		Order:         order,
		MaxAttempts:   cfg.Retry.MaxAttempts,
		BaseBackoff:   cfg.Retry.BaseBackoff.Std(),
		MaxBackoff:    cfg.Retry.MaxBackoff.Std(),
		RetryInterval: cfg.Retry.Interval.Std(),
		Clock:         clk,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	defer dispatcher.Close()

	pingPeers := make([]identity.Identity, 0, len(cfg.Ping.Peers))
	for _, raw := range cfg.Ping.Peers {
		peer, err := identity.Parse(raw)
		if err != nil {
			return fmt.Errorf("ping.peers entry %q: %w", raw, err)
		}
		pingPeers = append(pingPeers, peer)
	}

	n, err := node.New(node.Config{
		Identity:     self,
		Keys:         keys,
		Resolver:     resolver,
		Sender:       dispatcher,
		Queue:        queue,
		Processor:    &logProcessor{logger: logger},
		Listeners:    listeners,
		PingInterval: cfg.Ping.Interval.Std(),
		PingPeers:    pingPeers,
		Clock:        clk,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	retryDone := make(chan struct{})
	go func() {
		defer close(retryDone)
		if err := dispatcher.RunRetryWorker(ctx); err != nil && ctx.Err() == nil {
			logger.Error("retry worker failed", "error", err)
		}
	}()

	logger.Info("weft node running",
		"identity", self,
		"version", version.Short(),
		"listen", cfg.Listen.Address,
		"relay", cfg.Relay.Address,
		"routes", cfg.Transport.Order,
	)

	err = n.Run(ctx)
	<-retryDone
	logger.Info("shut down")
	return err
}

func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}

// logProcessor is the default JobProcessor: it decodes job payloads
// and logs them. Deployments embed the node packages and supply their
// own processor; the daemon on its own is a transport and queueing
// core.
type logProcessor struct {
	logger *slog.Logger
}

func (p *logProcessor) Process(_ context.Context, jobID string, env *envelope.Envelope) error {
	data := env.Body.Plain.MessageData.Plain
	if data == nil {
		return fmt.Errorf("job %s: message data still encrypted", jobID)
	}
	switch data.ContentSchema {
	case envelope.SchemaJobCreation:
		creation, err := envelope.DecodeJobCreation(data)
		if err != nil {
			return err
		}
		p.logger.Info("job created", "job", jobID, "scope", creation.Scope)
	case envelope.SchemaJobMessage:
		msg, err := envelope.DecodeJobMessage(data)
		if err != nil {
			return err
		}
		p.logger.Info("job message", "job", jobID, "bytes", len(msg.Content))
	default:
		p.logger.Info("message", "job", jobID, "schema", data.ContentSchema)
	}
	return nil
}
