package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"sigbridge-server/pkg/config"
	"sigbridge-server/pkg/engine"
	"sigbridge-server/pkg/media"
	"sigbridge-server/pkg/metrics"
	"sigbridge-server/pkg/provision"
	"sigbridge-server/pkg/registrar"
	"sigbridge-server/pkg/transport"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(logger)
	if err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}
	cfg.ConfigureLogger(logger)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	if cfg.Metrics.Enabled {
		metrics.Init(logger)
	}

	store := provision.NewFileStore(logger, cfg.Provisioning.StorePath, cfg.Provisioning.SMDPHost)
	ext := provision.NewExtension(logger, store, cfg.Provisioning.User, cfg.Routing.LocalDomain)

	directory := registrar.NewDirectory(logger)
	if cfg.Registrar.SweepInterval > 0 {
		directory.StartSweeper(rootCtx, cfg.Registrar.SweepInterval)
	}

	relay := media.NewRelay(logger, media.NewPortManager(cfg.Media.PortMin, cfg.Media.PortMax))

	eng := engine.New(logger, engine.Options{
		LocalDomain:     cfg.Routing.LocalDomain,
		AdvertisedHost:  cfg.Network.AdvertisedHost,
		AdvertisedPort:  cfg.Network.AdvertisedPort,
		ExternalRouting: cfg.Routing.ExternalRouting,
		ExternalPort:    cfg.Routing.ExternalPort,
		DefaultExpires:  cfg.Registrar.DefaultExpires,
		IdleCallTimeout: cfg.Routing.IdleCallTimeout,
	}, directory, relay, ext)

	transports := transport.NewManager(logger, eng.Receive)
	eng.SetSender(transports)

	// The well-known signaling ports are the only resources whose loss
	// aborts startup; everything later degrades per call instead.
	if err := transports.ListenUDP(cfg.Network.UDPListenAddr); err != nil {
		logger.WithError(err).Fatal("Could not bind UDP signaling port")
	}
	if err := transports.ListenTCP(cfg.Network.TCPListenAddr); err != nil {
		logger.WithError(err).Fatal("Could not bind TCP signaling port")
	}

	var metricsServer interface{ Close() error }
	if cfg.Metrics.Enabled {
		metricsServer = metrics.StartServer(logger, cfg.Metrics.ListenAddr)
	}

	go eng.Run(rootCtx)

	logger.WithFields(logrus.Fields{
		"udp":    cfg.Network.UDPListenAddr,
		"tcp":    cfg.Network.TCPListenAddr,
		"domain": cfg.Routing.LocalDomain,
	}).Info("sigbridge server running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.WithField("signal", sig.String()).Info("Shutting down")

	rootCancel()
	eng.Stop()
	relay.Shutdown()
	transports.Close()
	if metricsServer != nil {
		metricsServer.Close()
	}

	// give in-flight log writes a moment before exit
	time.Sleep(100 * time.Millisecond)
	logger.Info("Shutdown complete")
}
