// Command oracle runs the social-distance oracle: it mirrors the public
// follow graph from the configured feeds into an in-memory store backed by
// SQLite and answers pairwise distance queries over HTTP and, optionally, as
// a DVM on the same relays.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/mappingbitcoin/wot-oracle/pkg/bfs"
	"github.com/mappingbitcoin/wot-oracle/pkg/cache"
	"github.com/mappingbitcoin/wot-oracle/pkg/config"
	"github.com/mappingbitcoin/wot-oracle/pkg/dedup"
	"github.com/mappingbitcoin/wot-oracle/pkg/dvm"
	"github.com/mappingbitcoin/wot-oracle/pkg/graph"
	"github.com/mappingbitcoin/wot-oracle/pkg/ingest"
	"github.com/mappingbitcoin/wot-oracle/pkg/oracle"
	"github.com/mappingbitcoin/wot-oracle/pkg/server"
	"github.com/mappingbitcoin/wot-oracle/pkg/storage"
	"github.com/mappingbitcoin/wot-oracle/pkg/telemetry"
)

// dedupCapacity bounds the advisory ingest duplicate filter.
const dedupCapacity = 65536

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(log)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storage.Open(ctx, cfg.DBPath, log)
	if err != nil {
		log.WithError(err).Fatal("failed to open mirror database")
	}
	defer db.Close()

	store := graph.NewStore()
	resume, err := db.Load(ctx, store)
	if err != nil {
		// Cold-start corruption: fail fast rather than serve a broken graph.
		log.WithError(err).Fatal("failed to load graph from mirror")
	}
	stats := store.Stats()
	log.WithFields(logrus.Fields{
		"nodes": stats.NodeCount,
		"edges": stats.EdgeCount,
	}).Info("graph loaded")

	dd, err := dedup.New(dedupCapacity)
	if err != nil {
		log.WithError(err).Fatal("failed to create dedup cache")
	}

	aggregator := telemetry.NewAggregator(telemetry.RealClock{}, telemetry.DefaultConfig())
	aggregator.Start(ctx)
	defer aggregator.Stop()

	writer := storage.NewWriter(db, cfg.Persist.QueueCapacity, cfg.Persist.BatchSize, cfg.DrainGrace(), log)
	ingester := ingest.New(cfg, store, dd, writer, aggregator, resume, log)

	pool := bfs.NewPool(0, log)
	defer pool.Close()

	resultCache := cache.New[oracle.DistanceResult](cfg.CacheSize, cfg.CacheTTL())
	svc := oracle.New(store, resultCache, pool, aggregator, aggregator,
		cfg.MaxHopsDefault, cfg.MaxHopsCeiling, log)

	httpServer := server.New(ctx, svc, cfg.HTTPPort, cfg.RateLimitPerMinute, log)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return writer.Run(ctx) })
	g.Go(func() error { return ingester.Run(ctx) })
	g.Go(func() error { return httpServer.Run(ctx) })
	if cfg.DVMEnabled {
		responder, err := dvm.New(cfg, svc, log)
		if err != nil {
			log.WithError(err).Fatal("failed to create dvm responder")
		}
		g.Go(func() error { return responder.Run(ctx) })
	}

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.WithError(err).Error("shutdown with error")
		os.Exit(1)
	}
	log.Info("shutdown complete")
}
