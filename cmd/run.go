package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	ooindexer "github.com/oraclewatch/oo-indexer"
	"github.com/oraclewatch/oo-indexer/config"
	"github.com/oraclewatch/oo-indexer/ethrpc"
	"github.com/oraclewatch/oo-indexer/log"
	"github.com/oraclewatch/oo-indexer/metrics"
	"github.com/oraclewatch/oo-indexer/oraclesync"
	"github.com/urfave/cli/v2"
)

const shutdownTimeout = 5 * time.Second

func start(cliCtx *cli.Context) error {
	c, err := config.Load(cliCtx)
	if err != nil {
		return err
	}

	log.Init(c.Log)

	if c.Log.Environment == log.EnvironmentDevelopment {
		ooindexer.PrintVersion(os.Stdout)
		log.Info("Starting application")
	} else if c.Log.Environment == log.EnvironmentProduction {
		logVersion()
	}

	pool := ethrpc.NewClientPool(ethrpc.DefaultClientTTL, ethrpc.DefaultClientMaxLifetime)
	syncer, err := oraclesync.New(c.DBPath, c.Instances, pool, log.WithFields("module", "oraclesync"))
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cliCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	syncer.Start(ctx)
	defer syncer.Stop()

	var metricsSrv *http.Server
	if c.MetricsAddr != "" {
		metricsSrv = runMetricsServer(c.MetricsAddr)
	}

	<-ctx.Done()
	log.Info("Shutting down")

	if metricsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			log.Warnf("error shutting down metrics server: %v", err)
		}
	}
	return nil
}

func runMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Infof("metrics server listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("metrics server: %v", err)
		}
	}()
	return srv
}
