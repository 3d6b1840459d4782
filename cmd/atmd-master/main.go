package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/wyrdmeister/atmd-go/internal/assembly"
	"github.com/wyrdmeister/atmd-go/internal/master/ctrl"
	"github.com/wyrdmeister/atmd-go/internal/master/ingest"
	"github.com/wyrdmeister/atmd-go/internal/metrics"
	"github.com/wyrdmeister/atmd-go/internal/persist"
	"github.com/wyrdmeister/atmd-go/internal/queue"
	"github.com/wyrdmeister/atmd-go/internal/rtnet"
	"github.com/wyrdmeister/atmd-go/internal/textproto"
	"github.com/wyrdmeister/atmd-go/internal/wire"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("atmd-master %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(1)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	l.Info("build_info", "version", version, "commit", commit, "date", date, "agents", len(cfg.agents))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup

	ctrlSock, err := rtnet.Open(cfg.rtif, wire.EthertypeControl, cfg.rtskbs)
	if err != nil {
		l.Error("rtnet_open_error", "plane", "control", "error", err)
		os.Exit(1)
	}
	defer ctrlSock.Close()

	dataSock, err := rtnet.Open(cfg.rtif, wire.EthertypeData, cfg.rtskbs)
	if err != nil {
		l.Error("rtnet_open_error", "plane", "data", "error", err)
		os.Exit(1)
	}
	defer dataSock.Close()

	controller := ctrl.New(ctrlSock, cfg.version, cfg.agents)
	if err := controller.Discover(ctx); err != nil {
		l.Error("discover_error", "error", err)
		os.Exit(1)
	}
	go controller.Rehandshake(ctx)

	byMAC := make(map[[6]byte]int, len(cfg.agents))
	for _, a := range controller.Agents() {
		byMAC[a.MAC] = a.ID
	}

	q := queue.New(cfg.arenaMB * 1024 * 1024)
	ingestTask := ingest.New(dataSock, byMAC, q)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := ingestTask.Run(ctx); err != nil && ctx.Err() == nil {
			l.Error("ingest_task_error", "error", err)
			cancel()
		}
	}()

	store := textproto.NewMeasureStore()
	pipeline := assembly.New(q, store, len(cfg.agents), cfg.timeBinPS, cfg.autosave)

	bridge := persist.New()
	srv := textproto.NewServer(controller, store, bridge,
		textproto.WithListenAddr(cfg.listenAddr()),
		textproto.WithLogger(l),
	)
	pipeline.OnMeasureEnd(func() {
		srv.SetStatus(textproto.Status{Kind: textproto.StatusFinished})
	})

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := pipeline.Run(ctx); err != nil && ctx.Err() == nil {
			l.Error("assembly_pipeline_error", "error", err)
			cancel()
		}
	}()

	go func() {
		if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
			l.Error("textproto_server_error", "error", err)
			cancel()
		}
	}()

	go func() {
		select {
		case <-srv.Ready():
		case <-ctx.Done():
			return
		}
		portNum := cfg.tcpPort
		if _, p, err := net.SplitHostPort(srv.Addr()); err == nil {
			if pn, perr := strconv.Atoi(p); perr == nil {
				portNum = pn
			}
		}
		cleanupMDNS, err := startMDNS(ctx, cfg, portNum)
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
			return
		}
		l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "port", portNum)
		go func() { <-ctx.Done(); cleanupMDNS() }()
	}()

	metrics.SetReadinessFunc(func() bool {
		select {
		case <-srv.Ready():
		default:
			return false
		}
		return ctx.Err() == nil
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	l.Info("shutdown_signal", "signal", s.String())
	cancel()
	_ = srv.Shutdown(context.Background())
	wg.Wait()
}
