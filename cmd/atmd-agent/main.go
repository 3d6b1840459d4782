package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/wyrdmeister/atmd-go/internal/agent"
	"github.com/wyrdmeister/atmd-go/internal/board/pci"
	"github.com/wyrdmeister/atmd-go/internal/metrics"
	"github.com/wyrdmeister/atmd-go/internal/rtnet"
	"github.com/wyrdmeister/atmd-go/internal/wire"
)

var boardDevice = flag.String("board", "/dev/atmd0", "Converter board PCI device path")

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("atmd-agent %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(1)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	l.Info("build_info", "version", version, "commit", commit, "date", date)

	dev, err := pci.Open(*boardDevice)
	if err != nil {
		l.Error("board_open_error", "error", err, "device", *boardDevice)
		os.Exit(1)
	}
	drv := pci.NewDriver(dev)
	l.Info("board_configured", "device", *boardDevice, "status", drv.Status().String())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

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
	dataTX := rtnet.NewTXWriter(ctx, dataSock, 256, "data")
	defer dataTX.Close()

	cycles := rtnet.NewTickerCycleSource(tdmaCyclePeriod(cfg))
	defer cycles.Stop()

	a := agent.New(ctrlSock, dataTX, drv, cycles, cfg.version)

	metrics.SetReadinessFunc(func() bool { return ctx.Err() == nil })
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx) }()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sigCh:
		l.Info("shutdown_signal", "signal", s.String())
		cancel()
		<-runErr
	case err := <-runErr:
		if err != nil {
			l.Error("agent_run_error", "error", err)
		}
	}
}
