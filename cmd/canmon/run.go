package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"canmon"
	"canmon/driver"
	"canmon/logrecorder"
	"canmon/metrics"
	"canmon/monitor"
	"canmon/tp"
	"canmon/uds"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Monitor the bus: route frames, poll DTCs, forward records.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		logOpts := logrecorder.DefaultOptions(cfg.Log.Path)
		if cfg.Log.MaxSizeMB > 0 {
			logOpts.MaxSizeMB = cfg.Log.MaxSizeMB
		}
		if cfg.Log.Backups > 0 {
			logOpts.MaxBackups = cfg.Log.Backups
		}
		logOpts.Verbose = verbose
		logger, logCloser, err := logrecorder.Init(logOpts)
		if err != nil {
			return err
		}
		defer logCloser.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return runMonitor(ctx, cfg, logger)
	},
}

func runMonitor(ctx context.Context, cfg *appConfig, logger canmon.Logger) error {
	tpCfg, err := cfg.tpConfig()
	if err != nil {
		return err
	}
	catalog, err := cfg.catalog()
	if err != nil {
		return err
	}
	decoder, err := cfg.decoder()
	if err != nil {
		return err
	}
	forwarder, err := cfg.forwarder(logger)
	if err != nil {
		return err
	}
	patches, err := cfg.patches()
	if err != nil {
		return err
	}

	counters := metrics.NewCounters()
	startMetricsSinks(ctx, cfg, counters, logger)

	var setup *driver.Setup
	routerCfg := monitor.Config{
		Decoder:  decoder,
		Counters: counters,
		Logger:   logger,
	}
	if forwarder != nil {
		routerCfg.Forwarder = forwarder
		defer forwarder.Close()
	}
	if cfg.needsSetup() {
		setup = driver.NewSetup(cfg.Interface, cfg.Bitrate, cfg.ListenOnly, logger)
		routerCfg.Restarter = setup
		if err := setup.BringUp(ctx); err != nil {
			return err
		}
	}
	router := monitor.NewRouter(routerCfg)

	drv := cfg.buildDriver(logger)
	if err := drv.Open(); err != nil {
		return errors.Wrap(err, "open bus driver")
	}
	defer drv.Close()

	var sess *uds.Session
	if cfg.UDS.RequestID != 0 && cfg.UDS.ResponseID != 0 {
		addr, err := tp.NewAddress(tp.Normal11bits, cfg.UDS.RequestID, cfg.UDS.ResponseID)
		if err != nil {
			return errors.Wrap(err, "diagnostic address")
		}
		sess, err = uds.NewSession(addr, tpCfg, drv, uds.Options{
			Catalog:  catalog,
			Counters: counters,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		router.Register(sess)
	}

	if len(patches) > 0 {
		go func() {
			// Patches need the router loop running to see their responses.
			time.Sleep(100 * time.Millisecond)
			applied := router.ApplyPatches(ctx, drv, tpCfg, patches)
			logger.Infof("%d/%d patches applied", applied, len(patches))
		}()
	}

	if sess != nil && cfg.UDS.PollIntervalMs > 0 {
		go pollDTCs(ctx, sess, cfg, logger)
	}

	logger.Infof("monitoring %s", cfg.Interface)
	err = router.Run(ctx, drv.Frames())
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// pollDTCs periodically reads the ECU's trouble codes; logging and alerting
// happen inside the session.
func pollDTCs(ctx context.Context, sess *uds.Session, cfg *appConfig, logger canmon.Logger) {
	interval := time.Duration(cfg.UDS.PollIntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := sess.ReadDTCByStatusMask(ctx, cfg.statusMask()); err != nil {
				logger.Warnf("DTC poll failed: %v", err)
			}
		}
	}
}

func startMetricsSinks(ctx context.Context, cfg *appConfig, counters *metrics.Counters, logger canmon.Logger) {
	if cfg.Metrics.HTTPPort > 0 {
		go func() {
			addr := fmt.Sprintf(":%d", cfg.Metrics.HTTPPort)
			if err := http.ListenAndServe(addr, counters.Handler()); err != nil {
				logger.Warnf("metrics endpoint failed: %v", err)
			}
		}()
	}
	if cfg.Metrics.OutputFile != "" {
		go func() {
			ticker := time.NewTicker(10 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := counters.WriteFile(cfg.Metrics.OutputFile); err != nil {
						logger.Warnf("writing counters file: %v", err)
					}
				}
			}
		}()
	}
}
