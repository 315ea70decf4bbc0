package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"canmon"
	"canmon/logrecorder"
	"canmon/metrics"
	"canmon/tp"
	"canmon/uds"
)

var readDTCCmd = &cobra.Command{
	Use:   "read-dtc",
	Short: "Read the ECU's stored trouble codes once and print them.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logOpts := logrecorder.DefaultOptions("")
		logOpts.Verbose = verbose
		logger, logCloser, err := logrecorder.Init(logOpts)
		if err != nil {
			return err
		}
		defer logCloser.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return withSession(ctx, cfg, logger, func(ctx context.Context, sess *uds.Session) error {
			report, err := sess.ReadDTCByStatusMask(ctx, cfg.statusMask())
			if err != nil {
				return err
			}
			catalog, err := cfg.catalog()
			if err != nil {
				return err
			}

			if len(report.Records) == 0 {
				fmt.Println("no trouble codes stored")
				return nil
			}
			fmt.Printf("availability mask 0x%02X, %d codes:\n", report.AvailabilityMask, len(report.Records))
			for _, rec := range report.Records {
				entry := catalog.Lookup(rec.Code.String())
				desc := entry.Description
				if !entry.Known {
					desc = "(no catalog entry)"
				}
				fmt.Printf("  %s  status 0x%02X  %s\n", rec.Code, rec.Status, desc)
			}
			return nil
		})
	},
}

// withSession opens the configured bus driver, builds a diagnostic session
// on it, pumps received frames into the session, and runs fn.
func withSession(ctx context.Context, cfg *appConfig, logger canmon.Logger, fn func(context.Context, *uds.Session) error) error {
	if cfg.UDS.RequestID == 0 || cfg.UDS.ResponseID == 0 {
		return errors.New("uds.request_id and uds.response_id must be configured")
	}
	tpCfg, err := cfg.tpConfig()
	if err != nil {
		return err
	}
	catalog, err := cfg.catalog()
	if err != nil {
		return err
	}

	drv := cfg.buildDriver(logger)
	if err := drv.Open(); err != nil {
		return errors.Wrap(err, "open bus driver")
	}
	defer drv.Close()

	addr, err := tp.NewAddress(tp.Normal11bits, cfg.UDS.RequestID, cfg.UDS.ResponseID)
	if err != nil {
		return errors.Wrap(err, "diagnostic address")
	}
	sess, err := uds.NewSession(addr, tpCfg, drv, uds.Options{
		Catalog:  catalog,
		Counters: metrics.NewCounters(),
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	pumpCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		for {
			select {
			case <-pumpCtx.Done():
				return
			case msg, ok := <-drv.Frames():
				if !ok {
					return
				}
				sess.HandleFrame(msg)
			}
		}
	}()

	return fn(ctx, sess)
}
