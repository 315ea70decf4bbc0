package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"canmon/logrecorder"
	"canmon/uds"
)

var flashHexFile string
var flashSecurityLevel int

func init() {
	flashCmd.Flags().StringVar(&flashHexFile, "hex", "", "Intel HEX firmware image to flash")
	flashCmd.Flags().IntVar(&flashSecurityLevel, "level", 0x01, "security access level (odd)")
	flashCmd.MarkFlagRequired("hex")
}

var flashCmd = &cobra.Command{
	Use:   "flash",
	Short: "Flash an Intel HEX firmware image over the diagnostic channel.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logOpts := logrecorder.DefaultOptions(cfg.Log.Path)
		logOpts.Verbose = verbose
		logger, logCloser, err := logrecorder.Init(logOpts)
		if err != nil {
			return err
		}
		defer logCloser.Close()

		f, err := os.Open(flashHexFile)
		if err != nil {
			return errors.Wrap(err, "open firmware image")
		}
		fw, err := uds.LoadFirmwareHex(f)
		f.Close()
		if err != nil {
			return err
		}

		kf, err := uds.ParseKeyFunc(cfg.UDS.Security)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return withSession(ctx, cfg, logger, func(ctx context.Context, sess *uds.Session) error {
			logger.Infof("flashing %d bytes in %d segments", fw.Size(), len(fw.Segments))

			if err := sess.ChangeSession(ctx, uds.SessionProgramming); err != nil {
				return errors.Wrap(err, "enter programming session")
			}
			if err := sess.SecurityAccess(ctx, byte(flashSecurityLevel), kf); err != nil {
				return errors.Wrap(err, "security access")
			}

			// Long transfers must not let the programming session lapse.
			keepAlive, cancel := context.WithCancel(ctx)
			defer cancel()
			go func() {
				ticker := time.NewTicker(2 * time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-keepAlive.Done():
						return
					case <-ticker.C:
						if err := sess.TesterPresent(keepAlive); err != nil && !errors.Is(err, uds.ErrSessionBusy) {
							logger.Warnf("tester present failed: %v", err)
						}
					}
				}
			}()

			start := time.Now()
			if err := sess.TransferFirmware(ctx, fw); err != nil {
				return err
			}
			cancel()

			if err := sess.ChangeSession(ctx, uds.SessionDefault); err != nil {
				return errors.Wrap(err, "return to default session")
			}
			fmt.Printf("flashed %d bytes in %s\n", fw.Size(), time.Since(start).Round(time.Millisecond))
			return nil
		})
	},
}
