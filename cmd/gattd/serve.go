package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/user/gattd/profiles"
	"github.com/user/gattd/storage"
	"github.com/user/gattd/util"
	"github.com/user/gattd/wire"
	"github.com/user/gattd/wire/debug"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the attribute database",
	Long: `Starts the attribute server on the configured socket with the Generic
Access, Generic Attribute, Phone Alert Status, Current Time and Reference
Time Update services. Connected peers exposing a Battery service are read
and watched.

Subscriptions are kept in <data_dir>/subscriptions.yaml and restored when a
peer reconnects.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true
	log := cfg.NewLogger()

	store, err := storage.OpenFileStore(util.GetSubscriptionsPath(cfg.DataDir))
	if err != nil {
		return err
	}
	opts := []wire.Option{wire.WithLogger(log), wire.WithStore(store)}
	if cfg.DebugPackets {
		dir, err := util.GetCaptureDir(cfg.DataDir)
		if err != nil {
			return err
		}
		opts = append(opts, wire.WithCapture(debug.NewCapture(dir, true)))
	}

	server, err := wire.NewServer(cfg, opts...)
	if err != nil {
		return err
	}
	defer server.Close()

	ps, err := registerProfiles(server, log)
	if err != nil {
		return err
	}
	defer ps.clock.Wait()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(logrus.Fields{
		"address":  cfg.Address,
		"services": len(server.Registry().Services()),
		"handles":  server.Database().Count(),
	}).Info("Serving")
	return server.ListenAndServe(ctx)
}

// profileSet holds the profiles a serving instance runs.
type profileSet struct {
	alert     *profiles.PhoneAlert
	clock     *profiles.CurrentTime
	reference *profiles.ReferenceTime
	battery   *profiles.BatteryClient
}

func registerProfiles(server *wire.Server, log logrus.FieldLogger) (*profileSet, error) {
	var (
		ps  profileSet
		err error
	)
	if ps.alert, err = profiles.RegisterPhoneAlert(server, log); err != nil {
		return nil, fmt.Errorf("phone alert service: %w", err)
	}
	if ps.clock, err = profiles.RegisterCurrentTime(server, profiles.SystemClock, log); err != nil {
		return nil, fmt.Errorf("current time service: %w", err)
	}
	if ps.reference, err = profiles.RegisterReferenceTime(server, log); err != nil {
		return nil, fmt.Errorf("reference time service: %w", err)
	}

	ps.battery = profiles.NewBatteryClient(log)
	ps.battery.OnLevel = func(peer string, level uint8) {
		log.WithFields(logrus.Fields{"peer": peer, "level": level}).Info("Battery level")
	}
	server.Observe(ps.battery)
	return &ps, nil
}
