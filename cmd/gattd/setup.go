package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/user/gattd/config"
	"github.com/user/gattd/logger"
	"github.com/user/gattd/wire"
)

// loadConfig reads --config and applies --log-level on top of it.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.LogLevel = level
	}
	return cfg, nil
}

// dial connects to the configured server as id. The returned session has
// already exchanged MTU. Client commands log nothing unless --log-level is
// given.
func dial(ctx context.Context, cmd *cobra.Command, id string) (*wire.Server, *wire.Session, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}

	var log logrus.FieldLogger = logger.Discard()
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		log = logger.New(level)
	}

	client, err := wire.NewServer(cfg, wire.WithLogger(log))
	if err != nil {
		return nil, nil, err
	}
	sess, err := client.Dial(ctx, cfg.Network, cfg.Address, id)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	if _, err := sess.ExchangeMTU(ctx, cfg.MTU); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("exchange MTU: %w", err)
	}
	return client, sess, nil
}

// addClientFlags registers the flags shared by one-shot client commands.
func addClientFlags(cmd *cobra.Command, id *string, timeout *time.Duration) {
	cmd.Flags().StringVar(id, "id", "gattd-cli", "Identity presented to the server")
	cmd.Flags().DurationVar(timeout, "timeout", 10*time.Second, "Operation timeout")
}

// parseHandle accepts decimal or 0x-prefixed hexadecimal handles.
func parseHandle(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid handle %q: %w", s, err)
	}
	if v == 0 {
		return 0, fmt.Errorf("invalid handle %q: handle 0 is reserved", s)
	}
	return uint16(v), nil
}

// normalizeHex strips an optional 0x prefix and any spaces, colons or
// dashes between bytes.
func normalizeHex(s string) string {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', ':', '-':
			return -1
		}
		return r
	}, s)
}
