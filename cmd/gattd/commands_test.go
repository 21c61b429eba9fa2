package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/suite"

	"github.com/user/gattd/config"
	"github.com/user/gattd/logger"
	"github.com/user/gattd/profiles"
	"github.com/user/gattd/wire"
)

// CommandTestSuite runs the CLI against a live server on a temporary socket.
type CommandTestSuite struct {
	suite.Suite

	server     *wire.Server
	profiles   *profileSet
	configPath string
	cancel     context.CancelFunc
	served     chan error
	noColor    bool
}

func (s *CommandTestSuite) SetupSuite() {
	s.noColor = color.NoColor
	color.NoColor = true
}

func (s *CommandTestSuite) TearDownSuite() {
	color.NoColor = s.noColor
}

func (s *CommandTestSuite) SetupTest() {
	dir := s.T().TempDir()
	s.T().Setenv("GATTD_DIR", dir)

	cfg := config.DefaultConfig()
	cfg.Address = filepath.Join(dir, "gattd.sock")

	server, err := wire.NewServer(cfg, wire.WithLogger(logger.Discard()))
	s.Require().NoError(err)
	s.profiles, err = registerProfiles(server, logger.Discard())
	s.Require().NoError(err)
	s.server = server

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.served = make(chan error, 1)
	go func() { s.served <- server.ListenAndServe(ctx) }()
	s.Require().Eventually(func() bool {
		_, err := os.Stat(cfg.Address)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	s.configPath = filepath.Join(dir, "gattd.yaml")
	s.Require().NoError(os.WriteFile(s.configPath, []byte(fmt.Sprintf("address: %s\n", cfg.Address)), 0644))

	readRaw = false
	writeNoResponse = false
}

func (s *CommandTestSuite) TearDownTest() {
	s.cancel()
	s.NoError(<-s.served)
	s.server.Close()
	s.profiles.battery.Wait()
}

// run executes the root command with args and returns its output.
func (s *CommandTestSuite) run(args ...string) (string, error) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append(args, "--config", s.configPath))
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func (s *CommandTestSuite) TestDiscoverPrintsTree() {
	out, err := s.run("discover")
	s.Require().NoError(err)

	s.Contains(out, "[0x0001-0x0005] Service 0x1800")
	s.Contains(out, "[0x0003] Characteristic 0x2A00 (read)")
	s.Contains(out, "Service 0x180E")
	s.Contains(out, "Characteristic 0x2A3F (read, notify)")
	s.Contains(out, "Characteristic 0x2A40 (write-without-response, write)")
	s.Contains(out, "Descriptor 0x2902")
	s.Contains(out, "Service 0x1805")
	s.Contains(out, "Service 0x1806")
}

func (s *CommandTestSuite) TestReadDeviceName() {
	out, err := s.run("read", "0x0003")
	s.Require().NoError(err)
	s.Equal("6761747464\n", out)

	out, err = s.run("read", "3", "--raw")
	s.Require().NoError(err)
	s.Equal("gattd", out)
}

func (s *CommandTestSuite) TestReadErrors() {
	_, err := s.run("read", "0")
	s.Error(err)

	_, err = s.run("read", "0x0FFF")
	s.ErrorContains(err, "read 0x0FFF")
}

func (s *CommandTestSuite) TestWriteRingerControlPoint() {
	_, _, control := s.profiles.alert.Handles()
	h := fmt.Sprintf("0x%04X", control)

	out, err := s.run("write", h, "01")
	s.Require().NoError(err)
	s.Equal(fmt.Sprintf("wrote 1 bytes to %s\n", h), out)
	s.Equal(uint8(profiles.RingerSilent), s.profiles.alert.Ringer())

	_, err = s.run("write", h, "0x03", "--no-response")
	s.Require().NoError(err)
	s.Eventually(func() bool {
		return s.profiles.alert.Ringer() == profiles.RingerNormal
	}, 2*time.Second, 5*time.Millisecond)
}

func (s *CommandTestSuite) TestWriteRejectsBadHex() {
	_, err := s.run("write", "0x0010", "zz")
	s.ErrorContains(err, "invalid hex value")
}

func TestCommandTestSuite(t *testing.T) {
	suite.Run(t, new(CommandTestSuite))
}

func TestParseHandle(t *testing.T) {
	tests := []struct {
		in      string
		want    uint16
		wantErr bool
	}{
		{"3", 3, false},
		{"0x0010", 0x10, false},
		{"0XFFFF", 0xFFFF, false},
		{"0", 0, true},
		{"0x10000", 0, true},
		{"handle", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseHandle(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseHandle(%q) = %d, want error", tt.in, got)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Fatalf("parseHandle(%q) = %d, %v; want %d", tt.in, got, err, tt.want)
			}
		})
	}
}

func TestNormalizeHex(t *testing.T) {
	tests := map[string]string{
		"0102FF":      "0102FF",
		"0x0102":      "0102",
		"de:ad:be:ef": "deadbeef",
		"01 02-03":    "010203",
	}
	for in, want := range tests {
		if got := normalizeHex(in); got != want {
			t.Errorf("normalizeHex(%q) = %q, want %q", in, got, want)
		}
	}
}
