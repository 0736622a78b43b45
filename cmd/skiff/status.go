package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"time"

	"github.com/skiffworks/skiff/pkg/bus"
	"github.com/skiffworks/skiff/pkg/config"
	"github.com/skiffworks/skiff/pkg/session"
)

// runStatusCommand queries a running server for one session's state over the
// bus. It needs NATS: the in-memory bus is not reachable from another process.
func runStatusCommand(args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath(), "config file")
	natsURL := fs.String("nats", "", "NATS server URL (overrides config)")
	sessionID := fs.String("session", "", "session id to query")
	timeout := fs.Duration("timeout", 5*time.Second, "query timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *sessionID == "" {
		return fmt.Errorf("status: -session is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	url := cfg.Bus.NATSURL
	if *natsURL != "" {
		url = *natsURL
	}
	if url == "" {
		return fmt.Errorf("status: the server must run on a NATS bus (set bus.nats_url or pass -nats)")
	}

	busConn, err := bus.NewNATSBus(bus.Config{URL: url, Name: "skiff-status"})
	if err != nil {
		return err
	}
	defer busConn.Close()

	data, err := busConn.Request(context.Background(), session.StatusSubject(*sessionID), nil, *timeout)
	if err != nil {
		return fmt.Errorf("query session %s: %w", *sessionID, err)
	}

	var st session.Status
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}

	fmt.Printf("session:  %s\n", st.SessionID)
	fmt.Printf("state:    %s\n", st.State)
	fmt.Printf("auto-run: %v\n", st.AutoRunEnabled)
	fmt.Printf("steps:    %d\n", st.StepCount)
	fmt.Printf("workdir:  %s\n", st.Workdir)
	if st.RunningCommandID != "" {
		fmt.Printf("running:  %s\n", st.RunningCommandID)
	}
	if st.Stuck {
		fmt.Printf("stuck:    %s\n", st.StuckReason)
	}
	if st.PendingCommand != "" {
		fmt.Printf("pending:  %s (awaiting safety approval)\n", st.PendingCommand)
	}
	return nil
}
