package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/parsascontentcorner/liveringserver/internal/agentclient"
	"github.com/parsascontentcorner/liveringserver/internal/config"
	"github.com/parsascontentcorner/liveringserver/internal/heartbeat"
	"github.com/parsascontentcorner/liveringserver/internal/idle"
	"github.com/parsascontentcorner/liveringserver/internal/models"
	"github.com/parsascontentcorner/liveringserver/internal/signaling"
	"github.com/parsascontentcorner/liveringserver/pkg/logger"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Take calls from a terminal",
	Long: `Connects to the server as an agent. Incoming calls ring the terminal
bell, flash the window title and print a banner.

Commands: a [id] accept, r [id] reject, e end, back, q quit.
Any input counts as activity for idle detection.`,
	RunE: runAgent,
}

func init() {
	agentCmd.Flags().StringP("server", "s", "http://localhost:8080", "server base URL")
	agentCmd.Flags().StringP("token", "t", "", "identity token (default $LIVERING_TOKEN)")
	agentCmd.Flags().String("log-level", "warn", "log level")
}

func runAgent(cmd *cobra.Command, _ []string) error {
	_ = godotenv.Load()

	server, _ := cmd.Flags().GetString("server")
	token, _ := cmd.Flags().GetString("token")
	if token == "" {
		token = os.Getenv("LIVERING_TOKEN")
	}
	if token == "" {
		return errors.New("an identity token is required (--token or LIVERING_TOKEN)")
	}

	level, _ := cmd.Flags().GetString("log-level")
	log, err := logger.NewLogger(level, "console")
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	callCfg, err := config.LoadCallConfig()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	term := agentclient.NewTerminal(out, "LiveRing agent")
	alertCfg := agentclient.AlertConfig{
		RingDuration:  2 * time.Second,
		PauseDuration: 4 * time.Second,
		TitleCadence:  time.Second,
	}

	client, err := agentclient.NewClient(agentclient.Config{
		ServerURL: server,
		Token:     token,
		Heartbeat: heartbeat.Config{Interval: callCfg.HeartbeatInterval, StaleThreshold: callCfg.StaleThreshold},
		Idle:      idle.Config{IdleTimeout: callCfg.IdleTimeout, GracePeriod: callCfg.GracePeriod},
	}, term, log, term.Channels(alertCfg)...)
	if err != nil {
		return err
	}
	client.SetOnEvent(func(env *signaling.Envelope) { printEvent(out, env) })

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go readCommands(ctx, cmd.InOrStdin(), out, client, term, stop)

	fmt.Fprintf(out, "connecting to %s\n", server)
	return client.Run(ctx)
}

func readCommands(ctx context.Context, in io.Reader, out io.Writer, client *agentclient.Client, term *agentclient.Terminal, quit func()) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		client.Activity(idle.ActivityKey)
		term.Acknowledge()

		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		target := ""
		if len(fields) > 1 {
			target = fields[1]
		}

		var err error
		switch fields[0] {
		case "a", "accept":
			err = client.Accept(ringingOr(client, target))
		case "r", "reject":
			err = client.Reject(ringingOr(client, target))
		case "e", "end":
			if target == "" {
				target = client.Session()
			}
			err = client.End(target)
		case "back":
			client.MarkActive()
		case "q", "quit":
			quit()
			return
		default:
			fmt.Fprintf(out, "unknown command %q\n", fields[0])
		}
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
}

func ringingOr(client *agentclient.Client, id string) string {
	if id != "" {
		return id
	}
	if s := client.Ringing(); s != nil {
		return s.SessionID
	}
	return ""
}

func printEvent(out io.Writer, env *signaling.Envelope) {
	switch env.Type {
	case signaling.TypeAlertStart:
		fmt.Fprintf(out, "incoming call %s (a to accept, r to reject)\n", env.SessionID)
	case signaling.TypeState, signaling.TypeResumed:
		var p signaling.StatePayload
		if err := env.Decode(&p); err != nil || p.Session == nil {
			return
		}
		fmt.Fprintf(out, "call %s %s\n", p.Session.SessionID, describe(p.Session))
	case signaling.TypeStale:
		fmt.Fprintf(out, "call %s: caller connection lost\n", env.SessionID)
	case signaling.TypeHealthy:
		fmt.Fprintf(out, "call %s: caller connection restored\n", env.SessionID)
	case signaling.TypeError:
		var p signaling.ErrorPayload
		_ = env.Decode(&p)
		fmt.Fprintf(out, "error: %s\n", p.Message)
	}
}

func describe(s *models.CallSession) string {
	switch s.Status {
	case models.CallStatusAccepted:
		return "connected"
	case models.CallStatusCompleted:
		return fmt.Sprintf("ended after %ds", s.DurationSeconds.Int64)
	default:
		return string(s.Status)
	}
}
