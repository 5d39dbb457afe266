package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/argushq/liveintake/internal/config"
	"github.com/argushq/liveintake/internal/intake"
	"github.com/argushq/liveintake/internal/observe"
	"github.com/argushq/liveintake/pkg/transport"
)

const shutdownTimeout = 15 * time.Second

var talkCmd = &cobra.Command{
	Use:   "talk",
	Short: "Run one voice intake session in the terminal",
	Long: `Open the microphone and speaker, connect to the configured voice agent
and print the conversation as it happens. Press Ctrl+C to end the session.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		log := slog.Default()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := buildStack(ctx, cfg, observe.DefaultMetrics(), log)
		if err != nil {
			return err
		}
		defer st.close()
		svc, err := st.service(log)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		printSummary(out, cfg, "talk")
		return runTalk(ctx, svc, &console{w: out})
	},
}

// console serialises writes from the session goroutines.
type console struct {
	mu sync.Mutex
	w  io.Writer
}

func (c *console) println(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.w, s)
}

func (c *console) transcript(role, text string) {
	label := styles.User.Render("you  ")
	if role == transport.RoleAgent {
		label = styles.Agent.Render("agent")
	}
	c.println(label + " " + text)
}

func (c *console) event(ev intake.Event) {
	switch ev.Type {
	case intake.EventState:
		line := "session " + ev.State
		if ev.Error != "" {
			c.println(styles.Error.Render(line + ": " + ev.Error))
			return
		}
		if ev.State == "connected" {
			line += ", speak now (Ctrl+C to finish)"
		}
		c.println(styles.Status.Render(line))
	case intake.EventTalking:
		if ev.Talking {
			c.println(styles.Status.Render("agent speaking..."))
		}
	}
}

// runTalk runs one session until it ends on its own or ctx is cancelled.
func runTalk(ctx context.Context, svc *intake.Service, con *console) error {
	h, err := svc.StartVoiceSession(ctx, con.transcript)
	if err != nil {
		return err
	}
	events, cancel := h.Subscribe(64)
	defer cancel()

	stopping := ctx.Done()
loop:
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				break loop
			}
			con.event(ev)
		case <-stopping:
			stopping = nil
			con.println(styles.Status.Render("ending session..."))
			_ = svc.StopVoiceSession(h)
		}
	}
	<-h.Done()

	closeCtx, cancelClose := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelClose()
	if err := svc.Close(closeCtx); err != nil {
		slog.Warn("archive did not finish", "err", err)
	}

	status := h.Status()
	con.println(styles.Help.Render(fmt.Sprintf("session %s ended (%s), %d transcript entries",
		status.ID, status.State, len(status.Entries))))
	if status.Error != "" {
		return errors.New(status.Error)
	}
	return nil
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List the capture devices of the configured audio backend",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		reg := config.NewRegistry()
		registerBuiltins(reg, transport.NopRecorder{}, slog.Default())
		backend, err := reg.CreateAudio(cfg.Capture.Backend, cfg)
		if err != nil {
			return err
		}

		devices, err := backend.Devices(cmd.Context())
		if err != nil {
			return fmt.Errorf("list devices: %w", err)
		}
		out := cmd.OutOrStdout()
		if len(devices) == 0 {
			fmt.Fprintln(out, styles.Help.Render("no capture devices found"))
			return nil
		}
		for _, d := range devices {
			marker := "  "
			if d.Default {
				marker = styles.Agent.Render("* ")
			}
			fmt.Fprintf(out, "%s%s %s\n", marker, styles.Label.Render(d.ID), d.Name)
		}
		return nil
	},
}
