// Package cli implements the interactive console: lifecycle commands,
// status and server tables, journal history and configuration edits.
package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"

	"github.com/forge-project/forge/internal/address"
	"github.com/forge-project/forge/internal/config"
	"github.com/forge-project/forge/internal/db"
	"github.com/forge-project/forge/internal/events"
	"github.com/forge-project/forge/internal/session"
)

// Controller accepts lifecycle requests and exposes the latest status.
type Controller interface {
	Submit(ctx context.Context, req session.Request) (session.Status, error)
	Status() session.Status
}

// History reads journaled transitions.
type History interface {
	RecentTransitions(ctx context.Context, limit int) ([]db.Transition, error)
}

// CLI provides an interactive command-line interface.
type CLI struct {
	cfg      *config.Config
	eventBus *events.EventBus
	ctrl     Controller
	history  History

	in  io.Reader
	out io.Writer
}

// NewCLI creates a CLI reading commands from in and writing to out.
// history may be nil when the journal is disabled.
func NewCLI(cfg *config.Config, eventBus *events.EventBus, ctrl Controller, history History, in io.Reader, out io.Writer) *CLI {
	return &CLI{
		cfg:      cfg,
		eventBus: eventBus,
		ctrl:     ctrl,
		history:  history,
		in:       in,
		out:      out,
	}
}

// Start reads commands until ctx is cancelled or input ends.
func (c *CLI) Start(ctx context.Context) {
	fmt.Fprintln(c.out, "\nforge CLI ready. Type 'help' for available commands.")
	fmt.Fprintln(c.out, "─────────────────────────────────────────────────────")

	// The scanner blocks on input; it is left behind when ctx ends first.
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Fprint(c.out, "forge> ")
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			c.Execute(ctx, line)
		}
	}
}

// Execute runs one command line and prints the outcome.
func (c *CLI) Execute(ctx context.Context, line string) {
	parts := strings.Fields(strings.TrimSpace(line))
	if len(parts) == 0 {
		return
	}
	if err := c.execute(ctx, strings.ToLower(parts[0]), parts[1:]); err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
	}
}

func (c *CLI) execute(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		c.printStatus()
	case "servers", "ls":
		c.printServers()
	case "history":
		return c.printHistory(ctx, args)
	case "menu":
		return c.cmdMenu(ctx, args)
	case "start":
		return c.submit(ctx, session.StartLocal())
	case "stop":
		return c.submit(ctx, session.StopLocal())
	case "public":
		return c.submit(ctx, session.GoPublic())
	case "private":
		return c.submit(ctx, session.GoPrivate())
	case "connect", "join":
		return c.cmdConnect(ctx, args)
	case "disconnect":
		return c.submit(ctx, session.Disconnect())
	case "retry":
		return c.submit(ctx, session.Retry())
	case "reset":
		return c.submit(ctx, session.ResetToMenu())
	case "pause":
		return c.submit(ctx, session.SetFocus(session.FocusPaused))
	case "resume":
		return c.submit(ctx, session.SetFocus(session.FocusPlaying))
	case "setconfig":
		return c.cmdSetConfig(args)
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Shutting down forge...")
		if c.eventBus != nil {
			c.eventBus.Emit(ctx, events.Event{Type: events.EventShutdown, Source: "cli"})
		}
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

func (c *CLI) printHelp() {
	fmt.Fprintln(c.out, `
  status                 Show the session state
  servers                List LAN servers found while browsing
  history [n]            Show the last n journaled transitions
  menu <context>         Navigate (main, singleplayer_new_game, multiplayer_join, ...)
  start | stop           Start or stop the local session
  public | private       Open or close the local session to the LAN
  connect <addr> [fp]    Join host:port, optionally pinning a certificate fingerprint
  disconnect | retry     Leave the server or retry the last target
  reset                  Return to the menu from a failed session
  pause | resume         Toggle in-game focus
  setconfig <s.k> <v>    Update a network, discovery or session setting
  quit                   Shut forge down`)
	fmt.Fprintln(c.out)
}

func (c *CLI) submit(ctx context.Context, req session.Request) error {
	st, err := c.ctrl.Submit(ctx, req)
	if err != nil {
		var rejected *session.RejectedError
		var invalid *address.ValidationError
		switch {
		case errors.As(err, &rejected):
			return fmt.Errorf("%s not allowed in %s (%s)", req.Kind, rejected.State, rejected.Reason)
		case errors.As(err, &invalid):
			return fmt.Errorf("%s (%s)", invalid.Error(), invalid.Reason)
		}
		return err
	}
	fmt.Fprintf(c.out, "%s accepted, now %s\n", req.Kind, st.Leaf)
	return nil
}

func (c *CLI) cmdMenu(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: menu <context>")
	}
	m, ok := session.ParseMenuContext(args[0])
	if !ok {
		return fmt.Errorf("unknown menu context: %s", args[0])
	}
	return c.submit(ctx, session.Navigate(m))
}

func (c *CLI) cmdConnect(ctx context.Context, args []string) error {
	target := c.cfg.GetNetwork().DefaultTarget
	if len(args) > 0 {
		target = args[0]
	}
	if target == "" {
		return fmt.Errorf("usage: connect <host:port> [fingerprint]")
	}

	fp := c.cfg.GetNetwork().ExpectedFingerprint
	if len(args) > 1 {
		fp = args[1]
	}
	return c.submit(ctx, session.Connect(target, fp))
}

func (c *CLI) printStatus() {
	st := c.ctrl.Status()

	tw := c.table([]string{"Field", "Value"})
	tw.Append([]string{"State", st.Leaf})
	tw.Append([]string{"Simulation", onOff(st.SimulationActive)})
	if st.SessionID != "" {
		tw.Append([]string{"Session", st.SessionID})
	}
	if st.State.Game != nil {
		tw.Append([]string{"Focus", st.State.Game.Focus.String()})
	}
	if st.Target != nil {
		tw.Append([]string{"Target", st.Target.URL})
	}
	if st.Host != nil {
		tw.Append([]string{"Hosting", st.Host.Address})
		tw.Append([]string{"Fingerprint", st.Host.Fingerprint})
	}
	if st.ShutdownStep != nil {
		tw.Append([]string{"Shutdown step", st.ShutdownStep.String()})
	}
	tw.Append([]string{"Local peers", strconv.Itoa(st.LocalPeers)})
	tw.Append([]string{"Remote peers", strconv.Itoa(st.RemotePeers)})
	if st.Error != "" {
		tw.Append([]string{"Error", st.Error})
	}

	fmt.Fprintln(c.out)
	tw.Render()
	fmt.Fprintln(c.out)
}

func (c *CLI) printServers() {
	st := c.ctrl.Status()
	if len(st.Servers) == 0 {
		fmt.Fprintln(c.out, "No LAN servers found (browse with 'menu multiplayer_join').")
		return
	}

	tw := c.table([]string{"URL", "First Seen", "Last Seen"})
	for _, s := range st.Servers {
		tw.Append([]string{s.URL, s.FirstSeen.Format(time.TimeOnly), s.LastSeen.Format(time.TimeOnly)})
	}
	fmt.Fprintln(c.out)
	tw.Render()
	fmt.Fprintln(c.out)
}

func (c *CLI) printHistory(ctx context.Context, args []string) error {
	if c.history == nil {
		return fmt.Errorf("journal is disabled")
	}

	limit := 20
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			return fmt.Errorf("invalid count: %s", args[0])
		}
		limit = n
	}

	transitions, err := c.history.RecentTransitions(ctx, limit)
	if err != nil {
		return err
	}

	tw := c.table([]string{"Time", "From", "To", "Cause", "Sim"})
	for _, t := range transitions {
		tw.Append([]string{
			t.At.Format(time.DateTime),
			t.From,
			t.To,
			t.Cause,
			onOff(t.SimulationActive),
		})
	}
	fmt.Fprintln(c.out)
	tw.Render()
	fmt.Fprintln(c.out)
	return nil
}

func (c *CLI) cmdSetConfig(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: setconfig <section.key> <value>")
	}

	section, key, ok := strings.Cut(args[0], ".")
	if !ok {
		return fmt.Errorf("key must be section.key, got %s", args[0])
	}
	raw := strings.Join(args[1:], " ")

	// Numbers and booleans are typed; anything else is a string.
	var value interface{}
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		value = raw
	}

	result, err := c.cfg.ApplyField(section, key, value)
	if _, isString := value.(string); err != nil && !isString {
		// "26000" for a text field such as lan_port.
		result, err = c.cfg.ApplyField(section, key, raw)
	}
	if err != nil {
		return err
	}
	if !result.IsValid() {
		return result.Errors[0]
	}
	for _, w := range result.Warnings {
		fmt.Fprintf(c.out, "Warning: %s: %s\n", w.Field, w.Message)
	}

	if err := c.cfg.Save(); err != nil {
		return err
	}
	log.Info().Str("section", section).Str("key", key).Msg("CLI: configuration updated")
	fmt.Fprintf(c.out, "Config updated: %s.%s = %s\n", section, key, raw)
	return nil
}

func (c *CLI) table(header []string) *tablewriter.Table {
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader(header)
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	tw.SetAlignment(tablewriter.ALIGN_LEFT)
	return tw
}

func onOff(b bool) string {
	if b {
		return "active"
	}
	return "inactive"
}
