// Package cli implements the interactive operator console of a Bastion host.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"

	"github.com/bastion-project/bastion/internal/events"
	"github.com/bastion-project/bastion/internal/server"
)

// CLI provides an interactive command-line interface.
type CLI struct {
	eventBus *events.EventBus
	manager  *server.Manager
	in       io.Reader
	out      io.Writer
}

// NewCLI creates a CLI reading commands from in and writing to out.
func NewCLI(eventBus *events.EventBus, manager *server.Manager, in io.Reader, out io.Writer) *CLI {
	return &CLI{
		eventBus: eventBus,
		manager:  manager,
		in:       in,
		out:      out,
	}
}

// Start runs the command loop until ctx is cancelled or input ends.
func (c *CLI) Start(ctx context.Context) {
	fmt.Fprintln(c.out, "\nBastion CLI ready. Type 'help' for available commands.")

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
		if err := scanner.Err(); err != nil {
			log.Warn().Err(err).Msg("CLI: input closed")
		}
	}()

	for {
		fmt.Fprint(c.out, "bastion> ")
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			parts := strings.Fields(line)
			if len(parts) == 0 {
				continue
			}
			if err := c.Execute(ctx, strings.ToLower(parts[0]), parts[1:]); err != nil {
				fmt.Fprintf(c.out, "Error: %v\n", err)
			}
		}
	}
}

// Execute processes a single command.
func (c *CLI) Execute(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		c.printStatus()
	case "sessions", "ls":
		c.printSessions()
	case "session":
		return c.printSession(args)
	case "peers":
		c.printPeers()
	case "lag":
		c.printLag()
	case "create":
		return c.cmdCreate(args)
	case "end":
		return c.cmdEnd(args)
	case "invalidate":
		return c.cmdInvalidate(args)
	case "replays":
		return c.cmdReplays(ctx, args)
	case "verify":
		return c.cmdVerify(ctx, args)
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Shutting down Bastion...")
		c.eventBus.Emit(ctx, events.Event{
			Type:   events.EventShutdown,
			Source: "cli",
		})
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

func (c *CLI) printHelp() {
	fmt.Fprintln(c.out, `
  status                    Host capacity and transport counters
  sessions                  List hosted sessions
  session <match_id>        Show one session and its players
  peers                     List transport peers
  lag                       Show long-tick statistics
  create [mode] [map]       Open a lobby session
  end <match_id> [reason]   Abort a session
  invalidate <user_id>      Drop a user's cached tower bonuses
  replays [n]               List recently recorded matches
  verify <match_id>         Re-run a recorded match and compare digests
  quit                      Shut down Bastion
  help                      Show this help message`)
}

func (c *CLI) table(header []string) *tablewriter.Table {
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader(header)
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	return tw
}

func (c *CLI) printStatus() {
	capacity := c.manager.Capacity()
	stats := c.manager.Transport().Stats()

	tw := c.table([]string{"Sessions", "Players", "Peers", "Free Slots", "Packets In", "Packets Out", "Dropped", "Uptime"})
	tw.Append([]string{
		fmt.Sprintf("%d/%d", capacity.Sessions, capacity.MaxSessions),
		strconv.Itoa(capacity.Players),
		strconv.Itoa(capacity.Peers),
		strconv.Itoa(capacity.FreeSlots),
		strconv.FormatUint(stats.PacketsIn, 10),
		strconv.FormatUint(stats.PacketsOut, 10),
		strconv.FormatUint(stats.Dropped, 10),
		c.manager.Uptime().Truncate(time.Second).String(),
	})
	tw.Render()
}

func (c *CLI) printSessions() {
	sessions := c.manager.Sessions()
	if len(sessions) == 0 {
		fmt.Fprintln(c.out, "No sessions.")
		return
	}

	tw := c.table([]string{"Match ID", "Mode", "Map", "State", "Wave", "Tick", "Players", "Units", "Towers"})
	for _, s := range sessions {
		tw.Append([]string{
			s.MatchID,
			s.Mode,
			s.Map,
			s.State,
			fmt.Sprintf("%d/%d", s.Wave, s.Waves),
			strconv.FormatUint(s.Tick, 10),
			strconv.Itoa(len(s.Players)),
			strconv.Itoa(s.Units),
			strconv.Itoa(s.Towers),
		})
	}
	tw.Render()
}

func (c *CLI) printSession(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: session <match_id>")
	}
	info, ok := c.manager.Session(args[0])
	if !ok {
		return fmt.Errorf("session not found: %s", args[0])
	}

	fmt.Fprintf(c.out, "\n  Match ID:  %s\n", info.MatchID)
	fmt.Fprintf(c.out, "  Mode:      %s\n", info.Mode)
	fmt.Fprintf(c.out, "  Map:       %s\n", info.Map)
	fmt.Fprintf(c.out, "  State:     %s\n", info.State)
	fmt.Fprintf(c.out, "  Wave:      %d/%d\n", info.Wave, info.Waves)
	fmt.Fprintf(c.out, "  Tick:      %d\n", info.Tick)
	if info.Outcome != "" {
		fmt.Fprintf(c.out, "  Outcome:   %s\n", info.Outcome)
	}

	if len(info.Players) > 0 {
		tw := c.table([]string{"Player", "User", "Name", "Team", "Gold", "Lives", "Score", "Kills", "Connected"})
		for _, p := range info.Players {
			tw.Append([]string{
				strconv.FormatUint(uint64(p.PlayerID), 10),
				p.UserID,
				p.Name,
				strconv.Itoa(int(p.Team)),
				strconv.Itoa(p.Gold),
				strconv.Itoa(p.Lives),
				strconv.Itoa(p.Score),
				strconv.Itoa(p.Kills),
				strconv.FormatBool(p.Connected),
			})
		}
		tw.Render()
	}
	fmt.Fprintln(c.out)
	return nil
}

func (c *CLI) printPeers() {
	peers := c.manager.Transport().Peers()
	if len(peers) == 0 {
		fmt.Fprintln(c.out, "No peers.")
		return
	}

	tw := c.table([]string{"Peer", "Address", "State", "RTT (ms)", "Pending"})
	for _, p := range peers {
		tw.Append([]string{
			strconv.FormatUint(uint64(p.ID), 10),
			p.Addr,
			p.State.String(),
			strconv.FormatInt(p.RTTMillis, 10),
			strconv.Itoa(p.Pending),
		})
	}
	tw.Render()
}

func (c *CLI) printLag() {
	data := c.manager.Lag().GetAllMatchData()
	if len(data) == 0 {
		fmt.Fprintln(c.out, "No long ticks recorded.")
		return
	}

	tw := c.table([]string{"Match ID", "Total", "Last Hour", "Max (ms)", "Avg (ms)"})
	for id, d := range data {
		tw.Append([]string{
			id,
			strconv.Itoa(d.TotalEvents),
			strconv.Itoa(d.EventsThisHour),
			strconv.FormatInt(d.MaxDuration, 10),
			fmt.Sprintf("%.1f", d.AvgDuration),
		})
	}
	tw.Render()
}

func (c *CLI) cmdCreate(args []string) error {
	req := server.CreateRequest{}
	if len(args) > 0 {
		req.Mode = args[0]
	}
	if len(args) > 1 {
		req.Map = args[1]
	}

	info, err := c.manager.CreateSession(req)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Session %s created (%s on %s)\n", info.MatchID, info.Mode, info.Map)
	return nil
}

func (c *CLI) cmdEnd(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: end <match_id> [reason]")
	}
	reason := "ended from console"
	if len(args) > 1 {
		reason = strings.Join(args[1:], " ")
	}
	if err := c.manager.Abort(args[0], reason); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Abort requested for %s\n", args[0])
	return nil
}

func (c *CLI) cmdInvalidate(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: invalidate <user_id>")
	}
	n := c.manager.InvalidateBonuses(args[0])
	fmt.Fprintf(c.out, "Dropped %d cached bonuses for %s\n", n, args[0])
	return nil
}

func (c *CLI) cmdReplays(ctx context.Context, args []string) error {
	limit := 20
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			return fmt.Errorf("invalid count: %s", args[0])
		}
		limit = n
	}

	records, err := c.manager.RecentReplays(ctx, limit)
	if err != nil {
		return err
	}
	tw := c.table([]string{"Match ID", "Mode", "Map", "Started", "Outcome", "Ticks", "Complete"})
	for _, r := range records {
		tw.Append([]string{
			r.MatchID,
			r.Mode,
			r.Map,
			r.StartedAt.Format(time.RFC3339),
			r.Outcome,
			strconv.FormatUint(r.Ticks, 10),
			strconv.FormatBool(r.Complete),
		})
	}
	tw.Render()
	return nil
}

func (c *CLI) cmdVerify(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: verify <match_id>")
	}
	result, err := c.manager.Verify(ctx, args[0])
	if err != nil {
		return err
	}

	verdict := "MATCH"
	if !result.Match {
		verdict = "MISMATCH"
	}
	fmt.Fprintf(c.out, "%s: %s after %d ticks and %d commands\n  recorded %s\n  replayed %s\n",
		result.MatchID, verdict, result.Ticks, result.Entries, result.Expected, result.Actual)
	return nil
}
