// Package cli implements the interactive operator console of the relay.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/muco-project/muco-relay/internal/config"
	"github.com/muco-project/muco-relay/internal/relay"
	"github.com/muco-project/muco-relay/internal/replication"
	"github.com/muco-project/muco-relay/internal/util"
)

// CLI provides an interactive command-line interface.
type CLI struct {
	cfg      *config.Config
	manager  *replication.Manager
	in       io.Reader
	out      io.Writer
	shutdown func()
	logger   zerolog.Logger
}

// NewCLI creates a console reading commands from in and printing to out.
// shutdown is called by the quit command.
func NewCLI(cfg *config.Config, manager *replication.Manager, in io.Reader, out io.Writer, shutdown func()) *CLI {
	return &CLI{
		cfg:      cfg,
		manager:  manager,
		in:       in,
		out:      out,
		shutdown: shutdown,
		logger:   log.With().Str("component", "cli").Logger(),
	}
}

// Start runs the console until ctx is cancelled or input ends.
func (c *CLI) Start(ctx context.Context) {
	fmt.Fprintln(c.out, "\nmuco-relay console ready. Type 'help' for available commands.")

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
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				c.logger.Debug().Msg("console input closed")
				return
			}
			c.Exec(line)
		}
	}
}

// Exec runs one command line.
func (c *CLI) Exec(line string) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return
	}
	cmd := strings.ToLower(parts[0])
	if err := c.execute(cmd, parts[1:]); err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
	}
}

func (c *CLI) execute(cmd string, args []string) error {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		c.printStatus()
	case "stats":
		c.printStats()
	case "peers", "roster":
		c.printPeers()
	case "devices":
		c.printDevices()
	case "start":
		return c.cmdStart(args)
	case "stop":
		return c.cmdStop()
	case "load":
		return c.cmdLoad(args)
	case "kick":
		return c.cmdKick(args)
	case "setconfig":
		return c.cmdSetConfig(args)
	case "sys":
		return c.printSystem()
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Shutting down muco-relay...")
		if c.shutdown != nil {
			c.shutdown()
		}
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

func (c *CLI) printHelp() {
	fmt.Fprint(c.out, `
  status              Show relay status
  stats               Show relay counters
  peers               List joined peers
  devices             List device reports
  start [port]        Start the relay
  stop                Stop the relay
  load [experience]   Load an experience on every peer
  kick <identity>     Disconnect a peer
  setconfig <k> <v>   Update a relay_data value
  sys                 Show host CPU and memory usage
  quit                Shut down muco-relay
  help                Show this help message

`)
}

func (c *CLI) printStatus() {
	state := "STOPPED"
	if c.manager.IsRunning() {
		state = "RUNNING"
	}
	experience := c.manager.CurrentExperience()
	if experience == "" {
		experience = "-"
	}
	stats := c.manager.Stats()

	fmt.Fprintf(c.out, "\n  Relay:        %s\n", state)
	fmt.Fprintf(c.out, "  Port:         %d\n", c.manager.Port())
	fmt.Fprintf(c.out, "  Transport:    %s\n", c.manager.Transport())
	fmt.Fprintf(c.out, "  Mode:         %s\n", c.manager.Server().Mode())
	fmt.Fprintf(c.out, "  Experience:   %s\n", experience)
	fmt.Fprintf(c.out, "  Peers:        %d\n", stats.ActivePeers)
	fmt.Fprintf(c.out, "  Uptime:       %s\n\n", time.Duration(stats.UptimeSeconds)*time.Second)
}

func (c *CLI) printStats() {
	s := c.manager.Stats()
	tw := c.table([]string{"Counter", "Value"})
	rows := [][]string{
		{"connections accepted", strconv.FormatUint(s.ConnectionsAccepted, 10)},
		{"packets received", strconv.FormatUint(s.PacketsReceived, 10)},
		{"packets sent", strconv.FormatUint(s.PacketsSent, 10)},
		{"bytes received", strconv.FormatUint(s.BytesReceived, 10)},
		{"bytes sent", strconv.FormatUint(s.BytesSent, 10)},
		{"decode errors", strconv.FormatUint(s.DecodeErrors, 10)},
		{"routing drops", strconv.FormatUint(s.RoutingDrops, 10)},
		{"unhandled drops", strconv.FormatUint(s.PacketsDropped, 10)},
		{"send errors", strconv.FormatUint(s.SendErrors, 10)},
		{"transport errors", strconv.FormatUint(s.TransportErrors, 10)},
		{"invariant violations", strconv.FormatUint(s.InvariantViolations, 10)},
	}
	tw.AppendBulk(rows)
	tw.Render()
}

func (c *CLI) printPeers() {
	peers := c.manager.Roster()
	if len(peers) == 0 {
		fmt.Fprintln(c.out, "No peers joined")
		return
	}

	tw := c.table([]string{"Identity", "Address", "Connected", "Rx", "Tx", "Device", "Position"})
	for _, p := range peers {
		device, position := "-", "-"
		if p.Device != nil {
			device = p.Device.DeviceModel
		}
		if p.Transform != nil {
			position = fmt.Sprintf("%.2f, %.2f, %.2f", p.Transform.Position.X, p.Transform.Position.Y, p.Transform.Position.Z)
		}
		tw.Append([]string{
			strconv.Itoa(int(p.Identity)),
			p.RemoteAddr,
			time.Since(p.ConnectedAt).Truncate(time.Second).String(),
			strconv.FormatUint(p.PacketsReceived, 10),
			strconv.FormatUint(p.PacketsSent, 10),
			device,
			position,
		})
	}
	tw.Render()
}

func (c *CLI) printDevices() {
	devices := c.manager.Devices()
	if len(devices) == 0 {
		fmt.Fprintln(c.out, "No device reports")
		return
	}

	ids := make([]relay.Identity, 0, len(devices))
	for id := range devices {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	tw := c.table([]string{"Identity", "Model", "OS", "Battery", "Status"})
	for _, id := range ids {
		d := devices[id]
		tw.Append([]string{
			strconv.Itoa(int(id)),
			d.DeviceModel,
			d.OperatingSystem,
			fmt.Sprintf("%.0f%%", d.BatteryLevel*100),
			d.BatteryStatus.String(),
		})
	}
	tw.Render()
}

func (c *CLI) printSystem() error {
	cpu, err := util.GetCPUUsage()
	if err != nil {
		return err
	}
	mem, err := util.GetMemoryUsage()
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "CPU: %.1f%%  Memory: %d/%d MB (%.1f%%)\n", cpu, mem.Used, mem.Total, mem.UsedPercent)
	return nil
}

func (c *CLI) cmdStart(args []string) error {
	port := c.cfg.GetRelayData().Port
	if len(args) > 0 {
		p, err := strconv.ParseUint(args[0], 10, 16)
		if err != nil || p == 0 {
			return fmt.Errorf("invalid port: %s", args[0])
		}
		port = int(p)
	}

	if err := c.manager.Start(uint16(port)); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Relay started on port %d\n", port)
	return nil
}

func (c *CLI) cmdStop() error {
	if !c.manager.IsRunning() {
		return relay.ErrNotRunning
	}
	if err := c.manager.Stop(); err != nil {
		return err
	}
	fmt.Fprintln(c.out, "Relay stopped")
	return nil
}

func (c *CLI) cmdLoad(args []string) error {
	name, sent, err := c.manager.LoadExperience(strings.Join(args, " "))
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Loading '%s' on %d peers\n", name, sent)
	return nil
}

func (c *CLI) cmdKick(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: kick <identity>")
	}
	id, err := strconv.ParseUint(args[0], 10, 16)
	if err != nil || id == 0 {
		return fmt.Errorf("invalid identity: %s", args[0])
	}
	if err := c.manager.Kick(relay.Identity(id)); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Peer %d disconnected\n", id)
	return nil
}

func (c *CLI) cmdSetConfig(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: setconfig <key> <value>")
	}

	key := args[0]
	raw := strings.Join(args[1:], " ")

	previous := c.cfg.GetRelayData()
	if err := c.cfg.UpdateRelayField(key, parseValue(raw)); err != nil {
		return err
	}
	if result := config.Validate(c.cfg); !result.IsValid() {
		c.cfg.SetRelayData(previous)
		return result.Errors[0]
	}
	if err := c.cfg.Save(); err != nil {
		return err
	}

	fmt.Fprintf(c.out, "Config updated: %s = %s (applies on next start)\n", key, raw)
	return nil
}

// parseValue turns console input into the JSON type a field expects.
func parseValue(raw string) interface{} {
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return n
	}
	return raw
}

func (c *CLI) table(header []string) *tablewriter.Table {
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader(header)
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	return tw
}
