// Package cli implements the interactive operator console for
// Moonlight: live tournament and connection listings, qualifier
// leaderboards, and a handful of management commands.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/moonlight-project/moonlight/internal/config"
	"github.com/moonlight-project/moonlight/internal/events"
	"github.com/moonlight-project/moonlight/internal/network"
	"github.com/moonlight-project/moonlight/internal/state"

	"github.com/google/uuid"
)

// CLI provides the interactive operator console.
type CLI struct {
	cfg      *config.Config
	eventBus *events.EventBus
	manager  *state.Manager
	registry *network.Registry
}

// NewCLI creates a new CLI handler.
func NewCLI(cfg *config.Config, eventBus *events.EventBus, manager *state.Manager, registry *network.Registry) *CLI {
	return &CLI{
		cfg:      cfg,
		eventBus: eventBus,
		manager:  manager,
		registry: registry,
	}
}

// Start begins the interactive CLI loop. It returns when ctx is
// cancelled or stdin closes.
func (c *CLI) Start(ctx context.Context) {
	fmt.Println("\nMoonlight console ready. Type 'help' for available commands.")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	fmt.Print("moonlight> ")
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}

			line = strings.TrimSpace(line)
			if line == "" {
				fmt.Print("moonlight> ")
				continue
			}

			parts := strings.Fields(line)
			cmd := strings.ToLower(parts[0])
			args := parts[1:]

			if err := c.execute(ctx, cmd, args); err != nil {
				fmt.Printf("Error: %v\n", err)
			}
			fmt.Print("moonlight> ")
		}
	}
}

// execute processes a single CLI command.
func (c *CLI) execute(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		c.printStatus()
	case "tournaments", "t":
		c.printTournaments()
	case "users", "u":
		return c.printUsers(args)
	case "connections", "conns":
		c.printConnections()
	case "leaderboard", "lb":
		return c.printLeaderboard(args)
	case "kick":
		return c.cmdKick(args)
	case "validate":
		c.cmdValidate()
	case "quit", "exit", "q":
		fmt.Println("Shutting down Moonlight...")
		c.eventBus.Emit(ctx, events.Event{
			Type:   events.EventShutdown,
			Source: "cli",
		})
	default:
		fmt.Printf("Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

// printHelp displays available commands.
func (c *CLI) printHelp() {
	fmt.Println()
	fmt.Println("  status                          Show server status")
	fmt.Println("  tournaments                     List live tournaments")
	fmt.Println("  users <tournament>              List a tournament's users")
	fmt.Println("  connections                     List socket connections")
	fmt.Println("  leaderboard <tourn> <ev> <map>  Show a qualifier leaderboard")
	fmt.Println("  kick <connection-id>            Close a socket connection")
	fmt.Println("  validate                        Validate the configuration")
	fmt.Println("  quit                            Shutdown Moonlight")
	fmt.Println("  help                            Show this help message")
	fmt.Println()
}

// printStatus displays a compact server summary.
func (c *CLI) printStatus() {
	fmt.Printf("\n  Server:       %s\n", c.cfg.ServerData.Name)
	fmt.Printf("  Address:      %s\n", c.cfg.ServerData.Address)
	fmt.Printf("  TCP port:     %d\n", c.cfg.ServerData.Port)
	fmt.Printf("  WS port:      %d\n", c.cfg.ServerData.WebsocketPort)
	fmt.Printf("  API port:     %d\n", c.cfg.ServerData.APIPort)
	fmt.Printf("  Connections:  %d\n", c.registry.Count())
	fmt.Printf("  Tournaments:  %d\n", len(c.manager.Tournaments()))
	fmt.Println()
}

// printTournaments displays live tournaments in a formatted table.
func (c *CLI) printTournaments() {
	tournaments := c.manager.Tournaments()
	if len(tournaments) == 0 {
		fmt.Println("No live tournaments")
		return
	}

	fmt.Println()
	tw := tablewriter.NewWriter(os.Stdout)
	tw.SetHeader([]string{"Guid", "Name", "Users", "Matches", "Qualifiers", "Password"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	for _, t := range tournaments {
		password := "-"
		if t.Settings.RequiresPassword {
			password = "yes"
		}
		tw.Append([]string{
			t.Guid,
			t.Settings.TournamentName,
			fmt.Sprintf("%d", len(t.Users)),
			fmt.Sprintf("%d", len(t.Matches)),
			fmt.Sprintf("%d", len(t.Qualifiers)),
			password,
		})
	}

	tw.Render()
	fmt.Println()
}

// printUsers lists a tournament's current users.
func (c *CLI) printUsers(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: users <tournament-guid>")
	}

	t, err := c.manager.GetTournament(args[0])
	if err != nil {
		return err
	}

	if len(t.Users) == 0 {
		fmt.Println("No users in tournament")
		return nil
	}

	fmt.Println()
	tw := tablewriter.NewWriter(os.Stdout)
	tw.SetHeader([]string{"Guid", "Name", "Type", "Platform ID", "Play State"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	for _, u := range t.Users {
		tw.Append([]string{
			u.Guid,
			u.Name,
			u.ClientType.String(),
			u.PlatformID,
			fmt.Sprintf("%d", u.PlayState),
		})
	}

	tw.Render()
	fmt.Println()
	return nil
}

// printConnections lists the live socket connections.
func (c *CLI) printConnections() {
	conns := c.registry.All()
	if len(conns) == 0 {
		fmt.Println("No active connections")
		return
	}

	fmt.Println()
	tw := tablewriter.NewWriter(os.Stdout)
	tw.SetHeader([]string{"ID", "Kind", "Remote", "Connected", "Last Activity"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	for _, conn := range conns {
		tw.Append([]string{
			conn.ID.String(),
			conn.Kind.String(),
			conn.RemoteAddr(),
			conn.ConnectedAt().Format(time.TimeOnly),
			conn.LastActivity().Format(time.TimeOnly),
		})
	}

	tw.Render()
	fmt.Println()
}

// printLeaderboard renders one qualifier map's ordered scores.
func (c *CLI) printLeaderboard(args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: leaderboard <tournament-guid> <event-guid> <map-guid>")
	}

	entries, err := c.manager.Leaderboard(args[0], args[1], args[2])
	if err != nil {
		return err
	}

	if len(entries) == 0 {
		fmt.Println("No scores submitted")
		return nil
	}

	fmt.Println()
	tw := tablewriter.NewWriter(os.Stdout)
	tw.SetHeader([]string{"#", "Player", "Score", "Accuracy", "Misses", "Combo", "FC"})
	tw.SetBorder(true)

	for i, e := range entries {
		fc := "-"
		if e.FullCombo {
			fc = "yes"
		}
		tw.Append([]string{
			fmt.Sprintf("%d", i+1),
			e.Username,
			fmt.Sprintf("%d", e.ModifiedScore),
			fmt.Sprintf("%.2f%%", e.Accuracy*100),
			fmt.Sprintf("%d", e.NotesMissed),
			fmt.Sprintf("%d", e.MaxCombo),
			fc,
		})
	}

	tw.Render()
	fmt.Println()
	return nil
}

// cmdKick closes a socket connection by id.
func (c *CLI) cmdKick(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: kick <connection-id>")
	}

	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid connection id: %s", args[0])
	}

	conn, ok := c.registry.Get(id)
	if !ok {
		return fmt.Errorf("connection not found: %s", id)
	}

	conn.Close()
	fmt.Printf("Connection %s closed\n", id)
	return nil
}

// cmdValidate runs configuration validation and prints the findings.
func (c *CLI) cmdValidate() {
	result := c.cfg.Validate()
	for _, w := range result.Warnings {
		fmt.Printf("  warning: %s\n", w)
	}
	for _, e := range result.Errors {
		fmt.Printf("  error:   %s\n", e)
	}
	if result.OK() && len(result.Warnings) == 0 {
		fmt.Println("  configuration OK")
	}
}
