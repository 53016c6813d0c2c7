package main

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chittyapps/chittysync/config"
	"github.com/chittyapps/chittysync/coordinator"
	"github.com/chittyapps/chittysync/daemon"
	"github.com/chittyapps/chittysync/log"
	"github.com/chittyapps/chittysync/mcp"
	"github.com/chittyapps/chittysync/session"
)

var (
	version = "1.0.0"

	projectFlag   string
	metadataFlag  []string
	reaperFlag    bool
	sessionFlag   string
	retriesFlag   int
	baseDelayFlag int
	stopFlag      bool

	rootCmd = &cobra.Command{
		Use:   "chittysync",
		Short: "chittysync - session coordination and advisory locking for autonomous workers",
		Long: "chittysync coordinates independent worker processes through a shared state\n" +
			"directory: session registration with heartbeat liveness, exclusive advisory\n" +
			"locks with dead-holder reclamation, single-shot task claims, and\n" +
			"project-scoped event delivery between sessions.",
		SilenceUsage: true,
	}

	runCmd = &cobra.Command{
		Use:   "run [name]",
		Short: "Register a session and keep it alive until interrupted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Initialize(false)
			defer log.Close()

			name := "worker"
			if len(args) > 0 {
				name = args[0]
			}

			coord, err := coordinator.New(config.LoadConfig())
			if err != nil {
				return err
			}

			sess, err := coord.Register(name, parseMetadata(metadataFlag))
			if err != nil {
				// Without an identity nothing can proceed.
				return fmt.Errorf("failed to register session: %w", err)
			}
			defer func() {
				if err := coord.Close(); err != nil {
					log.WarningLog.Printf("shutdown: %v", err)
				}
			}()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if projectFlag != "" {
				if err := coord.BindToProject(ctx, projectFlag); err != nil {
					return err
				}
			}
			if reaperFlag {
				if err := daemon.LaunchDaemon(); err != nil {
					log.WarningLog.Printf("failed to launch reaper daemon: %v", err)
				}
			}

			fmt.Printf("session %s registered as %q\n", sess.ID, name)
			fmt.Printf("export CHITTYSYNC_SESSION=%s\n", sess.ID)

			<-ctx.Done()
			return nil
		},
	}

	sessionsCmd = &cobra.Command{
		Use:   "sessions",
		Short: "List live sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Initialize(false)
			defer log.Close()

			coord, err := coordinator.New(config.LoadConfig())
			if err != nil {
				return err
			}
			sessions, err := coord.ListActiveSessions()
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Println("no live sessions")
				return nil
			}
			for _, s := range sessions {
				line := fmt.Sprintf("%s  %-20s %s  heartbeat %s ago", s.ID, s.DisplayName, s.Host,
					time.Since(s.LastHeartbeat).Round(time.Second))
				if s.ProjectID != "" {
					line += "  project=" + s.ProjectID
				}
				if len(s.HeldLocks) > 0 {
					line += "  locks=" + strings.Join(s.HeldLocks, ",")
				}
				fmt.Println(line)
			}
			return nil
		},
	}

	locksCmd = &cobra.Command{
		Use:   "locks",
		Short: "List current lock records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Initialize(false)
			defer log.Close()

			coord, err := coordinator.New(config.LoadConfig())
			if err != nil {
				return err
			}
			locks, err := coord.ListLocks()
			if err != nil {
				return err
			}
			if len(locks) == 0 {
				fmt.Println("no locks held")
				return nil
			}
			for _, l := range locks {
				fmt.Printf("%-30s held by %s (%s) since %s\n", l.Resource, l.HolderID, l.HolderName,
					l.AcquiredAt.Format(time.RFC3339))
			}
			return nil
		},
	}

	claimsCmd = &cobra.Command{
		Use:   "claims",
		Short: "List current task claims",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Initialize(false)
			defer log.Close()

			coord, err := coordinator.New(config.LoadConfig())
			if err != nil {
				return err
			}
			claims, err := coord.ListClaims()
			if err != nil {
				return err
			}
			if len(claims) == 0 {
				fmt.Println("no tasks claimed")
				return nil
			}
			for _, c := range claims {
				fmt.Printf("%-30s claimed by %s (%s) at %s\n", c.TaskID, c.HolderID, c.HolderName,
					c.ClaimedAt.Format(time.RFC3339))
			}
			return nil
		},
	}

	acquireCmd = &cobra.Command{
		Use:   "acquire <resource> [-- command...]",
		Short: "Acquire an exclusive lock, optionally running a command while holding it",
		Long: "With a command, registers a short-lived session, runs the command under the\n" +
			"lock and releases everything afterwards. With --session, acquires on behalf\n" +
			"of an existing session and leaves the lock held.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Initialize(false)
			defer log.Close()

			resource := args[0]
			command := args[1:]
			if resolveSession() == "" && len(command) == 0 {
				return fmt.Errorf("either --session or a command to run under the lock is required")
			}

			coord, cleanup, err := withIdentity("lock:" + resource)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var opts []session.AcquireOption
			if retriesFlag >= 0 {
				opts = append(opts, session.WithMaxRetries(retriesFlag))
			}
			if baseDelayFlag > 0 {
				opts = append(opts, session.WithBaseDelay(time.Duration(baseDelayFlag)*time.Millisecond))
			}

			lk, err := coord.Acquire(ctx, resource, opts...)
			if err != nil {
				return err
			}
			if lk == nil {
				return fmt.Errorf("resource %q is held by a live session", resource)
			}

			if len(command) == 0 {
				fmt.Printf("acquired %q\n", resource)
				return nil
			}
			defer func() {
				if err := lk.Release(); err != nil {
					log.WarningLog.Printf("failed to release %q: %v", resource, err)
				}
			}()

			c := exec.CommandContext(ctx, command[0], command[1:]...)
			c.Stdin, c.Stdout, c.Stderr = os.Stdin, os.Stdout, os.Stderr
			return c.Run()
		},
	}

	releaseCmd = &cobra.Command{
		Use:   "release <resource>",
		Short: "Release a lock held by the given session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Initialize(false)
			defer log.Close()

			coord, cleanup, err := withExistingIdentity()
			if err != nil {
				return err
			}
			defer cleanup()
			return coord.Release(args[0])
		},
	}

	claimCmd = &cobra.Command{
		Use:   "claim <task-id>",
		Short: "Attempt a single-shot claim on a task id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Initialize(false)
			defer log.Close()

			coord, cleanup, err := withExistingIdentity()
			if err != nil {
				return err
			}
			defer cleanup()

			claimed, err := coord.Claim(args[0])
			if err != nil {
				return err
			}
			if !claimed {
				return fmt.Errorf("task %q is already claimed", args[0])
			}
			fmt.Printf("claimed %q\n", args[0])
			return nil
		},
	}

	releaseClaimCmd = &cobra.Command{
		Use:   "release-claim <task-id>",
		Short: "Release a task claim held by the given session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Initialize(false)
			defer log.Close()

			coord, cleanup, err := withExistingIdentity()
			if err != nil {
				return err
			}
			defer cleanup()
			return coord.ReleaseClaim(args[0])
		},
	}

	bindCmd = &cobra.Command{
		Use:   "bind <project-id>",
		Short: "Bind the given session to a project context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Initialize(false)
			defer log.Close()

			coord, cleanup, err := withExistingIdentity()
			if err != nil {
				return err
			}
			defer cleanup()
			return coord.SwitchProject(cmd.Context(), args[0])
		},
	}

	publishCmd = &cobra.Command{
		Use:   "publish <type> [payload]",
		Short: "Publish an event to sessions sharing the project context",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Initialize(false)
			defer log.Close()

			coord, cleanup, err := withExistingIdentity()
			if err != nil {
				return err
			}
			defer cleanup()

			payload := ""
			if len(args) > 1 {
				payload = args[1]
			}
			return coord.Publish(args[0], payload)
		},
	}

	eventsCmd = &cobra.Command{
		Use:   "events",
		Short: "Drain and print the given session's event outbox",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Initialize(false)
			defer log.Close()

			coord, cleanup, err := withExistingIdentity()
			if err != nil {
				return err
			}
			defer cleanup()

			events, err := coord.ReadRelevantEvents()
			if err != nil {
				return err
			}
			if len(events) == 0 {
				fmt.Println("no new events")
				return nil
			}
			for _, ev := range events {
				fmt.Printf("[%s] %s from %s (%s): %s\n", ev.Timestamp.Format(time.RFC3339),
					ev.Type, ev.SenderName, ev.Sender, ev.Payload)
			}
			return nil
		},
	}

	reapCmd = &cobra.Command{
		Use:   "reap",
		Short: "Run one stale-session sweep",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Initialize(false)
			defer log.Close()

			coord, err := coordinator.New(config.LoadConfig())
			if err != nil {
				return err
			}
			n, err := coord.Reap()
			if err != nil {
				return err
			}
			fmt.Printf("reaped %d stale session(s)\n", n)
			return nil
		},
	}

	daemonCmd = &cobra.Command{
		Use:   "daemon",
		Short: "Run the reaper daemon in the foreground (use --stop to terminate a running one)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Initialize(true)
			defer log.Close()

			if stopFlag {
				return daemon.StopDaemon()
			}
			return daemon.RunDaemon(config.LoadConfig())
		},
	}

	mcpServerCmd = &cobra.Command{
		Use:   "mcp-server",
		Short: "Serve coordination tools over MCP stdio",
		Long: "Runs an MCP server exposing session listing, locks, claims and project\n" +
			"events as tools. Attaches to CHITTYSYNC_SESSION when set, otherwise\n" +
			"registers its own session for the lifetime of the server.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Initialize(false)
			defer log.Close()

			coord, err := coordinator.New(config.LoadConfig())
			if err != nil {
				return err
			}

			if id := resolveSession(); id != "" {
				if _, err := coord.Attach(id); err != nil {
					return err
				}
			} else {
				if _, err := coord.Register("mcp-agent", nil); err != nil {
					return fmt.Errorf("failed to register session: %w", err)
				}
			}
			defer func() {
				if err := coord.Close(); err != nil {
					log.WarningLog.Printf("shutdown: %v", err)
				}
			}()

			return mcp.NewServer(coord).Serve()
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of chittysync",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("chittysync version %s\n", version)
		},
	}
)

// resolveSession picks the acting session id from --session or the
// CHITTYSYNC_SESSION environment variable.
func resolveSession() string {
	if sessionFlag != "" {
		return sessionFlag
	}
	return os.Getenv("CHITTYSYNC_SESSION")
}

// withExistingIdentity builds a coordinator attached to the session named by
// --session / CHITTYSYNC_SESSION.
func withExistingIdentity() (*coordinator.Coordinator, func(), error) {
	id := resolveSession()
	if id == "" {
		return nil, nil, fmt.Errorf("a session is required; pass --session or set CHITTYSYNC_SESSION")
	}

	coord, err := coordinator.New(config.LoadConfig())
	if err != nil {
		return nil, nil, err
	}
	if _, err := coord.Attach(id); err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if err := coord.Close(); err != nil {
			log.WarningLog.Printf("shutdown: %v", err)
		}
	}
	return coord, cleanup, nil
}

// withIdentity attaches to an existing session when one is named, otherwise
// registers a short-lived one under the given display name.
func withIdentity(name string) (*coordinator.Coordinator, func(), error) {
	if resolveSession() != "" {
		return withExistingIdentity()
	}

	coord, err := coordinator.New(config.LoadConfig())
	if err != nil {
		return nil, nil, err
	}
	if _, err := coord.Register(name, nil); err != nil {
		return nil, nil, fmt.Errorf("failed to register session: %w", err)
	}
	cleanup := func() {
		if err := coord.Close(); err != nil {
			log.WarningLog.Printf("shutdown: %v", err)
		}
	}
	return coord, cleanup, nil
}

// parseMetadata turns repeated key=value flags into a map.
func parseMetadata(pairs []string) map[string]string {
	if len(pairs) == 0 {
		return nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, found := strings.Cut(p, "=")
		if !found || k == "" {
			continue
		}
		out[k] = v
	}
	return out
}

func init() {
	runCmd.Flags().StringVarP(&projectFlag, "project", "p", "", "Bind the session to this project after registering")
	runCmd.Flags().StringArrayVarP(&metadataFlag, "metadata", "m", nil, "Session metadata as key=value (repeatable)")
	runCmd.Flags().BoolVar(&reaperFlag, "reaper", false, "Ensure the background reaper daemon is running")

	for _, c := range []*cobra.Command{acquireCmd, releaseCmd, claimCmd, releaseClaimCmd, bindCmd, publishCmd, eventsCmd} {
		c.Flags().StringVarP(&sessionFlag, "session", "s", "", "Act on behalf of this session id (default $CHITTYSYNC_SESSION)")
	}
	acquireCmd.Flags().IntVar(&retriesFlag, "retries", -1, "Retry budget against a live holder (default from config)")
	acquireCmd.Flags().IntVar(&baseDelayFlag, "base-delay", 0, "Linear backoff unit in milliseconds (default from config)")

	daemonCmd.Flags().BoolVar(&stopFlag, "stop", false, "Stop a running reaper daemon instead of starting one")

	rootCmd.AddCommand(runCmd, sessionsCmd, locksCmd, claimsCmd, acquireCmd, releaseCmd,
		claimCmd, releaseClaimCmd, bindCmd, publishCmd, eventsCmd, reapCmd, daemonCmd,
		mcpServerCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
