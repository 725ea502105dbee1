package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"racesync/internal/app"
	"racesync/internal/config"
	"racesync/internal/hub"
	"racesync/internal/station"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var verbose bool

func stderrLevel() slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	return slog.LevelWarn
}

func readConfig() (*config.Config, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}
	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return cfg, nil
}

// newApp reads the config and creates a StationApp. The caller must defer app.Close().
// operation identifies the CLI command being run (e.g. "Punch", "Flush").
func newApp(operation string) (*app.StationApp, error) {
	cfg, err := readConfig()
	if err != nil {
		return nil, err
	}

	a, err := app.NewStationApp(cfg, operation, stderrLevel())
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

// readPassphrase prompts on the terminal without echo.
func readPassphrase(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return string(b), nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04:05.000")
}

var rootCmd = &cobra.Command{
	Use:           "racesync",
	Short:         "Offline-first race timing station",
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration and the station store",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		stationID, _ := cmd.Flags().GetString("station-id")
		if stationID == "" {
			stationID = uuid.New().String()
		}

		cfg := config.NewConfig(stationID, defaults["base_dir"])
		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}
		if err := app.InitStation(cfg); err != nil {
			return fmt.Errorf("failed to initialize station: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Station ID: %s\n", stationID)
		fmt.Printf("Base Dir:   %s\n", defaults["base_dir"])
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}
		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Station ID:     %s\n", cfg.StationID)
		fmt.Printf("Base Dir:       %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:        %s\n", cfg.LogDir)
		fmt.Printf("Time Authority: %s (%s)\n", cfg.TimeSync.URL, cfg.TimeSync.Type)
		fmt.Printf("Commit URL:     %s\n", cfg.Commit.URL)
		fmt.Printf("Failure Policy: %s\n", cfg.Queue.FailurePolicy)
		for _, a := range cfg.Archives {
			fmt.Printf("Archive:        %s (%s)\n", a.Name, a.Type)
		}
		return nil
	},
}

// keys command
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage archive encryption keys",
}

var keysInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate the archive key pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}

		pass, err := readPassphrase("Passphrase: ")
		if err != nil {
			return err
		}
		confirm, err := readPassphrase("Confirm passphrase: ")
		if err != nil {
			return err
		}
		if pass != confirm {
			return errors.New("passphrases do not match")
		}

		if err := app.InitKeys(cfg, pass); err != nil {
			return err
		}
		fmt.Printf("Public key:  %s\n", cfg.Encryption.PublicKeyPath)
		fmt.Printf("Private key: %s\n", cfg.Encryption.PrivateKeyPath)
		return nil
	},
}

// punch command
var punchCmd = &cobra.Command{
	Use:   "punch RUNNER CHECKPOINT",
	Short: "Record a runner passing a checkpoint",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("Punch")
		if err != nil {
			return err
		}
		defer a.Close()

		id, err := a.Punch(cmd.Context(), args[0], args[1])
		if err != nil {
			return fmt.Errorf("punch failed: %w", err)
		}
		fmt.Printf("Queued %s\n", id)
		return nil
	},
}

// flush command
var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Commit queued punches now",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("Flush")
		if err != nil {
			return err
		}
		defer a.Close()

		if !a.Monitor().IsOnline() {
			fmt.Println("Offline: nothing sent.")
			return nil
		}
		res, err := a.Flush(cmd.Context())
		if err != nil {
			return fmt.Errorf("flush failed: %w", err)
		}
		fmt.Printf("Committed %d, failed %d, retrying %d\n",
			len(res.Committed), len(res.Failed), len(res.Retrying))
		for _, id := range res.Failed {
			fmt.Printf("  failed: %s\n", id)
		}
		return nil
	},
}

// status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show time sync, queue and connectivity state",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("GetStatus")
		if err != nil {
			return err
		}
		defer a.Close()

		if a.Monitor().IsOnline() {
			if _, err := a.MeasureOffset(cmd.Context()); err != nil {
				fmt.Fprintf(os.Stderr, "offset measurement failed: %v\n", err)
			}
		}

		s, err := a.Status()
		if err != nil {
			return err
		}

		online := "offline"
		if s.Connectivity.IsOnline {
			online = "online"
		}
		fmt.Printf("Connectivity: %s\n", online)
		if off := s.TimeSync.Offset; off != nil {
			fmt.Printf("Offset:       %+dms (%s, rtt %dms)\n", off.OffsetMillis, off.Confidence, off.RoundTripMillis)
		} else {
			fmt.Println("Offset:       unknown")
		}
		fmt.Printf("Last sync:    %s\n", formatTime(s.TimeSync.LastSync))
		fmt.Printf("Pending:      %d\n", s.Queue.PendingCount)
		fmt.Printf("Failed:       %d\n", s.Queue.FailedCount)
		return nil
	},
}

// offset command
var offsetCmd = &cobra.Command{
	Use:   "offset",
	Short: "Measure the clock offset against the time authority",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("MeasureOffset")
		if err != nil {
			return err
		}
		defer a.Close()

		off, err := a.MeasureOffset(cmd.Context())
		if err != nil {
			return fmt.Errorf("measuring offset: %w", err)
		}
		fmt.Printf("%+dms  %s  rtt %dms  at %s\n",
			off.OffsetMillis, off.Confidence, off.RoundTripMillis, formatTime(off.MeasuredAt))
		return nil
	},
}

// queue command
var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and repair the offline queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued punches in commit order",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("ListQueue")
		if err != nil {
			return err
		}
		defer a.Close()

		ops, err := a.ListQueue()
		if err != nil {
			return err
		}
		if len(ops) == 0 {
			fmt.Println("Queue is empty.")
			return nil
		}
		for _, op := range ops {
			fmt.Printf("%s  %-8s  %-10s %-10s  %s  attempts:%d  %s\n",
				op.ID,
				op.Status,
				op.Payload.RunnerID,
				op.Payload.CheckpointID,
				formatTime(op.Payload.RecordedAt),
				op.Attempts,
				op.LastError,
			)
		}
		return nil
	},
}

func queueActionCmd(use, short, operation string, action func(*app.StationApp, string) error, done string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(operation)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := action(a, args[0]); err != nil {
				if errors.Is(err, station.ErrConcurrentOperation) {
					return fmt.Errorf("%w: the punch is being sent, try again shortly", err)
				}
				return err
			}
			fmt.Printf("%s %s\n", done, args[0])
			return nil
		},
	}
}

var (
	queueResubmitCmd = queueActionCmd("resubmit", "Retry a failed punch", "Resubmit",
		(*app.StationApp).Resubmit, "Resubmitted")
	queueDiscardCmd = queueActionCmd("discard", "Drop a queued punch without sending it", "Discard",
		(*app.StationApp).Discard, "Discarded")
	queueSkipCmd = queueActionCmd("skip", "Move a failed punch to the journal as skipped", "Skip",
		(*app.StationApp).Skip, "Skipped")
)

// run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the station, reading \"RUNNER CHECKPOINT\" lines from stdin",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("Run")
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return a.Run(ctx, os.Stdin, os.Stdout)
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View station operation history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp("GetHistory")
		if err != nil {
			return err
		}
		defer a.Close()

		ops, err := a.GetHistory(limit)
		if err != nil {
			return err
		}
		if len(ops) == 0 {
			fmt.Println("No station operations recorded.")
			return nil
		}

		for _, op := range ops {
			duration := ""
			if op.FinishedAt.Valid {
				d := op.FinishedAt.Time.Sub(op.StartedAt)
				duration = d.Truncate(time.Millisecond).String()
			}
			fmt.Printf("#%d  %-14s  %s  %-8s  %-10s  %s\n",
				op.ID,
				op.Operation,
				op.StartedAt.Local().Format("2006-01-02 15:04:05"),
				op.Status,
				duration,
				op.Parameters,
			)
		}
		return nil
	},
}

// journal command
var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "View committed and skipped punches",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp("GetJournal")
		if err != nil {
			return err
		}
		defer a.Close()

		entries, err := a.GetJournal(limit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("Journal is empty.")
			return nil
		}
		for _, e := range entries {
			fmt.Printf("%6d  %-9s  %-10s %-10s  %s  offset:%+dms\n",
				e.Seq,
				e.Status,
				e.Payload.RunnerID,
				e.Payload.CheckpointID,
				formatTime(e.Payload.RecordedAt),
				e.OffsetMillis,
			)
		}
		return nil
	},
}

// serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a local hub serving time and accepting punches",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}
		addr, _ := cmd.Flags().GetString("addr")
		logDir := defaults["log_dir"]
		if cfg, err := config.ReadFromFile(defaults["config_path"]); err == nil {
			logDir = cfg.LogDir
			if addr == "" {
				addr = cfg.Hub.Addr
			}
		}
		if addr == "" {
			addr = ":8080"
		}

		logger, closeLog, err := app.NewLogger(logDir, "serve", stderrLevel())
		if err != nil {
			return err
		}
		defer closeLog()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		fmt.Printf("Hub listening on %s\n", addr)
		return hub.NewServer(station.RealClock{}, logger).ListenAndServe(ctx, addr)
	},
}

// archive command
var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Work with archived station snapshots",
}

var archiveFetchCmd = &cobra.Command{
	Use:   "fetch OUT",
	Short: "Download and decrypt the latest station snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}

		pass, err := readPassphrase("Passphrase: ")
		if err != nil {
			return err
		}

		out, err := os.OpenFile(args[0], os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
		if err != nil {
			return fmt.Errorf("creating output file: %w", err)
		}

		version, err := app.FetchSnapshot(cfg, pass, out)
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(args[0])
			return fmt.Errorf("fetching snapshot: %w", err)
		}

		fmt.Printf("Fetched snapshot version %d to %s\n", version, args[0])
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log debug output to stderr")

	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configInitCmd.Flags().String("station-id", "", "Station ID (default: random UUID)")
	configCmd.AddCommand(configListCmd)

	keysCmd.AddCommand(keysInitCmd)

	// queue subcommands
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueResubmitCmd)
	queueCmd.AddCommand(queueDiscardCmd)
	queueCmd.AddCommand(queueSkipCmd)

	archiveCmd.AddCommand(archiveFetchCmd)

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(punchCmd)
	rootCmd.AddCommand(flushCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(offsetCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of operations to show")
	rootCmd.AddCommand(journalCmd)
	journalCmd.Flags().IntP("limit", "n", 50, "Maximum number of entries to show")
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "Listen address (default: hub.addr from config, or :8080)")
	rootCmd.AddCommand(archiveCmd)
}
