package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"racesync/internal/archive"
	"racesync/internal/commit"
	"racesync/internal/config"
	"racesync/internal/connectivity"
	"racesync/internal/database"
	"racesync/internal/database/migrations"
	"racesync/internal/encryption"
	"racesync/internal/station"
	"racesync/internal/timeauthority"
)

// ErrBehindArchive is returned when the archive holds a newer journal than
// the local station database.
var ErrBehindArchive = errors.New("local station database is behind the archive")

// StationApp is the application layer between the CLI and the station
// components. It constructs all dependencies from config, exposes
// high-level operations, and archives the store on Close.
type StationApp struct {
	cfg       *config.Config
	store     *database.SQLiteStore
	archive   station.Archive
	encryptor station.Encryptor
	authority station.TimeAuthority
	estimator *station.OffsetEstimator
	queue     *station.SyncQueue
	prober    *connectivity.Prober
	logger    station.Logger
	clock     station.Clock
	op        *StationOperation
	logFile   *os.File

	monitorOnce sync.Once
	monitor     *station.ConnectivityMonitor
}

// NewStationApp creates a fully wired StationApp from the given config.
// operation identifies the CLI command being run (e.g. "Punch", "Flush").
// Log records at or above stderrLevel are echoed to stderr.
// The caller must call Close when done.
func NewStationApp(cfg *config.Config, operation string, stderrLevel slog.Level) (*StationApp, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if len(cfg.Archives) == 0 {
		return nil, fmt.Errorf("no archives configured")
	}

	clock := station.RealClock{}

	arch, err := archive.NewArchiveFromConfig(cfg.Archives[0])
	if err != nil {
		return nil, fmt.Errorf("creating archive: %w", err)
	}

	store, err := openStore(cfg, clock)
	if err != nil {
		return nil, err
	}

	if err := checkArchiveVersion(store, arch, cfg.StationID); err != nil {
		store.Close()
		return nil, err
	}

	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("creating encryptor: %w", err)
	}

	authority, err := timeauthority.NewFromConfig(cfg.TimeSync)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("creating time authority: %w", err)
	}

	committer, err := commit.NewHTTPCommitter(cfg.Commit)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("creating committer: %w", err)
	}

	policy, err := station.ParseFailurePolicy(cfg.Queue.FailurePolicy)
	if err != nil {
		store.Close()
		return nil, err
	}

	opID := time.Now().UTC().Format("20060102T150405Z")
	slogger, logFile, err := newLogger(cfg.LogDir, opID, stderrLevel)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: slogger.With("station", cfg.StationID)}

	prober, err := connectivity.NewProber(cfg.Connectivity, clock, logger)
	if err != nil {
		store.Close()
		logFile.Close()
		return nil, fmt.Errorf("creating prober: %w", err)
	}

	a := &StationApp{
		cfg:       cfg,
		store:     store,
		archive:   arch,
		encryptor: enc,
		authority: authority,
		prober:    prober,
		logger:    logger,
		clock:     clock,
		op:        NewStationOperation(operation, ""),
		logFile:   logFile,
	}

	a.estimator = station.NewOffsetEstimator(authority, clock, logger, cfg.TimeSync.Timeout.Duration)
	a.queue = station.NewSyncQueue(store, committer, a.estimator,
		station.ConnectivityFunc(func() bool { return a.Monitor().IsOnline() }),
		clock, station.UUIDGenerator{}, logger, policy, backoffFromConfig(cfg.Queue))

	if _, err := a.queue.Recover(); err != nil {
		a.closeResources()
		return nil, err
	}

	return a, nil
}

// openStore opens the station store, applying the schema on first open.
func openStore(cfg *config.Config, clock station.Clock) (*database.SQLiteStore, error) {
	store, err := database.NewStoreFromConfig(cfg.Database, cfg.StationID, clock)
	if err != nil {
		return nil, fmt.Errorf("opening station store: %w", err)
	}

	err = store.CheckMigrations()
	if errors.Is(err, migrations.ErrNeedsMigration) {
		err = store.Migrate()
	}
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("station store schema: %w", err)
	}
	return store, nil
}

func checkArchiveVersion(store *database.SQLiteStore, arch station.Archive, stationID string) error {
	remote, err := arch.SnapshotVersion(stationID)
	if err != nil {
		return fmt.Errorf("checking archive version: %w", err)
	}
	local, err := store.MaxJournalSeq()
	if err != nil {
		return fmt.Errorf("checking local journal version: %w", err)
	}
	if remote > local {
		return fmt.Errorf("%w (local=%d, archive=%d): fetch the archived snapshot or re-initialize",
			ErrBehindArchive, local, remote)
	}
	return nil
}

func backoffFromConfig(q config.QueueConfig) station.Backoff {
	b := station.DefaultBackoff()
	if q.BackoffBase.Duration > 0 {
		b.Base = q.BackoffBase.Duration
	}
	if q.BackoffCap.Duration > 0 {
		b.Cap = q.BackoffCap.Duration
	}
	b.Jitter = q.BackoffJitter
	return b
}

// Monitor returns the station's connectivity monitor, creating it on first
// use. Its initial state comes from one reachability probe.
func (a *StationApp) Monitor() *station.ConnectivityMonitor {
	a.monitorOnce.Do(func() {
		res := a.prober.Probe(context.Background())
		debounce := a.cfg.Connectivity.Debounce.Duration
		if debounce <= 0 {
			debounce = station.DefaultDebounce
		}
		a.monitor = station.NewConnectivityMonitor(res.OK, debounce, a.clock, a.logger)
		a.logger.Debug("connectivity monitor created", "online", res.OK, "latency_ms", res.LatencyMs)
	})
	return a.monitor
}

// Config returns the config the app was built from.
func (a *StationApp) Config() *config.Config {
	return a.cfg
}

// persistOperation saves the operation to the store, giving it an
// auto-increment ID. Only mutating commands call it.
func (a *StationApp) persistOperation() error {
	if a.op.Persisted() {
		return nil
	}
	rec, err := a.store.CreateStationOperation(a.op.Operation, a.op.Parameters)
	if err != nil {
		return fmt.Errorf("persisting station operation: %w", err)
	}
	a.op.ID = rec.ID
	return nil
}

// Punch queues a runner passing a checkpoint. If no offset has been
// measured yet and the station is online, one measurement is attempted
// first; the punch is queued either way.
func (a *StationApp) Punch(ctx context.Context, runnerID, checkpointID string) (string, error) {
	a.op.Parameters = runnerID + " " + checkpointID
	if err := a.persistOperation(); err != nil {
		return "", err
	}
	if _, ok := a.estimator.Current(); !ok && a.Monitor().IsOnline() {
		if _, err := a.estimator.Recalculate(ctx); err != nil {
			a.logger.Warn("punch queued without offset", "error", err)
		}
	}
	id, err := a.queue.Enqueue(station.Punch{
		StationID:    a.cfg.StationID,
		RunnerID:     runnerID,
		CheckpointID: checkpointID,
		LocalAt:      a.clock.Now(),
	})
	return id, a.op.Fail(err)
}

// Flush commits as much of the queue as possible now.
func (a *StationApp) Flush(ctx context.Context) (station.FlushResult, error) {
	if err := a.persistOperation(); err != nil {
		return station.FlushResult{}, err
	}
	if !a.Monitor().IsOnline() {
		a.logger.Info("flush skipped: offline")
		return station.FlushResult{}, nil
	}
	if _, ok := a.estimator.Current(); !ok {
		if _, err := a.estimator.Recalculate(ctx); err != nil {
			a.logger.Warn("offset measurement failed before flush", "error", err)
		}
	}
	res, err := a.queue.Flush(ctx)
	return res, a.op.Fail(err)
}

// MeasureOffset recalculates the clock offset against the time authority.
func (a *StationApp) MeasureOffset(ctx context.Context) (station.TimeOffset, error) {
	return a.estimator.Recalculate(ctx)
}

// Status returns the combined time sync, queue and connectivity snapshot.
func (a *StationApp) Status() (station.RunnerStatus, error) {
	qs, err := a.queue.Status()
	if err != nil {
		return station.RunnerStatus{}, err
	}
	return station.RunnerStatus{
		TimeSync:     a.estimator.Status(),
		Queue:        qs,
		Connectivity: a.Monitor().State(),
	}, nil
}

// ListQueue returns the queued operations in flush order.
func (a *StationApp) ListQueue() ([]*station.QueuedOperation, error) {
	return a.queue.List()
}

// Resubmit returns a failed operation to pending.
func (a *StationApp) Resubmit(id string) error {
	return a.mutate("resubmit", id, a.queue.Resubmit)
}

// Discard drops a pending or failed operation.
func (a *StationApp) Discard(id string) error {
	return a.mutate("discard", id, a.queue.Discard)
}

// Skip journals a failed operation as skipped.
func (a *StationApp) Skip(id string) error {
	return a.mutate("skip", id, a.queue.Skip)
}

func (a *StationApp) mutate(verb, id string, fn func(string) error) error {
	a.op.Parameters = id
	if err := a.persistOperation(); err != nil {
		return err
	}
	if err := fn(id); err != nil {
		return a.op.Fail(fmt.Errorf("%s %s: %w", verb, id, err))
	}
	return nil
}

// GetHistory returns the most recent station operations.
func (a *StationApp) GetHistory(limit int) ([]*station.OperationRecord, error) {
	return a.store.ListStationOperations(limit)
}

// GetJournal returns the most recently resolved punches, newest first.
func (a *StationApp) GetJournal(limit int) ([]*station.JournalEntry, error) {
	return a.store.ListJournal(limit)
}

// Run keeps the station working until ctx is done or in reaches EOF.
// Each line of in is "RUNNER CHECKPOINT" and is queued as a punch; the
// queued ID is written to out.
func (a *StationApp) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	if err := a.persistOperation(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	monitor := a.Monitor()
	runner := station.NewRunner(a.queue, a.estimator, monitor, a.logger, station.RunnerConfig{
		OffsetInterval: a.cfg.TimeSync.Interval.Duration,
		FlushInterval:  a.cfg.Queue.FlushInterval.Duration,
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.prober.Run(ctx, monitor)
	}()

	runner.Start(ctx)
	defer func() {
		runner.Stop()
		cancel()
		wg.Wait()
	}()

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					if err != nil {
						return a.op.Fail(fmt.Errorf("reading punches: %w", err))
					}
				default:
				}
				// Input is done; send what can be sent before returning.
				runner.Stop()
				if monitor.IsOnline() {
					if _, err := a.queue.Flush(ctx); err != nil {
						return a.op.Fail(err)
					}
				}
				return nil
			}
			if err := a.handleLine(line, runner, out); err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			}
		}
	}
}

func (a *StationApp) handleLine(line string, runner *station.Runner, out io.Writer) error {
	fields := strings.Fields(line)
	switch len(fields) {
	case 0:
		return nil
	case 2:
	default:
		return fmt.Errorf("%w: expected \"RUNNER CHECKPOINT\", got %q", station.ErrValidation, line)
	}

	id, err := a.queue.Enqueue(station.Punch{
		StationID:    a.cfg.StationID,
		RunnerID:     fields[0],
		CheckpointID: fields[1],
		LocalAt:      a.clock.Now(),
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(out, id)
	runner.TriggerFlush()
	return nil
}

// Close finalizes the operation and closes all resources.
// For persisted operations it finishes the operation record and uploads an
// encrypted snapshot of the store to the archive, versioned by the highest
// journal sequence.
func (a *StationApp) Close() error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if a.op.Persisted() {
		if err := a.store.FinishStationOperation(a.op.ID, a.op.Status); err != nil {
			keep(fmt.Errorf("finishing station operation: %w", err))
		}
		keep(a.archiveSnapshot())
	}

	keep(a.closeResources())
	return firstErr
}

func (a *StationApp) archiveSnapshot() error {
	version, err := a.store.MaxJournalSeq()
	if err != nil {
		return fmt.Errorf("reading journal version: %w", err)
	}

	tmp, err := os.CreateTemp("", "racesync-db-snapshot-*.db")
	if err != nil {
		return fmt.Errorf("creating temp file for db snapshot: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	if err := a.store.BackupTo(tmpPath); err != nil {
		return err
	}
	if err := uploadSnapshot(a.archive, a.encryptor, a.cfg.StationID, tmpPath, version); err != nil {
		return err
	}
	a.logger.Info("snapshot archived", "version", version)
	return nil
}

func (a *StationApp) closeResources() error {
	var firstErr error
	if c, ok := a.authority.(io.Closer); ok {
		c.Close()
	}
	if err := a.store.Close(); err != nil {
		firstErr = fmt.Errorf("closing station store: %w", err)
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}

// InitStation prepares a new station: it creates and migrates the store and
// checks the archive is usable.
func InitStation(cfg *config.Config) error {
	if len(cfg.Archives) == 0 {
		return fmt.Errorf("no archives configured")
	}
	arch, err := archive.NewArchiveFromConfig(cfg.Archives[0])
	if err != nil {
		return fmt.Errorf("creating archive: %w", err)
	}
	if err := arch.ValidateSetup(); err != nil {
		return fmt.Errorf("validating archive: %w", err)
	}

	store, err := database.NewStoreFromConfig(cfg.Database, cfg.StationID, station.RealClock{})
	if err != nil {
		return fmt.Errorf("opening station store: %w", err)
	}
	defer store.Close()

	if err := store.Migrate(); err != nil {
		return fmt.Errorf("migrating station store: %w", err)
	}
	return nil
}

// InitKeys generates the archive key pair, protecting the private key with passphrase.
func InitKeys(cfg *config.Config, passphrase string) error {
	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		return fmt.Errorf("creating encryptor: %w", err)
	}
	if err := enc.Setup(passphrase); err != nil {
		return fmt.Errorf("generating keys: %w", err)
	}
	return nil
}

// FetchSnapshot downloads the latest archived snapshot for the station,
// decrypts it with the passphrase-protected key, and writes the plain
// SQLite database to w. It does not open the local store.
func FetchSnapshot(cfg *config.Config, passphrase string, w io.Writer) (int64, error) {
	if len(cfg.Archives) == 0 {
		return 0, fmt.Errorf("no archives configured")
	}
	arch, err := archive.NewArchiveFromConfig(cfg.Archives[0])
	if err != nil {
		return 0, fmt.Errorf("creating archive: %w", err)
	}
	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		return 0, fmt.Errorf("creating encryptor: %w", err)
	}

	version, err := arch.SnapshotVersion(cfg.StationID)
	if err != nil {
		return 0, fmt.Errorf("checking archive version: %w", err)
	}
	if version == 0 {
		return 0, fmt.Errorf("no snapshot archived for station %s: %w", cfg.StationID, station.ErrNotFound)
	}

	dec, err := enc.Unlock(passphrase)
	if err != nil {
		return 0, fmt.Errorf("unlocking private key: %w", err)
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(arch.GetSnapshot(cfg.StationID, pw))
	}()
	if err := openSnapshot(pr, dec, w); err != nil {
		pr.CloseWithError(err)
		return 0, err
	}
	return version, nil
}
