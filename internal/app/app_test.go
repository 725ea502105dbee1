package app

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"racesync/internal/archive"
	"racesync/internal/config"
	"racesync/internal/hub"
	"racesync/internal/station"
)

func startHub(t *testing.T) (*hub.Server, string) {
	t.Helper()
	srv := hub.NewServer(station.RealClock{}, station.NewNopLogger())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts.URL
}

func testConfig(t *testing.T, hubURL string) *config.Config {
	t.Helper()
	cfg := config.NewConfig("station-test", t.TempDir())
	cfg.TimeSync.URL = hubURL + "/time"
	cfg.Commit.URL = hubURL + "/punches"
	cfg.Connectivity.ProbeURL = hubURL + "/time"
	cfg.Connectivity.ProbeTimeout = config.D(500 * time.Millisecond)
	cfg.Encryption = config.EncryptionConfig{Type: "test"}
	return cfg
}

func openApp(t *testing.T, cfg *config.Config, operation string) *StationApp {
	t.Helper()
	a, err := NewStationApp(cfg, operation, slog.LevelError+1)
	if err != nil {
		t.Fatalf("NewStationApp() error = %v", err)
	}
	return a
}

func TestStationApp_PunchFlushArchive(t *testing.T) {
	srv, url := startHub(t)
	cfg := testConfig(t, url)
	ctx := context.Background()

	a := openApp(t, cfg, "Punch")
	id, err := a.Punch(ctx, "bib-42", "cp-3")
	if err != nil {
		t.Fatalf("Punch() error = %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if n := len(srv.Punches()); n != 0 {
		t.Fatalf("Punch() committed %d punches, want 0", n)
	}

	a = openApp(t, cfg, "Flush")
	res, err := a.Flush(ctx)
	if err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if len(res.Committed) != 1 || res.Committed[0] != id {
		t.Errorf("Flush() committed %v, want [%s]", res.Committed, id)
	}
	journal, err := a.GetJournal(10)
	if err != nil || len(journal) != 1 {
		t.Fatalf("GetJournal() = %v, %v", journal, err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	punches := srv.Punches()
	if len(punches) != 1 {
		t.Fatalf("hub has %d punches, want 1", len(punches))
	}
	p := punches[0]
	if p.ID != id || p.RunnerID != "bib-42" || p.CheckpointID != "cp-3" || p.StationID != "station-test" {
		t.Errorf("hub punch = %+v", p)
	}

	var db bytes.Buffer
	version, err := FetchSnapshot(cfg, "", &db)
	if err != nil {
		t.Fatalf("FetchSnapshot() error = %v", err)
	}
	if version != journal[0].Seq {
		t.Errorf("archived version = %d, want %d", version, journal[0].Seq)
	}
	if !bytes.HasPrefix(db.Bytes(), []byte("SQLite format 3\x00")) {
		t.Errorf("fetched snapshot is not a SQLite database (%d bytes)", db.Len())
	}

	a = openApp(t, cfg, "GetHistory")
	defer a.Close()
	history, err := a.GetHistory(10)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("GetHistory() returned %d records, want 2", len(history))
	}
	if history[0].Operation != "Flush" || history[1].Operation != "Punch" {
		t.Errorf("history = %s, %s; want Flush, Punch", history[0].Operation, history[1].Operation)
	}
	if history[1].Parameters != "bib-42 cp-3" || history[1].Status != "success" {
		t.Errorf("punch record = %+v", history[1])
	}
}

func TestStationApp_Offline(t *testing.T) {
	_, url := startHub(t)
	cfg := testConfig(t, url)
	dead := httptest.NewServer(nil)
	dead.Close()
	cfg.TimeSync.URL = dead.URL + "/time"
	cfg.Commit.URL = dead.URL + "/punches"
	cfg.Connectivity.ProbeURL = dead.URL + "/time"

	a := openApp(t, cfg, "Punch")
	defer a.Close()

	if _, err := a.Punch(context.Background(), "bib-7", "finish"); err != nil {
		t.Fatalf("Punch() offline error = %v", err)
	}

	res, err := a.Flush(context.Background())
	if err != nil {
		t.Fatalf("Flush() offline error = %v", err)
	}
	if len(res.Committed) != 0 {
		t.Errorf("Flush() offline committed %v", res.Committed)
	}

	ops, err := a.ListQueue()
	if err != nil || len(ops) != 1 || ops[0].Status != station.StatusPending {
		t.Fatalf("ListQueue() = %v, %v; want one pending", ops, err)
	}
	if ops[0].OffsetMillis != 0 {
		t.Errorf("offline punch offset = %d, want 0", ops[0].OffsetMillis)
	}

	status, err := a.Status()
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if status.Connectivity.IsOnline || status.Queue.PendingCount != 1 || status.TimeSync.Offset != nil {
		t.Errorf("Status() = %+v", status)
	}
}

func TestStationApp_BehindArchive(t *testing.T) {
	_, url := startHub(t)
	cfg := testConfig(t, url)

	arch, err := archive.NewFileSystemArchive("local", cfg.Archives[0].FSArchiveRoot)
	if err != nil {
		t.Fatal(err)
	}
	if err := arch.PutSnapshot(cfg.StationID, strings.NewReader("x"), 1, 5); err != nil {
		t.Fatal(err)
	}

	_, err = NewStationApp(cfg, "Punch", slog.LevelError+1)
	if !errors.Is(err, ErrBehindArchive) {
		t.Errorf("NewStationApp() error = %v, want ErrBehindArchive", err)
	}
}

func TestStationApp_QueueCommands(t *testing.T) {
	_, url := startHub(t)
	cfg := testConfig(t, url)

	a := openApp(t, cfg, "Discard")
	defer a.Close()

	if err := a.Discard("missing"); !errors.Is(err, station.ErrNotFound) {
		t.Errorf("Discard(missing) error = %v, want ErrNotFound", err)
	}
	if a.op.Status != "error" {
		t.Errorf("operation status = %q, want error", a.op.Status)
	}
}

func TestStationApp_Run(t *testing.T) {
	srv, url := startHub(t)
	cfg := testConfig(t, url)
	cfg.Queue.FlushInterval = config.D(20 * time.Millisecond)

	a := openApp(t, cfg, "Run")
	defer a.Close()

	in := strings.NewReader("bib-1 cp-1\nnot a punch\n\nbib-2 cp-1\n")
	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.Run(ctx, in, &out); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("Run() output = %q, want 3 lines", out.String())
	}
	if !strings.HasPrefix(lines[1], "error: ") {
		t.Errorf("bad line not reported: %q", lines[1])
	}

	punches := srv.Punches()
	if len(punches) != 2 {
		t.Fatalf("hub has %d punches, want 2", len(punches))
	}
	if punches[0].RunnerID != "bib-1" || punches[1].RunnerID != "bib-2" {
		t.Errorf("hub punches = %+v", punches)
	}
}

func TestInitStation(t *testing.T) {
	cfg := config.NewConfig("station-init", t.TempDir())
	if err := InitStation(cfg); err != nil {
		t.Fatalf("InitStation() error = %v", err)
	}

	matches, _ := filepath.Glob(filepath.Join(cfg.Database.DataDir, "*.db"))
	if len(matches) != 1 {
		t.Errorf("store files = %v, want one", matches)
	}
}

func TestFetchSnapshot_NothingArchived(t *testing.T) {
	cfg := config.NewConfig("station-empty", t.TempDir())
	cfg.Encryption = config.EncryptionConfig{Type: "test"}

	var out bytes.Buffer
	if _, err := FetchSnapshot(cfg, "", &out); !errors.Is(err, station.ErrNotFound) {
		t.Errorf("FetchSnapshot() error = %v, want ErrNotFound", err)
	}
}
