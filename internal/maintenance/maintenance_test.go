package maintenance

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sydlexius/gridserver/internal/database"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupTestDB(t *testing.T) (*sql.DB, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "catalog.db")
	db, err := database.Open(dbPath)
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck
	if err := database.Migrate(db); err != nil {
		t.Fatalf("running migrations: %v", err)
	}
	return db, dbPath
}

func TestCheck_Healthy(t *testing.T) {
	db, dbPath := setupTestDB(t)
	svc := NewService(db, dbPath, testLogger())

	if err := svc.Check(context.Background()); err != nil {
		t.Fatalf("Check: %v", err)
	}
}

func TestCheck_Corrupt(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "catalog.db")
	db, err := database.Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		t.Fatal(err)
	}
	db.Close() //nolint:errcheck

	// Overwrite everything after the header page.
	f, err := os.OpenFile(dbPath, os.O_RDWR, 0)
	if err != nil {
		t.Fatal(err)
	}
	info, _ := f.Stat()
	if info.Size() <= 4096 {
		f.Close() //nolint:errcheck
		t.Skip("database fits in the header page")
	}
	garbage := make([]byte, info.Size()-4096)
	for i := range garbage {
		garbage[i] = 0xA5
	}
	if _, err := f.WriteAt(garbage, 4096); err != nil {
		t.Fatal(err)
	}
	f.Close() //nolint:errcheck

	db, err = database.Open(dbPath)
	if err != nil {
		// Damage severe enough to fail the open is also detected.
		return
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck

	err = NewService(db, dbPath, testLogger()).Check(context.Background())
	if err == nil {
		t.Fatal("expected Check to fail on a damaged file")
	}
	if !errors.Is(err, ErrCorrupt) {
		t.Logf("Check failed without ErrCorrupt: %v", err)
	}
}

func TestStatus(t *testing.T) {
	db, dbPath := setupTestDB(t)
	svc := NewService(db, dbPath, testLogger())

	st, err := svc.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.DBFileSize <= 0 {
		t.Error("expected positive DB file size")
	}
	if st.PageSize <= 0 || st.PageCount <= 0 {
		t.Errorf("page_size = %d, page_count = %d", st.PageSize, st.PageCount)
	}
	if st.LastOptimizeAt != nil {
		t.Error("expected no optimize time initially")
	}
}

func TestOptimize(t *testing.T) {
	db, dbPath := setupTestDB(t)
	svc := NewService(db, dbPath, testLogger())

	for i := range 50 {
		id := filepath.Join("/p", string(rune('A'+i%26))+string(rune('0'+i/26)))
		if _, err := db.Exec(`INSERT INTO blacklist (identifier, added_at) VALUES (?, ?)`, id, time.Now().UTC().Format(time.RFC3339)); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	if err := svc.Optimize(context.Background()); err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	st, err := svc.Status(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.LastOptimizeAt == nil {
		t.Error("expected last optimize time to be set after optimize")
	}
}

func TestVacuum(t *testing.T) {
	db, dbPath := setupTestDB(t)
	svc := NewService(db, dbPath, testLogger())

	if err := svc.Vacuum(context.Background()); err != nil {
		t.Fatalf("Vacuum: %v", err)
	}
}

func TestStartScheduler(t *testing.T) {
	db, dbPath := setupTestDB(t)
	svc := NewService(db, dbPath, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.StartScheduler(ctx, 20*time.Millisecond)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st, err := svc.Status(context.Background())
		if err == nil && st.LastOptimizeAt != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	st, err := svc.Status(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.LastOptimizeAt == nil {
		t.Error("scheduler never ran optimize")
	}
	if st.ScheduleInterval != "20ms" {
		t.Errorf("schedule interval = %q", st.ScheduleInterval)
	}
}
