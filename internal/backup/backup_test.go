package backup

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

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck
	if err := database.Migrate(db); err != nil {
		t.Fatalf("running migrations: %v", err)
	}
	_, err = db.Exec(`INSERT INTO blacklist (identifier, added_at) VALUES ('/p/Crashy.vst3', '2026-01-01T00:00:00Z')`)
	if err != nil {
		t.Fatalf("inserting row: %v", err)
	}
	return db
}

func TestBackup(t *testing.T) {
	db := setupTestDB(t)
	backupDir := filepath.Join(t.TempDir(), "backups")
	svc := NewService(db, backupDir, 3, testLogger())

	info, err := svc.Backup(context.Background(), "test")
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if !IsValidFilename(info.Filename) {
		t.Errorf("filename %q does not match the snapshot pattern", info.Filename)
	}
	if info.Size == 0 {
		t.Error("expected non-zero file size")
	}

	snap, err := sql.Open("sqlite", filepath.Join(backupDir, info.Filename))
	if err != nil {
		t.Fatalf("opening snapshot: %v", err)
	}
	defer snap.Close() //nolint:errcheck

	var id string
	if err := snap.QueryRow("SELECT identifier FROM blacklist").Scan(&id); err != nil {
		t.Fatalf("querying snapshot: %v", err)
	}
	if id != "/p/Crashy.vst3" {
		t.Errorf("snapshot blacklist = %q", id)
	}
}

func TestList_NewestFirstAndPruned(t *testing.T) {
	db := setupTestDB(t)
	backupDir := filepath.Join(t.TempDir(), "backups")
	svc := NewService(db, backupDir, 2, testLogger())

	for range 4 {
		if _, err := svc.Backup(context.Background(), "test"); err != nil {
			t.Fatalf("Backup: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	// Unrelated files are ignored.
	if err := os.WriteFile(filepath.Join(backupDir, "notes.txt"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	snapshots, err := svc.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(snapshots) != 2 {
		t.Fatalf("got %d snapshots, want 2 after pruning", len(snapshots))
	}
	if !snapshots[0].CreatedAt.After(snapshots[1].CreatedAt) {
		t.Error("snapshots not sorted newest first")
	}
}

func TestList_MissingDir(t *testing.T) {
	svc := NewService(setupTestDB(t), filepath.Join(t.TempDir(), "absent"), 1, testLogger())
	snapshots, err := svc.List()
	if err != nil || snapshots != nil {
		t.Errorf("List = %v, %v; want nil, nil", snapshots, err)
	}
}

func TestIsValidFilename(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"catalog-20260101-120000.123.db", true},
		{"catalog-20260101-120000.db", false},
		{"../catalog-20260101-120000.123.db", false},
		{"catalog-20260101-120000.123.db.tmp", false},
		{"catalog.db", false},
	}
	for _, tt := range tests {
		if got := IsValidFilename(tt.name); got != tt.want {
			t.Errorf("IsValidFilename(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestStartScheduler(t *testing.T) {
	db := setupTestDB(t)
	backupDir := filepath.Join(t.TempDir(), "backups")
	svc := NewService(db, backupDir, 5, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.StartScheduler(ctx, 20*time.Millisecond)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if snapshots, _ := svc.List(); len(snapshots) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	if snapshots, _ := svc.List(); len(snapshots) == 0 {
		t.Error("scheduler never wrote a snapshot")
	}
}

func TestDelete(t *testing.T) {
	db := setupTestDB(t)
	svc := NewService(db, filepath.Join(t.TempDir(), "backups"), 3, testLogger())

	info, err := svc.Backup(context.Background(), "test")
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if err := svc.Delete(info.Filename); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := svc.Delete(info.Filename); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete = %v, want ErrNotFound", err)
	}
	if err := svc.Delete("../catalog.db"); !errors.Is(err, ErrInvalidFilename) {
		t.Errorf("Delete(../catalog.db) = %v, want ErrInvalidFilename", err)
	}
	list, err := svc.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("List has %d snapshots after delete", len(list))
	}
}
