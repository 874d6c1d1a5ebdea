package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/TobiSchelling/GapFinder/internal/jobs"
	"github.com/TobiSchelling/GapFinder/internal/report"
)

var columns = []string{
	"access_key", "channel_id", "requesting_email", "video_sample_size", "phase", "progress",
	"created_at", "updated_at", "reason", "stuck", "attempts", "result",
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db, nil), mock
}

func TestCreate(t *testing.T) {
	store, mock := newMockStore(t)

	job := &jobs.AnalysisJob{
		AccessKey:       "k1",
		ChannelID:       "UC123",
		RequestingEmail: "a@example.com",
		VideoSampleSize: 10,
		Phase:           jobs.PhaseQueued,
		CreatedAt:       base,
		UpdatedAt:       base,
	}

	mock.ExpectExec("INSERT INTO jobs").
		WithArgs("k1", "UC123", "a@example.com", 10, "Queued", 0,
			base, base, "", false, 0, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.Create(context.Background(), job); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestGetNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM jobs WHERE access_key = $1")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(columns))

	_, err := store.Get(context.Background(), "missing")
	if !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestGetDecodesReport(t *testing.T) {
	store, mock := newMockStore(t)

	rep := report.Build(report.Input{ChannelID: "UC123", RawComments: 7, HighSignal: 3, GeneratedAt: base})
	data, err := rep.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	mock.ExpectQuery("SELECT (.+) FROM jobs WHERE access_key").
		WithArgs("k1").
		WillReturnRows(sqlmock.NewRows(columns).AddRow(
			"k1", "UC123", "a@example.com", 10, "Completed", 100,
			base, base.Add(time.Minute), "", false, 1, string(data),
		))

	got, err := store.Get(context.Background(), "k1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Phase != jobs.PhaseCompleted || got.Progress != 100 {
		t.Errorf("unexpected job: %+v", got)
	}
	if got.Result == nil || got.Result.Pipeline.RawComments != 7 {
		t.Fatalf("expected decoded report, got %+v", got.Result)
	}
	if !got.UpdatedAt.Equal(base.Add(time.Minute)) {
		t.Errorf("unexpected updated_at %v", got.UpdatedAt)
	}
}

func TestGetRejectsUnknownPhase(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT (.+) FROM jobs WHERE access_key").
		WithArgs("k1").
		WillReturnRows(sqlmock.NewRows(columns).AddRow(
			"k1", "UC123", "a@example.com", 10, "Sleeping", 0,
			base, base, "", false, 0, nil,
		))

	if _, err := store.Get(context.Background(), "k1"); err == nil {
		t.Fatal("expected error for unknown phase")
	}
}

func TestUpdateNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE jobs SET").
		WithArgs("Failed", 40, base, "boom", false, 1, nil, "ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Update(context.Background(), &jobs.AnalysisJob{
		AccessKey: "ghost",
		Phase:     jobs.PhaseFailed,
		Progress:  40,
		UpdatedAt: base,
		Reason:    "boom",
		Attempts:  1,
	})
	if !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateStoresReport(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE jobs SET").
		WithArgs("Completed", 100, base, "", false, 1, sqlmock.AnyArg(), "k1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Update(context.Background(), &jobs.AnalysisJob{
		AccessKey: "k1",
		Phase:     jobs.PhaseCompleted,
		Progress:  100,
		UpdatedAt: base,
		Attempts:  1,
		Result:    report.Build(report.Input{ChannelID: "UC123", GeneratedAt: base}),
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestFindActive(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("phase NOT IN ($3, $4)")).
		WithArgs("UC123", "a@example.com", "Completed", "Failed").
		WillReturnRows(sqlmock.NewRows(columns).AddRow(
			"live", "UC123", "a@example.com", 10, "Verifying", 50,
			base, base, "", false, 1, nil,
		))

	got, err := store.FindActive(context.Background(), "UC123", "a@example.com")
	if err != nil {
		t.Fatalf("FindActive: %v", err)
	}
	if got.AccessKey != "live" || got.Phase != jobs.PhaseVerifying {
		t.Errorf("unexpected job: %+v", got)
	}
}

func TestListAppliesLimit(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY created_at DESC, access_key LIMIT $1")).
		WithArgs(2).
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("b", "UC1", "x@example.com", 10, "Queued", 0, base.Add(time.Hour), base, "", false, 0, nil).
			AddRow("a", "UC1", "x@example.com", 10, "Queued", 0, base, base, "", false, 0, nil))

	got, err := store.List(context.Background(), 2)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 || got[0].AccessKey != "b" {
		t.Errorf("unexpected list: %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestListStale(t *testing.T) {
	store, mock := newMockStore(t)
	cutoff := base.Add(-10 * time.Minute)

	mock.ExpectQuery(regexp.QuoteMeta("NOT stuck AND updated_at < $3")).
		WithArgs("Completed", "Failed", cutoff).
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("s1", "UC1", "x@example.com", 10, "Extracting", 40, base, base, "", false, 1, nil))

	got, err := store.ListStale(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("ListStale: %v", err)
	}
	if len(got) != 1 || got[0].AccessKey != "s1" {
		t.Errorf("unexpected stale list: %+v", got)
	}
}

func TestCountByPhase(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT phase, COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"phase", "count"}).
			AddRow("Queued", 3).
			AddRow("Completed", 5))

	counts, err := store.CountByPhase(context.Background())
	if err != nil {
		t.Fatalf("CountByPhase: %v", err)
	}
	if counts[jobs.PhaseQueued] != 3 || counts[jobs.PhaseCompleted] != 5 {
		t.Errorf("unexpected counts: %v", counts)
	}
}

func TestOpenRejectsEmptyURL(t *testing.T) {
	if _, err := Open(context.Background(), "  ", nil); err == nil {
		t.Fatal("expected error for empty database URL")
	}
}
