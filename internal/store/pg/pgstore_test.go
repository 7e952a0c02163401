package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"rollcall.dev/internal/bus"
	"rollcall.dev/internal/identity"
	"rollcall.dev/internal/proxypool"
	"rollcall.dev/internal/workflow"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	return New(db), mock, func() { db.Close() }
}

func TestUpsertIdentity(t *testing.T) {
	store, mock, done := newMock(t)
	defer done()

	now := time.Now().UTC()
	id := identity.Identity{
		ID:             "idn_pg_1",
		Label:          "batch-a",
		MailboxAddress: "a@postbox.test",
		PlatformHandle: "a.rollcall",
		Status:         identity.StatusCompleted,
		ActivityDays:   3,
		LastDetail:     "completed",
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	mock.ExpectExec("insert into identities").
		WithArgs("idn_pg_1", "batch-a", "a@postbox.test", "a.rollcall", "", "",
			"completed", "", 3, "completed", now, now).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := store.UpsertIdentity(context.Background(), id); err != nil {
		t.Fatalf("UpsertIdentity: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestRecordRunWritesRunAndSteps(t *testing.T) {
	store, mock, done := newMock(t)
	defer done()

	started := time.Now().UTC()
	run := workflow.Run{
		ID:         "run_pg_1",
		IdentityID: "idn_pg_1",
		ProxyIDs:   []string{"pxy_a", "pxy_b"},
		Terminal:   identity.StatusCompleted,
		Detail:     "completed",
		StartedAt:  started,
		EndedAt:    started.Add(2 * time.Second),
		Results: []workflow.StepResult{
			{Step: "mailbox_check", Attempt: 1, Kind: workflow.OutcomeSuccess, Proxy: "pxy_a", At: started},
			{Step: "platform_check", Attempt: 1, Kind: workflow.OutcomeSuccess, Proxy: "pxy_b", At: started.Add(time.Second)},
		},
	}

	mock.ExpectBegin()
	mock.ExpectExec("insert into runs").
		WithArgs("run_pg_1", "idn_pg_1", "completed", "", "completed", "pxy_a,pxy_b",
			run.StartedAt, run.EndedAt).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into step_results").
		WithArgs("run_pg_1", 0, "mailbox_check", 1, "success", "", "", "pxy_a", int64(0), run.Results[0].At).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into step_results").
		WithArgs("run_pg_1", 1, "platform_check", 1, "success", "", "", "pxy_b", int64(0), run.Results[1].At).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := store.RecordRun(context.Background(), run); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestRecordRunRollsBackOnError(t *testing.T) {
	store, mock, done := newMock(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectExec("insert into runs").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := store.RecordRun(context.Background(), workflow.Run{ID: "run_pg_2"})
	if err == nil {
		t.Fatal("RecordRun returned nil, want error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestUpsertProxy(t *testing.T) {
	store, mock, done := newMock(t)
	defer done()

	p := proxypool.Proxy{
		ID:      "pxy_pg_1",
		Scheme:  "http",
		Host:    "10.4.0.1",
		Port:    9200,
		Health:  proxypool.HealthHealthy,
		Latency: 42 * time.Millisecond,
	}

	mock.ExpectExec("insert into proxies").
		WithArgs("pxy_pg_1", "http", "10.4.0.1", 9200, "", "", "healthy", 0,
			int64(42), sqlmock.AnyArg(), "").
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := store.UpsertProxy(context.Background(), p); err != nil {
		t.Fatalf("UpsertProxy: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestInsertEvent(t *testing.T) {
	store, mock, done := newMock(t)
	defer done()

	at := time.Now().UTC()
	evt := bus.Event{
		Seq:        7,
		Type:       bus.TypeTransition,
		IdentityID: "idn_pg_1",
		RunID:      "run_pg_1",
		From:       "pending",
		To:         "proxy_assigned",
		Detail:     "proxy assigned",
		At:         at,
	}

	mock.ExpectExec("insert into events").
		WithArgs(uint64(7), "transition", "idn_pg_1", "run_pg_1", "pending", "proxy_assigned", "proxy assigned", at).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := store.InsertEvent(context.Background(), evt); err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func identityRows(ids ...identity.Identity) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"id", "label", "mailbox_address", "platform_handle", "mailbox_secret_ref",
		"platform_secret_ref", "status", "proxy_id", "activity_days", "last_detail",
		"created_at", "updated_at",
	})
	for _, id := range ids {
		rows.AddRow(id.ID, id.Label, id.MailboxAddress, id.PlatformHandle, id.MailboxSecretRef,
			id.PlatformSecretRef, string(id.Status), id.ProxyID, id.ActivityDays, id.LastDetail,
			id.CreatedAt, id.UpdatedAt)
	}
	return rows
}

func TestListIdentities(t *testing.T) {
	store, mock, done := newMock(t)
	defer done()

	now := time.Now().UTC()
	mock.ExpectQuery("from identities order by created_at").
		WillReturnRows(identityRows(
			identity.Identity{ID: "idn_pg_1", Status: identity.StatusCompleted, CreatedAt: now, UpdatedAt: now},
			identity.Identity{ID: "idn_pg_2", Status: identity.StatusPending, CreatedAt: now, UpdatedAt: now},
		))

	got, err := store.ListIdentities(context.Background())
	if err != nil {
		t.Fatalf("ListIdentities: %v", err)
	}
	if len(got) != 2 || got[0].ID != "idn_pg_1" || got[1].Status != identity.StatusPending {
		t.Fatalf("identities = %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestClaimPendingStampsClaims(t *testing.T) {
	store, mock, done := newMock(t)
	defer done()

	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery("for update skip locked").
		WithArgs("pending", 2).
		WillReturnRows(identityRows(
			identity.Identity{ID: "idn_pg_1", Status: identity.StatusPending, CreatedAt: now, UpdatedAt: now},
			identity.Identity{ID: "idn_pg_2", Status: identity.StatusPending, CreatedAt: now, UpdatedAt: now},
		))
	mock.ExpectExec("update identities set claimed_at").
		WithArgs("idn_pg_1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update identities set claimed_at").
		WithArgs("idn_pg_2").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	got, err := store.ClaimPending(context.Background(), 2)
	if err != nil {
		t.Fatalf("ClaimPending: %v", err)
	}
	if len(got) != 2 || got[0].ID != "idn_pg_1" || got[1].ID != "idn_pg_2" {
		t.Fatalf("claimed = %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestClaimPendingEmptyBatch(t *testing.T) {
	store, mock, done := newMock(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectQuery("for update skip locked").
		WithArgs("pending", 100).
		WillReturnRows(identityRows())
	mock.ExpectCommit()

	got, err := store.ClaimPending(context.Background(), 0)
	if err != nil {
		t.Fatalf("ClaimPending: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("claimed = %+v, want none", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
