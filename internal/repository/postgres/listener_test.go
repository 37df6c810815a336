package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/splax/logpilot/internal/domain"
)

func TestParseNotification(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		want    domain.Partition
		wantErr bool
	}{
		{name: "service and org", payload: `{"service":"payments","org":"acme"}`, want: domain.Partition{Service: "payments", Org: "acme"}},
		{name: "org omitted", payload: `{"service":" auth "}`, want: domain.Partition{Service: "auth"}},
		{name: "empty service", payload: `{"service":"","org":"acme"}`, wantErr: true},
		{name: "not json", payload: `payments`, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseNotification(tc.payload)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for payload %q", tc.payload)
				}
				return
			}
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %+v, got %+v", tc.want, got)
			}
		})
	}
}

type recordingExecer struct {
	calls [][]any
	err   error
}

func (e *recordingExecer) Exec(_ context.Context, _ string, args ...any) (pgconn.CommandTag, error) {
	e.calls = append(e.calls, args)
	return pgconn.NewCommandTag("SELECT 1"), e.err
}

func TestCommitNotifierSendsEachPartitionOnce(t *testing.T) {
	db := &recordingExecer{}
	n := newCommitNotifier(db, "custom_events", nil)

	n.NotifyPartitions([]domain.Partition{
		{Service: "api", Org: "acme"},
		{Service: "web"},
		{Service: "api", Org: "acme"},
		{Service: ""},
	})
	if len(db.calls) != 1 {
		t.Fatalf("expected one statement per batch, got %d", len(db.calls))
	}
	args := db.calls[0]
	if args[0] != "custom_events" {
		t.Fatalf("expected configured channel, got %v", args[0])
	}
	payloads := args[1].([]string)
	if len(payloads) != 2 {
		t.Fatalf("expected 2 payloads, got %v", payloads)
	}
	want := []domain.Partition{{Service: "api", Org: "acme"}, {Service: "web"}}
	for i, payload := range payloads {
		got, err := ParseNotification(payload)
		if err != nil {
			t.Fatalf("parse %q: %v", payload, err)
		}
		if got != want[i] {
			t.Fatalf("expected %+v, got %+v", want[i], got)
		}
	}
}

func TestCommitNotifierSkipsEmptyBatches(t *testing.T) {
	db := &recordingExecer{err: errors.New("conn closed")}
	n := newCommitNotifier(db, "log_events", nil)
	n.NotifyPartitions(nil)
	if len(db.calls) != 0 {
		t.Fatalf("expected no statement, got %d", len(db.calls))
	}
	// failures are logged, not raised
	n.NotifyPartitions([]domain.Partition{{Service: "api"}})
	if len(db.calls) != 1 {
		t.Fatalf("expected one statement, got %d", len(db.calls))
	}
}
