package enrollgate

import (
	"context"
	"io"
	"log"
	"testing"
	"time"
)

func newTestAuditor(t *testing.T, counter CounterStore, directory DirectoryClient) *Auditor {
	t.Helper()
	auditor, err := NewAuditor(AuditorOptions{
		Counter:   counter,
		Directory: directory,
		Logger:    log.New(io.Discard, "", 0),
		Domain:    "students.example.edu",
	})
	if err != nil {
		t.Fatalf("failed to build auditor: %v", err)
	}
	return auditor
}

func TestAuditReportsDriftWithoutMutating(t *testing.T) {
	counter := NewInMemoryCounterStore(10)
	directory := newFakeDirectory()
	directory.users["ada@students.example.edu"] = DirectoryUser{PrimaryEmail: "ada@students.example.edu"}
	directory.users["grace@students.example.edu"] = DirectoryUser{PrimaryEmail: "grace@students.example.edu"}
	auditor := newTestAuditor(t, counter, directory)

	report, err := auditor.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if report.DirectoryAccounts != 2 || report.CounterCount != 0 || report.Drift != 2 {
		t.Fatalf("unexpected report %+v", report)
	}

	// The audit is report-only: the counter stays untouched.
	snapshot, _ := counter.ReadCountAndLimit(context.Background())
	if snapshot.Count != 0 {
		t.Fatalf("audit must never mutate the counter, count=%d", snapshot.Count)
	}
}

func TestAuditSkipsSecondaryAndArchivedAccounts(t *testing.T) {
	counter := NewInMemoryCounterStore(10)
	if err := counter.Increment(context.Background()); err != nil {
		t.Fatalf("increment: %v", err)
	}
	directory := newFakeDirectory()
	directory.users["ada@students.example.edu"] = DirectoryUser{PrimaryEmail: "ada@students.example.edu"}
	directory.users["kst_ada@students.example.edu"] = DirectoryUser{PrimaryEmail: "kst_ada@students.example.edu", Archived: true}
	directory.users["old@students.example.edu"] = DirectoryUser{PrimaryEmail: "old@students.example.edu", Archived: true}
	auditor := newTestAuditor(t, counter, directory)

	report, err := auditor.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if report.DirectoryAccounts != 1 {
		t.Fatalf("expected 1 primary account, got %d", report.DirectoryAccounts)
	}
	if report.SecondaryAccounts != 1 {
		t.Fatalf("expected 1 secondary account, got %d", report.SecondaryAccounts)
	}
	if report.ArchivedAccounts != 1 {
		t.Fatalf("expected 1 archived account, got %d", report.ArchivedAccounts)
	}
	if report.Drift != 0 {
		t.Fatalf("expected zero drift, got %d", report.Drift)
	}
}

func TestAuditNormalizesSecondaryPrefixCase(t *testing.T) {
	counter := NewInMemoryCounterStore(10)
	directory := newFakeDirectory()
	directory.users["kst_ada@students.example.edu"] = DirectoryUser{PrimaryEmail: "kst_ada@students.example.edu", Archived: true}
	auditor, err := NewAuditor(AuditorOptions{
		Counter:         counter,
		Directory:       directory,
		Logger:          log.New(io.Discard, "", 0),
		Domain:          "students.example.edu",
		SecondaryPrefix: "KST_",
	})
	if err != nil {
		t.Fatalf("auditor: %v", err)
	}

	report, err := auditor.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if report.SecondaryAccounts != 1 {
		t.Fatalf("expected 1 secondary account, got %d", report.SecondaryAccounts)
	}
	if report.DirectoryAccounts != 0 || report.Drift != 0 {
		t.Fatalf("companion account must not count toward drift, report %+v", report)
	}
}

func TestAuditEmitsDriftEvent(t *testing.T) {
	counter := NewInMemoryCounterStore(10)
	directory := newFakeDirectory()
	directory.users["ada@students.example.edu"] = DirectoryUser{PrimaryEmail: "ada@students.example.edu"}
	events := NewEventHub(4)
	auditor, err := NewAuditor(AuditorOptions{
		Counter:   counter,
		Directory: directory,
		Events:    events,
		Logger:    log.New(io.Discard, "", 0),
		Domain:    "students.example.edu",
	})
	if err != nil {
		t.Fatalf("auditor: %v", err)
	}
	feed, cancel := events.Subscribe()
	defer cancel()

	if _, err := auditor.RunOnce(context.Background()); err != nil {
		t.Fatalf("audit: %v", err)
	}
	select {
	case event := <-feed:
		if event.Type != EventAuditDrift {
			t.Fatalf("expected audit_drift event, got %s", event.Type)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected drift event")
	}
}

func TestJitteredIntervalWithSample(t *testing.T) {
	base := 10 * time.Second
	if got := jitteredIntervalWithSample(base, 0, 0.9); got != base {
		t.Fatalf("zero jitter must return base, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0); got != 8*time.Second {
		t.Fatalf("expected 8s at min sample, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 1); got != 12*time.Second {
		t.Fatalf("expected 12s at max sample, got %s", got)
	}
	if got := clampJitterRatio(1.5); got != 1 {
		t.Fatalf("expected clamp to 1, got %f", got)
	}
	if got := clampJitterRatio(-0.5); got != 0 {
		t.Fatalf("expected clamp to 0, got %f", got)
	}
}
