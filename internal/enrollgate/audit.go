package enrollgate

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"time"
)

const auditPageSize = 100

type AuditorOptions struct {
	Counter   CounterStore
	Directory DirectoryClient
	Events    *EventHub
	Logger    *log.Logger

	// Domain scopes the directory listing to the managed domain.
	Domain string
	// SecondaryPrefix excludes companion accounts from the primary
	// account tally.
	SecondaryPrefix string
	// Interval paces the periodic audit loop; zero selects one hour.
	Interval time.Duration
	// Jitter spreads audit runs to avoid synchronized directory
	// listings across replicas (ratio 0.0-1.0).
	Jitter float64
}

// AuditReport compares the directory's primary-account population with
// the stored counter. Drift is directory minus counter: positive means
// the counter under-counts, negative means it over-counts.
type AuditReport struct {
	DirectoryAccounts int       `json:"directoryAccounts"`
	CounterCount      int       `json:"counterCount"`
	CounterLimit      int       `json:"counterLimit"`
	Drift             int       `json:"drift"`
	SecondaryAccounts int       `json:"secondaryAccounts"`
	ArchivedAccounts  int       `json:"archivedAccounts"`
	CompletedAt       time.Time `json:"completedAt"`
}

// Auditor periodically reconciles the counter against the directory.
// It only reports: repairs stay a deliberate operator action through
// the admin limit API, never an automatic counter rewrite.
type Auditor struct {
	counter         CounterStore
	directory       DirectoryClient
	events          *EventHub
	logger          *log.Logger
	domain          string
	secondaryPrefix string
	interval        time.Duration
	jitter          float64
}

func NewAuditor(opts AuditorOptions) (*Auditor, error) {
	if opts.Counter == nil || opts.Directory == nil {
		return nil, ErrInvalidInput
	}
	domain := strings.TrimPrefix(strings.TrimSpace(opts.Domain), "@")
	if domain == "" {
		return nil, ErrInvalidInput
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	prefix := strings.ToLower(opts.SecondaryPrefix)
	if prefix == "" {
		prefix = "kst_"
	}
	return &Auditor{
		counter:         opts.Counter,
		directory:       opts.Directory,
		events:          opts.Events,
		logger:          logger,
		domain:          domain,
		secondaryPrefix: prefix,
		interval:        interval,
		jitter:          clampJitterRatio(opts.Jitter),
	}, nil
}

// RunOnce walks the full directory listing and compares the
// primary-account total with the counter snapshot.
func (a *Auditor) RunOnce(ctx context.Context) (AuditReport, error) {
	var report AuditReport
	pageToken := ""
	for {
		page, err := a.directory.ListUsers(ctx, a.domain, pageToken, auditPageSize)
		if err != nil {
			return AuditReport{}, fmt.Errorf("list directory users: %w", err)
		}
		for _, user := range page.Users {
			local := user.PrimaryEmail
			if at := strings.Index(local, "@"); at >= 0 {
				local = local[:at]
			}
			if strings.HasPrefix(strings.ToLower(local), a.secondaryPrefix) {
				report.SecondaryAccounts++
				continue
			}
			if user.Archived {
				report.ArchivedAccounts++
				continue
			}
			report.DirectoryAccounts++
		}
		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	snapshot, err := a.counter.ReadCountAndLimit(ctx)
	if err != nil {
		return AuditReport{}, err
	}
	report.CounterCount = snapshot.Count
	report.CounterLimit = snapshot.Limit
	report.Drift = report.DirectoryAccounts - snapshot.Count
	report.CompletedAt = time.Now().UTC()

	if report.Drift != 0 {
		a.logger.Printf("audit drift detected: directory=%d counter=%d drift=%+d", report.DirectoryAccounts, snapshot.Count, report.Drift)
		if a.events != nil {
			a.events.Publish(Event{
				Type:   EventAuditDrift,
				Count:  snapshot.Count,
				Limit:  snapshot.Limit,
				Detail: fmt.Sprintf("directory=%d drift=%+d", report.DirectoryAccounts, report.Drift),
			})
		}
	}
	return report, nil
}

// Run audits once immediately, then on a jittered interval until ctx
// is canceled.
func (a *Auditor) Run(ctx context.Context) {
	run := func() {
		report, err := a.RunOnce(ctx)
		if err != nil {
			a.logger.Printf("audit cycle failed: %v", err)
			return
		}
		a.logger.Printf("audit cycle completed: directory=%d counter=%d drift=%+d", report.DirectoryAccounts, report.CounterCount, report.Drift)
	}

	run()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(a.interval, a.jitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			run()
			timer.Reset(jitteredIntervalWithSample(a.interval, a.jitter, rng.Float64()))
		}
	}
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
