package scheduler

import (
	"context"
	"fmt"
	"html"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"scrapius/internal/config"
	"scrapius/pkg/logx"
)

// Digest sends each recipient a once-daily summary of the items accepted
// that day. Schedule and timezone come from the runtime config; Apply
// reschedules on config changes.
type Digest struct {
	snapshot   func() *config.Config
	ledger     Ledger
	dispatcher Deliverer
	log        logx.Logger
	now        func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
	spec string
	tz   string
}

func NewDigest(snapshot func() *config.Config, ledger Ledger, dispatcher Deliverer, log logx.Logger) *Digest {
	return &Digest{
		snapshot:   snapshot,
		ledger:     ledger,
		dispatcher: dispatcher,
		log:        log,
		now:        time.Now,
	}
}

// Start applies the current config and begins the cron loop.
func (d *Digest) Start() error {
	return d.Apply(d.snapshot())
}

// Apply (re)schedules the digest job from cfg. Disabled config stops the job.
func (d *Digest) Apply(cfg *config.Config) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	dig := cfg.Runtime.Digest
	tz := cfg.Runtime.WorkingHours.Timezone

	if !dig.Enabled {
		d.stopLocked()
		d.spec, d.tz = "", ""
		return nil
	}

	hour, minute, err := config.ParseClock(dig.At)
	if err != nil {
		return fmt.Errorf("digest schedule: %w", err)
	}
	spec := fmt.Sprintf("%d %d * * *", minute, hour)
	if spec == d.spec && tz == d.tz && d.cron != nil {
		return nil
	}

	d.stopLocked()

	loc := cfg.Runtime.WorkingHours.Location()
	c := cron.New(cron.WithLocation(loc))
	if _, err := c.AddFunc(spec, d.run); err != nil {
		return fmt.Errorf("digest schedule %q: %w", spec, err)
	}
	c.Start()

	d.cron = c
	d.spec = spec
	d.tz = tz
	d.log.Info("digest scheduled",
		logx.String("at", dig.At), logx.String("tz", loc.String()))
	return nil
}

func (d *Digest) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked()
}

func (d *Digest) stopLocked() {
	if d.cron != nil {
		d.cron.Stop()
		d.cron = nil
	}
}

func (d *Digest) run() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	cfg := d.snapshot().Runtime
	loc := cfg.WorkingHours.Location()
	now := d.now().In(loc)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)

	records, err := d.ledger.ProcessedSince(ctx, midnight)
	if err != nil {
		d.log.Warn("digest query failed", logx.Err(err))
		return
	}
	if len(records) == 0 {
		d.log.Debug("digest skipped, nothing accepted today")
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "<b>Daily digest, %s</b>\n", now.Format("2006-01-02"))
	fmt.Fprintf(&b, "%d matching item(s) today:\n", len(records))
	for i, rec := range records {
		summary := rec.Summary
		if summary == "" {
			summary = rec.ID[:12]
		}
		fmt.Fprintf(&b, "\n%d. %s", i+1, html.EscapeString(summary))
	}

	itemID := "digest-" + now.Format("2006-01-02")
	if _, err := d.dispatcher.Deliver(ctx, itemID, b.String(), cfg.Recipients); err != nil {
		d.log.Warn("digest delivery failed", logx.Err(err))
		return
	}
	d.log.Info("digest sent", logx.Int("items", len(records)))
}

// BuildToday returns the digest text without sending it (used by /digest now
// style commands and tests).
func (d *Digest) BuildToday(ctx context.Context) (string, int, error) {
	cfg := d.snapshot().Runtime
	loc := cfg.WorkingHours.Location()
	now := d.now().In(loc)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)

	records, err := d.ledger.ProcessedSince(ctx, midnight)
	if err != nil {
		return "", 0, err
	}
	if len(records) == 0 {
		return "No matching items today.", 0, nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "<b>Today, %s</b>\n", now.Format("2006-01-02"))
	for i, rec := range records {
		summary := rec.Summary
		if summary == "" {
			summary = rec.ID[:12]
		}
		fmt.Fprintf(&b, "\n%d. %s", i+1, html.EscapeString(summary))
	}
	return b.String(), len(records), nil
}
