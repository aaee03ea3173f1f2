package scheduler

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"scrapius/internal/dispatch"
	"scrapius/internal/feed"
	"scrapius/internal/filter"
	"scrapius/pkg/logx"
)

// RunCycle executes one pass. Only one cycle runs at a time; Run serializes
// calls, and ForceRun queues behind an in-flight cycle.
func (s *Scheduler) RunCycle(ctx context.Context) (CycleResult, error) {
	cfg := s.snapshot().Runtime
	res := CycleResult{StartedAt: s.now()}
	defer func() {
		res.Duration = s.now().Sub(res.StartedAt)
		s.publish("cycle.finished", res)
	}()

	if !cfg.WorkingHours.Contains(s.now()) {
		res.SkippedReason = "outside working hours"
		s.log.Debug("cycle skipped", logx.String("reason", res.SkippedReason))
		return res, nil
	}

	if err := s.session.EnsureAuthenticated(ctx, cfg.AuthMode); err != nil {
		res.SkippedReason = "session unavailable"
		res.Errors++
		s.noteSessionFailure()
		return res, fmt.Errorf("ensure authenticated: %w", err)
	}
	s.resetBackoff()

	var firstErr error
	for i, source := range cfg.Sources {
		if i > 0 {
			if err := s.sleep(ctx, cfg.SourceDelay()); err != nil {
				return res, err
			}
		}

		candidates, err := s.scraper.FetchCandidates(ctx, source, cfg.MaxPostsPerSource)
		if err != nil {
			// Scrape failures are recoverable: log, count, move on to the
			// next source. The next tick retries independently.
			res.Errors++
			if firstErr == nil {
				firstErr = err
			}
			s.log.Warn("scrape failed", logx.String("source", source), logx.Err(err))
			continue
		}
		res.Seen += len(candidates)

		for _, cand := range candidates {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			prompts := feed.PromptPair{System: cfg.Prompts.System, User: cfg.Prompts.User}
			if err := s.processCandidate(ctx, cand, prompts, cfg.Recipients, &res); err != nil {
				if errors.Is(err, ErrStoreFatal) {
					return res, err
				}
				res.Errors++
				if firstErr == nil {
					firstErr = err
				}
			}
		}
	}

	s.log.Info("cycle finished",
		logx.Int("seen", res.Seen),
		logx.Int("accepted", res.Accepted),
		logx.Int("rejected", res.Rejected),
		logx.Int("errors", res.Errors))
	return res, firstErr
}

func (s *Scheduler) processCandidate(ctx context.Context, cand feed.Candidate, prompts feed.PromptPair, recipients []int64, res *CycleResult) error {
	seen, err := s.ledger.HasSeen(ctx, cand.ID)
	if err != nil {
		return fmt.Errorf("dedup lookup: %w", err)
	}
	if seen {
		return nil
	}

	decision, err := s.classifier.Classify(ctx, cand, prompts)
	if err != nil {
		// Could not evaluate. No record is written: the item stays eligible
		// if a later scrape rediscovers it.
		if errors.Is(err, filter.ErrClassification) {
			s.log.Warn("classification failed", logx.String("item", cand.ID), logx.Err(err))
			return err
		}
		return fmt.Errorf("classify: %w", err)
	}

	if !decision.Send {
		res.Rejected++
		rec := feed.ProcessedRecord{
			ID:          cand.ID,
			Source:      cand.Source,
			Decision:    feed.DecisionRejected,
			Outcome:     feed.OutcomeSkipped,
			ProcessedAt: s.now(),
		}
		if err := s.ledger.MarkSeen(ctx, rec); err != nil {
			// Nothing was dispatched, so this is recoverable: the item will
			// be re-evaluated on rediscovery.
			return fmt.Errorf("record rejected item: %w", err)
		}
		return nil
	}

	outcomes, derr := s.dispatcher.Deliver(ctx, cand.ID, formatNotification(cand, decision.Summary), recipients)
	res.Accepted++

	outcome := feed.OutcomeDelivered
	if anyFailed(outcomes) {
		outcome = feed.OutcomeFailed
	}
	if derr != nil {
		s.log.Warn("dispatch incomplete", logx.String("item", cand.ID), logx.Err(derr))
	}

	rec := feed.ProcessedRecord{
		ID:          cand.ID,
		Source:      cand.Source,
		Decision:    feed.DecisionAccepted,
		Outcome:     outcome,
		Summary:     decision.Summary,
		ProcessedAt: s.now(),
	}
	if err := s.ledger.MarkSeen(ctx, rec); err != nil {
		// The item went out but we cannot remember that. Retry once before
		// declaring the store broken.
		time.Sleep(200 * time.Millisecond)
		if err2 := s.ledger.MarkSeen(ctx, rec); err2 != nil {
			return fmt.Errorf("%w: %v", ErrStoreFatal, err2)
		}
	}
	s.publish("item.dispatched", rec)
	return nil
}

func anyFailed(outcomes []dispatch.Outcome) bool {
	for _, o := range outcomes {
		if !o.Delivered {
			return true
		}
	}
	return false
}

// formatNotification builds the message body: source, AI summary, permalink.
func formatNotification(cand feed.Candidate, summary string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s</b>\n\n", html.EscapeString(cand.Source))
	if summary != "" {
		b.WriteString(html.EscapeString(summary))
	} else {
		b.WriteString(html.EscapeString(truncateText(cand.Content, 500)))
	}
	if cand.Permalink != "" {
		fmt.Fprintf(&b, "\n\n%s", cand.Permalink)
	}
	return b.String()
}

func truncateText(s string, n int) string {
	rs := []rune(s)
	if len(rs) <= n {
		return s
	}
	return string(rs[:n]) + "..."
}
