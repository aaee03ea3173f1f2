// Package dispatch delivers accepted items to every allow-listed recipient.
// Recipients fail independently: a dead chat never blocks the others.
package dispatch

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"scrapius/internal/store"
	"scrapius/internal/transport"
	"scrapius/pkg/logx"
)

// ErrAllFailed is returned when not a single recipient got the message.
var ErrAllFailed = errors.New("dispatch: delivery failed for every recipient")

// Sender is the outbound half of the chat transport.
type Sender interface {
	SendText(ctx context.Context, chatID int64, text string, opt *transport.SendOptions) error
}

// Recorder persists per-recipient delivery outcomes.
type Recorder interface {
	RecordDispatch(ctx context.Context, d store.DispatchRecord) error
}

type Outcome struct {
	Recipient int64
	Delivered bool
	Attempts  int
	Err       error
}

type Config struct {
	// RetryMax is the number of retries after the first attempt.
	RetryMax int
	// RetryBase is the delay before the first retry; it grows linearly.
	RetryBase time.Duration
	// RatePerSec caps outbound sends across all recipients.
	RatePerSec int
}

type Dispatcher struct {
	sender  Sender
	rec     Recorder
	limiter *rate.Limiter

	retryMax  int
	retryBase time.Duration
	log       logx.Logger
}

func New(cfg Config, sender Sender, rec Recorder, log logx.Logger) *Dispatcher {
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 2
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 2 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	return &Dispatcher{
		sender:    sender,
		rec:       rec,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		retryMax:  cfg.RetryMax,
		retryBase: cfg.RetryBase,
		log:       log,
	}
}

// Deliver sends text to each recipient with bounded retry, records every
// terminal outcome, and returns them all. The error is non-nil only when no
// recipient was reached; partial failure is reported through the outcomes.
func (d *Dispatcher) Deliver(ctx context.Context, itemID, text string, recipients []int64) ([]Outcome, error) {
	outcomes := make([]Outcome, 0, len(recipients))
	delivered := 0

	for _, recipient := range recipients {
		o := d.deliverOne(ctx, recipient, text)
		outcomes = append(outcomes, o)
		if o.Delivered {
			delivered++
		} else {
			d.log.Warn("delivery failed terminally",
				logx.String("item", itemID),
				logx.Int64("recipient", recipient),
				logx.Int("attempts", o.Attempts),
				logx.Err(o.Err))
		}

		status := "delivered"
		if !o.Delivered {
			status = "failed"
		}
		if d.rec != nil {
			if err := d.rec.RecordDispatch(ctx, store.DispatchRecord{
				ItemID:    itemID,
				Recipient: recipient,
				Status:    status,
				Attempts:  o.Attempts,
				At:        time.Now(),
			}); err != nil {
				d.log.Warn("recording dispatch outcome failed",
					logx.String("item", itemID), logx.Err(err))
			}
		}
	}

	if len(recipients) > 0 && delivered == 0 {
		return outcomes, ErrAllFailed
	}
	return outcomes, nil
}

func (d *Dispatcher) deliverOne(ctx context.Context, recipient int64, text string) Outcome {
	o := Outcome{Recipient: recipient}
	opt := &transport.SendOptions{ParseMode: "HTML", DisablePreview: true}

	for attempt := 0; attempt <= d.retryMax; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				o.Err = ctx.Err()
				return o
			case <-time.After(time.Duration(attempt) * d.retryBase):
			}
		}
		if err := d.limiter.Wait(ctx); err != nil {
			o.Err = err
			return o
		}

		o.Attempts++
		err := d.sender.SendText(ctx, recipient, text, opt)
		if err == nil {
			o.Delivered = true
			o.Err = nil
			return o
		}
		o.Err = err
	}
	return o
}
