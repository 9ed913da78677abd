package services

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/logger"
	"golang.org/x/sync/errgroup"

	"raffle/internal/events"
	"raffle/internal/models"
)

// DefaultPollInterval is how often the intake re-reads the check-in rows.
const DefaultPollInterval = 2 * time.Second

// RowLoader lists a session's check-in rows. It never fails; an outage
// looks like an empty list.
type RowLoader interface {
	Load(ctx context.Context, session string) []models.CheckinRow
}

// EventSource pushes row changes until ctx is done.
type EventSource interface {
	Run(ctx context.Context, out chan<- events.CheckinEvent) error
}

// Intake feeds check-ins into one session's roster. A poller and an
// optional event source produce batches; a single consumer applies them.
type Intake struct {
	service  *RaffleService
	loader   RowLoader
	source   EventSource
	session  string
	interval time.Duration

	count   atomic.Int64
	batches chan []models.Incoming
}

// NewIntake wires the producers for session. source may be nil.
func NewIntake(service *RaffleService, loader RowLoader, source EventSource, session string, interval time.Duration) *Intake {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Intake{
		service:  service,
		loader:   loader,
		source:   source,
		session:  session,
		interval: interval,
		batches:  make(chan []models.Incoming, 16),
	}
}

// Session is the session this intake feeds.
func (in *Intake) Session() string { return in.session }

// Count is the live number of check-ins seen for the session.
func (in *Intake) Count() int { return int(in.count.Load()) }

// Apply reconciles items into the roster and, when anyone was added,
// renormalizes display names. Host renames survive batches that add nobody.
// A session that cannot be loaded is skipped; the next poll brings the rows
// again. It returns how many participants were added.
func (in *Intake) Apply(ctx context.Context, items []models.Incoming) int {
	if len(items) == 0 {
		return 0
	}
	added, err := in.service.AddParticipantsWithMeta(ctx, in.session, items)
	if err != nil {
		logger.Warningf("intake: session %s: %v", in.session, err)
		return 0
	}
	if len(added) == 0 {
		return 0
	}
	if _, err := in.service.NormalizeParticipants(ctx, in.session); err != nil {
		logger.Warningf("intake: normalize session %s: %v", in.session, err)
	}
	logger.Infof("intake: %d new participant(s) in session %s", len(added), in.session)
	return len(added)
}

// Poll loads the rows once, resets the count from them and returns the
// batch to reconcile.
func (in *Intake) Poll(ctx context.Context) []models.Incoming {
	rows := in.loader.Load(ctx, in.session)
	in.count.Store(int64(len(rows)))
	return models.IncomingFromRows(rows)
}

// Handle applies one pushed event to the count and returns a batch for
// inserts. Events for other sessions are ignored.
func (in *Intake) Handle(ev events.CheckinEvent) []models.Incoming {
	if ev.Session != in.session {
		return nil
	}
	switch ev.Type {
	case events.TypeInsert:
		in.count.Add(1)
		return models.IncomingFromRows([]models.CheckinRow{ev.Row})
	case events.TypeDelete:
		for {
			n := in.count.Load()
			if n <= 0 || in.count.CompareAndSwap(n, n-1) {
				break
			}
		}
	}
	return nil
}

func (in *Intake) offer(ctx context.Context, batch []models.Incoming) {
	if len(batch) == 0 {
		return
	}
	select {
	case in.batches <- batch:
	case <-ctx.Done():
	}
}

// Run starts the producers and the consumer and blocks until ctx is done.
func (in *Intake) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticker := time.NewTicker(in.interval)
		defer ticker.Stop()
		for {
			in.offer(ctx, in.Poll(ctx))
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})

	if in.source != nil {
		evs := make(chan events.CheckinEvent, 64)
		g.Go(func() error {
			err := in.source.Run(ctx, evs)
			if ctx.Err() != nil {
				return nil
			}
			return err
		})
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case ev := <-evs:
					in.offer(ctx, in.Handle(ev))
				}
			}
		})
	}

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case batch := <-in.batches:
				in.Apply(ctx, batch)
			}
		}
	})

	return g.Wait()
}
