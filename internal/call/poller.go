package call

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/vedran77/pulse/internal/domain"
	"github.com/vedran77/pulse/internal/notify"
)

const defaultPollInterval = 2 * time.Second

// Puller is the read-and-remove half of the relay.
type Puller interface {
	Pull(ctx context.Context, userID string) ([]domain.CallSignal, error)
}

// Poller feeds a Session from the relay whenever the store reports a change
// and, as a fallback, on a fixed interval.
type Poller struct {
	puller   Puller
	session  *Session
	changes  *notify.Subscription
	interval time.Duration
	log      *zap.Logger
}

type PollerConfig struct {
	Puller  Puller
	Session *Session
	// Changes is optional; without it the poller relies on Interval alone.
	Changes  *notify.Subscription
	Interval time.Duration
	Logger   *zap.Logger
}

func NewPoller(cfg PollerConfig) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultPollInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Poller{
		puller:   cfg.Puller,
		session:  cfg.Session,
		changes:  cfg.Changes,
		interval: cfg.Interval,
		log:      cfg.Logger,
	}
}

// PollOnce pulls pending signals and hands them to the session in order.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	sigs, err := p.puller.Pull(ctx, p.session.self)
	if err != nil {
		return 0, err
	}
	for _, sig := range sigs {
		p.session.Handle(ctx, sig)
	}
	return len(sigs), nil
}

func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var changes <-chan notify.Change
	if p.changes != nil {
		changes = p.changes.C()
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-changes:
			if !ok {
				// Dropped by the broker; keep going on the ticker.
				changes = nil
				continue
			}
		case <-ticker.C:
		}
		if _, err := p.PollOnce(ctx); err != nil {
			p.log.Warn("signal poll failed", zap.Error(err))
		}
	}
}
