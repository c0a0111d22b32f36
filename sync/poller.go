package sync

import (
	"context"
	"errors"
	"time"

	"mailbridge/models"
	"mailbridge/providers"
	"mailbridge/utils"
)

// pollerStore lists which accounts are worth polling.
type pollerStore interface {
	PruneSessions(ctx context.Context, cutoff time.Time) (int64, error)
	ActiveAccounts(ctx context.Context, cutoff time.Time) ([]*models.MailAccount, error)
}

// Poller periodically syncs every account with a live UI session.
// Accounts sync sequentially; one account's failure never blocks the
// rest of the tick.
type Poller struct {
	store      pollerStore
	engine     *Engine
	interval   time.Duration
	sessionTTL time.Duration
	log        *utils.Logger

	Clock func() time.Time
}

// NewPoller wires the background poller.
func NewPoller(store pollerStore, engine *Engine, interval, sessionTTL time.Duration, log *utils.Logger) *Poller {
	if interval <= 0 {
		interval = time.Minute
	}
	if sessionTTL <= 0 {
		sessionTTL = 2 * time.Minute
	}
	return &Poller{
		store:      store,
		engine:     engine,
		interval:   interval,
		sessionTTL: sessionTTL,
		log:        log,
		Clock:      time.Now,
	}
}

// Run ticks until ctx is cancelled. Call it from its own goroutine.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.log.Info("background poller started, interval %s", p.interval)
	for {
		select {
		case <-ctx.Done():
			p.log.Info("background poller stopped")
			return
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick runs one poll pass: prune dead sessions, then sync the folders
// users actually see for each account still being watched.
func (p *Poller) Tick(ctx context.Context) {
	cutoff := p.Clock().Add(-p.sessionTTL)

	if pruned, err := p.store.PruneSessions(ctx, cutoff); err != nil {
		p.log.Warn("session prune failed: %v", err)
	} else if pruned > 0 {
		p.log.Debug("pruned %d stale sessions", pruned)
	}

	accounts, err := p.store.ActiveAccounts(ctx, cutoff)
	if err != nil {
		p.log.Warn("listing poll candidates failed: %v", err)
		return
	}

	for _, acc := range accounts {
		if ctx.Err() != nil {
			return
		}
		p.syncAccount(ctx, acc)
	}
}

func (p *Poller) syncAccount(ctx context.Context, acc *models.MailAccount) {
	for _, folder := range []models.Folder{models.FolderInbox, models.FolderSent, models.FolderDrafts} {
		if _, err := p.engine.SyncFolder(ctx, acc, folder, false); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			p.log.Warn("poll sync %s/%s for account %d failed: %v", acc.Provider, folder, acc.ID, err)
			if errors.Is(err, providers.ErrAuthExpired) {
				// No point trying the remaining folders.
				return
			}
		}
	}
}
