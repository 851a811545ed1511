package lease

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"shipment-batch-engine/internal/store"
)

// Errors returned by every Leaser implementation.
var (
	ErrHeld = store.ErrLeaseHeld
	ErrLost = store.ErrLeaseLost
)

// Leaser grants the single write lease a job's scheduler must hold.
type Leaser interface {
	Acquire(ctx context.Context, jobID, owner string, ttl time.Duration) error
	Renew(ctx context.Context, jobID, owner string, ttl time.Duration) error
	Release(ctx context.Context, jobID, owner string) error
}

// StoreLeaser keeps leases in the job store's job_leases table.
type StoreLeaser struct {
	st *store.Store
}

func NewStoreLeaser(st *store.Store) *StoreLeaser {
	return &StoreLeaser{st: st}
}

func (l *StoreLeaser) Acquire(ctx context.Context, jobID, owner string, ttl time.Duration) error {
	return l.st.AcquireLease(ctx, jobID, owner, ttl)
}

func (l *StoreLeaser) Renew(ctx context.Context, jobID, owner string, ttl time.Duration) error {
	return l.st.RenewLease(ctx, jobID, owner, ttl)
}

func (l *StoreLeaser) Release(ctx context.Context, jobID, owner string) error {
	return l.st.ReleaseLease(ctx, jobID, owner)
}

// Held is an acquired lease kept alive by a background renewer until Release.
type Held struct {
	leaser Leaser
	jobID  string
	owner  string
	lost   chan struct{}
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

// Hold acquires the lease and renews it every ttl/3. Lost is closed if a renewal is refused.
func Hold(ctx context.Context, l Leaser, jobID, owner string, ttl time.Duration, logger *zap.Logger) (*Held, error) {
	if err := l.Acquire(ctx, jobID, owner, ttl); err != nil {
		return nil, err
	}
	h := &Held{
		leaser: l,
		jobID:  jobID,
		owner:  owner,
		lost:   make(chan struct{}),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go h.renew(ttl, logger)
	return h, nil
}

func (h *Held) renew(ttl time.Duration, logger *zap.Logger) {
	defer close(h.done)
	interval := ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			err := h.leaser.Renew(ctx, h.jobID, h.owner, ttl)
			cancel()
			if errors.Is(err, ErrLost) {
				logger.Error("job lease lost", zap.String("job_id", h.jobID), zap.String("owner", h.owner))
				close(h.lost)
				return
			}
			if err != nil {
				// transient store or redis error; the next tick tries again before expiry
				logger.Warn("renew job lease", zap.String("job_id", h.jobID), zap.Error(err))
			}
		}
	}
}

// Lost is closed when another owner took the lease over.
func (h *Held) Lost() <-chan struct{} { return h.lost }

// Release stops renewal and drops the lease.
func (h *Held) Release(ctx context.Context) error {
	var err error
	h.once.Do(func() {
		close(h.stop)
		<-h.done
		err = h.leaser.Release(ctx, h.jobID, h.owner)
	})
	return err
}
