// Package pool tracks backend account health, selects placement targets
// and funnels every block put/get/delete through per-account and global
// concurrency caps with retry.
//
// Each account behaves like one unreliable drive of a RAID array. The
// pool watches request outcomes per account and walks the account through
// Healthy → Degraded → Unavailable automatically; returning from
// Unavailable requires an operator-triggered rebuild.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"github.com/scatterfs/scatterfs/internal/model"
)

// ErrAccountUnavailable is returned when an operation targets an account
// the pool will not route requests to.
var ErrAccountUnavailable = errors.New("pool: account unavailable")

// ErrInsufficientAccounts is returned when placement cannot find enough
// distinct usable accounts for a stripe.
var ErrInsufficientAccounts = errors.New("pool: not enough usable accounts")

// ErrUnknownAccount is returned for an account ID the pool was not
// configured with.
var ErrUnknownAccount = errors.New("pool: unknown account")

// RetryPolicy bounds retries of one backend operation kind.
type RetryPolicy struct {
	// Attempts is the total number of tries including the first.
	Attempts int
	// BaseDelay seeds the exponential backoff between tries.
	BaseDelay time.Duration
}

// Account declares one pool member.
type Account struct {
	ID       model.AccountID
	Priority int
	// Initial is the health state to start from, normally the persisted
	// state from the previous run.
	Initial model.HealthState
}

// TransitionFunc observes health state changes, e.g. to persist them.
type TransitionFunc func(id model.AccountID, from, to model.HealthState)

// Config configures a pool.
type Config struct {
	Backend  Backend
	Accounts []Account

	// MaxConcurrentUploads and MaxConcurrentDownloads are global caps;
	// PerAccountConcurrency caps each single account. Exceeding a cap
	// queues the request, it never fails it.
	MaxConcurrentUploads   int64
	MaxConcurrentDownloads int64
	PerAccountConcurrency  int64

	UploadRetry   RetryPolicy
	DownloadRetry RetryPolicy

	OnTransition TransitionFunc
	Logger       *slog.Logger
}

type member struct {
	id       model.AccountID
	priority int
	sem      *semaphore.Weighted
	health   *healthTracker
}

// Pool is the account pool. Safe for concurrent use; each account's
// health has its own lock, so unrelated operations stay independent.
type Pool struct {
	backend       Backend
	members       map[model.AccountID]*member
	byPriority    []*member
	uploads       *semaphore.Weighted
	downloads     *semaphore.Weighted
	uploadRetry   RetryPolicy
	downloadRetry RetryPolicy
	onTransition  TransitionFunc
	log           *slog.Logger
}

// New builds a pool. The account set is fixed for the pool's lifetime.
func New(cfg Config) (*Pool, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("pool: backend is required")
	}
	if len(cfg.Accounts) == 0 {
		return nil, fmt.Errorf("pool: at least one account is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxConcurrentUploads <= 0 {
		cfg.MaxConcurrentUploads = 8
	}
	if cfg.MaxConcurrentDownloads <= 0 {
		cfg.MaxConcurrentDownloads = 8
	}
	if cfg.PerAccountConcurrency <= 0 {
		cfg.PerAccountConcurrency = 2
	}
	if cfg.UploadRetry.Attempts <= 0 {
		cfg.UploadRetry = RetryPolicy{Attempts: 4, BaseDelay: 500 * time.Millisecond}
	}
	if cfg.DownloadRetry.Attempts <= 0 {
		cfg.DownloadRetry = RetryPolicy{Attempts: 3, BaseDelay: 250 * time.Millisecond}
	}

	p := &Pool{
		backend:       cfg.Backend,
		members:       make(map[model.AccountID]*member, len(cfg.Accounts)),
		uploads:       semaphore.NewWeighted(cfg.MaxConcurrentUploads),
		downloads:     semaphore.NewWeighted(cfg.MaxConcurrentDownloads),
		uploadRetry:   cfg.UploadRetry,
		downloadRetry: cfg.DownloadRetry,
		onTransition:  cfg.OnTransition,
		log:           cfg.Logger,
	}
	for _, a := range cfg.Accounts {
		if _, dup := p.members[a.ID]; dup {
			return nil, fmt.Errorf("pool: duplicate account %q", a.ID)
		}
		m := &member{
			id:       a.ID,
			priority: a.Priority,
			sem:      semaphore.NewWeighted(cfg.PerAccountConcurrency),
			health:   newHealthTracker(a.Initial),
		}
		p.members[a.ID] = m
		p.byPriority = append(p.byPriority, m)
	}
	sort.SliceStable(p.byPriority, func(i, j int) bool {
		return p.byPriority[i].priority > p.byPriority[j].priority
	})
	return p, nil
}

func (p *Pool) member(id model.AccountID) (*member, error) {
	m, ok := p.members[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAccount, id)
	}
	return m, nil
}

// Put uploads a block to an account, honoring concurrency caps and the
// upload retry policy.
func (p *Pool) Put(ctx context.Context, id model.AccountID, data []byte) (model.ObjectRef, error) {
	m, err := p.member(id)
	if err != nil {
		return "", err
	}
	if m.health.State() == model.HealthUnavailable {
		return "", fmt.Errorf("%w: %q", ErrAccountUnavailable, id)
	}
	var ref model.ObjectRef
	err = p.run(ctx, m, p.uploads, p.uploadRetry, func(ctx context.Context) error {
		var err error
		ref, err = p.backend.Put(ctx, id, data)
		return err
	})
	if err != nil {
		return "", err
	}
	return ref, nil
}

// Get downloads a block from an account. Degraded accounts are still
// served; only unavailable ones are refused.
func (p *Pool) Get(ctx context.Context, id model.AccountID, ref model.ObjectRef) ([]byte, error) {
	m, err := p.member(id)
	if err != nil {
		return nil, err
	}
	if m.health.State() == model.HealthUnavailable {
		return nil, fmt.Errorf("%w: %q", ErrAccountUnavailable, id)
	}
	var data []byte
	err = p.run(ctx, m, p.downloads, p.downloadRetry, func(ctx context.Context) error {
		var err error
		data, err = p.backend.Get(ctx, id, ref)
		return err
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Delete removes a block from an account. Used by rollback and garbage
// collection; shares the upload caps and retry policy.
func (p *Pool) Delete(ctx context.Context, id model.AccountID, ref model.ObjectRef) error {
	m, err := p.member(id)
	if err != nil {
		return err
	}
	return p.run(ctx, m, p.uploads, p.uploadRetry, func(ctx context.Context) error {
		return p.backend.Delete(ctx, id, ref)
	})
}

// run executes one backend call under the global and per-account
// semaphores, retrying transient failures with exponential backoff and
// feeding every outcome into the account's health tracker.
func (p *Pool) run(ctx context.Context, m *member, global *semaphore.Weighted, retry RetryPolicy, fn func(context.Context) error) error {
	if err := global.Acquire(ctx, 1); err != nil {
		return err
	}
	defer global.Release(1)
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer m.sem.Release(1)

	op := func() error {
		err := fn(ctx)
		if err == nil {
			p.record(m, false)
			return nil
		}
		// A cancelled request says nothing about the account's health.
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return backoff.Permanent(err)
		}
		p.record(m, true)
		if IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	bo := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(backoff.WithInitialInterval(retry.BaseDelay)),
			uint64(retry.Attempts-1),
		),
		ctx,
	)
	return backoff.Retry(op, bo)
}

func (p *Pool) record(m *member, failed bool) {
	var from, to model.HealthState
	if failed {
		from, to = m.health.RecordFailure()
	} else {
		from, to = m.health.RecordSuccess()
	}
	p.notify(m.id, from, to)
}

func (p *Pool) notify(id model.AccountID, from, to model.HealthState) {
	if from == to {
		return
	}
	p.log.Warn("account health transition", "account", id, "from", from.String(), "to", to.String())
	if p.onTransition != nil {
		p.onTransition(id, from, to)
	}
}

// SelectAccounts picks n distinct placement targets for a new stripe:
// healthy accounts in descending priority first, degraded ones only when
// the healthy set is too small. Unavailable and rebuilding accounts never
// receive new stripes.
func (p *Pool) SelectAccounts(n int) ([]model.AccountID, error) {
	var healthy, degraded []model.AccountID
	for _, m := range p.byPriority {
		switch m.health.State() {
		case model.HealthHealthy:
			healthy = append(healthy, m.id)
		case model.HealthDegraded:
			degraded = append(degraded, m.id)
		}
	}
	selected := healthy
	if len(selected) < n {
		selected = append(selected, degraded...)
	}
	if len(selected) < n {
		return nil, fmt.Errorf("%w: need %d, have %d usable", ErrInsufficientAccounts, n, len(selected))
	}
	return selected[:n], nil
}

// Accounts returns all account IDs in priority order.
func (p *Pool) Accounts() []model.AccountID {
	out := make([]model.AccountID, len(p.byPriority))
	for i, m := range p.byPriority {
		out[i] = m.id
	}
	return out
}

// Health returns the current health of one account.
func (p *Pool) Health(id model.AccountID) (model.HealthState, error) {
	m, err := p.member(id)
	if err != nil {
		return 0, err
	}
	return m.health.State(), nil
}

// StartRebuild marks an account as rebuilding (operator action).
func (p *Pool) StartRebuild(id model.AccountID) error {
	m, err := p.member(id)
	if err != nil {
		return err
	}
	from, to := m.health.StartRebuild()
	p.notify(id, from, to)
	return nil
}

// FinishRebuild returns a rebuilding account to healthy.
func (p *Pool) FinishRebuild(id model.AccountID) error {
	m, err := p.member(id)
	if err != nil {
		return err
	}
	from, to := m.health.FinishRebuild()
	p.notify(id, from, to)
	return nil
}

// AccountStatus is one row of the pool's status report.
type AccountStatus struct {
	ID       model.AccountID
	Priority int
	Health   model.HealthState
	// Failures and Samples describe the rolling error window.
	Failures int
	Samples  int
}

// Status reports per-account health in priority order.
func (p *Pool) Status() []AccountStatus {
	out := make([]AccountStatus, 0, len(p.byPriority))
	for _, m := range p.byPriority {
		failures, samples := m.health.Stats()
		out = append(out, AccountStatus{
			ID:       m.id,
			Priority: m.priority,
			Health:   m.health.State(),
			Failures: failures,
			Samples:  samples,
		})
	}
	return out
}

// ArrayStatus aggregates account health against the erasure scheme's K:
// all healthy → healthy array; at least K healthy → degraded; fewer →
// failed. Informational only — individual operations still attempt and
// fail per stripe.
func (p *Pool) ArrayStatus(k int) model.ArrayState {
	healthy := 0
	for _, m := range p.byPriority {
		if m.health.State() == model.HealthHealthy {
			healthy++
		}
	}
	switch {
	case healthy == len(p.byPriority):
		return model.ArrayHealthy
	case healthy >= k:
		return model.ArrayDegraded
	default:
		return model.ArrayFailed
	}
}
