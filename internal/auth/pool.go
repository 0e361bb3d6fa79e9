package auth

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"time"
)

// ErrPoolClosed is returned for work submitted after Stop.
var ErrPoolClosed = errors.New("auth: hash pool is stopped")

// Hasher is what the account service needs from password hashing. Both calls
// block until the work is done or ctx is canceled.
type Hasher interface {
	Hash(ctx context.Context, plaintext string) (string, error)
	Verify(ctx context.Context, plaintext, hash string) (bool, error)
}

// PoolConfig sizes a HashPool.
type PoolConfig struct {
	// Workers is the number of goroutines running bcrypt. Zero means
	// runtime.NumCPU().
	Workers int

	// QueueSize bounds pending jobs. Zero means 4 × Workers.
	QueueSize int

	// Observe, when set, receives the duration of every hash or verify.
	Observe func(op string, d time.Duration)
}

// HashPool runs bcrypt on a fixed set of worker goroutines.
//
// At most Workers bcrypt computations run at once. Callers wait for their
// own result only.
type HashPool struct {
	passwords *PasswordService
	config    PoolConfig
	logger    *slog.Logger
	jobs      chan func()
	done      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

var _ Hasher = (*HashPool)(nil)

// NewHashPool builds a pool around passwords. Call Start before use.
func NewHashPool(passwords *PasswordService, cfg PoolConfig, logger *slog.Logger) *HashPool {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 4 * cfg.Workers
	}
	return &HashPool{
		passwords: passwords,
		config:    cfg,
		logger:    logger,
		jobs:      make(chan func(), cfg.QueueSize),
		done:      make(chan struct{}),
	}
}

// Start launches the workers. Calling it more than once is a no-op.
func (p *HashPool) Start() {
	p.startOnce.Do(func() {
		p.logger.Info("starting password hash pool",
			slog.Int("workers", p.config.Workers),
			slog.Int("queue", p.config.QueueSize),
			slog.Int("cost", p.passwords.Cost()),
		)
		p.wg.Add(p.config.Workers)
		for range p.config.Workers {
			go p.worker()
		}
	})
}

// Stop signals the workers to exit and waits for them. Jobs still queued are
// dropped; their callers get ErrPoolClosed.
func (p *HashPool) Stop() {
	p.stopOnce.Do(func() {
		p.logger.Info("shutting down password hash pool")
		close(p.done)
		p.wg.Wait()
	})
}

func (p *HashPool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case job := <-p.jobs:
			job()
		}
	}
}

type hashResult struct {
	hash string
	ok   bool
	err  error
}

// Hash hashes plaintext on a pool worker.
func (p *HashPool) Hash(ctx context.Context, plaintext string) (string, error) {
	res, err := p.submit(ctx, "hash", func() hashResult {
		h, err := p.passwords.Hash(plaintext)
		return hashResult{hash: h, err: err}
	})
	if err != nil {
		return "", err
	}
	return res.hash, res.err
}

// Verify compares plaintext against hash on a pool worker.
func (p *HashPool) Verify(ctx context.Context, plaintext, hash string) (bool, error) {
	res, err := p.submit(ctx, "verify", func() hashResult {
		ok, err := p.passwords.Verify(plaintext, hash)
		return hashResult{ok: ok, err: err}
	})
	if err != nil {
		return false, err
	}
	return res.ok, res.err
}

// submit queues fn and waits for its result. The result channel is buffered
// so a worker never blocks on a caller that already gave up.
func (p *HashPool) submit(ctx context.Context, op string, fn func() hashResult) (hashResult, error) {
	out := make(chan hashResult, 1)
	job := func() {
		if ctx.Err() != nil {
			out <- hashResult{err: ctx.Err()}
			return
		}
		start := time.Now()
		res := fn()
		if p.config.Observe != nil {
			p.config.Observe(op, time.Since(start))
		}
		out <- res
	}

	select {
	case <-p.done:
		return hashResult{}, ErrPoolClosed
	default:
	}

	select {
	case p.jobs <- job:
	case <-ctx.Done():
		return hashResult{}, ctx.Err()
	case <-p.done:
		return hashResult{}, ErrPoolClosed
	}

	select {
	case res := <-out:
		return res, nil
	case <-ctx.Done():
		return hashResult{}, ctx.Err()
	case <-p.done:
		return hashResult{}, ErrPoolClosed
	}
}
