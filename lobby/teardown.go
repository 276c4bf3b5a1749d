package lobby

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ghaiht95/genmob/persistence"
	"github.com/ghaiht95/genmob/types"
	"github.com/hashicorp/go-hclog"
)

const (
	teardownQueueSize      = 256
	defaultTeardownTimeout = 2 * time.Minute
)

var (
	errQueueFull = errors.New("teardown queue full")
	errShutdown  = errors.New("shutting down before teardown ran")
)

func hubTeardown(roomId string) *persistence.Teardown {
	return &persistence.Teardown{Kind: persistence.TeardownHub, Hub: types.HubName(roomId), RoomId: roomId}
}

func userTeardown(roomId, identity, handle string) *persistence.Teardown {
	return &persistence.Teardown{
		Kind:     persistence.TeardownUser,
		Hub:      types.HubName(roomId),
		User:     handle,
		RoomId:   roomId,
		Identity: identity,
	}
}

// teardowns removes tunnel resources in the background, so leaves and disconnects never wait for the provisioner.
// A job is re-checked against the store right before it runs and skipped if the resource is in use again. Failed
// jobs go to the ledger, where the sweep retries them.
type teardowns struct {
	store   persistence.Persister
	tunnel  Tunnel
	ledger  *persistence.TeardownLedger
	locks   *keyedMutex
	timeout time.Duration
	logger  hclog.Logger

	queue   chan *persistence.Teardown
	mu      sync.Mutex
	pending map[string]*persistence.Teardown
}

func newTeardowns(store persistence.Persister, tun Tunnel, ledger *persistence.TeardownLedger, locks *keyedMutex, timeout time.Duration, logger hclog.Logger) *teardowns {
	if timeout <= 0 {
		timeout = defaultTeardownTimeout
	}
	return &teardowns{
		store:   store,
		tunnel:  tun,
		ledger:  ledger,
		locks:   locks,
		timeout: timeout,
		logger:  logger,
		queue:   make(chan *persistence.Teardown, teardownQueueSize),
		pending: make(map[string]*persistence.Teardown),
	}
}

// enqueue schedules job. A newer job for the same resource replaces a queued one.
func (t *teardowns) enqueue(job *persistence.Teardown) {
	t.mu.Lock()
	t.pending[job.Key()] = job
	t.mu.Unlock()
	select {
	case t.queue <- job:
	default:
		if t.take(job) {
			t.record(job, errQueueFull)
		}
	}
}

// cancel drops a queued job for the resource of job. It reports whether there was one.
func (t *teardowns) cancel(job *persistence.Teardown) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[job.Key()]
	delete(t.pending, job.Key())
	return ok
}

// take claims job for execution; false means it was cancelled or replaced in the meantime.
func (t *teardowns) take(job *persistence.Teardown) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending[job.Key()] != job {
		return false
	}
	delete(t.pending, job.Key())
	return true
}

func (t *teardowns) queued() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// run executes queued jobs until ctx is done. Jobs still queued at that point are moved to the ledger.
func (t *teardowns) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			t.drain()
			return nil
		case job := <-t.queue:
			if !t.take(job) {
				continue
			}
			_, _ = t.execute(ctx, job)
		}
	}
}

func (t *teardowns) drain() {
	for {
		select {
		case job := <-t.queue:
			if t.take(job) {
				t.record(job, errShutdown)
			}
		default:
			return
		}
	}
}

// execute removes the resource of job unless the store shows it is in use. removed is false for skipped jobs. On
// failure the job is recorded in the ledger, on success or skip its ledger entry is cleared.
func (t *teardowns) execute(ctx context.Context, job *persistence.Teardown) (removed bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	var unlock func()
	if job.Kind == persistence.TeardownUser {
		unlock = t.locks.Lock(userLock(job.Hub, job.User))
	} else {
		unlock = t.locks.Lock(hubLock(job.Hub))
	}
	defer unlock()

	inUse, err := t.inUse(ctx, job)
	if err != nil {
		t.record(job, err)
		return false, err
	}
	if !inUse {
		if job.Kind == persistence.TeardownUser {
			err = t.tunnel.DeleteUser(ctx, job.Hub, job.User)
		} else {
			err = t.tunnel.DeleteHub(ctx, job.Hub)
		}
		if err != nil {
			t.logger.Warn("tunnel teardown failed, deferred to sweep", "kind", job.Kind, "hub", job.Hub, "user", job.User, "error", err)
			t.record(job, err)
			return false, err
		}
		t.logger.Debug("tunnel resource removed", "kind", job.Kind, "hub", job.Hub, "user", job.User)
	} else {
		t.logger.Debug("tunnel resource in use again, teardown skipped", "kind", job.Kind, "hub", job.Hub, "user", job.User)
	}
	if err := t.ledger.Remove(job); err != nil {
		t.logger.Error("could not clear teardown ledger entry", "key", job.Key(), "error", err)
	}
	return !inUse, nil
}

func (t *teardowns) inUse(ctx context.Context, job *persistence.Teardown) (bool, error) {
	var err error
	if job.Kind == persistence.TeardownUser {
		_, err = t.store.GetMember(ctx, job.RoomId, job.Identity)
	} else {
		_, err = t.store.GetRoom(ctx, job.RoomId)
	}
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, types.ErrNotFound):
		return false, nil
	}
	return false, err
}

func (t *teardowns) record(job *persistence.Teardown, cause error) {
	if err := t.ledger.Record(job, cause); err != nil {
		t.logger.Error("could not record failed teardown, tunnel resource may leak", "key", job.Key(), "cause", cause, "error", err)
	}
}
