package lobby

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ghaiht95/genmob/config"
	"github.com/ghaiht95/genmob/types"
	"github.com/hashicorp/go-hclog"
	"github.com/robfig/cron/v3"
)

const (
	defaultSweepSchedule    = "@every 15m"
	defaultSweepTimeout     = 10 * time.Minute
	defaultTeardownAttempts = 20
)

type SweepOptions struct {
	Schedule string
	// OrphanHubs enables deletion of room hubs that have no room in the store.
	OrphanHubs          bool
	TeardownMaxAttempts int
	Timeout             time.Duration
}

func SweepOptionsFromConfig(cfg config.SweepConfig) SweepOptions {
	return SweepOptions{
		Schedule:            cfg.Schedule,
		OrphanHubs:          cfg.OrphanHubs,
		TeardownMaxAttempts: cfg.TeardownMaxAttempts,
	}
}

// SweepReport lists what a sweep found and repaired.
type SweepReport struct {
	Started            time.Time `json:"started"`
	Duration           string    `json:"duration"`
	Rooms              int       `json:"rooms"`
	CountsCorrected    int       `json:"counts_corrected"`
	HostsRepaired      int       `json:"hosts_repaired"`
	RoomsDeleted       []string  `json:"rooms_deleted"`
	PresencePurged     int       `json:"presence_purged"`
	TeardownsRetried   int       `json:"teardowns_retried"`
	TeardownsCompleted int       `json:"teardowns_completed"`
	TeardownsDropped   int       `json:"teardowns_dropped"`
	OrphanHubsDeleted  []string  `json:"orphan_hubs_deleted"`
	Errors             []string  `json:"errors,omitempty"`
}

func (r *SweepReport) fail(step string, err error) {
	r.Errors = append(r.Errors, fmt.Sprintf("%s: %v", step, err))
}

// Sweeper periodically brings the store, the presence registry and the tunnel back in line: it recounts every room,
// drops presence of members the store does not know, retries deferred teardowns and removes orphan hubs.
type Sweeper struct {
	c      *Coordinator
	opts   SweepOptions
	logger hclog.Logger
	mu     sync.Mutex
	cron   *cron.Cron
}

func NewSweeper(c *Coordinator, opts SweepOptions, logger hclog.Logger) *Sweeper {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if opts.Schedule == "" {
		opts.Schedule = defaultSweepSchedule
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultSweepTimeout
	}
	if opts.TeardownMaxAttempts <= 0 {
		opts.TeardownMaxAttempts = defaultTeardownAttempts
	}
	return &Sweeper{c: c, opts: opts, logger: logger}
}

// Run performs one sweep. Failures of single steps are collected in the report; only a failure to list the rooms
// aborts the sweep.
func (s *Sweeper) Run(ctx context.Context) (*SweepReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	report := &SweepReport{Started: time.Now().UTC(), RoomsDeleted: []string{}, OrphanHubsDeleted: []string{}}
	rooms, err := s.c.store.GetRooms(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range rooms {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		s.reconcileRoom(ctx, r.Id, report)
	}
	s.purgePresence(ctx, report)
	s.retryTeardowns(ctx, report)
	if s.opts.OrphanHubs {
		s.deleteOrphanHubs(ctx, report)
	}
	report.Duration = time.Since(report.Started).String()
	s.logger.Info("sweep finished", "rooms", report.Rooms, "corrected", report.CountsCorrected,
		"deleted", len(report.RoomsDeleted), "presence_purged", report.PresencePurged,
		"teardowns", report.TeardownsCompleted, "orphan_hubs", len(report.OrphanHubsDeleted), "errors", len(report.Errors))
	return report, nil
}

func (s *Sweeper) reconcileRoom(ctx context.Context, roomId string, report *SweepReport) {
	unlock := s.c.locks.Lock(roomLock(roomId))
	defer unlock()
	res, err := s.c.store.Reconcile(ctx, roomId)
	if isNotFound(err) {
		return
	}
	if err != nil {
		report.fail("reconcile "+roomId, err)
		return
	}
	report.Rooms++
	if res.Corrected() {
		report.CountsCorrected++
		s.logger.Warn("member count drifted", "room", roomId, "stored", res.CountBefore, "actual", res.Count)
	}
	if res.RoomDeleted {
		report.RoomsDeleted = append(report.RoomsDeleted, roomId)
		s.c.roomClosed(roomId)
		return
	}
	if res.HostRepaired != nil {
		report.HostsRepaired++
		s.logger.Warn("room had no host", "room", roomId, "new_host", res.HostRepaired.Identity)
		s.c.notifyHostChanged(roomId, res.HostRepaired.Identity)
	}
	if res.Corrected() || res.HostRepaired != nil {
		s.c.roster.Invalidate(roomId)
	}
}

// purgePresence forgets connections and grace entries of members the store no longer has. Every candidate is checked
// again under its room lock, a member may have joined since the keys were read.
func (s *Sweeper) purgePresence(ctx context.Context, report *SweepReport) {
	valid, err := s.c.store.GetMemberKeys(ctx)
	if err != nil {
		report.fail("member keys", err)
		return
	}
	for _, key := range s.c.presence.Stale(valid) {
		unlock := s.c.locks.Lock(roomLock(key.RoomId))
		_, err := s.c.store.GetMember(ctx, key.RoomId, key.Identity)
		if isNotFound(err) {
			s.c.evictor.Cancel(key)
			s.c.presence.Forget(key)
			report.PresencePurged++
		} else if err != nil {
			report.fail("presence "+key.String(), err)
		}
		unlock()
	}
}

func (s *Sweeper) retryTeardowns(ctx context.Context, report *SweepReport) {
	jobs, err := s.c.ledger.List()
	if err != nil {
		report.fail("teardown ledger", err)
		return
	}
	for _, job := range jobs {
		if ctx.Err() != nil {
			return
		}
		if job.Attempts >= s.opts.TeardownMaxAttempts {
			s.logger.Error("giving up on tunnel teardown", "kind", job.Kind, "hub", job.Hub, "user", job.User,
				"attempts", job.Attempts, "first_failed", job.FirstFailed, "last_error", job.LastError)
			if err := s.c.ledger.Remove(job); err != nil {
				report.fail("teardown ledger", err)
			}
			report.TeardownsDropped++
			continue
		}
		report.TeardownsRetried++
		if _, err := s.c.teardowns.execute(ctx, job); err != nil {
			report.fail("teardown "+job.Key(), err)
			continue
		}
		report.TeardownsCompleted++
	}
}

// deleteOrphanHubs removes room hubs without a room. Hubs outside the room naming scheme are never touched.
func (s *Sweeper) deleteOrphanHubs(ctx context.Context, report *SweepReport) {
	hubs, err := s.c.tunnel.ListHubs(ctx)
	if err != nil {
		report.fail("list hubs", err)
		return
	}
	for _, hub := range hubs {
		roomId, ok := types.RoomIdFromHub(hub)
		if !ok {
			continue
		}
		removed, err := s.c.teardowns.execute(ctx, hubTeardown(roomId))
		if err != nil {
			report.fail("orphan hub "+hub, err)
			continue
		}
		if removed {
			s.logger.Info("orphan hub deleted", "hub", hub)
			report.OrphanHubsDeleted = append(report.OrphanHubsDeleted, hub)
		}
	}
}

// Start runs the sweep on its cron schedule. Overlapping runs are skipped.
func (s *Sweeper) Start() error {
	logger := cron.PrintfLogger(s.logger.StandardLogger(&hclog.StandardLoggerOptions{InferLevels: true}))
	s.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(logger)), cron.WithLogger(logger))
	_, err := s.cron.AddFunc(s.opts.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.Timeout)
		defer cancel()
		if _, err := s.Run(ctx); err != nil {
			s.logger.Error("sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.opts.Schedule, err)
	}
	s.cron.Start()
	s.logger.Debug("sweep scheduled", "schedule", s.opts.Schedule)
	return nil
}

// Stop ends the schedule, waits for a running sweep and performs a final one.
func (s *Sweeper) Stop(ctx context.Context) (*SweepReport, error) {
	if s.cron != nil {
		select {
		case <-s.cron.Stop().Done():
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.Run(ctx)
}
