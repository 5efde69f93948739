/**
 * @description
 * Stuck-flow sweeping. A cron job lists flow instances that have been WAITING longer
 * than the configured threshold and reports each one to the operators once per
 * waiting period.
 */

package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/transfa/settlement-service/internal/audit"
)

// RoutingKeyFlowStuck is published for every stuck instance found by a sweep.
const RoutingKeyFlowStuck = "flow.stuck"

const sweepTimeout = time.Minute

// FlowLister lists flow instances.
type FlowLister interface {
	List(ctx context.Context, filter audit.ListFilter) (audit.ListResult, error)
}

// SweepNotifier receives stuck-flow reports.
type SweepNotifier interface {
	OperatorMessage(ctx context.Context, message string)
	Publish(ctx context.Context, routingKey string, payload map[string]any)
}

// StuckFlowSweeper reports flows waiting for too long.
type StuckFlowSweeper struct {
	lister       FlowLister
	notifier     SweepNotifier
	stuckMinutes int
	logger       *slog.Logger

	mu       sync.Mutex
	reported map[uuid.UUID]time.Time
}

// NewStuckFlowSweeper creates a sweeper.
func NewStuckFlowSweeper(lister FlowLister, notifier SweepNotifier, stuckMinutes int, logger *slog.Logger) *StuckFlowSweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &StuckFlowSweeper{
		lister:       lister,
		notifier:     notifier,
		stuckMinutes: stuckMinutes,
		logger:       logger.With("component", "stuck_flow_sweeper"),
		reported:     make(map[uuid.UUID]time.Time),
	}
}

// Run is the cron entry point.
func (s *StuckFlowSweeper) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()
	if _, err := s.Sweep(ctx); err != nil {
		s.logger.Error("stuck flow sweep failed", "error", err)
	}
}

// Sweep reports stuck flows not yet reported for their current waiting period and
// returns how many were reported.
func (s *StuckFlowSweeper) Sweep(ctx context.Context) (int, error) {
	result, err := s.lister.List(ctx, audit.ListFilter{StuckMinutes: s.stuckMinutes, Limit: 200})
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[uuid.UUID]bool, len(result.Items))
	reported := 0
	for _, instance := range result.Items {
		seen[instance.ID] = true
		if last, ok := s.reported[instance.ID]; ok && last.Equal(instance.UpdatedAt) {
			continue
		}
		s.reported[instance.ID] = instance.UpdatedAt
		reported++

		s.logger.Warn("flow stuck",
			"flow_instance_id", instance.ID,
			"transaction_id", instance.TransactionID,
			"step_order", instance.CurrentStepOrder,
			"waiting_since", instance.UpdatedAt,
		)
		if s.notifier != nil {
			s.notifier.OperatorMessage(ctx, fmt.Sprintf(
				"Flow %s (transaction %s) has been waiting at step %d since %s",
				instance.ID, instance.TransactionID, instance.CurrentStepOrder, instance.UpdatedAt.Format(time.RFC3339),
			))
			s.notifier.Publish(ctx, RoutingKeyFlowStuck, map[string]any{
				"flowInstanceId": instance.ID.String(),
				"transactionId":  instance.TransactionID.String(),
				"stepOrder":      instance.CurrentStepOrder,
				"waitingSince":   instance.UpdatedAt,
			})
		}
	}

	// Forget instances that are no longer stuck so a later wait is reported again.
	for id := range s.reported {
		if !seen[id] {
			delete(s.reported, id)
		}
	}
	return reported, nil
}

// Scheduler runs the sweeper on a cron schedule.
type Scheduler struct {
	cron     *cron.Cron
	sweeper  *StuckFlowSweeper
	schedule string
	logger   *slog.Logger
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(sweeper *StuckFlowSweeper, schedule string, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:     c,
		sweeper:  sweeper,
		schedule: schedule,
		logger:   logger,
	}
}

// Start registers the sweep job and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.sweeper.Run); err != nil {
		s.logger.Error("failed to schedule stuck flow sweep", "error", err)
		return err
	}
	s.logger.Info("scheduled stuck flow sweep", "schedule", s.schedule)
	s.cron.Start()
	return nil
}

// Stop stops the scheduler; the returned context is done when running jobs finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
