package reminder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"esign/pkg/domain"
	"esign/services/signing/internal/normalize"
	"esign/services/signing/internal/provider"
	"esign/services/signing/internal/ratelimit"
	"esign/services/signing/internal/reconcile"
)

var (
	ErrNotEligible = errors.New("document is not reminder eligible")
	ErrRateLimited = errors.New("provider rate limited, cannot refresh state")
)

const executeTimeout = 2 * time.Minute

// ReminderSender is the slice of the provider client the scheduler
// needs.
type ReminderSender interface {
	SendReminder(ctx context.Context, agreementID string, memberIDs []string, message string) error
}

type Options struct {
	Urgency       Urgency
	CustomOffsets []time.Duration
}

// PlanStatus is the externally visible view of a live plan.
type PlanStatus struct {
	DocumentID   string       `json:"document_id"`
	StrategyType string       `json:"strategy_type"`
	CreatedAt    time.Time    `json:"created_at"`
	FiredCount   int          `json:"fired_count"`
	Steps        []StepStatus `json:"steps"`
}

type StepStatus struct {
	Type    ReminderType `json:"type"`
	FireAt  time.Time    `json:"fire_at"`
	Message string       `json:"message"`
	Fired   bool         `json:"fired"`
}

type timerHandle interface {
	Stop() bool
}

type activePlan struct {
	gen        int
	plan       Plan
	createdAt  time.Time
	timers     []timerHandle
	firedSteps []bool
	firedCount int
}

// Scheduler owns every document's reminder timers. Constructed once
// at process start and passed to callers; the plan map is guarded by
// a mutex because timers fire on their own goroutines.
type Scheduler struct {
	Reconciler *reconcile.Reconciler
	Sender     ReminderSender
	Guard      *ratelimit.Guard
	Logger     *slog.Logger

	mu      sync.Mutex
	plans   map[string]*activePlan
	nextGen int

	now       func() time.Time
	afterFunc func(d time.Duration, f func()) timerHandle
}

func NewScheduler(rec *reconcile.Reconciler, sender ReminderSender, guard *ratelimit.Guard, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		Reconciler: rec,
		Sender:     sender,
		Guard:      guard,
		Logger:     logger,
		plans:      map[string]*activePlan{},
		now:        time.Now,
		afterFunc: func(d time.Duration, f func()) timerHandle {
			return time.AfterFunc(d, f)
		},
	}
}

// Schedule refreshes the document's state, validates eligibility, and
// installs a new plan, replacing and cancelling any prior one.
func (s *Scheduler) Schedule(ctx context.Context, documentID string, opts Options) (*PlanStatus, error) {
	out, err := s.Reconciler.Reconcile(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if out.Skipped {
		return nil, ErrRateLimited
	}
	doc, snap := out.Document, out.Snapshot
	if !s.eligible(doc, snap) {
		s.Clear(documentID)
		return nil, fmt.Errorf("document %s in status %s: %w", documentID, doc.Status, ErrNotEligible)
	}

	sequential := normalize.IsSequential(snap) || doc.SigningFlow == domain.FlowSequential
	plan := BuildPlan(sequential, opts.Urgency, opts.CustomOffsets)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked(documentID)
	s.nextGen++
	ap := &activePlan{
		gen:        s.nextGen,
		plan:       plan,
		createdAt:  s.now().UTC(),
		firedSteps: make([]bool, len(plan.Steps)),
	}
	for i, step := range plan.Steps {
		i := i
		gen := ap.gen
		ap.timers = append(ap.timers, s.afterFunc(step.Offset, func() {
			s.executeReminder(documentID, gen, i)
		}))
	}
	s.plans[documentID] = ap
	s.Logger.Info("reminders scheduled",
		"document_id", documentID, "strategy", plan.StrategyType,
		"steps", len(plan.Steps), "urgency", opts.Urgency)
	return s.statusLocked(documentID, ap), nil
}

// Clear cancels all outstanding timers for a document and drops its
// plan. Safe to call for unknown documents.
func (s *Scheduler) Clear(documentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelLocked(documentID)
}

// Status reports the live plan, if any.
func (s *Scheduler) Status(documentID string) (*PlanStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ap, ok := s.plans[documentID]
	if !ok {
		return nil, false
	}
	return s.statusLocked(documentID, ap), true
}

// executeReminder runs when a step's timer elapses. The world may have
// changed since planning, so state is refreshed and eligibility
// re-checked before anything is sent.
func (s *Scheduler) executeReminder(documentID string, gen, stepIdx int) {
	s.mu.Lock()
	ap, ok := s.plans[documentID]
	if !ok || ap.gen != gen {
		s.mu.Unlock()
		return
	}
	step := ap.plan.Steps[stepIdx]
	sequentialStrategy := ap.plan.StrategyType == "sequential"
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), executeTimeout)
	defer cancel()

	log := s.Logger.With("document_id", documentID, "step", string(step.Type))

	out, err := s.Reconciler.Reconcile(ctx, documentID)
	if err != nil {
		// Recoverable: the next scheduled offset is the retry.
		log.Warn("reminder skipped, refresh failed", "err", err)
		s.markFired(documentID, gen, stepIdx)
		return
	}
	if out.Skipped {
		log.Info("reminder skipped, provider rate limited")
		s.markFired(documentID, gen, stepIdx)
		return
	}
	doc, snap := out.Document, out.Snapshot
	if !s.eligible(doc, snap) {
		log.Info("document no longer eligible, clearing remaining reminders",
			"status", doc.Status)
		s.Clear(documentID)
		return
	}

	sequential := sequentialStrategy || normalize.IsSequential(snap)
	targets := Targets(sequential, snap, s.Logger)
	if len(targets) == 0 {
		log.Info("no actionable reminder targets")
		s.markFired(documentID, gen, stepIdx)
		return
	}
	if s.Guard != nil && s.Guard.Limited() {
		log.Info("reminder send suppressed, provider rate limited")
		s.markFired(documentID, gen, stepIdx)
		return
	}

	memberIDs := make([]string, 0, len(targets))
	for _, t := range targets {
		memberIDs = append(memberIDs, t.MemberID)
	}
	if err := s.Sender.SendReminder(ctx, doc.AgreementID, memberIDs, step.Message); err != nil {
		if retryAfter, ok := provider.IsRateLimited(err); ok && s.Guard != nil {
			s.Guard.Note(retryAfter)
		}
		log.Warn("reminder send failed", "err", err, "targets", len(targets))
		s.markFired(documentID, gen, stepIdx)
		return
	}

	now := s.now().UTC()
	for _, t := range targets {
		if rec := doc.RecipientByEmail(t.Email); rec != nil {
			domain.AdvanceTime(&rec.LastReminderSent, now)
		}
	}
	domain.AdvanceTime(&doc.LastReminderSent, now)
	doc.ReminderCount++
	doc.UpdatedAt = now
	if err := s.Reconciler.Store.Save(ctx, doc); err != nil {
		log.Error("reminder bookkeeping save failed", "err", err)
	}
	log.Info("reminder sent", "targets", len(targets), "reminder_count", doc.ReminderCount)
	s.markFired(documentID, gen, stepIdx)
}

func (s *Scheduler) eligible(doc *domain.Document, snap *normalize.AgreementSnapshot) bool {
	if doc.AgreementID == "" || !doc.Status.ReminderEligible() {
		return false
	}
	return snap == nil || normalize.ReminderEligible(snap.Status)
}

func (s *Scheduler) markFired(documentID string, gen, stepIdx int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ap, ok := s.plans[documentID]
	if !ok || ap.gen != gen {
		return
	}
	if !ap.firedSteps[stepIdx] {
		ap.firedSteps[stepIdx] = true
		ap.firedCount++
	}
	if ap.firedCount == len(ap.plan.Steps) {
		delete(s.plans, documentID)
	}
}

func (s *Scheduler) cancelLocked(documentID string) bool {
	ap, ok := s.plans[documentID]
	if !ok {
		return false
	}
	for _, t := range ap.timers {
		t.Stop()
	}
	delete(s.plans, documentID)
	return true
}

func (s *Scheduler) statusLocked(documentID string, ap *activePlan) *PlanStatus {
	st := &PlanStatus{
		DocumentID:   documentID,
		StrategyType: ap.plan.StrategyType,
		CreatedAt:    ap.createdAt,
		FiredCount:   ap.firedCount,
	}
	for i, step := range ap.plan.Steps {
		st.Steps = append(st.Steps, StepStatus{
			Type:    step.Type,
			FireAt:  ap.createdAt.Add(step.Offset),
			Message: step.Message,
			Fired:   ap.firedSteps[i],
		})
	}
	return st
}
