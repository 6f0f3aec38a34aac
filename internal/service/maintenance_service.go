package service

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/guildops/ticket-bridge/internal/config"
	"github.com/guildops/ticket-bridge/internal/domain"
	"github.com/guildops/ticket-bridge/internal/relay"
	"github.com/guildops/ticket-bridge/internal/repository"
)

// CycleStats are the per-cycle counters. They reset every cycle; cumulative
// totals live in the metrics snapshot, not here.
type CycleStats struct {
	WarningsSent   int
	AutoClosed     int
	OrphansClosed  int
	ResolveExpired int
	Errors         int

	// Skipped is set when the previous cycle was still running and this
	// tick was dropped rather than queued.
	Skipped bool
}

// Maintenance is the background sweep applying time-based policy to every
// non-terminal ticket: orphan detection, inactivity warnings, auto-close and
// resolved-ticket expiry. Cycles are strictly single-flight.
type Maintenance struct {
	tickets    repository.TicketRepository
	categories repository.CategoryRepository
	lifecycle  *Lifecycle
	relay      relay.Client
	logger     *zap.Logger
	cfg        config.MaintenanceConfig

	running atomic.Bool
	now     func() time.Time
}

// MaintenanceDependencies bundles collaborators for the sweep.
type MaintenanceDependencies struct {
	TicketRepo   repository.TicketRepository
	CategoryRepo repository.CategoryRepository
	Lifecycle    *Lifecycle
	Relay        relay.Client
	Logger       *zap.Logger
	Config       config.MaintenanceConfig
}

// NewMaintenance constructs the sweep.
func NewMaintenance(deps MaintenanceDependencies) *Maintenance {
	return &Maintenance{
		tickets:    deps.TicketRepo,
		categories: deps.CategoryRepo,
		lifecycle:  deps.Lifecycle,
		relay:      deps.Relay,
		logger:     deps.Logger,
		cfg:        deps.Config,
		now:        time.Now,
	}
}

// guildPolicy is the effective timed policy for one guild during one cycle.
type guildPolicy struct {
	warningHours     int
	autoCloseHours   int
	warningsEnabled  bool
	autoCloseEnabled bool
	categories       map[string]*domain.Category
}

// RunCycle executes one sweep. If a previous cycle is still running the tick
// is skipped, not queued. Per-ticket failures are counted and never abort
// the remainder of the cycle.
func (m *Maintenance) RunCycle(ctx context.Context) CycleStats {
	if !m.running.CompareAndSwap(false, true) {
		m.logger.Warn("maintenance cycle still running; skipping tick")
		return CycleStats{Skipped: true}
	}
	defer m.running.Store(false)

	var stats CycleStats
	started := m.now()

	tickets, err := m.tickets.ListByStatuses(ctx, []domain.TicketStatus{
		domain.TicketStatusOpen,
		domain.TicketStatusResolved,
	})
	if err != nil {
		m.logger.Error("maintenance: load tickets", zap.Error(err))
		stats.Errors++
		return stats
	}

	byGuild := make(map[string][]domain.Ticket)
	for _, ticket := range tickets {
		byGuild[ticket.GuildID] = append(byGuild[ticket.GuildID], ticket)
	}
	guildIDs := make([]string, 0, len(byGuild))
	for guildID := range byGuild {
		guildIDs = append(guildIDs, guildID)
	}
	sort.Strings(guildIDs)

	for _, guildID := range guildIDs {
		policy, err := m.loadPolicy(ctx, guildID)
		if err != nil {
			m.logger.Error("maintenance: load guild policy",
				zap.String("guild_id", guildID), zap.Error(err))
			stats.Errors++
			continue
		}
		for i := range byGuild[guildID] {
			m.processTicket(ctx, &byGuild[guildID][i], policy, &stats)
		}
	}

	m.logger.Info("maintenance cycle complete",
		zap.Duration("took", m.now().Sub(started)),
		zap.Int("tickets", len(tickets)),
		zap.Int("warned", stats.WarningsSent),
		zap.Int("auto_closed", stats.AutoClosed),
		zap.Int("orphans", stats.OrphansClosed),
		zap.Int("resolve_expired", stats.ResolveExpired),
		zap.Int("errors", stats.Errors))
	return stats
}

func (m *Maintenance) loadPolicy(ctx context.Context, guildID string) (*guildPolicy, error) {
	policy := &guildPolicy{
		warningHours:     m.cfg.DefaultWarningHours,
		autoCloseHours:   m.cfg.DefaultAutoCloseHours,
		warningsEnabled:  true,
		autoCloseEnabled: true,
		categories:       make(map[string]*domain.Category),
	}

	settings, err := m.categories.GetGuildSettings(ctx, guildID)
	if err != nil {
		return nil, err
	}
	if settings != nil {
		if settings.WarningHours > 0 {
			policy.warningHours = settings.WarningHours
		}
		if settings.AutoCloseHours > 0 {
			policy.autoCloseHours = settings.AutoCloseHours
		}
		policy.warningsEnabled = settings.WarningsEnabled
		policy.autoCloseEnabled = settings.AutoCloseEnabled
	}

	guildCategories, err := m.categories.ListByGuild(ctx, guildID)
	if err != nil {
		return nil, err
	}
	for i := range guildCategories {
		policy.categories[guildCategories[i].ID] = &guildCategories[i]
	}
	return policy, nil
}

// processTicket applies the per-ticket check order: orphan, then resolve
// expiry for RESOLVED, then warning and auto-close for OPEN. A close always
// short-circuits the remaining checks for this cycle.
func (m *Maintenance) processTicket(ctx context.Context, ticket *domain.Ticket, policy *guildPolicy, stats *CycleStats) {
	exists, err := m.channelExists(ctx, ticket.ThreadChannelID)
	if err != nil {
		// Existence is unknown; acting on it could close a live ticket.
		m.logger.Warn("maintenance: channel existence check failed",
			zap.String("ticket_id", ticket.ID), zap.Error(err))
		stats.Errors++
		return
	}
	if !exists {
		m.closeOrphan(ctx, ticket, stats)
		return
	}

	now := m.now()

	if ticket.Status == domain.TicketStatusResolved {
		if ticket.ResolveAutoCloseAt != nil && !now.Before(*ticket.ResolveAutoCloseAt) {
			m.expireResolved(ctx, ticket, stats)
		}
		return
	}

	// OPEN from here on.
	closeHours := policy.autoCloseHours
	if category, ok := policy.categories[ticket.CategoryID]; ok && category.AutoCloseHours != nil {
		closeHours = *category.AutoCloseHours
	}
	closeAfter := time.Duration(closeHours) * time.Hour
	warnAfter := time.Duration(policy.warningHours) * time.Hour

	if m.shouldWarn(ticket, policy, now, warnAfter, closeAfter) {
		m.sendWarning(ctx, ticket, now, closeHours, stats)
	}

	if !ticket.AutoCloseDisabled && policy.autoCloseEnabled {
		// Only user silence counts toward auto-close; staff activity does
		// not reset this clock.
		if now.Sub(ticket.LastUserActivityAt) >= closeAfter {
			m.autoClose(ctx, ticket, closeHours, stats)
		}
	}
}

func (m *Maintenance) shouldWarn(ticket *domain.Ticket, policy *guildPolicy, now time.Time, warnAfter, closeAfter time.Duration) bool {
	if ticket.AutoCloseDisabled || !policy.warningsEnabled || ticket.AutoCloseWarningAt != nil {
		return false
	}
	inactivity := now.Sub(lastActivity(ticket))
	return inactivity >= warnAfter && inactivity < closeAfter
}

func (m *Maintenance) sendWarning(ctx context.Context, ticket *domain.Ticket, now time.Time, closeHours int, stats *CycleStats) {
	idle := int(now.Sub(lastActivity(ticket)).Hours())
	userMsg := fmt.Sprintf("Your ticket #%d has had no activity for %d hours and will be closed automatically after %d hours of inactivity. Reply here to keep it open.",
		ticket.TicketNumber, idle, closeHours)
	staffNote := fmt.Sprintf("Inactivity warning sent to the user (ticket #%d).", ticket.TicketNumber)

	m.notifyUser(ctx, ticket, userMsg)
	m.notifyThread(ctx, ticket, staffNote)

	if err := m.lifecycle.StampAutoCloseWarning(ctx, ticket.ID); err != nil {
		m.logger.Error("maintenance: stamp warning",
			zap.String("ticket_id", ticket.ID), zap.Error(err))
		stats.Errors++
		return
	}
	warnedAt := m.now()
	ticket.AutoCloseWarningAt = &warnedAt
	stats.WarningsSent++
}

func (m *Maintenance) autoClose(ctx context.Context, ticket *domain.Ticket, closeHours int, stats *CycleStats) {
	reason := fmt.Sprintf("automatically closed after %d hours of user inactivity", closeHours)
	userMsg := fmt.Sprintf("Your ticket #%d was closed after %d hours without a response. Open a new ticket if you still need help.",
		ticket.TicketNumber, closeHours)
	staffNote := fmt.Sprintf("Ticket #%d auto-closed for inactivity.", ticket.TicketNumber)
	if m.closeTicket(ctx, ticket, userMsg, staffNote, reason, stats) {
		stats.AutoClosed++
	}
}

func (m *Maintenance) expireResolved(ctx context.Context, ticket *domain.Ticket, stats *CycleStats) {
	reason := "resolved with no further response"
	userMsg := fmt.Sprintf("Your ticket #%d was marked resolved and has now been closed. Open a new ticket if you need anything else.",
		ticket.TicketNumber)
	staffNote := fmt.Sprintf("Resolved ticket #%d expired and was closed.", ticket.TicketNumber)
	if m.closeTicket(ctx, ticket, userMsg, staffNote, reason, stats) {
		stats.ResolveExpired++
	}
}

// closeOrphan force-closes a ticket whose relay thread no longer exists. No
// staff note or finalize is attempted: the channel is gone.
func (m *Maintenance) closeOrphan(ctx context.Context, ticket *domain.Ticket, stats *CycleStats) {
	m.notifyUser(ctx, ticket, fmt.Sprintf(
		"Your ticket #%d was closed because its staff channel no longer exists.", ticket.TicketNumber))
	if err := m.lifecycle.Close(ctx, ticket.ID, "system", "relay channel deleted externally", false); err != nil {
		m.logger.Error("maintenance: close orphan",
			zap.String("ticket_id", ticket.ID), zap.Error(err))
		stats.Errors++
		return
	}
	stats.OrphansClosed++
}

// closeTicket runs the standard close sequence: notify the user, note staff,
// persist the close, finalize. Notification failures never block the close.
func (m *Maintenance) closeTicket(ctx context.Context, ticket *domain.Ticket, userMsg, staffNote, reason string, stats *CycleStats) bool {
	m.notifyUser(ctx, ticket, userMsg)
	m.notifyThread(ctx, ticket, staffNote)

	if err := m.lifecycle.Close(ctx, ticket.ID, "system", reason, false); err != nil {
		m.logger.Error("maintenance: close ticket",
			zap.String("ticket_id", ticket.ID), zap.Error(err))
		stats.Errors++
		return false
	}
	if err := m.lifecycle.Finalize(ctx, ticket.ID); err != nil {
		m.logger.Warn("maintenance: finalize",
			zap.String("ticket_id", ticket.ID), zap.Error(err))
	}
	return true
}

func (m *Maintenance) channelExists(ctx context.Context, channelID string) (bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.ExternalTimeout())
	defer cancel()
	return m.relay.ChannelExists(callCtx, channelID)
}

func (m *Maintenance) notifyUser(ctx context.Context, ticket *domain.Ticket, content string) {
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.ExternalTimeout())
	defer cancel()
	if delivered, err := m.relay.SendDirectMessage(callCtx, ticket.UserID, content); err != nil || !delivered {
		m.logger.Debug("maintenance: user notification not delivered",
			zap.String("ticket_id", ticket.ID), zap.Error(err))
	}
}

func (m *Maintenance) notifyThread(ctx context.Context, ticket *domain.Ticket, content string) {
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.ExternalTimeout())
	defer cancel()
	if err := m.relay.PostMessage(callCtx, ticket.ThreadChannelID, content); err != nil {
		m.logger.Debug("maintenance: staff note not delivered",
			zap.String("ticket_id", ticket.ID), zap.Error(err))
	}
}

func lastActivity(ticket *domain.Ticket) time.Time {
	last := ticket.LastUserActivityAt
	if ticket.LastStaffActivityAt != nil && ticket.LastStaffActivityAt.After(last) {
		last = *ticket.LastStaffActivityAt
	}
	return last
}
