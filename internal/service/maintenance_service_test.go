package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/guildops/ticket-bridge/internal/config"
	"github.com/guildops/ticket-bridge/internal/domain"
)

type maintenanceFixture struct {
	lifecycle   *Lifecycle
	maintenance *Maintenance
	tickets     *memTicketRepo
	categories  *memCategoryRepo
	gateway     *fakeRelay
	base        time.Time
}

func newMaintenanceFixture(t *testing.T) *maintenanceFixture {
	t.Helper()
	lc, tickets, categories, gateway := newTestLifecycle()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	lc.now = func() time.Time { return base }

	m := NewMaintenance(MaintenanceDependencies{
		TicketRepo:   tickets,
		CategoryRepo: categories,
		Lifecycle:    lc,
		Relay:        gateway,
		Logger:       zap.NewNop(),
		Config: config.MaintenanceConfig{
			IntervalMinutes:        10,
			ExternalTimeoutSeconds: 1,
			DefaultWarningHours:    48,
			DefaultAutoCloseHours:  72,
		},
	})
	return &maintenanceFixture{
		lifecycle:   lc,
		maintenance: m,
		tickets:     tickets,
		categories:  categories,
		gateway:     gateway,
		base:        base,
	}
}

// advance moves both the engine and sweep clocks.
func (f *maintenanceFixture) advance(d time.Duration) {
	at := f.base.Add(d)
	f.lifecycle.now = func() time.Time { return at }
	f.maintenance.now = func() time.Time { return at }
}

func (f *maintenanceFixture) get(t *testing.T, ticketID string) *domain.Ticket {
	t.Helper()
	stored, err := f.tickets.GetByID(context.Background(), ticketID)
	require.NoError(t, err)
	return stored
}

func TestSweepWarnsThenAutoCloses(t *testing.T) {
	f := newMaintenanceFixture(t)
	ticket := createTicket(t, f.lifecycle, "user-1")

	// Inside the warning window: warned once, not closed.
	f.advance(50 * time.Hour)
	stats := f.maintenance.RunCycle(context.Background())
	assert.Equal(t, 1, stats.WarningsSent)
	assert.Equal(t, 0, stats.AutoClosed)
	assert.Equal(t, 1, f.gateway.dmCount("user-1"))

	stored := f.get(t, ticket.ID)
	assert.Equal(t, domain.TicketStatusOpen, stored.Status)
	require.NotNil(t, stored.AutoCloseWarningAt)

	// Same window again: the stamp suppresses a second warning.
	stats = f.maintenance.RunCycle(context.Background())
	assert.Equal(t, 0, stats.WarningsSent)
	assert.Equal(t, 1, f.gateway.dmCount("user-1"))

	// Past the close threshold.
	f.advance(73 * time.Hour)
	stats = f.maintenance.RunCycle(context.Background())
	assert.Equal(t, 1, stats.AutoClosed)

	stored = f.get(t, ticket.ID)
	assert.Equal(t, domain.TicketStatusClosed, stored.Status)
	require.NotNil(t, stored.CloseReason)
	assert.Equal(t, "automatically closed after 72 hours of user inactivity", *stored.CloseReason)
	assert.True(t, f.gateway.archived[ticket.ThreadChannelID], "auto-close finalizes the thread")
}

func TestSweepWarningRearmsAfterUserActivity(t *testing.T) {
	f := newMaintenanceFixture(t)
	ticket := createTicket(t, f.lifecycle, "user-1")

	f.advance(50 * time.Hour)
	stats := f.maintenance.RunCycle(context.Background())
	require.Equal(t, 1, stats.WarningsSent)

	// The user replies; the warning stamp clears and the clock restarts.
	_, err := f.lifecycle.RecordUserMessage(context.Background(), ticket.ID, "user-1", "still here", nil)
	require.NoError(t, err)

	f.advance(50*time.Hour + 49*time.Hour)
	stats = f.maintenance.RunCycle(context.Background())
	assert.Equal(t, 1, stats.WarningsSent, "a fresh threshold crossing warns again")
	assert.Equal(t, 0, stats.AutoClosed)
}

func TestSweepStaffActivityDefersWarningButNotClose(t *testing.T) {
	f := newMaintenanceFixture(t)
	ticket := createTicket(t, f.lifecycle, "user-1")

	// Staff replies at 40h; user stays silent.
	f.advance(40 * time.Hour)
	_, err := f.lifecycle.RecordStaffMessage(context.Background(), ticket.ID, "staff-1", "any update?", false)
	require.NoError(t, err)

	// 50h after creation: staff activity keeps the warning window closed.
	f.advance(50 * time.Hour)
	stats := f.maintenance.RunCycle(context.Background())
	assert.Equal(t, 0, stats.WarningsSent)

	// 73h of user silence: staff activity does not stop the auto-close.
	f.advance(73 * time.Hour)
	stats = f.maintenance.RunCycle(context.Background())
	assert.Equal(t, 1, stats.AutoClosed)
	assert.Equal(t, domain.TicketStatusClosed, f.get(t, ticket.ID).Status)
}

func TestSweepClosesOrphans(t *testing.T) {
	f := newMaintenanceFixture(t)
	ticket := createTicket(t, f.lifecycle, "user-1")
	f.gateway.missing[ticket.ThreadChannelID] = true

	// Deep past both inactivity thresholds: the orphan close must
	// short-circuit the warning and auto-close checks for this cycle.
	f.advance(100 * time.Hour)
	stats := f.maintenance.RunCycle(context.Background())
	assert.Equal(t, 1, stats.OrphansClosed)
	assert.Equal(t, 0, stats.WarningsSent)
	assert.Equal(t, 0, stats.AutoClosed)

	stored := f.get(t, ticket.ID)
	assert.Equal(t, domain.TicketStatusClosed, stored.Status)
	require.NotNil(t, stored.CloseReason)
	assert.Equal(t, "relay channel deleted externally", *stored.CloseReason)
	assert.False(t, f.gateway.archived[ticket.ThreadChannelID], "no finalize against a deleted channel")
	assert.Equal(t, 1, f.gateway.dmCount("user-1"))
}

func TestSweepExpiresResolvedTickets(t *testing.T) {
	f := newMaintenanceFixture(t)
	ticket := createTicket(t, f.lifecycle, "user-1")
	require.NoError(t, f.lifecycle.MarkResolved(context.Background(), ticket.ID, "staff-1"))

	// Before the expiry deadline nothing happens.
	f.advance(23 * time.Hour)
	stats := f.maintenance.RunCycle(context.Background())
	assert.Equal(t, 0, stats.ResolveExpired)

	f.advance(25 * time.Hour)
	stats = f.maintenance.RunCycle(context.Background())
	assert.Equal(t, 1, stats.ResolveExpired)

	stored := f.get(t, ticket.ID)
	assert.Equal(t, domain.TicketStatusClosed, stored.Status)
	require.NotNil(t, stored.CloseReason)
	assert.Equal(t, "resolved with no further response", *stored.CloseReason)
}

func TestSweepRespectsAutoCloseDisabled(t *testing.T) {
	f := newMaintenanceFixture(t)
	ticket := createTicket(t, f.lifecycle, "user-1")
	f.tickets.mutate(ticket.ID, func(stored *domain.Ticket) {
		stored.AutoCloseDisabled = true
	})

	f.advance(100 * time.Hour)
	stats := f.maintenance.RunCycle(context.Background())
	assert.Equal(t, 0, stats.WarningsSent)
	assert.Equal(t, 0, stats.AutoClosed)
	assert.Equal(t, domain.TicketStatusOpen, f.get(t, ticket.ID).Status)
}

func TestSweepRespectsGuildPolicy(t *testing.T) {
	f := newMaintenanceFixture(t)
	ticket := createTicket(t, f.lifecycle, "user-1")
	f.categories.setGuildSettings(domain.GuildSettings{
		GuildID:          "guild-1",
		WarningHours:     48,
		AutoCloseHours:   72,
		WarningsEnabled:  false,
		AutoCloseEnabled: false,
	})

	f.advance(100 * time.Hour)
	stats := f.maintenance.RunCycle(context.Background())
	assert.Equal(t, 0, stats.WarningsSent)
	assert.Equal(t, 0, stats.AutoClosed)
	assert.Equal(t, domain.TicketStatusOpen, f.get(t, ticket.ID).Status)
}

func TestSweepUsesCategoryCloseOverride(t *testing.T) {
	f := newMaintenanceFixture(t)
	override := 24
	category := supportCategory()
	category.AutoCloseHours = &override
	f.categories.categories[category.ID] = category

	ticket := createTicket(t, f.lifecycle, "user-1")

	f.advance(25 * time.Hour)
	stats := f.maintenance.RunCycle(context.Background())
	assert.Equal(t, 1, stats.AutoClosed)

	stored := f.get(t, ticket.ID)
	require.NotNil(t, stored.CloseReason)
	assert.Equal(t, "automatically closed after 24 hours of user inactivity", *stored.CloseReason)
}

func TestSweepSkipsWhenPreviousCycleRunning(t *testing.T) {
	f := newMaintenanceFixture(t)
	f.maintenance.running.Store(true)

	stats := f.maintenance.RunCycle(context.Background())
	assert.True(t, stats.Skipped)

	f.maintenance.running.Store(false)
	stats = f.maintenance.RunCycle(context.Background())
	assert.False(t, stats.Skipped)
}

func TestSweepCountsExistenceCheckFailures(t *testing.T) {
	f := newMaintenanceFixture(t)
	ticket := createTicket(t, f.lifecycle, "user-1")
	f.gateway.existsErr = errors.New("gateway timeout")

	f.advance(100 * time.Hour)
	stats := f.maintenance.RunCycle(context.Background())
	assert.Equal(t, 1, stats.Errors)
	assert.Equal(t, domain.TicketStatusOpen, f.get(t, ticket.ID).Status,
		"unknown channel state must not close a live ticket")
}
