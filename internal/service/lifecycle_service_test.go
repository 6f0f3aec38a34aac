package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guildops/ticket-bridge/internal/domain"
	apperrors "github.com/guildops/ticket-bridge/pkg/util"
)

func createTicket(t *testing.T, lc *Lifecycle, userID string) *domain.Ticket {
	t.Helper()
	ticket, err := lc.CreateTicket(context.Background(), CreateTicketInput{
		GuildID:         "guild-1",
		UserID:          userID,
		UserDisplayName: "Some User",
		CategoryID:      "cat-support",
		InitialMessage:  "my game crashed",
	})
	require.NoError(t, err)
	return ticket
}

func TestCreateTicketAllocatesSequentialNumbers(t *testing.T) {
	lc, _, _, gateway := newTestLifecycle()

	first := createTicket(t, lc, "user-1")
	second := createTicket(t, lc, "user-2")

	assert.Equal(t, int64(1), first.TicketNumber)
	assert.Equal(t, int64(2), second.TicketNumber)
	assert.Equal(t, domain.TicketStatusOpen, first.Status)
	assert.NotEmpty(t, first.ThreadChannelID)
	assert.Equal(t, 1, gateway.postedCount(first.ThreadChannelID), "initial message should be relayed to the thread")
}

func TestCreateTicketRendersAnswersAndReplaysQueuedMessages(t *testing.T) {
	lc, tickets, _, gateway := newTestLifecycle()

	ticket, err := lc.CreateTicket(context.Background(), CreateTicketInput{
		GuildID:         "guild-1",
		UserID:          "user-1",
		UserDisplayName: "Some User",
		CategoryID:      "cat-support",
		InitialMessage:  "my game crashed",
		Answers:         map[string]string{"subject": "crash", "details": "on startup"},
		QueuedMessages:  []QueuedMessage{{Content: "also it ate my save file"}},
	})
	require.NoError(t, err)

	transcript, err := tickets.ListMessages(context.Background(), ticket.ID)
	require.NoError(t, err)
	require.Len(t, transcript, 3)

	assert.Equal(t, domain.AuthorTypeUser, transcript[0].AuthorType)
	assert.Equal(t, domain.AuthorTypeSystem, transcript[1].AuthorType)
	assert.True(t, transcript[1].IsStaffOnly)
	assert.Contains(t, transcript[1].Content, "Subject: crash")
	assert.Contains(t, transcript[1].Content, "Details: on startup")
	assert.Equal(t, "also it ate my save file", transcript[2].Content)
	assert.Equal(t, 3, gateway.postedCount(ticket.ThreadChannelID))
}

func TestCreateTicketConcurrentNumbersAreUnique(t *testing.T) {
	lc, _, _, _ := newTestLifecycle()

	const creates = 10
	numbers := make([]int64, creates)
	errs := make([]error, creates)
	var wg sync.WaitGroup
	for i := 0; i < creates; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ticket, err := lc.CreateTicket(context.Background(), CreateTicketInput{
				GuildID:         "guild-1",
				UserID:          fmt.Sprintf("user-%d", i),
				UserDisplayName: "Some User",
				CategoryID:      "cat-support",
				InitialMessage:  "hello",
			})
			errs[i] = err
			if err == nil {
				numbers[i] = ticket.TicketNumber
			}
		}(i)
	}
	wg.Wait()

	seen := make(map[int64]bool, creates)
	for i := 0; i < creates; i++ {
		require.NoError(t, errs[i])
		assert.False(t, seen[numbers[i]], "number %d allocated twice", numbers[i])
		seen[numbers[i]] = true
		assert.GreaterOrEqual(t, numbers[i], int64(1))
		assert.LessOrEqual(t, numbers[i], int64(creates))
	}
}

func TestCreateTicketRejectsSecondOpenTicket(t *testing.T) {
	lc, _, _, _ := newTestLifecycle()

	createTicket(t, lc, "user-1")
	_, err := lc.CreateTicket(context.Background(), CreateTicketInput{
		GuildID:        "guild-1",
		UserID:         "user-1",
		CategoryID:     "cat-support",
		InitialMessage: "another one",
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, "CONFLICT"))
}

func TestCreateTicketUnknownCategory(t *testing.T) {
	lc, _, _, _ := newTestLifecycle()

	_, err := lc.CreateTicket(context.Background(), CreateTicketInput{
		GuildID:        "guild-1",
		UserID:         "user-1",
		CategoryID:     "cat-missing",
		InitialMessage: "hello",
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, "CATEGORY_NOT_FOUND"))
}

func TestCreateTicketGuildWithoutConfig(t *testing.T) {
	lc, _, _, _ := newTestLifecycle()

	_, err := lc.CreateTicket(context.Background(), CreateTicketInput{
		GuildID:        "guild-unconfigured",
		UserID:         "user-1",
		CategoryID:     "cat-support",
		InitialMessage: "hello",
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, "CONFIG_MISSING"))
}

func TestCreateTicketRelayFailureAborts(t *testing.T) {
	lc, tickets, _, gateway := newTestLifecycle()
	gateway.failCreateThread = true

	_, err := lc.CreateTicket(context.Background(), CreateTicketInput{
		GuildID:        "guild-1",
		UserID:         "user-1",
		CategoryID:     "cat-support",
		InitialMessage: "hello",
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, "EXTERNAL_DELIVERY"))

	open, err := tickets.FindOpenByUser(context.Background(), "guild-1", "user-1")
	require.NoError(t, err)
	assert.Nil(t, open, "no ticket should be persisted when thread creation fails")
}

func TestClaimConcurrentSingleWinner(t *testing.T) {
	lc, _, _, _ := newTestLifecycle()
	ticket := createTicket(t, lc, "user-1")

	const attempts = 8
	results := make([]*ClaimResult, attempts)
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			staffID := string(rune('a' + i))
			results[i], errs[i] = lc.Claim(context.Background(), ticket.ID, "staff-"+staffID)
		}(i)
	}
	wg.Wait()

	winners := 0
	for i, result := range results {
		require.NoError(t, errs[i])
		if result.Claimed {
			winners++
		} else {
			assert.NotEmpty(t, result.AlreadyClaimedBy, "losers should learn who holds the claim")
		}
	}
	assert.Equal(t, 1, winners)
}

func TestClaimRequiresOpenTicket(t *testing.T) {
	lc, _, _, _ := newTestLifecycle()
	ticket := createTicket(t, lc, "user-1")
	require.NoError(t, lc.Close(context.Background(), ticket.ID, "staff-1", "done", true))

	_, err := lc.Claim(context.Background(), ticket.ID, "staff-2")
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, "INVALID_STATE"))
}

func TestUnclaimReleasesTicket(t *testing.T) {
	lc, tickets, _, _ := newTestLifecycle()
	ticket := createTicket(t, lc, "user-1")

	result, err := lc.Claim(context.Background(), ticket.ID, "staff-1")
	require.NoError(t, err)
	require.True(t, result.Claimed)

	require.NoError(t, lc.Unclaim(context.Background(), ticket.ID, "staff-1"))

	stored, err := tickets.GetByID(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.ClaimedBy)
	assert.Nil(t, stored.ClaimedAt)
}

func TestUnclaimUnclaimedTicket(t *testing.T) {
	lc, _, _, _ := newTestLifecycle()
	ticket := createTicket(t, lc, "user-1")

	err := lc.Unclaim(context.Background(), ticket.ID, "staff-1")
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, "INVALID_STATE"))
}

func TestMarkResolvedSchedulesExpiryAndReleasesClaim(t *testing.T) {
	lc, tickets, _, _ := newTestLifecycle()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	lc.now = func() time.Time { return base }

	ticket := createTicket(t, lc, "user-1")
	result, err := lc.Claim(context.Background(), ticket.ID, "staff-1")
	require.NoError(t, err)
	require.True(t, result.Claimed)

	require.NoError(t, lc.MarkResolved(context.Background(), ticket.ID, "staff-1"))

	stored, err := tickets.GetByID(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketStatusResolved, stored.Status)
	assert.Nil(t, stored.ClaimedBy, "claim is only valid while open")
	require.NotNil(t, stored.ResolveAutoCloseAt)
	assert.Equal(t, base.Add(24*time.Hour), *stored.ResolveAutoCloseAt)
	require.NotNil(t, stored.MarkedResolvedBy)
	assert.Equal(t, "staff-1", *stored.MarkedResolvedBy)
}

func TestMarkResolvedTwice(t *testing.T) {
	lc, _, _, _ := newTestLifecycle()
	ticket := createTicket(t, lc, "user-1")
	require.NoError(t, lc.MarkResolved(context.Background(), ticket.ID, "staff-1"))

	err := lc.MarkResolved(context.Background(), ticket.ID, "staff-1")
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, "INVALID_STATE"))
}

func TestCancelResolveTimerReopens(t *testing.T) {
	lc, tickets, _, _ := newTestLifecycle()
	ticket := createTicket(t, lc, "user-1")
	require.NoError(t, lc.MarkResolved(context.Background(), ticket.ID, "staff-1"))

	require.NoError(t, lc.CancelResolveTimer(context.Background(), ticket.ID))

	stored, err := tickets.GetByID(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketStatusOpen, stored.Status)
	assert.Nil(t, stored.MarkedResolvedAt)
	assert.Nil(t, stored.MarkedResolvedBy)
	assert.Nil(t, stored.ResolveAutoCloseAt)
}

func TestCancelResolveTimerRequiresResolved(t *testing.T) {
	lc, _, _, _ := newTestLifecycle()
	ticket := createTicket(t, lc, "user-1")

	err := lc.CancelResolveTimer(context.Background(), ticket.ID)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, "INVALID_STATE"))
}

func TestCloseIsTerminal(t *testing.T) {
	lc, tickets, _, _ := newTestLifecycle()
	ticket := createTicket(t, lc, "user-1")

	require.NoError(t, lc.Close(context.Background(), ticket.ID, "staff-1", "handled", true))

	stored, err := tickets.GetByID(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketStatusClosed, stored.Status)
	require.NotNil(t, stored.CloseReason)
	assert.Equal(t, "handled", *stored.CloseReason)

	err = lc.Close(context.Background(), ticket.ID, "staff-2", "again", true)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, "INVALID_STATE"))

	_, err = lc.RecordUserMessage(context.Background(), ticket.ID, "user-1", "hello?", nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, "INVALID_STATE"))

	err = lc.MarkResolved(context.Background(), ticket.ID, "staff-1")
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, "INVALID_STATE"))
}

func TestFinalizeRequiresClosedTicket(t *testing.T) {
	lc, _, _, gateway := newTestLifecycle()
	ticket := createTicket(t, lc, "user-1")

	err := lc.Finalize(context.Background(), ticket.ID)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, "INVALID_STATE"))

	require.NoError(t, lc.Close(context.Background(), ticket.ID, "staff-1", "", true))
	require.NoError(t, lc.Finalize(context.Background(), ticket.ID))

	assert.True(t, gateway.locked[ticket.ThreadChannelID])
	assert.True(t, gateway.archived[ticket.ThreadChannelID])
	assert.Equal(t, []string{"closed"}, gateway.labels[ticket.ThreadChannelID])
}

func TestRecordUserMessageRefreshesActivityAndRearmsWarning(t *testing.T) {
	lc, tickets, _, _ := newTestLifecycle()
	ticket := createTicket(t, lc, "user-1")
	require.NoError(t, lc.StampAutoCloseWarning(context.Background(), ticket.ID))

	later := time.Now().Add(time.Hour)
	lc.now = func() time.Time { return later }

	msg, err := lc.RecordUserMessage(context.Background(), ticket.ID, "user-1", "still broken", nil)
	require.NoError(t, err)
	assert.True(t, msg.DeliveredToThread)
	assert.True(t, msg.DeliveredToDM)

	stored, err := tickets.GetByID(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.AutoCloseWarningAt, "new user activity re-arms the warning")
	assert.Equal(t, later, stored.LastUserActivityAt)
}

func TestRecordUserMessageSurvivesRelayOutage(t *testing.T) {
	lc, _, _, gateway := newTestLifecycle()
	ticket := createTicket(t, lc, "user-1")
	gateway.missing[ticket.ThreadChannelID] = true

	msg, err := lc.RecordUserMessage(context.Background(), ticket.ID, "user-1", "anyone there?", nil)
	require.NoError(t, err)
	assert.False(t, msg.DeliveredToThread, "relay failure is recorded, not propagated")
}

func TestRecordStaffMessageRelaysToDM(t *testing.T) {
	lc, tickets, _, gateway := newTestLifecycle()
	ticket := createTicket(t, lc, "user-1")

	msg, err := lc.RecordStaffMessage(context.Background(), ticket.ID, "staff-1", "try reinstalling", false)
	require.NoError(t, err)
	assert.True(t, msg.DeliveredToDM)
	assert.Equal(t, 1, gateway.dmCount("user-1"))

	stored, err := tickets.GetByID(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.LastStaffActivityAt)
}

func TestRecordStaffMessageStaffOnlySkipsDM(t *testing.T) {
	lc, _, _, gateway := newTestLifecycle()
	ticket := createTicket(t, lc, "user-1")

	msg, err := lc.RecordStaffMessage(context.Background(), ticket.ID, "staff-1", "internal note", true)
	require.NoError(t, err)
	assert.False(t, msg.DeliveredToDM)
	assert.True(t, msg.IsStaffOnly)
	assert.Equal(t, 0, gateway.dmCount("user-1"))
}

func TestFlagMessageMarksTranscriptEntry(t *testing.T) {
	lc, _, _, _ := newTestLifecycle()
	ticket := createTicket(t, lc, "user-1")

	msg, err := lc.RecordUserMessage(context.Background(), ticket.ID, "user-1", "typo here", nil)
	require.NoError(t, err)

	require.NoError(t, lc.FlagMessage(context.Background(), msg.ID, true, false))

	transcript, err := lc.Transcript(context.Background(), ticket.ID)
	require.NoError(t, err)
	var found bool
	for _, entry := range transcript {
		if entry.ID == msg.ID {
			found = true
			assert.True(t, entry.Edited)
			assert.False(t, entry.Deleted)
		}
	}
	assert.True(t, found)
}

func TestRenderAnswersFollowsFieldOrder(t *testing.T) {
	fields := []domain.FormField{
		{ID: "b", Label: "Second"},
		{ID: "a", Label: "First"},
	}
	answers := map[string]string{"a": "1", "b": "2", "zz": "legacy", "aa": "older"}

	rendered := renderAnswers(fields, answers)
	assert.Equal(t, "Intake form:\nSecond: 2\nFirst: 1\naa: older\nzz: legacy", rendered)
}

func TestSanitizeThreadName(t *testing.T) {
	assert.Equal(t, "some-user", sanitizeThreadName("Some User"))
	assert.Equal(t, "user", sanitizeThreadName("!!!"))
	assert.Len(t, sanitizeThreadName("a very long display name that exceeds the limit"), 32)
}
