package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/guildops/ticket-bridge/internal/domain"
	"github.com/guildops/ticket-bridge/internal/observability"
	"github.com/guildops/ticket-bridge/internal/repository"
	"go.uber.org/zap"
)

// memTicketRepo is an in-memory TicketRepository with the same atomicity
// guarantees as the SQL implementation: claims and number allocation are
// serialized under one mutex.
type memTicketRepo struct {
	mu       sync.Mutex
	tickets  map[string]*domain.Ticket
	counters map[string]int64
	messages map[string][]domain.Message
}

var _ repository.TicketRepository = (*memTicketRepo)(nil)

func newMemTicketRepo() *memTicketRepo {
	return &memTicketRepo{
		tickets:  make(map[string]*domain.Ticket),
		counters: make(map[string]int64),
		messages: make(map[string][]domain.Message),
	}
}

func (r *memTicketRepo) Create(ctx context.Context, ticket *domain.Ticket) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ticket.ID == "" {
		ticket.ID = uuid.NewString()
	}
	now := time.Now()
	ticket.CreatedAt = now
	ticket.UpdatedAt = now
	stored := *ticket
	r.tickets[ticket.ID] = &stored
	return nil
}

func (r *memTicketRepo) Update(ctx context.Context, ticket *domain.Ticket) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tickets[ticket.ID]; !ok {
		return pgx.ErrNoRows
	}
	ticket.UpdatedAt = time.Now()
	stored := *ticket
	r.tickets[ticket.ID] = &stored
	return nil
}

func (r *memTicketRepo) GetByID(ctx context.Context, id string) (*domain.Ticket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.tickets[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	copied := *stored
	return &copied, nil
}

func (r *memTicketRepo) Claim(ctx context.Context, ticketID, staffID string, at time.Time) (bool, *string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.tickets[ticketID]
	if !ok {
		return false, nil, pgx.ErrNoRows
	}
	if stored.Status == domain.TicketStatusOpen && stored.ClaimedBy == nil {
		staff := staffID
		claimTime := at
		stored.ClaimedBy = &staff
		stored.ClaimedAt = &claimTime
		return true, nil, nil
	}
	return false, stored.ClaimedBy, nil
}

func (r *memTicketRepo) NextTicketNumber(ctx context.Context, guildID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[guildID]++
	return r.counters[guildID], nil
}

func (r *memTicketRepo) FindOpenByUser(ctx context.Context, guildID, userID string) (*domain.Ticket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, stored := range r.tickets {
		if stored.GuildID == guildID && stored.UserID == userID && stored.Status == domain.TicketStatusOpen {
			copied := *stored
			return &copied, nil
		}
	}
	return nil, nil
}

func (r *memTicketRepo) ListByStatuses(ctx context.Context, statuses []domain.TicketStatus) ([]domain.Ticket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	wanted := make(map[domain.TicketStatus]bool, len(statuses))
	for _, status := range statuses {
		wanted[status] = true
	}
	var result []domain.Ticket
	for _, stored := range r.tickets {
		if wanted[stored.Status] {
			result = append(result, *stored)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].GuildID != result[j].GuildID {
			return result[i].GuildID < result[j].GuildID
		}
		return result[i].TicketNumber < result[j].TicketNumber
	})
	return result, nil
}

func (r *memTicketRepo) AppendMessage(ctx context.Context, msg *domain.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages[msg.TicketID] = append(r.messages[msg.TicketID], *msg)
	return nil
}

func (r *memTicketRepo) ListMessages(ctx context.Context, ticketID string) ([]domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Message{}, r.messages[ticketID]...), nil
}

func (r *memTicketRepo) SetMessageFlags(ctx context.Context, messageID string, edited, deleted bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ticketID := range r.messages {
		for i := range r.messages[ticketID] {
			if r.messages[ticketID][i].ID == messageID {
				r.messages[ticketID][i].Edited = edited
				r.messages[ticketID][i].Deleted = deleted
				return nil
			}
		}
	}
	return pgx.ErrNoRows
}

// mutate edits the stored ticket directly, bypassing the engine. Tests use it
// to arrange states the engine would not normally produce.
func (r *memTicketRepo) mutate(ticketID string, apply func(*domain.Ticket)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if stored, ok := r.tickets[ticketID]; ok {
		apply(stored)
	}
}

type memCategoryRepo struct {
	mu         sync.Mutex
	categories map[string]domain.Category
	settings   map[string]domain.GuildSettings
}

var _ repository.CategoryRepository = (*memCategoryRepo)(nil)

func newMemCategoryRepo(categories ...domain.Category) *memCategoryRepo {
	repo := &memCategoryRepo{
		categories: make(map[string]domain.Category),
		settings:   make(map[string]domain.GuildSettings),
	}
	for _, category := range categories {
		repo.categories[category.ID] = category
	}
	return repo
}

func (r *memCategoryRepo) GetByID(ctx context.Context, id string) (*domain.Category, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	category, ok := r.categories[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &category, nil
}

func (r *memCategoryRepo) ListByGuild(ctx context.Context, guildID string) ([]domain.Category, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []domain.Category
	for _, category := range r.categories {
		if category.GuildID == guildID {
			result = append(result, category)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (r *memCategoryRepo) GetGuildSettings(ctx context.Context, guildID string) (*domain.GuildSettings, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	settings, ok := r.settings[guildID]
	if !ok {
		return nil, nil
	}
	return &settings, nil
}

func (r *memCategoryRepo) setGuildSettings(settings domain.GuildSettings) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settings[settings.GuildID] = settings
}

// fakeRelay records every gateway call and can be configured to fail or to
// report channels as missing.
type fakeRelay struct {
	mu sync.Mutex

	threadSeq int
	posted    map[string][]string
	dms       map[string][]string
	names     map[string]string
	labels    map[string][]string
	locked    map[string]bool
	archived  map[string]bool
	missing   map[string]bool

	failCreateThread bool
	failDM           bool
	existsErr        error
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{
		posted:   make(map[string][]string),
		dms:      make(map[string][]string),
		names:    make(map[string]string),
		labels:   make(map[string][]string),
		locked:   make(map[string]bool),
		archived: make(map[string]bool),
		missing:  make(map[string]bool),
	}
}

func (f *fakeRelay) CreateThread(ctx context.Context, parentChannelID, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreateThread {
		return "", errors.New("gateway unavailable")
	}
	f.threadSeq++
	id := fmt.Sprintf("thread-%d", f.threadSeq)
	f.names[id] = name
	return id, nil
}

func (f *fakeRelay) PostMessage(ctx context.Context, channelID, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.missing[channelID] {
		return errors.New("channel gone")
	}
	f.posted[channelID] = append(f.posted[channelID], content)
	return nil
}

func (f *fakeRelay) SetChannelName(ctx context.Context, channelID, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.names[channelID] = name
	return nil
}

func (f *fakeRelay) SetLabels(ctx context.Context, channelID string, labels []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.labels[channelID] = labels
	return nil
}

func (f *fakeRelay) Lock(ctx context.Context, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locked[channelID] = true
	return nil
}

func (f *fakeRelay) Archive(ctx context.Context, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.archived[channelID] = true
	return nil
}

func (f *fakeRelay) ChannelExists(ctx context.Context, channelID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.existsErr != nil {
		return false, f.existsErr
	}
	return !f.missing[channelID], nil
}

func (f *fakeRelay) SendDirectMessage(ctx context.Context, userID, content string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDM {
		return false, errors.New("dm closed")
	}
	f.dms[userID] = append(f.dms[userID], content)
	return true, nil
}

func (f *fakeRelay) dmCount(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dms[userID])
}

func (f *fakeRelay) postedCount(channelID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.posted[channelID])
}

func supportCategory() domain.Category {
	return domain.Category{
		ID:             "cat-support",
		GuildID:        "guild-1",
		Name:           "Support",
		RelayChannelID: "chan-support",
		Priority:       domain.PriorityMedium,
		FormFields: []domain.FormField{
			{ID: "subject", Label: "Subject", Type: domain.FieldTypeShortText, Required: true},
			{ID: "details", Label: "Details", Type: domain.FieldTypeParagraph},
		},
		ResolveAutoCloseHours: 24,
	}
}

func newTestLifecycle() (*Lifecycle, *memTicketRepo, *memCategoryRepo, *fakeRelay) {
	tickets := newMemTicketRepo()
	categories := newMemCategoryRepo(supportCategory())
	gateway := newFakeRelay()
	lc := NewLifecycle(LifecycleDependencies{
		TicketRepo:      tickets,
		CategoryRepo:    categories,
		Relay:           gateway,
		Logger:          zap.NewNop(),
		Metrics:         observability.NewMetrics(),
		ExternalTimeout: time.Second,
	})
	return lc, tickets, categories, gateway
}
