package store

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/pointdeck/pointdeck/go/internal/models"
)

// Memory is an in-process Store used by tests and single-process demos.
// FailNext, when set, makes the next write return that error, which lets
// tests exercise the optimistic-rollback paths.
type Memory struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]models.Session
	items    map[uuid.UUID]models.Item
	votes    map[uuid.UUID]map[uuid.UUID]models.Vote // item -> voter -> vote
	messages map[uuid.UUID]models.ChatMessage
	msgOrder []uuid.UUID

	FailNext error
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[uuid.UUID]models.Session),
		items:    make(map[uuid.UUID]models.Item),
		votes:    make(map[uuid.UUID]map[uuid.UUID]models.Vote),
		messages: make(map[uuid.UUID]models.ChatMessage),
	}
}

func (m *Memory) failNext() error {
	err := m.FailNext
	m.FailNext = nil
	return err
}

func (m *Memory) CreateVote(ctx context.Context, vote models.Vote) (models.Vote, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return models.Vote{}, false, err
	}

	byVoter := m.votes[vote.ItemID]
	if byVoter == nil {
		byVoter = make(map[uuid.UUID]models.Vote)
		m.votes[vote.ItemID] = byVoter
	}
	prev, replaced := byVoter[vote.VoterID]
	if replaced {
		// Revealed is a one-way flag owned by the item, keep it on replace.
		vote.Revealed = prev.Revealed
	}
	byVoter[vote.VoterID] = vote
	return vote, replaced, nil
}

func (m *Memory) MarkVotesRevealed(ctx context.Context, itemID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return err
	}

	for voterID, v := range m.votes[itemID] {
		v.Revealed = true
		m.votes[itemID][voterID] = v
	}
	return nil
}

func (m *Memory) ListVotesForItem(ctx context.Context, itemID uuid.UUID) ([]models.Vote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var votes []models.Vote
	for _, v := range m.votes[itemID] {
		votes = append(votes, v)
	}
	sort.Slice(votes, func(i, j int) bool { return votes[i].SubmittedAt.Before(votes[j].SubmittedAt) })
	return votes, nil
}

func (m *Memory) UpdateItem(ctx context.Context, itemID uuid.UUID, status models.ItemStatus, finalEstimate *string) (*models.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return nil, err
	}

	item, ok := m.items[itemID]
	if !ok {
		return nil, ErrNotFound
	}
	item.Status = status
	item.FinalEstimate = finalEstimate
	m.items[itemID] = item
	return &item, nil
}

func (m *Memory) ListSessionItems(ctx context.Context, sessionID uuid.UUID) ([]models.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var items []models.Item
	for _, item := range m.items {
		if item.SessionID == sessionID {
			items = append(items, item)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Position < items[j].Position })
	return items, nil
}

// PutItem seeds an item. Test helper, not part of Store.
func (m *Memory) PutItem(item models.Item) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[item.ID] = item
}

// GetItem reads an item back. Test helper, not part of Store.
func (m *Memory) GetItem(itemID uuid.UUID) (models.Item, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[itemID]
	return item, ok
}

func (m *Memory) AppendChatMessage(ctx context.Context, msg models.ChatMessage) (*models.ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return nil, err
	}

	m.messages[msg.ID] = msg
	m.msgOrder = append(m.msgOrder, msg.ID)
	return &msg, nil
}

func (m *Memory) UpdateChatMessage(ctx context.Context, msg models.ChatMessage) (*models.ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return nil, err
	}

	if _, ok := m.messages[msg.ID]; !ok {
		return nil, ErrNotFound
	}
	m.messages[msg.ID] = msg
	return &msg, nil
}

func (m *Memory) ListChatMessages(ctx context.Context, sessionID uuid.UUID, limit int) ([]models.ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var msgs []models.ChatMessage
	for _, id := range m.msgOrder {
		msg := m.messages[id]
		if msg.SessionID == sessionID {
			msgs = append(msgs, msg)
		}
	}
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func (m *Memory) CreateSession(ctx context.Context, session models.Session) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return nil, err
	}

	m.sessions[session.ID] = session
	return &session, nil
}

func (m *Memory) GetSession(ctx context.Context, sessionID uuid.UUID) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return &session, nil
}

func (m *Memory) UpdateSessionScale(ctx context.Context, sessionID uuid.UUID, scale models.EstimationScale) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return err
	}

	session, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	session.Scale = scale
	m.sessions[sessionID] = session
	return nil
}
