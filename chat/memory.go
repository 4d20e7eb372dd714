package chat

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/kharwell/chatrelay/outbox"
)

// MemoryStore implements Store in process memory, for Writer tests and
// embedded single-node runs. Transactions stage their writes and apply them
// on Commit under one lock, so a rolled-back transaction leaves no trace.
type MemoryStore struct {
	mu            sync.Mutex
	conversations map[string]*memConversation
	messages      map[string]*Message
	outbox        *outbox.MemoryStore
}

type memConversation struct {
	lastMessage   string
	lastMessageAt time.Time
	participants  map[string]bool
}

// NewMemoryStore creates an in-memory write store. Outbox events commit
// into the given outbox store, which a processor can drain as usual.
func NewMemoryStore(ob *outbox.MemoryStore) *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*memConversation),
		messages:      make(map[string]*Message),
		outbox:        ob,
	}
}

// Begin opens a staged transaction.
func (s *MemoryStore) Begin(ctx context.Context) (Tx, error) {
	return &memoryTx{store: s}, nil
}

// Message returns a stored message, for tests.
func (s *MemoryStore) Message(id string) (*Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return nil, false
	}
	cp := *msg
	return &cp, true
}

// Participants returns the committed member list of a conversation, for
// tests.
func (s *MemoryStore) Participants(conversationID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(conv.participants))
	for id := range conv.participants {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// memoryTx stages mutations until Commit.
type memoryTx struct {
	store *MemoryStore
	done  bool

	conversationID string
	newMembers     []string
	message        *Message
	lastMessage    string
	lastMessageAt  time.Time
	event          *outbox.Event
}

var errTxDone = errors.New("transaction already finished")

func (t *memoryTx) UpsertConversation(ctx context.Context, conversationID string) error {
	if err := t.step(); err != nil {
		return err
	}
	t.conversationID = conversationID
	return nil
}

func (t *memoryTx) AddParticipants(ctx context.Context, conversationID string, userIDs []string) error {
	if err := t.step(); err != nil {
		return err
	}
	t.newMembers = append(t.newMembers, userIDs...)
	return nil
}

func (t *memoryTx) InsertMessage(ctx context.Context, msg *Message) error {
	if err := t.step(); err != nil {
		return err
	}
	cp := *msg
	t.message = &cp
	return nil
}

func (t *memoryTx) UpdateLastMessage(ctx context.Context, conversationID, content string, at time.Time) error {
	if err := t.step(); err != nil {
		return err
	}
	t.lastMessage = content
	t.lastMessageAt = at
	return nil
}

func (t *memoryTx) Participants(ctx context.Context, conversationID string) ([]string, error) {
	if err := t.step(); err != nil {
		return nil, err
	}
	seen := make(map[string]bool)

	t.store.mu.Lock()
	if conv, ok := t.store.conversations[conversationID]; ok {
		for id := range conv.participants {
			seen[id] = true
		}
	}
	t.store.mu.Unlock()

	for _, id := range t.newMembers {
		seen[id] = true
	}

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (t *memoryTx) InsertOutbox(ctx context.Context, ev *outbox.Event) error {
	if err := t.step(); err != nil {
		return err
	}
	cp := *ev
	t.event = &cp
	return nil
}

func (t *memoryTx) Commit() error {
	if t.done {
		return errTxDone
	}
	t.done = true

	s := t.store
	s.mu.Lock()
	conv, ok := s.conversations[t.conversationID]
	if !ok {
		conv = &memConversation{participants: make(map[string]bool)}
		s.conversations[t.conversationID] = conv
	}
	for _, id := range t.newMembers {
		conv.participants[id] = true
	}
	if t.message != nil {
		s.messages[t.message.ID] = t.message
	}
	conv.lastMessage = t.lastMessage
	conv.lastMessageAt = t.lastMessageAt
	s.mu.Unlock()

	if t.event != nil {
		return s.outbox.Insert(context.Background(), t.event)
	}
	return nil
}

func (t *memoryTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	return nil
}

func (t *memoryTx) step() error {
	if t.done {
		return errTxDone
	}
	return nil
}

// Compile-time checks
var (
	_ Store = (*MemoryStore)(nil)
	_ Tx    = (*memoryTx)(nil)
)
