// Package memory 是进程内的 storage.Store 实现，用于开发环境与测试。
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/MiquelDW/chat-webapp/internal/changefeed"
	"github.com/MiquelDW/chat-webapp/internal/models"
	"github.com/MiquelDW/chat-webapp/internal/storage"
)

type Store struct {
	mu     sync.RWMutex
	notify storage.Notifier
	now    func() time.Time

	users         map[string]models.User
	conversations map[string]models.Conversation
	members       []models.ConversationMember // 按加入顺序
	messages      map[string][]models.Message // conversationID -> 按 CreatedAt 升序
	messageByID   map[string]models.Message
	requests      []models.Request
	friends       []models.Friend
}

var _ storage.Store = (*Store)(nil)

func New(pub changefeed.Publisher) *Store {
	return &Store{
		notify:        storage.Notifier{Pub: pub},
		now:           storage.Now,
		users:         make(map[string]models.User),
		conversations: make(map[string]models.Conversation),
		messages:      make(map[string][]models.Message),
		messageByID:   make(map[string]models.Message),
	}
}

// SetClock 替换时钟，测试用。
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

type change struct {
	entity changefeed.Entity
	op     changefeed.Op
	id     string
	record any
}

// emit 必须在释放锁之后调用。
func (s *Store) emit(ctx context.Context, changes ...change) {
	for _, c := range changes {
		s.notify.Notify(ctx, c.entity, c.op, c.id, c.record)
	}
}

// ==================== USERS ====================

func (s *Store) UpsertUser(_ context.Context, u *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, existing := range s.users {
		if id != u.ID && existing.Email == u.Email {
			return storage.ErrDuplicate
		}
	}
	now := s.now()
	if existing, ok := s.users[u.ID]; ok {
		u.CreatedAt = existing.CreatedAt
	} else {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	s.users[u.ID] = *u
	return nil
}

func (s *Store) DeleteUser(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.users, id)
	return nil
}

func (s *Store) GetUser(_ context.Context, id string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &u, nil
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.Email == email {
			return &u, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *Store) ListUsers(_ context.Context, ids []string) ([]models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.User, 0, len(ids))
	for _, id := range ids {
		if u, ok := s.users[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

// ==================== CONVERSATIONS ====================

func (s *Store) CreateConversation(ctx context.Context, c *models.Conversation, memberIDs []string) ([]models.ConversationMember, error) {
	s.mu.Lock()
	created, err := s.createConversationLocked(c, memberIDs)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s.emit(ctx, change{changefeed.EntityConversation, changefeed.OpCreate, c.ID, *c})
	return created, nil
}

func (s *Store) createConversationLocked(c *models.Conversation, memberIDs []string) ([]models.ConversationMember, error) {
	seen := make(map[string]struct{}, len(memberIDs))
	for _, id := range memberIDs {
		if _, dup := seen[id]; dup {
			return nil, storage.ErrDuplicate
		}
		seen[id] = struct{}{}
	}
	if c.ID == "" {
		c.ID = storage.NewID()
	}
	if _, exists := s.conversations[c.ID]; exists {
		return nil, storage.ErrDuplicate
	}
	now := s.now()
	c.CreatedAt, c.UpdatedAt = now, now
	s.conversations[c.ID] = *c

	created := make([]models.ConversationMember, 0, len(memberIDs))
	for _, id := range memberIDs {
		m := models.ConversationMember{ID: storage.NewID(), MemberID: id, ConversationID: c.ID, CreatedAt: now}
		s.members = append(s.members, m)
		created = append(created, m)
	}
	return created, nil
}

func (s *Store) GetConversation(_ context.Context, id string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &c, nil
}

func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	changes, err := s.deleteConversationLocked(id)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.emit(ctx, changes...)
	return nil
}

func (s *Store) deleteConversationLocked(id string) ([]change, error) {
	c, ok := s.conversations[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	for _, m := range s.messages[id] {
		delete(s.messageByID, m.ID)
	}
	delete(s.messages, id)

	var changes []change
	kept := s.members[:0]
	for _, m := range s.members {
		if m.ConversationID == id {
			changes = append(changes, change{changefeed.EntityMember, changefeed.OpDelete, m.ID, m})
			continue
		}
		kept = append(kept, m)
	}
	s.members = kept
	s.friends = slices.DeleteFunc(s.friends, func(f models.Friend) bool { return f.ConversationID == id })
	delete(s.conversations, id)
	return append(changes, change{changefeed.EntityConversation, changefeed.OpDelete, id, c}), nil
}

func (s *Store) GetMembership(_ context.Context, memberID, conversationID string) (*models.ConversationMember, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.members {
		if m.MemberID == memberID && m.ConversationID == conversationID {
			return &m, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *Store) ListMembers(_ context.Context, conversationID string) ([]models.ConversationMember, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.ConversationMember
	for _, m := range s.members {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *Store) ListMembershipsByUser(_ context.Context, userID string) ([]models.ConversationMember, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.ConversationMember
	for _, m := range s.members {
		if m.MemberID == userID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *Store) DeleteMembership(ctx context.Context, id string) error {
	s.mu.Lock()
	idx := slices.IndexFunc(s.members, func(m models.ConversationMember) bool { return m.ID == id })
	if idx < 0 {
		s.mu.Unlock()
		return storage.ErrNotFound
	}
	m := s.members[idx]
	s.members = slices.Delete(s.members, idx, idx+1)
	s.mu.Unlock()
	s.emit(ctx, change{changefeed.EntityMember, changefeed.OpDelete, m.ID, m})
	return nil
}

func (s *Store) AdvanceLastSeen(ctx context.Context, membershipID string, msg *models.Message) (*models.ConversationMember, bool, error) {
	s.mu.Lock()
	idx := slices.IndexFunc(s.members, func(m models.ConversationMember) bool { return m.ID == membershipID })
	if idx < 0 {
		s.mu.Unlock()
		return nil, false, storage.ErrNotFound
	}
	m := s.members[idx]
	if m.LastSeenMessageID != nil {
		if *m.LastSeenMessageID == msg.ID {
			s.mu.Unlock()
			return &m, false, nil
		}
		if cur, ok := s.messageByID[*m.LastSeenMessageID]; ok && msg.CreatedAt.Before(cur.CreatedAt) {
			s.mu.Unlock()
			return &m, false, nil
		}
	}
	id := msg.ID
	m.LastSeenMessageID = &id
	s.members[idx] = m
	s.mu.Unlock()
	s.emit(ctx, change{changefeed.EntityMember, changefeed.OpUpdate, m.ID, m})
	return &m, true, nil
}

// ==================== MESSAGES ====================

func (s *Store) CreateMessage(ctx context.Context, m *models.Message) error {
	s.mu.Lock()
	c, ok := s.conversations[m.ConversationID]
	if !ok {
		s.mu.Unlock()
		return storage.ErrNotFound
	}
	if m.ID == "" {
		m.ID = storage.NewID()
	}
	history := s.messages[m.ConversationID]
	var last *time.Time
	if n := len(history); n > 0 {
		last = &history[n-1].CreatedAt
	}
	m.CreatedAt = storage.NextCreatedAt(s.now(), last)
	m.Content = slices.Clone(m.Content)
	s.messages[m.ConversationID] = append(history, *m)
	s.messageByID[m.ID] = *m

	id := m.ID
	c.LastMessageID = &id
	c.UpdatedAt = m.CreatedAt
	s.conversations[c.ID] = c
	s.mu.Unlock()

	s.emit(ctx,
		change{changefeed.EntityMessage, changefeed.OpCreate, m.ID, *m},
		change{changefeed.EntityConversation, changefeed.OpUpdate, c.ID, c},
	)
	return nil
}

func (s *Store) GetMessage(_ context.Context, id string) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messageByID[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &m, nil
}

func (s *Store) ListMessages(_ context.Context, conversationID string, q storage.MessageQuery) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.messages[conversationID]
	end := len(history)
	if q.Before != "" {
		cursor, ok := s.messageByID[q.Before]
		if !ok || cursor.ConversationID != conversationID {
			return nil, storage.ErrNotFound
		}
		end = sort.Search(len(history), func(i int) bool { return !history[i].CreatedAt.Before(cursor.CreatedAt) })
	}
	out := make([]models.Message, 0, end)
	for i := end - 1; i >= 0; i-- {
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
		out = append(out, history[i])
	}
	return out, nil
}

func (s *Store) CountUnseen(_ context.Context, conversationID, memberID string, after *time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, m := range s.messages[conversationID] {
		if m.SenderID == memberID {
			continue
		}
		if after != nil && !m.CreatedAt.After(*after) {
			continue
		}
		n++
	}
	return n, nil
}

func (s *Store) LatestMessage(_ context.Context, conversationID string) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.messages[conversationID]
	if len(history) == 0 {
		return nil, storage.ErrNotFound
	}
	m := history[len(history)-1]
	return &m, nil
}

// ==================== REQUESTS & FRIENDS ====================

func (s *Store) CreateRequest(ctx context.Context, r *models.Request) error {
	s.mu.Lock()
	for _, existing := range s.requests {
		if existing.SenderID == r.SenderID && existing.ReceiverID == r.ReceiverID {
			s.mu.Unlock()
			return storage.ErrDuplicate
		}
	}
	if r.ID == "" {
		r.ID = storage.NewID()
	}
	r.CreatedAt = s.now()
	s.requests = append(s.requests, *r)
	s.mu.Unlock()
	s.emit(ctx, change{changefeed.EntityRequest, changefeed.OpCreate, r.ID, *r})
	return nil
}

func (s *Store) GetRequest(_ context.Context, id string) (*models.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.requests {
		if r.ID == id {
			return &r, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *Store) FindRequest(_ context.Context, senderID, receiverID string) (*models.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.requests {
		if r.SenderID == senderID && r.ReceiverID == receiverID {
			return &r, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *Store) ListIncomingRequests(_ context.Context, receiverID string) ([]models.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Request
	for _, r := range s.requests {
		if r.ReceiverID == receiverID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) CountIncomingRequests(_ context.Context, receiverID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, r := range s.requests {
		if r.ReceiverID == receiverID {
			n++
		}
	}
	return n, nil
}

func (s *Store) DeleteRequest(ctx context.Context, id string) error {
	s.mu.Lock()
	r, ok := s.takeRequestLocked(id)
	s.mu.Unlock()
	if !ok {
		return storage.ErrNotFound
	}
	s.emit(ctx, change{changefeed.EntityRequest, changefeed.OpDelete, r.ID, r})
	return nil
}

func (s *Store) takeRequestLocked(id string) (models.Request, bool) {
	idx := slices.IndexFunc(s.requests, func(r models.Request) bool { return r.ID == id })
	if idx < 0 {
		return models.Request{}, false
	}
	r := s.requests[idx]
	s.requests = slices.Delete(s.requests, idx, idx+1)
	return r, true
}

func (s *Store) AcceptRequest(ctx context.Context, requestID string) (*models.Friend, *models.Conversation, error) {
	s.mu.Lock()
	r, ok := s.takeRequestLocked(requestID)
	if !ok {
		s.mu.Unlock()
		return nil, nil, storage.ErrNotFound
	}
	conv := &models.Conversation{IsGroup: false}
	if _, err := s.createConversationLocked(conv, []string{r.ReceiverID, r.SenderID}); err != nil {
		s.requests = append(s.requests, r)
		s.mu.Unlock()
		return nil, nil, err
	}
	f := models.Friend{ID: storage.NewID(), UserID: r.ReceiverID, FriendID: r.SenderID, ConversationID: conv.ID, CreatedAt: conv.CreatedAt}
	s.friends = append(s.friends, f)
	s.mu.Unlock()

	s.emit(ctx,
		change{changefeed.EntityRequest, changefeed.OpDelete, r.ID, r},
		change{changefeed.EntityConversation, changefeed.OpCreate, conv.ID, *conv},
	)
	return &f, conv, nil
}

func (s *Store) FindFriendship(_ context.Context, userA, userB string) (*models.Friend, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, f := range s.friends {
		if (f.UserID == userA && f.FriendID == userB) || (f.UserID == userB && f.FriendID == userA) {
			return &f, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *Store) GetFriendshipByConversation(_ context.Context, conversationID string) (*models.Friend, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, f := range s.friends {
		if f.ConversationID == conversationID {
			return &f, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *Store) ListFriends(_ context.Context, userID string) ([]models.Friend, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Friend
	for _, f := range s.friends {
		if f.UserID == userID || f.FriendID == userID {
			out = append(out, f)
		}
	}
	return out, nil
}
