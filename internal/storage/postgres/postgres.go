// Package postgres 是基于 gorm 的 storage.Store 实现。
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/MiquelDW/chat-webapp/internal/changefeed"
	"github.com/MiquelDW/chat-webapp/internal/models"
	"github.com/MiquelDW/chat-webapp/internal/storage"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Store struct {
	db     *gorm.DB
	notify storage.Notifier
}

var _ storage.Store = (*Store)(nil)

// New 要求 db 以 TranslateError 打开，以便识别唯一约束冲突。
func New(db *gorm.DB, pub changefeed.Publisher) *Store {
	return &Store{db: db, notify: storage.Notifier{Pub: pub}}
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return storage.ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return storage.ErrDuplicate
	}
	return err
}

func (s *Store) first(ctx context.Context, out any, query string, args ...any) error {
	return translate(s.db.WithContext(ctx).Where(query, args...).First(out).Error)
}

// ==================== USERS ====================

func (s *Store) UpsertUser(ctx context.Context, u *models.User) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"email", "username", "image_url", "updated_at"}),
	}).Create(u).Error
	return translate(err)
}

func (s *Store) DeleteUser(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&models.User{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	if err := s.first(ctx, &u, "id = ?", id); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var u models.User
	if err := s.first(ctx, &u, "email = ?", email); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) ListUsers(ctx context.Context, ids []string) ([]models.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var users []models.User
	err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&users).Error
	return users, err
}

// ==================== CONVERSATIONS ====================

func createConversationTx(tx *gorm.DB, c *models.Conversation, memberIDs []string) ([]models.ConversationMember, error) {
	if c.ID == "" {
		c.ID = storage.NewID()
	}
	now := storage.Now()
	c.CreatedAt, c.UpdatedAt = now, now
	if err := tx.Create(c).Error; err != nil {
		return nil, translate(err)
	}
	members := make([]models.ConversationMember, 0, len(memberIDs))
	for i, id := range memberIDs {
		// 成员按加入顺序排序依赖 created_at，逐个错开 1µs
		members = append(members, models.ConversationMember{
			ID:             storage.NewID(),
			MemberID:       id,
			ConversationID: c.ID,
			CreatedAt:      now.Add(time.Duration(i) * time.Microsecond),
		})
	}
	if len(members) > 0 {
		if err := tx.Create(&members).Error; err != nil {
			return nil, translate(err)
		}
	}
	return members, nil
}

func (s *Store) CreateConversation(ctx context.Context, c *models.Conversation, memberIDs []string) ([]models.ConversationMember, error) {
	var members []models.ConversationMember
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		members, err = createConversationTx(tx, c, memberIDs)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.notify.Notify(ctx, changefeed.EntityConversation, changefeed.OpCreate, c.ID, c)
	return members, nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var c models.Conversation
	if err := s.first(ctx, &c, "id = ?", id); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	var (
		conv    models.Conversation
		members []models.ConversationMember
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&conv).Error; err != nil {
			return translate(err)
		}
		if err := tx.Where("conversation_id = ?", id).Order("created_at, id").Find(&members).Error; err != nil {
			return err
		}
		for _, model := range []any{&models.Message{}, &models.ConversationMember{}, &models.Friend{}} {
			if err := tx.Where("conversation_id = ?", id).Delete(model).Error; err != nil {
				return err
			}
		}
		return tx.Delete(&models.Conversation{}, "id = ?", id).Error
	})
	if err != nil {
		return err
	}
	for _, m := range members {
		s.notify.Notify(ctx, changefeed.EntityMember, changefeed.OpDelete, m.ID, m)
	}
	s.notify.Notify(ctx, changefeed.EntityConversation, changefeed.OpDelete, conv.ID, conv)
	return nil
}

func (s *Store) GetMembership(ctx context.Context, memberID, conversationID string) (*models.ConversationMember, error) {
	var m models.ConversationMember
	if err := s.first(ctx, &m, "member_id = ? AND conversation_id = ?", memberID, conversationID); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) ListMembers(ctx context.Context, conversationID string) ([]models.ConversationMember, error) {
	var out []models.ConversationMember
	err := s.db.WithContext(ctx).Where("conversation_id = ?", conversationID).Order("created_at, id").Find(&out).Error
	return out, err
}

func (s *Store) ListMembershipsByUser(ctx context.Context, userID string) ([]models.ConversationMember, error) {
	var out []models.ConversationMember
	err := s.db.WithContext(ctx).Where("member_id = ?", userID).Order("created_at, id").Find(&out).Error
	return out, err
}

func (s *Store) DeleteMembership(ctx context.Context, id string) error {
	var m models.ConversationMember
	res := s.db.WithContext(ctx).Clauses(clause.Returning{}).Where("id = ?", id).Delete(&m)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	s.notify.Notify(ctx, changefeed.EntityMember, changefeed.OpDelete, m.ID, m)
	return nil
}

// AdvanceLastSeen 用一条条件 UPDATE 完成比较和写入，并发的 markSeen 不会让指针回退。
func (s *Store) AdvanceLastSeen(ctx context.Context, membershipID string, msg *models.Message) (*models.ConversationMember, bool, error) {
	res := s.db.WithContext(ctx).Model(&models.ConversationMember{}).
		Where("id = ?", membershipID).
		Where(`last_seen_message_id IS NULL OR (last_seen_message_id <> ? AND NOT EXISTS (
			SELECT 1 FROM messages cur WHERE cur.id = conversation_members.last_seen_message_id AND cur.created_at > ?))`,
			msg.ID, msg.CreatedAt).
		Update("last_seen_message_id", msg.ID)
	if res.Error != nil {
		return nil, false, res.Error
	}
	var m models.ConversationMember
	if err := s.first(ctx, &m, "id = ?", membershipID); err != nil {
		return nil, false, err
	}
	changed := res.RowsAffected > 0
	if changed {
		s.notify.Notify(ctx, changefeed.EntityMember, changefeed.OpUpdate, m.ID, m)
	}
	return &m, changed, nil
}

// ==================== MESSAGES ====================

// CreateMessage 锁住会话行，串行化同一会话内的写入以保证 created_at 严格递增。
func (s *Store) CreateMessage(ctx context.Context, m *models.Message) error {
	var conv models.Conversation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", m.ConversationID).First(&conv).Error; err != nil {
			return translate(err)
		}
		var last models.Message
		var lastAt *time.Time
		err := tx.Select("created_at").Where("conversation_id = ?", m.ConversationID).Order("created_at desc").Limit(1).Take(&last).Error
		switch {
		case err == nil:
			lastAt = &last.CreatedAt
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}
		if m.ID == "" {
			m.ID = storage.NewID()
		}
		m.CreatedAt = storage.NextCreatedAt(storage.Now(), lastAt)
		if err := tx.Create(m).Error; err != nil {
			return translate(err)
		}
		id := m.ID
		conv.LastMessageID = &id
		conv.UpdatedAt = m.CreatedAt
		return tx.Model(&conv).Updates(map[string]any{"last_message_id": id, "updated_at": m.CreatedAt}).Error
	})
	if err != nil {
		return err
	}
	s.notify.Notify(ctx, changefeed.EntityMessage, changefeed.OpCreate, m.ID, m)
	s.notify.Notify(ctx, changefeed.EntityConversation, changefeed.OpUpdate, conv.ID, conv)
	return nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	var m models.Message
	if err := s.first(ctx, &m, "id = ?", id); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID string, q storage.MessageQuery) ([]models.Message, error) {
	query := s.db.WithContext(ctx).Where("conversation_id = ?", conversationID)
	if q.Before != "" {
		var cursor models.Message
		if err := s.first(ctx, &cursor, "id = ? AND conversation_id = ?", q.Before, conversationID); err != nil {
			return nil, err
		}
		query = query.Where("created_at < ?", cursor.CreatedAt)
	}
	if q.Limit > 0 {
		query = query.Limit(q.Limit)
	}
	var out []models.Message
	err := query.Order("created_at desc").Find(&out).Error
	return out, err
}

func (s *Store) CountUnseen(ctx context.Context, conversationID, memberID string, after *time.Time) (int64, error) {
	q := s.db.WithContext(ctx).Model(&models.Message{}).
		Where("conversation_id = ? AND sender_id <> ?", conversationID, memberID)
	if after != nil {
		q = q.Where("created_at > ?", *after)
	}
	var n int64
	err := q.Count(&n).Error
	return n, err
}

func (s *Store) LatestMessage(ctx context.Context, conversationID string) (*models.Message, error) {
	var m models.Message
	err := s.db.WithContext(ctx).Where("conversation_id = ?", conversationID).Order("created_at desc").Take(&m).Error
	if err != nil {
		return nil, translate(err)
	}
	return &m, nil
}

// ==================== REQUESTS & FRIENDS ====================

func (s *Store) CreateRequest(ctx context.Context, r *models.Request) error {
	if r.ID == "" {
		r.ID = storage.NewID()
	}
	r.CreatedAt = storage.Now()
	if err := s.db.WithContext(ctx).Create(r).Error; err != nil {
		return translate(err)
	}
	s.notify.Notify(ctx, changefeed.EntityRequest, changefeed.OpCreate, r.ID, r)
	return nil
}

func (s *Store) GetRequest(ctx context.Context, id string) (*models.Request, error) {
	var r models.Request
	if err := s.first(ctx, &r, "id = ?", id); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) FindRequest(ctx context.Context, senderID, receiverID string) (*models.Request, error) {
	var r models.Request
	if err := s.first(ctx, &r, "sender_id = ? AND receiver_id = ?", senderID, receiverID); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) ListIncomingRequests(ctx context.Context, receiverID string) ([]models.Request, error) {
	var out []models.Request
	err := s.db.WithContext(ctx).Where("receiver_id = ?", receiverID).Order("created_at").Find(&out).Error
	return out, err
}

func (s *Store) CountIncomingRequests(ctx context.Context, receiverID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Request{}).Where("receiver_id = ?", receiverID).Count(&n).Error
	return n, err
}

func (s *Store) DeleteRequest(ctx context.Context, id string) error {
	var r models.Request
	res := s.db.WithContext(ctx).Clauses(clause.Returning{}).Where("id = ?", id).Delete(&r)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	s.notify.Notify(ctx, changefeed.EntityRequest, changefeed.OpDelete, r.ID, r)
	return nil
}

func (s *Store) AcceptRequest(ctx context.Context, requestID string) (*models.Friend, *models.Conversation, error) {
	var (
		req    models.Request
		conv   models.Conversation
		friend models.Friend
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.Returning{}).Where("id = ?", requestID).Delete(&req)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return storage.ErrNotFound
		}
		if _, err := createConversationTx(tx, &conv, []string{req.ReceiverID, req.SenderID}); err != nil {
			return err
		}
		friend = models.Friend{
			ID:             storage.NewID(),
			UserID:         req.ReceiverID,
			FriendID:       req.SenderID,
			ConversationID: conv.ID,
			CreatedAt:      conv.CreatedAt,
		}
		return translate(tx.Create(&friend).Error)
	})
	if err != nil {
		return nil, nil, err
	}
	s.notify.Notify(ctx, changefeed.EntityRequest, changefeed.OpDelete, req.ID, req)
	s.notify.Notify(ctx, changefeed.EntityConversation, changefeed.OpCreate, conv.ID, conv)
	return &friend, &conv, nil
}

func (s *Store) FindFriendship(ctx context.Context, userA, userB string) (*models.Friend, error) {
	var f models.Friend
	err := s.first(ctx, &f, "(user_id = ? AND friend_id = ?) OR (user_id = ? AND friend_id = ?)", userA, userB, userB, userA)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *Store) GetFriendshipByConversation(ctx context.Context, conversationID string) (*models.Friend, error) {
	var f models.Friend
	if err := s.first(ctx, &f, "conversation_id = ?", conversationID); err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *Store) ListFriends(ctx context.Context, userID string) ([]models.Friend, error) {
	var out []models.Friend
	err := s.db.WithContext(ctx).Where("user_id = ? OR friend_id = ?", userID, userID).Order("created_at").Find(&out).Error
	return out, err
}
