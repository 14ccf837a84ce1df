package service

import (
	"context"
	"errors"
	"strings"

	"github.com/MiquelDW/chat-webapp/internal/models"
	"github.com/MiquelDW/chat-webapp/internal/storage"
)

// UserService 同步外部身份服务的用户生命周期事件。
type UserService struct {
	users storage.UserStore
}

func NewUserService(store storage.Store) *UserService {
	return &UserService{users: store}
}

// UserCommand 是身份服务推送的用户资料。
type UserCommand struct {
	ID       string `json:"id" validate:"required,max=64"`
	Email    string `json:"email" validate:"required,email,max=255"`
	Username string `json:"username" validate:"required,max=64"`
	ImageURL string `json:"image_url" validate:"omitempty,url,max=512"`
}

// NormalizeEmail 去掉首尾空白并转为小写，存储和查找都使用这个形式。
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Upsert 创建或更新用户，ID 不变。
func (s *UserService) Upsert(ctx context.Context, cmd UserCommand) (*models.User, error) {
	cmd.Email = NormalizeEmail(cmd.Email)
	if err := check(cmd); err != nil {
		return nil, err
	}
	u := &models.User{ID: cmd.ID, Email: cmd.Email, Username: cmd.Username, ImageURL: cmd.ImageURL}
	if err := s.users.UpsertUser(ctx, u); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, conflict("email already in use")
		}
		return nil, err
	}
	return u, nil
}

func (s *UserService) Delete(ctx context.Context, id string) error {
	if id == "" {
		return invalid("id", "This field can't be empty")
	}
	return notFound(s.users.DeleteUser(ctx, id), "user")
}

func (s *UserService) GetUser(ctx context.Context, id string) (*models.User, error) {
	u, err := s.users.GetUser(ctx, id)
	if err != nil {
		return nil, notFound(err, "user")
	}
	return u, nil
}
