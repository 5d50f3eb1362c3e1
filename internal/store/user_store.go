package store

import (
	"context"
	"fmt"

	"libraryhub/internal/model"

	"gorm.io/gorm"
)

// UserStore 基于 gorm 的用户存储。
type UserStore struct {
	db *gorm.DB
}

func NewUserStore(db *gorm.DB) *UserStore {
	return &UserStore{db: db}
}

// Create 新建用户，邮箱重复时返回 ErrDuplicate。
func (s *UserStore) Create(ctx context.Context, user *model.User) error {
	user.Email = model.NormalizeEmail(user.Email)
	if user.Role == "" {
		user.Role = model.RoleMember
	}
	if user.Membership == "" {
		user.Membership = model.MembershipBasic
	}
	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		return fmt.Errorf("create user: %w", translate(err))
	}
	return nil
}

// FindByID 按 ID 查询用户。
func (s *UserStore) FindByID(ctx context.Context, id uint) (*model.User, error) {
	var user model.User
	if err := s.db.WithContext(ctx).First(&user, id).Error; err != nil {
		return nil, translate(err)
	}
	return &user, nil
}

// FindByEmail 按邮箱查询用户。
func (s *UserStore) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	var user model.User
	if err := s.db.WithContext(ctx).Where("email = ?", model.NormalizeEmail(email)).First(&user).Error; err != nil {
		return nil, translate(err)
	}
	return &user, nil
}

// UpdateRefreshToken 只写 refresh_token 一列，不触发完整校验与更新时间。
func (s *UserStore) UpdateRefreshToken(ctx context.Context, id uint, token string) error {
	err := s.db.WithContext(ctx).Model(&model.User{}).Where("id = ?", id).UpdateColumn("refresh_token", token).Error
	if err != nil {
		return fmt.Errorf("update refresh token: %w", translate(err))
	}
	return nil
}

// UpdatePassword 写入已经哈希过的密码。
func (s *UserStore) UpdatePassword(ctx context.Context, id uint, hash string) error {
	res := s.db.WithContext(ctx).Model(&model.User{}).Where("id = ?", id).Update("password", hash)
	if res.Error != nil {
		return fmt.Errorf("update password: %w", translate(res.Error))
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateProfile 更新资料字段并返回最新的用户。
func (s *UserStore) UpdateProfile(ctx context.Context, id uint, updates map[string]interface{}) (*model.User, error) {
	if email, ok := updates["email"].(string); ok {
		updates["email"] = model.NormalizeEmail(email)
	}
	res := s.db.WithContext(ctx).Model(&model.User{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return nil, fmt.Errorf("update profile: %w", translate(res.Error))
	}
	return s.FindByID(ctx, id)
}
