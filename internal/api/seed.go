package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"libraryhub/internal/model"
	"libraryhub/internal/pkg/validate"
	"libraryhub/internal/store"
)

// UserCreator 是创建初始账号所需的存储能力。
type UserCreator interface {
	FindByEmail(ctx context.Context, email string) (*model.User, error)
	Create(ctx context.Context, user *model.User) error
}

// EnsureUser 在邮箱不存在时创建账号，已存在则原样返回（不修改密码与角色）。
//
// 返回值 created 表示本次是否新建。
func EnsureUser(ctx context.Context, users UserCreator, email, password, fullName, role string) (user *model.User, created bool, err error) {
	email = model.NormalizeEmail(email)
	if !validate.IsEmail(email) {
		return nil, false, fmt.Errorf("invalid email %q", email)
	}
	if !model.ValidRole(role) {
		return nil, false, fmt.Errorf("invalid role %q", role)
	}

	existing, err := users.FindByEmail(ctx, email)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}

	if p := validate.PasswordProblem(password); p != "" {
		return nil, false, errors.New(p)
	}
	user = &model.User{
		Email:    email,
		FullName: fullName,
		Role:     role,
		IsActive: true,
	}
	if err := user.SetPassword(password); err != nil {
		return nil, false, fmt.Errorf("hash password: %w", err)
	}
	if err := users.Create(ctx, user); err != nil {
		return nil, false, err
	}
	return user, true, nil
}

// SeedAdmin 按配置创建初始管理员，未配置时跳过。
func (s *Server) SeedAdmin(ctx context.Context) error {
	email := s.cfg.Security.AdminEmail
	if email == "" || s.cfg.Security.AdminPassword == "" {
		return nil
	}
	user, created, err := EnsureUser(ctx, store.NewUserStore(s.db), email, s.cfg.Security.AdminPassword, "Administrator", model.RoleAdmin)
	if err != nil {
		return err
	}
	if created {
		s.logger.Info("admin account created", slog.String("email", user.Email))
	}
	return nil
}
