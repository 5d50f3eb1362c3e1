package api

import (
	"errors"
	"net/http"
	"strings"

	"libraryhub/internal/api/middleware"
	"libraryhub/internal/model"
	"libraryhub/internal/pkg/apperror"
	"libraryhub/internal/pkg/response"
	"libraryhub/internal/pkg/validate"
	"libraryhub/internal/store"

	"github.com/gin-gonic/gin"
)

type updateProfileRequest struct {
	FullName    *string `json:"fullName" binding:"omitempty,max=191"`
	Email       *string `json:"email"`
	PhoneNumber *string `json:"phoneNumber" binding:"omitempty,max=32"`
	Gender      *string `json:"gender" binding:"omitempty,oneof=male female"`
}

// handleMe 返回当前登录用户。
func (s *Server) handleMe(c *gin.Context) {
	id, ok := middleware.IdentityFrom(c.Request.Context())
	if !ok {
		_ = c.Error(apperror.Unauthorized("Unauthorized request"))
		return
	}
	user, err := s.users.FindByID(c.Request.Context(), id.UserID)
	if err != nil {
		_ = c.Error(userLookupError(err))
		return
	}
	response.JSON(c, http.StatusOK, "User retrieved successfully", user)
}

// handleUpdateProfile 更新当前用户的姓名、邮箱、手机号与性别。
func (s *Server) handleUpdateProfile(c *gin.Context) {
	ctx := c.Request.Context()
	id, ok := middleware.IdentityFrom(ctx)
	if !ok {
		_ = c.Error(apperror.Unauthorized("Unauthorized request"))
		return
	}

	var req updateProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(validate.FromBinding(err))
		return
	}

	updates := map[string]interface{}{}
	if req.FullName != nil {
		name := strings.TrimSpace(*req.FullName)
		if name == "" {
			_ = c.Error(apperror.BadRequest("Full name cannot be empty"))
			return
		}
		updates["full_name"] = name
	}
	if req.Email != nil {
		email := model.NormalizeEmail(*req.Email)
		if !validate.IsEmail(email) {
			_ = c.Error(apperror.BadRequest("Invalid email address"))
			return
		}
		owner, err := s.users.FindByEmail(ctx, email)
		switch {
		case err == nil && owner.ID != id.UserID:
			_ = c.Error(apperror.Conflict("Email is already in use"))
			return
		case err != nil && !errors.Is(err, store.ErrNotFound):
			_ = c.Error(apperror.Internal(err, ""))
			return
		}
		updates["email"] = email
	}
	if req.PhoneNumber != nil {
		updates["phone_number"] = strings.TrimSpace(*req.PhoneNumber)
	}
	if req.Gender != nil {
		updates["gender"] = *req.Gender
	}

	var (
		user *model.User
		err  error
	)
	if len(updates) == 0 {
		user, err = s.users.FindByID(ctx, id.UserID)
	} else {
		user, err = s.users.UpdateProfile(ctx, id.UserID, updates)
	}
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			_ = c.Error(apperror.Wrap(err, http.StatusConflict, "Email is already in use"))
			return
		}
		_ = c.Error(userLookupError(err))
		return
	}
	response.JSON(c, http.StatusOK, "User profile updated successfully", user)
}

func userLookupError(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperror.Wrap(err, http.StatusNotFound, "User not found")
	}
	return apperror.Internal(err, "")
}
