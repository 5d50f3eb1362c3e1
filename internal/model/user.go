package model

import (
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// 用户角色。
const (
	RoleMember    = "member"
	RoleLibrarian = "librarian"
	RoleAdmin     = "admin"
)

// 会员等级。
const (
	MembershipBasic   = "basic"
	MembershipPremium = "premium"
)

// PasswordCost 是密码与 OTP 哈希使用的 bcrypt 代价。
const PasswordCost = 10

// User 表示系统用户。
type User struct {
	ID           uint      `gorm:"primaryKey" json:"id"`                                       // 用户 ID
	Email        string    `gorm:"type:varchar(191);uniqueIndex;not null" json:"email"`        // 邮箱（唯一，小写）
	FullName     string    `gorm:"type:varchar(191);not null" json:"fullName"`                 // 姓名
	Password     string    `gorm:"not null" json:"-"`                                          // bcrypt 哈希
	PhoneNumber  string    `gorm:"type:varchar(32)" json:"phoneNumber,omitempty"`              // 手机号
	Gender       string    `gorm:"type:varchar(16)" json:"gender,omitempty"`                   // male / female
	Avatar       string    `gorm:"type:varchar(512)" json:"avatar,omitempty"`                  // 头像 URL
	Role         string    `gorm:"type:varchar(16);default:member;not null" json:"role"`       // member / librarian / admin
	Membership   string    `gorm:"type:varchar(16);default:basic;not null" json:"membership"`  // basic / premium
	IsActive     bool      `gorm:"default:true;not null" json:"isActive"`                      // 是否启用
	RefreshToken string    `gorm:"type:varchar(512)" json:"-"`                                 // 最近一次签发的 refresh token
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// SetPassword 哈希并写入新密码。所有修改密码的写路径都必须调用它。
func (u *User) SetPassword(plain string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), PasswordCost)
	if err != nil {
		return err
	}
	u.Password = string(hash)
	return nil
}

// CheckPassword 校验明文密码是否匹配。
func (u *User) CheckPassword(plain string) bool {
	if u.Password == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(plain)) == nil
}

// NormalizeEmail 统一邮箱格式（去空格、小写）。
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidRole 判断角色是否合法。
func ValidRole(role string) bool {
	switch role {
	case RoleMember, RoleLibrarian, RoleAdmin:
		return true
	}
	return false
}
