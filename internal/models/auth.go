package models

import (
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// RoleAdmin may trigger a reinitialize.
const RoleAdmin = "admin"

// User is an operator account. Shelter queries are public; users exist
// only to guard the admin endpoints.
type User struct {
	bun.BaseModel `bun:"table:users"`
	ID            uuid.UUID  `bun:",pk,type:uuid,default:uuid_generate_v4()" json:"id"`
	Email         string     `bun:",unique,notnull" json:"email"`
	PasswordHash  string     `json:"-"`
	TokenVersion  int        `bun:"token_version,notnull,default:0" json:"token_version"`
	Roles         []string   `bun:"roles,type:text[],array" json:"roles"`
	Provider      string     `json:"provider"`
	Name          string     `json:"name"`
	CreatedAt     time.Time  `bun:",nullzero,notnull,default:current_timestamp" json:"created_at"`
	LastLoginAt   *time.Time `json:"last_login_at"`
}

func (u *User) HasRole(role string) bool {
	return slices.Contains(u.Roles, role)
}

type RefreshToken struct {
	bun.BaseModel `bun:"table:refresh_tokens"`
	ID            uuid.UUID `bun:",pk,type:uuid,default:uuid_generate_v4()" json:"id"`
	UserID        uuid.UUID `bun:"type:uuid,notnull" json:"user_id"`
	JTI           string    `bun:"jti,notnull" json:"jti"`
	TokenHash     string    `bun:",notnull" json:"-"`
	DeviceInfo    *string   `json:"device_info"`
	Revoked       bool      `bun:",notnull,default:false" json:"revoked"`
	CreatedAt     time.Time `bun:",nullzero,notnull,default:current_timestamp" json:"created_at"`
	ExpiresAt     time.Time `bun:",notnull" json:"expires_at"`
}
