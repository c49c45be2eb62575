package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"shelter-api/internal/auth"
	"shelter-api/internal/config"
	model "shelter-api/internal/models"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// maxSessions caps live refresh tokens per operator.
const maxSessions = 2

type AuthService struct {
	db   *bun.DB
	jwt  *auth.JWTManager
	cfg  *config.Config
	logr *zap.Logger
}

func NewAuthService(db *bun.DB, jwt *auth.JWTManager, cfg *config.Config, logr *zap.Logger) *AuthService {
	return &AuthService{db: db, jwt: jwt, cfg: cfg, logr: logr}
}

// HashPassword uses bcrypt
func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(b), err
}

func ComparePassword(hash, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

type UserInfo struct {
	ID       string   `json:"id"`
	Email    string   `json:"email"`
	Name     string   `json:"name"`
	Provider string   `json:"provider"`
	Roles    []string `json:"roles"`
}

func userInfo(u *model.User, provider string) *UserInfo {
	return &UserInfo{ID: u.ID.String(), Email: u.Email, Name: u.Name, Provider: provider, Roles: u.Roles}
}

// EnsureLocalAdmin creates a local operator with the admin role, or resets
// the password and role of an existing one. Used to bootstrap the first
// account.
func (s *AuthService) EnsureLocalAdmin(ctx context.Context, email, password string) error {
	hash, err := HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	u := model.User{
		Email:        email,
		PasswordHash: hash,
		Provider:     "local",
		Name:         email,
		Roles:        []string{model.RoleAdmin},
	}
	_, err = s.db.NewInsert().Model(&u).
		On("CONFLICT (email) DO UPDATE").
		Set("password_hash = EXCLUDED.password_hash").
		Set("roles = EXCLUDED.roles").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("upsert admin %s: %w", email, err)
	}
	s.logr.Info("local admin ensured", zap.String("email", email))
	return nil
}

// LoginLocal checks a bcrypt password and issues a token pair.
func (s *AuthService) LoginLocal(ctx context.Context, email, password, deviceInfo string) (*auth.TokenPair, *UserInfo, error) {
	var u model.User
	err := s.db.NewSelect().Model(&u).Where("email = ?", email).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, ErrInvalidCredentials
		}
		return nil, nil, err
	}
	if u.PasswordHash == "" {
		return nil, nil, fmt.Errorf("account not configured for local login")
	}
	if err := ComparePassword(u.PasswordHash, password); err != nil {
		return nil, nil, ErrInvalidCredentials
	}

	s.touchLastLogin(ctx, u.ID)

	pair, err := s.issue(ctx, &u, "local", deviceInfo)
	if err != nil {
		return nil, nil, err
	}
	return pair, userInfo(&u, "local"), nil
}

// ldapBindName turns a login name into the user principal the directory
// expects: "jane" or "jane@corp" both become "jane@CORP" when the domain
// is "CORP". With no domain configured the name is used as typed.
func ldapBindName(username, domain string) (account, bind string) {
	account = strings.TrimSpace(username)
	if domain == "" {
		return account, account
	}
	if i := strings.LastIndex(account, "@"); i >= 0 && strings.EqualFold(account[i+1:], domain) {
		account = account[:i]
	}
	return account, account + "@" + domain
}

// displayName picks the best human name an LDAP entry offers.
func displayName(entry *ldap.Entry, fallback string) string {
	for _, attr := range []string{"displayName", "cn"} {
		if v := strings.TrimSpace(entry.GetAttributeValue(attr)); v != "" {
			return v
		}
	}
	given := entry.GetAttributeValue("givenName")
	sn := entry.GetAttributeValue("sn")
	if full := strings.TrimSpace(given + " " + sn); full != "" {
		return full
	}
	return fallback
}

// LoginLDAP binds as the user to authenticate, looks up the mail address
// and provisions a local user row on first login. Directory users get no
// roles until an admin grants them.
func (s *AuthService) LoginLDAP(ctx context.Context, ldapUser, ldapPass, deviceInfo string) (*auth.TokenPair, *UserInfo, error) {
	if ldapPass == "" {
		return nil, nil, ErrInvalidCredentials
	}
	account, bindName := ldapBindName(ldapUser, s.cfg.LDAPUserDomain)

	l, err := ldap.DialURL(s.cfg.LDAPServer, ldap.DialWithDialer(&net.Dialer{Timeout: 10 * time.Second}))
	if err != nil {
		s.logr.Error("LDAP dial failed", zap.Error(err), zap.String("server", s.cfg.LDAPServer))
		return nil, nil, fmt.Errorf("ldap connection failed")
	}
	defer func() {
		if closeErr := l.Close(); closeErr != nil {
			s.logr.Debug("LDAP close error", zap.Error(closeErr))
		}
	}()
	l.SetTimeout(30 * time.Second)

	if err = l.Bind(bindName, ldapPass); err != nil {
		s.logr.Warn("LDAP bind failed", zap.String("username", account))
		return nil, nil, ErrInvalidCredentials
	}

	searchReq := ldap.NewSearchRequest(
		s.cfg.LDAPBaseDN,
		ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases,
		1,
		0,
		false,
		fmt.Sprintf("(|(sAMAccountName=%[1]s)(uid=%[1]s))", ldap.EscapeFilter(account)),
		[]string{"cn", "givenName", "sn", "mail", "displayName"},
		nil,
	)
	sr, err := l.Search(searchReq)
	if err != nil {
		s.logr.Error("LDAP search failed", zap.Error(err), zap.String("username", account))
		return nil, nil, fmt.Errorf("user lookup failed")
	}
	if len(sr.Entries) == 0 {
		s.logr.Warn("LDAP: no entry found", zap.String("username", account))
		return nil, nil, fmt.Errorf("user not found in directory")
	}

	entry := sr.Entries[0]
	mail := entry.GetAttributeValue("mail")
	if mail == "" {
		s.logr.Error("LDAP user missing email", zap.String("username", account))
		return nil, nil, fmt.Errorf("user account missing email")
	}
	name := displayName(entry, account)

	u, err := s.provisionLDAPUser(ctx, mail, name)
	if err != nil {
		return nil, nil, err
	}
	s.touchLastLogin(ctx, u.ID)

	pair, err := s.issue(ctx, u, "ldap", deviceInfo)
	if err != nil {
		return nil, nil, err
	}
	s.logr.Info("LDAP login successful",
		zap.String("user_id", u.ID.String()),
		zap.String("email", mail))
	return pair, userInfo(u, "ldap"), nil
}

func (s *AuthService) provisionLDAPUser(ctx context.Context, mail, name string) (*model.User, error) {
	var u model.User
	err := s.db.NewSelect().Model(&u).Where("email = ?", mail).Scan(ctx)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		u = model.User{Email: mail, Provider: "ldap", Name: name, Roles: []string{}}
		if _, err := s.db.NewInsert().Model(&u).Returning("id, token_version").Exec(ctx); err != nil {
			s.logr.Error("failed to create user", zap.Error(err), zap.String("email", mail))
			return nil, fmt.Errorf("failed to create user account")
		}
		s.logr.Info("created LDAP user", zap.String("email", mail), zap.String("id", u.ID.String()))
	case err != nil:
		s.logr.Error("database error", zap.Error(err), zap.String("email", mail))
		return nil, fmt.Errorf("database error")
	case u.Provider != "ldap":
		_, _ = s.db.NewUpdate().Model(&u).Set("provider = ?", "ldap").WherePK().Exec(ctx)
	}
	return &u, nil
}

func (s *AuthService) touchLastLogin(ctx context.Context, id uuid.UUID) {
	_, err := s.db.NewUpdate().Model((*model.User)(nil)).
		Set("last_login_at = ?", time.Now().UTC()).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		s.logr.Warn("failed to update last login", zap.Error(err), zap.String("user_id", id.String()))
	}
}

func (s *AuthService) issue(ctx context.Context, u *model.User, method, deviceInfo string) (*auth.TokenPair, error) {
	pair, err := s.jwt.GenerateTokenPair(u.ID.String(), s.cfg.AccessTokenTTL, s.cfg.RefreshTokenTTL, u.TokenVersion, method, u.Roles)
	if err != nil {
		s.logr.Error("token generation failed", zap.Error(err), zap.String("user_id", u.ID.String()))
		return nil, fmt.Errorf("failed to generate tokens")
	}
	if err := s.storeRefreshToken(ctx, u.ID, pair.RefreshToken, pair.RefreshExp, pair.JTI, deviceInfo); err != nil {
		s.logr.Error("failed to store refresh token", zap.Error(err), zap.String("user_id", u.ID.String()))
		return nil, fmt.Errorf("failed to store session")
	}
	return pair, nil
}

// storeRefreshToken stores the refresh token hashed and keeps at most
// maxSessions live sessions per user, evicting the oldest.
func (s *AuthService) storeRefreshToken(ctx context.Context, userID uuid.UUID, refreshToken string, expiresAt time.Time, jti, deviceInfo string) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().Model((*model.RefreshToken)(nil)).
			Where("user_id = ? AND expires_at < now()", userID).
			Exec(ctx); err != nil {
			return fmt.Errorf("cleanup expired tokens: %w", err)
		}

		live := tx.NewSelect().Model((*model.RefreshToken)(nil)).
			Column("id").
			Where("user_id = ? AND revoked = false", userID).
			Order("created_at DESC").
			Offset(maxSessions - 1)
		if _, err := tx.NewDelete().Model((*model.RefreshToken)(nil)).
			Where("id IN (?)", live).
			Exec(ctx); err != nil {
			return fmt.Errorf("evict old sessions: %w", err)
		}

		rt := model.RefreshToken{
			UserID:     userID,
			JTI:        jti,
			TokenHash:  auth.HashToken(refreshToken),
			DeviceInfo: &deviceInfo,
			ExpiresAt:  expiresAt,
		}
		_, err := tx.NewInsert().Model(&rt).Exec(ctx)
		return err
	})
}

// Refresh verifies a refresh token, revokes it and issues a new pair.
func (s *AuthService) Refresh(ctx context.Context, refreshToken, deviceInfo string) (*auth.TokenPair, error) {
	claims, err := s.jwt.VerifyToken(refreshToken)
	if err != nil {
		return nil, fmt.Errorf("invalid refresh token: %w", err)
	}
	if claims.Kind != auth.RefreshToken {
		return nil, fmt.Errorf("not a refresh token")
	}

	var rt model.RefreshToken
	err = s.db.NewSelect().Model(&rt).
		Where("jti = ? AND token_hash = ? AND revoked = false AND expires_at > now()", claims.JTI, auth.HashToken(refreshToken)).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("refresh token not found or revoked")
	}

	var u model.User
	if err := s.db.NewSelect().Model(&u).Where("id = ?", rt.UserID).Scan(ctx); err != nil {
		return nil, fmt.Errorf("user not found")
	}
	if u.TokenVersion != claims.Version {
		return nil, fmt.Errorf("refresh token revoked")
	}

	if _, err := s.db.NewUpdate().Model((*model.RefreshToken)(nil)).
		Set("revoked = true").
		Where("id = ?", rt.ID).
		Exec(ctx); err != nil {
		return nil, fmt.Errorf("revoke refresh token: %w", err)
	}

	return s.issue(ctx, &u, "refresh", deviceInfo)
}

// Logout revokes the refresh token's session.
func (s *AuthService) Logout(ctx context.Context, refreshToken string) error {
	claims, err := s.jwt.VerifyToken(refreshToken)
	if err != nil {
		return err
	}
	if claims.JTI == "" {
		return fmt.Errorf("invalid jti")
	}
	_, err = s.db.NewUpdate().Model((*model.RefreshToken)(nil)).
		Set("revoked = true").
		Where("jti = ?", claims.JTI).
		Exec(ctx)
	return err
}

// CheckTokenVersion reports whether tokenVersion is still current for the
// user. Bumping users.token_version revokes every outstanding token.
func (s *AuthService) CheckTokenVersion(ctx context.Context, userID string, tokenVersion int) (bool, error) {
	id, err := uuid.Parse(userID)
	if err != nil {
		return false, nil
	}
	var version int
	err = s.db.NewSelect().Model((*model.User)(nil)).
		Column("token_version").
		Where("id = ?", id).
		Scan(ctx, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return version == tokenVersion, nil
}
