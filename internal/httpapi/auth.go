package httpapi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"tokopos/backend/internal/domain"
	"tokopos/backend/internal/store"
	"tokopos/backend/internal/xid"
)

// AuthManager issues and validates session tokens for business accounts.
// Each business signs in with its name and a six-digit PIN; the resulting
// token carries the business ID so handlers never guess the tenant.
type AuthManager struct {
	secret   []byte
	tokenTTL time.Duration
	accounts store.AccountStore
}

type posCustomClaims struct {
	jwtlib.RegisteredClaims
	Business string `json:"business"`
	Role     string `json:"role"`
}

func NewAuthManager(secret string, tokenTTL time.Duration, accounts store.AccountStore) *AuthManager {
	if secret == "" {
		secret = "dev-change-me"
	}
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}

	return &AuthManager{
		secret:   []byte(secret),
		tokenTTL: tokenTTL,
		accounts: accounts,
	}
}

func (a *AuthManager) Login(ctx context.Context, req domain.LoginRequest) (domain.LoginResponse, error) {
	name := strings.ToLower(strings.TrimSpace(req.Business))
	if name == "" {
		return domain.LoginResponse{}, errors.New("invalid credentials")
	}

	account, err := a.accounts.GetBusinessByName(ctx, name)
	if err != nil {
		return domain.LoginResponse{}, errors.New("invalid credentials")
	}
	if !verifyPIN(account.PINHash, req.PIN) {
		return domain.LoginResponse{}, errors.New("invalid credentials")
	}
	if !account.Active {
		return domain.LoginResponse{}, errors.New("account is inactive")
	}

	expiresAt := time.Now().UTC().Add(a.tokenTTL)
	token, err := a.sign(account, expiresAt)
	if err != nil {
		return domain.LoginResponse{}, err
	}

	return domain.LoginResponse{
		AccessToken: token,
		BusinessID:  account.ID,
		Role:        account.Role,
		ExpiresAt:   expiresAt.Format(time.RFC3339),
	}, nil
}

// Register creates a new business account. The PIN is bcrypt-hashed before
// it ever reaches a store.
func (a *AuthManager) Register(ctx context.Context, name, pin string) (domain.BusinessAccount, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if len(name) < 3 {
		return domain.BusinessAccount{}, fmt.Errorf("business name must be at least 3 characters")
	}
	if strings.ContainsAny(name, " \t\r\n") {
		return domain.BusinessAccount{}, fmt.Errorf("business name must not contain spaces")
	}
	if err := ValidatePINStrength(pin); err != nil {
		return domain.BusinessAccount{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(strings.TrimSpace(pin)), bcrypt.DefaultCost)
	if err != nil {
		return domain.BusinessAccount{}, fmt.Errorf("failed to hash PIN")
	}

	account := domain.BusinessAccount{
		ID:        xid.New("biz"),
		Name:      name,
		PINHash:   string(hash),
		Role:      domain.RoleAdmin,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := a.accounts.CreateBusiness(ctx, account); err != nil {
		return domain.BusinessAccount{}, err
	}
	return account, nil
}

func (a *AuthManager) ParseToken(tokenStr string) (domain.Actor, error) {
	claims := &posCustomClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return domain.Actor{}, errors.New("invalid or expired token")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return domain.Actor{}, errors.New("invalid token subject")
	}
	return domain.Actor{BusinessID: sub, Business: claims.Business, Role: claims.Role}, nil
}

func (a *AuthManager) sign(account domain.BusinessAccount, expiresAt time.Time) (string, error) {
	claims := posCustomClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   account.ID,
			IssuedAt:  jwtlib.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
			Issuer:    "tokopos",
		},
		Business: account.Name,
		Role:     account.Role,
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// ValidatePINStrength rejects PINs that are not exactly six digits or that
// are trivially guessable (all one digit, ascending or descending runs).
func ValidatePINStrength(pin string) error {
	pin = strings.TrimSpace(pin)
	if len(pin) != 6 {
		return fmt.Errorf("PIN must be exactly 6 digits")
	}
	for _, r := range pin {
		if !unicode.IsDigit(r) {
			return fmt.Errorf("PIN must contain only digits")
		}
	}

	allSame, ascending, descending := true, true, true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
		}
		if pin[i] != pin[i-1]+1 {
			ascending = false
		}
		if pin[i] != pin[i-1]-1 {
			descending = false
		}
	}
	if allSame || ascending || descending {
		return fmt.Errorf("PIN is too predictable")
	}
	return nil
}

func verifyPIN(stored string, input string) bool {
	if stored == "" || strings.TrimSpace(input) == "" || !isPINHash(stored) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(strings.TrimSpace(input))) == nil
}

func isPINHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
