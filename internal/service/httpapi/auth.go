package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/vladislavdragonenkov/checkout/internal/service/orders"
)

// RoleAdmin — роль администратора в токене внешнего сервиса аутентификации.
const RoleAdmin = "admin"

const callerKey = "checkout.caller"

// Claims — полезная нагрузка токена: sub — id пользователя, role — роль.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator проверяет HS256-токены, выданные внешним сервисом аутентификации.
type Authenticator struct {
	secret []byte
	issuer string
}

// NewAuthenticator создаёт проверку токенов. Пустой issuer не проверяется.
func NewAuthenticator(secret, issuer string) *Authenticator {
	return &Authenticator{secret: []byte(secret), issuer: issuer}
}

// Parse проверяет подпись и срок действия токена и возвращает вызывающего.
func (a *Authenticator) Parse(raw string) (orders.Caller, error) {
	if len(a.secret) == 0 {
		return orders.Caller{}, errors.New("jwt secret is not configured")
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return orders.Caller{}, err
	}
	if claims.Subject == "" {
		return orders.Caller{}, errors.New("token has no subject")
	}
	return orders.Caller{UserID: claims.Subject, Admin: claims.Role == RoleAdmin}, nil
}

// Issue подписывает токен. Используется в тестах и локальных утилитах.
func (a *Authenticator) Issue(userID, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Middleware требует заголовок Authorization: Bearer <token>.
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			abortWithCode(c, http.StatusUnauthorized, CodeUnauthenticated, "bearer token is required")
			return
		}
		caller, err := a.Parse(strings.TrimSpace(raw))
		if err != nil {
			abortWithCode(c, http.StatusUnauthorized, CodeUnauthenticated, "invalid token")
			return
		}
		c.Set(callerKey, caller)
		c.Next()
	}
}

// RequireAdmin пропускает только администраторов.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !callerFrom(c).Admin {
			abortWithCode(c, http.StatusForbidden, CodeNotAuthorized, "administrator role is required")
			return
		}
		c.Next()
	}
}

func callerFrom(c *gin.Context) orders.Caller {
	v, ok := c.Get(callerKey)
	if !ok {
		return orders.Caller{}
	}
	caller, _ := v.(orders.Caller)
	return caller
}
