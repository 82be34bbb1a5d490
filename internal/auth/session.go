package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const sessionContextKey = "auth.session"

// Session is the authenticated identity resolved from a bearer token. It is
// passed into every tool executor as an explicit capability so side-effecting
// tools can re-validate it at execution time, not only at request entry.
type Session struct {
	UserID    string
	Email     string
	ExpiresAt time.Time
}

// Valid reports whether the session identifies a user and has not expired.
func (s Session) Valid() bool {
	return s.UserID != "" && time.Now().Before(s.ExpiresAt)
}

// Claims is the JWT claim set issued by the external auth flow.
type Claims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// Guard validates HS256 session tokens.
type Guard struct {
	secret []byte
}

func NewGuard(secret string) (*Guard, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("auth: signing secret must not be empty")
	}
	return &Guard{secret: []byte(secret)}, nil
}

// Parse validates the token signature and expiry and returns the session.
func (g *Guard) Parse(tokenStr string) (Session, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{},
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return g.secret, nil
		})
	if err != nil {
		return Session{}, fmt.Errorf("auth: parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return Session{}, errors.New("auth: invalid token")
	}

	expiresAt := time.Time{}
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}
	return Session{
		UserID:    claims.UserID,
		Email:     claims.Email,
		ExpiresAt: expiresAt,
	}, nil
}

// Sign issues a token for the given session. Session issuance is owned by the
// external auth service; this exists for tests and local development.
func (g *Guard) Sign(s Session) (string, error) {
	claims := &Claims{
		UserID: s.UserID,
		Email:  s.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(s.ExpiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.secret)
}

// Middleware rejects requests without a valid bearer token and stores the
// resolved session in the request context.
func (g *Guard) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "malformed authorization header"})
			return
		}
		sess, err := g.Parse(strings.TrimSpace(parts[1]))
		if err != nil || !sess.Valid() {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired session"})
			return
		}
		c.Set(sessionContextKey, sess)
		c.Next()
	}
}

// SessionFrom returns the session stored by Middleware.
func SessionFrom(c *gin.Context) (Session, bool) {
	v, ok := c.Get(sessionContextKey)
	if !ok {
		return Session{}, false
	}
	sess, ok := v.(Session)
	return sess, ok
}
