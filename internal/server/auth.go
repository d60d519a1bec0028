package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// TokenLifetime is how long a control-plane JWT stays valid.
const TokenLifetime = 24 * time.Hour

// Auth guards both route groups: JWTs on the control plane, the pre-shared
// tap token on the data plane.
type Auth struct {
	jwtSecret []byte
	tapToken  string
	adminUser string
	adminPass string
	now       func() time.Time
}

// NewAuth creates an Auth. now may be nil.
func NewAuth(jwtSecret, tapToken, adminUser, adminPass string, now func() time.Time) *Auth {
	if now == nil {
		now = time.Now
	}
	return &Auth{
		jwtSecret: []byte(jwtSecret),
		tapToken:  tapToken,
		adminUser: adminUser,
		adminPass: adminPass,
		now:       now,
	}
}

// Claims is the payload embedded in every JWT issued by /api/login.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// GenerateJWT creates a signed HS256 JWT valid for TokenLifetime.
func (a *Auth) GenerateJWT(username string) (string, error) {
	now := a.now()
	claims := Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "tapwatch",
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenLifetime)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.jwtSecret)
}

// parseJWT validates a token string and returns the claims.
func (a *Auth) parseJWT(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return a.jwtSecret, nil
	}, jwt.WithTimeFunc(a.now))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	return claims, nil
}

// checkCredentials compares in constant time. adminPass may be a bcrypt
// hash ("$2a$...", "$2b$...") instead of plain text.
func (a *Auth) checkCredentials(user, pass string) bool {
	u := subtle.ConstantTimeCompare([]byte(user), []byte(a.adminUser))
	if strings.HasPrefix(a.adminPass, "$2") {
		err := bcrypt.CompareHashAndPassword([]byte(a.adminPass), []byte(pass))
		return u == 1 && err == nil
	}
	p := subtle.ConstantTimeCompare([]byte(pass), []byte(a.adminPass))
	return u&p == 1
}

func bearer(c *gin.Context) (string, bool) {
	parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// JWTMiddleware validates "Authorization: Bearer <jwt>" on the control plane
// and stores the username in the Gin context as "username".
func (a *Auth) JWTMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := bearer(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid Authorization format, expected: Bearer <token>",
			})
			return
		}

		claims, err := a.parseJWT(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid or expired token",
			})
			return
		}

		c.Set("username", claims.Username)
		c.Next()
	}
}

// TapTokenMiddleware checks "Authorization: Bearer <tap_token>" on the data
// plane and rejects any mismatch with 401.
func (a *Auth) TapTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := bearer(c)
		if !ok || subtle.ConstantTimeCompare([]byte(raw), []byte(a.tapToken)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid or missing tap token",
			})
			return
		}
		c.Next()
	}
}
