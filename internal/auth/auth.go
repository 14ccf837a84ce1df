package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MiquelDW/chat-webapp/internal/config"
	"github.com/MiquelDW/chat-webapp/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Claims 是身份服务签发的访问令牌，Subject 为用户 ID。
type Claims struct {
	jwt.RegisteredClaims
}

func (c *Claims) UserID() string { return c.Subject }

// GenerateAccessToken 签发 HS256 令牌，供本地开发和测试使用。
func GenerateAccessToken(userID, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func ParseAccessToken(tokenStr, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid && claims.Subject != "" {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}

// BearerToken 从 Authorization 头或 token 查询参数中取出令牌，后者用于浏览器 websocket。
func BearerToken(r *http.Request) string {
	authz := r.Header.Get("Authorization")
	if len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") {
		return strings.TrimSpace(authz[7:])
	}
	return r.URL.Query().Get("token")
}

// Users 查询已同步的用户。
type Users interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
}

// Authenticate 校验令牌并确认用户已从身份服务同步。
func Authenticate(r *http.Request, secret string, users Users) (string, error) {
	token := BearerToken(r)
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	claims, err := ParseAccessToken(token, secret)
	if err != nil {
		return "", errors.New("invalid token")
	}
	if _, err := users.GetUser(r.Context(), claims.UserID()); err != nil {
		return "", errors.New("user not found")
	}
	return claims.UserID(), nil
}

func AuthMiddleware(cfg config.Config, users Users) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := Authenticate(c.Request, cfg.JWTSecret, users)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set("userID", userID)
		c.Next()
	}
}

func GetUserID(c *gin.Context) string {
	if v, ok := c.Get("userID"); ok {
		if id, ok2 := v.(string); ok2 {
			return id
		}
	}
	return ""
}

// Sign 计算 body 的 webhook 签名，格式为 sha256=<hex>。
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature 以常量时间比较 webhook 签名。
func VerifySignature(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}
