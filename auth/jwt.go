package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Claims carries the tenant scope every knowledge-base operation requires.
type Claims struct {
	UserID   string   `json:"user_id"`
	TenantID string   `json:"tenant_id"`
	Roles    []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

type JWTValidator struct {
	secret []byte
	// internalAPIKey, when set, lets trusted internal callers pass
	// X-API-Key plus X-Tenant-ID instead of a bearer token.
	internalAPIKey string
}

func NewJWTValidator(secret, internalAPIKey string) *JWTValidator {
	return &JWTValidator{secret: []byte(secret), internalAPIKey: internalAPIKey}
}

func (v *JWTValidator) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	if claims.TenantID == "" {
		return nil, fmt.Errorf("token missing tenant_id claim")
	}

	return claims, nil
}

// Middleware validates the bearer token and stores tenant_id and user_id
// on the gin context for the handlers.
func (v *JWTValidator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			if v.internalAPIKey != "" && c.GetHeader("X-API-Key") == v.internalAPIKey {
				tenant := c.GetHeader("X-Tenant-ID")
				if tenant == "" {
					c.JSON(http.StatusUnauthorized, gin.H{"error": "X-Tenant-ID header required with API key"})
					c.Abort()
					return
				}
				c.Set("tenant_id", tenant)
				c.Next()
				return
			}
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization header required"})
			c.Abort()
			return
		}

		tokenString := strings.TrimPrefix(header, "Bearer ")
		if tokenString == header {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization header must be a Bearer token"})
			c.Abort()
			return
		}

		claims, err := v.ValidateToken(tokenString)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token", "details": err.Error()})
			c.Abort()
			return
		}

		c.Set("tenant_id", claims.TenantID)
		c.Set("user_id", claims.UserID)
		c.Set("roles", claims.Roles)
		c.Next()
	}
}

// TenantID reads the tenant scope the middleware stored on the context.
func TenantID(c *gin.Context) (string, bool) {
	v, exists := c.Get("tenant_id")
	if !exists {
		return "", false
	}
	tenant, ok := v.(string)
	return tenant, ok && tenant != ""
}
