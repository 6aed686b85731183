package middleware

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/noah-isme/clientsync-realtime/internal/models"
	"github.com/noah-isme/clientsync-realtime/internal/utils"
)

const principalKey = "principal"

// JWTProtected returns a middleware that validates JWT bearer tokens and binds the caller principal.
// Browsers cannot set headers on a websocket upgrade, so a token query parameter is accepted as well.
func JWTProtected(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		tokenString, err := bearerToken(c)
		if err != nil {
			return utils.SendError(c, fiber.StatusUnauthorized, err.Error())
		}

		token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method")
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			return utils.SendError(c, fiber.StatusUnauthorized, "invalid token")
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			return utils.SendError(c, fiber.StatusUnauthorized, "invalid token claims")
		}

		principal, ok := principalFromClaims(claims)
		if !ok {
			return utils.SendError(c, fiber.StatusUnauthorized, "token subject missing")
		}

		c.Locals(principalKey, principal)
		c.Locals("user_id", principal.ID)
		if principal.Role != "" {
			c.Locals("user_role", principal.Role)
		}

		return c.Next()
	}
}

// PrincipalFromContext returns the authenticated principal bound by JWTProtected.
func PrincipalFromContext(c *fiber.Ctx) (models.Principal, bool) {
	if c == nil {
		return models.Principal{}, false
	}
	principal, ok := c.Locals(principalKey).(models.Principal)
	if !ok || principal.ID == "" {
		return models.Principal{}, false
	}
	return principal, true
}

// WithPrincipal binds a principal to the request; used by tests and trusted upstream auth.
func WithPrincipal(c *fiber.Ctx, principal models.Principal) {
	c.Locals(principalKey, principal)
	c.Locals("user_id", principal.ID)
	if principal.Role != "" {
		c.Locals("user_role", principal.Role)
	}
}

func bearerToken(c *fiber.Ctx) (string, error) {
	authorization := c.Get("Authorization")
	if authorization == "" {
		if token := strings.TrimSpace(c.Query("token")); token != "" {
			return token, nil
		}
		return "", fmt.Errorf("authorization header missing")
	}

	const bearer = "Bearer "
	if !strings.HasPrefix(strings.ToLower(authorization), strings.ToLower(bearer)) {
		return "", fmt.Errorf("invalid authorization header")
	}

	tokenString := strings.TrimSpace(authorization[len(bearer):])
	if tokenString == "" {
		return "", fmt.Errorf("invalid token")
	}
	return tokenString, nil
}

func principalFromClaims(claims jwt.MapClaims) (models.Principal, bool) {
	id := extractUserIDFromClaims(claims)
	if id == "" {
		return models.Principal{}, false
	}
	return models.Principal{
		ID:          id,
		DisplayName: firstStringClaim(claims, "display_name", "name"),
		Email:       firstStringClaim(claims, "email"),
		Role:        extractUserRoleFromClaims(claims),
	}, true
}

func extractUserIDFromClaims(claims jwt.MapClaims) string {
	for _, key := range []string{"sub", "user_id", "id"} {
		if value, ok := claims[key]; ok {
			if normalized := normalizeUserID(value); normalized != "" {
				return normalized
			}
		}
	}
	return ""
}

func normalizeUserID(value interface{}) string {
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		if v < 0 {
			return ""
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		if v < 0 {
			return ""
		}
		return strconv.Itoa(v)
	default:
		return ""
	}
}

func firstStringClaim(claims jwt.MapClaims, keys ...string) string {
	for _, key := range keys {
		if value, ok := claims[key].(string); ok {
			if trimmed := strings.TrimSpace(value); trimmed != "" {
				return trimmed
			}
		}
	}
	return ""
}

func extractUserRoleFromClaims(claims jwt.MapClaims) string {
	for _, key := range []string{"role", "roles"} {
		if value, ok := claims[key]; ok {
			if role := normalizeRole(value); role != "" {
				return role
			}
		}
	}
	return ""
}

func normalizeRole(value interface{}) string {
	switch v := value.(type) {
	case string:
		return strings.ToLower(strings.TrimSpace(v))
	case []interface{}:
		for _, item := range v {
			if str, ok := item.(string); ok {
				if role := strings.ToLower(strings.TrimSpace(str)); role != "" {
					return role
				}
			}
		}
	}
	return ""
}
