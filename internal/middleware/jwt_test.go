package middleware_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/clientsync-realtime/internal/middleware"
)

const testSecret = "test-secret"

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

func principalApp() *fiber.App {
	app := fiber.New()
	app.Get("/", middleware.JWTProtected(testSecret), func(c *fiber.Ctx) error {
		principal, ok := middleware.PrincipalFromContext(c)
		if !ok {
			return c.SendStatus(fiber.StatusTeapot)
		}
		return c.JSON(principal)
	})
	return app
}

func TestJWTProtectedBindsStringPrincipal(t *testing.T) {
	token := signToken(t, jwt.MapClaims{"sub": "user-42", "name": "Alice", "email": "alice@example.com", "role": "Admin"})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := principalApp().Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var body struct {
		ID          string `json:"id"`
		DisplayName string `json:"displayName"`
		Email       string `json:"email"`
		Role        string `json:"role"`
	}
	decodeBody(t, resp, &body)
	require.Equal(t, "user-42", body.ID)
	require.Equal(t, "Alice", body.DisplayName)
	require.Equal(t, "alice@example.com", body.Email)
	require.Equal(t, "admin", body.Role)
}

func TestJWTProtectedAcceptsNumericSubjectAndQueryToken(t *testing.T) {
	token := signToken(t, jwt.MapClaims{"user_id": float64(7)})

	req := httptest.NewRequest(http.MethodGet, "/?token="+token, nil)
	resp, err := principalApp().Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var body struct {
		ID string `json:"id"`
	}
	decodeBody(t, resp, &body)
	require.Equal(t, "7", body.ID)
}

func TestJWTProtectedRejectsInvalidTokens(t *testing.T) {
	foreign, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "u1"}).SignedString([]byte("other"))
	require.NoError(t, err)

	cases := map[string]string{
		"missing":    "",
		"scheme":     "Basic abc",
		"signature":  "Bearer " + foreign,
		"no subject": "Bearer " + signToken(t, jwt.MapClaims{"name": "nobody"}),
	}

	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			resp, err := principalApp().Test(req, -1)
			require.NoError(t, err)
			require.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
		})
	}
}

func decodeBody(t *testing.T, resp *http.Response, target interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(target))
}
