package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// OperatorAuth admits requests carrying token as a bearer credential.
func OperatorAuth(token string) fiber.Handler {
	want := []byte(token)
	return func(c *fiber.Ctx) error {
		authz := c.Get(fiber.HeaderAuthorization)
		if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			return fiber.NewError(http.StatusUnauthorized, "missing bearer token")
		}
		got := []byte(strings.TrimSpace(authz[len("Bearer "):]))
		if len(want) == 0 || subtle.ConstantTimeCompare(got, want) != 1 {
			return fiber.NewError(http.StatusUnauthorized, "invalid token")
		}
		c.Locals("operator", true)
		return c.Next()
	}
}
