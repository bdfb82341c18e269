package middleware

import (
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"

	"github.com/lekesiz/BDC-sub001/internal/config"

	"github.com/gofiber/fiber/v3"
	"github.com/golang-jwt/jwt/v5"
)

const (
	userIDKey = "identity.userId"
	rolesKey  = "identity.roles"
)

// Claims mirrors the token minted by the platform auth service.
type Claims struct {
	jwt.RegisteredClaims
	Id          string   `json:"id"`
	Username    string   `json:"username"`
	Email       string   `json:"email"`
	Permissions []string `json:"permissions"`
}

// Identity resolves the caller from the gateway-verified X-User-ID /
// X-User-Roles headers, falling back to a Bearer token when the request
// bypassed the gateway. The resolved identity is stored in locals for
// the handlers and role guards downstream.
func Identity() fiber.Handler {
	return func(c fiber.Ctx) error {
		userID := c.Get("X-User-ID")
		roles := c.Get("X-User-Roles")

		if userID == "" {
			claims, err := verifyBearer(c)
			if err != nil {
				log.Printf("Identity rejected for %s %s: %v", c.Method(), c.OriginalURL(), err)
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
					"error": "Unauthorized",
				})
			}
			userID = claims.Id
			roles = strings.Join(claims.Permissions, ",")
		}

		c.Locals(userIDKey, userID)
		c.Locals(rolesKey, roles)
		return c.Next()
	}
}

// RequireRole admits callers holding any of the listed roles. Admin and
// manager roles pass every guard.
func RequireRole(required ...string) fiber.Handler {
	return func(c fiber.Ctx) error {
		hasRole := false
		for _, role := range Roles(c) {
			if slices.Contains(required, role) || strings.HasPrefix(role, AdminRole) || strings.HasPrefix(role, ManagerRole) {
				hasRole = true
				break
			}
		}

		if !hasRole {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Unauthorized",
			})
		}
		return c.Next()
	}
}

// UserID returns the caller id stored by Identity, empty when unset.
func UserID(c fiber.Ctx) string {
	id, _ := c.Locals(userIDKey).(string)
	return id
}

// Roles returns the caller's roles stored by Identity.
func Roles(c fiber.Ctx) []string {
	joined, _ := c.Locals(rolesKey).(string)
	if joined == "" {
		return nil
	}
	return strings.Split(joined, ",")
}

func verifyBearer(c fiber.Ctx) (*Claims, error) {
	authHeader := c.Get("Authorization")
	if authHeader == "" {
		return nil, errors.New("no identity headers and no authorization token")
	}

	tokenString := authHeader
	if strings.HasPrefix(authHeader, "Bearer ") {
		tokenString = authHeader[7:]
	}

	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return []byte(config.ServiceConfig.JWT.Secret), nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}

	return claims, nil
}
