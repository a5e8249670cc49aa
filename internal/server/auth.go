package server

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"agrolink/internal/models"
	"agrolink/internal/observability"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

// IssueToken signs an HS256 bearer token whose subject is the user id.
func IssueToken(secret string, userID uint, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatUint(uint64(userID), 10),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// parseToken validates tokenString and returns the user id from its subject.
func parseToken(secret, tokenString string) (uint, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return 0, models.NewUnauthorizedError("Invalid or expired token")
	}

	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return 0, models.NewUnauthorizedError("Invalid token structure - missing subject")
	}

	userID, err := strconv.ParseUint(sub, 10, 32)
	if err != nil || userID == 0 {
		return 0, models.NewUnauthorizedError("Invalid user ID in token")
	}
	return uint(userID), nil
}

// bearerToken extracts the token from "Authorization: Bearer <token>". Socket
// clients that cannot set headers pass it as ?token=.
func bearerToken(c *fiber.Ctx, allowQuery bool) (string, error) {
	if allowQuery {
		if token := c.Query("token"); token != "" {
			return token, nil
		}
	}

	authHeader := c.Get(fiber.HeaderAuthorization)
	if authHeader == "" {
		return "", models.NewUnauthorizedError("Authorization header required")
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", models.NewUnauthorizedError("Invalid authorization header format")
	}
	return parts[1], nil
}

// AuthRequired enforces a valid bearer token and stores the user id in
// Locals("userID") and the request context.
func (s *Server) AuthRequired() fiber.Handler {
	return s.auth(false)
}

// WebSocketAuthRequired is AuthRequired that also accepts ?token=.
func (s *Server) WebSocketAuthRequired() fiber.Handler {
	return s.auth(true)
}

func (s *Server) auth(allowQuery bool) fiber.Handler {
	return func(c *fiber.Ctx) error {
		tokenString, err := bearerToken(c, allowQuery)
		if err != nil {
			return models.RespondWithError(c, fiber.StatusUnauthorized, err)
		}
		userID, err := parseToken(s.config.JWTSecret, tokenString)
		if err != nil {
			return models.RespondWithError(c, fiber.StatusUnauthorized, err)
		}

		c.Locals("userID", userID)
		c.SetUserContext(observability.WithUserID(c.UserContext(), userID))
		return c.Next()
	}
}

func currentUserID(c *fiber.Ctx) uint {
	id, _ := c.Locals("userID").(uint)
	return id
}
