package middleware

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"intake_server/core/domain"
	"intake_server/pkg/apperr"
	"intake_server/pkg/logger"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

// Locals keys set by the middleware in this package.
const (
	LocalRequestID  = "request_id"
	LocalUserID     = "user_id"
	LocalGlobalRole = "global_role"
)

// Claims is the token payload. Role carries the global role; anything
// other than super_user is treated as a regular user.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

var errMissingSecret = errors.New("JWT secret not configured")

// JWTAuth validates HS256 bearer tokens and stores the caller's id and
// global role in the request locals.
func JWTAuth(secret string) fiber.Handler {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(time.Minute),
	)

	return func(c *fiber.Ctx) error {
		if c.Method() == fiber.MethodOptions {
			return c.Next()
		}

		tokenString := bearerToken(c.Get(fiber.HeaderAuthorization))
		if tokenString == "" {
			return apperr.Unauthorized("missing authorization")
		}

		claims := &Claims{}
		token, err := parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
			if secret == "" {
				return nil, errMissingSecret
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			logger.WithField(LocalRequestID, c.Locals(LocalRequestID)).WithError(err).Warn("[Auth] JWT validation failed")
			if errors.Is(err, jwt.ErrTokenExpired) {
				return apperr.New(apperr.CodeTokenExpired, "token expired", fiber.StatusUnauthorized)
			}
			return apperr.InvalidToken("invalid token")
		}

		if strings.TrimSpace(claims.Subject) == "" {
			return apperr.InvalidToken("missing user id in token")
		}

		c.Locals(LocalUserID, claims.Subject)
		c.SetUserContext(logger.ContextWithUserID(c.UserContext(), claims.Subject))
		c.Locals(LocalGlobalRole, globalRole(claims.Role))
		return c.Next()
	}
}

// IssueToken signs a token for userID. The service does not log users in;
// this exists for operator tooling and tests.
func IssueToken(secret, userID string, role domain.GlobalRole, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errMissingSecret
	}
	now := time.Now()
	claims := Claims{
		Role: string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func globalRole(role string) domain.GlobalRole {
	if domain.GlobalRole(role) == domain.GlobalRoleSuperUser {
		return domain.GlobalRoleSuperUser
	}
	return domain.GlobalRoleUser
}
