// Package auth turns bearer tokens into the caller's owner id.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/joseph-ayodele/health-records/internal/common"
)

const defaultTTL = 24 * time.Hour

// Claims carries the owner id in the standard subject claim.
type Claims struct {
	jwt.RegisteredClaims
}

type Service struct {
	secretKey []byte
	issuer    string
	ttl       time.Duration
	now       func() time.Time
}

func NewService(cfg common.AuthConfig) *Service {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Service{
		secretKey: []byte(cfg.JWTSecret),
		issuer:    cfg.Issuer,
		ttl:       ttl,
		now:       time.Now,
	}
}

// GenerateToken signs an HS256 token for owner.
func (s *Service) GenerateToken(owner uuid.UUID) (string, error) {
	if owner == uuid.Nil {
		return "", common.ErrInvalidInput
	}
	now := s.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   owner.String(),
			Issuer:    s.issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secretKey)
}

// ValidateToken returns the owner id the token was issued for.
func (s *Service) ValidateToken(tokenString string) (uuid.UUID, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		return s.secretKey, nil
	}, opts...)
	if err != nil {
		return uuid.Nil, common.NewAppError("INVALID_TOKEN", "invalid or expired token", fmt.Errorf("%w: %v", common.ErrUnauthorized, err))
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return uuid.Nil, common.NewAppError("INVALID_TOKEN", "invalid token", common.ErrUnauthorized)
	}
	owner, err := uuid.Parse(claims.Subject)
	if err != nil || owner == uuid.Nil {
		return uuid.Nil, common.NewAppError("INVALID_TOKEN", "subject is not an owner id", common.ErrUnauthorized)
	}
	return owner, nil
}

// Authenticate resolves an "Authorization: Bearer <token>" header value.
func (s *Service) Authenticate(header string) (uuid.UUID, error) {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return uuid.Nil, common.NewAppError("NO_TOKEN", "authorization must be: Bearer <token>", common.ErrUnauthorized)
	}
	return s.ValidateToken(strings.TrimSpace(parts[1]))
}

// RequireAuth rejects requests without a valid bearer token and puts the owner
// id on the request context.
func (s *Service) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, err := s.Authenticate(c.GetHeader("Authorization"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			return
		}
		c.Request = c.Request.WithContext(common.WithOwnerID(c.Request.Context(), owner))
		c.Next()
	}
}

// UnaryInterceptor authenticates every call except the listed full method names.
func (s *Service) UnaryInterceptor(public ...string) grpc.UnaryServerInterceptor {
	skip := make(map[string]bool, len(public))
	for _, m := range public {
		skip[m] = true
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if skip[info.FullMethod] {
			return handler(ctx, req)
		}
		ctx, err := s.authorizeIncoming(ctx)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

func (s *Service) authorizeIncoming(ctx context.Context) (context.Context, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	vals := md.Get("authorization")
	if len(vals) == 0 {
		return nil, status.Error(codes.Unauthenticated, "authorization metadata required")
	}
	owner, err := s.Authenticate(vals[0])
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "invalid or expired token")
	}
	return common.WithOwnerID(ctx, owner), nil
}
