package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/joseph-ayodele/health-records/internal/common"
)

func newService() *Service {
	return NewService(common.AuthConfig{JWTSecret: "test-secret", Issuer: "health-records", TokenTTL: time.Hour})
}

func TestTokenRoundTrip(t *testing.T) {
	s := newService()
	owner := uuid.New()

	tok, err := s.GenerateToken(owner)
	require.NoError(t, err)
	got, err := s.ValidateToken(tok)
	require.NoError(t, err)
	assert.Equal(t, owner, got)

	got, err = s.Authenticate("bearer " + tok)
	require.NoError(t, err)
	assert.Equal(t, owner, got)

	_, err = s.GenerateToken(uuid.Nil)
	assert.ErrorIs(t, err, common.ErrInvalidInput)
}

func TestValidateToken_Rejects(t *testing.T) {
	s := newService()
	tok, err := s.GenerateToken(uuid.New())
	require.NoError(t, err)

	other := NewService(common.AuthConfig{JWTSecret: "other", Issuer: "health-records"})
	_, err = other.ValidateToken(tok)
	assert.ErrorIs(t, err, common.ErrUnauthorized)

	wrongIssuer := NewService(common.AuthConfig{JWTSecret: "test-secret", Issuer: "someone-else"})
	_, err = wrongIssuer.ValidateToken(tok)
	assert.ErrorIs(t, err, common.ErrUnauthorized)

	late := newService()
	late.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = late.ValidateToken(tok)
	assert.ErrorIs(t, err, common.ErrUnauthorized)

	for _, h := range []string{"", "Bearer", "Basic abc", "Bearer "} {
		_, err := s.Authenticate(h)
		assert.ErrorIs(t, err, common.ErrUnauthorized, h)
	}
}

func TestRequireAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := newService()
	owner := uuid.New()
	tok, err := s.GenerateToken(owner)
	require.NoError(t, err)

	r := gin.New()
	r.GET("/me", s.RequireAuth(), func(c *gin.Context) {
		id, _ := common.OwnerIDFromContext(c.Request.Context())
		c.String(http.StatusOK, id.String())
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, owner.String(), w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestUnaryInterceptor(t *testing.T) {
	s := newService()
	owner := uuid.New()
	tok, err := s.GenerateToken(owner)
	require.NoError(t, err)

	intercept := s.UnaryInterceptor("/grpc.health.v1.Health/Check")
	handler := func(ctx context.Context, _ any) (any, error) {
		id, ok := common.OwnerIDFromContext(ctx)
		if !ok {
			return "anonymous", nil
		}
		return id.String(), nil
	}

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer "+tok))
	got, err := intercept(ctx, nil, &grpc.UnaryServerInfo{FullMethod: "/records.v1.QueueService/ListQueue"}, handler)
	require.NoError(t, err)
	assert.Equal(t, owner.String(), got)

	_, err = intercept(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/records.v1.QueueService/ListQueue"}, handler)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	got, err = intercept(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}, handler)
	require.NoError(t, err)
	assert.Equal(t, "anonymous", got)
}
