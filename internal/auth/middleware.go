package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

var ErrMissingToken = errors.New("missing bearer token")

type authInfoKey struct{}

type AuthInfo struct {
	ClientID string
	Scopes   map[string]struct{}
}

func (ai *AuthInfo) Has(scope string) bool {
	_, ok := ai.Scopes[scope]
	return ok
}

func AuthInfoFromContext(ctx context.Context) (*AuthInfo, bool) {
	ai, ok := ctx.Value(authInfoKey{}).(*AuthInfo)
	return ai, ok
}

type JWTValidator struct {
	KeySet *KeySet
	Issuer string
}

func (v *JWTValidator) Validate(tokenString string) (*AccessTokenClaims, error) {
	if v.KeySet == nil || v.KeySet.PublicKey() == nil {
		return nil, errors.New("missing keyset")
	}

	claims := &AccessTokenClaims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return v.KeySet.PublicKey(), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if !tok.Valid {
		return nil, errors.New("invalid token")
	}
	if v.Issuer != "" && claims.Issuer != v.Issuer {
		return nil, errors.New("invalid issuer")
	}
	return claims, nil
}

// authInfo validates the value of an Authorization header.
func (v *JWTValidator) authInfo(authz string) (*AuthInfo, error) {
	if len(authz) < len("bearer ") || !strings.EqualFold(authz[:len("bearer ")], "bearer ") {
		return nil, ErrMissingToken
	}
	claims, err := v.Validate(strings.TrimSpace(authz[len("bearer "):]))
	if err != nil {
		return nil, err
	}
	scopes := make(map[string]struct{}, len(claims.Scopes))
	for _, s := range claims.Scopes {
		scopes[s] = struct{}{}
	}
	return &AuthInfo{ClientID: claims.ClientID, Scopes: scopes}, nil
}

func Authenticate(v *JWTValidator, onError func(http.ResponseWriter, *http.Request, int, string)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v == nil {
				onError(w, r, http.StatusUnauthorized, "unauthorized")
				return
			}
			ai, err := v.authInfo(r.Header.Get("Authorization"))
			if err != nil {
				onError(w, r, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), authInfoKey{}, ai)))
		})
	}
}

func RequireScopes(onError func(http.ResponseWriter, *http.Request, int, string), required ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ai, ok := AuthInfoFromContext(r.Context())
			if !ok {
				onError(w, r, http.StatusUnauthorized, "unauthorized")
				return
			}
			for _, s := range required {
				if !ai.Has(s) {
					onError(w, r, http.StatusForbidden, "forbidden")
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// UnaryServerInterceptor requires a bearer token with scope in the
// "authorization" metadata of every call.
func UnaryServerInterceptor(v *JWTValidator, scope string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		md, _ := metadata.FromIncomingContext(ctx)
		var authz string
		if vals := md.Get("authorization"); len(vals) > 0 {
			authz = vals[0]
		}
		ai, err := v.authInfo(authz)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, "unauthenticated")
		}
		if !ai.Has(scope) {
			return nil, status.Error(codes.PermissionDenied, "missing scope "+scope)
		}
		return handler(context.WithValue(ctx, authInfoKey{}, ai), req)
	}
}

// BearerToken is a grpc.PerRPCCredentials that sends a fixed token.
type BearerToken struct {
	Token    string
	Insecure bool
}

func (b BearerToken) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + b.Token}, nil
}

func (b BearerToken) RequireTransportSecurity() bool { return !b.Insecure }
