package http

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"tachikoma/internal/config"
	id "tachikoma/internal/utils/id"
)

// authMiddleware verifies the bearer token: HS256 only, typ absent or JWT,
// exp/nbf with clock tolerance, iss and aud when configured. In dev mode
// (no secret) every request runs as an admin principal.
func authMiddleware(cfg config.AuthConfig) gin.HandlerFunc {
	var parserOpts []jwt.ParserOption
	parserOpts = append(parserOpts, jwt.WithValidMethods([]string{"HS256"}))
	if cfg.ClockTolerance > 0 {
		parserOpts = append(parserOpts, jwt.WithLeeway(cfg.ClockTolerance))
	}
	if cfg.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(cfg.Audience))
	}
	parser := jwt.NewParser(parserOpts...)

	return func(c *gin.Context) {
		if cfg.DevMode() {
			setUser(c, &User{ID: "dev", Roles: []string{"admin"}})
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		if header == "" {
			abortWithError(c, CodeAuthMissing, "missing Authorization header", nil)
			return
		}
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			abortWithError(c, CodeAuthMissing, "Authorization header is not a bearer token", nil)
			return
		}

		claims := jwt.MapClaims{}
		token, err := parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
			if typ, present := t.Header["typ"]; present && typ != "JWT" {
				return nil, fmt.Errorf("unexpected token type %v", typ)
			}
			return []byte(cfg.JWTSecret), nil
		})
		if err != nil || !token.Valid {
			if errors.Is(err, jwt.ErrTokenExpired) {
				abortWithError(c, CodeAuthExpired, "token expired", nil)
				return
			}
			if alg := tokenAlg(raw); alg != "" && alg != jwt.SigningMethodHS256.Alg() {
				abortWithError(c, CodeAuthInvalid,
					fmt.Sprintf("signing algorithm %q is not allowed", alg), nil)
				return
			}
			abortWithError(c, CodeAuthInvalid, "invalid token", nil)
			return
		}

		sub, _ := claims.GetSubject()
		setUser(c, &User{ID: sub, Roles: rolesFromClaims(claims)})
		c.Next()
	}
}

// tokenAlg decodes the JOSE header without verification, for error reporting.
func tokenAlg(raw string) string {
	head, _, ok := strings.Cut(raw, ".")
	if !ok {
		return ""
	}
	data, err := base64.RawURLEncoding.DecodeString(head)
	if err != nil {
		return ""
	}
	var hdr struct {
		Alg string `json:"alg"`
	}
	if json.Unmarshal(data, &hdr) != nil {
		return ""
	}
	return hdr.Alg
}

func setUser(c *gin.Context, u *User) {
	c.Set(ctxKeyUser, u)
	c.Request = c.Request.WithContext(id.WithUserID(c.Request.Context(), u.ID))
}

func rolesFromClaims(claims jwt.MapClaims) []string {
	raw, ok := claims["roles"]
	if !ok {
		return []string{"viewer"}
	}
	var roles []string
	switch v := raw.(type) {
	case []any:
		for _, r := range v {
			if s, ok := r.(string); ok {
				roles = append(roles, s)
			}
		}
	case []string:
		roles = append(roles, v...)
	case string:
		roles = append(roles, v)
	}
	if len(roles) == 0 {
		return []string{"viewer"}
	}
	return roles
}
