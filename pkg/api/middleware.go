package api

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"foreman/pkg/logx"
)

const (
	HeaderOrgID  = "X-Org-ID"
	HeaderUserID = "X-User-ID"

	contextKeyIdentity = "identity"
)

// Identity is the caller's tenant and user.
type Identity struct {
	OrgID  string
	UserID string
}

// RequestLogger logs each request at debug level.
func RequestLogger(logger *logx.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Debug("%s %s -> %d (%dms) id=%s", c.Request().Method, c.Request().URL.Path,
				c.Response().Status, time.Since(start).Milliseconds(), c.Response().Header().Get(echo.HeaderXRequestID))
			return err
		}
	}
}

// Authenticate resolves the caller identity. With a JWT secret the bearer
// token must be an HS256 token carrying org_id and sub; otherwise the trusted
// X-Org-ID and X-User-ID headers are used.
func Authenticate(jwtSecret string) echo.MiddlewareFunc {
	secret := []byte(jwtSecret)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			var (
				id  Identity
				err error
			)
			if len(secret) > 0 {
				id, err = identityFromToken(c.Request().Header.Get(echo.HeaderAuthorization), secret)
				if err != nil {
					return err
				}
			} else {
				id = Identity{
					OrgID:  strings.TrimSpace(c.Request().Header.Get(HeaderOrgID)),
					UserID: strings.TrimSpace(c.Request().Header.Get(HeaderUserID)),
				}
			}
			if id.OrgID == "" {
				return ErrUnauthorized
			}
			c.Set(contextKeyIdentity, id)
			return next(c)
		}
	}
}

func identityFromToken(header string, secret []byte) (Identity, error) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return Identity{}, ErrUnauthorized
	}
	token, err := jwt.Parse(parts[1], func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Identity{}, ErrUnauthorized
	}
	orgID, _ := claims["org_id"].(string)
	userID, _ := claims["sub"].(string)
	return Identity{OrgID: orgID, UserID: userID}, nil
}

// IdentityFrom returns the identity set by Authenticate.
func IdentityFrom(c echo.Context) Identity {
	id, _ := c.Get(contextKeyIdentity).(Identity)
	return id
}

// AppValidator adapts go-playground/validator to echo.
type AppValidator struct {
	validator *validator.Validate
}

// NewAppValidator reports fields by their JSON names.
func NewAppValidator() *AppValidator {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &AppValidator{validator: v}
}

func (v *AppValidator) Validate(i any) error {
	if err := v.validator.Struct(i); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) && len(validationErrors) > 0 {
			fe := validationErrors[0]
			return &ValidationError{
				Field:   fe.Field(),
				Message: fmt.Sprintf("failed on '%s' validation", fe.Tag()),
			}
		}
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

// bindAndValidate decodes the body into req and validates it.
func bindAndValidate(c echo.Context, req any) error {
	if err := c.Bind(req); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return c.Validate(req)
}
