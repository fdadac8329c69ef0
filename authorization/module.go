package authorization

import (
	"errors"
	"net/http"
	"strings"
	"time"

	jwt "github.com/appleboy/gin-jwt/v2"
	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

const (
	identityKey    = "username"
	defaultTimeout = time.Hour
	// RoleAdmin is the only role issued to the configured principal.
	RoleAdmin = "admin"
)

var (
	ErrInvalidCredentials = errors.New("authorization: invalid username or password")
	ErrInvalidCaptcha     = errors.New("authorization: captcha verification failed")
)

// Options configures the single administrator principal.
type Options struct {
	Secret         string
	Username       string
	PasswordHash   string
	CaptchaEnabled bool
	Timeout        time.Duration
}

// Module wires together the JWT middleware and the admin credentials.
type Module struct {
	jwtMiddleware *jwt.GinJWTMiddleware
	captcha       *CaptchaStore
	admin         *AdminAccount
}

// AdminAccount checks login attempts against the configured bcrypt hash.
type AdminAccount struct {
	username     string
	passwordHash []byte
}

// AuthenticatedUser is the identity carried by an issued token.
type AuthenticatedUser struct {
	Username string   `json:"username"`
	Roles    []string `json:"roles"`
}

// LoginRequest represents the expected payload for the login endpoint.
type LoginRequest struct {
	Username      string `json:"username" binding:"required"`
	Password      string `json:"password" binding:"required"`
	CaptchaID     string `json:"captcha_id"`
	CaptchaAnswer string `json:"captcha_answer"`
}

func NewAdminAccount(username, passwordHash string) *AdminAccount {
	return &AdminAccount{
		username:     strings.TrimSpace(username),
		passwordHash: []byte(strings.TrimSpace(passwordHash)),
	}
}

// Authenticate returns the admin identity when the credentials match.
func (a *AdminAccount) Authenticate(username, password string) (*AuthenticatedUser, error) {
	if a == nil || a.username == "" || len(a.passwordHash) == 0 {
		return nil, ErrInvalidCredentials
	}
	if strings.TrimSpace(username) != a.username {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(a.passwordHash, []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return &AuthenticatedUser{Username: a.username, Roles: []string{RoleAdmin}}, nil
}

// RegisterRoutes bootstraps the authentication endpoints under /auth. It
// returns a nil module when no secret is configured, leaving admin routes
// locked.
func RegisterRoutes(router gin.IRouter, opts Options) (*Module, error) {
	secret := strings.TrimSpace(opts.Secret)
	if secret == "" {
		return nil, nil
	}
	if strings.TrimSpace(opts.PasswordHash) == "" {
		return nil, errors.New("authorization: ADMIN_PASSWORD_HASH is required when JWT_SECRET is set")
	}

	module := &Module{admin: NewAdminAccount(opts.Username, opts.PasswordHash)}
	if opts.CaptchaEnabled {
		module.captcha = NewCaptchaStore(0)
	}

	middleware, err := buildJWTMiddleware(secret, opts.Timeout, module)
	if err != nil {
		return nil, err
	}
	module.jwtMiddleware = middleware

	auth := router.Group("/auth")
	auth.GET("/captcha", module.handleCaptcha)
	auth.POST("/login", middleware.LoginHandler)
	auth.POST("/refresh", middleware.RefreshHandler)
	auth.GET("/me", middleware.MiddlewareFunc(), func(c *gin.Context) {
		claims := jwt.ExtractClaims(c)
		username, _ := claims[identityKey].(string)
		c.JSON(http.StatusOK, gin.H{"username": username, "roles": extractRoles(claims)})
	})

	return module, nil
}

// Middleware returns the raw JWT middleware handler.
func (m *Module) Middleware() gin.HandlerFunc {
	return m.jwtMiddleware.MiddlewareFunc()
}

func (m *Module) handleCaptcha(c *gin.Context) {
	if m.captcha == nil {
		c.JSON(http.StatusOK, gin.H{"enabled": false})
		return
	}
	challenge, err := m.captcha.Issue()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate captcha"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"enabled":    true,
		"captcha_id": challenge.ID,
		"image":      challenge.ImageBase64,
		"expires_at": challenge.ExpiresAt,
	})
}

func buildJWTMiddleware(secret string, timeout time.Duration, module *Module) (*jwt.GinJWTMiddleware, error) {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return jwt.New(&jwt.GinJWTMiddleware{
		Realm:       "auralis-expression",
		Key:         []byte(secret),
		Timeout:     timeout,
		MaxRefresh:  24 * time.Hour,
		IdentityKey: identityKey,
		PayloadFunc: func(data interface{}) jwt.MapClaims {
			if user, ok := data.(*AuthenticatedUser); ok {
				return jwt.MapClaims{
					identityKey: user.Username,
					"roles":     user.Roles,
				}
			}
			return jwt.MapClaims{}
		},
		IdentityHandler: func(c *gin.Context) interface{} {
			claims := jwt.ExtractClaims(c)
			username, _ := claims[identityKey].(string)
			return &AuthenticatedUser{Username: username, Roles: extractRoles(claims)}
		},
		Authenticator: func(c *gin.Context) (interface{}, error) {
			var req LoginRequest
			if err := c.ShouldBindJSON(&req); err != nil {
				return nil, jwt.ErrMissingLoginValues
			}
			if module.captcha != nil && !module.captcha.Verify(req.CaptchaID, req.CaptchaAnswer) {
				return nil, ErrInvalidCaptcha
			}
			user, err := module.admin.Authenticate(req.Username, req.Password)
			if err != nil {
				return nil, err
			}
			c.Set("authenticated_user", user)
			return user, nil
		},
		Authorizator: func(data interface{}, c *gin.Context) bool {
			user, ok := data.(*AuthenticatedUser)
			return ok && user.Username != ""
		},
		Unauthorized: func(c *gin.Context, code int, message string) {
			c.JSON(code, gin.H{"error": message})
		},
		LoginResponse: func(c *gin.Context, code int, token string, expire time.Time) {
			response := gin.H{"token": token, "expire": expire}
			if value, ok := c.Get("authenticated_user"); ok {
				if user, ok := value.(*AuthenticatedUser); ok && user != nil {
					response["user"] = user
				}
			}
			c.JSON(code, response)
		},
		RefreshResponse: func(c *gin.Context, code int, token string, expire time.Time) {
			c.JSON(code, gin.H{"token": token, "expire": expire})
		},
		TokenLookup:   "header: Authorization, cookie: jwt, cookie: token",
		TokenHeadName: "Bearer",
		TimeFunc:      time.Now,
	})
}
