package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

/******** JWT / Claims ********/

type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

func (s *Server) makeToken(username string) (string, error) {
	ttl := s.App.Cfg.Admin.TokenTTL
	if ttl <= 0 {
		ttl = 1440
	}
	now := time.Now()
	claims := Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(ttl) * time.Minute)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.App.Cfg.Admin.JWTSecret))
}

func (s *Server) parseToken(tk string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(tk, &Claims{}, func(t *jwt.Token) (any, error) {
		return []byte(s.App.Cfg.Admin.JWTSecret), nil
	})
	if err != nil {
		return nil, err
	}
	c, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	return c, nil
}

/******** Middlewares ********/

// AuthRequired parses Authorization: Bearer <token>; websocket clients may
// pass ?token= instead since browsers cannot set headers on upgrades.
func (s *Server) AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		tk := ""
		auth := c.GetHeader("Authorization")
		if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
			tk = strings.TrimSpace(auth[7:])
		} else {
			tk = c.Query("token")
		}
		if tk == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		claims, err := s.parseToken(tk)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set("username", claims.Username)
		c.Next()
	}
}

/******** Handlers: /login ********/

// POST /api/login  {username,password}
func (s *Server) login(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	u := strings.TrimSpace(req.Username)
	p := strings.TrimSpace(req.Password)
	if u == "" || p == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username/password required"})
		return
	}

	if !s.loginLimiter.Allow() {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many attempts, try later"})
		return
	}

	admin := s.App.Cfg.Admin
	if u != admin.Username ||
		bcrypt.CompareHashAndPassword([]byte(admin.PasswordHash), []byte(p)) != nil {
		// deliberately vague
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Login failed, please check username and password"})
		return
	}

	tk, err := s.makeToken(u)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token": tk,
		"user":  gin.H{"username": u},
	})
}
