package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"trackwell/api/middleware"
	"trackwell/api/models"
	"trackwell/api/store"
	"trackwell/api/utils"
)

const sessionCookie = "jwt_token"

type AuthHandlers struct {
	Users        store.Users
	Secret       []byte
	Limiter      *utils.LoginLimiter
	Clock        quartz.Clock
	Logger       slog.Logger
	SecureCookie bool
}

func NewAuthHandlers(users store.Users, secret []byte, limiter *utils.LoginLimiter, clock quartz.Clock, logger slog.Logger, secureCookie bool) *AuthHandlers {
	return &AuthHandlers{
		Users:        users,
		Secret:       secret,
		Limiter:      limiter,
		Clock:        clock,
		Logger:       logger.Named("auth"),
		SecureCookie: secureCookie,
	}
}

func (h *AuthHandlers) Signup(c *gin.Context) {
	ctx := c.Request.Context()
	var req models.SignupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}
	email := req.NormalizedEmail()

	_, err := h.Users.GetUserByEmail(ctx, email)
	if err == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "User with this email already exists"})
		return
	}
	if !errors.Is(err, store.ErrNotFound) {
		h.Logger.Error(ctx, "signup email check failed", slog.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to check user existence"})
		return
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		h.Logger.Error(ctx, "hash password", slog.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to process password"})
		return
	}

	user, err := h.Users.CreateUser(ctx, email, hashedPassword)
	if errors.Is(err, store.ErrConflict) {
		c.JSON(http.StatusConflict, gin.H{"error": "User with this email already exists"})
		return
	}
	if err != nil {
		h.Logger.Error(ctx, "create user", slog.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to register user"})
		return
	}

	h.Logger.Info(ctx, "user registered", slog.F("user_id", user.ID))
	c.JSON(http.StatusCreated, gin.H{"message": "User registered successfully", "user_email": user.Email})
}

// Login authenticates a dashboard user and sets the session cookie. Failed
// attempts are limited per client IP and email.
func (h *AuthHandlers) Login(c *gin.Context) {
	ctx := c.Request.Context()
	var req models.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}
	email := req.NormalizedEmail()
	key := c.ClientIP() + "|" + email

	if ok, wait := h.Limiter.Allow(key); !ok {
		c.Header("Retry-After", strconv.Itoa(int(wait.Round(time.Second)/time.Second)))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many login attempts, try again later"})
		return
	}

	user, err := h.Users.GetUserByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			h.Logger.Error(ctx, "login lookup failed", slog.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to check credentials"})
			return
		}
		h.Limiter.Fail(key)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
		return
	}

	if err := bcrypt.CompareHashAndPassword(user.HashedPassword, []byte(req.Password)); err != nil {
		h.Limiter.Fail(key)
		h.Logger.Info(ctx, "login failed: password mismatch", slog.F("user_id", user.ID))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
		return
	}
	h.Limiter.Reset(key)

	tokenString, err := utils.GenerateJWT(h.Secret, user, h.Clock.Now())
	if err != nil {
		h.Logger.Error(ctx, "generate jwt", slog.F("user_id", user.ID), slog.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate authentication token"})
		return
	}

	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(sessionCookie, tokenString, int(24*time.Hour/time.Second), "/", "", h.SecureCookie, true)

	h.Logger.Info(ctx, "user logged in", slog.F("user_id", user.ID))
	c.JSON(http.StatusOK, gin.H{
		"message":    "Login successful",
		"user_email": user.Email,
	})
}

func (h *AuthHandlers) Logout(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(sessionCookie, "", -1, "/", "", h.SecureCookie, true)
	c.JSON(http.StatusOK, gin.H{"message": "Logged out successfully"})
}

func (h *AuthHandlers) Profile(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"user_id":    c.GetInt(middleware.ContextUserID),
		"user_email": c.GetString(middleware.ContextUserEmail),
		"service":    c.GetBool(middleware.ContextService),
	})
}
