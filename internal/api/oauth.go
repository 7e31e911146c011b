package api

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/jmerrifield20/clubsync/internal/auth"
	"github.com/jmerrifield20/clubsync/internal/users"
)

// OAuthConfig holds the remote API's authorization-code settings.
type OAuthConfig struct {
	ClientID       string
	ClientSecret   string
	AuthURL        string
	TokenURL       string
	RedirectURL    string
	RequiredScopes []string
	FrontendURL    string
}

type authenticator interface {
	Authenticated(ctx context.Context, tok *oauth2.Token, grantedScopes string) (*users.User, bool, error)
}

// OAuthHandler runs the authorization-code handshake and hands the result to
// the user service, which records the user and triggers the first sync.
type OAuthHandler struct {
	users       authenticator
	tokens      *auth.Issuer
	cfg         *oauth2.Config
	required    []string
	frontendURL string
	logger      *zap.Logger
}

// NewOAuthHandler creates an OAuthHandler.
func NewOAuthHandler(u authenticator, tokens *auth.Issuer, cfg OAuthConfig, logger *zap.Logger) *OAuthHandler {
	return &OAuthHandler{
		users:  u,
		tokens: tokens,
		cfg: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			// The remote expects one comma-separated scope parameter.
			Scopes: []string{strings.Join(append([]string{"read"}, cfg.RequiredScopes...), ",")},
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		required:    cfg.RequiredScopes,
		frontendURL: strings.TrimRight(cfg.FrontendURL, "/"),
		logger:      logger,
	}
}

// Register mounts the OAuth routes.
func (h *OAuthHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/auth/strava", h.Redirect)
	rg.GET("/auth/strava/callback", h.Callback)
}

// Redirect handles GET /auth/strava.
func (h *OAuthHandler) Redirect(c *gin.Context) {
	state, err := h.tokens.IssueOAuthState()
	if err != nil {
		h.logger.Error("generate oauth state", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate OAuth state"})
		return
	}
	c.Redirect(http.StatusFound, h.cfg.AuthCodeURL(state, oauth2.SetAuthURLParam("approval_prompt", "auto")))
}

// Callback handles GET /auth/strava/callback.
func (h *OAuthHandler) Callback(c *gin.Context) {
	if err := h.tokens.VerifyOAuthState(c.Query("state")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid OAuth state"})
		return
	}
	code := c.Query("code")
	if code == "" {
		msg := c.Query("error")
		if msg == "" {
			msg = "missing code"
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "authorization failed: " + msg})
		return
	}

	granted := c.Query("scope")
	if !(users.Credentials{Scopes: users.ParseScopes(granted)}).HasScopes(h.required) {
		h.redirectFrontend(c, "/reauthorize", url.Values{"reason": {"scope_insufficient"}})
		return
	}

	tok, err := h.cfg.Exchange(c.Request.Context(), code)
	if err != nil {
		h.logger.Error("oauth code exchange", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "code exchange failed"})
		return
	}

	u, created, err := h.users.Authenticated(c.Request.Context(), tok, granted)
	if err != nil {
		h.logger.Error("record authenticated user", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to process login"})
		return
	}

	session, err := h.tokens.Issue(u.ID, u.AthleteID)
	if err != nil {
		h.logger.Error("issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	params := url.Values{"token": {session}}
	if created {
		params.Set("welcome", "1")
	}
	// The token travels in the fragment so it never reaches a server log.
	c.Redirect(http.StatusFound, h.frontendURL+"/oauth/callback#"+params.Encode())
}

func (h *OAuthHandler) redirectFrontend(c *gin.Context, path string, q url.Values) {
	c.Redirect(http.StatusFound, h.frontendURL+path+"?"+q.Encode())
}
