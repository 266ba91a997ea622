package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/oauth2"
	googleOAuth2 "golang.org/x/oauth2/google"

	"targetdialer/internal/config"
	"targetdialer/internal/domain"
)

const ProviderGoogle = "google"

var GoogleUserInfoEndpoint = "https://www.googleapis.com/oauth2/v3/userinfo"

// GoogleScopes request the profile plus read access to the user's calendar.
var GoogleScopes = []string{
	"openid",
	"email",
	"profile",
	"https://www.googleapis.com/auth/calendar.readonly",
}

// GoogleProvider performs the authorization code exchange with Google.
type GoogleProvider struct {
	config *oauth2.Config
}

func NewGoogleProvider(cfg config.GoogleConfig) (*GoogleProvider, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("google client id and secret are required")
	}
	return &GoogleProvider{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       GoogleScopes,
			Endpoint:     googleOAuth2.Endpoint,
		},
	}, nil
}

// AuthCodeURL asks for offline access with forced consent so a refresh token is issued every time.
func (g *GoogleProvider) AuthCodeURL(state string) string {
	return g.config.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	)
}

// Authenticate exchanges the code and loads the profile. Every failure is an
// ErrAuthenticationFailure.
func (g *GoogleProvider) Authenticate(ctx context.Context, code string) (domain.ProviderProfile, domain.ProviderTokens, error) {
	if code == "" {
		return domain.ProviderProfile{}, domain.ProviderTokens{}, fmt.Errorf("%w: missing authorization code", domain.ErrAuthenticationFailure)
	}

	token, err := g.config.Exchange(ctx, code)
	if err != nil {
		return domain.ProviderProfile{}, domain.ProviderTokens{}, fmt.Errorf("%w: code exchange: %v", domain.ErrAuthenticationFailure, err)
	}

	profile, err := g.FetchProfile(ctx, token)
	if err != nil {
		return domain.ProviderProfile{}, domain.ProviderTokens{}, fmt.Errorf("%w: %v", domain.ErrAuthenticationFailure, err)
	}
	return profile, tokensFrom(token), nil
}

func (g *GoogleProvider) FetchProfile(ctx context.Context, token *oauth2.Token) (domain.ProviderProfile, error) {
	client := g.config.Client(ctx, token)
	resp, err := client.Get(GoogleUserInfoEndpoint)
	if err != nil {
		return domain.ProviderProfile{}, fmt.Errorf("failed to get user info from Google: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return domain.ProviderProfile{}, fmt.Errorf("failed to fetch user info from Google: status %d, body: %s", resp.StatusCode, string(body))
	}

	var info struct {
		Sub           string `json:"sub"`
		Name          string `json:"name"`
		Picture       string `json:"picture"`
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return domain.ProviderProfile{}, fmt.Errorf("failed to unmarshal Google user info: %w", err)
	}
	if info.Sub == "" {
		return domain.ProviderProfile{}, fmt.Errorf("google user info has no subject")
	}

	return domain.ProviderProfile{
		Provider:          ProviderGoogle,
		ProviderAccountID: info.Sub,
		Email:             info.Email,
		EmailVerified:     info.EmailVerified,
		Name:              info.Name,
		Image:             info.Picture,
	}, nil
}

func tokensFrom(token *oauth2.Token) domain.ProviderTokens {
	tokens := domain.ProviderTokens{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
		Expiry:       token.Expiry,
	}
	if scope, ok := token.Extra("scope").(string); ok {
		tokens.Scope = scope
	}
	if idToken, ok := token.Extra("id_token").(string); ok {
		tokens.IDToken = idToken
	}
	return tokens
}
