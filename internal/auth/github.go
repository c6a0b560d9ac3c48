package auth

import (
	"context"
	"fmt"

	gogithub "github.com/google/go-github/v68/github"
	"github.com/zulandar/parley/internal/config"
	"golang.org/x/oauth2"
	oauthgithub "golang.org/x/oauth2/github"
)

// GitHubUser is the subset of the GitHub profile Parley links accounts on.
type GitHubUser struct {
	Login string
	Email string
}

// GitHub exchanges OAuth codes for GitHub identities.
type GitHub struct {
	oauth *oauth2.Config
}

// NewGitHub builds the OAuth flow from config. Returns nil when GitHub
// login is not configured.
func NewGitHub(cfg config.GitHubConfig) *GitHub {
	if cfg.ClientID == "" {
		return nil
	}
	return &GitHub{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       []string{"read:user", "user:email"},
			Endpoint:     oauthgithub.Endpoint,
		},
	}
}

// LoginURL returns the GitHub authorization URL for the given state.
func (g *GitHub) LoginURL(state string) string {
	return g.oauth.AuthCodeURL(state)
}

// Exchange trades an OAuth code for the authenticated GitHub user.
func (g *GitHub) Exchange(ctx context.Context, code string) (*GitHubUser, error) {
	token, err := g.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("auth: github exchange: %w", err)
	}

	client := gogithub.NewClient(g.oauth.Client(ctx, token))
	user, _, err := client.Users.Get(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("auth: github user fetch: %w", err)
	}

	gu := &GitHubUser{Login: user.GetLogin(), Email: user.GetEmail()}
	if gu.Login == "" {
		return nil, fmt.Errorf("auth: github user has no login")
	}
	// Private-email accounts return an empty email; synthesize the noreply
	// address so the account still has a usable unique email.
	if gu.Email == "" {
		gu.Email = gu.Login + "@users.noreply.github.com"
	}
	return gu, nil
}
