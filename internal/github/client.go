package github

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	gh "github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"github.com/fyrsmithlabs/orbitd/internal/config"
)

// NewClient creates a GitHub client authenticated with token. apiURL
// overrides the public API endpoint when set.
func NewClient(ctx context.Context, token config.Secret, apiURL string) (*gh.Client, error) {
	if !token.IsSet() {
		return nil, errors.New("GitHub token not set")
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token.Value()})
	client := gh.NewClient(oauth2.NewClient(ctx, ts))
	if apiURL != "" {
		if !strings.HasSuffix(apiURL, "/") {
			apiURL += "/"
		}
		u, err := url.Parse(apiURL)
		if err != nil {
			return nil, fmt.Errorf("parse GitHub API URL: %w", err)
		}
		client.BaseURL = u
	}
	return client, nil
}
