package github

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bradleyfalzon/ghinstallation/v2"
	gh "github.com/google/go-github/v41/github"
	"golang.org/x/oauth2"
)

func SplitFullname(fullName string) (string, string, error) {
	parts := strings.Split(fullName, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("repository name %s is not in the format OWNER/NAME", fullName)
	}
	return parts[0], parts[1], nil
}

// InstallationClient authenticates as a GitHub App installation.
func InstallationClient(appId, installId int, keyFile string, timeout time.Duration) (*gh.Client, error) {
	itr, err := ghinstallation.NewKeyFromFile(http.DefaultTransport, int64(appId), int64(installId), keyFile)
	if err != nil {
		return nil, err
	}
	return gh.NewClient(&http.Client{Transport: itr, Timeout: timeout}), nil
}

// TokenClient authenticates with a personal access token. An empty token gives
// an anonymous client, which only works for public repositories.
func TokenClient(ctx context.Context, token string, timeout time.Duration) *gh.Client {
	if token == "" {
		return gh.NewClient(&http.Client{Timeout: timeout})
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	httpClient := oauth2.NewClient(ctx, ts)
	httpClient.Timeout = timeout
	return gh.NewClient(httpClient)
}
