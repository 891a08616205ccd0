package bugs

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"github.com/google/go-github/v29/github"
	"golang.org/x/oauth2"
)

// GitHubName is the registry tag of the GitHub provider.
const GitHubName = "github"

var (
	// owner/repo#123
	githubShortRef = regexp.MustCompile(`^([\w.-]+)/([\w.-]+)#(\d+)$`)
	// https://github.com/owner/repo/issues/123
	githubURLRef = regexp.MustCompile(`^https?://github\.com/([\w.-]+)/([\w.-]+)/issues/(\d+)/?$`)
)

// GitHub reads issue state through the GitHub REST API. External ids have
// the form "owner/repo#123".
type GitHub struct {
	client *github.Client
}

// NewGitHub creates the GitHub provider. An empty token gives an
// unauthenticated client (60 requests per hour). A non-empty baseURL
// selects a GitHub Enterprise API endpoint.
func NewGitHub(token, baseURL string) (*GitHub, error) {
	var httpClient *http.Client
	if token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		httpClient = oauth2.NewClient(context.Background(), ts)
	}
	return newGitHubWithClient(httpClient, baseURL)
}

func newGitHubWithClient(httpClient *http.Client, baseURL string) (*GitHub, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	client := github.NewClient(httpClient)
	if baseURL != "" {
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid GitHub base URL: %w", err)
		}
		if u.Path == "" || u.Path[len(u.Path)-1] != '/' {
			u.Path += "/"
		}
		client.BaseURL = u
	}
	return &GitHub{client: client}, nil
}

// Name implements Provider.
func (g *GitHub) Name() string { return GitHubName }

// BugURL implements Provider.
func (g *GitHub) BugURL(externalID string) string {
	owner, repo, number, err := splitGitHubID(externalID)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("https://github.com/%s/%s/issues/%d", owner, repo, number)
}

// IsExternalRef implements Provider.
func (g *GitHub) IsExternalRef(ref string) bool {
	return githubShortRef.MatchString(ref) || githubURLRef.MatchString(ref)
}

// ParseRef implements Provider.
func (g *GitHub) ParseRef(ref string) (string, error) {
	for _, re := range []*regexp.Regexp{githubShortRef, githubURLRef} {
		if m := re.FindStringSubmatch(ref); m != nil {
			return fmt.Sprintf("%s/%s#%s", m[1], m[2], m[3]), nil
		}
	}
	return "", fmt.Errorf("not a GitHub issue reference: %q", ref)
}

// FetchStatus implements Provider.
func (g *GitHub) FetchStatus(ctx context.Context, externalID string) (*Status, error) {
	owner, repo, number, err := splitGitHubID(externalID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	issue, _, err := g.client.Issues.Get(ctx, owner, repo, number)
	if err != nil {
		if _, ok := err.(*github.RateLimitError); ok {
			return nil, fmt.Errorf("rate limited: %w", err)
		}
		return nil, fmt.Errorf("failed to fetch %s: %w", externalID, err)
	}
	st := &Status{
		Open:  issue.GetState() != "closed",
		Title: issue.GetTitle(),
	}
	if !st.Open && issue.ClosedAt != nil {
		closed := issue.ClosedAt.UTC()
		st.ClosedAt = &closed
	}
	return st, nil
}

func splitGitHubID(id string) (owner, repo string, number int, err error) {
	m := githubShortRef.FindStringSubmatch(id)
	if m == nil {
		return "", "", 0, fmt.Errorf("malformed GitHub bug id %q (want owner/repo#N)", id)
	}
	number, err = strconv.Atoi(m[3])
	if err != nil {
		return "", "", 0, fmt.Errorf("malformed GitHub bug id %q: %w", id, err)
	}
	return m[1], m[2], number, nil
}
