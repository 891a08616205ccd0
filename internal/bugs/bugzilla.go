package bugs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// BugzillaName is the registry tag of the Bugzilla provider.
const BugzillaName = "bugzilla"

const bugzillaMaxRetries = 3

var bugzillaNumericRef = regexp.MustCompile(`^(?:bug\s*)?(\d+)$`)

// Bugzilla reads bug state through the Bugzilla REST API. External ids are
// bug numbers.
type Bugzilla struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	newBackoff func() backoff.BackOff
}

// NewBugzilla creates the Bugzilla provider for the instance at baseURL,
// e.g. "https://bugzilla.mozilla.org".
func NewBugzilla(baseURL, apiKey string) *Bugzilla {
	return &Bugzilla{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		newBackoff: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = 500 * time.Millisecond
			bo.MaxElapsedTime = 30 * time.Second
			return bo
		},
	}
}

// Name implements Provider.
func (b *Bugzilla) Name() string { return BugzillaName }

// BugURL implements Provider.
func (b *Bugzilla) BugURL(externalID string) string {
	return b.baseURL + "/show_bug.cgi?id=" + url.QueryEscape(externalID)
}

// IsExternalRef implements Provider.
func (b *Bugzilla) IsExternalRef(ref string) bool {
	_, err := b.ParseRef(ref)
	return err == nil
}

// ParseRef implements Provider. It accepts "123", "bug 123" and show_bug
// URLs of this instance.
func (b *Bugzilla) ParseRef(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if m := bugzillaNumericRef.FindStringSubmatch(strings.ToLower(ref)); m != nil {
		return m[1], nil
	}
	if strings.HasPrefix(ref, b.baseURL+"/") {
		u, err := url.Parse(ref)
		if err == nil && strings.HasSuffix(u.Path, "/show_bug.cgi") {
			if id := u.Query().Get("id"); bugzillaNumericRef.MatchString(id) {
				return id, nil
			}
		}
	}
	return "", fmt.Errorf("not a Bugzilla bug reference: %q", ref)
}

type bugzillaResponse struct {
	Bugs []struct {
		ID             int64  `json:"id"`
		Summary        string `json:"summary"`
		Status         string `json:"status"`
		IsOpen         *bool  `json:"is_open"`
		LastChangeTime string `json:"last_change_time"`
	} `json:"bugs"`
	Error   bool   `json:"error"`
	Message string `json:"message"`
}

// FetchStatus implements Provider. Network failures, 5xx responses and
// rate limiting are retried with exponential backoff.
func (b *Bugzilla) FetchStatus(ctx context.Context, externalID string) (*Status, error) {
	u := fmt.Sprintf("%s/rest/bug/%s?include_fields=id,summary,status,is_open,last_change_time",
		b.baseURL, url.PathEscape(externalID))

	var body []byte
	attempt := 0
	op := func() error {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		req.Header.Set("Accept", "application/json")
		if b.apiKey != "" {
			req.Header.Set("X-BUGZILLA-API-KEY", b.apiKey)
		}
		resp, err := b.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("request failed (attempt %d): %w", attempt, err)
		}
		defer func() { _ = resp.Body.Close() }()

		const maxResponseSize = 5 * 1024 * 1024
		body, err = io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		if err != nil {
			return fmt.Errorf("failed to read response (attempt %d): %w", attempt, err)
		}
		switch {
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("bugzilla returned status %d (attempt %d)", resp.StatusCode, attempt)
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(fmt.Errorf("bug %s not found", externalID))
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return backoff.Permanent(fmt.Errorf("API error: %s (status %d)", strings.TrimSpace(string(body)), resp.StatusCode))
		}
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(b.newBackoff(), bugzillaMaxRetries), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}

	var parsed bugzillaResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode bugzilla response: %w", err)
	}
	if parsed.Error {
		return nil, fmt.Errorf("bugzilla error: %s", parsed.Message)
	}
	if len(parsed.Bugs) == 0 {
		return nil, fmt.Errorf("bug %s not found", externalID)
	}

	bug := parsed.Bugs[0]
	st := &Status{Title: bug.Summary}
	if bug.IsOpen != nil {
		st.Open = *bug.IsOpen
	} else {
		switch bug.Status {
		case "RESOLVED", "VERIFIED", "CLOSED":
		default:
			st.Open = true
		}
	}
	if !st.Open {
		if t, err := time.Parse(time.RFC3339, bug.LastChangeTime); err == nil {
			closed := t.UTC()
			st.ClosedAt = &closed
		}
	}
	return st, nil
}
