package bugs

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fuzztriage/fuzztriage/internal/storage"
	"github.com/fuzztriage/fuzztriage/internal/storage/memory"
	"github.com/fuzztriage/fuzztriage/internal/types"
)

func githubServer(t *testing.T, state string) *GitHub {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/mozilla/gecko/issues/42" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"number":42,"title":"crash in foo","state":%q,"closed_at":"2026-03-01T10:00:00Z"}`, state)
	}))
	t.Cleanup(srv.Close)
	gh, err := newGitHubWithClient(srv.Client(), srv.URL)
	require.NoError(t, err)
	return gh
}

func fastBugzilla(url string) *Bugzilla {
	bz := NewBugzilla(url, "key")
	bz.newBackoff = func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }
	return bz
}

func TestGitHubRefs(t *testing.T) {
	gh, err := NewGitHub("", "")
	require.NoError(t, err)

	tests := []struct {
		ref  string
		want string
	}{
		{"mozilla/gecko#42", "mozilla/gecko#42"},
		{"https://github.com/mozilla/gecko/issues/42", "mozilla/gecko#42"},
		{"https://github.com/mozilla/gecko/pull/42", ""},
		{"42", ""},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			got, err := gh.ParseRef(tt.ref)
			if tt.want == "" {
				assert.Error(t, err)
				assert.False(t, gh.IsExternalRef(tt.ref))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.True(t, gh.IsExternalRef(tt.ref))
		})
	}
	assert.Equal(t, "https://github.com/mozilla/gecko/issues/42", gh.BugURL("mozilla/gecko#42"))
}

func TestGitHubFetchStatus(t *testing.T) {
	ctx := context.Background()

	st, err := githubServer(t, "closed").FetchStatus(ctx, "mozilla/gecko#42")
	require.NoError(t, err)
	assert.False(t, st.Open)
	assert.Equal(t, "crash in foo", st.Title)
	require.NotNil(t, st.ClosedAt)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), *st.ClosedAt)

	st, err = githubServer(t, "open").FetchStatus(ctx, "mozilla/gecko#42")
	require.NoError(t, err)
	assert.True(t, st.Open)
	assert.Nil(t, st.ClosedAt)

	_, err = githubServer(t, "open").FetchStatus(ctx, "mozilla/gecko#7")
	assert.Error(t, err)
}

func TestBugzillaRefs(t *testing.T) {
	bz := NewBugzilla("https://bugzilla.example.org/", "")
	for ref, want := range map[string]string{
		"123456": "123456",
		"Bug 99": "99",
		"https://bugzilla.example.org/show_bug.cgi?id=77": "77",
	} {
		got, err := bz.ParseRef(ref)
		require.NoError(t, err, ref)
		assert.Equal(t, want, got)
	}
	assert.False(t, bz.IsExternalRef("https://other.example.org/show_bug.cgi?id=77"))
	assert.False(t, bz.IsExternalRef("mozilla/gecko#42"))
	assert.Equal(t, "https://bugzilla.example.org/show_bug.cgi?id=5", bz.BugURL("5"))
}

func TestBugzillaFetchStatusRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/bug/5", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("X-BUGZILLA-API-KEY"))
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"bugs":[{"id":5,"summary":"hang","status":"RESOLVED","is_open":false,"last_change_time":"2026-01-02T03:04:05Z"}]}`)
	}))
	defer srv.Close()

	st, err := fastBugzilla(srv.URL).FetchStatus(context.Background(), "5")
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.False(t, st.Open)
	require.NotNil(t, st.ClosedAt)
	assert.Equal(t, 2026, st.ClosedAt.Year())
}

func TestBugzillaFetchStatusNotFoundIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := fastBugzilla(srv.URL).FetchStatus(context.Background(), "5")
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRegistry(t *testing.T) {
	gh, err := NewGitHub("", "")
	require.NoError(t, err)
	reg := NewRegistry(gh, NewBugzilla("https://bugzilla.example.org", ""))

	assert.Equal(t, []string{"bugzilla", "github"}, reg.List())
	p, err := reg.Get("GitHub")
	require.NoError(t, err)
	assert.Equal(t, GitHubName, p.Name())
	_, err = reg.Get("jira")
	assert.Error(t, err)

	p, ok := reg.FindProviderForRef("mozilla/gecko#1")
	require.True(t, ok)
	assert.Equal(t, GitHubName, p.Name())
	p, ok = reg.FindProviderForRef("1234")
	require.True(t, ok)
	assert.Equal(t, BugzillaName, p.Name())
	_, ok = reg.FindProviderForRef("what?")
	assert.False(t, ok)
}

func TestLinkAndRefresh(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	var buckets []int64
	for i := 0; i < 2; i++ {
		b := &types.Bucket{Signature: `{"symptoms":[{"type":"output","value":"x"}]}`}
		require.NoError(t, store.RunInTransaction(ctx, func(tx storage.Transaction) error {
			return tx.CreateBucket(ctx, b)
		}))
		buckets = append(buckets, b.ID)
	}

	reg := NewRegistry(githubServer(t, "closed"))
	first, err := Link(ctx, store, reg, buckets[0], "", "https://github.com/mozilla/gecko/issues/42")
	require.NoError(t, err)
	second, err := Link(ctx, store, reg, buckets[1], "github", "mozilla/gecko#42")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "the same external bug is stored once")

	b, err := store.GetBucket(ctx, buckets[1])
	require.NoError(t, err)
	require.NotNil(t, b.BugID)
	assert.Equal(t, first.ID, *b.BugID)

	_, err = Link(ctx, store, reg, 999, "github", "mozilla/gecko#42")
	assert.Error(t, err)

	res, err := Refresh(ctx, store, reg)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Checked)
	require.Len(t, res.Closed, 1)

	bug, err := store.GetBug(ctx, first.ID)
	require.NoError(t, err)
	require.NotNil(t, bug.ClosedAt)

	res, err = Refresh(ctx, store, reg)
	require.NoError(t, err)
	assert.Empty(t, res.Closed, "already closed bugs are not reported again")
}

func TestRefreshCollectsFailures(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return tx.CreateBug(ctx, &types.Bug{ExternalType: "jira", ExternalID: "X-1"})
	}))

	_, err := Refresh(ctx, store, NewRegistry())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown bug provider")
}
