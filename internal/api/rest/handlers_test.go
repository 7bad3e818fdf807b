package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/clintrovert/autofix/internal/ledger"
)

type brokenReader struct{}

func (brokenReader) EntriesFor(ctx context.Context, repo string, prNumber int) ([]ledger.ProcessedBug, error) {
	return nil, errors.New("disk I/O error")
}

func newServer(t *testing.T, reader EntryReader) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewRouter(NewHandler(reader, zaptest.NewLogger(t))))
	t.Cleanup(srv.Close)
	return srv
}

func TestHealth(t *testing.T) {
	store, err := ledger.New(":memory:")
	require.NoError(t, err)
	defer store.Close()

	resp, err := http.Get(newServer(t, store).URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGetPullRequestBugs(t *testing.T) {
	ctx := context.Background()
	store, err := ledger.New(":memory:")
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.RecordOutcomes(ctx, []ledger.Entry{
		{BugID: "b1", Repo: "acme/widgets", PRNumber: 12},
	}, ledger.CommitOutcome("sha123")))
	require.NoError(t, store.RecordOutcomes(ctx, []ledger.Entry{
		{BugID: "b2", Repo: "acme/widgets", PRNumber: 12},
	}, ledger.OutcomeFailed))

	srv := newServer(t, store)

	resp, err := http.Get(srv.URL + "/api/v1/repos/acme/widgets/pulls/12/bugs")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body PullRequestBugsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "acme/widgets", body.Repo)
	assert.Equal(t, 12, body.PRNumber)
	require.Len(t, body.Bugs, 2)

	got := map[string]ledger.Outcome{}
	for _, b := range body.Bugs {
		got[b.BugID] = b.Outcome
	}
	assert.Equal(t, map[string]ledger.Outcome{
		"b1": ledger.CommitOutcome("sha123"),
		"b2": ledger.OutcomeFailed,
	}, got)
}

func TestGetPullRequestBugs_Empty(t *testing.T) {
	store, err := ledger.New(":memory:")
	require.NoError(t, err)
	defer store.Close()

	resp, err := http.Get(newServer(t, store).URL + "/api/v1/repos/acme/widgets/pulls/99/bugs")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var raw map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
	assert.Equal(t, []interface{}{}, raw["bugs"])
}

func TestGetPullRequestBugs_Errors(t *testing.T) {
	store, err := ledger.New(":memory:")
	require.NoError(t, err)
	defer store.Close()

	tests := []struct {
		name   string
		reader EntryReader
		path   string
		want   int
	}{
		{"non-numeric", store, "/api/v1/repos/acme/widgets/pulls/abc/bugs", http.StatusBadRequest},
		{"zero", store, "/api/v1/repos/acme/widgets/pulls/0/bugs", http.StatusBadRequest},
		{"ledger failure", brokenReader{}, "/api/v1/repos/acme/widgets/pulls/1/bugs", http.StatusInternalServerError},
		{"unknown route", store, "/api/v1/repos/acme/widgets", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(newServer(t, tt.reader).URL + tt.path)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}
