package router

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchyardlabs/switchyard/internal/shared/errors"
)

func TestTable_Resolve_NoMatch(t *testing.T) {
	table := NewTable([]*Route{
		{ID: "api", Path: "/api", UpstreamID: "backend"},
	})

	_, err := table.Resolve("example.com", "/other", http.MethodGet)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeRouteNotFound))
}

func TestTable_Resolve_LongestPrefixWins(t *testing.T) {
	table := NewTable([]*Route{
		{ID: "api", Path: "/api", UpstreamID: "a"},
		{ID: "api-v1", Path: "/api/v1", UpstreamID: "b"},
	})

	route, err := table.Resolve("", "/api/v1/users", http.MethodGet)
	require.NoError(t, err)
	assert.Equal(t, "api-v1", route.ID)

	route, err = table.Resolve("", "/api/v2/users", http.MethodGet)
	require.NoError(t, err)
	assert.Equal(t, "api", route.ID)
}

func TestTable_Resolve_TieBreakByDeclarationOrder(t *testing.T) {
	table := NewTable([]*Route{
		{ID: "first", Path: "/api", UpstreamID: "a"},
		{ID: "second", Path: "/api", UpstreamID: "b"},
	})

	// Deterministic across repeated calls.
	for i := 0; i < 50; i++ {
		route, err := table.Resolve("", "/api/users", http.MethodGet)
		require.NoError(t, err)
		assert.Equal(t, "first", route.ID)
	}
}

func TestTable_Resolve_SegmentBoundaries(t *testing.T) {
	table := NewTable([]*Route{
		{ID: "api", Path: "/api", UpstreamID: "a"},
	})

	_, err := table.Resolve("", "/apiary", http.MethodGet)
	assert.Error(t, err, "/api must not capture /apiary")

	route, err := table.Resolve("", "/api", http.MethodGet)
	require.NoError(t, err)
	assert.Equal(t, "api", route.ID)
}

func TestTable_Resolve_ExactMatch(t *testing.T) {
	table := NewTable([]*Route{
		{ID: "exact", Path: "/status", Exact: true, UpstreamID: "a"},
	})

	route, err := table.Resolve("", "/status", http.MethodGet)
	require.NoError(t, err)
	assert.Equal(t, "exact", route.ID)

	_, err = table.Resolve("", "/status/detail", http.MethodGet)
	assert.Error(t, err)
}

func TestTable_Resolve_ExactBeatsShorterPrefix(t *testing.T) {
	table := NewTable([]*Route{
		{ID: "prefix", Path: "/api", UpstreamID: "a"},
		{ID: "exact", Path: "/api/login", Exact: true, UpstreamID: "b"},
	})

	route, err := table.Resolve("", "/api/login", http.MethodGet)
	require.NoError(t, err)
	assert.Equal(t, "exact", route.ID)
}

func TestTable_Resolve_Methods(t *testing.T) {
	table := NewTable([]*Route{
		{ID: "read", Path: "/api", Methods: []string{"GET", "HEAD"}, UpstreamID: "a"},
		{ID: "write", Path: "/api", Methods: []string{"POST"}, UpstreamID: "b"},
	})

	route, err := table.Resolve("", "/api/users", http.MethodPost)
	require.NoError(t, err)
	assert.Equal(t, "write", route.ID)

	route, err = table.Resolve("", "/api/users", http.MethodGet)
	require.NoError(t, err)
	assert.Equal(t, "read", route.ID)

	_, err = table.Resolve("", "/api/users", http.MethodDelete)
	assert.Error(t, err)
}

func TestTable_Resolve_Hosts(t *testing.T) {
	table := NewTable([]*Route{
		{ID: "exact-host", Host: "api.example.com", Path: "/", UpstreamID: "a"},
		{ID: "wildcard", Host: "*.example.com", Path: "/", UpstreamID: "b"},
		{ID: "any", Host: "*", Path: "/", UpstreamID: "c"},
	})

	route, err := table.Resolve("api.example.com", "/x", http.MethodGet)
	require.NoError(t, err)
	assert.Equal(t, "exact-host", route.ID)

	route, err = table.Resolve("www.example.com:8081", "/x", http.MethodGet)
	require.NoError(t, err)
	assert.Equal(t, "wildcard", route.ID)

	route, err = table.Resolve("other.org", "/x", http.MethodGet)
	require.NoError(t, err)
	assert.Equal(t, "any", route.ID)
}

func TestStripRoutePrefix(t *testing.T) {
	route := &Route{Path: "/api/v1", StripPrefix: true}

	assert.Equal(t, "/users", StripRoutePrefix("/api/v1/users", route))
	assert.Equal(t, "/", StripRoutePrefix("/api/v1", route))

	noStrip := &Route{Path: "/api/v1"}
	assert.Equal(t, "/api/v1/users", StripRoutePrefix("/api/v1/users", noStrip))
}
