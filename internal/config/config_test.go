package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchyardlabs/switchyard/internal/credential"
	"github.com/switchyardlabs/switchyard/internal/shared/errors"
	"github.com/switchyardlabs/switchyard/internal/shared/logger"
)

const validRouteFile = `
upstreams:
  - id: users-svc
    policy: round_robin
    targets:
      - users-a:8080
      - users-b:8080

routes:
  - id: users
    name: Users API
    path: /api/v1/users
    methods: [get, post]
    upstream: users-svc
    strip_prefix: true
    required_scopes: [users.read]
    timeout: 5s
    retry:
      max_attempts: 3

api_keys:
  - key_id: svc-a
    scopes: [users.read]
`

func writeRouteFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "routes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func testLoader(t *testing.T, path string, opts ...LoaderOption) *Loader {
	t.Helper()
	return NewLoader(path, logger.Default(), opts...)
}

func TestLoader_Load(t *testing.T) {
	loader := testLoader(t, writeRouteFile(t, validRouteFile))

	snap, err := loader.Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, snap.Routes.Len())
	assert.Equal(t, 1, snap.Credentials.Len())

	group, ok := snap.Upstream("users-svc")
	require.True(t, ok)
	assert.Len(t, group.Targets, 2)
	assert.Equal(t, "users-a:8080", group.Targets[0].Address)
	assert.Equal(t, "http", group.Targets[0].URL.Scheme)

	route, err := snap.Routes.Resolve("", "/api/v1/users/42", "GET")
	require.NoError(t, err)
	assert.Equal(t, "users", route.ID)
	assert.Equal(t, []string{"GET", "POST"}, route.Methods)
	assert.Equal(t, 3, route.Retry.MaxAttempts)
}

func TestLoader_Load_MissingFile(t *testing.T) {
	loader := testLoader(t, filepath.Join(t.TempDir(), "missing.yaml"))

	_, err := loader.Load(context.Background())
	assert.Error(t, err)
}

func TestAssemble_UnknownUpstream(t *testing.T) {
	loader := testLoader(t, "unused")

	_, err := loader.Assemble(context.Background(), &FileConfig{
		Upstreams: []UpstreamConfig{{ID: "a", Targets: []string{"a:80"}}},
		Routes:    []RouteConfig{{ID: "r", Path: "/x", Upstream: "nope"}},
	})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeInvalidRoute))
}

func TestAssemble_DuplicateRouteID(t *testing.T) {
	loader := testLoader(t, "unused")

	_, err := loader.Assemble(context.Background(), &FileConfig{
		Upstreams: []UpstreamConfig{{ID: "a", Targets: []string{"a:80"}}},
		Routes: []RouteConfig{
			{ID: "r", Path: "/x", Upstream: "a"},
			{ID: "r", Path: "/y", Upstream: "a"},
		},
	})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeInvalidRoute))
}

func TestAssemble_PathMustBeAbsolute(t *testing.T) {
	loader := testLoader(t, "unused")

	_, err := loader.Assemble(context.Background(), &FileConfig{
		Upstreams: []UpstreamConfig{{ID: "a", Targets: []string{"a:80"}}},
		Routes:    []RouteConfig{{ID: "r", Path: "x", Upstream: "a"}},
	})
	assert.Error(t, err)
}

func TestAssemble_UpstreamWithoutTargets(t *testing.T) {
	loader := testLoader(t, "unused")

	_, err := loader.Assemble(context.Background(), &FileConfig{
		Upstreams: []UpstreamConfig{{ID: "a"}},
	})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeInvalidRoute))
}

func TestAssemble_InvalidTimeout(t *testing.T) {
	loader := testLoader(t, "unused")

	_, err := loader.Assemble(context.Background(), &FileConfig{
		Upstreams: []UpstreamConfig{{ID: "a", Targets: []string{"a:80"}}},
		Routes:    []RouteConfig{{ID: "r", Path: "/x", Upstream: "a", Timeout: "fast"}},
	})
	assert.Error(t, err)
}

type staticDiscoverer struct {
	targets map[string][]string
	err     error
}

func (d *staticDiscoverer) DiscoverTargets(_ context.Context, service string) ([]string, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.targets[service], nil
}

func TestAssemble_DiscoveredTargets(t *testing.T) {
	disc := &staticDiscoverer{targets: map[string][]string{
		"users": {"10.0.0.1:8080", "10.0.0.2:8080"},
	}}
	loader := testLoader(t, "unused", WithDiscovery(disc))

	snap, err := loader.Assemble(context.Background(), &FileConfig{
		Upstreams: []UpstreamConfig{{ID: "a", ConsulService: "users"}},
	})
	require.NoError(t, err)

	group, ok := snap.Upstream("a")
	require.True(t, ok)
	require.Len(t, group.Targets, 2)
	assert.Equal(t, "10.0.0.1:8080", group.Targets[0].Address)
}

func TestAssemble_DiscoveryFallsBackToStaticTargets(t *testing.T) {
	disc := &staticDiscoverer{targets: map[string][]string{}}
	loader := testLoader(t, "unused", WithDiscovery(disc))

	snap, err := loader.Assemble(context.Background(), &FileConfig{
		Upstreams: []UpstreamConfig{{ID: "a", ConsulService: "users", Targets: []string{"fallback:80"}}},
	})
	require.NoError(t, err)

	group, _ := snap.Upstream("a")
	require.Len(t, group.Targets, 1)
	assert.Equal(t, "fallback:80", group.Targets[0].Address)
}

type staticCredentials struct {
	records []credential.Record
}

func (s *staticCredentials) LoadCredentials(context.Context) ([]credential.Record, error) {
	return s.records, nil
}

func TestAssemble_ExternalCredentialsWin(t *testing.T) {
	source := &staticCredentials{records: []credential.Record{
		{KeyID: "svc-a", Scopes: []string{"admin"}, Enabled: false},
	}}
	loader := testLoader(t, "unused", WithCredentialSource(source))

	snap, err := loader.Assemble(context.Background(), &FileConfig{
		APIKeys: []APIKeyConfig{{KeyID: "svc-a", Scopes: []string{"users.read"}}},
	})
	require.NoError(t, err)

	key, ok := snap.Credentials.Lookup("svc-a")
	require.True(t, ok)
	assert.False(t, key.Enabled)
}

func TestStore_PublishIncrementsVersion(t *testing.T) {
	store := NewStore(&Snapshot{})
	assert.Equal(t, uint64(1), store.Current().Version)

	store.Publish(&Snapshot{})
	assert.Equal(t, uint64(2), store.Current().Version)
}

func TestStore_ConcurrentReadsSeeWholeSnapshots(t *testing.T) {
	loader := testLoader(t, writeRouteFile(t, validRouteFile))
	snap, err := loader.Load(context.Background())
	require.NoError(t, err)

	store := NewStore(snap)

	var wg sync.WaitGroup
	stop := make(chan struct{})

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				s := store.Current()
				// Within one snapshot every route's upstream must
				// resolve, whatever generation we observe.
				for _, route := range s.Routes.Routes() {
					_, ok := s.Upstream(route.UpstreamID)
					assert.True(t, ok)
				}
			}
		}()
	}

	for i := 0; i < 100; i++ {
		next, err := loader.Load(context.Background())
		require.NoError(t, err)
		store.Publish(next)
	}
	close(stop)
	wg.Wait()
}

func TestManager_ReloadKeepsPreviousSnapshotOnError(t *testing.T) {
	path := writeRouteFile(t, validRouteFile)
	manager := NewManager(ManagerConfig{
		Loader: testLoader(t, path),
		Logger: logger.Default(),
	})
	require.NoError(t, manager.Start(context.Background()))

	before := manager.Store().Current()

	// Break the file: route references an upstream that is gone.
	require.NoError(t, os.WriteFile(path, []byte(`
routes:
  - id: users
    path: /api/v1/users
    upstream: ghost
`), 0o644))

	err := manager.Reload(context.Background())
	require.Error(t, err)
	assert.Same(t, before, manager.Store().Current())

	// Fix the file and reload.
	require.NoError(t, os.WriteFile(path, []byte(validRouteFile), 0o644))
	require.NoError(t, manager.Reload(context.Background()))
	assert.Greater(t, manager.Store().Current().Version, before.Version)
}
