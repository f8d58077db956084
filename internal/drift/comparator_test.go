package drift

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/driftguard/internal/snapshot"
)

func fullSnapshot() *snapshot.Snapshot {
	return &snapshot.Snapshot{
		Environment: "prod",
		Timestamp:   time.Now(),
		Env:         map[string]string{"APP_MODE": "live", "DB_PASSWORD": "hunter2", "API_URL": "https://a"},
		Files: []snapshot.FileRecord{
			{Path: "/etc/app/config.yaml", Hash: "h1"},
			{Path: "/etc/app/tls/server.pem", Hash: "h2"},
		},
		Services: []snapshot.Service{
			{Name: "api", Version: "1.0", Status: "running", Config: map[string]string{"port": "80"}, Dependencies: []string{"db"}},
			{Name: "db", Version: "14", Status: "running"},
		},
		Secrets: []snapshot.SecretRef{{Name: "db-password", Type: "password", Source: "vault", Accessible: true}},
		System:  snapshot.System{RuntimeVersion: "go1.23", Platform: "linux/amd64", Hostname: "node-1", Uptime: time.Hour},
	}
}

func TestCompareIdenticalSnapshotsIsEmpty(t *testing.T) {
	c := NewComparator(zap.NewNop())
	a := fullSnapshot()
	b := fullSnapshot()
	b.System.Uptime = 3 * time.Hour

	changes, failures := c.Compare(a, b)
	assert.Empty(t, changes)
	assert.Empty(t, failures)

	changes, _ = c.Compare(a, a)
	assert.Empty(t, changes)
}

func TestCompareEnvironmentExample(t *testing.T) {
	c := NewComparator(zap.NewNop())
	base := &snapshot.Snapshot{Env: map[string]string{"A": "1"}}
	cur := &snapshot.Snapshot{Env: map[string]string{"A": "2", "B": "3"}}

	changes, _ := c.Compare(base, cur)
	require.Len(t, changes, 2)

	assert.Equal(t, Modified, changes[0].Type)
	assert.Equal(t, "A", changes[0].Path)
	assert.Equal(t, "1", changes[0].OldValue)
	assert.Equal(t, "2", changes[0].NewValue)

	assert.Equal(t, Added, changes[1].Type)
	assert.Equal(t, "B", changes[1].Path)
	assert.Nil(t, changes[1].OldValue)
	assert.Equal(t, "3", changes[1].NewValue)

	for _, ch := range changes {
		assert.Equal(t, CategoryEnvironment, ch.Category)
		assert.Equal(t, ImpactLow, ch.Impact)
		assert.NotEmpty(t, ch.ID)
	}
}

func TestCompareIsSymmetric(t *testing.T) {
	c := NewComparator(zap.NewNop())
	a := fullSnapshot()
	b := fullSnapshot()
	b.Env["DB_PASSWORD"] = "rotated"
	delete(b.Env, "API_URL")
	b.Env["NEW_FLAG"] = "on"
	b.Files[0].Hash = "h9"
	b.Files = append(b.Files, snapshot.FileRecord{Path: "/etc/app/extra.txt", Hash: "h3"})
	b.Services[0].Version = "1.1"
	b.Secrets = nil
	b.System.Hostname = "node-2"

	forward, _ := c.Compare(a, b)
	backward, _ := c.Compare(b, a)
	require.Len(t, backward, len(forward))

	type key struct {
		cat  Category
		path string
	}
	back := make(map[key]Change)
	for _, ch := range backward {
		back[key{ch.Category, ch.Path}] = ch
	}
	for _, f := range forward {
		r, ok := back[key{f.Category, f.Path}]
		require.True(t, ok, "missing %s %s", f.Category, f.Path)
		switch f.Type {
		case Added:
			assert.Equal(t, Removed, r.Type)
			assert.Equal(t, f.NewValue, r.OldValue)
		case Removed:
			assert.Equal(t, Added, r.Type)
			assert.Equal(t, f.OldValue, r.NewValue)
		case Modified:
			assert.Equal(t, Modified, r.Type)
			assert.Equal(t, f.OldValue, r.NewValue)
			assert.Equal(t, f.NewValue, r.OldValue)
		}
	}
}

func TestCompareOrdersByCategoryThenPath(t *testing.T) {
	c := NewComparator(zap.NewNop())
	a := fullSnapshot()
	b := fullSnapshot()
	b.System.Hostname = "other"
	b.Env["ZZZ"] = "1"
	b.Env["AAA"] = "1"
	b.Files[1].Hash = "changed"

	changes, _ := c.Compare(a, b)
	require.Len(t, changes, 4)
	assert.Equal(t, "AAA", changes[0].Path)
	assert.Equal(t, "ZZZ", changes[1].Path)
	assert.Equal(t, CategoryFile, changes[2].Category)
	assert.Equal(t, CategorySystem, changes[3].Category)
}

func TestImpactRules(t *testing.T) {
	tests := []struct {
		name string
		got  Impact
		want Impact
	}{
		{"secret env key", envImpact("STRIPE_API_KEY"), ImpactCritical},
		{"password env key", envImpact("db_password"), ImpactCritical},
		{"database env key", envImpact("DATABASE_HOST"), ImpactHigh},
		{"auth env key", envImpact("AUTH_MODE"), ImpactHigh},
		{"url env key", envImpact("CALLBACK_URL"), ImpactMedium},
		{"port env key", envImpact("HTTP_PORT"), ImpactMedium},
		{"plain env key", envImpact("LOG_COLOR"), ImpactLow},
		{"tls file", fileImpact("/etc/nginx/tls/site.pem"), ImpactCritical},
		{"auth file", fileImpact("/srv/auth/users.txt"), ImpactCritical},
		{"config file", fileImpact("/srv/app/config.yaml"), ImpactHigh},
		{"compose file", fileImpact("/srv/docker-compose.yml"), ImpactHigh},
		{"structured file", fileImpact("/srv/data/rates.json"), ImpactMedium},
		{"other file", fileImpact("/srv/README.md"), ImpactLow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.got)
		})
	}
}

func TestSecretEnvValuesAreRedacted(t *testing.T) {
	c := NewComparator(zap.NewNop())
	a := &snapshot.Snapshot{Env: map[string]string{"DB_PASSWORD": "hunter2"}}
	b := &snapshot.Snapshot{Env: map[string]string{"DB_PASSWORD": "hunter3"}}

	changes, _ := c.Compare(a, b)
	require.Len(t, changes, 1)
	assert.Equal(t, ImpactCritical, changes[0].Impact)
	assert.Equal(t, confidenceKeyword, changes[0].Confidence)
	assert.NotContains(t, changes[0].OldValue, "hunter2")
	assert.NotEqual(t, changes[0].OldValue, changes[0].NewValue)
}

func TestServiceImpact(t *testing.T) {
	c := NewComparator(zap.NewNop())

	t.Run("unresolved auth dependency is critical", func(t *testing.T) {
		a := &snapshot.Snapshot{Services: []snapshot.Service{{Name: "api", Version: "1"}}}
		b := &snapshot.Snapshot{Services: []snapshot.Service{{Name: "api", Version: "1", Dependencies: []string{"auth-gateway"}}}}
		changes, _ := c.Compare(a, b)
		require.Len(t, changes, 1)
		assert.Equal(t, ImpactCritical, changes[0].Impact)
		assert.Equal(t, confidenceServiceInferred, changes[0].Confidence)
	})

	t.Run("resolved auth dependency is not critical", func(t *testing.T) {
		a := &snapshot.Snapshot{Services: []snapshot.Service{{Name: "api"}, {Name: "auth-gateway"}}}
		b := &snapshot.Snapshot{Services: []snapshot.Service{{Name: "api", Dependencies: []string{"auth-gateway"}}, {Name: "auth-gateway"}}}
		changes, _ := c.Compare(a, b)
		require.Len(t, changes, 1)
		assert.Equal(t, ImpactMedium, changes[0].Impact)
	})

	t.Run("port config change is high", func(t *testing.T) {
		a := &snapshot.Snapshot{Services: []snapshot.Service{{Name: "api", Config: map[string]string{"port": "80"}}}}
		b := &snapshot.Snapshot{Services: []snapshot.Service{{Name: "api", Config: map[string]string{"port": "8080"}}}}
		changes, _ := c.Compare(a, b)
		require.Len(t, changes, 1)
		assert.Equal(t, ImpactHigh, changes[0].Impact)
	})

	t.Run("version bump is medium", func(t *testing.T) {
		a := &snapshot.Snapshot{Services: []snapshot.Service{{Name: "api", Version: "1"}}}
		b := &snapshot.Snapshot{Services: []snapshot.Service{{Name: "api", Version: "2"}}}
		changes, _ := c.Compare(a, b)
		require.Len(t, changes, 1)
		assert.Equal(t, ImpactMedium, changes[0].Impact)
		assert.Equal(t, 100, changes[0].Confidence)
	})
}

func TestSecretAndSystemImpact(t *testing.T) {
	c := NewComparator(zap.NewNop())
	ref := snapshot.SecretRef{Name: "signing-key", Type: "key", Source: "vault", Accessible: true}
	lost := ref
	lost.Accessible = false

	changes, _ := c.Compare(&snapshot.Snapshot{Secrets: []snapshot.SecretRef{ref}}, &snapshot.Snapshot{Secrets: []snapshot.SecretRef{lost}})
	require.Len(t, changes, 1)
	assert.Equal(t, ImpactCritical, changes[0].Impact)

	changes, _ = c.Compare(&snapshot.Snapshot{Secrets: []snapshot.SecretRef{lost}}, &snapshot.Snapshot{Secrets: []snapshot.SecretRef{ref}})
	require.Len(t, changes, 1)
	assert.Equal(t, ImpactMedium, changes[0].Impact)

	changes, _ = c.Compare(&snapshot.Snapshot{}, &snapshot.Snapshot{Secrets: []snapshot.SecretRef{ref}})
	require.Len(t, changes, 1)
	assert.Equal(t, ImpactHigh, changes[0].Impact)
	assert.Equal(t, Added, changes[0].Type)

	changes, _ = c.Compare(
		&snapshot.Snapshot{System: snapshot.System{Hostname: "a", RuntimeVersion: "go1.22"}},
		&snapshot.Snapshot{System: snapshot.System{Hostname: "b", RuntimeVersion: "go1.23"}},
	)
	require.Len(t, changes, 2)
	assert.Equal(t, "system.hostname", changes[0].Path)
	assert.Equal(t, ImpactHigh, changes[0].Impact)
	assert.Equal(t, "system.runtimeVersion", changes[1].Path)
	assert.Equal(t, ImpactMedium, changes[1].Impact)
}

func TestCompareSkipsUncapturedSections(t *testing.T) {
	c := NewComparator(zap.NewNop())
	base := fullSnapshot()
	cur := fullSnapshot()
	cur.Env = map[string]string{}
	cur.Services = nil
	cur.Failed = []string{snapshot.SectionEnvironment, snapshot.SectionServices}
	cur.System.Hostname = "node-2"

	changes, failures := c.Compare(base, cur)
	require.Len(t, changes, 1)
	assert.Equal(t, CategorySystem, changes[0].Category)
	assert.Contains(t, failures, CategoryEnvironment)
	assert.Contains(t, failures, CategoryService)
	assert.NotContains(t, failures, CategoryFile)

	// The baseline side failing is treated the same way.
	changes, failures = c.Compare(cur, base)
	require.Len(t, changes, 1)
	assert.Len(t, failures, 2)
}

func TestCompareIgnoresUnreadableFiles(t *testing.T) {
	c := NewComparator(zap.NewNop())
	base := fullSnapshot()
	cur := fullSnapshot()
	cur.Files = []snapshot.FileRecord{{Path: "/etc/app/config.yaml", Hash: "h1-changed"}}
	cur.FailedFiles = []string{"/etc/app/tls/server.pem"}

	changes, failures := c.Compare(base, cur)
	require.Len(t, changes, 1)
	assert.Equal(t, Modified, changes[0].Type)
	assert.Equal(t, "/etc/app/config.yaml", changes[0].Path)
	require.Contains(t, failures, CategoryFile)
	assert.ErrorContains(t, failures[CategoryFile], "/etc/app/tls/server.pem")
}

func TestRedactedEnvValuesStayComparable(t *testing.T) {
	c := NewComparator(zap.NewNop())
	a := &snapshot.Snapshot{Env: snapshot.RedactEnv(map[string]string{"API_TOKEN": "t1"})}
	same := &snapshot.Snapshot{Env: snapshot.RedactEnv(map[string]string{"API_TOKEN": "t1"})}
	rotated := &snapshot.Snapshot{Env: snapshot.RedactEnv(map[string]string{"API_TOKEN": "t2"})}

	changes, _ := c.Compare(a, same)
	assert.Empty(t, changes)

	changes, _ = c.Compare(a, rotated)
	require.Len(t, changes, 1)
	assert.Equal(t, a.Env["API_TOKEN"], changes[0].OldValue)
	assert.Equal(t, rotated.Env["API_TOKEN"], changes[0].NewValue)
}
