//go:build integration

package integration

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/docker/go-connections/nat"

	"github.com/flagport/flagport/internal/core"
	"github.com/flagport/flagport/internal/repository"
	"github.com/flagport/flagport/internal/service"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	os.Exit(runTests(m))
}

func runTests(m *testing.M) int {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:18-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       "flagport_test",
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
		},
		WaitingFor: wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
			return fmt.Sprintf("postgresql://test:test@%s:%s/flagport_test?sslmode=disable", host, port.Port())
		}).WithStartupTimeout(30 * time.Second),
	}

	pgContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		log.Printf("start postgres container: %v", err)
		return 1
	}
	defer func() { _ = pgContainer.Terminate(ctx) }()

	host, err := pgContainer.Host(ctx)
	if err != nil {
		log.Printf("get container host: %v", err)
		return 1
	}
	mappedPort, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		log.Printf("get mapped port: %v", err)
		return 1
	}

	connStr := fmt.Sprintf(
		"postgresql://test:test@%s:%s/flagport_test?sslmode=disable",
		host, mappedPort.Port(),
	)

	migrationsDir, err := findMigrationsDir()
	if err != nil {
		log.Printf("find migrations: %v", err)
		return 1
	}
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		log.Printf("open db for migrations: %v", err)
		return 1
	}
	defer func() { _ = db.Close() }()
	if err := goose.SetDialect("postgres"); err != nil {
		log.Printf("set goose dialect: %v", err)
		return 1
	}
	if err := goose.Up(db, migrationsDir); err != nil {
		log.Printf("run migrations: %v", err)
		return 1
	}

	testPool, err = pgxpool.New(ctx, connStr)
	if err != nil {
		log.Printf("create pool: %v", err)
		return 1
	}
	defer testPool.Close()

	return m.Run()
}

// findMigrationsDir walks up from the working directory until it finds a
// migrations/ directory (the repository root contains it).
func findMigrationsDir() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}
	for {
		candidate := filepath.Join(dir, "migrations")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("migrations directory not found")
		}
		dir = parent
	}
}

func newStore() *repository.PostgresStore {
	return repository.NewPostgresStore(testPool)
}

func randID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return hex.EncodeToString(b[:])
}

func createTestEnvironment(t *testing.T, store *repository.PostgresStore, prefix string) repository.Environment {
	t.Helper()
	env, err := store.CreateEnvironment(context.Background(), repository.Environment{
		Key:  fmt.Sprintf("%s-%s", prefix, randID()),
		Name: "integration test environment",
	})
	if err != nil {
		t.Fatalf("create test environment: %v", err)
	}
	return env
}

func TestEnvironmentLifecycle(t *testing.T) {
	store := newStore()
	ctx := context.Background()

	env := createTestEnvironment(t, store, "env")

	t.Run("duplicate key", func(t *testing.T) {
		_, err := store.CreateEnvironment(ctx, repository.Environment{Key: env.Key})
		if !errors.Is(err, repository.ErrDuplicateKey) {
			t.Fatalf("CreateEnvironment duplicate error = %v, want ErrDuplicateKey", err)
		}
	})

	t.Run("exists", func(t *testing.T) {
		exists, err := store.EnvironmentExists(ctx, env.Key)
		if err != nil || !exists {
			t.Fatalf("EnvironmentExists = %v, %v", exists, err)
		}
	})

	t.Run("in-use deletion refused", func(t *testing.T) {
		used := createTestEnvironment(t, store, "used")
		_, err := store.CreateFlag(ctx, repository.FeatureFlag{
			Key:   "flag-" + randID(),
			State: map[string]bool{used.Key: true},
		})
		if err != nil {
			t.Fatalf("CreateFlag: %v", err)
		}

		if err := store.DeleteEnvironment(ctx, used.ID); !errors.Is(err, repository.ErrEnvironmentInUse) {
			t.Fatalf("DeleteEnvironment error = %v, want ErrEnvironmentInUse", err)
		}
	})

	t.Run("delete", func(t *testing.T) {
		if err := store.DeleteEnvironment(ctx, env.ID); err != nil {
			t.Fatalf("DeleteEnvironment: %v", err)
		}
		if err := store.DeleteEnvironment(ctx, env.ID); !errors.Is(err, repository.ErrNotFound) {
			t.Fatalf("second DeleteEnvironment error = %v, want ErrNotFound", err)
		}
	})
}

func TestFlagLifecycle(t *testing.T) {
	store := newStore()
	ctx := context.Background()
	env := createTestEnvironment(t, store, "flags")

	key := "checkout-" + randID()
	created, err := store.CreateFlag(ctx, repository.FeatureFlag{
		Key:         key,
		Name:        "Checkout v2",
		Description: "new checkout flow",
		State:       map[string]bool{env.Key: false},
		Tags:        []string{"checkout", "beta"},
	})
	if err != nil {
		t.Fatalf("CreateFlag: %v", err)
	}
	if created.ID == "" || created.CreatedAt.IsZero() {
		t.Fatalf("created flag missing id or timestamps: %+v", created)
	}

	t.Run("duplicate key", func(t *testing.T) {
		_, err := store.CreateFlag(ctx, repository.FeatureFlag{Key: key})
		if !errors.Is(err, repository.ErrDuplicateKey) {
			t.Fatalf("CreateFlag duplicate error = %v, want ErrDuplicateKey", err)
		}
	})

	t.Run("unknown environment", func(t *testing.T) {
		_, err := store.CreateFlag(ctx, repository.FeatureFlag{
			Key:   "bad-" + randID(),
			State: map[string]bool{"atlantis-" + randID(): true},
		})
		if !errors.Is(err, repository.ErrInvalidEnvironment) {
			t.Fatalf("CreateFlag error = %v, want ErrInvalidEnvironment", err)
		}
	})

	t.Run("get by id and key", func(t *testing.T) {
		byID, err := store.GetFlagByID(ctx, created.ID)
		if err != nil || byID.Key != key {
			t.Fatalf("GetFlagByID = %+v, %v", byID, err)
		}
		byKey, err := store.GetFlagByKey(ctx, key)
		if err != nil || byKey.ID != created.ID {
			t.Fatalf("GetFlagByKey = %+v, %v", byKey, err)
		}
	})

	t.Run("partial update", func(t *testing.T) {
		name := "Checkout v3"
		updated, err := store.UpdateFlag(ctx, created.ID, repository.FlagUpdate{Name: &name})
		if err != nil {
			t.Fatalf("UpdateFlag: %v", err)
		}
		if updated.Name != name || updated.Description != created.Description {
			t.Fatalf("UpdateFlag = %+v", updated)
		}
	})

	t.Run("state toggle", func(t *testing.T) {
		updated, err := store.UpdateFlagState(ctx, created.ID, env.Key, true)
		if err != nil {
			t.Fatalf("UpdateFlagState: %v", err)
		}
		if !updated.State[env.Key] {
			t.Fatalf("state not toggled: %v", updated.State)
		}
	})

	t.Run("rules append in order and cascade on delete", func(t *testing.T) {
		var ruleIDs []string
		for _, value := range []string{"u-1", "u-2", "u-3"} {
			rule, err := store.AddRule(ctx, created.ID, core.Rule{
				Type:        core.RuleTypeUser,
				Attribute:   "id",
				Operator:    core.OperatorEquals,
				Values:      []string{value},
				Environment: env.Key,
			})
			if err != nil {
				t.Fatalf("AddRule(%s): %v", value, err)
			}
			ruleIDs = append(ruleIDs, rule.ID)
		}

		flag, err := store.GetFlagByID(ctx, created.ID)
		if err != nil {
			t.Fatalf("GetFlagByID: %v", err)
		}
		if len(flag.Rules) != 3 {
			t.Fatalf("rules = %d, want 3", len(flag.Rules))
		}
		for i, rule := range flag.Rules {
			if rule.ID != ruleIDs[i] {
				t.Fatalf("rule order mismatch at %d: %q != %q", i, rule.ID, ruleIDs[i])
			}
		}

		if err := store.DeleteRule(ctx, created.ID, ruleIDs[1]); err != nil {
			t.Fatalf("DeleteRule: %v", err)
		}
		if err := store.DeleteRule(ctx, created.ID, ruleIDs[1]); !errors.Is(err, repository.ErrNotFound) {
			t.Fatalf("second DeleteRule error = %v, want ErrNotFound", err)
		}

		if err := store.DeleteFlag(ctx, created.ID); err != nil {
			t.Fatalf("DeleteFlag: %v", err)
		}
		var count int
		if err := testPool.QueryRow(ctx,
			`SELECT COUNT(*) FROM targeting_rules WHERE flag_id = $1`, created.ID,
		).Scan(&count); err != nil {
			t.Fatalf("count rules: %v", err)
		}
		if count != 0 {
			t.Fatalf("rules not cascaded on flag delete: %d left", count)
		}
	})
}

func TestListFlagsPagingAndFilter(t *testing.T) {
	store := newStore()
	ctx := context.Background()
	env := createTestEnvironment(t, store, "list")
	other := createTestEnvironment(t, store, "list-other")

	prefix := "list-" + randID()
	keys := []string{prefix + "-a", prefix + "-b", prefix + "-c"}
	for _, key := range keys {
		if _, err := store.CreateFlag(ctx, repository.FeatureFlag{
			Key:   key,
			State: map[string]bool{env.Key: true},
		}); err != nil {
			t.Fatalf("CreateFlag(%s): %v", key, err)
		}
	}
	if _, err := store.CreateFlag(ctx, repository.FeatureFlag{
		Key:   prefix + "-elsewhere",
		State: map[string]bool{other.Key: true},
	}); err != nil {
		t.Fatalf("CreateFlag: %v", err)
	}

	flags, total, err := store.ListFlags(ctx, repository.FlagFilter{Environment: env.Key, Limit: 2})
	if err != nil {
		t.Fatalf("ListFlags: %v", err)
	}
	if total != 3 {
		t.Fatalf("total = %d, want 3", total)
	}
	if len(flags) != 2 || flags[0].Key != keys[0] || flags[1].Key != keys[1] {
		t.Fatalf("first page = %+v", flags)
	}

	flags, _, err = store.ListFlags(ctx, repository.FlagFilter{Environment: env.Key, Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("ListFlags offset: %v", err)
	}
	if len(flags) != 1 || flags[0].Key != keys[2] {
		t.Fatalf("second page = %+v", flags)
	}

	all, err := store.ListAllFlags(ctx)
	if err != nil {
		t.Fatalf("ListAllFlags: %v", err)
	}
	found := 0
	for _, flag := range all {
		for _, key := range keys {
			if flag.Key == key {
				found++
			}
		}
	}
	if found != 3 {
		t.Fatalf("ListAllFlags returned %d of the created flags, want 3", found)
	}
}

func TestExposureCounts(t *testing.T) {
	store := newStore()
	ctx := context.Background()
	env := createTestEnvironment(t, store, "analytics")

	flagKey := "exposed-" + randID()
	now := time.Now().UTC()
	for _, ts := range []time.Time{now, now, now.AddDate(0, 0, -1)} {
		err := store.RecordExposure(ctx, repository.Exposure{
			FlagKey:     flagKey,
			Environment: env.Key,
			UserID:      "u-1",
			ClientID:    "integration",
			Timestamp:   ts,
		})
		if err != nil {
			t.Fatalf("RecordExposure: %v", err)
		}
	}

	counts, err := store.ExposureDailyCounts(ctx, flagKey, env.Key, now.AddDate(0, 0, -7))
	if err != nil {
		t.Fatalf("ExposureDailyCounts: %v", err)
	}
	if counts[now.Format("2006-01-02")] != 2 {
		t.Fatalf("today's count = %d, want 2 (%v)", counts[now.Format("2006-01-02")], counts)
	}
	if counts[now.AddDate(0, 0, -1).Format("2006-01-02")] != 1 {
		t.Fatalf("yesterday's count = %d, want 1 (%v)", counts[now.AddDate(0, 0, -1).Format("2006-01-02")], counts)
	}
}

func TestEvaluateRoundTrip(t *testing.T) {
	store := newStore()
	ctx := context.Background()
	env := createTestEnvironment(t, store, "eval")

	svc, err := service.New(store)
	if err != nil {
		t.Fatalf("service.New: %v", err)
	}

	flagKey := "rollout-" + randID()
	flag, err := svc.CreateFlag(ctx, repository.FeatureFlag{
		Key:   flagKey,
		State: map[string]bool{env.Key: false},
	})
	if err != nil {
		t.Fatalf("CreateFlag: %v", err)
	}

	_, err = svc.AddRule(ctx, flag.ID, core.Rule{
		Type:        core.RuleTypeUser,
		Attribute:   "email",
		Operator:    core.OperatorEndsWith,
		Values:      []string{"@example.com"},
		Environment: env.Key,
	})
	if err != nil {
		t.Fatalf("AddRule: %v", err)
	}

	evaluation, err := svc.Evaluate(ctx, env.Key, core.User{ID: "u-1", Email: "dev@example.com"})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !evaluation.Flags[flagKey] {
		t.Fatalf("rule should force %s on: %v", flagKey, evaluation.Flags)
	}

	other, err := svc.Evaluate(ctx, env.Key, core.User{ID: "u-2", Email: "dev@other.org"})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if other.Flags[flagKey] {
		t.Fatalf("non-matching user should see the default state: %v", other.Flags)
	}

	configuration, err := svc.Config(ctx, env.Key)
	if err != nil {
		t.Fatalf("Config: %v", err)
	}
	if configuration.Flags[flagKey] {
		t.Fatalf("config must return raw defaults, not rule results: %v", configuration.Flags)
	}
}
