//go:build integration

package sqlstore_test

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-hooks/core"
	hookmigrations "github.com/goliatone/go-hooks/migrations"
	"github.com/goliatone/go-hooks/ratelimit"
	sqlstore "github.com/goliatone/go-hooks/store/sql"
	persistence "github.com/goliatone/go-persistence-bun"
	_ "github.com/lib/pq"
	"github.com/sourcegraph/conc"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/uptrace/bun/dialect/pgdialect"
)

func TestPostgres_ConcurrentClaimDueNeverOverlaps(t *testing.T) {
	ctx := context.Background()
	factory := newPostgresFactory(t)
	store := factory.DeliveryStore()

	receivedAt := time.Now().UTC().Add(-time.Hour)
	const total = 40
	for i := 0; i < total; i++ {
		input := receiveInput("payments", fmt.Sprintf("evt_pg_%d", i))
		input.ReceivedAt = receivedAt
		input.Lease = time.Second
		if _, created, err := store.Receive(ctx, input); err != nil || !created {
			t.Fatalf("receive %d: created=%v err=%v", i, created, err)
		}
	}

	var (
		mu      sync.Mutex
		claimed = map[string]int{}
		wg      conc.WaitGroup
	)
	now := time.Now().UTC()
	for worker := 0; worker < 8; worker++ {
		wg.Go(func() {
			for {
				due, err := store.ClaimDue(ctx, now, 3, time.Minute)
				if err != nil {
					t.Errorf("claim due: %v", err)
					return
				}
				if len(due) == 0 {
					return
				}
				mu.Lock()
				for _, delivery := range due {
					claimed[delivery.ID]++
				}
				mu.Unlock()
			}
		})
	}
	wg.Wait()

	if len(claimed) != total {
		t.Fatalf("expected %d distinct claims, got %d", total, len(claimed))
	}
	for id, count := range claimed {
		if count != 1 {
			t.Fatalf("expected delivery %s claimed once, got %d", id, count)
		}
	}
}

func TestPostgres_ReceiveRaceCreatesOneDelivery(t *testing.T) {
	ctx := context.Background()
	factory := newPostgresFactory(t)
	store := factory.DeliveryStore()

	var (
		mu      sync.Mutex
		created int
		ids     = map[string]struct{}{}
		wg      conc.WaitGroup
	)
	for i := 0; i < 10; i++ {
		wg.Go(func() {
			delivery, ok, err := store.Receive(ctx, receiveInput("payments", "evt_race"))
			if err != nil {
				t.Errorf("receive: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if ok {
				created++
			}
			ids[delivery.ID] = struct{}{}
		})
	}
	wg.Wait()

	if created != 1 || len(ids) != 1 {
		t.Fatalf("expected exactly one created delivery, created=%d ids=%d", created, len(ids))
	}
}

func TestPostgres_RateLimitWindowSerializesHits(t *testing.T) {
	ctx := context.Background()
	factory := newPostgresFactory(t)
	store := factory.RateLimitWindowStore()

	var (
		mu      sync.Mutex
		allowed int
		wg      conc.WaitGroup
	)
	now := time.Now().UTC()
	for i := 0; i < 20; i++ {
		wg.Go(func() {
			decision, err := store.Hit(ctx, ratelimit.HitRequest{
				Key:    "webhooks:203.0.113.7",
				Cost:   1,
				Limit:  5,
				Window: time.Minute,
				Now:    now,
			})
			if err != nil {
				t.Errorf("hit: %v", err)
				return
			}
			if decision.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		})
	}
	wg.Wait()

	if allowed != 5 {
		t.Fatalf("expected exactly 5 allowed hits across instances, got %d", allowed)
	}
}

func TestPostgres_FailDeadLettersAtomically(t *testing.T) {
	ctx := context.Background()
	factory := newPostgresFactory(t)
	store := factory.DeliveryStore()

	delivery, _, err := store.Receive(ctx, receiveInput("google", "evt_pg_dead"))
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	claimed, ok, err := store.Claim(ctx, delivery.ID, time.Minute)
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	result, err := store.Fail(ctx, core.FailInput{
		DeliveryID:  claimed.ID,
		ClaimID:     claimed.ClaimID,
		ExecutedAt:  time.Now().UTC(),
		Cause:       fmt.Errorf("handler exploded"),
		MaxAttempts: 1,
	})
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if !result.DeadLettered {
		t.Fatalf("expected single-attempt budget to dead-letter")
	}
	letter, err := factory.DeadLetterStore().GetByDelivery(ctx, claimed.ID)
	if err != nil {
		t.Fatalf("get dead letter by delivery: %v", err)
	}
	if letter.ID != result.DeadLetterID || letter.TotalAttempts != 1 {
		t.Fatalf("unexpected dead letter %#v", letter)
	}
}

func newPostgresFactory(t *testing.T) *sqlstore.RepositoryFactory {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "hooks"},
			ExposedPorts: []string{"5432/tcp"},
			WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("container port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/hooks?sslmode=disable", host, port.Port())

	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	if err := waitForPing(ctx, sqlDB); err != nil {
		t.Fatalf("ping postgres: %v", err)
	}

	client, err := persistence.New(testPersistenceConfig{driver: "postgres", server: dsn}, sqlDB, pgdialect.New())
	if err != nil {
		_ = sqlDB.Close()
		t.Fatalf("new persistence client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	_, err = hookmigrations.Register(ctx, func(_ context.Context, dialect string, _ string, fsys fs.FS) error {
		if dialect != hookmigrations.DialectPostgres {
			return nil
		}
		client.RegisterSQLMigrations(fsys)
		return nil
	}, hookmigrations.WithValidationTargets(hookmigrations.DialectPostgres))
	if err != nil {
		t.Fatalf("register migrations: %v", err)
	}
	if err := client.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client)
	if err != nil {
		t.Fatalf("new repository factory: %v", err)
	}
	return factory
}

// The listening port opens before postgres accepts connections.
func waitForPing(ctx context.Context, db *sql.DB) error {
	deadline := time.Now().Add(30 * time.Second)
	for {
		err := db.PingContext(ctx)
		if err == nil || time.Now().After(deadline) {
			return err
		}
		time.Sleep(250 * time.Millisecond)
	}
}
