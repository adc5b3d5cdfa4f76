package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/commandmesh/platform/internal/database"
	"github.com/commandmesh/platform/internal/database/postgres"
	"github.com/commandmesh/platform/pkg/logger"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *postgres.DB) {
	t.Helper()

	log, err := logger.New("test", "debug")
	require.NoError(t, err)

	opts := database.Options{
		Host: "localhost", Port: 5432, User: "postgres", Password: "postgres",
		Database: "test_db", MaxConns: 5, MinConns: 1,
		MaxIdleTime: 5 * time.Minute, DialTimeout: 2 * time.Second,
	}
	db, err := postgres.New(opts, log, nil)
	if err != nil {
		t.Skipf("postgres not reachable, skipping: %v", err)
	}
	if err := db.Ping(context.Background()); err != nil {
		t.Skipf("postgres not reachable, skipping: %v", err)
	}

	ctx := context.Background()
	_, err = db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS outbox (
			id          BIGSERIAL PRIMARY KEY,
			category    TEXT NOT NULL,
			topic       TEXT,
			key         TEXT NOT NULL DEFAULT '',
			type        TEXT NOT NULL,
			payload     JSONB NOT NULL,
			headers     JSONB NOT NULL DEFAULT '{}'::jsonb,
			status      TEXT NOT NULL DEFAULT 'NEW',
			attempts    INT NOT NULL DEFAULT 0,
			next_at     TIMESTAMPTZ,
			reason      TEXT,
			claimed_by  TEXT,
			claimed_at  TIMESTAMPTZ,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	require.NoError(t, err)

	t.Cleanup(func() {
		db.Exec(context.Background(), "TRUNCATE TABLE outbox RESTART IDENTITY")
		db.Close()
	})

	return NewStore(db, log), db
}

func TestStoreInsertAndClaim(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	id, err := store.Insert(ctx, NewRow(CategoryCommand, "APP.CMD.SHIPORDER.Q", "order-1", "ShipOrder", []byte(`{}`), map[string]string{"idempotencyKey": "idem-1"}))
	require.NoError(t, err)
	require.NotZero(t, id)

	claimed, err := store.Claim(ctx, 10, "relay-1", 60*time.Second)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, id, claimed[0].ID)
	require.Equal(t, StatusSending, claimed[0].Status)
	require.Equal(t, "idem-1", claimed[0].Headers["idempotencyKey"])

	claimedAgain, err := store.Claim(ctx, 10, "relay-2", 60*time.Second)
	require.NoError(t, err)
	require.Empty(t, claimedAgain, "a freshly claimed row shouldn't be claimable again before its lease is stale")
}

func TestStoreClaimReclaimsStaleLease(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	id, err := store.Insert(ctx, NewRow(CategoryEvent, "events.order.shipped", "order-1", "OrderShipped", []byte(`{}`), nil))
	require.NoError(t, err)

	_, err = store.Claim(ctx, 10, "relay-1", 60*time.Second)
	require.NoError(t, err)

	_, err = db.Exec(ctx, "UPDATE outbox SET claimed_at = now() - interval '2 minutes' WHERE id = $1", id)
	require.NoError(t, err)

	claimed, err := store.Claim(ctx, 10, "relay-2", 60*time.Second)
	require.NoError(t, err)
	require.Len(t, claimed, 1, "a stale SENDING claim should be reclaimable")
	require.Equal(t, "relay-2", claimed[0].ClaimedBy)
}

func TestStoreMarkPublished(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	id, err := store.Insert(ctx, NewRow(CategoryReply, "APP.CMD.REPLY.Q", "order-1", "", []byte(`{}`), nil))
	require.NoError(t, err)

	_, err = store.Claim(ctx, 10, "relay-1", 60*time.Second)
	require.NoError(t, err)

	require.NoError(t, store.MarkPublished(ctx, id))

	claimed, err := store.Claim(ctx, 10, "relay-2", 0)
	require.NoError(t, err)
	require.Empty(t, claimed, "a published row should never be claimed again")
}

func TestStoreReschedule(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	id, err := store.Insert(ctx, NewRow(CategoryCommand, "APP.CMD.SHIPORDER.Q", "order-1", "ShipOrder", []byte(`{}`), nil))
	require.NoError(t, err)

	_, err = store.Claim(ctx, 10, "relay-1", 60*time.Second)
	require.NoError(t, err)

	require.NoError(t, store.Reschedule(ctx, id, 0, "broker unavailable"))

	claimed, err := store.Claim(ctx, 10, "relay-2", 60*time.Second)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, 1, claimed[0].Attempts)
	require.Equal(t, "broker unavailable", claimed[0].Reason)
}
