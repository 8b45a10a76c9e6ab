package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/huytu0702/moniagent-sub000/capture"
	"github.com/huytu0702/moniagent-sub000/category"
)

func newTestBackend(t *testing.T, now time.Time) *Backend {
	t.Helper()

	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}

	ctx := context.Background()
	pool, err := NewPool(ctx, dsn, zap.NewNop())
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	t.Cleanup(pool.Close)

	b := New(pool, zap.NewNop(), WithClock(func() time.Time { return now }))
	if err := b.Migrate(ctx); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	return b
}

func TestNewPool_InvalidDSN(t *testing.T) {
	if _, err := NewPool(context.Background(), "postgres://%zz", zap.NewNop()); err == nil {
		t.Error("expected a parse error")
	}
}

func TestBackend(t *testing.T) {
	now := time.Date(2024, 5, 15, 18, 30, 0, 0, time.UTC)
	b := newTestBackend(t, now)
	ctx := context.Background()
	user := "test-" + uuid.NewString()

	t.Run("categories include globals and user overrides", func(t *testing.T) {
		if err := b.PutCategory(ctx, user, category.Category{ID: "food", Name: "Eating Out"}); err != nil {
			t.Fatalf("PutCategory failed: %v", err)
		}
		if err := b.PutCategory(ctx, user, category.Category{ID: "pets", Name: "Pets"}); err != nil {
			t.Fatalf("PutCategory failed: %v", err)
		}

		cats, err := b.Categories(ctx, user)
		if err != nil {
			t.Fatalf("Categories failed: %v", err)
		}
		names := make(map[string]string)
		for _, c := range cats {
			if _, dup := names[c.ID]; dup {
				t.Errorf("duplicate category id %s", c.ID)
			}
			names[c.ID] = c.Name
		}
		if names["food"] != "Eating Out" || names["pets"] != "Pets" || names["transport"] != "Transportation & Travel" {
			t.Errorf("unexpected categories: %v", names)
		}
	})

	t.Run("commit and budget", func(t *testing.T) {
		if err := b.SetLimit(ctx, user, "food", 100); err != nil {
			t.Fatalf("SetLimit failed: %v", err)
		}

		for _, rec := range []capture.Record{
			{SessionID: "s1", UserID: user, MerchantName: "Starbucks", Amount: 45, Date: "2024-05-02", CategoryID: "food"},
			{SessionID: "s2", UserID: user, MerchantName: "Old", Amount: 90, Date: "2024-04-30", CategoryID: "food"},
			{SessionID: "s3", UserID: user, MerchantName: "Uber", Amount: 20, Date: "2024-05-03", CategoryID: "transport"},
		} {
			id, err := b.Commit(ctx, rec)
			if err != nil {
				t.Fatalf("Commit failed: %v", err)
			}
			if _, err := uuid.Parse(id); err != nil {
				t.Errorf("id %q is not a uuid", id)
			}
		}

		if w, err := b.CheckStatus(ctx, user, "food", 45); w != nil || err != nil {
			t.Errorf("expected no warning yet, got %+v, %v", w, err)
		}

		if _, err := b.Commit(ctx, capture.Record{SessionID: "s4", UserID: user, MerchantName: "Cafe", Amount: 40, Date: "2024-05-15", CategoryID: "food"}); err != nil {
			t.Fatalf("Commit failed: %v", err)
		}
		w, err := b.CheckStatus(ctx, user, "food", 40)
		if err != nil || w == nil {
			t.Fatalf("expected a warning, got %+v, %v", w, err)
		}
		if w.Spent != 85 || w.Limit != 100 || w.CategoryName != "Eating Out" {
			t.Errorf("unexpected warning: %+v", w)
		}

		if w, err := b.CheckStatus(ctx, user, "transport", 20); w != nil || err != nil {
			t.Errorf("no budget should give no warning, got %+v, %v", w, err)
		}
	})

	t.Run("spending summary", func(t *testing.T) {
		got, err := b.Spending(ctx, user, "2024-05")
		if err != nil {
			t.Fatalf("Spending failed: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("expected 2 categories, got %+v", got)
		}
		if got[0].CategoryID != "food" || got[0].Total != 85 || got[0].Limit != 100 {
			t.Errorf("unexpected food row: %+v", got[0])
		}
		if got[1].CategoryID != "transport" || got[1].Total != 20 || got[1].Limit != 0 {
			t.Errorf("unexpected transport row: %+v", got[1])
		}
	})

	t.Run("corrections", func(t *testing.T) {
		if err := b.RecordCorrection(ctx, user, "r1", "food", "transport"); err != nil {
			t.Errorf("RecordCorrection failed: %v", err)
		}
	})

	t.Run("invalid date", func(t *testing.T) {
		if _, err := b.Commit(ctx, capture.Record{UserID: user, Amount: 5, Date: "May 1"}); err == nil {
			t.Error("expected an error for a display-format date")
		}
	})
}
