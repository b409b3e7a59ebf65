package ratelimit

import (
	"testing"

	mapset "github.com/deckarep/golang-set/v2"
)

func limitOf(n uint64) *uint64 { return &n }

func TestCheckAndReserveRejectsOverPerUserLimit(t *testing.T) {
	l := New(Config{PerUser: Limits{TransactionsPerMinute: limitOf(1)}})

	r1, err := l.CheckAndReserve("alice", OpTransaction)
	if err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	r1.Commit()

	if _, err := l.CheckAndReserve("alice", OpTransaction); err == nil {
		t.Fatalf("expected second reservation to exceed per-user limit")
	}
}

func TestCheckAndReserveRejectsOverGlobalLimit(t *testing.T) {
	l := New(Config{
		Global:  &Limits{TransactionsPerMinute: limitOf(1)},
		PerUser: Limits{TransactionsPerMinute: limitOf(100)},
	})

	r1, err := l.CheckAndReserve("alice", OpTransaction)
	if err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	r1.Commit()

	if _, err := l.CheckAndReserve("bob", OpTransaction); err == nil {
		t.Fatalf("expected global limit to reject a different user")
	}
}

func TestUnlimitedUserBypassesPerUserCapOnly(t *testing.T) {
	l := New(Config{
		Global:           &Limits{TransactionsPerMinute: limitOf(5)},
		PerUser:          Limits{TransactionsPerMinute: limitOf(1)},
		UnlimitedUserSet: mapset.NewSet("vip"),
	})

	for i := 0; i < 5; i++ {
		r, err := l.CheckAndReserve("vip", OpTransaction)
		if err != nil {
			t.Fatalf("reserve %d: %v", i, err)
		}
		r.Commit()
	}

	// global cap still applies even to the unlimited user.
	if _, err := l.CheckAndReserve("vip", OpTransaction); err == nil {
		t.Fatalf("expected global cap to still apply to unlimited user")
	}
}

func TestRevertWithoutCommitLeavesCounterUnchanged(t *testing.T) {
	l := New(Config{PerUser: Limits{TransactionsPerMinute: limitOf(1)}})

	r1, err := l.CheckAndReserve("alice", OpTransaction)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	r1.Revert()

	r2, err := l.CheckAndReserve("alice", OpTransaction)
	if err != nil {
		t.Fatalf("expected reservation slot freed after revert: %v", err)
	}
	r2.Commit()
}
