package store

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryDeploymentLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	d := &Deployment{
		ID:          "dep-1",
		Requester:   "req",
		Status:      StatusPending,
		ContentHash: "hash-1",
	}
	if err := m.CreateDeployment(ctx, d); err != nil {
		t.Fatalf("CreateDeployment() error = %v", err)
	}

	got, err := m.GetDeployment(ctx, "dep-1")
	if err != nil {
		t.Fatalf("GetDeployment() error = %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("status = %s, want %s", got.Status, StatusPending)
	}

	byHash, err := m.GetDeploymentByHash(ctx, "hash-1")
	if err != nil {
		t.Fatalf("GetDeploymentByHash() error = %v", err)
	}
	if byHash.ID != "dep-1" {
		t.Errorf("by hash id = %s, want dep-1", byHash.ID)
	}

	got.Status = StatusSuccess
	if err := m.UpdateDeployment(ctx, got); err != nil {
		t.Fatalf("UpdateDeployment() error = %v", err)
	}
	again, _ := m.GetDeployment(ctx, "dep-1")
	if again.Status != StatusSuccess {
		t.Errorf("status after update = %s, want %s", again.Status, StatusSuccess)
	}

	if _, err := m.GetDeployment(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetDeployment(missing) error = %v, want ErrNotFound", err)
	}
	if err := m.UpdateDeployment(ctx, &Deployment{ID: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateDeployment(missing) error = %v, want ErrNotFound", err)
	}
}

func TestMemoryMutationsDoNotAliasCallersData(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	d := &Deployment{ID: "dep-1", Status: StatusPending, ContentHash: "h"}
	_ = m.CreateDeployment(ctx, d)
	d.Status = StatusFailed // caller mutates its copy afterwards

	got, _ := m.GetDeployment(ctx, "dep-1")
	if got.Status != StatusPending {
		t.Errorf("stored status = %s, want %s (store must copy)", got.Status, StatusPending)
	}
}

func TestMemoryWalletLookupFallback(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	w := &WalletRecord{DeploymentID: "dep-1", Address: "Addr111", PrivateKey: "secret"}
	if err := m.SaveWallet(ctx, w); err != nil {
		t.Fatalf("SaveWallet() error = %v", err)
	}

	byID, err := m.GetWalletByDeployment(ctx, "dep-1")
	if err != nil {
		t.Fatalf("GetWalletByDeployment() error = %v", err)
	}
	byAddr, err := m.GetWalletByAddress(ctx, "Addr111")
	if err != nil {
		t.Fatalf("GetWalletByAddress() error = %v", err)
	}
	if byID.PrivateKey != byAddr.PrivateKey {
		t.Errorf("lookups disagree: %q vs %q", byID.PrivateKey, byAddr.PrivateKey)
	}
}

func TestMemoryPoolAndBackers(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if _, err := m.GetPool(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetPool() on empty store error = %v, want ErrNotFound", err)
	}

	if err := m.SavePool(ctx, &Pool{TotalDeposited: 100, LiquidBalance: 100}); err != nil {
		t.Fatalf("SavePool() error = %v", err)
	}
	pool, err := m.GetPool(ctx)
	if err != nil {
		t.Fatalf("GetPool() error = %v", err)
	}
	if pool.TotalDeposited != 100 {
		t.Errorf("TotalDeposited = %d, want 100", pool.TotalDeposited)
	}

	_ = m.SaveBacker(ctx, &Backer{Address: "b1", Deposited: 10, RewardDebt: "0", Active: true})
	_ = m.SaveBacker(ctx, &Backer{Address: "b2", Deposited: 20, RewardDebt: "0", Active: true})
	backers, err := m.ListBackers(ctx)
	if err != nil {
		t.Fatalf("ListBackers() error = %v", err)
	}
	if len(backers) != 2 {
		t.Errorf("backers = %d, want 2", len(backers))
	}
}

func TestMemoryReservations(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	r := &Reservation{ContentHash: "h1", Amount: 500, Status: ReservationReserved}
	if err := m.SaveReservation(ctx, r); err != nil {
		t.Fatalf("SaveReservation() error = %v", err)
	}
	got, err := m.GetReservation(ctx, "h1")
	if err != nil {
		t.Fatalf("GetReservation() error = %v", err)
	}
	if got.Amount != 500 || got.Status != ReservationReserved {
		t.Errorf("reservation = %+v", got)
	}

	if err := m.DeleteReservation(ctx, "h1"); err != nil {
		t.Fatalf("DeleteReservation() error = %v", err)
	}
	if _, err := m.GetReservation(ctx, "h1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetReservation after delete error = %v, want ErrNotFound", err)
	}
}
