// Package store defines the persistence records and interfaces the service
// writes through, with a Postgres implementation for production and an
// in-memory one for tests and local runs.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/lib/pq"
)

// ErrNotFound reports a record that does not exist.
var ErrNotFound = errors.New("record not found")

// Deployment statuses.
const (
	StatusPending   = "PENDING"
	StatusDumping   = "DUMPING"
	StatusDeploying = "DEPLOYING"
	StatusSuccess   = "SUCCESS"
	StatusFailed    = "FAILED"
	StatusClosed    = "CLOSED"
)

// Deployment is the durable record of one deployment request.
type Deployment struct {
	ID                string         `db:"id"`
	Requester         string         `db:"requester"`
	SourceProgramID   string         `db:"source_program_id"`
	DeployedProgramID string         `db:"deployed_program_id"`
	TempWallet        string         `db:"temp_wallet"`
	Status            string         `db:"status"`
	ServiceFee        uint64         `db:"service_fee"`
	PlatformFee       uint64         `db:"platform_fee"`
	MonthlyFee        uint64         `db:"monthly_fee"`
	Budget            uint64         `db:"budget"`
	ContentHash       string         `db:"content_hash"`
	PaymentSignature  string         `db:"payment_signature"`
	TxRefs            pq.StringArray `db:"tx_refs"`
	ErrorMessage      string         `db:"error_message"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
}

// PhaseLog is one informational pipeline transition entry. Non-authoritative.
type PhaseLog struct {
	ID           string    `db:"id"`
	DeploymentID string    `db:"deployment_id"`
	Phase        string    `db:"phase"`
	Detail       string    `db:"detail"`
	CreatedAt    time.Time `db:"created_at"`
}

// WalletRecord persists a temporary wallet's material, written before any
// funds are sent to it. Retrievable by deployment id or by address.
type WalletRecord struct {
	DeploymentID string    `db:"deployment_id"`
	Address      string    `db:"address"`
	PrivateKey   string    `db:"private_key"`
	CreatedAt    time.Time `db:"created_at"`
}

// Pool is the singleton treasury pool record.
type Pool struct {
	RewardPerShare  uint64 `db:"reward_per_share"`
	TotalDeposited  uint64 `db:"total_deposited"`
	LiquidBalance   uint64 `db:"liquid_balance"`
	Reserved        uint64 `db:"reserved"`
	RewardPool      uint64 `db:"reward_pool"`
	PlatformPool    uint64 `db:"platform_pool"`
	FeeReserve      uint64 `db:"fee_reserve"`
	Admin           string `db:"admin"`
	Paused          bool   `db:"paused"`
}

// Backer is one depositor's record. RewardDebt is a decimal string because
// deposited*rewardPerShare exceeds 64 bits.
type Backer struct {
	Address        string `db:"address"`
	Deposited      uint64 `db:"deposited"`
	RewardDebt     string `db:"reward_debt"`
	PendingRewards uint64 `db:"pending_rewards"`
	ClaimedTotal   uint64 `db:"claimed_total"`
	Active         bool   `db:"active"`
}

// Reservation statuses.
const (
	ReservationReserved = "reserved"
	ReservationFunded   = "funded"
)

// Reservation holds budget for one deployment, keyed by content hash.
type Reservation struct {
	ContentHash string    `db:"content_hash"`
	Amount      uint64    `db:"amount"`
	Status      string    `db:"status"`
	CreatedAt   time.Time `db:"created_at"`
}

// DeploymentStore persists deployment records and phase logs.
type DeploymentStore interface {
	CreateDeployment(ctx context.Context, d *Deployment) error
	UpdateDeployment(ctx context.Context, d *Deployment) error
	GetDeployment(ctx context.Context, id string) (*Deployment, error)
	GetDeploymentByHash(ctx context.Context, contentHash string) (*Deployment, error)
	AppendPhaseLog(ctx context.Context, entry *PhaseLog) error
}

// WalletStore persists temporary wallet material.
type WalletStore interface {
	SaveWallet(ctx context.Context, w *WalletRecord) error
	GetWalletByDeployment(ctx context.Context, deploymentID string) (*WalletRecord, error)
	GetWalletByAddress(ctx context.Context, address string) (*WalletRecord, error)
}

// TreasuryStore persists the singleton pool, backer records and reservations.
type TreasuryStore interface {
	GetPool(ctx context.Context) (*Pool, error)
	SavePool(ctx context.Context, p *Pool) error
	GetBacker(ctx context.Context, address string) (*Backer, error)
	SaveBacker(ctx context.Context, b *Backer) error
	ListBackers(ctx context.Context) ([]*Backer, error)
	GetReservation(ctx context.Context, contentHash string) (*Reservation, error)
	SaveReservation(ctx context.Context, r *Reservation) error
	DeleteReservation(ctx context.Context, contentHash string) error
}

// Store is the full persistence surface.
type Store interface {
	DeploymentStore
	WalletStore
	TreasuryStore
}
