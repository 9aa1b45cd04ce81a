package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Postgres is the production Store.
type Postgres struct {
	db *sqlx.DB
}

// NewPostgres connects to dsn and applies pending schema migrations.
func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Postgres{db: db}, nil
}

// NewPostgresFromDB wraps an existing connection (tests).
func NewPostgresFromDB(db *sqlx.DB) *Postgres {
	return &Postgres{db: db}
}

func runMigrations(db *sqlx.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := migratepg.WithInstance(db.DB, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("init migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) CreateDeployment(ctx context.Context, d *Deployment) error {
	_, err := p.db.NamedExecContext(ctx, `
		INSERT INTO deployments (
			id, requester, source_program_id, deployed_program_id, temp_wallet,
			status, service_fee, platform_fee, monthly_fee, budget,
			content_hash, payment_signature, tx_refs, error_message
		) VALUES (
			:id, :requester, :source_program_id, :deployed_program_id, :temp_wallet,
			:status, :service_fee, :platform_fee, :monthly_fee, :budget,
			:content_hash, :payment_signature, :tx_refs, :error_message
		)`, d)
	if err != nil {
		return fmt.Errorf("create deployment: %w", err)
	}
	return nil
}

func (p *Postgres) UpdateDeployment(ctx context.Context, d *Deployment) error {
	d.UpdatedAt = time.Now()
	res, err := p.db.NamedExecContext(ctx, `
		UPDATE deployments SET
			deployed_program_id = :deployed_program_id,
			temp_wallet = :temp_wallet,
			status = :status,
			tx_refs = :tx_refs,
			error_message = :error_message,
			updated_at = :updated_at
		WHERE id = :id`, d)
	if err != nil {
		return fmt.Errorf("update deployment: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) GetDeployment(ctx context.Context, id string) (*Deployment, error) {
	var d Deployment
	err := p.db.GetContext(ctx, &d, `SELECT * FROM deployments WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get deployment: %w", err)
	}
	return &d, nil
}

func (p *Postgres) GetDeploymentByHash(ctx context.Context, contentHash string) (*Deployment, error) {
	var d Deployment
	err := p.db.GetContext(ctx, &d, `SELECT * FROM deployments WHERE content_hash = $1 ORDER BY created_at DESC LIMIT 1`, contentHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get deployment by hash: %w", err)
	}
	return &d, nil
}

func (p *Postgres) AppendPhaseLog(ctx context.Context, entry *PhaseLog) error {
	_, err := p.db.NamedExecContext(ctx, `
		INSERT INTO phase_logs (id, deployment_id, phase, detail)
		VALUES (:id, :deployment_id, :phase, :detail)`, entry)
	if err != nil {
		return fmt.Errorf("append phase log: %w", err)
	}
	return nil
}

func (p *Postgres) SaveWallet(ctx context.Context, w *WalletRecord) error {
	_, err := p.db.NamedExecContext(ctx, `
		INSERT INTO temp_wallets (deployment_id, address, private_key)
		VALUES (:deployment_id, :address, :private_key)
		ON CONFLICT (deployment_id) DO UPDATE SET address = EXCLUDED.address, private_key = EXCLUDED.private_key`, w)
	if err != nil {
		return fmt.Errorf("save wallet: %w", err)
	}
	return nil
}

func (p *Postgres) GetWalletByDeployment(ctx context.Context, deploymentID string) (*WalletRecord, error) {
	var w WalletRecord
	err := p.db.GetContext(ctx, &w, `SELECT * FROM temp_wallets WHERE deployment_id = $1`, deploymentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet: %w", err)
	}
	return &w, nil
}

func (p *Postgres) GetWalletByAddress(ctx context.Context, address string) (*WalletRecord, error) {
	var w WalletRecord
	err := p.db.GetContext(ctx, &w, `SELECT * FROM temp_wallets WHERE address = $1`, address)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet by address: %w", err)
	}
	return &w, nil
}

func (p *Postgres) GetPool(ctx context.Context) (*Pool, error) {
	var pool Pool
	err := p.db.GetContext(ctx, &pool, `
		SELECT reward_per_share, total_deposited, liquid_balance, reserved,
		       reward_pool, platform_pool, fee_reserve, admin, paused
		FROM treasury_pool WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pool: %w", err)
	}
	return &pool, nil
}

func (p *Postgres) SavePool(ctx context.Context, pool *Pool) error {
	_, err := p.db.NamedExecContext(ctx, `
		INSERT INTO treasury_pool (
			id, reward_per_share, total_deposited, liquid_balance, reserved,
			reward_pool, platform_pool, fee_reserve, admin, paused
		) VALUES (
			1, :reward_per_share, :total_deposited, :liquid_balance, :reserved,
			:reward_pool, :platform_pool, :fee_reserve, :admin, :paused
		)
		ON CONFLICT (id) DO UPDATE SET
			reward_per_share = EXCLUDED.reward_per_share,
			total_deposited = EXCLUDED.total_deposited,
			liquid_balance = EXCLUDED.liquid_balance,
			reserved = EXCLUDED.reserved,
			reward_pool = EXCLUDED.reward_pool,
			platform_pool = EXCLUDED.platform_pool,
			fee_reserve = EXCLUDED.fee_reserve,
			admin = EXCLUDED.admin,
			paused = EXCLUDED.paused`, pool)
	if err != nil {
		return fmt.Errorf("save pool: %w", err)
	}
	return nil
}

func (p *Postgres) GetBacker(ctx context.Context, address string) (*Backer, error) {
	var b Backer
	err := p.db.GetContext(ctx, &b, `SELECT * FROM backers WHERE address = $1`, address)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get backer: %w", err)
	}
	return &b, nil
}

func (p *Postgres) SaveBacker(ctx context.Context, b *Backer) error {
	_, err := p.db.NamedExecContext(ctx, `
		INSERT INTO backers (address, deposited, reward_debt, pending_rewards, claimed_total, active)
		VALUES (:address, :deposited, :reward_debt, :pending_rewards, :claimed_total, :active)
		ON CONFLICT (address) DO UPDATE SET
			deposited = EXCLUDED.deposited,
			reward_debt = EXCLUDED.reward_debt,
			pending_rewards = EXCLUDED.pending_rewards,
			claimed_total = EXCLUDED.claimed_total,
			active = EXCLUDED.active`, b)
	if err != nil {
		return fmt.Errorf("save backer: %w", err)
	}
	return nil
}

func (p *Postgres) ListBackers(ctx context.Context) ([]*Backer, error) {
	var out []*Backer
	if err := p.db.SelectContext(ctx, &out, `SELECT * FROM backers ORDER BY address`); err != nil {
		return nil, fmt.Errorf("list backers: %w", err)
	}
	return out, nil
}

func (p *Postgres) GetReservation(ctx context.Context, contentHash string) (*Reservation, error) {
	var r Reservation
	err := p.db.GetContext(ctx, &r, `SELECT * FROM reservations WHERE content_hash = $1`, contentHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get reservation: %w", err)
	}
	return &r, nil
}

func (p *Postgres) SaveReservation(ctx context.Context, r *Reservation) error {
	_, err := p.db.NamedExecContext(ctx, `
		INSERT INTO reservations (content_hash, amount, status)
		VALUES (:content_hash, :amount, :status)
		ON CONFLICT (content_hash) DO UPDATE SET amount = EXCLUDED.amount, status = EXCLUDED.status`, r)
	if err != nil {
		return fmt.Errorf("save reservation: %w", err)
	}
	return nil
}

func (p *Postgres) DeleteReservation(ctx context.Context, contentHash string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM reservations WHERE content_hash = $1`, contentHash); err != nil {
		return fmt.Errorf("delete reservation: %w", err)
	}
	return nil
}
