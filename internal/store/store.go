// Package store implements the durable relational persistence layer of
// spec §6: relayers, transactions, webhook delivery history, allowlist,
// and rate-limit tables, backed by a cgo-free SQLite driver. All writes
// are idempotent on primary key collision (spec §6).
//
// Grounded directly on geth-17-indexer's database/sql +
// modernc.org/sqlite pattern (CREATE TABLE IF NOT EXISTS, parameterized
// db.Exec), extended from its single transfers table to the full
// schema this engine's components need.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	_ "modernc.org/sqlite"

	"github.com/rrelayer/rrelayer/internal/model"
	"github.com/rrelayer/rrelayer/internal/webhook"
)

const schema = `
CREATE TABLE IF NOT EXISTS relayers (
	id TEXT PRIMARY KEY,
	wallet_index INTEGER NOT NULL,
	address TEXT NOT NULL,
	chain_id INTEGER NOT NULL,
	name TEXT NOT NULL,
	paused INTEGER NOT NULL DEFAULT 0,
	eip1559_enabled INTEGER NOT NULL DEFAULT 0,
	allowlisted_only INTEGER NOT NULL DEFAULT 0,
	max_gas_price TEXT
);

CREATE TABLE IF NOT EXISTS transactions (
	id TEXT PRIMARY KEY,
	external_id TEXT,
	relayer_id TEXT NOT NULL,
	chain_id INTEGER NOT NULL,
	to_address TEXT NOT NULL,
	from_address TEXT NOT NULL,
	value TEXT NOT NULL,
	data BLOB,
	speed INTEGER NOT NULL,
	nonce INTEGER NOT NULL,
	gas_limit INTEGER,
	known_transaction_hash TEXT,
	status TEXT NOT NULL,
	sent_max_fee TEXT,
	sent_max_priority_fee TEXT,
	queued_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL,
	sent_at INTEGER,
	mined_at INTEGER,
	mined_at_block_number INTEGER,
	confirmed_at INTEGER,
	cancelled_by_transaction_id TEXT,
	is_noop INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_transactions_status ON transactions(status);
CREATE INDEX IF NOT EXISTS idx_transactions_relayer ON transactions(relayer_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_relayer_external
	ON transactions(relayer_id, external_id) WHERE external_id IS NOT NULL AND external_id != '';

CREATE TABLE IF NOT EXISTS webhook_delivery_history (
	id TEXT PRIMARY KEY,
	endpoint_name TEXT NOT NULL,
	event_type TEXT NOT NULL,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS allowlist (
	relayer_id TEXT NOT NULL,
	address TEXT NOT NULL,
	PRIMARY KEY (relayer_id, address)
);

CREATE TABLE IF NOT EXISTS rate_limit_rules (
	user_key TEXT PRIMARY KEY,
	transactions_per_minute INTEGER,
	signing_per_minute INTEGER
);

CREATE TABLE IF NOT EXISTS rate_limit_usage (
	cache_key TEXT PRIMARY KEY,
	window_start INTEGER NOT NULL,
	usage_count INTEGER NOT NULL
);
`

// Store wraps a SQLite handle implementing every persistence surface
// the engine's packages depend on (queue.Store, webhook.Store).
type Store struct {
	db *sql.DB
}

// Open creates (or opens) the SQLite database at path and ensures the
// schema exists. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func nullableBig(v *big.Int) any {
	if v == nil {
		return nil
	}
	return v.String()
}

func unixOrNull(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func uint64PtrOrNull(v *uint64) any {
	if v == nil {
		return nil
	}
	return *v
}

func hashOrNull(h *common.Hash) any {
	if h == nil {
		return nil
	}
	return h.Hex()
}

// SaveTransaction upserts a transaction record, idempotent on id
// collision (spec §6, implements internal/queue's Store interface).
func (s *Store) SaveTransaction(ctx context.Context, tx *model.Transaction) error {
	var cancelledBy any
	if tx.CancelledByTransactionId != nil {
		cancelledBy = tx.CancelledByTransactionId.String()
	}
	var maxFee, maxPriority any
	if tx.SentWithGas != nil {
		maxFee = nullableBig(tx.SentWithGas.MaxFee)
		maxPriority = nullableBig(tx.SentWithGas.MaxPriorityFee)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions (
			id, external_id, relayer_id, chain_id, to_address, from_address, value, data,
			speed, nonce, gas_limit, known_transaction_hash, status,
			sent_max_fee, sent_max_priority_fee,
			queued_at, expires_at, sent_at, mined_at, mined_at_block_number, confirmed_at,
			cancelled_by_transaction_id, is_noop
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			status=excluded.status,
			to_address=excluded.to_address,
			value=excluded.value,
			data=excluded.data,
			gas_limit=excluded.gas_limit,
			known_transaction_hash=excluded.known_transaction_hash,
			sent_max_fee=excluded.sent_max_fee,
			sent_max_priority_fee=excluded.sent_max_priority_fee,
			sent_at=excluded.sent_at,
			mined_at=excluded.mined_at,
			mined_at_block_number=excluded.mined_at_block_number,
			confirmed_at=excluded.confirmed_at,
			cancelled_by_transaction_id=excluded.cancelled_by_transaction_id,
			is_noop=excluded.is_noop
	`,
		tx.Id.String(), tx.ExternalId, tx.RelayerId.String(), tx.ChainId,
		tx.To.Hex(), tx.From.Hex(), bigString(tx.Value), tx.Data,
		int(tx.Speed), tx.Nonce, uint64PtrOrNull(tx.GasLimit), hashOrNull(tx.KnownTransactionHash), tx.Status.String(),
		maxFee, maxPriority,
		tx.QueuedAt.Unix(), tx.ExpiresAt.Unix(), unixOrNull(tx.SentAt), unixOrNull(tx.MinedAt), uint64PtrOrNull(tx.MinedAtBlockNumber), unixOrNull(tx.ConfirmedAt),
		cancelledBy, tx.IsNoop,
	)
	if err != nil {
		return fmt.Errorf("store: save transaction %s: %w", tx.Id, err)
	}
	return nil
}

// UpdateTransactionHash records a gas-bump's new hash/fees/sent_at
// without rewriting the full row (spec §4.5: "Do not persist the
// gas-bump update to storage except to record the new hash").
func (s *Store) UpdateTransactionHash(ctx context.Context, id model.TransactionId, hash common.Hash, sentAt time.Time, fees model.GasFees) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE transactions
		SET known_transaction_hash = ?, sent_max_fee = ?, sent_max_priority_fee = ?, sent_at = ?
		WHERE id = ?
	`, hash.Hex(), nullableBig(fees.MaxFee), nullableBig(fees.MaxPriorityFee), sentAt.Unix(), id.String())
	if err != nil {
		return fmt.Errorf("store: update transaction hash %s: %w", id, err)
	}
	return nil
}

// SaveRelayer upserts a relayer record.
func (s *Store) SaveRelayer(ctx context.Context, r *model.Relayer) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO relayers (id, wallet_index, address, chain_id, name, paused, eip1559_enabled, allowlisted_only, max_gas_price)
		VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			paused=excluded.paused,
			eip1559_enabled=excluded.eip1559_enabled,
			allowlisted_only=excluded.allowlisted_only,
			max_gas_price=excluded.max_gas_price
	`, r.Id.String(), r.WalletIndex, r.Address.Hex(), r.ChainId, r.Name, r.Paused, r.EIP1559Enabled, r.AllowlistedOnly, nullableBig(r.MaxGasPrice))
	if err != nil {
		return fmt.Errorf("store: save relayer %s: %w", r.Id, err)
	}
	return nil
}

// LoadRelayers returns every persisted relayer, used at startup to
// rebuild the registry (spec §3: "Lifecycle: created by admin,
// persisted, never destroyed").
func (s *Store) LoadRelayers(ctx context.Context) ([]*model.Relayer, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, wallet_index, address, chain_id, name, paused, eip1559_enabled, allowlisted_only, max_gas_price FROM relayers`)
	if err != nil {
		return nil, fmt.Errorf("store: load relayers: %w", err)
	}
	defer rows.Close()

	var out []*model.Relayer
	for rows.Next() {
		var idStr, addrStr, name string
		var walletIndex uint32
		var chainId uint64
		var paused, eip1559, allowlistedOnly bool
		var maxGasPrice sql.NullString
		if err := rows.Scan(&idStr, &walletIndex, &addrStr, &chainId, &name, &paused, &eip1559, &allowlistedOnly, &maxGasPrice); err != nil {
			return nil, fmt.Errorf("store: scan relayer: %w", err)
		}
		id, err := model.ParseRelayerId(idStr)
		if err != nil {
			return nil, fmt.Errorf("store: parse relayer id %s: %w", idStr, err)
		}
		r := &model.Relayer{
			Id:              id,
			WalletIndex:     walletIndex,
			Address:         common.HexToAddress(addrStr),
			ChainId:         chainId,
			Name:            name,
			Paused:          paused,
			EIP1559Enabled:  eip1559,
			AllowlistedOnly: allowlistedOnly,
		}
		if maxGasPrice.Valid {
			v, ok := new(big.Int).SetString(maxGasPrice.String, 10)
			if ok {
				r.MaxGasPrice = v
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// IsAllowlisted reports whether address is on relayerId's allowlist
// (spec §3: relayer policy attribute "allowlisted_only").
func (s *Store) IsAllowlisted(ctx context.Context, relayerId model.RelayerId, address common.Address) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM allowlist WHERE relayer_id = ? AND address = ?`, relayerId.String(), address.Hex()).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("store: check allowlist: %w", err)
	}
	return count > 0, nil
}

// AddAllowlistEntry adds address to relayerId's allowlist, idempotent
// on collision.
func (s *Store) AddAllowlistEntry(ctx context.Context, relayerId model.RelayerId, address common.Address) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO allowlist (relayer_id, address) VALUES (?, ?)`, relayerId.String(), address.Hex())
	if err != nil {
		return fmt.Errorf("store: add allowlist entry: %w", err)
	}
	return nil
}

// SaveDelivery upserts a webhook delivery record into
// webhook_delivery_history (spec §6, implements internal/webhook's
// Store interface).
func (s *Store) SaveDelivery(ctx context.Context, d *webhook.Delivery) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_delivery_history (id, endpoint_name, event_type, status, attempts, updated_at)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			status=excluded.status,
			attempts=excluded.attempts,
			updated_at=excluded.updated_at
	`, d.Id, d.Endpoint.Name, d.EventType, d.Status, d.Attempts, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("store: save delivery %s: %w", d.Id, err)
	}
	return nil
}
