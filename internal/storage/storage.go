package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrStateConflict = errors.New("session not in expected state")
	ErrNonceConflict = errors.New("account nonce moved")
)

// Storage handles all database operations
type Storage struct {
	db *sql.DB
}

// New creates a new Storage instance and initializes the database
func New(dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	// One writer keeps nonce and state transitions serialized.
	db.SetMaxOpenConns(1)

	s := &Storage{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the database connection
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			nonce INTEGER NOT NULL DEFAULT 0,
			viewing_key TEXT NOT NULL,
			spending_public_key TEXT NOT NULL,
			telegram_chat_id INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS account_tokens (
			account_id TEXT NOT NULL REFERENCES accounts(id),
			chain_id INTEGER NOT NULL,
			token TEXT NOT NULL,
			PRIMARY KEY (account_id, chain_id, token)
		)`,

		`CREATE TABLE IF NOT EXISTS deposit_addresses (
			account_id TEXT NOT NULL REFERENCES accounts(id),
			nonce INTEGER NOT NULL,
			address TEXT NOT NULL,
			chain_id INTEGER NOT NULL,
			predicted_wallet_address TEXT NOT NULL DEFAULT '',
			is_wallet_deployed INTEGER NOT NULL DEFAULT 0,
			is_funded INTEGER NOT NULL DEFAULT 0,
			funded_tx_hash TEXT NOT NULL DEFAULT '',
			funded_from TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			PRIMARY KEY (account_id, nonce)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_deposit_addresses_address ON deposit_addresses(address)`,

		`CREATE TABLE IF NOT EXISTS payment_sessions (
			payment_id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL REFERENCES accounts(id),
			device_id TEXT NOT NULL DEFAULT '',
			nonce INTEGER NOT NULL,
			address TEXT NOT NULL,
			watch_address TEXT NOT NULL,
			token_address TEXT NOT NULL,
			chain_id INTEGER NOT NULL,
			token_amount TEXT NOT NULL,
			status TEXT NOT NULL,
			is_active INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			completed_at INTEGER,
			tx_hash TEXT NOT NULL DEFAULT '',
			from_address TEXT NOT NULL DEFAULT '',
			actual_amount TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_payment_sessions_status ON payment_sessions(status)`,

		`CREATE TABLE IF NOT EXISTS device_sessions (
			device_id TEXT NOT NULL,
			account_id TEXT NOT NULL,
			last_active_payment_id TEXT NOT NULL,
			last_address TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (device_id, account_id)
		)`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return err
		}
	}

	return nil
}

// --- Accounts ---

// UpsertAccount registers an account or refreshes its keys and token set.
// The nonce of an existing account is never touched.
func (s *Storage) UpsertAccount(ctx context.Context, acc Account) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO accounts (id, nonce, viewing_key, spending_public_key, telegram_chat_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			viewing_key = excluded.viewing_key,
			spending_public_key = excluded.spending_public_key,
			telegram_chat_id = excluded.telegram_chat_id`,
		acc.ID, int64(acc.Nonce), acc.ViewingKey, acc.SpendingPublicKey, acc.TelegramChatID, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM account_tokens WHERE account_id = ?", acc.ID); err != nil {
		return fmt.Errorf("clear tokens: %w", err)
	}
	for _, t := range acc.Tokens {
		_, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO account_tokens (account_id, chain_id, token) VALUES (?, ?, ?)",
			acc.ID, t.ChainID, strings.ToLower(t.Token),
		)
		if err != nil {
			return fmt.Errorf("insert token: %w", err)
		}
	}

	return tx.Commit()
}

// GetAccount returns an account with its supported tokens
func (s *Storage) GetAccount(ctx context.Context, id string) (*Account, error) {
	var acc Account
	var nonce, createdAt int64

	err := s.db.QueryRowContext(ctx,
		`SELECT id, nonce, viewing_key, spending_public_key, telegram_chat_id, created_at
		 FROM accounts WHERE id = ?`,
		id,
	).Scan(&acc.ID, &nonce, &acc.ViewingKey, &acc.SpendingPublicKey, &acc.TelegramChatID, &createdAt)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	acc.Nonce = uint64(nonce)
	acc.CreatedAt = time.UnixMilli(createdAt)

	rows, err := s.db.QueryContext(ctx,
		"SELECT chain_id, token FROM account_tokens WHERE account_id = ? ORDER BY chain_id, token",
		id,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var t TokenRef
		if err := rows.Scan(&t.ChainID, &t.Token); err != nil {
			return nil, err
		}
		acc.Tokens = append(acc.Tokens, t)
	}

	return &acc, rows.Err()
}

// --- Deposit Addresses ---

// IssueAddress records addr and advances the account nonce from expectedNonce
// to expectedNonce+1 in one transaction. ErrNonceConflict means another issuance
// consumed expectedNonce first.
func (s *Storage) IssueAddress(ctx context.Context, expectedNonce uint64, addr DepositAddress) error {
	if addr.Nonce != expectedNonce {
		return fmt.Errorf("address nonce %d does not match expected %d", addr.Nonce, expectedNonce)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		"UPDATE accounts SET nonce = nonce + 1 WHERE id = ? AND nonce = ?",
		addr.AccountID, int64(expectedNonce),
	)
	if err != nil {
		return fmt.Errorf("advance nonce: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, "SELECT 1 FROM accounts WHERE id = ?", addr.AccountID).Scan(&exists)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return ErrNonceConflict
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO deposit_addresses
			(account_id, nonce, address, chain_id, predicted_wallet_address, is_wallet_deployed, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		addr.AccountID, int64(addr.Nonce), addr.Address, addr.ChainID,
		addr.PredictedWalletAddress, addr.IsWalletDeployed, time.Now().UnixMilli(),
	)
	if isConstraint(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert deposit address: %w", err)
	}

	return tx.Commit()
}

const depositAddressColumns = `account_id, nonce, address, chain_id, predicted_wallet_address,
	is_wallet_deployed, is_funded, funded_tx_hash, funded_from, created_at`

func scanDepositAddress(row interface{ Scan(...any) error }) (*DepositAddress, error) {
	var d DepositAddress
	var nonce, createdAt int64

	err := row.Scan(&d.AccountID, &nonce, &d.Address, &d.ChainID, &d.PredictedWalletAddress,
		&d.IsWalletDeployed, &d.IsFunded, &d.FundedTxHash, &d.FundedFrom, &createdAt)
	if err != nil {
		return nil, err
	}

	d.Nonce = uint64(nonce)
	d.CreatedAt = time.UnixMilli(createdAt)
	return &d, nil
}

// GetDepositAddress returns the address issued for an account nonce
func (s *Storage) GetDepositAddress(ctx context.Context, accountID string, nonce uint64) (*DepositAddress, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+depositAddressColumns+" FROM deposit_addresses WHERE account_id = ? AND nonce = ?",
		accountID, int64(nonce),
	)

	d, err := scanDepositAddress(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return d, err
}

// ListDepositAddresses returns all addresses issued for an account, lowest nonce first
func (s *Storage) ListDepositAddresses(ctx context.Context, accountID string) ([]DepositAddress, error) {
	return s.queryDepositAddresses(ctx,
		"SELECT "+depositAddressColumns+" FROM deposit_addresses WHERE account_id = ? ORDER BY nonce",
		accountID,
	)
}

// ListUndeployedWallets returns addresses whose predicted wallet is not known to be deployed
func (s *Storage) ListUndeployedWallets(ctx context.Context) ([]DepositAddress, error) {
	return s.queryDepositAddresses(ctx,
		"SELECT "+depositAddressColumns+` FROM deposit_addresses
		 WHERE predicted_wallet_address != '' AND is_wallet_deployed = 0
		 ORDER BY account_id, nonce`,
	)
}

func (s *Storage) queryDepositAddresses(ctx context.Context, query string, args ...any) ([]DepositAddress, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DepositAddress
	for rows.Next() {
		d, err := scanDepositAddress(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}

	return out, rows.Err()
}

// MarkWalletDeployed flags the predicted wallet of an issued address as deployed
func (s *Storage) MarkWalletDeployed(ctx context.Context, accountID string, nonce uint64) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE deposit_addresses SET is_wallet_deployed = 1 WHERE account_id = ? AND nonce = ?",
		accountID, int64(nonce),
	)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkAddressFunded records the funding transfer on an issued address
func (s *Storage) MarkAddressFunded(ctx context.Context, accountID string, nonce uint64, txHash, from string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE deposit_addresses SET is_funded = 1, funded_tx_hash = ?, funded_from = ?
		 WHERE account_id = ? AND nonce = ?`,
		txHash, from, accountID, int64(nonce),
	)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Payment Sessions ---

// CreateSession inserts a new payment session
func (s *Storage) CreateSession(ctx context.Context, ps *PaymentSession) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO payment_sessions
			(payment_id, account_id, device_id, nonce, address, watch_address, token_address, chain_id,
			 token_amount, status, is_active, expires_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ps.PaymentID, ps.AccountID, ps.DeviceID, int64(ps.Nonce), ps.Address, ps.WatchAddress,
		strings.ToLower(ps.TokenAddress), ps.ChainID, ps.TokenAmount, string(ps.Status),
		ps.Status.IsActive(), ps.ExpiresAt.UnixMilli(), now.UnixMilli(), now.UnixMilli(),
	)
	if isConstraint(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return err
	}

	ps.IsActive = ps.Status.IsActive()
	ps.CreatedAt = time.UnixMilli(now.UnixMilli())
	ps.UpdatedAt = ps.CreatedAt
	return nil
}

const sessionColumns = `payment_id, account_id, device_id, nonce, address, watch_address, token_address,
	chain_id, token_amount, status, is_active, expires_at, completed_at, tx_hash, from_address,
	actual_amount, created_at, updated_at`

func scanSession(row interface{ Scan(...any) error }) (*PaymentSession, error) {
	var ps PaymentSession
	var nonce, expiresAt, createdAt, updatedAt int64
	var status string
	var completedAt sql.NullInt64

	err := row.Scan(&ps.PaymentID, &ps.AccountID, &ps.DeviceID, &nonce, &ps.Address, &ps.WatchAddress,
		&ps.TokenAddress, &ps.ChainID, &ps.TokenAmount, &status, &ps.IsActive, &expiresAt, &completedAt,
		&ps.TxHash, &ps.FromAddress, &ps.ActualAmount, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	ps.Nonce = uint64(nonce)
	ps.Status = SessionStatus(status)
	ps.ExpiresAt = time.UnixMilli(expiresAt)
	ps.CreatedAt = time.UnixMilli(createdAt)
	ps.UpdatedAt = time.UnixMilli(updatedAt)
	if completedAt.Valid {
		t := time.UnixMilli(completedAt.Int64)
		ps.CompletedAt = &t
	}

	return &ps, nil
}

// GetSession returns a payment session by ID
func (s *Storage) GetSession(ctx context.Context, paymentID string) (*PaymentSession, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM payment_sessions WHERE payment_id = ?",
		paymentID,
	)

	ps, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return ps, err
}

// ListSessionsByStatus returns all sessions currently in status
func (s *Storage) ListSessionsByStatus(ctx context.Context, status SessionStatus) ([]PaymentSession, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+sessionColumns+" FROM payment_sessions WHERE status = ? ORDER BY created_at",
		string(status),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PaymentSession
	for rows.Next() {
		ps, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ps)
	}

	return out, rows.Err()
}

// TransitionSession moves a session to `to` only if it currently holds one of
// `from`. It returns ErrStateConflict when the session is in any other state.
func (s *Storage) TransitionSession(ctx context.Context, paymentID string, from []SessionStatus, to SessionStatus, upd SessionUpdate) (*PaymentSession, error) {
	if len(from) == 0 {
		return nil, fmt.Errorf("transition to %s: no source states", to)
	}

	placeholders := make([]string, len(from))
	args := []any{string(to), to.IsActive(), time.Now().UnixMilli()}

	var completedAt any
	if upd.CompletedAt != nil {
		completedAt = upd.CompletedAt.UnixMilli()
	}
	args = append(args, completedAt,
		upd.TxHash, upd.TxHash,
		upd.FromAddress, upd.FromAddress,
		upd.ActualAmount, upd.ActualAmount,
		paymentID,
	)
	for i, st := range from {
		placeholders[i] = "?"
		args = append(args, string(st))
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE payment_sessions SET
			status = ?, is_active = ?, updated_at = ?,
			completed_at = COALESCE(?, completed_at),
			tx_hash = CASE WHEN ? != '' THEN ? ELSE tx_hash END,
			from_address = CASE WHEN ? != '' THEN ? ELSE from_address END,
			actual_amount = CASE WHEN ? != '' THEN ? ELSE actual_amount END
		 WHERE payment_id = ? AND status IN (`+strings.Join(placeholders, ",")+`)`,
		args...,
	)
	if err != nil {
		return nil, err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		if _, err := s.GetSession(ctx, paymentID); err != nil {
			return nil, err
		}
		return nil, ErrStateConflict
	}

	return s.GetSession(ctx, paymentID)
}

// --- Device Sessions ---

// UpsertDeviceSession points a device at its latest payment
func (s *Storage) UpsertDeviceSession(ctx context.Context, ds DeviceSession) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO device_sessions (device_id, account_id, last_active_payment_id, last_address, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(device_id, account_id) DO UPDATE SET
			last_active_payment_id = excluded.last_active_payment_id,
			last_address = excluded.last_address,
			updated_at = excluded.updated_at`,
		ds.DeviceID, ds.AccountID, ds.LastActivePaymentID, ds.LastAddress, time.Now().UnixMilli(),
	)
	return err
}

// GetDeviceSession returns the device pointer for an account
func (s *Storage) GetDeviceSession(ctx context.Context, deviceID, accountID string) (*DeviceSession, error) {
	var ds DeviceSession
	var updatedAt int64

	err := s.db.QueryRowContext(ctx,
		`SELECT device_id, account_id, last_active_payment_id, last_address, updated_at
		 FROM device_sessions WHERE device_id = ? AND account_id = ?`,
		deviceID, accountID,
	).Scan(&ds.DeviceID, &ds.AccountID, &ds.LastActivePaymentID, &ds.LastAddress, &updatedAt)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	ds.UpdatedAt = time.UnixMilli(updatedAt)
	return &ds, nil
}

func isConstraint(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}
