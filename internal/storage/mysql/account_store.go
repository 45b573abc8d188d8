package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"scheduled-gpt-oracle/internal/ledger"
)

const (
	selectAccountSQL = `SELECT owner, lamports, data FROM accounts WHERE address = ?`
	upsertAccountSQL = `INSERT INTO accounts (address, owner, lamports, data, updated_at)
    VALUES (?, ?, ?, ?, ?)
    ON DUPLICATE KEY UPDATE owner = VALUES(owner), lamports = VALUES(lamports), data = VALUES(data), updated_at = VALUES(updated_at)`
	deleteAccountSQL = `DELETE FROM accounts WHERE address = ?`
)

// AccountStore 将账本账户保存在 MySQL 中。
type AccountStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewAccountStore 建立连接池并执行迁移。
func NewAccountStore(ctx context.Context, cfg Config) (*AccountStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return newAccountStore(db), nil
}

func newAccountStore(db *sql.DB) *AccountStore {
	return &AccountStore{db: db, now: time.Now}
}

// Load 实现 ledger.Store。
func (s *AccountStore) Load(ctx context.Context, key ledger.PublicKey) (*ledger.Account, error) {
	row := s.db.QueryRowContext(ctx, selectAccountSQL, key.String())
	var (
		owner string
		acct  ledger.Account
	)
	if err := row.Scan(&owner, &acct.Lamports, &acct.Data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ledger.ErrAccountNotFound
		}
		return nil, fmt.Errorf("查询账户 %s 失败: %w", key, err)
	}
	ownerKey, err := ledger.ParsePublicKey(owner)
	if err != nil {
		return nil, fmt.Errorf("解析账户 %s 的 owner 失败: %w", key, err)
	}
	acct.Owner = ownerKey
	return &acct, nil
}

// Apply 在单个 SQL 事务中写入全部变更。
func (s *AccountStore) Apply(ctx context.Context, changes []ledger.Change) (err error) {
	if len(changes) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	now := s.now().Unix()
	for _, change := range changes {
		if change.Account == nil {
			if _, err = tx.ExecContext(ctx, deleteAccountSQL, change.Key.String()); err != nil {
				return fmt.Errorf("删除账户 %s 失败: %w", change.Key, err)
			}
			continue
		}
		data := change.Account.Data
		if data == nil {
			data = []byte{}
		}
		if _, err = tx.ExecContext(ctx, upsertAccountSQL,
			change.Key.String(),
			change.Account.Owner.String(),
			change.Account.Lamports,
			data,
			now,
		); err != nil {
			return fmt.Errorf("写入账户 %s 失败: %w", change.Key, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("提交事务失败: %w", err)
	}
	return nil
}

// Close 关闭底层连接池。
func (s *AccountStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ ledger.Store = (*AccountStore)(nil)
