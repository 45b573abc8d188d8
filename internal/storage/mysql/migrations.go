package mysql

import (
	"bufio"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"scheduled-gpt-oracle/deploy/migrations"
	"scheduled-gpt-oracle/pkg/logger"
)

const (
	createLedgerSchemaSQL = `CREATE TABLE IF NOT EXISTS ledger_schema (
        version INT NOT NULL PRIMARY KEY,
        name VARCHAR(128) NOT NULL,
        checksum CHAR(64) NOT NULL,
        applied_at BIGINT NOT NULL
)`
	selectLedgerSchemaSQL = `SELECT version, checksum FROM ledger_schema`
	insertLedgerSchemaSQL = `INSERT INTO ledger_schema (version, name, checksum, applied_at) VALUES (?, ?, ?, ?)`
)

// schemaStep 是一个按版本号排序的 SQL 文件。checksum 记录在 ledger_schema
// 中，已应用的文件内容被改动时启动失败。
type schemaStep struct {
	version    int
	name       string
	checksum   string
	statements []string
}

type migrator struct {
	db     *sql.DB
	source fs.FS
	now    func() time.Time
	logger *slog.Logger
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	m := &migrator{db: db, source: migrations.Files, now: time.Now, logger: logger.Named("mysql")}
	return m.migrate(ctx)
}

func (m *migrator) migrate(ctx context.Context) error {
	steps, err := readSchemaSteps(m.source)
	if err != nil {
		return err
	}
	if _, err := m.db.ExecContext(ctx, createLedgerSchemaSQL); err != nil {
		return fmt.Errorf("创建 ledger_schema 表失败: %w", err)
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return err
	}

	known := make(map[int]struct{}, len(steps))
	for _, step := range steps {
		known[step.version] = struct{}{}
		sum, done := applied[step.version]
		if done {
			if sum != step.checksum {
				return fmt.Errorf("迁移 %s 已应用但内容已变化", step.name)
			}
			continue
		}
		if err := m.apply(ctx, step); err != nil {
			return err
		}
		m.logger.Info("schema step applied", slog.Int("version", step.version), slog.String("file", step.name))
	}
	for version := range applied {
		if _, ok := known[version]; !ok {
			return fmt.Errorf("数据库包含未知的迁移版本 %d，可能由更新的程序写入", version)
		}
	}
	return nil
}

func (m *migrator) applied(ctx context.Context) (map[int]string, error) {
	rows, err := m.db.QueryContext(ctx, selectLedgerSchemaSQL)
	if err != nil {
		return nil, fmt.Errorf("查询 ledger_schema 失败: %w", err)
	}
	defer rows.Close()

	out := make(map[int]string)
	for rows.Next() {
		var (
			version int
			sum     string
		)
		if err := rows.Scan(&version, &sum); err != nil {
			return nil, fmt.Errorf("解析 ledger_schema 失败: %w", err)
		}
		out[version] = sum
	}
	return out, rows.Err()
}

// apply 在单个事务中执行一个文件并登记版本。MySQL 的 DDL 会隐式提交，
// 所以失败的文件需要人工检查。
func (m *migrator) apply(ctx context.Context, step schemaStep) (err error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启迁移事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for i, stmt := range step.statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("迁移 %s 第 %d 条语句失败: %w", step.name, i+1, err)
		}
	}
	if _, err = tx.ExecContext(ctx, insertLedgerSchemaSQL, step.version, step.name, step.checksum, m.now().Unix()); err != nil {
		return fmt.Errorf("登记迁移 %s 失败: %w", step.name, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("提交迁移 %s 失败: %w", step.name, err)
	}
	return nil
}

// readSchemaSteps 读取 NNNN_description.sql 形式的文件，版本号必须唯一。
func readSchemaSteps(source fs.FS) ([]schemaStep, error) {
	names, err := fs.Glob(source, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("读取迁移目录失败: %w", err)
	}
	seen := make(map[int]string, len(names))
	steps := make([]schemaStep, 0, len(names))
	for _, name := range names {
		prefix, _, ok := strings.Cut(strings.TrimSuffix(path.Base(name), ".sql"), "_")
		version, convErr := strconv.Atoi(prefix)
		if !ok || convErr != nil || version <= 0 {
			return nil, fmt.Errorf("迁移文件名 %s 缺少版本号", name)
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("迁移 %s 与 %s 版本号重复", name, prev)
		}
		seen[version] = name

		content, err := fs.ReadFile(source, name)
		if err != nil {
			return nil, fmt.Errorf("读取迁移文件 %s 失败: %w", name, err)
		}
		sum := sha256.Sum256(content)
		steps = append(steps, schemaStep{
			version:    version,
			name:       name,
			checksum:   hex.EncodeToString(sum[:]),
			statements: sqlStatements(string(content)),
		})
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].version < steps[j].version })
	return steps, nil
}

// sqlStatements 按分号切分语句，跳过 "--" 注释行。
func sqlStatements(content string) []string {
	var (
		out []string
		cur strings.Builder
	)
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		cur.WriteString(line)
		cur.WriteByte('\n')
		if strings.HasSuffix(strings.TrimSpace(line), ";") {
			if stmt := strings.TrimSuffix(strings.TrimSpace(cur.String()), ";"); stmt != "" {
				out = append(out, stmt)
			}
			cur.Reset()
		}
	}
	if stmt := strings.TrimSpace(cur.String()); stmt != "" {
		out = append(out, stmt)
	}
	return out
}
