package mysql

import (
	"bufio"
	"cmp"
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"slices"
	"strconv"
	"strings"
	"time"

	"ChainPilot/deploy/migrations"
	"ChainPilot/pkg/logger"
)

const schemaMigrationsDDL = `CREATE TABLE IF NOT EXISTS schema_migrations (
    version INT NOT NULL PRIMARY KEY,
    name VARCHAR(255) NOT NULL,
    applied_at BIGINT NOT NULL
)`

// migration 对应一个形如 0001_create_chats.sql 的迁移文件。
type migration struct {
	version    int
	name       string
	statements []string
}

// migrator 按版本号顺序执行尚未应用的迁移，每个版本在独立事务中执行并记录到 schema_migrations。
type migrator struct {
	db     *sql.DB
	source fs.FS
	now    func() time.Time
	logger *slog.Logger
}

func newMigrator(db *sql.DB, source fs.FS) *migrator {
	return &migrator{db: db, source: source, now: time.Now, logger: logger.Named("mysql")}
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	return newMigrator(db, migrations.Files).up(ctx)
}

func (m *migrator) up(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, schemaMigrationsDDL); err != nil {
		return fmt.Errorf("创建 schema_migrations 表失败: %w", err)
	}
	plan, err := loadMigrations(m.source)
	if err != nil {
		return err
	}
	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return err
	}
	for _, mig := range plan {
		if applied[mig.version] {
			continue
		}
		if err := m.apply(ctx, mig); err != nil {
			return err
		}
		m.logger.Info("数据库迁移已执行", slog.Int("version", mig.version), slog.String("name", mig.name))
	}
	return nil
}

func (m *migrator) appliedVersions(ctx context.Context) (map[int]bool, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("查询已执行的迁移失败: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("解析迁移版本失败: %w", err)
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (m *migrator) apply(ctx context.Context, mig migration) (err error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启迁移事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for i, stmt := range mig.statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("迁移 %s 第 %d 条语句失败: %w", mig.name, i+1, err)
		}
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
		mig.version, mig.name, m.now().UnixMilli()); err != nil {
		return fmt.Errorf("记录迁移 %s 失败: %w", mig.name, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("提交迁移 %s 失败: %w", mig.name, err)
	}
	return nil
}

// loadMigrations 读取 source 根目录下的 .sql 文件，按版本号升序返回。版本号重复时报错。
func loadMigrations(source fs.FS) ([]migration, error) {
	names, err := fs.Glob(source, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("列出迁移文件失败: %w", err)
	}

	plan := make([]migration, 0, len(names))
	seen := make(map[int]string, len(names))
	for _, name := range names {
		version, err := migrationVersion(name)
		if err != nil {
			return nil, err
		}
		if other, dup := seen[version]; dup {
			return nil, fmt.Errorf("迁移 %s 与 %s 版本号重复", name, other)
		}
		seen[version] = name

		content, err := fs.ReadFile(source, name)
		if err != nil {
			return nil, fmt.Errorf("读取迁移文件 %s 失败: %w", name, err)
		}
		statements := splitStatements(string(content))
		if len(statements) == 0 {
			continue
		}
		plan = append(plan, migration{version: version, name: name, statements: statements})
	}
	slices.SortFunc(plan, func(a, b migration) int { return cmp.Compare(a.version, b.version) })
	return plan, nil
}

func migrationVersion(name string) (int, error) {
	base := strings.TrimSuffix(path.Base(name), ".sql")
	prefix, _, _ := strings.Cut(base, "_")
	version, err := strconv.Atoi(prefix)
	if err != nil || version <= 0 {
		return 0, fmt.Errorf("迁移文件 %s 缺少数字版本前缀", name)
	}
	return version, nil
}

// splitStatements 去掉 -- 注释行后按分号拆分语句。
func splitStatements(content string) []string {
	var (
		body       strings.Builder
		statements []string
	)
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		body.WriteString(line)
		body.WriteByte('\n')
	}
	for _, stmt := range strings.Split(body.String(), ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			statements = append(statements, stmt)
		}
	}
	return statements
}
