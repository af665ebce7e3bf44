// 包 store 提供文章表的存储实现（SQLite / PostgreSQL），包含建表/写入/按时间范围查询。
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

var tableNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Store 封装 *sql.DB；同一个实例在一次运行中被所有任务共享。
type Store struct {
	db      *sql.DB
	dialect string
	table   string
}

// Open 打开数据库并执行自动迁移。
// sqlite 的 DSN 可直接使用文件路径；postgres 使用 pgx 的连接串。
func Open(ctx context.Context, dialect, dsn, table string) (*Store, error) {
	if table == "" {
		table = "wx_article"
	}
	if !tableNameRe.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	driver := ""
	switch dialect {
	case DialectSQLite, "":
		dialect, driver = DialectSQLite, "sqlite"
	case DialectPostgres:
		driver = "pgx"
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dialect)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(8)
		db.SetConnMaxIdleTime(5 * time.Minute)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect %s: %w", dialect, err)
	}
	s := &Store{db: db, dialect: dialect, table: table}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Dialect 返回 sqlite 或 postgres。
func (s *Store) Dialect() string { return s.dialect }

// migrate 执行建表语句，保持幂等。create_time 存 unix 秒，两种方言下范围比较一致。
func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + s.table + ` (
            title TEXT,
            content TEXT,
            author TEXT,
            content_url TEXT UNIQUE,
            create_time BIGINT,
            copyright_stat INTEGER,
            comm TEXT,
            comm_reply TEXT,
            digest TEXT,
            cover TEXT,
            js_name TEXT,
            md_content TEXT
        )`,
		`CREATE INDEX IF NOT EXISTS idx_` + s.table + `_create_time ON ` + s.table + ` (create_time)`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("exec migrate: %w", err)
		}
	}
	return nil
}

// UpsertArticle 插入或更新文章（content_url 唯一约束）。
// 已存在时只更新标题/发布时间，md_content 仅在新值非空时覆盖。
func (s *Store) UpsertArticle(ctx context.Context, a Article) error {
	if a.ContentURL == "" {
		return errors.New("article.content_url required")
	}
	q := `INSERT INTO ` + s.table + `(title, content, author, content_url, create_time, copyright_stat, comm, comm_reply, digest, cover, js_name, md_content)
        VALUES(?,?,?,?,?,?,?,?,?,?,?,?)
        ON CONFLICT(content_url) DO UPDATE SET title=excluded.title, create_time=excluded.create_time,
        md_content=CASE WHEN excluded.md_content <> '' THEN excluded.md_content ELSE ` + s.table + `.md_content END`
	_, err := s.db.ExecContext(ctx, s.rebind(q),
		a.Title, a.Content, a.Author, a.ContentURL, unix(a.CreateTime), a.CopyrightStat,
		a.Comm, a.CommReply, a.Digest, a.Cover, a.JsName, a.MDContent)
	if err != nil {
		return fmt.Errorf("upsert article %s: %w", a.ContentURL, err)
	}
	return nil
}

// ListArticles 返回发布时间在 [start, end] 内的文章，按发布时间倒序。
func (s *Store) ListArticles(ctx context.Context, start, end time.Time) ([]Article, error) {
	q := `SELECT title, COALESCE(content,''), COALESCE(author,''), content_url, COALESCE(create_time,0), COALESCE(copyright_stat,0),
        COALESCE(comm,''), COALESCE(comm_reply,''), COALESCE(digest,''), COALESCE(cover,''), COALESCE(js_name,''), COALESCE(md_content,'')
        FROM ` + s.table + ` WHERE create_time >= ? AND create_time <= ? ORDER BY create_time DESC`
	rows, err := s.db.QueryContext(ctx, s.rebind(q), unix(start), unix(end))
	if err != nil {
		return nil, fmt.Errorf("query articles: %w", err)
	}
	defer rows.Close()
	var out []Article
	for rows.Next() {
		var a Article
		var ct int64
		if err := rows.Scan(&a.Title, &a.Content, &a.Author, &a.ContentURL, &ct, &a.CopyrightStat,
			&a.Comm, &a.CommReply, &a.Digest, &a.Cover, &a.JsName, &a.MDContent); err != nil {
			return nil, fmt.Errorf("scan articles: %w", err)
		}
		if ct > 0 {
			a.CreateTime = time.Unix(ct, 0)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate articles: %w", err)
	}
	return out, nil
}

// Count 文章总数。
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM `+s.table).Scan(&n); err != nil {
		return 0, fmt.Errorf("count articles: %w", err)
	}
	return n, nil
}

// rebind 把 ? 占位符改写为 postgres 的 $n。
func (s *Store) rebind(q string) string {
	if s.dialect != DialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func unix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
