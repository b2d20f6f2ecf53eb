package e2e

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/adrianmcphee/s3orm"
	"github.com/adrianmcphee/s3orm/internal/protocol"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type testEnv struct {
	addr    string
	dataDir string
	db      *s3orm.DB
}

func setupTest(t *testing.T) *testEnv {
	t.Helper()

	dir := t.TempDir()
	db := s3orm.New(s3orm.NewFilesystemBackend(dir))
	server := protocol.NewServer("127.0.0.1:0", db)
	if err := server.Listen(); err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_ = server.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		_ = server.Close()
	})

	return &testEnv{addr: server.Addr().String(), dataDir: dir, db: db}
}

func (env *testEnv) connect(t *testing.T) *pgx.Conn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	host, port := splitAddr(t, env.addr)
	cfg, err := pgx.ParseConfig(fmt.Sprintf("host=%s port=%s user=test database=test sslmode=disable", host, port))
	if err != nil {
		t.Fatal(err)
	}
	cfg.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	t.Cleanup(func() { conn.Close(context.Background()) })
	return conn
}

func splitAddr(t *testing.T, addr string) (string, string) {
	t.Helper()
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i], addr[i+1:]
		}
	}
	t.Fatalf("bad address %q", addr)
	return "", ""
}

func mustExec(t *testing.T, conn *pgx.Conn, sql string) pgconn.CommandTag {
	t.Helper()
	tag, err := conn.Exec(context.Background(), sql)
	if err != nil {
		t.Fatalf("%s: %v", sql, err)
	}
	return tag
}

const createPlayers = `CREATE TABLE players (
	id BIGINT PRIMARY KEY,
	name VARCHAR(64),
	email VARCHAR(128) UNIQUE,
	score DOUBLE,
	tier INT DEFAULT 1,
	active TINYINT(1),
	KEY name_idx (name),
	KEY score_idx (score)
)`

func seedPlayers(t *testing.T, conn *pgx.Conn) {
	t.Helper()
	mustExec(t, conn, createPlayers)
	tag := mustExec(t, conn, `INSERT INTO players (name, email, score, active) VALUES
		('ada', 'ada@example.com', 5.5, 1),
		('bob', 'bob@example.com', 15.6, 0),
		('cyd', 'cyd@example.com', 21.2, 1)`)
	if tag.RowsAffected() != 3 {
		t.Fatalf("inserted %d rows, want 3", tag.RowsAffected())
	}
}

func TestCreateTable(t *testing.T) {
	env := setupTest(t)
	conn := env.connect(t)

	mustExec(t, conn, createPlayers)

	// the schema is persisted, so a fresh DB on the same directory sees it
	reopened := s3orm.New(s3orm.NewFilesystemBackend(env.dataDir))
	models, err := reopened.LoadSchemas(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(models) != 1 {
		t.Fatalf("loaded %d schemas, want 1", len(models))
	}

	m, err := reopened.Model("players")
	if err != nil {
		t.Fatal(err)
	}
	score, ok := m.Schema().Field("score")
	if !ok || score.Type != s3orm.TypeFloat || !score.Index {
		t.Errorf("score field = %+v", score)
	}
	email, _ := m.Schema().Field("email")
	if email == nil || !email.Unique {
		t.Errorf("email field = %+v", email)
	}

	if _, err := conn.Exec(context.Background(), createPlayers); err == nil {
		t.Error("expected an error creating an existing table")
	}
}

func TestInsertAndSelect(t *testing.T) {
	env := setupTest(t)
	conn := env.connect(t)
	seedPlayers(t, conn)
	ctx := context.Background()

	rows, err := conn.Query(ctx, "SELECT id, name, score, tier, active FROM players ORDER BY id")
	if err != nil {
		t.Fatal(err)
	}

	type player struct {
		id     int64
		name   string
		score  float64
		tier   int64
		active bool
	}
	var got []player
	for rows.Next() {
		var p player
		if err := rows.Scan(&p.id, &p.name, &p.score, &p.tier, &p.active); err != nil {
			t.Fatal(err)
		}
		got = append(got, p)
	}
	if err := rows.Err(); err != nil {
		t.Fatal(err)
	}

	want := []player{
		{1, "ada", 5.5, 1, true},
		{2, "bob", 15.6, 1, false},
		{3, "cyd", 21.2, 1, true},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d rows, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("row %d = %+v, want %+v", i, got[i], want[i])
		}
	}

	// the records are in the store, not just the server
	m, err := env.db.Model("players")
	if err != nil {
		t.Fatal(err)
	}
	r, err := m.LoadFromID(ctx, 2)
	if err != nil || r == nil {
		t.Fatalf("LoadFromID(2) = %v, %v", r, err)
	}
	if r.Get("email") != "bob@example.com" {
		t.Errorf("email = %v", r.Get("email"))
	}
}

func TestWhereClauses(t *testing.T) {
	env := setupTest(t)
	conn := env.connect(t)
	seedPlayers(t, conn)

	tests := []struct {
		where string
		want  []string
	}{
		{"score BETWEEN 15 AND 22", []string{"bob", "cyd"}},
		{"score > 10 AND active = 1", []string{"cyd"}},
		{"name = 'ada'", []string{"ada"}},
		{"name LIKE '%y%'", []string{"cyd"}},
		{"name IN ('ada', 'cyd')", []string{"ada", "cyd"}},
		{"id = 2", []string{"bob"}},
		{"score < 0", nil},
	}

	for _, tt := range tests {
		t.Run(tt.where, func(t *testing.T) {
			rows, err := conn.Query(context.Background(), "SELECT name FROM players WHERE "+tt.where+" ORDER BY id")
			if err != nil {
				t.Fatal(err)
			}
			names, err := pgx.CollectRows(rows, pgx.RowTo[string])
			if err != nil {
				t.Fatal(err)
			}
			if fmt.Sprint(names) != fmt.Sprint(tt.want) {
				t.Errorf("got %v, want %v", names, tt.want)
			}
		})
	}
}

func TestNullValues(t *testing.T) {
	env := setupTest(t)
	conn := env.connect(t)
	ctx := context.Background()

	mustExec(t, conn, "CREATE TABLE notes (id BIGINT PRIMARY KEY, title VARCHAR(64), body TEXT)")
	mustExec(t, conn, "INSERT INTO notes (title) VALUES ('empty')")

	var body *string
	if err := conn.QueryRow(ctx, "SELECT body FROM notes WHERE id = 1").Scan(&body); err != nil {
		t.Fatal(err)
	}
	if body != nil {
		t.Errorf("body = %q, want NULL", *body)
	}

	var n int64
	if err := conn.QueryRow(ctx, "SELECT count(*) FROM notes WHERE body IS NULL").Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}

func TestUpdateAndDelete(t *testing.T) {
	env := setupTest(t)
	conn := env.connect(t)
	seedPlayers(t, conn)
	ctx := context.Background()

	tag := mustExec(t, conn, "UPDATE players SET score = 30 WHERE name = 'ada'")
	if tag.RowsAffected() != 1 {
		t.Errorf("updated %d rows, want 1", tag.RowsAffected())
	}

	var top string
	if err := conn.QueryRow(ctx, "SELECT name FROM players ORDER BY score DESC LIMIT 1").Scan(&top); err != nil {
		t.Fatal(err)
	}
	if top != "ada" {
		t.Errorf("top player = %s, want ada", top)
	}

	tag = mustExec(t, conn, "DELETE FROM players WHERE score < 20")
	if tag.RowsAffected() != 1 {
		t.Errorf("deleted %d rows, want 1", tag.RowsAffected())
	}

	var n int64
	if err := conn.QueryRow(ctx, "SELECT count(*) FROM players").Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
}

func TestAggregates(t *testing.T) {
	env := setupTest(t)
	conn := env.connect(t)
	seedPlayers(t, conn)

	var hi, lo float64
	var n int64
	if err := conn.QueryRow(context.Background(), "SELECT max(score), min(score), count(*) FROM players").Scan(&hi, &lo, &n); err != nil {
		t.Fatal(err)
	}
	if hi != 21.2 || lo != 5.5 || n != 3 {
		t.Errorf("max=%v min=%v count=%v", hi, lo, n)
	}
}

func TestUniqueViolation(t *testing.T) {
	env := setupTest(t)
	conn := env.connect(t)
	seedPlayers(t, conn)

	_, err := conn.Exec(context.Background(), "INSERT INTO players (name, email) VALUES ('eve', 'ada@example.com')")
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		t.Fatalf("expected a PgError, got %v", err)
	}
	if pgErr.Code != "23505" {
		t.Errorf("code = %s, want 23505", pgErr.Code)
	}
}

func TestMultipleConnections(t *testing.T) {
	env := setupTest(t)
	writer := env.connect(t)
	reader := env.connect(t)

	mustExec(t, writer, "CREATE TABLE events (id BIGINT PRIMARY KEY, kind VARCHAR(32))")
	mustExec(t, writer, "INSERT INTO events (kind) VALUES ('signup'), ('login')")

	var n int64
	if err := reader.QueryRow(context.Background(), "SELECT count(*) FROM events").Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("reader sees %d events, want 2", n)
	}
}

func TestVersion(t *testing.T) {
	env := setupTest(t)
	conn := env.connect(t)

	var version string
	if err := conn.QueryRow(context.Background(), "SELECT version()").Scan(&version); err != nil {
		t.Fatal(err)
	}
	if version != "PostgreSQL "+protocol.ServerVersion {
		t.Errorf("version = %q", version)
	}
}
