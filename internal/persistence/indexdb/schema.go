package indexdb

import (
	"database/sql"
	"strconv"
	"strings"
)

type dialect int

const (
	dialectSQLite dialect = iota + 1
	dialectPostgres
)

func (d dialect) String() string {
	if d == dialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

// rebind rewrites ? placeholders as $n for postgres.
func (d dialect) rebind(q string) string {
	if d != dialectPostgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

const schemaVersion = "1"

// Column types are kept to the subset both backends accept.
var schemaStmts = []string{
	`CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		treatment TEXT NOT NULL,
		kind TEXT NOT NULL,
		seed BIGINT NOT NULL,
		participants INTEGER NOT NULL,
		config_json TEXT NOT NULL,
		started_at TEXT NOT NULL,
		concluded_at TEXT,
		final_round INTEGER,
		reason TEXT
	);`,
	`CREATE TABLE IF NOT EXISTS rounds (
		session_id TEXT NOT NULL,
		round INTEGER NOT NULL,
		active_rep TEXT NOT NULL,
		term_round INTEGER NOT NULL,
		pot DOUBLE PRECISION NOT NULL,
		remove_votes INTEGER NOT NULL,
		outcome TEXT NOT NULL,
		mechanism TEXT NOT NULL,
		chaos_inverted INTEGER NOT NULL,
		promoted TEXT NOT NULL,
		legacy TEXT NOT NULL,
		game_over INTEGER NOT NULL,
		digest TEXT NOT NULL,
		raw_json TEXT NOT NULL,
		PRIMARY KEY (session_id, round)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_rounds_mechanism ON rounds(mechanism);`,
	`CREATE TABLE IF NOT EXISTS ballots (
		session_id TEXT NOT NULL,
		round INTEGER NOT NULL,
		voter_id TEXT NOT NULL,
		ballot TEXT NOT NULL,
		PRIMARY KEY (session_id, round, voter_id)
	);`,
	`CREATE TABLE IF NOT EXISTS payoffs (
		session_id TEXT NOT NULL,
		round INTEGER NOT NULL,
		participant_id TEXT NOT NULL,
		amount DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (session_id, round, participant_id)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_payoffs_participant ON payoffs(participant_id, session_id);`,
	`CREATE TABLE IF NOT EXISTS retirements (
		session_id TEXT NOT NULL,
		participant_id TEXT NOT NULL,
		round INTEGER NOT NULL,
		mechanism TEXT NOT NULL,
		PRIMARY KEY (session_id, participant_id)
	);`,
	`CREATE TABLE IF NOT EXISTS snapshots (
		session_id TEXT NOT NULL,
		round INTEGER NOT NULL,
		path TEXT NOT NULL,
		seed BIGINT NOT NULL,
		game_over INTEGER NOT NULL,
		pool INTEGER NOT NULL,
		retired INTEGER NOT NULL,
		PRIMARY KEY (session_id, round)
	);`,
}

func initSchema(db *sql.DB, d dialect) error {
	for _, s := range schemaStmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	_, err := db.Exec(d.rebind(`INSERT INTO meta(key,value) VALUES(?,?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value`), "schema_version", schemaVersion)
	return err
}
