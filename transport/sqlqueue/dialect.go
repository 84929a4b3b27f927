package sqlqueue

import (
	"strconv"
	"strings"
)

// Dialect holds the database specific parts of the queue schema and queries.
// Queries are written with '?' placeholders and rebound when Numbered is set.
type Dialect struct {
	Name string

	// Numbered selects $1, $2 style placeholders.
	Numbered bool

	// IDColumn is the DDL of the auto-incrementing primary key.
	IDColumn string

	// BlobType is the column type for payloads.
	BlobType string

	// ClaimLock is appended to the claim subquery to skip rows locked by
	// concurrent claimers.
	ClaimLock string
}

// SQLite is the dialect for github.com/mattn/go-sqlite3.
var SQLite = Dialect{
	Name:     "sqlite3",
	IDColumn: "id INTEGER PRIMARY KEY AUTOINCREMENT",
	BlobType: "BLOB",
}

// Postgres is the dialect for github.com/lib/pq.
var Postgres = Dialect{
	Name:      "postgres",
	Numbered:  true,
	IDColumn:  "id BIGSERIAL PRIMARY KEY",
	BlobType:  "BYTEA",
	ClaimLock: " FOR UPDATE SKIP LOCKED",
}

// Rebind rewrites '?' placeholders for the dialect.
func (d Dialect) Rebind(query string) string {
	if !d.Numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type statements struct {
	schema     []string
	insert     string
	claim      string
	ack        string
	retry      string
	bury       string
	unlock     string
	pending    string
	deadLetter string
}

func (d Dialect) statements(table string) statements {
	dead := table + "_dead"
	return statements{
		schema: []string{
			`CREATE TABLE IF NOT EXISTS ` + table + ` (
				` + d.IDColumn + `,
				uuid TEXT NOT NULL,
				topic TEXT NOT NULL,
				payload ` + d.BlobType + ` NOT NULL,
				metadata TEXT NOT NULL,
				available_at BIGINT NOT NULL,
				locked_until BIGINT NOT NULL DEFAULT 0,
				attempts INTEGER NOT NULL DEFAULT 0
			)`,
			`CREATE INDEX IF NOT EXISTS ` + table + `_topic_idx ON ` + table + ` (topic, available_at)`,
			`CREATE TABLE IF NOT EXISTS ` + dead + ` (
				` + d.IDColumn + `,
				uuid TEXT NOT NULL,
				topic TEXT NOT NULL,
				payload ` + d.BlobType + ` NOT NULL,
				metadata TEXT NOT NULL,
				attempts INTEGER NOT NULL
			)`,
		},
		insert: d.Rebind(`INSERT INTO ` + table + ` (uuid, topic, payload, metadata, available_at) VALUES (?, ?, ?, ?, ?)`),
		claim: d.Rebind(`UPDATE ` + table + ` SET locked_until = ?, attempts = attempts + 1
			WHERE id = (
				SELECT id FROM ` + table + `
				WHERE topic = ? AND available_at <= ? AND locked_until < ?
				ORDER BY id
				LIMIT 1` + d.ClaimLock + `
			)
			RETURNING id, uuid, payload, metadata, attempts`),
		ack:   d.Rebind(`DELETE FROM ` + table + ` WHERE id = ?`),
		retry: d.Rebind(`UPDATE ` + table + ` SET locked_until = 0, available_at = ? WHERE id = ?`),
		bury: d.Rebind(`INSERT INTO ` + dead + ` (uuid, topic, payload, metadata, attempts)
			SELECT uuid, topic, payload, metadata, attempts FROM ` + table + ` WHERE id = ?`),
		unlock:     d.Rebind(`UPDATE ` + table + ` SET locked_until = 0, attempts = attempts - 1 WHERE id = ?`),
		pending:    d.Rebind(`SELECT COUNT(*) FROM ` + table + ` WHERE topic = ?`),
		deadLetter: d.Rebind(`SELECT COUNT(*) FROM ` + dead + ` WHERE topic = ?`),
	}
}
