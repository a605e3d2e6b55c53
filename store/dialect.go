package store

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Dialect captures the SQL differences between the supported databases.
type Dialect struct {
	Name       string
	DriverName string
	// Numbered placeholders ($1, $2) instead of ?.
	Numbered bool
	claim    func(topic, key string, limit int, now int64) (string, []any)
}

var (
	SQLite = Dialect{
		Name:       "sqlite",
		DriverName: "sqlite3",
		claim:      sqliteClaim,
	}
	Postgres = Dialect{
		Name:       "postgres",
		DriverName: "pgx",
		Numbered:   true,
		claim:      postgresClaim,
	}
)

// DialectFor maps a configured driver name to its dialect.
func DialectFor(driver string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	}
	return Dialect{}, fmt.Errorf("unsupported database driver %q", driver)
}

// Rebind rewrites ? placeholders for dialects with numbered parameters.
func (d Dialect) Rebind(query string) string {
	if !d.Numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

const claimCandidates = `
SELECT activity.id FROM activity
JOIN process ON process.id = activity.process_id
WHERE activity.topic = ?
  AND activity.process_definition_key = ?
  AND activity.state = 'SCHEDULED'
  AND process.suspended = ?
ORDER BY activity.created_at, activity.id
LIMIT ?`

// The single writer lock makes the conditional update atomic.
func sqliteClaim(topic, key string, limit int, now int64) (string, []any) {
	query := `
UPDATE activity SET state = 'ACTIVE', started_at = ?, updated_at = ?
WHERE state = 'SCHEDULED' AND id IN (` + claimCandidates + `)
RETURNING id`
	return query, []any{now, now, topic, key, false, limit}
}

func postgresClaim(topic, key string, limit int, now int64) (string, []any) {
	query := `
WITH candidates AS (` + claimCandidates + `
FOR UPDATE OF activity SKIP LOCKED)
UPDATE activity SET state = 'ACTIVE', started_at = ?, updated_at = ?
FROM candidates WHERE activity.id = candidates.id
RETURNING activity.id`
	return query, []any{topic, key, false, limit, now, now}
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func toNullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toMillis(*t)
}

func fromNullMillis(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := fromMillis(*ms)
	return &t
}
