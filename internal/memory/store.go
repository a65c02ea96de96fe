package memory

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode"

	"go.uber.org/zap"
	"modernc.org/sqlite"
)

const (
	DefaultSearchLimit      = 5
	MaxSearchLimit          = 100
	DefaultVectorCandidates = 1000

	maxKeywordTokens = 8
)

func init() {
	// The built-in lower() folds ASCII only.
	sqlite.MustRegisterDeterministicScalarFunction("fold_lower", 1, foldLower)
}

func foldLower(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	switch v := args[0].(type) {
	case string:
		return strings.ToLower(v), nil
	case []byte:
		return strings.ToLower(string(v)), nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("fold_lower: unsupported argument %T", v)
	}
}

// Store is the SQLite-backed persistent tier. Reads run concurrently under WAL;
// every write statement or transaction holds mu so there is one logical writer.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	logger *zap.Logger
}

// OpenStore opens (and migrates) the database at path. ":memory:" is accepted for tests.
func OpenStore(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("open store: empty database path")
	}

	inMemory := path == ":memory:"
	if !inMemory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if inMemory {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db, logger: logger.Named("store")}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// trackedMessages selects messages of channels that are tracked and inside
// their memory scope. Callers append further "AND ..." conditions.
const trackedMessages = `
	FROM messages m
	LEFT JOIN channel_settings s ON s.channel_id = m.channel_id
	WHERE (s.enabled IS NULL OR s.enabled = 1)
	  AND (s.memory_start_date IS NULL OR m.ts >= s.memory_start_date)`

const messageColumns = `m.id, m.external_id, m.guild_id, m.channel_id, m.author_id, m.content, m.ts`

// Save persists msg once per ExternalID. A duplicate delivery is not an error:
// inserted is false and the stored row is left untouched.
func (s *Store) Save(ctx context.Context, msg Message) (id int64, inserted bool, err error) {
	if strings.TrimSpace(msg.ExternalID) == "" {
		return 0, false, fmt.Errorf("save message: missing external id")
	}
	if strings.TrimSpace(msg.ChannelID) == "" {
		return 0, false, fmt.Errorf("save message: missing channel id")
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (external_id, guild_id, channel_id, author_id, content, ts)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(external_id) DO NOTHING
	`, msg.ExternalID, msg.GuildID, msg.ChannelID, msg.AuthorID, msg.Content, toMillis(ts))
	if err != nil {
		return 0, false, fmt.Errorf("save message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("save message rows: %w", err)
	}
	if n == 0 {
		return 0, false, nil
	}
	id, err = res.LastInsertId()
	if err != nil {
		return 0, true, fmt.Errorf("save message id: %w", err)
	}
	return id, true, nil
}

// FetchRecent returns up to limit messages of a tracked channel newer than
// since (zero since means unbounded), newest first. It does not depend on
// embeddings, so it works while the indexer is behind.
func (s *Store) FetchRecent(ctx context.Context, channelID string, since time.Time, limit int) ([]Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	q := `SELECT ` + messageColumns + trackedMessages + ` AND m.channel_id = ?`
	args := []any{channelID}
	if !since.IsZero() {
		q += ` AND m.ts > ?`
		args = append(args, toMillis(since))
	}
	q += ` ORDER BY m.ts DESC, m.id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch recent: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// FetchSince returns up to limit messages of a channel newer than since,
// oldest first.
func (s *Store) FetchSince(ctx context.Context, channelID string, since time.Time, limit int) ([]Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+messageColumns+trackedMessages+`
		  AND m.channel_id = ? AND m.ts > ?
		ORDER BY m.ts ASC, m.id ASC
		LIMIT ?`, channelID, toMillis(since), limit)
	if err != nil {
		return nil, fmt.Errorf("fetch since: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// FetchUnindexed returns the oldest messages that still need an embedding.
func (s *Store) FetchUnindexed(ctx context.Context, limit int) ([]Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+messageColumns+trackedMessages+`
		  AND m.embedding IS NULL AND m.is_indexed = 0
		ORDER BY m.ts ASC, m.id ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch unindexed: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// AttachEmbedding stores the vector of a message exactly once. A second
// attach is a no-op; a message deleted in the meantime yields ErrMessageNotFound.
func (s *Store) AttachEmbedding(ctx context.Context, id int64, vector []float32) error {
	blob, err := EncodeVector(vector)
	if err != nil {
		return fmt.Errorf("attach embedding: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET embedding = ?, embedding_dim = ?, is_indexed = 1
		WHERE id = ? AND embedding IS NULL
	`, blob, len(vector), id)
	if err != nil {
		return fmt.Errorf("attach embedding: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM messages WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("attach embedding %d: %w", id, ErrMessageNotFound)
	}
	if err != nil {
		return fmt.Errorf("attach embedding lookup: %w", err)
	}
	return nil
}

// MarkIndexed flags a message as processed without storing a vector.
func (s *Store) MarkIndexed(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `UPDATE messages SET is_indexed = 1 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("mark indexed: %w", err)
	}
	return nil
}

// SearchKeyword matches every query token as a case-insensitive substring.
// Tokens are bound parameters to instr(), so no user text reaches the SQL
// grammar and LIKE wildcards have no meaning. Content is folded by
// fold_lower, which applies the same Unicode lowering as the query tokens.
func (s *Store) SearchKeyword(ctx context.Context, query string, filter SearchFilter) ([]Message, error) {
	tokens := keywordTokens(query)
	if len(tokens) == 0 {
		return nil, nil
	}
	q := `SELECT ` + messageColumns + trackedMessages
	args := make([]any, 0, len(tokens)+len(filter.Channels)+3)
	for _, tok := range tokens {
		q += ` AND instr(fold_lower(m.content), ?) > 0`
		args = append(args, tok)
	}
	q, args = appendFilter(q, args, filter)
	q += ` ORDER BY m.ts DESC, m.id DESC LIMIT ?`
	args = append(args, clampLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("search keyword: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// VectorCandidates returns the most recent embedded messages matching filter.
// Rows whose blob fails to decode are skipped.
func (s *Store) VectorCandidates(ctx context.Context, filter SearchFilter, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = DefaultVectorCandidates
	}
	q := `SELECT ` + messageColumns + `, m.embedding` + trackedMessages + ` AND m.embedding IS NOT NULL`
	args := make([]any, 0, len(filter.Channels)+3)
	q, args = appendFilter(q, args, filter)
	q += ` ORDER BY m.ts DESC, m.id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("vector candidates: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0)
	for rows.Next() {
		var m Message
		var ts int64
		var blob []byte
		if err := rows.Scan(&m.ID, &m.ExternalID, &m.GuildID, &m.ChannelID, &m.AuthorID, &m.Content, &ts, &blob); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		vec, err := DecodeVector(blob)
		if err != nil {
			s.logger.Warn("skipping corrupt embedding", zap.Int64("message_id", m.ID), zap.Error(err))
			continue
		}
		m.Timestamp = fromMillis(ts)
		m.Embedding = vec
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candidates: %w", err)
	}
	return out, nil
}

// Purge deletes the messages selected by scope in one transaction, together
// with the derived state that would otherwise leak the deleted content:
// summaries and milestones of purged channels, of channels a purged user
// spoke in, and of channels left without messages, plus the user's profile.
func (s *Store) Purge(ctx context.Context, scope PurgeScope) (PurgeResult, error) {
	var result PurgeResult
	if scope.empty() {
		return result, ErrEmptyPurgeScope
	}

	where := []string{"1=1"}
	var args []any
	if scope.ChannelID != "" {
		where = append(where, "channel_id = ?")
		args = append(args, scope.ChannelID)
	}
	if !scope.Before.IsZero() {
		where = append(where, "ts < ?")
		args = append(args, toMillis(scope.Before))
	}
	if scope.UserID != "" {
		where = append(where, "author_id = ?")
		args = append(args, scope.UserID)
	}
	cond := strings.Join(where, " AND ")

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("begin purge: %w", err)
	}
	defer tx.Rollback()

	channels, err := queryStrings(ctx, tx, `SELECT DISTINCT channel_id FROM messages WHERE `+cond, args...)
	if err != nil {
		return result, fmt.Errorf("purge affected channels: %w", err)
	}
	if scope.ChannelID != "" && !slices.Contains(channels, scope.ChannelID) {
		channels = append(channels, scope.ChannelID)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE `+cond, args...)
	if err != nil {
		return result, fmt.Errorf("purge messages: %w", err)
	}
	result.Messages, _ = res.RowsAffected()

	if len(channels) > 0 {
		chArgs := make([]any, len(channels))
		for i, ch := range channels {
			chArgs[i] = ch
		}
		wholeChannels := scope.UserID != "" || (scope.ChannelID != "" && scope.Before.IsZero())
		derivedCond := func(table string) string {
			c := `channel_id IN (` + placeholders(len(channels)) + `)`
			if !wholeChannels {
				c += ` AND NOT EXISTS (SELECT 1 FROM messages x WHERE x.channel_id = ` + table + `.channel_id)`
			}
			return c
		}

		res, err = tx.ExecContext(ctx, `DELETE FROM channel_summaries WHERE `+derivedCond("channel_summaries"), chArgs...)
		if err != nil {
			return result, fmt.Errorf("purge summaries: %w", err)
		}
		result.Summaries, _ = res.RowsAffected()

		res, err = tx.ExecContext(ctx, `DELETE FROM channel_milestones WHERE `+derivedCond("channel_milestones"), chArgs...)
		if err != nil {
			return result, fmt.Errorf("purge milestones: %w", err)
		}
		result.Milestones, _ = res.RowsAffected()
	}

	if scope.UserID != "" {
		res, err = tx.ExecContext(ctx, `DELETE FROM user_memory WHERE user_id = ?`, scope.UserID)
		if err != nil {
			return result, fmt.Errorf("purge user memory: %w", err)
		}
		result.UserMemory, _ = res.RowsAffected()
	}

	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("commit purge: %w", err)
	}
	return result, nil
}

// CleanupOlderThan applies long-term retention: messages before cutoff are
// removed along with state of channels left empty.
func (s *Store) CleanupOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	if cutoff.IsZero() {
		return 0, nil
	}
	res, err := s.Purge(ctx, PurgeScope{Before: cutoff})
	if err != nil {
		return 0, fmt.Errorf("cleanup old messages: %w", err)
	}
	return res.Messages, nil
}

// Summary returns the channel's rolling summary, or nil when none exists yet.
func (s *Store) Summary(ctx context.Context, channelID string) (*ChannelSummary, error) {
	var sum ChannelSummary
	var updated, refreshed int64
	err := s.db.QueryRowContext(ctx, `
		SELECT channel_id, summary, tokens, updated_at, refreshed_at
		FROM channel_summaries WHERE channel_id = ?
	`, channelID).Scan(&sum.ChannelID, &sum.Summary, &sum.Tokens, &updated, &refreshed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get summary: %w", err)
	}
	sum.UpdatedAt = fromMillis(updated)
	sum.RefreshedAt = fromMillis(refreshed)
	return &sum, nil
}

// SaveSummary overwrites the channel's summary. refreshed_at only moves when
// refreshed is true (or on the first save).
func (s *Store) SaveSummary(ctx context.Context, channelID, summary string, tokens int, at time.Time, refreshed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channel_summaries (channel_id, summary, tokens, updated_at, refreshed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(channel_id) DO UPDATE SET
			summary = excluded.summary,
			tokens = excluded.tokens,
			updated_at = excluded.updated_at,
			refreshed_at = CASE WHEN ? = 1 THEN excluded.refreshed_at ELSE channel_summaries.refreshed_at END
	`, channelID, summary, tokens, toMillis(at), toMillis(at), boolToInt(refreshed))
	if err != nil {
		return fmt.Errorf("save summary: %w", err)
	}
	return nil
}

// Milestones returns a channel's milestones, oldest first.
func (s *Store) Milestones(ctx context.Context, channelID string) ([]Milestone, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel_id, fact, created_at FROM channel_milestones
		WHERE channel_id = ? ORDER BY id ASC
	`, channelID)
	if err != nil {
		return nil, fmt.Errorf("get milestones: %w", err)
	}
	defer rows.Close()

	out := make([]Milestone, 0)
	for rows.Next() {
		var m Milestone
		var created int64
		if err := rows.Scan(&m.ID, &m.ChannelID, &m.Fact, &created); err != nil {
			return nil, fmt.Errorf("scan milestone: %w", err)
		}
		m.CreatedAt = fromMillis(created)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate milestones: %w", err)
	}
	return out, nil
}

// AppendMilestones adds new facts (exact duplicates are ignored) and then
// drops the oldest entries beyond keep. It returns how many facts were added.
func (s *Store) AppendMilestones(ctx context.Context, channelID string, facts []string, keep int, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin milestones: %w", err)
	}
	defer tx.Rollback()

	added := 0
	for _, fact := range facts {
		fact = strings.TrimSpace(fact)
		if fact == "" {
			continue
		}
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO channel_milestones (channel_id, fact, created_at) VALUES (?, ?, ?)
		`, channelID, fact, toMillis(at))
		if err != nil {
			return 0, fmt.Errorf("insert milestone: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			added++
		}
	}
	if keep > 0 {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM channel_milestones
			WHERE channel_id = ? AND id NOT IN (
				SELECT id FROM channel_milestones WHERE channel_id = ? ORDER BY id DESC LIMIT ?
			)
		`, channelID, channelID, keep); err != nil {
			return 0, fmt.Errorf("trim milestones: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit milestones: %w", err)
	}
	return added, nil
}

// ChannelSettings returns the stored settings, defaulting to tracked with no scope.
func (s *Store) ChannelSettings(ctx context.Context, channelID string) (ChannelSettings, error) {
	settings := ChannelSettings{ChannelID: channelID, TrackingEnabled: true}
	var enabled int
	var start sql.NullInt64
	var updated int64
	err := s.db.QueryRowContext(ctx, `
		SELECT guild_id, enabled, memory_start_date, updated_at FROM channel_settings WHERE channel_id = ?
	`, channelID).Scan(&settings.GuildID, &enabled, &start, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return settings, nil
	}
	if err != nil {
		return settings, fmt.Errorf("get channel settings: %w", err)
	}
	settings.TrackingEnabled = enabled == 1
	settings.MemoryStartDate = nullableTime(start)
	settings.UpdatedAt = fromMillis(updated)
	return settings, nil
}

// ListChannelSettings returns the explicit settings rows of a guild
// (all guilds when guildID is empty).
func (s *Store) ListChannelSettings(ctx context.Context, guildID string) ([]ChannelSettings, error) {
	q := `SELECT channel_id, guild_id, enabled, memory_start_date, updated_at FROM channel_settings`
	var args []any
	if guildID != "" {
		q += ` WHERE guild_id = ?`
		args = append(args, guildID)
	}
	q += ` ORDER BY channel_id`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list channel settings: %w", err)
	}
	defer rows.Close()

	out := make([]ChannelSettings, 0)
	for rows.Next() {
		var cs ChannelSettings
		var enabled int
		var start sql.NullInt64
		var updated int64
		if err := rows.Scan(&cs.ChannelID, &cs.GuildID, &enabled, &start, &updated); err != nil {
			return nil, fmt.Errorf("scan channel settings: %w", err)
		}
		cs.TrackingEnabled = enabled == 1
		cs.MemoryStartDate = nullableTime(start)
		cs.UpdatedAt = fromMillis(updated)
		out = append(out, cs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channel settings: %w", err)
	}
	return out, nil
}

func (s *Store) SetChannelTracking(ctx context.Context, guildID, channelID string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channel_settings (channel_id, guild_id, enabled, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(channel_id) DO UPDATE SET
			guild_id = CASE WHEN excluded.guild_id = '' THEN channel_settings.guild_id ELSE excluded.guild_id END,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`, channelID, guildID, boolToInt(enabled), toMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("set channel tracking: %w", err)
	}
	return nil
}

// SetMemoryStartDate limits every read of the channel to messages at or after
// start. A nil start clears the scope.
func (s *Store) SetMemoryStartDate(ctx context.Context, guildID, channelID string, start *time.Time) error {
	var startArg any
	if start != nil {
		startArg = toMillis(*start)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channel_settings (channel_id, guild_id, memory_start_date, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(channel_id) DO UPDATE SET
			guild_id = CASE WHEN excluded.guild_id = '' THEN channel_settings.guild_id ELSE excluded.guild_id END,
			memory_start_date = excluded.memory_start_date,
			updated_at = excluded.updated_at
	`, channelID, guildID, startArg, toMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("set memory scope: %w", err)
	}
	return nil
}

// GuildSettingsUpdate is a partial update: nil leaves a field alone, Clear* resets it.
type GuildSettingsUpdate struct {
	ContextLimit        *int
	RetentionHours      *int
	ClearContextLimit   bool
	ClearRetentionHours bool
}

func (s *Store) GuildSettings(ctx context.Context, guildID string) (GuildSettings, error) {
	settings := GuildSettings{GuildID: guildID}
	var limit, retention sql.NullInt64
	var updated int64
	err := s.db.QueryRowContext(ctx, `
		SELECT context_limit, retention_hours, updated_at FROM guild_settings WHERE guild_id = ?
	`, guildID).Scan(&limit, &retention, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return settings, nil
	}
	if err != nil {
		return settings, fmt.Errorf("get guild settings: %w", err)
	}
	settings.ContextLimit = nullableInt(limit)
	settings.RetentionHours = nullableInt(retention)
	settings.UpdatedAt = fromMillis(updated)
	return settings, nil
}

func (s *Store) UpdateGuildSettings(ctx context.Context, guildID string, upd GuildSettingsUpdate) (GuildSettings, error) {
	current, err := s.GuildSettings(ctx, guildID)
	if err != nil {
		return current, err
	}
	switch {
	case upd.ClearContextLimit:
		current.ContextLimit = nil
	case upd.ContextLimit != nil:
		v := *upd.ContextLimit
		current.ContextLimit = &v
	}
	switch {
	case upd.ClearRetentionHours:
		current.RetentionHours = nil
	case upd.RetentionHours != nil:
		v := *upd.RetentionHours
		current.RetentionHours = &v
	}
	current.UpdatedAt = time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO guild_settings (guild_id, context_limit, retention_hours, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(guild_id) DO UPDATE SET
			context_limit = excluded.context_limit,
			retention_hours = excluded.retention_hours,
			updated_at = excluded.updated_at
	`, guildID, intArg(current.ContextLimit), intArg(current.RetentionHours), toMillis(current.UpdatedAt))
	if err != nil {
		return current, fmt.Errorf("update guild settings: %w", err)
	}
	return current, nil
}

// UserMemory returns the stored profile or nil. Expiry is not applied here.
func (s *Store) UserMemory(ctx context.Context, userID string) (*UserMemoryProfile, error) {
	var p UserMemoryProfile
	var enabled int
	var expires sql.NullInt64
	var updated int64
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, summary, enabled, expires_at, updated_at FROM user_memory WHERE user_id = ?
	`, userID).Scan(&p.UserID, &p.Summary, &enabled, &expires, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user memory: %w", err)
	}
	p.Enabled = enabled == 1
	p.ExpiresAt = nullableTime(expires)
	p.UpdatedAt = fromMillis(updated)
	return &p, nil
}

func (s *Store) SaveUserMemory(ctx context.Context, p UserMemoryProfile) error {
	var expires any
	if p.ExpiresAt != nil {
		expires = toMillis(*p.ExpiresAt)
	}
	updated := p.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_memory (user_id, summary, enabled, expires_at, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			summary = excluded.summary,
			enabled = excluded.enabled,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`, p.UserID, p.Summary, boolToInt(p.Enabled), expires, toMillis(updated))
	if err != nil {
		return fmt.Errorf("save user memory: %w", err)
	}
	return nil
}

func (s *Store) SetUserMemoryEnabled(ctx context.Context, userID string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_memory (user_id, enabled, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET enabled = excluded.enabled, updated_at = excluded.updated_at
	`, userID, boolToInt(enabled), toMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("set user memory enabled: %w", err)
	}
	return nil
}

func (s *Store) DeleteUserMemory(ctx context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM user_memory WHERE user_id = ?`, userID)
	if err != nil {
		return 0, fmt.Errorf("delete user memory: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteExpiredUserMemory removes profiles whose expiry is at or before now.
func (s *Store) DeleteExpiredUserMemory(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM user_memory WHERE expires_at IS NOT NULL AND expires_at <= ?
	`, toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("delete expired user memory: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ActiveChannels lists tracked channels with at least one message since since.
func (s *Store) ActiveChannels(ctx context.Context, since time.Time) ([]string, error) {
	channels, err := queryStrings(ctx, s.db, `SELECT DISTINCT m.channel_id`+trackedMessages+`
		  AND m.ts >= ? ORDER BY m.channel_id`, toMillis(since))
	if err != nil {
		return nil, fmt.Errorf("active channels: %w", err)
	}
	return channels, nil
}

// CountMessagesSince counts tracked messages of a channel strictly after since.
func (s *Store) CountMessagesSince(ctx context.Context, channelID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1)`+trackedMessages+`
		  AND m.channel_id = ? AND m.ts > ?`, channelID, toMillis(since)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(1) FROM messages),
			(SELECT COUNT(1) FROM messages WHERE embedding IS NOT NULL),
			(SELECT COUNT(1) FROM messages WHERE embedding IS NULL AND is_indexed = 0),
			(SELECT COUNT(DISTINCT channel_id) FROM messages),
			(SELECT COUNT(1) FROM channel_summaries),
			(SELECT COUNT(1) FROM channel_milestones),
			(SELECT COUNT(1) FROM user_memory),
			(SELECT COUNT(1) FROM channel_settings WHERE enabled = 0)
	`).Scan(&st.Messages, &st.Indexed, &st.PendingIndex, &st.Channels, &st.Summaries, &st.Milestones, &st.UserProfiles, &st.DisabledChannels)
	if err != nil {
		return st, fmt.Errorf("stats: %w", err)
	}
	return st, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryStrings(ctx context.Context, q queryer, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]string, 0)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	out := make([]Message, 0)
	for rows.Next() {
		var m Message
		var ts int64
		if err := rows.Scan(&m.ID, &m.ExternalID, &m.GuildID, &m.ChannelID, &m.AuthorID, &m.Content, &ts); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Timestamp = fromMillis(ts)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

func appendFilter(q string, args []any, f SearchFilter) (string, []any) {
	if len(f.Channels) > 0 {
		q += ` AND m.channel_id IN (` + placeholders(len(f.Channels)) + `)`
		for _, ch := range f.Channels {
			args = append(args, ch)
		}
	}
	if !f.From.IsZero() {
		q += ` AND m.ts >= ?`
		args = append(args, toMillis(f.From))
	}
	if !f.To.IsZero() {
		q += ` AND m.ts <= ?`
		args = append(args, toMillis(f.To))
	}
	return q, args
}

// keywordTokens lower-cases the query and splits it on anything that is not a
// letter or digit. Duplicates are dropped and at most maxKeywordTokens are kept.
func keywordTokens(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
		if len(out) == maxKeywordTokens {
			break
		}
	}
	return out
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultSearchLimit
	}
	if limit > MaxSearchLimit {
		return MaxSearchLimit
	}
	return limit
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullableTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func nullableInt(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

func intArg(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	parts := make([]string, n)
	for i := range parts {
		parts[i] = "?"
	}
	return strings.Join(parts, ",")
}
