package memory

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

const (
	DefaultUserMemoryMaxChars = 1200

	maxUserMemoryLines = 6
	// Messages shorter than this are never worth a profile update.
	minAutoUpdateRunes = 12
)

// Phrases that opt a single message out of the user's profile.
var skipMemoryPhrases = []string{
	"no memory",
	"no-memory",
	"no mem",
	"temporary",
	"temp mode",
	"incognito",
	"do not remember",
	"don't remember",
	"dont remember",
	"do not save",
	"don't save",
	"dont save",
	"do not store",
	"don't store",
	"dont store",
	"forget this",
	"no profile",
}

type userMemoryStore interface {
	UserMemory(ctx context.Context, userID string) (*UserMemoryProfile, error)
	SaveUserMemory(ctx context.Context, p UserMemoryProfile) error
	SetUserMemoryEnabled(ctx context.Context, userID string, enabled bool) error
	DeleteUserMemory(ctx context.Context, userID string) (int64, error)
	DeleteExpiredUserMemory(ctx context.Context, now time.Time) (int64, error)
}

// UserMemory manages the opt-in global profile kept for each user.
type UserMemory struct {
	store    userMemoryStore
	llm      Completer
	maxChars int
	logger   *zap.Logger
	now      func() time.Time
}

func NewUserMemory(store userMemoryStore, llm Completer, maxChars int, logger *zap.Logger) *UserMemory {
	if maxChars <= 0 {
		maxChars = DefaultUserMemoryMaxChars
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UserMemory{
		store:    store,
		llm:      llm,
		maxChars: maxChars,
		logger:   logger.Named("usermem"),
		now:      time.Now,
	}
}

// ShouldSkipMemory reports whether text asks not to be remembered.
func ShouldSkipMemory(text string) bool {
	lowered := strings.ToLower(text)
	for _, p := range skipMemoryPhrases {
		if strings.Contains(lowered, p) {
			return true
		}
	}
	return false
}

// Record returns the raw profile, deleting it first if it has expired.
func (u *UserMemory) Record(ctx context.Context, userID string) (*UserMemoryProfile, error) {
	p, err := u.store.UserMemory(ctx, userID)
	if err != nil || p == nil {
		return nil, err
	}
	if p.ExpiresAt != nil && !u.now().Before(*p.ExpiresAt) {
		if _, err := u.store.DeleteUserMemory(ctx, userID); err != nil {
			u.logger.Warn("delete expired profile failed", zap.String("user_id", userID), zap.Error(err))
		}
		return nil, nil
	}
	return p, nil
}

// Get returns the profile only when it is enabled, unexpired and non-empty.
func (u *UserMemory) Get(ctx context.Context, userID string) (*UserMemoryProfile, error) {
	p, err := u.Record(ctx, userID)
	if err != nil || p == nil {
		return nil, err
	}
	if !p.Enabled || strings.TrimSpace(p.Summary) == "" {
		return nil, nil
	}
	return p, nil
}

// Set stores summary as the user's profile and enables it. A positive ttl
// makes the profile expire.
func (u *UserMemory) Set(ctx context.Context, userID, summary string, ttl time.Duration) error {
	now := u.now()
	p := UserMemoryProfile{
		UserID:    userID,
		Summary:   normalizeUserMemory(summary, u.maxChars),
		Enabled:   true,
		UpdatedAt: now,
	}
	if ttl > 0 {
		expires := now.Add(ttl)
		p.ExpiresAt = &expires
	}
	return u.store.SaveUserMemory(ctx, p)
}

func (u *UserMemory) SetEnabled(ctx context.Context, userID string, enabled bool) error {
	return u.store.SetUserMemoryEnabled(ctx, userID, enabled)
}

func (u *UserMemory) Delete(ctx context.Context, userID string) (int64, error) {
	return u.store.DeleteUserMemory(ctx, userID)
}

func (u *UserMemory) CleanupExpired(ctx context.Context) (int64, error) {
	n, err := u.store.DeleteExpiredUserMemory(ctx, u.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		u.logger.Info("expired user profiles removed", zap.Int64("count", n))
	}
	return n, nil
}

const userMemoryPrompt = `You maintain a concise global user memory profile. Update it only with durable preferences, ongoing projects, or stable facts the user explicitly shared. Do NOT store secrets, credentials, health data, financial data, precise location, or sensitive personal data unless the user explicitly asked you to remember it.
If there is nothing new to add, respond with exactly: NO_UPDATE.

CURRENT MEMORY:
%s

NEW USER MESSAGE:
%s

ASSISTANT RESPONSE (context only):
%s

Return updated memory as 1-%d bullet points, max %d characters.`

// AutoUpdate asks the LLM to fold one exchange into an enabled profile. It
// returns the new summary, or "" when nothing changed.
func (u *UserMemory) AutoUpdate(ctx context.Context, userID, userMessage, assistantResponse string) (string, error) {
	if u.llm == nil {
		return "", nil
	}
	trimmed := strings.TrimSpace(userMessage)
	if utf8.RuneCountInString(trimmed) < minAutoUpdateRunes || ShouldSkipMemory(trimmed) {
		return "", nil
	}

	p, err := u.Record(ctx, userID)
	if err != nil || p == nil || !p.Enabled {
		return "", err
	}

	current := strings.TrimSpace(p.Summary)
	if current == "" {
		current = "(none)"
	}
	raw, err := u.llm.Complete(ctx, fmt.Sprintf(userMemoryPrompt, current, trimmed, strings.TrimSpace(assistantResponse), maxUserMemoryLines, u.maxChars))
	if err != nil {
		return "", fmt.Errorf("update user memory: %w", err)
	}

	updated := normalizeUserMemory(raw, u.maxChars)
	if updated == "" {
		return "", nil
	}
	p.Summary = updated
	p.UpdatedAt = u.now()
	if err := u.store.SaveUserMemory(ctx, *p); err != nil {
		return "", err
	}
	u.logger.Debug("user profile updated", zap.String("user_id", userID))
	return updated, nil
}

// FormatUserMemorySnippet renders a profile for inclusion in a prompt.
func FormatUserMemorySnippet(summary string, maxChars int) string {
	trimmed := strings.TrimSpace(summary)
	if trimmed == "" {
		return ""
	}
	return "User memory (short, read-only; use only if relevant): " + truncateWithEllipsis(trimmed, maxChars)
}

var userMemoryPrefixes = []string{"UPDATED MEMORY:", "MEMORY:", "UPDATED SUMMARY:", "SUMMARY:"}

// normalizeUserMemory keeps at most six non-empty lines and maxChars runes.
// A NO_UPDATE answer normalizes to "".
func normalizeUserMemory(raw string, maxChars int) string {
	text := strings.TrimSpace(strings.ReplaceAll(raw, "\r", ""))
	if text == "" || strings.Contains(strings.ToUpper(text), "NO_UPDATE") {
		return ""
	}
	for _, prefix := range userMemoryPrefixes {
		if len(text) >= len(prefix) && strings.EqualFold(text[:len(prefix)], prefix) {
			text = strings.TrimSpace(text[len(prefix):])
			break
		}
	}

	lines := make([]string, 0, maxUserMemoryLines)
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
		if len(lines) == maxUserMemoryLines {
			break
		}
	}
	return truncateWithEllipsis(strings.Join(lines, "\n"), maxChars)
}

// truncateWithEllipsis cuts s so that the result, ellipsis included, fits in
// maxChars runes.
func truncateWithEllipsis(s string, maxChars int) string {
	if maxChars <= 0 || utf8.RuneCountInString(s) <= maxChars {
		return s
	}
	if maxChars <= 3 {
		return string([]rune(s)[:maxChars])
	}
	return strings.TrimSpace(string([]rune(s)[:maxChars-3])) + "..."
}
