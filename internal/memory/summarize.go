package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/leakless21/mascord/internal/config"
)

const (
	// Upper bound on messages folded into a single summary update.
	maxSummaryInputMessages = 200
	maxMilestonesPerCycle   = 6
	maxCompressionPasses    = 2
	initialSummaryWindow    = 24 * time.Hour
)

type SummaryState int

const (
	StateIdle SummaryState = iota
	StateTriggered
	StateSummarizing
	StateFailed
)

func (s SummaryState) String() string {
	switch s {
	case StateTriggered:
		return "triggered"
	case StateSummarizing:
		return "summarizing"
	case StateFailed:
		return "failed"
	default:
		return "idle"
	}
}

type summaryStore interface {
	Summary(ctx context.Context, channelID string) (*ChannelSummary, error)
	SaveSummary(ctx context.Context, channelID, summary string, tokens int, at time.Time, refreshed bool) error
	Milestones(ctx context.Context, channelID string) ([]Milestone, error)
	AppendMilestones(ctx context.Context, channelID string, facts []string, keep int, at time.Time) (int, error)
	FetchRecent(ctx context.Context, channelID string, since time.Time, limit int) ([]Message, error)
	FetchSince(ctx context.Context, channelID string, since time.Time, limit int) ([]Message, error)
	CountMessagesSince(ctx context.Context, channelID string, since time.Time) (int, error)
	ActiveChannels(ctx context.Context, since time.Time) ([]string, error)
}

// SummaryPolicy holds the trigger and size rules of the rolling summarizer.
type SummaryPolicy struct {
	ActiveLookback        time.Duration
	InitialMinMessages    int
	TriggerNewMessages    int
	TriggerAge            time.Duration
	TriggerMinNewMessages int
	MaxTokens             int
	RefreshEvery          time.Duration
	RefreshLookback       time.Duration
	MaxMilestones         int
}

func DefaultSummaryPolicy() SummaryPolicy {
	return SummaryPolicyFromConfig(config.DefaultConfig())
}

func SummaryPolicyFromConfig(cfg *config.Config) SummaryPolicy {
	s := cfg.Summarization
	return SummaryPolicy{
		ActiveLookback:        time.Duration(s.ActiveLookbackDays) * 24 * time.Hour,
		InitialMinMessages:    s.InitialMinMessages,
		TriggerNewMessages:    s.TriggerNewMessages,
		TriggerAge:            time.Duration(s.TriggerAgeHours) * time.Hour,
		TriggerMinNewMessages: s.TriggerMinNewMessages,
		MaxTokens:             s.MaxTokens,
		RefreshEvery:          time.Duration(s.RefreshWeeks) * 7 * 24 * time.Hour,
		RefreshLookback:       time.Duration(s.RefreshLookbackDays) * 24 * time.Hour,
		MaxMilestones:         s.MaxMilestones,
	}
}

// triggerInput is what the policy needs to know about one channel.
type triggerInput struct {
	hasSummary  bool
	newMessages int
	age         time.Duration
	refreshDue  bool
}

// Decision is the outcome of evaluating a channel against the policy.
type Decision struct {
	Run         bool
	Refresh     bool
	NewMessages int
	Reason      string
}

func (p SummaryPolicy) evaluate(in triggerInput) Decision {
	d := Decision{NewMessages: in.newMessages}
	switch {
	case !in.hasSummary:
		d.Run = in.newMessages >= p.InitialMinMessages
		d.Reason = "initial"
	case in.refreshDue && in.newMessages > 0:
		d.Run, d.Refresh = true, true
		d.Reason = "refresh"
	case in.newMessages >= p.TriggerNewMessages:
		d.Run = true
		d.Reason = "volume"
	case in.age >= p.TriggerAge && in.newMessages >= p.TriggerMinNewMessages:
		d.Run = true
		d.Reason = "age"
	default:
		d.Reason = "below threshold"
	}
	return d
}

// Summarizer maintains one rolling summary and a capped milestone list per
// channel. Only one summarization per channel runs at a time.
type Summarizer struct {
	store  summaryStore
	llm    Completer
	policy SummaryPolicy
	logger *zap.Logger
	now    func() time.Time

	mu     sync.Mutex
	states map[string]SummaryState
}

func NewSummarizer(store summaryStore, llm Completer, policy SummaryPolicy, logger *zap.Logger) *Summarizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Summarizer{
		store:  store,
		llm:    llm,
		policy: policy,
		logger: logger.Named("summarizer"),
		now:    time.Now,
		states: make(map[string]SummaryState),
	}
}

func (s *Summarizer) State(channelID string) SummaryState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[channelID]
}

func (s *Summarizer) setState(channelID string, st SummaryState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st == StateIdle {
		delete(s.states, channelID)
		return
	}
	s.states[channelID] = st
}

// begin moves a channel into Summarizing unless another caller holds it.
func (s *Summarizer) begin(channelID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.states[channelID] == StateSummarizing {
		return false
	}
	s.states[channelID] = StateSummarizing
	return true
}

// ShouldSummarize evaluates the trigger rules for one channel.
func (s *Summarizer) ShouldSummarize(ctx context.Context, channelID string) (Decision, error) {
	now := s.now()
	prev, err := s.store.Summary(ctx, channelID)
	if err != nil {
		return Decision{}, err
	}

	in := triggerInput{hasSummary: prev != nil}
	since := now.Add(-initialSummaryWindow)
	if prev != nil {
		since = prev.UpdatedAt
		in.age = now.Sub(prev.UpdatedAt)
		in.refreshDue = s.policy.RefreshEvery > 0 && now.Sub(prev.RefreshedAt) > s.policy.RefreshEvery
	}
	in.newMessages, err = s.store.CountMessagesSince(ctx, channelID, since)
	if err != nil {
		return Decision{}, err
	}
	return s.policy.evaluate(in), nil
}

// SummarizeResult reports what one channel summarization did.
type SummarizeResult struct {
	ChannelID  string
	Skipped    bool
	Refreshed  bool
	// Backlog is set when more new messages remain than one fold takes.
	Backlog    bool
	Messages   int
	Tokens     int
	Milestones int
}

// SummarizeChannel folds the channel's new messages into its summary,
// regardless of the trigger rules. A full refresh is done when refresh is
// true or the previous one is older than the policy allows. On failure the
// stored summary is left untouched.
func (s *Summarizer) SummarizeChannel(ctx context.Context, channelID string, refresh bool) (SummarizeResult, error) {
	res := SummarizeResult{ChannelID: channelID}
	if s.llm == nil {
		return res, errors.New("summarize: no completion provider configured")
	}
	if !s.begin(channelID) {
		s.logger.Debug("channel already summarizing, skipped", zap.String("channel_id", channelID))
		res.Skipped = true
		return res, nil
	}

	res, err := s.summarize(ctx, channelID, refresh)
	if err != nil {
		s.setState(channelID, StateFailed)
		return res, err
	}
	s.setState(channelID, StateIdle)
	return res, nil
}

func (s *Summarizer) summarize(ctx context.Context, channelID string, refresh bool) (SummarizeResult, error) {
	res := SummarizeResult{ChannelID: channelID}
	now := s.now()
	logger := s.logger.With(zap.String("channel_id", channelID))

	prev, err := s.store.Summary(ctx, channelID)
	if err != nil {
		return res, err
	}
	if prev != nil && s.policy.RefreshEvery > 0 && now.Sub(prev.RefreshedAt) > s.policy.RefreshEvery {
		refresh = true
	}
	if prev == nil {
		refresh = false
	}

	since := now.Add(-s.policy.ActiveLookback)
	switch {
	case refresh:
		since = now.Add(-s.policy.RefreshLookback)
	case prev != nil:
		since = prev.UpdatedAt
	}
	// An incremental fold pages forward from the previous watermark so a
	// backlog larger than one batch is folded over several cycles. A first
	// summary or a refresh only looks at the newest batch.
	incremental := !refresh && prev != nil
	var recent []Message
	if incremental {
		recent, err = s.store.FetchSince(ctx, channelID, since, maxSummaryInputMessages)
	} else {
		recent, err = s.store.FetchRecent(ctx, channelID, since, maxSummaryInputMessages)
		slices.Reverse(recent)
	}
	if err != nil {
		return res, err
	}
	watermark := now
	if incremental && len(recent) == maxSummaryInputMessages {
		recent, watermark = cutAtWatermark(recent)
		res.Backlog = true
	}
	if len(recent) == 0 {
		logger.Debug("no messages to summarize")
		return res, nil
	}

	milestones, err := s.store.Milestones(ctx, channelID)
	if err != nil {
		return res, err
	}
	facts := make([]string, 0, len(milestones))
	for _, m := range milestones {
		facts = append(facts, m.Fact)
	}

	prompt := buildSummaryPrompt(prev, refresh, facts, formatTranscript(recent))
	summary, err := s.llm.Complete(ctx, prompt)
	if err != nil {
		logger.Warn("summary completion failed", zap.Bool("transient", IsTransient(err)), zap.Error(err))
		return res, fmt.Errorf("summarize channel %s: %w", channelID, err)
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return res, fmt.Errorf("summarize channel %s: %w", channelID, &ProviderError{Op: "complete", Err: errors.New("empty summary")})
	}

	summary, err = s.enforceCap(ctx, summary)
	if err != nil {
		logger.Warn("summary compression failed", zap.Error(err))
		return res, fmt.Errorf("compress summary %s: %w", channelID, err)
	}

	tokens := approxTokens(summary)
	if err := s.store.SaveSummary(ctx, channelID, summary, tokens, watermark, refresh || prev == nil); err != nil {
		return res, err
	}
	res.Messages = len(recent)
	res.Tokens = tokens
	res.Refreshed = refresh

	// Milestone extraction is best effort; the summary is already saved.
	added, err := s.extractMilestones(ctx, channelID, summary, now)
	if err != nil {
		logger.Warn("milestone extraction failed", zap.Error(err))
	}
	res.Milestones = added

	logger.Info("channel summarized",
		zap.Int("count", len(recent)),
		zap.Int("tokens", tokens),
		zap.Bool("refresh", refresh),
		zap.Bool("backlog", res.Backlog),
		zap.Int("milestones_added", added))
	return res, nil
}

// cutAtWatermark returns the part of a full oldest-first batch that can be
// folded and the timestamp the next fold resumes after. Trailing messages
// sharing the last stored millisecond are left for the next fold, since
// the resume query is strictly newer than the watermark.
func cutAtWatermark(batch []Message) ([]Message, time.Time) {
	last := toMillis(batch[len(batch)-1].Timestamp)
	end := len(batch)
	for end > 0 && toMillis(batch[end-1].Timestamp) == last {
		end--
	}
	if end == 0 {
		return batch, batch[len(batch)-1].Timestamp
	}
	return batch[:end], batch[end-1].Timestamp
}

// enforceCap keeps the summary within MaxTokens: up to two compression passes,
// then a hard truncation.
func (s *Summarizer) enforceCap(ctx context.Context, summary string) (string, error) {
	limit := s.policy.MaxTokens
	if limit <= 0 || approxTokens(summary) <= limit {
		return summary, nil
	}

	current := summary
	for pass := 0; pass < maxCompressionPasses; pass++ {
		s.logger.Debug("summary over cap, compressing",
			zap.Int("tokens", approxTokens(current)), zap.Int("max_tokens", limit), zap.Int("pass", pass+1))
		out, err := s.llm.Complete(ctx, fmt.Sprintf(compressPrompt, limit, current))
		if err != nil {
			return "", err
		}
		if out = strings.TrimSpace(out); out != "" {
			current = out
		}
		if approxTokens(current) <= limit {
			return current, nil
		}
	}
	return truncateRunes(current, limit*4), nil
}

func (s *Summarizer) extractMilestones(ctx context.Context, channelID, summary string, at time.Time) (int, error) {
	raw, err := s.llm.Complete(ctx, fmt.Sprintf(milestonePrompt, maxMilestonesPerCycle, summary))
	if err != nil {
		return 0, err
	}
	facts := parseMilestones(raw, maxMilestonesPerCycle)
	if len(facts) == 0 {
		return 0, nil
	}
	return s.store.AppendMilestones(ctx, channelID, facts, s.policy.MaxMilestones, at)
}

// CycleReport summarizes one pass over the active channels.
type CycleReport struct {
	Channels   int
	Summarized int
	Skipped    int
	Failed     int
}

// RunCycle evaluates every recently active channel and summarizes the ones
// whose trigger fired. Per-channel failures are logged and retried next cycle.
func (s *Summarizer) RunCycle(ctx context.Context) (CycleReport, error) {
	var report CycleReport
	if s.llm == nil {
		return report, nil
	}
	logger := s.logger.With(zap.String("cycle_id", uuid.NewString()))

	channels, err := s.store.ActiveChannels(ctx, s.now().Add(-s.policy.ActiveLookback))
	if err != nil {
		return report, fmt.Errorf("summary cycle: %w", err)
	}
	report.Channels = len(channels)

	for _, channelID := range channels {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		decision, err := s.ShouldSummarize(ctx, channelID)
		if err != nil {
			logger.Warn("evaluate channel failed", zap.String("channel_id", channelID), zap.Error(err))
			report.Failed++
			continue
		}
		if !decision.Run {
			continue
		}

		if s.State(channelID) != StateSummarizing {
			s.setState(channelID, StateTriggered)
		}
		logger.Debug("summary triggered",
			zap.String("channel_id", channelID),
			zap.String("reason", decision.Reason),
			zap.Int("count", decision.NewMessages))

		res, err := s.SummarizeChannel(ctx, channelID, decision.Refresh)
		switch {
		case err != nil:
			logger.Warn("summarize channel failed", zap.String("channel_id", channelID), zap.Error(err))
			report.Failed++
		case res.Skipped:
			report.Skipped++
		default:
			report.Summarized++
		}
	}

	if report.Summarized+report.Failed > 0 {
		logger.Info("summary cycle complete",
			zap.Int("channels", report.Channels),
			zap.Int("summarized", report.Summarized),
			zap.Int("failed", report.Failed))
	}
	return report, nil
}

const summaryInitialPrompt = `Summarize the following channel messages.
Focus on key topics, decisions, constraints, and ongoing threads; omit trivial chatter.

MILESTONES:
%s

MESSAGES:
%s

SUMMARY:`

const summaryUpdatePrompt = `You maintain a rolling channel summary. Update the summary using the new messages.
Keep continuity, only add important new information, and remove outdated details.
Prefer durable facts, decisions, and ongoing threads.

MILESTONES:
%s

PREVIOUS SUMMARY:
%s

NEW MESSAGES:
%s

UPDATED SUMMARY:`

const summaryRefreshPrompt = `Rewrite the channel summary from scratch to reduce drift.
Use the previous summary as historical context and the recent messages as ground truth.
Keep it concise and factual; omit trivial chatter.

MILESTONES:
%s

PREVIOUS SUMMARY:
%s

RECENT MESSAGES:
%s

REFRESHED SUMMARY:`

const compressPrompt = `Condense the following channel summary to be under %d tokens.
Keep it accurate and preserve key decisions, constraints, and ongoing threads.

SUMMARY:
%s

CONDENSED SUMMARY:`

const milestonePrompt = `Extract up to %d durable milestones (decisions, commitments, constraints, or ongoing threads) from the summary below.
Respond with one per line prefixed with "- ". If there are none, respond with "None".

SUMMARY:
%s

MILESTONES:`

func buildSummaryPrompt(prev *ChannelSummary, refresh bool, milestones []string, transcript string) string {
	block := "(none)"
	if len(milestones) > 0 {
		block = strings.Join(milestones, "\n")
	}
	switch {
	case prev == nil:
		return fmt.Sprintf(summaryInitialPrompt, block, transcript)
	case refresh:
		return fmt.Sprintf(summaryRefreshPrompt, block, prev.Summary, transcript)
	default:
		return fmt.Sprintf(summaryUpdatePrompt, block, prev.Summary, transcript)
	}
}

func formatTranscript(msgs []Message) string {
	var b strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&b, "[%s] %s: %s\n", m.Timestamp.UTC().Format("2006-01-02 15:04"), m.AuthorID, strings.TrimSpace(m.Content))
	}
	return b.String()
}

// parseMilestones reads "- ", "* " and "1." / "1)" prefixed lines, dropping
// duplicates case-insensitively. A bare "None" ends the list.
func parseMilestones(raw string, limit int) []string {
	out := make([]string, 0, limit)
	seen := make(map[string]struct{})
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.EqualFold(line, "none") {
			break
		}

		var item string
		switch {
		case strings.HasPrefix(line, "- "):
			item = line[2:]
		case strings.HasPrefix(line, "* "):
			item = line[2:]
		default:
			item = stripNumberedPrefix(line)
		}
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}

		key := strings.ToLower(item)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, item)
		if len(out) >= limit {
			break
		}
	}
	return out
}

func stripNumberedPrefix(line string) string {
	digits := strings.IndexFunc(line, func(r rune) bool { return !unicode.IsDigit(r) })
	if digits <= 0 {
		return ""
	}
	if _, err := strconv.Atoi(line[:digits]); err != nil {
		return ""
	}
	rest := strings.TrimLeft(line[digits:], " ")
	if !strings.HasPrefix(rest, ".") && !strings.HasPrefix(rest, ")") {
		return ""
	}
	return strings.TrimSpace(rest[1:])
}

// approxTokens estimates tokens as runes/4.
func approxTokens(s string) int {
	return utf8.RuneCountInString(s) / 4
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:limit]))
}
