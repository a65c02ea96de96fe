package memory

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "memory.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func saveMessage(t *testing.T, store *Store, msg Message) Message {
	t.Helper()
	if msg.ExternalID == "" {
		msg.ExternalID = fmt.Sprintf("%s-%d-%s", msg.ChannelID, msg.Timestamp.UnixNano(), msg.Content)
	}
	id, inserted, err := store.Save(context.Background(), msg)
	require.NoError(t, err)
	require.True(t, inserted, "message %q was a duplicate", msg.ExternalID)
	msg.ID = id
	return msg
}

// fakeEmbedder returns deterministic unit vectors seeded by an FNV hash of the
// text, so identical text always embeds identically.
type fakeEmbedder struct {
	dim   int
	calls atomic.Int64

	mu   sync.Mutex
	fail map[string]error
	err  error
}

func newFakeEmbedder() *fakeEmbedder {
	return &fakeEmbedder{dim: 32, fail: map[string]error{}}
}

func (f *fakeEmbedder) failOn(text string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[text] = err
}

func (f *fakeEmbedder) failAll(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, &ProviderError{Op: "embed", Err: err}
	}
	f.mu.Lock()
	err := f.err
	if e, ok := f.fail[text]; ok {
		err = e
	}
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return hashVector(text, f.dim), nil
}

func hashVector(text string, dim int) []float32 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum64()

	vec := make([]float32, dim)
	var norm float64
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float32(int64(seed)) / float32(math.MaxInt64)
		norm += float64(vec[i]) * float64(vec[i])
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}

// scriptedCompleter answers prompts through a function and records them.
type scriptedCompleter struct {
	mu      sync.Mutex
	prompts []string
	respond func(prompt string) (string, error)
}

func (c *scriptedCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	c.mu.Lock()
	c.prompts = append(c.prompts, prompt)
	respond := c.respond
	c.mu.Unlock()
	if respond == nil {
		return "", errors.New("no response scripted")
	}
	return respond(prompt)
}

func (c *scriptedCompleter) promptCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.prompts)
}

func (c *scriptedCompleter) lastPrompt() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.prompts) == 0 {
		return ""
	}
	return c.prompts[len(c.prompts)-1]
}

func isMilestonePrompt(prompt string) bool {
	return strings.Contains(prompt, "durable milestones")
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}
