package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/scrypster/castlist/internal/boundary"
	"github.com/scrypster/castlist/internal/llm"
	"github.com/scrypster/castlist/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const tokensPerMessage = 300

// messageCounter charges a fixed cost per message so split points are exact:
// with a 2000-token window the budget is 1000, so up to 3 messages fit.
type messageCounter struct{}

func (messageCounter) CountTokens(text string) int {
	return strings.Count(text, "<msg>") * tokensPerMessage
}

// echoBackend answers with one character per message, named after the
// message, and fails for messages containing "bad".
type echoBackend struct {
	calls atomic.Int32
	fail  error
}

func (e *echoBackend) complete(ctx context.Context, req llm.CompletionRequest) (string, error) {
	e.calls.Add(1)
	if e.fail != nil && strings.Contains(req.Prompt, "bad") {
		return "", e.fail
	}
	var names []string
	for _, line := range strings.Split(req.Prompt, "\n") {
		if name, ok := strings.CutPrefix(line, "<msg> "); ok {
			names = append(names, fmt.Sprintf(`{"name": %q, "confidence": 80}`, name))
		}
	}
	return `{"characters": [` + strings.Join(names, ",") + `]}`, nil
}

func newTestSplitter(t *testing.T, backend *echoBackend) *Splitter {
	t.Helper()
	gw := llm.NewGateway(llm.GatewayConfig{Breaker: llm.CircuitBreakerConfig{MaxFailures: 100}})
	gw.SetProvider(llm.BackendPrimary, llm.ProviderFunc{Fn: backend.complete, Window: 2000, Name: "test"})
	return NewSplitter(SplitterConfig{
		Gateway:  gw,
		Cache:    NewCache(DefaultCacheCapacity),
		Boundary: boundary.New(boundary.Config{BaseDelay: time.Millisecond}),
		Counter:  messageCounter{},
	})
}

func messages(names ...string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = "<msg> " + n
	}
	return out
}

func names(extractions []types.Extraction) []string {
	out := make([]string, len(extractions))
	for i, e := range extractions {
		out[i] = e.Name
	}
	return out
}

func TestMaxPromptTokens(t *testing.T) {
	assert.Equal(t, 1000, MaxPromptTokens(0))
	assert.Equal(t, 1000, MaxPromptTokens(2000))
	assert.Equal(t, 2048, MaxPromptTokens(4096))
	assert.Equal(t, 16384, MaxPromptTokens(32768))
	assert.Equal(t, 25000, MaxPromptTokens(200000))
}

func TestSplitter_FittingBatchIsOneCall(t *testing.T) {
	backend := &echoBackend{}
	s := newTestSplitter(t, backend)

	got, err := s.Analyze(context.Background(), messages("Alice", "Bob", "Cara"), "", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"Alice", "Bob", "Cara"}, names(got))
	assert.Equal(t, int32(1), backend.calls.Load())
}

func TestSplitter_SplitPreservesOrder(t *testing.T) {
	batch := messages("A", "B", "C", "D", "E", "F", "G", "H")

	backend := &echoBackend{}
	got, err := newTestSplitter(t, backend).Analyze(context.Background(), batch, "", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C", "D", "E", "F", "G", "H"}, names(got))
	assert.Equal(t, int32(4), backend.calls.Load(), "8 messages split into 4 leaves of 2")

	// Same result as analysing the halves separately and concatenating.
	direct := newTestSplitter(t, &echoBackend{})
	first, err := direct.Analyze(context.Background(), batch[:4], "", 0)
	require.NoError(t, err)
	second, err := direct.Analyze(context.Background(), batch[4:], "", 0)
	require.NoError(t, err)
	assert.Equal(t, append(first, second...), got)
}

func TestSplitter_OddBatchSplitsAtMidpoint(t *testing.T) {
	backend := &echoBackend{}
	got, err := newTestSplitter(t, backend).Analyze(context.Background(), messages("A", "B", "C", "D", "E"), "", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C", "D", "E"}, names(got))
	assert.Equal(t, int32(2), backend.calls.Load(), "halves of 2 and 3 both fit")
}

func TestSplitter_CachesLeafResults(t *testing.T) {
	backend := &echoBackend{}
	s := newTestSplitter(t, backend)
	batch := messages("Alice", "Bob")

	first, err := s.Analyze(context.Background(), batch, "", 0)
	require.NoError(t, err)
	second, err := s.Analyze(context.Background(), batch, "", 0)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), backend.calls.Load(), "second call served from cache")
	assert.Equal(t, uint64(1), s.cache.Stats().Hits)
}

func TestSplitter_KnownContextDoesNotAffectCacheKey(t *testing.T) {
	backend := &echoBackend{}
	s := newTestSplitter(t, backend)
	batch := messages("Alice")

	_, err := s.Analyze(context.Background(), batch, "", 0)
	require.NoError(t, err)
	_, err = s.Analyze(context.Background(), batch, "- Alice", 0)
	require.NoError(t, err)
	assert.Equal(t, int32(1), backend.calls.Load())
}

func TestSplitter_OversizedSingleMessageSentAsIs(t *testing.T) {
	backend := &echoBackend{}
	s := newTestSplitter(t, backend)
	s.counter = llm.EstimateCounter{}

	huge := "<msg> Giant\n" + strings.Repeat("x", 10000)
	got, err := s.Analyze(context.Background(), []string{huge}, "", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"Giant"}, names(got))
	assert.Equal(t, int32(1), backend.calls.Load())
}

func TestSplitter_RetriesTransientParseFailure(t *testing.T) {
	var calls atomic.Int32
	gw := llm.NewGateway(llm.GatewayConfig{})
	gw.SetProvider(llm.BackendPrimary, llm.ProviderFunc{
		Fn: func(ctx context.Context, req llm.CompletionRequest) (string, error) {
			if calls.Add(1) < 3 {
				return "I could not find any JSON to give you", nil
			}
			return `{"characters": [{"name": "Alice"}]}`, nil
		},
	})
	s := NewSplitter(SplitterConfig{
		Gateway:  gw,
		Boundary: boundary.New(boundary.Config{BaseDelay: time.Millisecond}),
	})

	got, err := s.Analyze(context.Background(), []string{"Alice: hi"}, "", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Alice", got[0].Name)
	assert.Equal(t, types.DefaultConfidence, got[0].Confidence)
	assert.Equal(t, int32(3), calls.Load())
}

func TestSplitter_FailureInOneHalfFailsTheBatch(t *testing.T) {
	backend := &echoBackend{fail: &boundary.BackendError{Backend: "primary", StatusCode: 500}}
	s := newTestSplitter(t, backend)

	got, err := s.Analyze(context.Background(), messages("A", "B", "bad", "D", "E", "F"), "", 0)
	require.Error(t, err)
	assert.Nil(t, got)

	var classified *boundary.ClassifiedError
	require.True(t, errors.As(err, &classified))
	assert.Equal(t, boundary.KindNetwork, classified.Kind)

	var backendErr *boundary.BackendError
	assert.True(t, errors.As(err, &backendErr))
	failedKey := CacheKey(llm.JoinBatch(messages("A", "B", "bad")), s.gateway.Identity(llm.BackendPrimary))
	assert.False(t, s.cache.Contains(failedKey), "failed leaf is never cached")
	assert.Equal(t, 1, s.boundary.Counts()[boundary.KindNetwork.String()])
}

func TestSplitter_ConfigurationErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	gw := llm.NewGateway(llm.GatewayConfig{Active: llm.BackendLocal})
	gw.SetProvider(llm.BackendLocal, llm.ProviderFunc{
		Fn: func(ctx context.Context, req llm.CompletionRequest) (string, error) {
			calls.Add(1)
			return "", nil
		},
	})
	s := NewSplitter(SplitterConfig{Gateway: gw})

	_, err := s.Analyze(context.Background(), []string{"Alice: hi"}, "", 0)
	var cfgErr *boundary.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, int32(0), calls.Load())
}

func TestSplitter_EmptyBatch(t *testing.T) {
	backend := &echoBackend{}
	got, err := newTestSplitter(t, backend).Analyze(context.Background(), nil, "", 0)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, int32(0), backend.calls.Load())
}
