package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/broven/claude-code-fallback-sub000/internal/breaker"
	"github.com/broven/claude-code-fallback-sub000/internal/settings"
	"github.com/broven/claude-code-fallback-sub000/internal/store"
)

// testEnv wires a gateway with a memory store and serves it over an
// in-memory listener so streaming responses behave like production.
type testEnv struct {
	store   *store.MemoryStore
	breaker *breaker.Breaker
	client  *http.Client
}

func newTestEnv(t *testing.T, primaryURL string) *testEnv {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	st := store.NewMemoryStore(ctx)
	t.Cleanup(st.Close)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	br := breaker.New(st, log, false)

	g := New(Options{
		Loader:     settings.NewLoader(st, log, false, settings.DefaultCooldownSec),
		Breaker:    br,
		Log:        log,
		PrimaryURL: primaryURL,
	})

	ln := fasthttputil.NewInmemoryListener()
	srv := g.Server(nil)
	go srv.Serve(ln) //nolint:errcheck
	t.Cleanup(func() {
		ln.Close()
	})

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(context.Context, string, string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}
	return &testEnv{store: st, breaker: br, client: client}
}

func (e *testEnv) seedProviders(t *testing.T, providers string) {
	t.Helper()
	if err := e.store.Set(context.Background(), settings.KeyProviders, providers, 0); err != nil {
		t.Fatal(err)
	}
}

func (e *testEnv) post(t *testing.T, body string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "http://gateway/v1/messages", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func (e *testEnv) state(t *testing.T, name string) breaker.ProviderState {
	t.Helper()
	return e.breaker.State(context.Background(), name)
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

const happyBody = `{"id":"msg_1","type":"message","role":"assistant","content":[{"type":"text","text":"Hello"}]}`

func TestHappyPrimary(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, happyBody)
	}))
	defer upstream.Close()

	env := newTestEnv(t, upstream.URL)

	resp := env.post(t, `{"model":"claude-sonnet-4-5-20250929","max_tokens":16,"messages":[{"role":"user","content":"Hi"}]}`, nil)
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := readBody(t, resp); got != happyBody {
		t.Errorf("body = %q, want passthrough", got)
	}

	st := env.state(t, PrimaryName)
	if st.LastSuccess == nil || st.ConsecutiveFailures != 0 {
		t.Errorf("primary state not marked success: %+v", st)
	}
}

func TestPrimary429ThenFallback(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"type":"rate_limit_error","message":"slow down"}}`, http.StatusTooManyRequests)
	}))
	defer primary.Close()

	var fallbackKey atomic.Value
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fallbackKey.Store(r.Header.Get("x-api-key"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, happyBody)
	}))
	defer fallback.Close()

	env := newTestEnv(t, primary.URL)
	env.seedProviders(t, fmt.Sprintf(
		`[{"name":"openrouter","baseUrl":%q,"apiKey":"or-key"}]`, fallback.URL))

	resp := env.post(t, `{"model":"claude-sonnet-4-5","messages":[]}`, nil)
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	readBody(t, resp)

	if got, _ := fallbackKey.Load().(string); got != "or-key" {
		t.Errorf("fallback credential = %q, want provider's own key", got)
	}
	if st := env.state(t, PrimaryName); st.ConsecutiveFailures != 1 {
		t.Errorf("primary failures = %d, want 1", st.ConsecutiveFailures)
	}
	if st := env.state(t, "openrouter"); st.ConsecutiveFailures != 0 || st.LastSuccess == nil {
		t.Errorf("fallback state wrong: %+v", st)
	}
}

func TestAllFailReturnsLastUpstreamError(t *testing.T) {
	fail := func(body string) *httptest.Server {
		return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, body)
		}))
	}
	primary := fail(`{"error":{"type":"api_error","message":"primary down"}}`)
	defer primary.Close()
	fb1 := fail(`{"error":{"type":"api_error","message":"fb1 down"}}`)
	defer fb1.Close()
	fb2 := fail(`{"error":{"type":"api_error","message":"fb2 down"}}`)
	defer fb2.Close()

	env := newTestEnv(t, primary.URL)
	env.seedProviders(t, fmt.Sprintf(
		`[{"name":"fb1","baseUrl":%q,"apiKey":"k1"},{"name":"fb2","baseUrl":%q,"apiKey":"k2"}]`,
		fb1.URL, fb2.URL))

	resp := env.post(t, `{"model":"m","messages":[]}`, nil)
	if resp.StatusCode != 500 {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	if body := readBody(t, resp); !strings.Contains(body, "fb2 down") {
		t.Errorf("expected last upstream body, got %q", body)
	}

	for _, name := range []string{PrimaryName, "fb1", "fb2"} {
		if st := env.state(t, name); st.ConsecutiveFailures != 1 {
			t.Errorf("%s failures = %d, want 1", name, st.ConsecutiveFailures)
		}
	}
}

func TestCooldownSkipsProvider(t *testing.T) {
	var hitsA atomic.Int64
	provA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hitsA.Add(1)
		fmt.Fprint(w, happyBody)
	}))
	defer provA.Close()
	provB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, happyBody)
	}))
	defer provB.Close()

	env := newTestEnv(t, "http://127.0.0.1:0") // primary unreachable
	env.seedProviders(t, fmt.Sprintf(
		`[{"name":"providerA","baseUrl":%q,"apiKey":"ka"},{"name":"providerB","baseUrl":%q,"apiKey":"kb"}]`,
		provA.URL, provB.URL))

	until := time.Now().Add(60 * time.Second).UnixMilli()
	state, _ := json.Marshal(breaker.ProviderState{ConsecutiveFailures: 5, CooldownUntil: &until})
	if err := env.store.Set(context.Background(), breaker.StateKeyPrefix+"providerA", string(state), 0); err != nil {
		t.Fatal(err)
	}

	resp := env.post(t, `{"model":"m","messages":[]}`, map[string]string{
		"x-ccf-debug-skip-anthropic": "1",
	})
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	readBody(t, resp)

	if hitsA.Load() != 0 {
		t.Errorf("providerA received %d calls while cooling down", hitsA.Load())
	}
}

func TestRectifierBudgetRetry(t *testing.T) {
	var calls atomic.Int64
	var secondBody atomic.Value
	prov := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		body, _ := io.ReadAll(r.Body)
		if n == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":{"message":"thinking.budget_tokens: Input should be greater than or equal to 1024"}}`)
			return
		}
		secondBody.Store(string(body))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, happyBody)
	}))
	defer prov.Close()

	env := newTestEnv(t, "unused")
	env.seedProviders(t, fmt.Sprintf(`[{"name":"claude-mirror","baseUrl":%q,"apiKey":"k"}]`, prov.URL))

	resp := env.post(t,
		`{"model":"m","max_tokens":1024,"thinking":{"type":"enabled","budget_tokens":512},"messages":[]}`,
		map[string]string{"x-ccf-debug-skip-anthropic": "1"})
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	readBody(t, resp)

	if calls.Load() != 2 {
		t.Fatalf("provider calls = %d, want exactly 2", calls.Load())
	}
	var mutated map[string]any
	if err := json.Unmarshal([]byte(secondBody.Load().(string)), &mutated); err != nil {
		t.Fatal(err)
	}
	thinking := mutated["thinking"].(map[string]any)
	if thinking["budget_tokens"] != float64(32000) || mutated["max_tokens"] != float64(64000) {
		t.Errorf("retry body not rectified: %v", mutated)
	}
}

func TestStreamingOpenAIFallback(t *testing.T) {
	prov := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &req); err != nil || req["stream"] != true {
			t.Errorf("upstream request not translated for streaming: %s", body)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		for _, chunk := range []string{
			`{"choices":[{"delta":{"role":"assistant"}}]}`,
			`{"choices":[{"delta":{"content":"Hello"}}]}`,
			`{"choices":[{"delta":{"content":"!"}},{"delta":{}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
			`[DONE]`,
		} {
			fmt.Fprintf(w, "data: %s\n\n", chunk)
			fl.Flush()
		}
	}))
	defer prov.Close()

	env := newTestEnv(t, "unused")
	env.seedProviders(t, fmt.Sprintf(
		`[{"name":"oai","baseUrl":%q,"apiKey":"k","format":"openai"}]`, prov.URL))

	resp := env.post(t, `{"model":"m","stream":true,"messages":[{"role":"user","content":"Hi"}]}`,
		map[string]string{"x-ccf-debug-skip-anthropic": "1"})
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var events []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		if name, ok := strings.CutPrefix(sc.Text(), "event: "); ok {
			events = append(events, name)
		}
	}
	want := []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}
	if strings.Join(events, ",") != strings.Join(want, ",") {
		t.Errorf("client events = %v, want %v", events, want)
	}
}

func TestAuthGate(t *testing.T) {
	env := newTestEnv(t, "unused")
	if err := env.store.Set(context.Background(), settings.KeyAllowedTokens, `["tok-1"]`, 0); err != nil {
		t.Fatal(err)
	}

	resp := env.post(t, `{"model":"m","messages":[]}`, nil)
	if resp.StatusCode != 401 {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if body := readBody(t, resp); !strings.Contains(body, "authentication_error") {
		t.Errorf("expected authentication_error envelope, got %q", body)
	}
}

func TestClientErrorAtPrimaryNoFallback(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":{"type":"not_found_error","message":"model not found"}}`)
	}))
	defer primary.Close()

	var fallbackHits atomic.Int64
	fb := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fallbackHits.Add(1)
		fmt.Fprint(w, happyBody)
	}))
	defer fb.Close()

	env := newTestEnv(t, primary.URL)
	env.seedProviders(t, fmt.Sprintf(`[{"name":"fb","baseUrl":%q,"apiKey":"k"}]`, fb.URL))

	resp := env.post(t, `{"model":"bogus","messages":[]}`, nil)
	if resp.StatusCode != 404 {
		t.Fatalf("status = %d, want 404 verbatim", resp.StatusCode)
	}
	if body := readBody(t, resp); !strings.Contains(body, "model not found") {
		t.Errorf("expected upstream body verbatim, got %q", body)
	}
	if fallbackHits.Load() != 0 {
		t.Error("client-fatal 4xx must not trigger fallback")
	}
	if st := env.state(t, PrimaryName); st.ConsecutiveFailures != 0 {
		t.Errorf("client error must not burn breaker budget: %+v", st)
	}
}

func TestExhaustionWithNoProviders(t *testing.T) {
	env := newTestEnv(t, "unused")

	resp := env.post(t, `{"model":"m","messages":[]}`, map[string]string{
		"x-ccf-debug-skip-anthropic": "1",
	})
	if resp.StatusCode != 502 {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	if body := readBody(t, resp); !strings.Contains(body, "proxy_error") {
		t.Errorf("expected proxy_error envelope, got %q", body)
	}
}

func TestSafetyValveWhenAllCoolingDown(t *testing.T) {
	var hits atomic.Int64
	prov := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, happyBody)
	}))
	defer prov.Close()

	env := newTestEnv(t, "unused")
	env.seedProviders(t, fmt.Sprintf(`[{"name":"only","baseUrl":%q,"apiKey":"k"}]`, prov.URL))

	until := time.Now().Add(time.Hour).UnixMilli()
	state, _ := json.Marshal(breaker.ProviderState{ConsecutiveFailures: 10, CooldownUntil: &until})
	if err := env.store.Set(context.Background(), breaker.StateKeyPrefix+"only", string(state), 0); err != nil {
		t.Fatal(err)
	}

	resp := env.post(t, `{"model":"m","messages":[]}`, map[string]string{
		"x-ccf-debug-skip-anthropic": "1",
	})
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want safety-valve success", resp.StatusCode)
	}
	readBody(t, resp)
	if hits.Load() != 1 {
		t.Errorf("provider hits = %d, want 1", hits.Load())
	}
}

func TestRootHandler(t *testing.T) {
	env := newTestEnv(t, "unused")
	env.seedProviders(t, `[{"name":"a","baseUrl":"http://x","apiKey":"k"},{"name":"b","baseUrl":"http://y","apiKey":"k","disabled":true}]`)

	resp, err := env.client.Get("http://gateway/")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body := readBody(t, resp); !strings.Contains(body, "1 fallback provider") {
		t.Errorf("root message should count enabled providers: %q", body)
	}
}
