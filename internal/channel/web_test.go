package channel

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"echobot/internal/bus"
	"echobot/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWebServer(t *testing.T, cfg WebConfig) *httptest.Server {
	t.Helper()
	cfg.Logger = testLogger()
	w := NewWeb(cfg)
	w.SetBus(startEcho(t))
	srv := httptest.NewServer(w.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestWebSendEchoesMessage(t *testing.T) {
	srv := newWebServer(t, WebConfig{})

	for _, msg := range []string{"hello", "", "line one\nline two", "  padded  ", "héllo 👋"} {
		resp, err := http.PostForm(srv.URL+"/chat/send", url.Values{"message": {msg}})
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		body := decodeBody(t, resp)
		assert.Equal(t, "You said: "+msg, body["content"])
	}
}

func TestWebSendRequiresMessageField(t *testing.T) {
	srv := newWebServer(t, WebConfig{})

	resp, err := http.PostForm(srv.URL+"/chat/send", url.Values{"other": {"x"}})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestWebSetsSessionCookie(t *testing.T) {
	srv := newWebServer(t, WebConfig{})

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	page, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(page), "<title>echobot</title>")

	var found bool
	for _, c := range resp.Cookies() {
		if c.Name == sessionCookieName {
			found = true
			assert.True(t, strings.HasPrefix(c.Value, "web_"))
		}
	}
	assert.True(t, found, "session cookie not set")
}

func TestWebBasicAuth(t *testing.T) {
	srv := newWebServer(t, WebConfig{
		AuthEnabled:      true,
		AuthUsername:     "admin",
		AuthPasswordHash: HashPassword("secret"),
	})

	resp, err := http.PostForm(srv.URL+"/chat/send", url.Values{"message": {"hi"}})
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/chat/send", strings.NewReader("message=hi"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("admin", "wrong")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	req, _ = http.NewRequest(http.MethodPost, srv.URL+"/chat/send", strings.NewReader("message=hi"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("admin", "secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "You said: hi", decodeBody(t, resp)["content"])
}

func TestWebStatusIsPublic(t *testing.T) {
	srv := newWebServer(t, WebConfig{AuthEnabled: true, AuthUsername: "a", AuthPasswordHash: HashPassword("b"), Version: "1.2.3"})

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "1.2.3", body["version"])
}

func TestWebMetricsEndpoint(t *testing.T) {
	srv := newWebServer(t, WebConfig{MetricsEndpoint: "/metrics"})

	resp, err := http.PostForm(srv.URL+"/chat/send", url.Values{"message": {"count me"}})
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	text, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(text), "echobot_uptime_seconds")
}

func TestWebDeliverWithoutSessionFails(t *testing.T) {
	w := NewWeb(WebConfig{Logger: testLogger()})

	err := w.deliver(context.Background(), domain.OutboundMessage{Channel: "web", ChatID: "web_gone", Content: "You said: x"})
	assert.ErrorIs(t, err, errSessionGone)
}

func TestWebConcurrentSendsSameSession(t *testing.T) {
	b := bus.New(16, testLogger())
	w := NewWeb(WebConfig{Logger: testLogger()})
	w.SetBus(b)
	srv := httptest.NewServer(w.Handler())
	t.Cleanup(srv.Close)

	waiting := func() int {
		w.pendingMu.Lock()
		defer w.pendingMu.Unlock()
		return len(w.pending)
	}

	send := func(message string) <-chan map[string]any {
		out := make(chan map[string]any, 1)
		go func() {
			req, _ := http.NewRequest(http.MethodPost, srv.URL+"/chat/send", strings.NewReader(url.Values{"message": {message}}.Encode()))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: "web_shared"})
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				out <- nil
				return
			}
			defer resp.Body.Close()
			body := map[string]any{}
			_ = json.NewDecoder(resp.Body).Decode(&body)
			body["status"] = resp.StatusCode
			out <- body
		}()
		return out
	}

	first := send("A")
	require.Eventually(t, func() bool { return waiting() == 1 }, 2*time.Second, 5*time.Millisecond)
	second := send("B")
	require.Eventually(t, func() bool { return waiting() == 2 }, 2*time.Second, 5*time.Millisecond)

	runEcho(t, b)

	for message, ch := range map[string]<-chan map[string]any{"A": first, "B": second} {
		select {
		case body := <-ch:
			require.NotNil(t, body)
			assert.Equal(t, http.StatusOK, body["status"], "message %s", message)
			assert.Equal(t, "You said: "+message, body["content"])
		case <-time.After(3 * time.Second):
			t.Fatalf("message %s got no reply", message)
		}
	}
}

func TestWebDeliverFallsBackToStream(t *testing.T) {
	w := NewWeb(WebConfig{Logger: testLogger()})
	stream := make(chan string, 1)
	w.sseClients["web_s1"] = stream

	err := w.deliver(context.Background(), domain.OutboundMessage{Channel: "web", ChatID: "web_s1", Content: "You said: late", ReplyTo: "expired"})
	require.NoError(t, err)
	assert.Equal(t, "You said: late", <-stream)
}
