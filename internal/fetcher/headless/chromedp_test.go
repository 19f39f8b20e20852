package headless

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"
)

func TestToNetworkHeaders(t *testing.T) {
	t.Parallel()

	netHeaders := toNetworkHeaders(http.Header{"X-Test": {"a", "b"}, "X-One": {"1"}, "X-Empty": {}})
	require.Equal(t, []string{"a", "b"}, netHeaders["X-Test"])
	require.Equal(t, "1", netHeaders["X-One"])
	require.NotContains(t, netHeaders, "X-Empty")
}

func TestResponseMetaCaptureAndFallbacks(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.capture(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  203,
			URL:     "https://example.com/rendered",
			Headers: network.Headers{"X-Request-ID": "abc"},
		},
	})
	meta.capture(&network.EventResponseReceived{
		Type:     network.ResourceTypeScript,
		Response: &network.Response{Status: 500, URL: "https://cdn.example.com/app.js"},
	})
	status, headers, url := meta.snapshotWithFallbacks("https://req", "")
	require.Equal(t, 203, status)
	require.Equal(t, "abc", headers.Get("X-Request-ID"))
	require.Equal(t, "https://example.com/rendered", url)

	meta = newResponseMeta()
	status, _, url = meta.snapshotWithFallbacks("https://req", "https://final")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "https://final", url)
}

func TestBindContextFollowsCaller(t *testing.T) {
	t.Parallel()

	parent, cancelParent := context.WithCancel(context.Background())
	defer cancelParent()

	caller, cancelCaller := context.WithCancel(context.Background())
	runCtx, stop := bindContext(parent, caller)
	defer stop()

	cancelCaller()
	select {
	case <-runCtx.Done():
	case <-time.After(time.Second):
		t.Fatal("run context not cancelled with caller")
	}
	require.NoError(t, parent.Err())
}

func TestBindContextCopiesDeadline(t *testing.T) {
	t.Parallel()

	caller, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	runCtx, stop := bindContext(context.Background(), caller)
	defer stop()

	want, _ := caller.Deadline()
	got, ok := runCtx.Deadline()
	require.True(t, ok)
	require.Equal(t, want, got)
}

func TestNewChromeAllocatorDefaults(t *testing.T) {
	t.Parallel()

	a := NewChromeAllocator(Config{NoSandbox: true, ExecPath: "/usr/bin/chromium"})
	defer a.Close()
	require.Equal(t, 30*time.Second, a.cfg.NavigationTimeout)
	require.Equal(t, 500*time.Millisecond, a.cfg.SettleDelay)
}

func TestNewBrowserFailsWithoutChromeBinary(t *testing.T) {
	t.Parallel()

	a := NewChromeAllocator(Config{ExecPath: filepath.Join(t.TempDir(), "no-chrome")})
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	b, err := a.NewBrowser(ctx)
	require.Error(t, err)
	require.Nil(t, b)
}

// chromePath returns a local Chrome binary or skips the test.
func chromePath(t *testing.T) string {
	t.Helper()
	if p := os.Getenv("POLICY_TEST_CHROME"); p != "" {
		return p
	}
	for _, name := range []string{"chromium", "chromium-browser", "google-chrome", "google-chrome-stable", "headless-shell"} {
		if p, err := exec.LookPath(name); err == nil {
			return p
		}
	}
	t.Skip("no chrome binary available")
	return ""
}

func TestChromeSessionOutlivesStartupContext(t *testing.T) {
	exe := chromePath(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("X-Policy", "yes")
		_, _ = fmt.Fprint(w, `<html><body><div id="app"></div>
<script>document.getElementById("app").textContent = "Rendered privacy policy";</script></body></html>`)
	}))
	defer srv.Close()

	a := NewChromeAllocator(Config{ExecPath: exe, NoSandbox: true, SettleDelay: 50 * time.Millisecond})
	defer a.Close()

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	b, err := a.NewBrowser(startCtx)
	cancelStart()
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	tabCtx, cancelTab := context.WithTimeout(context.Background(), 30*time.Second)
	page, err := b.NewPage(tabCtx)
	cancelTab()
	require.NoError(t, err)
	defer func() { _ = page.Close() }()

	navCtx, cancelNav := context.WithTimeout(context.Background(), 30*time.Second)
	require.NoError(t, page.Navigate(navCtx, srv.URL, nil))
	cancelNav()

	capCtx, cancelCap := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelCap()
	snap, err := page.Capture(capCtx)
	require.NoError(t, err)
	require.Contains(t, snap.Text, "Rendered privacy policy")
	require.Equal(t, http.StatusOK, snap.StatusCode)
	require.Equal(t, "yes", snap.Headers.Get("X-Policy"))

	// A second tab on the same browser still works after the first closes.
	require.NoError(t, page.Close())
	page2, err := b.NewPage(context.Background())
	require.NoError(t, err)
	defer func() { _ = page2.Close() }()
	require.NoError(t, page2.Navigate(context.Background(), srv.URL, nil))
}
