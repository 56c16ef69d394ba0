package browser

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchScriptQuotesURL(t *testing.T) {
	t.Parallel()

	script, err := fetchScript(`/img?id=1&x="quoted"`)
	require.NoError(t, err)
	assert.Contains(t, script, `fetch("/img?id=1&x=\"quoted\""`)
	assert.Contains(t, script, "btoa(binary)")

	_, err = fetchScript("  ")
	assert.Error(t, err)
}

func TestToNetworkHeaders(t *testing.T) {
	t.Parallel()

	got := toNetworkHeaders(http.Header{"Accept-Language": {"en", "de"}})
	assert.Equal(t, "en, de", got["Accept-Language"])
}

func TestToHTTPCookies(t *testing.T) {
	t.Parallel()

	in := []*network.Cookie{
		{Name: "sid", Value: "abc", Domain: ".portal.example", Path: "/", HTTPOnly: true, Secure: true, Expires: 1767225600.5},
		nil,
		{Name: "tmp", Value: "1", Domain: "portal.example", Path: "/", Session: true, Expires: -1},
	}
	out := toHTTPCookies(in)
	require.Len(t, out, 2)

	assert.Equal(t, "sid", out[0].Name)
	assert.Equal(t, ".portal.example", out[0].Domain)
	assert.True(t, out[0].HttpOnly)
	assert.True(t, out[0].Secure)
	assert.Equal(t, time.Unix(1767225600, 500_000_000).UTC(), out[0].Expires)

	assert.Equal(t, "tmp", out[1].Name)
	assert.True(t, out[1].Expires.IsZero())
}

func TestElementSelector(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "#captcha", element{selector: "#captcha"}.Selector())
}

const challengePage = `<!doctype html>
<html><body>
<img id="captcha" src="/captcha.png">
<form action="/solve" method="get">
<input id="answer" name="answer" type="text">
<button id="go" type="submit">Go</button>
</form>
</body></html>`

func findChrome(t *testing.T) string {
	t.Helper()
	for _, name := range []string{"google-chrome", "chromium", "chromium-browser", "headless-shell"} {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}
	t.Skip("chrome not installed")
	return ""
}

func TestSessionAgainstPortal(t *testing.T) {
	if testing.Short() {
		t.Skip("browser test skipped in short mode")
	}
	execPath := findChrome(t)

	png := []byte{0x89, 'P', 'N', 'G', 0, 1, 2, 250}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: "s1", Path: "/"})
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(challengePage))
	})
	mux.HandleFunc("/captcha.png", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(png)
	})
	mux.HandleFunc("/solve", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if r.URL.Query().Get("answer") == "7rq2" {
			_, _ = w.Write([]byte("<html><body>Search results</body></html>"))
			return
		}
		_, _ = w.Write([]byte("<html><body>Incorrect code</body></html>"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	session, err := New(Config{Headless: true, ExecPath: execPath, NavigationTimeout: 20 * time.Second}, nil)
	require.NoError(t, err)
	t.Cleanup(session.Close)

	ctx := context.Background()
	require.NoError(t, session.Navigate(ctx, srv.URL+"/"))

	handle, err := session.Locate(ctx, "#captcha", 5*time.Second)
	require.NoError(t, err)
	src, err := session.ReadAttribute(ctx, handle, "src")
	require.NoError(t, err)
	assert.Equal(t, "/captcha.png", src)

	data, err := session.FetchBytes(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, png, data)

	cookies, err := session.Cookies(ctx)
	require.NoError(t, err)
	var names []string
	for _, c := range cookies {
		names = append(names, c.Name)
	}
	assert.Contains(t, names, "sid")

	require.NoError(t, session.FillAndSubmit(ctx, "#answer", "7rq2", "#go"))
	ok, err := session.PageContains(ctx, "Search results")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := session.ExecuteScript(ctx, `btoa("hi")`)
	require.NoError(t, err)
	decoded, err := base64.StdEncoding.DecodeString(got.(string))
	require.NoError(t, err)
	assert.Equal(t, "hi", string(decoded))
}

func TestRunHonoursCallerCancel(t *testing.T) {
	if testing.Short() {
		t.Skip("browser test skipped in short mode")
	}
	execPath := findChrome(t)

	session, err := New(Config{Headless: true, ExecPath: execPath}, nil)
	require.NoError(t, err)
	t.Cleanup(session.Close)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = session.Locate(ctx, "#never", time.Minute)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
