package pages

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/medivio/internal/analysis"
	"github.com/ashureev/medivio/internal/auth"
	"github.com/ashureev/medivio/internal/chat"
	"github.com/ashureev/medivio/internal/domain"
	"github.com/ashureev/medivio/internal/history"
	"github.com/ashureev/medivio/internal/identity"
	"github.com/ashureev/medivio/internal/pipeline"
	"github.com/ashureev/medivio/internal/session"
	"github.com/ashureev/medivio/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedModel struct {
	mu       sync.Mutex
	analysis string
	chat     string
	err      error
}

func (m *scriptedModel) set(analysisReply string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.analysis, m.err = analysisReply, err
}

func (m *scriptedModel) Generate(_ context.Context, segments []string, _ []domain.Image) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	if strings.Contains(segments[0], "already analyzed") {
		return m.chat, nil
	}
	return m.analysis, nil
}

type app struct {
	srv   *httptest.Server
	model *scriptedModel
	hist  *history.Service
}

func newApp(t *testing.T) *app {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "pages.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	model := &scriptedModel{chat: "Rest and fluids usually help."}
	hist := history.NewService(repo, 10, 100)
	p := pipeline.New(analysis.NewClient(model, time.Second), hist, nil, nil)

	h, err := NewHandler(auth.NewService(repo, auth.BcryptHasher{Cost: 4}), hist, p, chat.NewRegistry(), 0)
	require.NoError(t, err)

	issuer, err := identity.NewIssuer("test-secret", time.Hour, false)
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Use(identity.Middleware(session.NewManager(), issuer))
	h.Routes(r, nil)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &app{srv: srv, model: model, hist: hist}
}

type browser struct {
	t      *testing.T
	base   string
	client *http.Client
}

func (a *app) browser(t *testing.T) *browser {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &browser{t: t, base: a.srv.URL, client: &http.Client{Jar: jar}}
}

// page returns the final path after redirects and the body.
func (b *browser) page(resp *http.Response, err error) (string, string) {
	b.t.Helper()
	require.NoError(b.t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(b.t, err)
	require.Equal(b.t, http.StatusOK, resp.StatusCode, string(body))
	return resp.Request.URL.Path, string(body)
}

func (b *browser) get(path string) (string, string) {
	b.t.Helper()
	return b.page(b.client.Get(b.base + path))
}

func (b *browser) post(path string, form url.Values) (string, string) {
	b.t.Helper()
	return b.page(b.client.PostForm(b.base+path, form))
}

func (b *browser) upload(fields map[string]string, files map[string][]byte) (string, string) {
	b.t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(b.t, mw.WriteField(k, v))
	}
	for name, data := range files {
		fw, err := mw.CreateFormFile("images", name)
		require.NoError(b.t, err)
		_, err = fw.Write(data)
		require.NoError(b.t, err)
	}
	require.NoError(b.t, mw.Close())
	return b.page(b.client.Post(b.base+"/analysis", mw.FormDataContentType(), &body))
}

func (b *browser) registerAndLogin(email, password string) string {
	b.t.Helper()
	b.post("/start", nil)
	b.post("/auth/toggle", nil)
	_, body := b.post("/auth/register", url.Values{"email": {email}, "password": {password}})
	require.Contains(b.t, body, "Account created! Please sign in.")
	path, body := b.post("/auth/login", url.Values{"email": {email}, "password": {password}})
	require.Equal(b.t, "/dashboard", path)
	return body
}

func TestLandingAndAbout(t *testing.T) {
	b := newApp(t).browser(t)

	path, body := b.get("/")
	assert.Equal(t, "/landing", path)
	assert.Contains(t, body, "Get answers in seconds.")
	assert.Contains(t, body, "Disclaimer")

	path, body = b.post("/about", nil)
	assert.Equal(t, "/about", path)
	assert.Contains(t, body, "Our Mission")

	path, _ = b.post("/landing", nil)
	assert.Equal(t, "/landing", path)
}

func TestAuthFlow(t *testing.T) {
	b := newApp(t).browser(t)

	path, body := b.post("/start", nil)
	assert.Equal(t, "/auth", path)
	assert.Contains(t, body, "Member Login")

	_, body = b.post("/auth/toggle", nil)
	assert.Contains(t, body, "Create Account")

	_, body = b.post("/auth/register", url.Values{"email": {"a@b.com"}, "password": {"pw1"}})
	assert.Contains(t, body, "Account created! Please sign in.")
	assert.Contains(t, body, "Member Login")

	b.post("/auth/toggle", nil)
	_, body = b.post("/auth/register", url.Values{"email": {"a@b.com"}, "password": {"other"}})
	assert.Contains(t, body, "Email already used.")

	b.post("/auth/toggle", nil)
	path, body = b.post("/auth/login", url.Values{"email": {"a@b.com"}, "password": {"wrong"}})
	assert.Equal(t, "/auth", path)
	assert.Contains(t, body, "Invalid Credentials")

	path, body = b.post("/auth/login", url.Values{"email": {"a@b.com"}, "password": {"pw1"}})
	assert.Equal(t, "/dashboard", path)
	assert.Contains(t, body, "Diagnostic Interface")
	assert.Contains(t, body, "Last active: New User")
	assert.Contains(t, body, "No scans yet.")
}

func TestGuardRedirectsToLogin(t *testing.T) {
	b := newApp(t).browser(t)

	for _, p := range []string{"/dashboard", "/chat"} {
		path, body := b.get(p)
		assert.Equal(t, "/auth", path, p)
		assert.Contains(t, body, "Member Login")
		assert.NotContains(t, body, "Diagnostic Interface")
	}

	path, _ := b.upload(map[string]string{"context": "x"}, nil)
	assert.Equal(t, "/auth", path)

	resp, err := b.client.Get(b.base + "/analysis/images/0")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTextAnalysisEndToEnd(t *testing.T) {
	a := newApp(t)
	b := a.browser(t)
	b.registerAndLogin("a@b.com", "pw1")

	a.model.set("Flu Symptoms|||Persistent dry cough|||Low risk of complications|||Low|||Rest and hydrate", nil)
	path, body := b.upload(map[string]string{"context": "cough for 2 weeks", "mode": "Simple Explanation"}, nil)
	assert.Equal(t, "/dashboard", path)
	assert.Contains(t, body, "SEVERITY: LOW")
	assert.Contains(t, body, "severity-low")
	assert.Contains(t, body, "Flu Symptoms")
	assert.Contains(t, body, "Persistent dry cough")
	assert.Contains(t, body, "Rest and hydrate")

	recent, err := a.hist.RecentFor(context.Background(), "a@b.com", 0)
	require.NoError(t, err)
	require.Len(t, recent.Entries, 1)
	assert.Equal(t, "Flu Symptoms", recent.Entries[0].Type)

	path, _ = b.post("/signout", nil)
	assert.Equal(t, "/landing", path)

	b.post("/start", nil)
	_, body = b.post("/auth/login", url.Values{"email": {"a@b.com"}, "password": {"pw1"}})
	assert.Contains(t, body, "Flu Symptoms")
	assert.Contains(t, body, "Last active: "+domain.Today())
	assert.Contains(t, body, "Run Analysis", "result must not survive sign-out")
}

func TestModelFailureShowsSystemError(t *testing.T) {
	a := newApp(t)
	b := a.browser(t)
	b.registerAndLogin("a@b.com", "pw1")

	a.model.set("", errors.New("quota exceeded"))
	path, body := b.upload(map[string]string{"context": "headache"}, nil)
	assert.Equal(t, "/dashboard", path)
	assert.Contains(t, body, "System Error")
	assert.Contains(t, body, "SEVERITY: LOW")

	recent, err := a.hist.RecentFor(context.Background(), "a@b.com", 0)
	require.NoError(t, err)
	require.Len(t, recent.Entries, 1)
	assert.Equal(t, "System Error", recent.Entries[0].Type)
}

func TestEmptyAnalysisRejected(t *testing.T) {
	a := newApp(t)
	b := a.browser(t)
	b.registerAndLogin("a@b.com", "pw1")

	_, body := b.upload(map[string]string{"context": "  "}, nil)
	assert.Contains(t, body, "Please upload an image or provide text.")

	recent, err := a.hist.RecentFor(context.Background(), "a@b.com", 0)
	require.NoError(t, err)
	assert.Empty(t, recent.Entries)
}

func TestImageAnalysisAndChat(t *testing.T) {
	a := newApp(t)
	b := a.browser(t)
	b.registerAndLogin("a@b.com", "pw1")

	var img bytes.Buffer
	require.NoError(t, png.Encode(&img, image.NewGray(image.Rect(0, 0, 2, 2))))

	a.model.set("Chest X-Ray|||Mild opacity|||Medium|||Medium|||Follow up", nil)
	_, body := b.upload(map[string]string{"mode": "Radiologist Expert"}, map[string][]byte{"chest.png": img.Bytes()})
	assert.Contains(t, body, "severity-medium")
	assert.Contains(t, body, "/analysis/images/0")

	resp, err := b.client.Get(b.base + "/analysis/images/0")
	require.NoError(t, err)
	data, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	assert.Equal(t, img.Bytes(), data)

	path, body := b.post("/chat/open", nil)
	assert.Equal(t, "/chat", path)
	assert.Contains(t, body, "Chat with Scan")

	path, body = b.post("/chat", url.Values{"question": {"What should I do?"}})
	assert.Equal(t, "/chat", path)
	assert.Contains(t, body, "What should I do?")
	assert.Contains(t, body, "Rest and fluids usually help.")

	path, _ = b.post("/chat/back", nil)
	assert.Equal(t, "/dashboard", path)

	// Starting a new analysis clears the result and the chat.
	_, body = b.post("/analysis/reset", nil)
	assert.Contains(t, body, "Run Analysis")
	path, _ = b.get("/chat")
	assert.Equal(t, "/dashboard", path)
}

func TestUnsupportedUploadRejected(t *testing.T) {
	b := newApp(t).browser(t)
	b.registerAndLogin("a@b.com", "pw1")

	_, body := b.upload(nil, map[string][]byte{"notes.png": []byte("not an image")})
	assert.Contains(t, body, "Only PNG and JPEG images are supported.")
}

func TestSignOutFromChatClearsState(t *testing.T) {
	a := newApp(t)
	b := a.browser(t)
	b.registerAndLogin("a@b.com", "pw1")

	a.model.set("Flu|||cough|||Low|||Low|||rest", nil)
	b.upload(map[string]string{"context": "cough"}, nil)
	b.post("/chat/open", nil)
	b.post("/chat", url.Values{"question": {"How long?"}})

	path, _ := b.post("/signout", nil)
	assert.Equal(t, "/landing", path)

	path, _ = b.get("/chat")
	assert.Equal(t, "/auth", path)

	resp, err := b.client.Get(b.base + "/analysis/images/0")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPlainFormAnalysis(t *testing.T) {
	a := newApp(t)
	b := a.browser(t)
	b.registerAndLogin("a@b.com", "pw1")

	a.model.set("Migraine|||Throbbing headache|||Low|||Low|||Dark room", nil)
	path, body := b.post("/analysis", url.Values{"context": {"headache since morning"}})
	assert.Equal(t, "/dashboard", path)
	assert.Contains(t, body, "Migraine")

	_, body = b.post("/analysis", url.Values{"context": {""}})
	assert.Contains(t, body, "Please upload an image or provide text.")
}

func TestLoginAsAnotherUserDropsPreviousAnalysis(t *testing.T) {
	a := newApp(t)
	other := a.browser(t)
	other.registerAndLogin("b@c.com", "pw2")

	b := a.browser(t)
	b.registerAndLogin("a@b.com", "pw1")

	var img bytes.Buffer
	require.NoError(t, png.Encode(&img, image.NewGray(image.Rect(0, 0, 2, 2))))
	a.model.set("Secret Finding A|||A findings|||High risk|||High|||see a doctor", nil)
	_, body := b.upload(nil, map[string][]byte{"scan.png": img.Bytes()})
	require.Contains(t, body, "Secret Finding A")

	path, _ := b.get("/auth")
	assert.Equal(t, "/dashboard", path, "auth page is not shown to a logged-in session")

	path, body = b.post("/auth/login", url.Values{"email": {"b@c.com"}, "password": {"pw2"}})
	assert.Equal(t, "/dashboard", path)
	assert.Contains(t, body, "b@c.com")
	assert.NotContains(t, body, "Secret Finding A")
	assert.NotContains(t, body, "A findings")
	assert.Contains(t, body, "Run Analysis")

	resp, err := b.client.Get(b.base + "/analysis/images/0")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	path, _ = b.get("/chat")
	assert.Equal(t, "/dashboard", path)
}
