// Package session holds the per-browser page state and its transitions.
package session

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/medivio/internal/domain"
)

// Page identifies one of the five views.
type Page string

// Pages.
const (
	PageLanding   Page = "landing"
	PageAbout     Page = "about"
	PageAuth      Page = "auth"
	PageDashboard Page = "dashboard"
	PageChat      Page = "chat"
)

// Protected reports whether the page requires a logged-in user.
func (p Page) Protected() bool {
	return p == PageDashboard || p == PageChat
}

// AuthMode is the sub-mode of the auth page.
type AuthMode string

// Auth modes.
const (
	AuthLogin    AuthMode = "login"
	AuthRegister AuthMode = "register"
)

// Flash kinds.
const (
	FlashError   = "error"
	FlashSuccess = "success"
)

// Flash is a one-shot message shown on the next render.
type Flash struct {
	Kind    string
	Message string
}

var (
	// ErrNoEmail is returned when logging in without a user identifier.
	ErrNoEmail = errors.New("logged-in session requires an email")
	// ErrNoResult is returned when chat is opened before any analysis.
	ErrNoResult = errors.New("no analysis to chat about")
	// ErrStale is returned when the session signed out, changed user or
	// started another analysis while a model call was in flight.
	ErrStale = errors.New("session changed during the request")
)

// State is the transient state of one browser session. All mutation goes
// through the transition methods; every method is safe for concurrent use.
type State struct {
	mu       sync.Mutex
	page     Page
	authMode AuthMode
	loggedIn bool
	email    string
	result   *domain.AnalysisResult
	images   []domain.Image
	chat     []domain.ChatMessage
	flash    *Flash
	// gen advances whenever the result it guards is discarded.
	gen uint64
}

// NewState returns a fresh session on the landing page in login mode.
func NewState() *State {
	return &State{page: PageLanding, authMode: AuthLogin}
}

// Snapshot is an immutable copy of State for rendering.
type Snapshot struct {
	Page     Page
	AuthMode AuthMode
	LoggedIn bool
	Email    string
	Result   *domain.AnalysisResult
	Images   []domain.Image
	Chat     []domain.ChatMessage
	Flash    *Flash
}

// Start moves from the landing page to the login form.
func (s *State) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.page = PageAuth
	s.authMode = AuthLogin
}

// ShowAbout opens the about page.
func (s *State) ShowAbout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.page = PageAbout
}

// BackToLanding returns to the landing page.
func (s *State) BackToLanding() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.page = PageLanding
}

// ToggleAuthMode switches between the login and register forms.
func (s *State) ToggleAuthMode() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.authMode == AuthLogin {
		s.authMode = AuthRegister
	} else {
		s.authMode = AuthLogin
	}
	s.page = PageAuth
	s.flash = nil
}

// LoginSucceeded marks the session as authenticated and opens the dashboard.
// Any result, images and chat left in the browser session are discarded.
func (s *State) LoginSucceeded(email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return ErrNoEmail
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearAnalysisLocked()
	s.loggedIn = true
	s.email = email
	s.page = PageDashboard
	s.flash = nil
	return nil
}

// Registered switches to the login form and queues a confirmation.
func (s *State) Registered() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authMode = AuthLogin
	s.page = PageAuth
	s.flash = &Flash{Kind: FlashSuccess, Message: "Account created! Please sign in."}
}

// SetFlash queues a message for the next render.
func (s *State) SetFlash(kind, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flash = &Flash{Kind: kind, Message: message}
}

// OpenChat moves to the chat page. It requires a completed analysis.
func (s *State) OpenChat() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result == nil {
		return ErrNoResult
	}
	s.page = PageChat
	return nil
}

// BackToDashboard leaves the chat page.
func (s *State) BackToDashboard() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.page = PageDashboard
}

// BeginAnalysis discards the previous result, its images and the chat. The
// returned generation must be handed back to CompleteAnalysis.
func (s *State) BeginAnalysis() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearAnalysisLocked()
	return s.gen
}

// CompleteAnalysis stores a new result with its images. It returns ErrStale
// and leaves the session untouched if gen is no longer current or the
// session is logged out.
func (s *State) CompleteAnalysis(gen uint64, result domain.AnalysisResult, images []domain.Image) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || !s.loggedIn {
		return ErrStale
	}
	s.result = &result
	s.images = images
	s.chat = nil
	s.page = PageDashboard
	return nil
}

// AppendChat adds one message to the transcript of the result identified by
// gen (see Grounding).
func (s *State) AppendChat(gen uint64, role, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.result == nil {
		return ErrStale
	}
	s.chat = append(s.chat, domain.ChatMessage{Role: role, Content: content, Timestamp: time.Now()})
	return nil
}

func (s *State) clearAnalysisLocked() {
	s.result = nil
	s.images = nil
	s.chat = nil
	s.gen++
}

// SignOut clears identity, result, images and chat and returns to landing.
func (s *State) SignOut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearAnalysisLocked()
	s.loggedIn = false
	s.email = ""
	s.flash = nil
	s.authMode = AuthLogin
	s.page = PageLanding
}

// Visit resolves the page to render for a request for want, applying the
// guard: protected pages need a login, chat also needs a result, and a
// logged-in session is sent from auth to its dashboard.
func (s *State) Visit(want Page) Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visitLocked(want)
}

func (s *State) visitLocked(want Page) Page {
	switch {
	case want.Protected() && !s.loggedIn:
		s.page = PageAuth
		s.authMode = AuthLogin
	case want == PageChat && s.result == nil:
		s.page = PageDashboard
	case want == PageAuth && s.loggedIn:
		s.page = PageDashboard
	default:
		s.page = want
	}
	return s.page
}

// View applies Visit and returns a snapshot, consuming the pending flash.
func (s *State) View(want Page) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.visitLocked(want)
	snap := s.snapshotLocked()
	s.flash = nil
	return snap
}

// Snapshot returns a copy of the current state.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *State) snapshotLocked() Snapshot {
	snap := Snapshot{
		Page:     s.page,
		AuthMode: s.authMode,
		LoggedIn: s.loggedIn,
		Email:    s.email,
		Images:   append([]domain.Image(nil), s.images...),
		Chat:     append([]domain.ChatMessage(nil), s.chat...),
	}
	if s.result != nil {
		r := *s.result
		snap.Result = &r
	}
	if s.flash != nil {
		f := *s.flash
		snap.Flash = &f
	}
	return snap
}

// Page returns the current page.
func (s *State) Page() Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.page
}

// User returns the logged-in email and whether the session is authenticated.
func (s *State) User() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.email, s.loggedIn
}

// Grounding returns the raw analysis and images a follow-up question is
// answered against, with the generation to pass to AppendChat. ok is false
// when there is no result.
func (s *State) Grounding() (raw string, images []domain.Image, gen uint64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result == nil {
		return "", nil, 0, false
	}
	return s.result.Raw, append([]domain.Image(nil), s.images...), s.gen, true
}

// Image returns the i-th image of the current result.
func (s *State) Image(i int) (domain.Image, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.images) {
		return domain.Image{}, false
	}
	return s.images[i], true
}
