package pages

import (
	"errors"
	"html/template"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/ashureev/medivio/internal/auth"
	"github.com/ashureev/medivio/internal/chat"
	"github.com/ashureev/medivio/internal/domain"
	"github.com/ashureev/medivio/internal/history"
	"github.com/ashureev/medivio/internal/identity"
	"github.com/ashureev/medivio/internal/intake"
	"github.com/ashureev/medivio/internal/middleware"
	"github.com/ashureev/medivio/internal/pipeline"
	"github.com/ashureev/medivio/internal/prompt"
	"github.com/ashureev/medivio/internal/session"
	"github.com/ashureev/medivio/internal/shared"
	"github.com/ashureev/medivio/web"
	"github.com/go-chi/chi/v5"
)

// User-facing messages.
const (
	MsgInvalidCredentials = "Invalid Credentials"
	MsgEmailTaken         = "Email already used."
	MsgMissingCredentials = "Email and password are required."
	MsgAccountUnavailable = "Account service unavailable. Please try again."
	MsgEmptyInput         = "Please upload an image or provide text."
	MsgUnsupportedUpload  = "Only PNG and JPEG images are supported."
	MsgUploadTooLarge     = "Uploaded images exceed the 200MB limit."
)

// Handler serves the five views and their actions.
type Handler struct {
	auth      *auth.Service
	history   *history.Service
	pipeline  *pipeline.Pipeline
	registry  *chat.Registry
	templates map[session.Page]*template.Template
	maxUpload int64
}

// NewHandler creates the page handler and parses the embedded templates.
func NewHandler(authSvc *auth.Service, hist *history.Service, p *pipeline.Pipeline, registry *chat.Registry, maxUpload int64) (*Handler, error) {
	templates, err := parseTemplates(web.Templates())
	if err != nil {
		return nil, err
	}
	if maxUpload <= 0 {
		maxUpload = intake.DefaultMaxBytes
	}
	return &Handler{
		auth:      authSvc,
		history:   hist,
		pipeline:  p,
		registry:  registry,
		templates: templates,
		maxUpload: maxUpload,
	}, nil
}

// Routes registers the page routes. Requests must already carry a session
// (see identity.Middleware). limiter throttles model calls per user.
func (h *Handler) Routes(r chi.Router, limiter middleware.Limiter) {
	r.Get("/", h.home)
	for _, page := range []session.Page{session.PageLanding, session.PageAbout, session.PageAuth, session.PageDashboard, session.PageChat} {
		r.Get("/"+string(page), h.view(page))
	}

	r.Post("/start", h.action(func(st *session.State) session.Page { st.Start(); return session.PageAuth }))
	r.Post("/about", h.action(func(st *session.State) session.Page { st.ShowAbout(); return session.PageAbout }))
	r.Post("/landing", h.action(func(st *session.State) session.Page { st.BackToLanding(); return session.PageLanding }))
	r.Post("/auth/toggle", h.action(func(st *session.State) session.Page { st.ToggleAuthMode(); return session.PageAuth }))
	r.Post("/auth/login", h.login)
	r.Post("/auth/register", h.register)
	r.Post("/analysis/reset", h.action(func(st *session.State) session.Page { st.BeginAnalysis(); return session.PageDashboard }))
	r.Get("/analysis/images/{index}", h.image)
	r.Post("/chat/open", h.action(func(st *session.State) session.Page {
		if err := st.OpenChat(); err != nil {
			return session.PageDashboard
		}
		return session.PageChat
	}))
	r.Post("/chat/back", h.action(func(st *session.State) session.Page { st.BackToDashboard(); return session.PageDashboard }))
	r.Post("/signout", h.signOut)

	r.Group(func(r chi.Router) {
		if limiter != nil {
			r.Use(middleware.RateLimit(limiter, userKey))
		}
		r.Post("/analysis", h.analyze)
		r.Post("/chat", h.ask)
	})
}

func userKey(r *http.Request) string {
	st := identity.StateFromContext(r.Context())
	if st == nil {
		return ""
	}
	email, _ := st.User()
	return email
}

func state(r *http.Request) *session.State {
	if st := identity.StateFromContext(r.Context()); st != nil {
		return st
	}
	// Only reachable when the identity middleware is not installed.
	return session.NewState()
}

func (h *Handler) home(w http.ResponseWriter, r *http.Request) {
	redirect(w, r, state(r).Page())
}

// view renders page after re-checking the guard; a guarded request is
// redirected and never sees protected content.
func (h *Handler) view(page session.Page) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := state(r)
		if got := st.Visit(page); got != page {
			redirect(w, r, got)
			return
		}

		data := viewData{Snap: st.View(page)}
		if page == session.PageDashboard {
			data.Modes = prompt.Modes()
			recent, err := h.history.RecentFor(r.Context(), data.Snap.Email, 0)
			if err != nil {
				slog.Error("Failed to load history", "error", err, "user", data.Snap.Email)
			}
			data.Recent = recent
		}
		h.renderPage(w, page, data)
	}
}

// action wraps a state transition that redirects to the page it returns.
func (h *Handler) action(fn func(*session.State) session.Page) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		redirect(w, r, fn(state(r)))
	}
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	st := state(r)
	email, password := r.PostFormValue("email"), r.PostFormValue("password")

	err := h.auth.Login(r.Context(), email, password)
	switch {
	case err == nil:
		if err := st.LoginSucceeded(email); err != nil {
			st.SetFlash(session.FlashError, MsgInvalidCredentials)
			break
		}
		slog.Info("User logged in", "user", email, "request_id", requestID(r))
		redirect(w, r, session.PageDashboard)
		return
	case errors.Is(err, shared.ErrInvalidCredentials):
		st.SetFlash(session.FlashError, MsgInvalidCredentials)
	default:
		slog.Error("Login failed", "error", err, "request_id", requestID(r))
		st.SetFlash(session.FlashError, MsgAccountUnavailable)
	}
	redirect(w, r, session.PageAuth)
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	st := state(r)

	err := h.auth.Register(r.Context(), r.PostFormValue("email"), r.PostFormValue("password"))
	switch {
	case err == nil:
		st.Registered()
	case errors.Is(err, shared.ErrAlreadyExists):
		st.SetFlash(session.FlashError, MsgEmailTaken)
	case errors.Is(err, shared.ErrMissingCredentials):
		st.SetFlash(session.FlashError, MsgMissingCredentials)
	default:
		slog.Error("Registration failed", "error", err, "request_id", requestID(r))
		st.SetFlash(session.FlashError, MsgAccountUnavailable)
	}
	redirect(w, r, session.PageAuth)
}

func (h *Handler) analyze(w http.ResponseWriter, r *http.Request) {
	st := state(r)
	if _, ok := st.User(); !ok {
		redirect(w, r, st.Visit(session.PageDashboard))
		return
	}

	// Allow for multipart framing and the text fields on top of the images.
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+1<<20)
	err := r.ParseMultipartForm(32 << 20)
	if err != nil && !errors.Is(err, http.ErrNotMultipart) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			st.SetFlash(session.FlashError, MsgUploadTooLarge)
		} else {
			st.SetFlash(session.FlashError, MsgEmptyInput)
		}
		redirect(w, r, session.PageDashboard)
		return
	}
	var files []*multipart.FileHeader
	if r.MultipartForm != nil {
		defer func() { _ = r.MultipartForm.RemoveAll() }()
		files = r.MultipartForm.File["images"]
	}

	images, err := intake.Decode(files, h.maxUpload)
	if err != nil {
		slog.Warn("Rejected upload", "error", err, "request_id", requestID(r))
		if errors.Is(err, intake.ErrTooLarge) {
			st.SetFlash(session.FlashError, MsgUploadTooLarge)
		} else {
			st.SetFlash(session.FlashError, MsgUnsupportedUpload)
		}
		redirect(w, r, session.PageDashboard)
		return
	}

	mode := prompt.ParseMode(r.FormValue("mode"))
	_, err = h.pipeline.RunAnalysis(r.Context(), st, images, r.FormValue("context"), mode)
	switch {
	case errors.Is(err, pipeline.ErrEmptyInput):
		st.SetFlash(session.FlashError, MsgEmptyInput)
	case errors.Is(err, pipeline.ErrNotLoggedIn):
		redirect(w, r, session.PageAuth)
		return
	case errors.Is(err, session.ErrStale):
		redirect(w, r, st.Visit(session.PageDashboard))
		return
	case err != nil:
		slog.Error("Analysis failed", "error", err, "request_id", requestID(r))
	}
	redirect(w, r, session.PageDashboard)
}

func (h *Handler) ask(w http.ResponseWriter, r *http.Request) {
	st := state(r)
	sid := identity.SessionIDFromContext(r.Context())

	_, err := h.pipeline.Ask(r.Context(), st, sid, pipeline.ChannelHTTP, r.PostFormValue("question"))
	switch {
	case errors.Is(err, pipeline.ErrNotLoggedIn), errors.Is(err, session.ErrStale):
		redirect(w, r, st.Visit(session.PageChat))
		return
	case errors.Is(err, session.ErrNoResult):
		redirect(w, r, session.PageDashboard)
		return
	}
	redirect(w, r, session.PageChat)
}

func (h *Handler) image(w http.ResponseWriter, r *http.Request) {
	st := state(r)
	if _, ok := st.User(); !ok {
		http.NotFound(w, r)
		return
	}
	idx, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	img, ok := st.Image(idx)
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeImage(w, img)
}

func writeImage(w http.ResponseWriter, img domain.Image) {
	w.Header().Set("Content-Type", img.MIME)
	w.Header().Set("Content-Length", strconv.Itoa(len(img.Data)))
	w.Header().Set("Cache-Control", "private, no-store")
	_, _ = w.Write(img.Data)
}

func (h *Handler) signOut(w http.ResponseWriter, r *http.Request) {
	st := state(r)
	email, _ := st.User()
	st.SignOut()
	sid := identity.SessionIDFromContext(r.Context())
	if h.registry != nil {
		h.registry.CloseSession(sid)
	}
	h.pipeline.EndSession(sid)
	slog.Info("User signed out", "user", email)
	redirect(w, r, session.PageLanding)
}
