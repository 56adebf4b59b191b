package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/mail"
	"strings"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"parasocial-gateway/middleware/auth"
	"parasocial-gateway/middleware/ratelimit"
	"parasocial-gateway/middleware/ratelimit/domain"
	"parasocial-gateway/middleware/requestid"
	"parasocial-gateway/response"
)

const (
	minPasswordLen = 8
	maxPostLen     = 500
	postsPageSize  = 50
)

type handlers struct {
	repo           *Repository
	tokens         *auth.TokenRegistry
	limiter        *ratelimit.Limiter
	stats          StatsSource
	log            *zap.Logger
	maxUploadBytes int64
	bcryptCost     int
}

type userView struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

func viewOf(u User) userView { return userView{ID: u.ID, Username: u.Username} }

func viewsOf(us []User) []userView {
	out := make([]userView, 0, len(us))
	for _, u := range us {
		out = append(out, viewOf(u))
	}
	return out
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		response.Error(w, http.StatusBadRequest, response.CodeValidation, "Invalid JSON body")
		return false
	}
	return true
}

func (h *handlers) internal(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.log.Error(msg, zap.String("request_id", requestid.From(r.Context())), zap.Error(err))
	response.Internal(w)
}

func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	response.Success(w, http.StatusOK, map[string]string{"status": "ok"})
}

type credentials struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *handlers) register(w http.ResponseWriter, r *http.Request) {
	var in credentials
	if !decodeJSON(w, r, &in) {
		return
	}
	in.Username = strings.TrimSpace(in.Username)
	if in.Username == "" {
		response.Error(w, http.StatusBadRequest, response.CodeValidation, "Username is required")
		return
	}
	if _, err := mail.ParseAddress(in.Email); err != nil {
		response.Error(w, http.StatusBadRequest, response.CodeValidation, "A valid email is required")
		return
	}
	if utf8.RuneCountInString(in.Password) < minPasswordLen {
		response.Error(w, http.StatusBadRequest, response.CodeValidation, "Password must be at least 8 characters")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), h.bcryptCost)
	if err != nil {
		h.internal(w, r, "hash password failed", err)
		return
	}
	u, err := h.repo.CreateUser(in.Username, in.Email, hash)
	if errors.Is(err, ErrEmailExists) {
		response.Error(w, http.StatusConflict, response.CodeEmailExists, "An account with this email already exists")
		return
	}
	if err != nil {
		h.internal(w, r, "create user failed", err)
		return
	}

	token := h.tokens.Issue(auth.Principal{ID: u.ID, Username: u.Username})
	response.Success(w, http.StatusCreated, map[string]any{"user": viewOf(u), "token": token})
}

func (h *handlers) login(w http.ResponseWriter, r *http.Request) {
	var in credentials
	if !decodeJSON(w, r, &in) {
		return
	}
	u, err := h.repo.UserByEmail(in.Email)
	if err == nil {
		err = bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(in.Password))
	}
	if err != nil {
		response.Error(w, http.StatusUnauthorized, response.CodeInvalidCredentials, "Invalid email or password")
		return
	}

	token := h.tokens.Issue(auth.Principal{ID: u.ID, Username: u.Username})
	response.Success(w, http.StatusOK, map[string]any{"user": viewOf(u), "token": token})
}

func (h *handlers) passwordReset(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email string `json:"email"`
	}
	if !decodeJSON(w, r, &in) {
		return
	}
	// mesma resposta exista ou não o e-mail
	if token := h.repo.CreateResetToken(in.Email); token != "" {
		h.log.Debug("password reset token issued", zap.String("request_id", requestid.From(r.Context())))
	}
	response.Success(w, http.StatusOK, map[string]string{
		"message": "If the email is registered, a reset link has been sent",
	})
}

func (h *handlers) confirmPasswordReset(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Token    string `json:"token"`
		Password string `json:"password"`
	}
	if !decodeJSON(w, r, &in) {
		return
	}
	if utf8.RuneCountInString(in.Password) < minPasswordLen {
		response.Error(w, http.StatusBadRequest, response.CodeValidation, "Password must be at least 8 characters")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), h.bcryptCost)
	if err != nil {
		h.internal(w, r, "hash password failed", err)
		return
	}
	u, err := h.repo.RedeemResetToken(in.Token, hash)
	if err != nil {
		response.Error(w, http.StatusBadRequest, response.CodeInvalidToken, "Reset token is invalid or has already been used")
		return
	}
	response.Success(w, http.StatusOK, map[string]any{"user": viewOf(u)})
}

func (h *handlers) getUser(w http.ResponseWriter, r *http.Request) {
	u, err := h.repo.UserByID(chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, http.StatusNotFound, response.CodeNotFound, "User not found")
		return
	}
	response.Success(w, http.StatusOK, viewOf(u))
}

func (h *handlers) listPosts(w http.ResponseWriter, _ *http.Request) {
	response.Success(w, http.StatusOK, h.repo.Posts(postsPageSize))
}

func (h *handlers) getPost(w http.ResponseWriter, r *http.Request) {
	p, err := h.repo.Post(chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, http.StatusNotFound, response.CodeNotFound, "Post not found")
		return
	}
	response.Success(w, http.StatusOK, p)
}

func (h *handlers) createPost(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Content string `json:"content"`
	}
	if !decodeJSON(w, r, &in) {
		return
	}
	content := strings.TrimSpace(in.Content)
	if content == "" || utf8.RuneCountInString(content) > maxPostLen {
		response.Error(w, http.StatusBadRequest, response.CodeValidation, "Content must be between 1 and 500 characters")
		return
	}

	var authorID string
	if p, ok := auth.PrincipalFrom(r.Context()); ok {
		authorID = p.ID
	}
	response.Success(w, http.StatusCreated, h.repo.CreatePost(authorID, content))
}

func (h *handlers) follow(w http.ResponseWriter, r *http.Request) {
	h.changeFollow(w, r, true)
}

func (h *handlers) unfollow(w http.ResponseWriter, r *http.Request) {
	h.changeFollow(w, r, false)
}

func (h *handlers) changeFollow(w http.ResponseWriter, r *http.Request, follow bool) {
	p, _ := auth.PrincipalFrom(r.Context())
	target := chi.URLParam(r, "id")
	if target == p.ID {
		response.Error(w, http.StatusBadRequest, response.CodeValidation, "You cannot follow yourself")
		return
	}

	var (
		changed bool
		err     error
	)
	if follow {
		changed, err = h.repo.Follow(p.ID, target)
	} else {
		changed, err = h.repo.Unfollow(p.ID, target)
	}
	if errors.Is(err, ErrUserNotFound) {
		response.Error(w, http.StatusNotFound, response.CodeNotFound, "User not found")
		return
	}
	if err != nil {
		h.internal(w, r, "change follow failed", err)
		return
	}
	response.Success(w, http.StatusOK, map[string]any{"following": follow, "changed": changed})
}

func (h *handlers) followers(w http.ResponseWriter, r *http.Request) {
	us, err := h.repo.Followers(chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, http.StatusNotFound, response.CodeNotFound, "User not found")
		return
	}
	response.Success(w, http.StatusOK, viewsOf(us))
}

func (h *handlers) following(w http.ResponseWriter, r *http.Request) {
	us, err := h.repo.Following(chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, http.StatusNotFound, response.CodeNotFound, "User not found")
		return
	}
	response.Success(w, http.StatusOK, viewsOf(us))
}

func (h *handlers) uploadMedia(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFrom(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.Error(w, http.StatusRequestEntityTooLarge, response.CodePayloadTooLarge, "File exceeds the upload size limit")
			return
		}
		response.Error(w, http.StatusBadRequest, response.CodeValidation, "Multipart field \"file\" is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		h.internal(w, r, "read upload failed", err)
		return
	}
	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}

	m := h.repo.SaveMedia(p.ID, header.Filename, contentType, data)
	response.Success(w, http.StatusCreated, m)
}

func (h *handlers) rateLimitStatus(w http.ResponseWriter, r *http.Request) {
	key, authenticated := h.limiter.Key(r)
	statuses, err := h.limiter.Service().Status(r.Context(), domain.Key(key), authenticated)
	if err != nil {
		h.internal(w, r, "rate limit status failed", err)
		return
	}
	response.Success(w, http.StatusOK, map[string]any{
		"key":           key,
		"authenticated": authenticated,
		"categories":    statuses,
	})
}

func (h *handlers) rateLimitStats(w http.ResponseWriter, r *http.Request) {
	if h.stats == nil {
		response.Error(w, http.StatusNotFound, response.CodeNotFound, "Rate limit stats are disabled")
		return
	}
	snap, err := h.stats.Snapshot(r.Context())
	if err != nil {
		h.internal(w, r, "rate limit stats failed", err)
		return
	}
	response.Success(w, http.StatusOK, snap)
}
