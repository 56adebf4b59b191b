package api

import (
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrEmailExists  = errors.New("email already registered")
	ErrUserNotFound = errors.New("user not found")
	ErrPostNotFound = errors.New("post not found")

	ErrResetTokenInvalid = errors.New("reset token invalid or already used")
)

type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash []byte    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}

type Post struct {
	ID        string    `json:"id"`
	AuthorID  string    `json:"authorId,omitempty"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

type Media struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"ownerId"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"contentType"`
	Size        int64     `json:"size"`
	Data        []byte    `json:"-"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Repository guarda usuários, posts, follows e mídia em memória.
type Repository struct {
	mu          sync.RWMutex
	now         func() time.Time
	users       map[string]*User
	usersByMail map[string]*User
	posts       []*Post
	following   map[string]map[string]struct{}
	media       map[string]*Media
	resets      map[string]string
}

func NewRepository(now func() time.Time) *Repository {
	if now == nil {
		now = time.Now
	}
	return &Repository{
		now:         now,
		users:       make(map[string]*User),
		usersByMail: make(map[string]*User),
		following:   make(map[string]map[string]struct{}),
		media:       make(map[string]*Media),
		resets:      make(map[string]string),
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (r *Repository) CreateUser(username, email string, hash []byte) (User, error) {
	email = normalizeEmail(email)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.usersByMail[email]; ok {
		return User{}, ErrEmailExists
	}
	u := &User{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    r.now(),
	}
	r.users[u.ID] = u
	r.usersByMail[email] = u
	return *u, nil
}

func (r *Repository) UserByEmail(email string) (User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.usersByMail[normalizeEmail(email)]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return *u, nil
}

func (r *Repository) UserByID(id string) (User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return *u, nil
}

// CreateResetToken devolve "" quando o e-mail não existe.
func (r *Repository) CreateResetToken(email string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.usersByMail[normalizeEmail(email)]
	if !ok {
		return ""
	}
	token := uuid.NewString()
	r.resets[token] = u.ID
	return token
}

// RedeemResetToken troca a senha e invalida o token (uso único).
func (r *Repository) RedeemResetToken(token string, hash []byte) (User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.resets[token]
	if !ok {
		return User{}, ErrResetTokenInvalid
	}
	delete(r.resets, token)
	u, ok := r.users[id]
	if !ok {
		return User{}, ErrUserNotFound
	}
	u.PasswordHash = hash
	return *u, nil
}

func (r *Repository) CreatePost(authorID, content string) Post {
	p := &Post{
		ID:        uuid.NewString(),
		AuthorID:  authorID,
		Content:   content,
		CreatedAt: r.now(),
	}
	r.mu.Lock()
	r.posts = append(r.posts, p)
	r.mu.Unlock()
	return *p
}

// Posts lista do mais recente para o mais antigo.
func (r *Repository) Posts(limit int) []Post {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Post, 0, min(limit, len(r.posts)))
	for _, p := range slices.Backward(r.posts) {
		if len(out) == limit {
			break
		}
		out = append(out, *p)
	}
	return out
}

func (r *Repository) Post(id string) (Post, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.posts {
		if p.ID == id {
			return *p, nil
		}
	}
	return Post{}, ErrPostNotFound
}

// Follow é idempotente. Devolve false quando já seguia.
func (r *Repository) Follow(followerID, followeeID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[followeeID]; !ok {
		return false, ErrUserNotFound
	}
	set, ok := r.following[followerID]
	if !ok {
		set = make(map[string]struct{})
		r.following[followerID] = set
	}
	if _, ok := set[followeeID]; ok {
		return false, nil
	}
	set[followeeID] = struct{}{}
	return true, nil
}

// Unfollow devolve false quando não seguia.
func (r *Repository) Unfollow(followerID, followeeID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[followeeID]; !ok {
		return false, ErrUserNotFound
	}
	set := r.following[followerID]
	if _, ok := set[followeeID]; !ok {
		return false, nil
	}
	delete(set, followeeID)
	return true, nil
}

func (r *Repository) Following(userID string) ([]User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.users[userID]; !ok {
		return nil, ErrUserNotFound
	}
	out := make([]User, 0, len(r.following[userID]))
	for id := range r.following[userID] {
		out = append(out, *r.users[id])
	}
	sortUsers(out)
	return out, nil
}

func (r *Repository) Followers(userID string) ([]User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.users[userID]; !ok {
		return nil, ErrUserNotFound
	}
	var out []User
	for follower, set := range r.following {
		if _, ok := set[userID]; ok {
			if u, ok := r.users[follower]; ok {
				out = append(out, *u)
			}
		}
	}
	sortUsers(out)
	return out, nil
}

func sortUsers(us []User) {
	slices.SortFunc(us, func(a, b User) int { return strings.Compare(a.Username, b.Username) })
}

func (r *Repository) SaveMedia(ownerID, filename, contentType string, data []byte) Media {
	m := &Media{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		Filename:    filename,
		ContentType: contentType,
		Size:        int64(len(data)),
		Data:        data,
		CreatedAt:   r.now(),
	}
	r.mu.Lock()
	r.media[m.ID] = m
	r.mu.Unlock()
	return *m
}

func (r *Repository) MediaCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.media)
}
