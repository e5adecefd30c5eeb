package fake

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	segunda "github.com/chimerakang/segunda-go"
	"github.com/chimerakang/segunda-go/marketplace"
)

// Context keys for storing auth data in gin.Context.
const (
	keyUID   = "segunda_uid"
	keyToken = "segunda_token"
)

type product struct {
	marketplace.Product
	ownerUID string
}

type chat struct {
	id           int64
	productID    int64
	participants []string
	createdAt    time.Time
	updatedAt    time.Time
}

type message struct {
	marketplace.Message
	senderUID string
}

// Backend is an in-memory marketplace backend served by gin. It accepts
// "Bearer <jwt>" tokens issued by its IdentityProvider and "Token <key>" keys
// issued by its own /auth/ endpoints.
type Backend struct {
	provider *IdentityProvider
	engine   *gin.Engine
	logger   *slog.Logger

	mu            sync.Mutex
	users         map[string]*marketplace.User // uid → user
	keys          map[string]string            // key → uid
	products      map[int64]*product
	likes         map[int64]map[string]bool // product → uid set
	chats         map[int64]*chat
	messages      map[int64][]*message // chat → messages
	nextID        int64
	rejectNext    int
	profileStatus int

	requests     atomic.Int64
	unauthorized atomic.Int64
}

// BackendOption configures the Backend.
type BackendOption func(*Backend)

// WithBackendLogger sets a structured logger for request logging.
func WithBackendLogger(l *slog.Logger) BackendOption {
	return func(b *Backend) { b.logger = l }
}

// NewBackend creates a backend trusting tokens from provider.
func NewBackend(provider *IdentityProvider, opts ...BackendOption) *Backend {
	gin.SetMode(gin.TestMode)
	b := &Backend{
		provider: provider,
		logger:   slog.New(slog.DiscardHandler),
		users:    make(map[string]*marketplace.User),
		keys:     make(map[string]string),
		products: make(map[int64]*product),
		likes:    make(map[int64]map[string]bool),
		chats:    make(map[int64]*chat),
		messages: make(map[int64][]*message),
	}
	for _, o := range opts {
		o(b)
	}
	b.engine = b.routes()
	return b
}

// Handler returns the HTTP handler.
func (b *Backend) Handler() http.Handler { return b.engine }

// Server starts an httptest server. The caller closes it.
func (b *Backend) Server() *httptest.Server { return httptest.NewServer(b.engine) }

// RejectNext makes the next n authenticated requests fail with 401.
func (b *Backend) RejectNext(n int) {
	b.mu.Lock()
	b.rejectNext = n
	b.mu.Unlock()
}

// FailProfile makes the profile endpoint answer with status. 0 restores it.
func (b *Backend) FailProfile(status int) {
	b.mu.Lock()
	b.profileStatus = status
	b.mu.Unlock()
}

// Requests returns the number of requests served.
func (b *Backend) Requests() int64 { return b.requests.Load() }

// Unauthorized returns the number of 401 responses sent.
func (b *Backend) Unauthorized() int64 { return b.unauthorized.Load() }

func (b *Backend) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), b.logRequests())

	r.POST("/auth/login/", b.login)
	r.POST("/auth/registration/", b.register)

	authed := r.Group("/", b.auth())
	authed.GET("/auth/user/", b.currentUser)
	authed.POST("/auth/logout/", b.logout)

	authed.GET("/api/profile/", b.getProfile)
	authed.PATCH("/api/profile/", b.updateProfile)

	authed.GET("/api/my-products/", b.myProducts)
	authed.POST("/api/my-products/", b.createProduct)
	authed.PATCH("/api/my-products/:id/", b.updateProduct)
	authed.DELETE("/api/my-products/:id/", b.deleteProduct)
	authed.GET("/api/products/", b.allProducts)
	authed.POST("/api/products/:id/like/", b.toggleLike)

	authed.GET("/api/my-chats/", b.myChats)
	authed.POST("/api/chats/create/", b.createChat)
	authed.GET("/api/chats/:id/", b.chatRoom)
	authed.GET("/api/chats/:id/messages/", b.chatMessages)
	authed.POST("/api/chats/:id/messages/", b.sendMessage)
	authed.POST("/api/chats/:id/mark-read/", b.markRead)
	return r
}

func (b *Backend) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		b.requests.Add(1)
		start := time.Now()
		c.Next()
		b.logger.Debug("fake backend request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"request_id", c.GetHeader("X-Request-ID"),
			"duration", time.Since(start),
		)
	}
}

// auth verifies the Authorization header and stores the caller's uid.
func (b *Backend) auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		scheme, token, ok := strings.Cut(c.GetHeader("Authorization"), " ")
		if !ok || token == "" {
			b.reject(c, "Authentication credentials were not provided.")
			return
		}

		b.mu.Lock()
		if b.rejectNext > 0 {
			b.rejectNext--
			b.mu.Unlock()
			b.reject(c, "Invalid token.")
			return
		}
		b.mu.Unlock()

		var uid, email string
		switch {
		case strings.EqualFold(scheme, segunda.SchemeBearer):
			claims, err := b.provider.Verify(token)
			if err != nil {
				b.reject(c, "Invalid Firebase token.")
				return
			}
			uid, email = claims.Subject, claims.Email
		case strings.EqualFold(scheme, segunda.SchemeToken):
			b.mu.Lock()
			uid, ok = b.keys[token]
			b.mu.Unlock()
			if !ok {
				b.reject(c, errUnknownKey.Error())
				return
			}
		default:
			b.reject(c, "Invalid token header.")
			return
		}

		b.mu.Lock()
		b.ensureUserLocked(uid, email)
		b.mu.Unlock()

		c.Set(keyUID, uid)
		c.Set(keyToken, token)
		c.Next()
	}
}

func (b *Backend) reject(c *gin.Context, detail string) {
	b.unauthorized.Add(1)
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": detail})
}

func (b *Backend) ensureUserLocked(uid, email string) *marketplace.User {
	if u, ok := b.users[uid]; ok {
		return u
	}
	b.nextID++
	username, _, _ := strings.Cut(email, "@")
	if username == "" {
		username = uid
	}
	u := &marketplace.User{ID: b.nextID, Username: username, Email: email, CreatedAt: time.Now()}
	b.users[uid] = u
	return u
}

func uidOf(c *gin.Context) string { return c.GetString(keyUID) }

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Not found."})
		return 0, false
	}
	return id, true
}

// --- /auth/ ---

func (b *Backend) login(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"non_field_errors": []string{"Malformed request."}})
		return
	}
	email := req.Email
	if email == "" {
		email = req.Username
	}

	b.provider.mu.Lock()
	a, err := b.provider.authenticateLocked(email, req.Password)
	b.provider.mu.Unlock()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"non_field_errors": []string{"Unable to log in with provided credentials."}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": b.issueKey(a)})
}

func (b *Backend) register(c *gin.Context) {
	var req struct {
		Username  string `json:"username"`
		Email     string `json:"email"`
		Password1 string `json:"password1"`
		Password2 string `json:"password2"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"non_field_errors": []string{"Malformed request."}})
		return
	}
	if req.Password1 != req.Password2 {
		c.JSON(http.StatusBadRequest, gin.H{"non_field_errors": []string{"The two password fields didn't match."}})
		return
	}

	b.provider.mu.Lock()
	a, err := b.provider.registerLocked(req.Email, req.Password1, 8)
	b.provider.mu.Unlock()
	if err != nil {
		switch kind, _ := segunda.AuthErrorKindOf(err); kind {
		case segunda.EmailInUse:
			c.JSON(http.StatusBadRequest, gin.H{"email": []string{"A user is already registered with this e-mail address."}})
		case segunda.WeakPassword:
			c.JSON(http.StatusBadRequest, gin.H{"password1": []string{"This password is too short. It must contain at least 8 characters."}})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"email": []string{"Enter a valid email address."}})
		}
		return
	}
	c.JSON(http.StatusCreated, gin.H{"key": b.issueKey(a)})
}

func (b *Backend) issueKey(a *account) string {
	key := strings.ReplaceAll(uuid.NewString(), "-", "")
	b.mu.Lock()
	b.keys[key] = a.uid
	b.ensureUserLocked(a.uid, a.email)
	b.mu.Unlock()
	return key
}

func (b *Backend) currentUser(c *gin.Context) {
	b.mu.Lock()
	u := *b.users[uidOf(c)]
	b.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{
		"pk":         u.ID,
		"username":   u.Username,
		"email":      u.Email,
		"first_name": u.FirstName,
		"last_name":  u.LastName,
	})
}

func (b *Backend) logout(c *gin.Context) {
	b.mu.Lock()
	delete(b.keys, c.GetString(keyToken))
	b.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"detail": "Successfully logged out."})
}

// --- /api/profile/ ---

func (b *Backend) getProfile(c *gin.Context) {
	b.mu.Lock()
	status := b.profileStatus
	u := *b.users[uidOf(c)]
	b.mu.Unlock()

	if status != 0 {
		c.JSON(status, gin.H{"detail": http.StatusText(status)})
		return
	}
	c.JSON(http.StatusOK, u)
}

func (b *Backend) updateProfile(c *gin.Context) {
	var upd marketplace.ProfileUpdate
	if err := c.ShouldBindJSON(&upd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	b.mu.Lock()
	u := b.users[uidOf(c)]
	for dst, src := range map[*string]string{
		&u.FirstName:    upd.FirstName,
		&u.LastName:     upd.LastName,
		&u.ProfileImage: upd.ProfileImage,
		&u.PhoneNumber:  upd.PhoneNumber,
		&u.Location:     upd.Location,
	} {
		if src != "" {
			*dst = src
		}
	}
	out := *u
	b.mu.Unlock()
	c.JSON(http.StatusOK, out)
}

// --- products ---

func (b *Backend) productViewLocked(p *product, uid string) marketplace.Product {
	out := p.Product
	owner := *b.users[p.ownerUID]
	out.Owner = &owner
	out.WantedItemsList = splitWanted(p.WantedItems)
	out.LikesCount = len(b.likes[p.ID])
	out.IsLiked = b.likes[p.ID][uid]
	return out
}

func splitWanted(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (b *Backend) listProducts(c *gin.Context, mine bool) {
	uid := uidOf(c)
	b.mu.Lock()
	out := make([]marketplace.Product, 0, len(b.products))
	for _, p := range b.products {
		if mine && p.ownerUID != uid {
			continue
		}
		out = append(out, b.productViewLocked(p, uid))
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	c.JSON(http.StatusOK, out)
}

func (b *Backend) myProducts(c *gin.Context)  { b.listProducts(c, true) }
func (b *Backend) allProducts(c *gin.Context) { b.listProducts(c, false) }

func (b *Backend) createProduct(c *gin.Context) {
	var in marketplace.ProductInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	if strings.TrimSpace(in.Title) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"title": []string{"This field is required."}})
		return
	}

	uid := uidOf(c)
	now := time.Now()
	b.mu.Lock()
	b.nextID++
	p := &product{ownerUID: uid, Product: marketplace.Product{
		ID:        b.nextID,
		Status:    marketplace.StatusAvailable,
		CreatedAt: now,
		UpdatedAt: now,
	}}
	applyProduct(&p.Product, in)
	b.products[p.ID] = p
	out := b.productViewLocked(p, uid)
	b.mu.Unlock()

	c.JSON(http.StatusCreated, out)
}

func applyProduct(p *marketplace.Product, in marketplace.ProductInput) {
	for dst, src := range map[*string]string{
		&p.Title:       in.Title,
		&p.Description: in.Description,
		&p.Category:    in.Category,
		&p.Image:       in.Image,
		&p.WantedItems: in.WantedItems,
		&p.Location:    in.Location,
		&p.Status:      in.Status,
	} {
		if src != "" {
			*dst = src
		}
	}
	if in.CanSell != nil {
		p.CanSell = *in.CanSell
	}
}

// ownProductLocked returns the caller's product or writes 404.
func (b *Backend) ownProductLocked(c *gin.Context, id int64) (*product, bool) {
	p, ok := b.products[id]
	if !ok || p.ownerUID != uidOf(c) {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Not found."})
		return nil, false
	}
	return p, true
}

func (b *Backend) updateProduct(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var in marketplace.ProductInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.ownProductLocked(c, id)
	if !ok {
		return
	}
	applyProduct(&p.Product, in)
	p.UpdatedAt = time.Now()
	c.JSON(http.StatusOK, b.productViewLocked(p, uidOf(c)))
}

func (b *Backend) deleteProduct(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.ownProductLocked(c, id); !ok {
		return
	}
	delete(b.products, id)
	delete(b.likes, id)
	c.Status(http.StatusNoContent)
}

func (b *Backend) toggleLike(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	uid := uidOf(c)

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.products[id]; !ok {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Not found."})
		return
	}
	set := b.likes[id]
	if set == nil {
		set = make(map[string]bool)
		b.likes[id] = set
	}
	if set[uid] {
		delete(set, uid)
	} else {
		set[uid] = true
	}
	c.JSON(http.StatusOK, marketplace.LikeResult{Liked: set[uid], LikesCount: len(set)})
}

// --- chats ---

func (b *Backend) chatViewLocked(ch *chat, uid string) marketplace.ChatRoom {
	out := marketplace.ChatRoom{
		ID:        ch.id,
		CreatedAt: ch.createdAt,
		UpdatedAt: ch.updatedAt,
	}
	for _, puid := range ch.participants {
		u := *b.users[puid]
		out.Participants = append(out.Participants, u)
		if puid != uid && out.OtherParticipant == nil {
			other := u
			out.OtherParticipant = &other
		}
	}
	if p, ok := b.products[ch.productID]; ok {
		pv := b.productViewLocked(p, uid)
		out.Product = &pv
	}
	msgs := b.messages[ch.id]
	for _, m := range msgs {
		if !m.IsRead && m.senderUID != uid {
			out.UnreadCount++
		}
	}
	if len(msgs) > 0 {
		last := b.messageViewLocked(msgs[len(msgs)-1])
		out.LastMessage = &last
	}
	return out
}

func (b *Backend) messageViewLocked(m *message) marketplace.Message {
	out := m.Message
	sender := *b.users[m.senderUID]
	out.Sender = &sender
	return out
}

// participantChatLocked returns a chat the caller belongs to or writes 404.
func (b *Backend) participantChatLocked(c *gin.Context) (*chat, bool) {
	id, ok := pathID(c)
	if !ok {
		return nil, false
	}
	ch, ok := b.chats[id]
	if ok {
		for _, puid := range ch.participants {
			if puid == uidOf(c) {
				return ch, true
			}
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"detail": "Not found."})
	return nil, false
}

func (b *Backend) myChats(c *gin.Context) {
	uid := uidOf(c)
	b.mu.Lock()
	out := []marketplace.ChatRoom{}
	for _, ch := range b.chats {
		for _, puid := range ch.participants {
			if puid == uid {
				out = append(out, b.chatViewLocked(ch, uid))
				break
			}
		}
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	c.JSON(http.StatusOK, out)
}

func (b *Backend) createChat(c *gin.Context) {
	var req struct {
		ProductID int64 `json:"product_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.ProductID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "product_id is required"})
		return
	}
	uid := uidOf(c)

	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.products[req.ProductID]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Product not found"})
		return
	}
	if p.ownerUID == uid {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Cannot chat about your own product"})
		return
	}
	for _, ch := range b.chats {
		if ch.productID == p.ID && ch.participants[1] == uid {
			c.JSON(http.StatusOK, b.chatViewLocked(ch, uid))
			return
		}
	}
	b.nextID++
	now := time.Now()
	ch := &chat{id: b.nextID, productID: p.ID, participants: []string{p.ownerUID, uid}, createdAt: now, updatedAt: now}
	b.chats[ch.id] = ch
	c.JSON(http.StatusCreated, b.chatViewLocked(ch, uid))
}

func (b *Backend) chatRoom(c *gin.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.participantChatLocked(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, b.chatViewLocked(ch, uidOf(c)))
}

func (b *Backend) chatMessages(c *gin.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.participantChatLocked(c)
	if !ok {
		return
	}
	out := make([]marketplace.Message, 0, len(b.messages[ch.id]))
	for _, m := range b.messages[ch.id] {
		out = append(out, b.messageViewLocked(m))
	}
	c.JSON(http.StatusOK, out)
}

func (b *Backend) sendMessage(c *gin.Context) {
	var req struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Content) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"content": []string{"This field may not be blank."}})
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.participantChatLocked(c)
	if !ok {
		return
	}
	b.nextID++
	now := time.Now()
	m := &message{senderUID: uidOf(c), Message: marketplace.Message{ID: b.nextID, Content: req.Content, CreatedAt: now}}
	b.messages[ch.id] = append(b.messages[ch.id], m)
	ch.updatedAt = now
	c.JSON(http.StatusCreated, b.messageViewLocked(m))
}

func (b *Backend) markRead(c *gin.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.participantChatLocked(c)
	if !ok {
		return
	}
	uid := uidOf(c)
	n := 0
	for _, m := range b.messages[ch.id] {
		if m.senderUID != uid && !m.IsRead {
			m.IsRead = true
			n++
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "marked": n})
}
