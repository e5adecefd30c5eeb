// Package marketplace provides typed calls to the Segunda backend over an
// authenticated segunda.Requester.
package marketplace

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	segunda "github.com/chimerakang/segunda-go"
)

// Client wraps the backend's profile, product and chat endpoints.
type Client struct {
	api         segunda.Requester
	profilePath string
}

// compile-time check
var _ segunda.ProfileFetcher = (*Client)(nil)

// Option configures the Client.
type Option func(*Client)

// WithProfilePath overrides the profile endpoint. Default: "/api/profile/".
func WithProfilePath(p string) Option {
	return func(c *Client) { c.profilePath = p }
}

// New creates a marketplace client.
func New(api segunda.Requester, opts ...Option) *Client {
	c := &Client{api: api, profilePath: segunda.DefaultProfilePath}
	for _, o := range opts {
		o(c)
	}
	return c
}

// GetProfile returns the signed-in user.
func (c *Client) GetProfile(ctx context.Context) (*User, error) {
	var u User
	if err := c.call(ctx, http.MethodGet, c.profilePath, nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// UpdateProfile patches the signed-in user.
func (c *Client) UpdateProfile(ctx context.Context, upd ProfileUpdate) (*User, error) {
	var u User
	if err := c.call(ctx, http.MethodPatch, c.profilePath, upd, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// FetchProfile implements segunda.ProfileFetcher.
func (c *Client) FetchProfile(ctx context.Context) (*segunda.UserProfile, error) {
	u, err := c.GetProfile(ctx)
	if err != nil {
		return nil, err
	}
	return u.Profile(), nil
}

// Profile maps the backend user to the cached profile.
func (u *User) Profile() *segunda.UserProfile {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		name = u.Username
	}
	return &segunda.UserProfile{
		UserID:        fmt.Sprint(u.ID),
		DisplayName:   name,
		Email:         u.Email,
		AvatarURL:     u.ProfileImage,
		LocationLabel: u.Location,
	}
}

// MyProducts lists the signed-in user's products.
func (c *Client) MyProducts(ctx context.Context) ([]Product, error) {
	var out []Product
	if err := c.list(ctx, "/api/my-products/", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateProduct lists a new product owned by the signed-in user.
func (c *Client) CreateProduct(ctx context.Context, in ProductInput) (*Product, error) {
	if strings.TrimSpace(in.Title) == "" {
		return nil, &segunda.ValidationError{Field: "title", Reason: "is required"}
	}
	var p Product
	if err := c.call(ctx, http.MethodPost, "/api/my-products/", in, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdateProduct patches one of the user's products.
func (c *Client) UpdateProduct(ctx context.Context, id int64, in ProductInput) (*Product, error) {
	var p Product
	if err := c.call(ctx, http.MethodPatch, fmt.Sprintf("/api/my-products/%d/", id), in, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// DeleteProduct removes one of the user's products.
func (c *Client) DeleteProduct(ctx context.Context, id int64) error {
	return c.call(ctx, http.MethodDelete, fmt.Sprintf("/api/my-products/%d/", id), nil, nil)
}

// AllProducts lists every product in the feed.
func (c *Client) AllProducts(ctx context.Context) ([]Product, error) {
	var out []Product
	if err := c.list(ctx, "/api/products/", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ToggleLike likes or unlikes a product.
func (c *Client) ToggleLike(ctx context.Context, productID int64) (*LikeResult, error) {
	var r LikeResult
	if err := c.call(ctx, http.MethodPost, fmt.Sprintf("/api/products/%d/like/", productID), nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// MyChats lists the chat rooms the user participates in.
func (c *Client) MyChats(ctx context.Context) ([]ChatRoom, error) {
	var out []ChatRoom
	if err := c.list(ctx, "/api/my-chats/", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ChatRoom returns one chat room.
func (c *Client) ChatRoom(ctx context.Context, id int64) (*ChatRoom, error) {
	var r ChatRoom
	if err := c.call(ctx, http.MethodGet, fmt.Sprintf("/api/chats/%d/", id), nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// ChatMessages lists the messages of a chat room.
func (c *Client) ChatMessages(ctx context.Context, chatID int64) ([]Message, error) {
	var out []Message
	if err := c.list(ctx, fmt.Sprintf("/api/chats/%d/messages/", chatID), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SendMessage posts a message to a chat room.
func (c *Client) SendMessage(ctx context.Context, chatID int64, content string) (*Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, &segunda.ValidationError{Field: "content", Reason: "is required"}
	}
	var m Message
	body := map[string]string{"content": content}
	if err := c.call(ctx, http.MethodPost, fmt.Sprintf("/api/chats/%d/messages/", chatID), body, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// CreateChatRoom opens (or returns the existing) chat about a product.
func (c *Client) CreateChatRoom(ctx context.Context, productID int64) (*ChatRoom, error) {
	var r ChatRoom
	body := map[string]int64{"product_id": productID}
	if err := c.call(ctx, http.MethodPost, "/api/chats/create/", body, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// MarkMessagesRead marks the other participant's messages as read.
func (c *Client) MarkMessagesRead(ctx context.Context, chatID int64) error {
	return c.call(ctx, http.MethodPost, fmt.Sprintf("/api/chats/%d/mark-read/", chatID), nil, nil)
}

func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.api.Do(ctx, method, path, body)
	if err != nil {
		return err
	}
	if out == nil || len(resp.Body) == 0 {
		return nil
	}
	return resp.Decode(out)
}

// list decodes either a bare JSON array or a paginated {"results": [...]} page.
func (c *Client) list(ctx context.Context, path string, out any) error {
	resp, err := c.api.Do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	body := resp.Body
	if trimmed := strings.TrimSpace(string(body)); strings.HasPrefix(trimmed, "{") {
		var page struct {
			Results json.RawMessage `json:"results"`
		}
		if err := json.Unmarshal(body, &page); err != nil {
			return fmt.Errorf("marketplace: decode %s: %w", path, err)
		}
		body = page.Results
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("marketplace: decode %s: %w", path, err)
	}
	return nil
}
