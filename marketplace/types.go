package marketplace

import "time"

// User is a backend account as serialized by the API.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	FirstName    string    `json:"first_name"`
	LastName     string    `json:"last_name"`
	ProfileImage string    `json:"profile_image,omitempty"`
	PhoneNumber  string    `json:"phone_number,omitempty"`
	Location     string    `json:"location,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitzero"`
}

// ProfileUpdate is a partial profile change. Empty fields are left untouched.
type ProfileUpdate struct {
	FirstName    string `json:"first_name,omitempty"`
	LastName     string `json:"last_name,omitempty"`
	ProfileImage string `json:"profile_image,omitempty"`
	PhoneNumber  string `json:"phone_number,omitempty"`
	Location     string `json:"location,omitempty"`
}

// Product status values.
const (
	StatusAvailable = "available"
	StatusReserved  = "reserved"
	StatusExchanged = "exchanged"
)

// Product is a listed item.
type Product struct {
	ID              int64     `json:"id"`
	Owner           *User     `json:"owner,omitempty"`
	Title           string    `json:"title"`
	Description     string    `json:"description"`
	Category        string    `json:"category"`
	Image           string    `json:"image,omitempty"`
	WantedItems     string    `json:"wanted_items"`
	WantedItemsList []string  `json:"wanted_items_list,omitempty"`
	Location        string    `json:"location"`
	Status          string    `json:"status"`
	CanSell         bool      `json:"can_sell"`
	LikesCount      int       `json:"likes_count"`
	IsLiked         bool      `json:"is_liked"`
	CreatedAt       time.Time `json:"created_at,omitzero"`
	UpdatedAt       time.Time `json:"updated_at,omitzero"`
}

// ProductInput creates or partially updates a product. WantedItems is a
// comma separated list.
type ProductInput struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Category    string `json:"category,omitempty"`
	Image       string `json:"image,omitempty"`
	WantedItems string `json:"wanted_items,omitempty"`
	Location    string `json:"location,omitempty"`
	Status      string `json:"status,omitempty"`
	CanSell     *bool  `json:"can_sell,omitempty"`
}

// LikeResult is the outcome of toggling a like.
type LikeResult struct {
	Liked      bool `json:"liked"`
	LikesCount int  `json:"likes_count"`
}

// Message is a chat message.
type Message struct {
	ID        int64     `json:"id"`
	Sender    *User     `json:"sender,omitempty"`
	Content   string    `json:"content"`
	IsRead    bool      `json:"is_read"`
	CreatedAt time.Time `json:"created_at,omitzero"`
}

// ChatRoom is a conversation about a product.
type ChatRoom struct {
	ID               int64     `json:"id"`
	Participants     []User    `json:"participants"`
	Product          *Product  `json:"product,omitempty"`
	LastMessage      *Message  `json:"last_message,omitempty"`
	UnreadCount      int       `json:"unread_count"`
	OtherParticipant *User     `json:"other_participant,omitempty"`
	CreatedAt        time.Time `json:"created_at,omitzero"`
	UpdatedAt        time.Time `json:"updated_at,omitzero"`
}
