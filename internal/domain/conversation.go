package domain

import (
	"time"

	"gorm.io/gorm"
)

// Conversation is the message thread between an interested buyer and the
// owner of an ad. There is at most one conversation per (ad, buyer).
//
// Fields:
//   - ID: stable UUID primary key (char(36)).
//   - AdID: the listing the conversation is about.
//   - SellerID: ad owner at the time the conversation started.
//   - BuyerID: the user who started the conversation.
//   - DeletedAt: soft deletion marker.
type Conversation struct {
	ID        string         `json:"id"        gorm:"type:char(36);primaryKey"`
	AdID      string         `json:"ad_id"     gorm:"type:char(36);not null;uniqueIndex:ux_conversation_ad_buyer,priority:1"`
	SellerID  string         `json:"seller_id" gorm:"type:varchar(64);not null;index:idx_conversation_seller"`
	BuyerID   string         `json:"buyer_id"  gorm:"type:varchar(64);not null;uniqueIndex:ux_conversation_ad_buyer,priority:2;index:idx_conversation_buyer"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-"         gorm:"index"`

	Ad Ad `json:"-" gorm:"foreignKey:AdID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Conversation.
func (Conversation) TableName() string { return "conversations" }

// IsParticipant reports whether userID is the buyer or the seller.
func (c *Conversation) IsParticipant(userID string) bool {
	return userID != "" && (userID == c.SellerID || userID == c.BuyerID)
}

// OtherParty returns the participant that is not userID, or "" when userID
// is not part of the conversation.
func (c *Conversation) OtherParty(userID string) string {
	switch userID {
	case "":
		return ""
	case c.SellerID:
		return c.BuyerID
	case c.BuyerID:
		return c.SellerID
	}
	return ""
}

// Message is a single entry of a conversation's append-only log.
type Message struct {
	ID             string         `json:"id"              gorm:"type:char(36);primaryKey"`
	ConversationID string         `json:"conversation_id" gorm:"type:char(36);not null;index:idx_conversation_msgs,priority:1"`
	SenderID       string         `json:"sender_id"       gorm:"type:varchar(64);not null"`
	Body           string         `json:"body"            gorm:"type:text;not null"`
	CreatedAt      time.Time      `json:"created_at"      gorm:"index:idx_conversation_msgs,priority:2"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DeletedAt      gorm.DeletedAt `json:"-"               gorm:"index"`

	Conversation Conversation `json:"-" gorm:"foreignKey:ConversationID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }
