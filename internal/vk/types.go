package vk

import "fmt"

// UserInfo is a user record as returned by the users/friends methods.
type UserInfo struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Nick      string `json:"nickname"`
	PhotoURL  string `json:"photo_max"`
	Birthday  string `json:"bdate"`
	Phone     string `json:"phone"`
	Timezone  int    `json:"timezone"`
	Online    int    `json:"online"`
	Mobile    int    `json:"online_mobile"`
	City      Place  `json:"city"`
	Country   Place  `json:"country"`
}

// Place is a named geo reference (city/country).
type Place struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
}

// ChatInfo is a multi-user chat record.
type ChatInfo struct {
	ID    int64   `json:"id"`
	Title string  `json:"title"`
	Users []int64 `json:"users"`
}

// Attachment is an embedded resource reference on a message.
type Attachment struct {
	Type    string `json:"type"` // photo, doc, sticker
	OwnerID int64  `json:"owner_id"`
	ID      int64  `json:"id"`
	URL     string `json:"url"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
}

// AttachmentID returns the service attachment identity, e.g. "doc12_34".
func (a Attachment) AttachmentID() string {
	if a.Type == "" {
		return ""
	}
	return fmt.Sprintf("%s%d_%d", a.Type, a.OwnerID, a.ID)
}

// MessageItem is a message as returned by the history method. Forwarded
// messages nest recursively; the formatter bounds traversal depth.
type MessageItem struct {
	ID          int64         `json:"id"`
	FromID      int64         `json:"from_id"`
	PeerID      int64         `json:"peer_id"`
	Date        int64         `json:"date"` // unix seconds
	Text        string        `json:"text"`
	Out         int           `json:"out"`
	Attachments []Attachment  `json:"attachments"`
	FwdMessages []MessageItem `json:"fwd_messages"`
	Likes       Counter       `json:"likes"`
	Reposts     Counter       `json:"reposts"`
}

// Counter carries a like/repost count.
type Counter struct {
	Count int `json:"count"`
}

// HistoryPage is the response of the history method.
type HistoryPage struct {
	Count int           `json:"count"`
	Items []MessageItem `json:"items"`
}

// LongPollServer is the handshake response: where to listen and from which offset.
type LongPollServer struct {
	Server string `json:"server"`
	Key    string `json:"key"`
	TS     int64  `json:"ts"`
}

