package store

// Entry is a persisted contact/self record.
type Entry struct {
	ID             int64
	FirstName      string
	LastName       string
	Nick           string
	PhotoURL       string
	Birthday       string
	Phones         string
	Timezone       int
	City           string
	Country        string
	Online         bool
	Mobile         bool
	Classification string // self, friend, nonfriend
	InRoster       bool
}

// Chat is a persisted multi-participant conversation.
type Chat struct {
	ID            int64
	Title         string
	LastMessageAt int64
}

// Message is a persisted message. MsgID is the server-assigned id, which also
// serves as the tie-breaking sequence number for equal timestamps.
type Message struct {
	ID          int64
	PeerID      int64
	MsgID       int64
	SenderID    int64
	Body        string
	Timestamp   int64
	Outgoing    bool
	Status      string // pending, sent, failed, received
	Edited      bool
	Likes       int
	Reposts     int
	Attachments string // JSON-encoded content tree attachments
	ForwardOf   int64  // referenced message id, 0 if none
	Read        bool
}

// HistoryRange records which slice of a peer's history has been fetched.
type HistoryRange struct {
	PeerID   int64
	Earliest int64
	Latest   int64
	Complete bool
}

// Token is the persisted access token for a session.
type Token struct {
	AccessToken string
	UserID      int64
	Scope       string
	Offline     bool
	ExpiresAt   int64
}

// OutboxEntry represents a pending outgoing message.
type OutboxEntry struct {
	ID           int64
	ClientMsgID  string
	PeerID       int64
	Body         string
	Attachment   string
	Status       string // queued, sending, sent, failed
	ErrorMessage string
	ServerMsgID  int64
}
