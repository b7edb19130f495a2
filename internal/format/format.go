package format

import (
	"strings"
	"time"

	"github.com/pcoutinho/vkd/internal/config"
	"github.com/pcoutinho/vkd/internal/vk"
)

// NodeKind discriminates rendered content nodes.
type NodeKind string

const (
	NodeText    NodeKind = "text"
	NodeImage   NodeKind = "image"
	NodeForward NodeKind = "forward"
)

// Node is one element of a rendered message's content tree.
type Node struct {
	Kind NodeKind `json:"kind"`

	Text string `json:"text,omitempty"`

	// Image fields. Embedded images carry display dimensions bounded by the
	// configured maximum; link images carry only the URL.
	URL      string `json:"url,omitempty"`
	Embedded bool   `json:"embedded,omitempty"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`

	// Forward fields. Children hold the forwarded message's own content
	// tree; Truncated marks a forward cut off at the recursion bound.
	From      int64  `json:"from,omitempty"`
	Children  []Node `json:"children,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
}

// Message is the rendered form of one message, ready for display.
type Message struct {
	ID        int64     `json:"id"`
	PeerID    int64     `json:"peer_id"`
	FromID    int64     `json:"from_id"`
	Timestamp time.Time `json:"timestamp"`
	Outgoing  bool      `json:"outgoing"`
	Nodes     []Node    `json:"nodes"`
	Likes     int       `json:"likes"`
	Reposts   int       `json:"reposts"`
}

// Formatter renders raw protocol messages into display content trees. Live
// events and history pages go through the same rendering, so a message looks
// identical no matter which path delivered it.
type Formatter struct {
	cfg config.Formatter
}

// New creates a formatter. Zero config fields fall back to defaults.
func New(cfg config.Formatter) *Formatter {
	def := config.Default().Formatter
	if cfg.NameFormat == "" {
		cfg.NameFormat = def.NameFormat
	}
	if cfg.ImageMode == "" {
		cfg.ImageMode = def.ImageMode
	}
	if cfg.MaxImageSize <= 0 {
		cfg.MaxImageSize = def.MaxImageSize
	}
	if cfg.MaxForwardDepth <= 0 {
		cfg.MaxForwardDepth = def.MaxForwardDepth
	}
	return &Formatter{cfg: cfg}
}

// DisplayName expands the configured name template for the given parts.
// Parts whose value is empty vanish along with their surrounding spacing, so
// "{name} {nick} {surname}" with no nickname yields "First Last".
func (f *Formatter) DisplayName(name, nick, surname string) string {
	s := f.cfg.NameFormat
	s = strings.ReplaceAll(s, "{name}", name)
	s = strings.ReplaceAll(s, "{nick}", nick)
	s = strings.ReplaceAll(s, "{surname}", surname)
	return strings.Join(strings.Fields(s), " ")
}

// Render builds the content tree for a raw message.
func (f *Formatter) Render(item *vk.MessageItem) Message {
	m := Message{
		ID:        item.ID,
		PeerID:    item.PeerID,
		FromID:    item.FromID,
		Timestamp: time.Unix(item.Date, 0).UTC(),
		Outgoing:  item.Out != 0,
		Likes:     item.Likes.Count,
		Reposts:   item.Reposts.Count,
	}
	m.Nodes = f.renderNodes(item, 0)
	return m
}

func (f *Formatter) renderNodes(item *vk.MessageItem, depth int) []Node {
	var nodes []Node
	if item.Text != "" {
		nodes = append(nodes, Node{Kind: NodeText, Text: item.Text})
	}
	for _, att := range item.Attachments {
		if n, ok := f.renderAttachment(att); ok {
			nodes = append(nodes, n)
		}
	}
	for i := range item.FwdMessages {
		nodes = append(nodes, f.renderForward(&item.FwdMessages[i], depth+1))
	}
	return nodes
}

func (f *Formatter) renderAttachment(att vk.Attachment) (Node, bool) {
	switch att.Type {
	case "photo", "sticker":
		return f.renderImage(att), true
	default:
		// Non-image attachments render as a link to the saved resource.
		n := Node{Kind: NodeText, Text: att.AttachmentID()}
		if att.URL != "" {
			n = Node{Kind: NodeImage, URL: att.URL}
		}
		return n, true
	}
}

func (f *Formatter) renderImage(att vk.Attachment) Node {
	n := Node{Kind: NodeImage, URL: att.URL}
	if f.cfg.ImageMode != "embedded" {
		return n
	}
	n.Embedded = true
	n.Width, n.Height = clamp(att.Width, att.Height, f.cfg.MaxImageSize)
	return n
}

// clamp bounds the longer image side to max, preserving aspect ratio.
// Unknown dimensions pass through as zero.
func clamp(w, h, max int) (int, int) {
	if w <= 0 || h <= 0 {
		return w, h
	}
	longer := w
	if h > w {
		longer = h
	}
	if longer <= max {
		return w, h
	}
	return w * max / longer, h * max / longer
}

func (f *Formatter) renderForward(item *vk.MessageItem, depth int) Node {
	n := Node{Kind: NodeForward, From: item.FromID}
	if depth >= f.cfg.MaxForwardDepth {
		n.Truncated = true
		if item.Text != "" {
			n.Children = []Node{{Kind: NodeText, Text: item.Text}}
		}
		return n
	}
	n.Children = f.renderNodes(item, depth)
	return n
}
