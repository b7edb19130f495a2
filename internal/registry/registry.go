package registry

import (
	"sort"
	"sync"
)

// Classification buckets an entry relative to the account owner.
type Classification string

const (
	Self      Classification = "self"
	Friend    Classification = "friend"
	NonFriend Classification = "nonfriend"
)

// Entry is the in-memory record for one known user. The registry is the
// authoritative live view; the store persists it across restarts.
type Entry struct {
	ID        int64
	FirstName string
	NickName  string
	LastName  string
	PhotoURL  string
	Birthday  string
	Phone     string
	Timezone  int
	City      string
	Country   string
	Online    bool
	Mobile    bool
	InRoster  bool
	Class     Classification
}

// ChatEntry is the in-memory record for one multi-user chat.
type ChatEntry struct {
	ID           int64
	Title        string
	Participants []int64
}

// Fields carries a partial update for an entry. String zero values mean
// "not reported" and never erase existing data; booleans use pointers so an
// explicit false still lands.
type Fields struct {
	FirstName string
	NickName  string
	LastName  string
	PhotoURL  string
	Birthday  string
	Phone     string
	City      string
	Country   string
	Timezone  *int
	Online    *bool
	Mobile    *bool
	InRoster  *bool
}

// Registry holds all known entries and chats. Writes come from a single
// goroutine (the event sink); reads may come from anywhere.
type Registry struct {
	mu      sync.RWMutex
	selfID  int64
	entries map[int64]*Entry
	chats   map[int64]*ChatEntry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		entries: make(map[int64]*Entry),
		chats:   make(map[int64]*ChatEntry),
	}
}

// SetSelf upserts the account owner's entry and pins its classification.
// The owner is excluded from friend/non-friend bucketing.
func (r *Registry) SetSelf(id int64, f Fields) Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.selfID = id
	e := r.upsertLocked(id, f)
	r.reclassifyLocked()
	return *e
}

// SelfID returns the account owner's id, or 0 before the first resync.
func (r *Registry) SelfID() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.selfID
}

// Upsert merges the given fields into the entry for id, creating it on first
// sight, and returns a copy of the merged entry. Absent fields never erase
// previously known data.
func (r *Registry) Upsert(id int64, f Fields) Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.upsertLocked(id, f)
}

func (r *Registry) upsertLocked(id int64, f Fields) *Entry {
	e, ok := r.entries[id]
	if !ok {
		e = &Entry{ID: id}
		r.entries[id] = e
	}
	if f.FirstName != "" {
		e.FirstName = f.FirstName
	}
	if f.NickName != "" {
		e.NickName = f.NickName
	}
	if f.LastName != "" {
		e.LastName = f.LastName
	}
	if f.PhotoURL != "" {
		e.PhotoURL = f.PhotoURL
	}
	if f.Birthday != "" {
		e.Birthday = f.Birthday
	}
	if f.Phone != "" {
		e.Phone = f.Phone
	}
	if f.City != "" {
		e.City = f.City
	}
	if f.Country != "" {
		e.Country = f.Country
	}
	if f.Timezone != nil {
		e.Timezone = *f.Timezone
	}
	if f.Online != nil {
		e.Online = *f.Online
		if !e.Online {
			e.Mobile = false
		}
	}
	if f.Mobile != nil {
		e.Mobile = *f.Mobile
	}
	if f.InRoster != nil {
		e.InRoster = *f.InRoster
	}
	e.Class = r.classifyLocked(e)
	return e
}

func (r *Registry) classifyLocked(e *Entry) Classification {
	switch {
	case e.ID == r.selfID && r.selfID != 0:
		return Self
	case e.InRoster:
		return Friend
	default:
		return NonFriend
	}
}

func (r *Registry) reclassifyLocked() {
	for _, e := range r.entries {
		e.Class = r.classifyLocked(e)
	}
}

// Lookup returns a copy of the entry for id.
func (r *Registry) Lookup(id int64) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// List returns all entries grouped self, friends, non-friends, each group
// ordered by id.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	rank := map[Classification]int{Self: 0, Friend: 1, NonFriend: 2}
	sort.Slice(out, func(i, j int) bool {
		if rank[out[i].Class] != rank[out[j].Class] {
			return rank[out[i].Class] < rank[out[j].Class]
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// RemoveFromRoster demotes an entry to non-friend, keeping its data.
func (r *Registry) RemoveFromRoster(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.InRoster = false
		e.Class = r.classifyLocked(e)
	}
}

// UpsertChat records a chat's title and participant set.
func (r *Registry) UpsertChat(id int64, title string, participants []int64) ChatEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.chats[id]
	if !ok {
		c = &ChatEntry{ID: id}
		r.chats[id] = c
	}
	if title != "" {
		c.Title = title
	}
	if participants != nil {
		c.Participants = append([]int64(nil), participants...)
	}
	return ChatEntry{ID: c.ID, Title: c.Title, Participants: append([]int64(nil), c.Participants...)}
}

// Chat returns a copy of the chat record for id.
func (r *Registry) Chat(id int64) (ChatEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.chats[id]
	if !ok {
		return ChatEntry{}, false
	}
	return ChatEntry{ID: c.ID, Title: c.Title, Participants: append([]int64(nil), c.Participants...)}, true
}

// Len returns the number of known entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Bool is a convenience for building Fields literals.
func Bool(v bool) *bool { return &v }

// Int is a convenience for building Fields literals.
func Int(v int) *int { return &v }
