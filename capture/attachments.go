package capture

import "sync"

// Attachment is an uploaded image.
type Attachment struct {
	MIMEType string
	Data     []byte
}

// Attachments holds image bytes for in-flight captures, keyed by session id.
// Bytes never enter State and are never checkpointed.
type Attachments struct {
	mu    sync.Mutex
	items map[string]Attachment
}

// NewAttachments returns an empty side channel.
func NewAttachments() *Attachments {
	return &Attachments{items: make(map[string]Attachment)}
}

// Put stores a for sessionID, replacing any previous attachment.
func (a *Attachments) Put(sessionID string, att Attachment) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.items[sessionID] = att
}

// Get returns the attachment for sessionID without removing it, so a retried
// extraction sees the same bytes.
func (a *Attachments) Get(sessionID string) (Attachment, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	att, ok := a.items[sessionID]
	return att, ok
}

// Delete removes the attachment for sessionID. Deleting a missing entry is a no-op.
func (a *Attachments) Delete(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.items, sessionID)
}
