// ABOUTME: Client-local staging state for the next outgoing message
// ABOUTME: Holds draft text, pending image handles and at most one voice handle

package outbox

import "sync"

// Handle is a local reference to an attachment awaiting upload, such as a
// picker URI or a temporary file path. Handles carry no network state.
type Handle string

// Outbox accumulates the draft state for the next outgoing message of one
// conversation view: text, an ordered list of pending images, and at most
// one pending voice note. All state is local until drained into a send.
// An Outbox is owned by exactly one session and must not be shared across
// concurrently open views.
type Outbox struct {
	mu     sync.Mutex
	text   string
	images []Handle
	voice  Handle
}

// New creates an empty outbox.
func New() *Outbox {
	return &Outbox{}
}

// SetText replaces the draft text.
func (o *Outbox) SetText(text string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.text = text
}

// Text returns the current draft text.
func (o *Outbox) Text() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.text
}

// AddImages appends handles to the pending image list. No upper bound is
// enforced; the picker gating image selection is the practical limiter.
func (o *Outbox) AddImages(handles ...Handle) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.images = append(o.images, handles...)
}

// RemoveImage removes the pending image at the given position. Out of
// bounds indices are a silent no-op.
func (o *Outbox) RemoveImage(index int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if index < 0 || index >= len(o.images) {
		return
	}
	o.images = append(o.images[:index], o.images[index+1:]...)
}

// Images returns a copy of the pending image list for preview.
func (o *Outbox) Images() []Handle {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Handle(nil), o.images...)
}

// SetVoice stages a voice note handle, replacing any existing one.
func (o *Outbox) SetVoice(handle Handle) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.voice = handle
}

// ClearVoice discards the pending voice note.
func (o *Outbox) ClearVoice() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.voice = ""
}

// Voice returns the pending voice note handle, empty if none is staged.
func (o *Outbox) Voice() Handle {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.voice
}

// Drain atomically returns and clears all staged attachments. A handle
// added concurrently with Drain lands either in the drained result or in
// the outbox for the next send, never both and never neither.
func (o *Outbox) Drain() (images []Handle, voice Handle) {
	o.mu.Lock()
	defer o.mu.Unlock()
	images = o.images
	voice = o.voice
	o.images = nil
	o.voice = ""
	return images, voice
}

// Restore re-stages a previously drained set in front of anything staged
// since. Used when a send fails so the user can retry without re-picking.
// A voice note staged after the failed drain wins over the restored one.
func (o *Outbox) Restore(images []Handle, voice Handle) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.images = append(append([]Handle(nil), images...), o.images...)
	if o.voice == "" {
		o.voice = voice
	}
}

// Reset discards all draft state. Called when the view leaves the
// conversation.
func (o *Outbox) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.text = ""
	o.images = nil
	o.voice = ""
}
