package domain

// CursorPosition is a caret offset inside the shared document together with the
// time it was last reported.
type CursorPosition struct {
	Offset      int   `json:"offset"`
	UpdatedAtMs int64 `json:"updatedAtMs"`
}

// Participant is a member of a room. Participants are never removed during a
// session, only marked offline, so message attribution stays valid.
type Participant struct {
	UserID            string          `json:"userId" validate:"required"`
	Handle            string          `json:"handle,omitempty"`
	AvatarURL         string          `json:"avatarUrl,omitempty"`
	Online            bool            `json:"online"`
	Cursor            *CursorPosition `json:"cursor,omitempty"`
	Typing            bool            `json:"typing,omitempty"`
	TypingExpiresAtMs int64           `json:"typingExpiresAtMs,omitempty"`
}

// DisplayName returns the handle, falling back to the user id.
func (p Participant) DisplayName() string {
	if p.Handle != "" {
		return p.Handle
	}
	return p.UserID
}

// Clone returns a copy that does not share the cursor pointer.
func (p Participant) Clone() Participant {
	if p.Cursor != nil {
		c := *p.Cursor
		p.Cursor = &c
	}
	return p
}
