package collabclient

import (
	"time"

	"ottowrite/backend/internal/ot/delta"
)

// 超过这个时长没有心跳的成员视为不活跃
const ActiveWindow = 60 * time.Second

// CursorPosition is expressed in runes of the current local content.
type CursorPosition struct {
	Position       int  `json:"position"`
	SelectionStart *int `json:"selectionStart,omitempty"`
	SelectionEnd   *int `json:"selectionEnd,omitempty"`
}

// Rebase moves the cursor and its selection through op.
func (c CursorPosition) Rebase(op delta.Delta) CursorPosition {
	out := CursorPosition{Position: delta.TransformIndex(c.Position, op)}
	if c.SelectionStart != nil {
		v := delta.TransformIndex(*c.SelectionStart, op)
		out.SelectionStart = &v
	}
	if c.SelectionEnd != nil {
		v := delta.TransformIndex(*c.SelectionEnd, op)
		out.SelectionEnd = &v
	}
	return out
}

func (c CursorPosition) clamp(length int) CursorPosition {
	fit := func(v int) int { return max(0, min(v, length)) }
	out := CursorPosition{Position: fit(c.Position)}
	if c.SelectionStart != nil {
		v := fit(*c.SelectionStart)
		out.SelectionStart = &v
	}
	if c.SelectionEnd != nil {
		v := fit(*c.SelectionEnd)
		out.SelectionEnd = &v
	}
	return out
}

func cursorFromWire(c Cursor) CursorPosition {
	return CursorPosition{Position: c.Position, SelectionStart: c.SelectionStart, SelectionEnd: c.SelectionEnd}
}

type UserPresence struct {
	UserID     string    `json:"userId"`
	Name       string    `json:"name"`
	Color      string    `json:"color"`
	LastActive time.Time `json:"lastActive"`
	IsActive   bool      `json:"isActive"`
}

// Active reports whether the user should be shown as active at now.
func (p UserPresence) Active(now time.Time) bool {
	return p.IsActive && now.Sub(p.LastActive) < ActiveWindow
}

func presenceFromWire(b PresenceBeat) UserPresence {
	return UserPresence{UserID: b.UserID, Name: b.Name, Color: b.Color, LastActive: b.LastActive, IsActive: true}
}
