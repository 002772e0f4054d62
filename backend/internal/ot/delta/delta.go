package delta

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

type Kind string

const (
	KindRetain Kind = "retain"
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

var (
	ErrOutOfRange       = errors.New("OUT_OF_RANGE")
	ErrInvalidOperation = errors.New("INVALID_OPERATION")
)

// Op is a single step. Lengths are counted in runes.
type Op struct {
	Kind  Kind   `json:"kind"`            // "retain" / "insert" / "delete"
	Count int    `json:"count,omitempty"` // retain/delete 的长度
	Text  string `json:"text,omitempty"`  // insert 的文本
}

// Len returns the number of runes the step covers.
func (o Op) Len() int {
	if o.Kind == KindInsert {
		return utf8.RuneCountInString(o.Text)
	}
	return o.Count
}

// Delta is a text operation in canonical form: no zero-length steps, no two
// adjacent steps of the same kind, and an insert never directly follows a
// delete. Build it with Retain/Insert/Delete so the form holds.
type Delta []Op

// "ops":[{"kind":"retain","count":5},{"kind":"insert","text":"Hello"}]

func (d Delta) Retain(n int) Delta {
	if n <= 0 {
		return d
	}
	if last := len(d) - 1; last >= 0 && d[last].Kind == KindRetain {
		d[last].Count += n
		return d
	}
	return append(d, Op{Kind: KindRetain, Count: n})
}

func (d Delta) Insert(s string) Delta {
	if s == "" {
		return d
	}
	last := len(d) - 1
	if last >= 0 && d[last].Kind == KindInsert {
		d[last].Text += s
		return d
	}
	if last >= 0 && d[last].Kind == KindDelete {
		// insert 总是放在相邻的 delete 之前，保证相同效果的操作编码一致
		if last > 0 && d[last-1].Kind == KindInsert {
			d[last-1].Text += s
			return d
		}
		d = append(d, d[last])
		d[last] = Op{Kind: KindInsert, Text: s}
		return d
	}
	return append(d, Op{Kind: KindInsert, Text: s})
}

func (d Delta) Delete(n int) Delta {
	if n <= 0 {
		return d
	}
	if last := len(d) - 1; last >= 0 && d[last].Kind == KindDelete {
		d[last].Count += n
		return d
	}
	return append(d, Op{Kind: KindDelete, Count: n})
}

func (d Delta) push(o Op) Delta {
	switch o.Kind {
	case KindRetain:
		return d.Retain(o.Count)
	case KindInsert:
		return d.Insert(o.Text)
	case KindDelete:
		return d.Delete(o.Count)
	}
	return d
}

// BaseLen is the length of the text the delta must be applied to.
func (d Delta) BaseLen() int {
	n := 0
	for _, o := range d {
		if o.Kind == KindRetain || o.Kind == KindDelete {
			n += o.Count
		}
	}
	return n
}

// TargetLen is the length of the text after the delta is applied.
func (d Delta) TargetLen() int {
	n := 0
	for _, o := range d {
		switch o.Kind {
		case KindRetain:
			n += o.Count
		case KindInsert:
			n += utf8.RuneCountInString(o.Text)
		}
	}
	return n
}

// IsNoop reports whether applying d leaves the text unchanged.
func (d Delta) IsNoop() bool {
	for _, o := range d {
		if o.Kind != KindRetain {
			return false
		}
	}
	return true
}

func (d Delta) Equal(other Delta) bool {
	if len(d) != len(other) {
		return false
	}
	for i := range d {
		if d[i] != other[i] {
			return false
		}
	}
	return true
}

// Validate checks a delta received from the wire.
func (d Delta) Validate() error {
	for i, o := range d {
		switch o.Kind {
		case KindRetain, KindDelete:
			if o.Count <= 0 {
				return fmt.Errorf("%w: step %d has count %d", ErrInvalidOperation, i, o.Count)
			}
		case KindInsert:
			if o.Text == "" {
				return fmt.Errorf("%w: step %d inserts empty text", ErrInvalidOperation, i)
			}
		default:
			return fmt.Errorf("%w: step %d has unknown kind %q", ErrInvalidOperation, i, o.Kind)
		}
	}
	return nil
}

func (d Delta) String() string {
	var b strings.Builder
	b.WriteByte('[')
	for i, o := range d {
		if i > 0 {
			b.WriteByte(' ')
		}
		switch o.Kind {
		case KindRetain:
			fmt.Fprintf(&b, "r%d", o.Count)
		case KindInsert:
			fmt.Fprintf(&b, "i%q", o.Text)
		case KindDelete:
			fmt.Fprintf(&b, "d%d", o.Count)
		}
	}
	b.WriteByte(']')
	return b.String()
}

// InsertOp builds an insert of text at position against a text of baseLen runes.
func InsertOp(position int, text string, baseLen int) (Delta, error) {
	if position < 0 || position > baseLen {
		return nil, fmt.Errorf("%w: insert at %d, length %d", ErrOutOfRange, position, baseLen)
	}
	return Delta{}.Retain(position).Insert(text).Retain(baseLen - position), nil
}

// DeleteOp builds a delete of count runes starting at position.
func DeleteOp(position, count, baseLen int) (Delta, error) {
	if position < 0 || count < 0 || position+count > baseLen {
		return nil, fmt.Errorf("%w: delete [%d,%d), length %d", ErrOutOfRange, position, position+count, baseLen)
	}
	return Delta{}.Retain(position).Delete(count).Retain(baseLen - position - count), nil
}

// Apply runs d over content. Nothing is written unless the whole delta fits.
func Apply(content string, d Delta) (string, error) {
	if err := d.Validate(); err != nil {
		return "", err
	}
	src := []rune(content)
	if d.BaseLen() != len(src) {
		return "", fmt.Errorf("%w: base length %d, content length %d", ErrInvalidOperation, d.BaseLen(), len(src))
	}
	var b strings.Builder
	b.Grow(len(content))
	pos := 0
	for _, o := range d {
		switch o.Kind {
		case KindRetain:
			b.WriteString(string(src[pos : pos+o.Count]))
			pos += o.Count
		case KindInsert:
			b.WriteString(o.Text)
		case KindDelete:
			pos += o.Count
		default:
			return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, o.Kind)
		}
	}
	return b.String(), nil
}
