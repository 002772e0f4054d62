package collab

import (
	"fmt"
	"strings"

	"ottowrite/backend/internal/ot/delta"
)

type bufferKind int

const (
	bufOriginal bufferKind = iota
	bufAdd
)

type piece struct {
	buf    bufferKind
	offset int
	length int
}

// PieceTable stores the document as runes split across an immutable original
// buffer and an append-only add buffer.
type PieceTable struct {
	original []rune
	add      []rune
	pieces   []piece
}

func NewPieceTable(initial string) *PieceTable {
	r := []rune(initial)
	pt := &PieceTable{original: r}
	if len(r) > 0 {
		pt.pieces = []piece{{buf: bufOriginal, offset: 0, length: len(r)}}
	}
	return pt
}

func (pt *PieceTable) Len() int {
	n := 0
	for _, p := range pt.pieces {
		n += p.length
	}
	return n
}

func (pt *PieceTable) String() string {
	var b strings.Builder
	for _, p := range pt.pieces {
		b.WriteString(string(pt.runes(p)))
	}
	return b.String()
}

func (pt *PieceTable) runes(p piece) []rune {
	if p.buf == bufAdd {
		return pt.add[p.offset : p.offset+p.length]
	}
	return pt.original[p.offset : p.offset+p.length]
}

// Apply runs d over the table. The base length is checked first so a
// mismatched delta leaves the table untouched.
func (pt *PieceTable) Apply(d delta.Delta) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if d.BaseLen() != pt.Len() {
		return fmt.Errorf("%w: base length %d, document length %d", delta.ErrInvalidOperation, d.BaseLen(), pt.Len())
	}
	pos := 0
	//retain: 移动 pos；insert: 在 pos 处插入新 piece；delete: 拆分/移除 piece
	for _, op := range d {
		switch op.Kind {
		case delta.KindRetain:
			pos += op.Count
		case delta.KindInsert:
			pos += pt.insert(pos, op.Text)
		case delta.KindDelete:
			pt.delete(pos, op.Count)
		}
	}
	return nil
}

func (pt *PieceTable) insert(pos int, text string) int {
	r := []rune(text)
	start := len(pt.add)
	pt.add = append(pt.add, r...)
	newPiece := piece{buf: bufAdd, offset: start, length: len(r)}

	idx, offset := pt.locate(pos)
	if idx >= len(pt.pieces) {
		pt.pieces = append(pt.pieces, newPiece)
		return len(r)
	}
	cur := pt.pieces[idx]
	newPieces := make([]piece, 0, len(pt.pieces)+2)
	newPieces = append(newPieces, pt.pieces[:idx]...)
	if offset > 0 {
		newPieces = append(newPieces, piece{buf: cur.buf, offset: cur.offset, length: offset})
	}
	newPieces = append(newPieces, newPiece)
	newPieces = append(newPieces, piece{buf: cur.buf, offset: cur.offset + offset, length: cur.length - offset})
	newPieces = append(newPieces, pt.pieces[idx+1:]...)
	pt.pieces = newPieces
	return len(r)
}

func (pt *PieceTable) delete(pos, count int) {
	remain := count
	idx, offset := pt.locate(pos)
	for remain > 0 && idx < len(pt.pieces) {
		cur := pt.pieces[idx]
		take := min(remain, cur.length-offset)

		leftLen := offset
		rightLen := cur.length - offset - take
		replacement := make([]piece, 0, 2)
		if leftLen > 0 {
			replacement = append(replacement, piece{buf: cur.buf, offset: cur.offset, length: leftLen})
		}
		if rightLen > 0 {
			replacement = append(replacement, piece{buf: cur.buf, offset: cur.offset + offset + take, length: rightLen})
		}
		newPieces := make([]piece, 0, len(pt.pieces)+1)
		newPieces = append(newPieces, pt.pieces[:idx]...)
		newPieces = append(newPieces, replacement...)
		newPieces = append(newPieces, pt.pieces[idx+1:]...)
		pt.pieces = newPieces

		// 左半段保留时，下一段从其后开始
		if leftLen > 0 {
			idx++
		}
		offset = 0
		remain -= take
	}
}

// 根据逻辑位置 pos，找到对应的 piece 下标 idx 和在该 piece 内的偏移 offset
func (pt *PieceTable) locate(pos int) (idx int, offset int) {
	cur := 0
	for i, p := range pt.pieces {
		if pos < cur+p.length {
			return i, pos - cur
		}
		cur += p.length
	}
	return len(pt.pieces), 0
}
