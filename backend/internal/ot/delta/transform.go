package delta

import (
	"fmt"
	"math"
)

// iterator walks a delta step by step and can hand out partial steps.
type iterator struct {
	ops    Delta
	index  int
	offset int // 当前 step 已经消费的长度
}

func (it *iterator) hasNext() bool { return it.index < len(it.ops) }

func (it *iterator) peekKind() Kind {
	if !it.hasNext() {
		return KindRetain
	}
	return it.ops[it.index].Kind
}

func (it *iterator) peekLen() int {
	if !it.hasNext() {
		return math.MaxInt
	}
	return it.ops[it.index].Len() - it.offset
}

// next consumes up to n runes of the current step.
func (it *iterator) next(n int) Op {
	cur := it.ops[it.index]
	remain := cur.Len() - it.offset
	if n >= remain {
		n = remain
	}
	out := Op{Kind: cur.Kind}
	if cur.Kind == KindInsert {
		r := []rune(cur.Text)
		out.Text = string(r[it.offset : it.offset+n])
	} else {
		out.Count = n
	}
	if n == remain {
		it.index++
		it.offset = 0
	} else {
		it.offset += n
	}
	return out
}

// Compose returns one delta with the effect of applying a and then b.
func Compose(a, b Delta) (Delta, error) {
	if a.TargetLen() != b.BaseLen() {
		return nil, fmt.Errorf("%w: compose target length %d with base length %d", ErrInvalidOperation, a.TargetLen(), b.BaseLen())
	}
	ai, bi := &iterator{ops: a}, &iterator{ops: b}
	out := Delta{}
	for ai.hasNext() || bi.hasNext() {
		if ai.hasNext() && ai.peekKind() == KindDelete {
			out = out.push(ai.next(math.MaxInt))
			continue
		}
		if bi.hasNext() && bi.peekKind() == KindInsert {
			out = out.push(bi.next(math.MaxInt))
			continue
		}
		if !ai.hasNext() || !bi.hasNext() {
			return nil, fmt.Errorf("%w: compose ran past the end of an operation", ErrInvalidOperation)
		}
		n := min(ai.peekLen(), bi.peekLen())
		x, y := ai.next(n), bi.next(n)
		switch y.Kind {
		case KindRetain:
			// x 是 retain 或 insert，原样保留
			out = out.push(x)
		case KindDelete:
			// b 删掉了 a 刚插入的文本，两者抵消
			if x.Kind == KindRetain {
				out = out.push(y)
			}
		}
	}
	return out, nil
}

// Transform takes a and b built against the same text and returns a' and b'
// such that apply(apply(s, a), b') == apply(apply(s, b), a'). When both insert
// at the same position, a's text ends up first.
func Transform(a, b Delta) (Delta, Delta, error) {
	if a.BaseLen() != b.BaseLen() {
		return nil, nil, fmt.Errorf("%w: transform base lengths %d and %d", ErrInvalidOperation, a.BaseLen(), b.BaseLen())
	}
	ai, bi := &iterator{ops: a}, &iterator{ops: b}
	ap, bp := Delta{}, Delta{}
	for ai.hasNext() || bi.hasNext() {
		if ai.hasNext() && ai.peekKind() == KindInsert {
			x := ai.next(math.MaxInt)
			ap = ap.Insert(x.Text)
			bp = bp.Retain(x.Len())
			continue
		}
		if bi.hasNext() && bi.peekKind() == KindInsert {
			y := bi.next(math.MaxInt)
			ap = ap.Retain(y.Len())
			bp = bp.Insert(y.Text)
			continue
		}
		if !ai.hasNext() || !bi.hasNext() {
			return nil, nil, fmt.Errorf("%w: transform ran past the end of an operation", ErrInvalidOperation)
		}
		n := min(ai.peekLen(), bi.peekLen())
		x, y := ai.next(n), bi.next(n)
		switch {
		case x.Kind == KindRetain && y.Kind == KindRetain:
			ap = ap.Retain(n)
			bp = bp.Retain(n)
		case x.Kind == KindDelete && y.Kind == KindRetain:
			ap = ap.Delete(n)
		case x.Kind == KindRetain && y.Kind == KindDelete:
			bp = bp.Delete(n)
		}
		// delete/delete：两边都已删除，重叠部分只删一次
	}
	return ap, bp, nil
}

// TransformOrdered is Transform with the tie broken by owner instead of by
// argument order: the smaller owner ID inserts first. Two replicas that call it
// with the roles swapped get the same result.
func TransformOrdered(a Delta, aOwner string, b Delta, bOwner string) (Delta, Delta, error) {
	if aOwner <= bOwner {
		return Transform(a, b)
	}
	bp, ap, err := Transform(b, a)
	return ap, bp, err
}

// TransformIndex moves index through d. Text inserted at or before the index
// pushes it right; a delete that covers it pulls it back to the delete start.
func TransformIndex(index int, d Delta) int {
	if index < 0 {
		index = 0
	}
	out := index
	for _, o := range d {
		switch o.Kind {
		case KindRetain:
			index -= o.Count
		case KindInsert:
			out += o.Len()
		case KindDelete:
			out -= min(index, o.Count)
			index -= o.Count
		}
		if index < 0 {
			break
		}
	}
	return out
}
