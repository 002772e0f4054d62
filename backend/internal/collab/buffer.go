package collab

import (
	"ottowrite/backend/internal/ot/delta"
)

// Buffer holds one document's text for the sequencer. Lengths are in runes,
// and Apply must leave the content untouched when it returns an error.
type Buffer interface {
	Len() int
	Apply(d delta.Delta) error
	String() string
}

var _ Buffer = (*PieceTable)(nil)
