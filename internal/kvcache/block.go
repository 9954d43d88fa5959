package kvcache

// Block is the key/value storage of one sequence. A Block is owned by a
// single sequence at a time; it is not safe for concurrent mutation.
type Block struct {
	width    int
	used     int
	capRows  int
	reserved int
	data     []float32
}

// Len is the number of rows in use.
func (b *Block) Len() int { return b.used }

// Cap is the physical capacity in rows.
func (b *Block) Cap() int { return b.capRows }

// Reserved is the accounted capacity in rows.
func (b *Block) Reserved() int { return b.reserved }

// Width is the number of floats per row.
func (b *Block) Width() int { return b.width }

// Row returns the storage of position i. It panics when i is outside the
// used range, mirroring slice bounds checks.
func (b *Block) Row(i int) []float32 {
	if i < 0 || i >= b.used {
		panic("kvcache: row out of range")
	}
	return b.data[i*b.width : (i+1)*b.width : (i+1)*b.width]
}
