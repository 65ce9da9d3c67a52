package formula

import (
	"iter"
	"math"
	"sort"
)

// ChunkKey represents the key for indexing chunks in an ObjectMatrix
type ChunkKey struct {
	ChunkRow int
	ChunkCol int
}

const (
	ChunkRows = 64 // rows per chunk - power of 2 for efficient modulo
	ChunkCols = 64 // columns per chunk
	ChunkSize = ChunkRows * ChunkCols
)

// ObjectMatrix is a sparse 2-D store partitioned into fixed-size chunks so
// that clustered data shares allocations and empty regions cost nothing.
//
// it is used both for sheet data (CellData) and formula data (FormulaCell).
// an ObjectMatrix is not safe for concurrent mutation; a recalculation pass
// works on its own copy.
type ObjectMatrix[T any] struct {
	chunks map[ChunkKey]*matrixChunk[T]
	count  int
}

// matrixChunk holds one ChunkRows x ChunkCols region. values are stored
// column-first with a bit-packed occupancy map, mirroring the worksheet
// chunk layout.
type matrixChunk[T any] struct {
	values   []T
	occupied []uint64
	nonEmpty int
}

// CellPosition is a zero-based row/column pair
type CellPosition struct {
	Row    int
	Column int
}

// NewObjectMatrix creates an empty matrix
func NewObjectMatrix[T any]() *ObjectMatrix[T] {
	return &ObjectMatrix[T]{chunks: make(map[ChunkKey]*matrixChunk[T])}
}

func locate(row, col int) (ChunkKey, int) {
	key := ChunkKey{ChunkRow: row / ChunkRows, ChunkCol: col / ChunkCols}
	// column-first indexing for better locality on column scans
	idx := (col%ChunkCols)*ChunkRows + row%ChunkRows
	return key, idx
}

// Get returns the value at row/col and whether one was set
func (m *ObjectMatrix[T]) Get(row, col int) (T, bool) {
	var zero T
	if m == nil || row < 0 || col < 0 {
		return zero, false
	}
	key, idx := locate(row, col)
	chunk, exists := m.chunks[key]
	if !exists || chunk.occupied[idx/64]&(1<<(idx%64)) == 0 {
		return zero, false
	}
	return chunk.values[idx], true
}

// Set stores a value at row/col
func (m *ObjectMatrix[T]) Set(row, col int, value T) {
	if row < 0 || col < 0 {
		return
	}
	key, idx := locate(row, col)
	chunk, exists := m.chunks[key]
	if !exists {
		chunk = &matrixChunk[T]{
			values:   make([]T, ChunkSize),
			occupied: make([]uint64, (ChunkSize+63)/64),
		}
		m.chunks[key] = chunk
	}
	if chunk.occupied[idx/64]&(1<<(idx%64)) == 0 {
		chunk.occupied[idx/64] |= 1 << (idx % 64)
		chunk.nonEmpty++
		m.count++
	}
	chunk.values[idx] = value
}

// Delete clears row/col. empty chunks are released.
func (m *ObjectMatrix[T]) Delete(row, col int) {
	if m == nil || row < 0 || col < 0 {
		return
	}
	key, idx := locate(row, col)
	chunk, exists := m.chunks[key]
	if !exists || chunk.occupied[idx/64]&(1<<(idx%64)) == 0 {
		return
	}
	var zero T
	chunk.values[idx] = zero
	chunk.occupied[idx/64] &^= 1 << (idx % 64)
	chunk.nonEmpty--
	m.count--
	if chunk.nonEmpty == 0 {
		delete(m.chunks, key)
	}
}

// Len returns the number of occupied positions
func (m *ObjectMatrix[T]) Len() int {
	if m == nil {
		return 0
	}
	return m.count
}

// All iterates occupied positions in row-major order
func (m *ObjectMatrix[T]) All() iter.Seq2[CellPosition, T] {
	return m.Region(0, 0, math.MaxInt, math.MaxInt)
}

// Region iterates the occupied positions inside the rectangle in row-major
// order. only chunks intersecting the rectangle are scanned, so the cost
// follows the data, not the size of the rectangle.
func (m *ObjectMatrix[T]) Region(startRow, startCol, endRow, endCol int) iter.Seq2[CellPosition, T] {
	return func(yield func(CellPosition, T) bool) {
		if m == nil {
			return
		}
		var positions []CellPosition
		for key, chunk := range m.chunks {
			baseRow, baseCol := key.ChunkRow*ChunkRows, key.ChunkCol*ChunkCols
			if baseRow > endRow || baseRow+ChunkRows <= startRow || baseCol > endCol || baseCol+ChunkCols <= startCol {
				continue
			}
			for idx := 0; idx < ChunkSize; idx++ {
				if chunk.occupied[idx/64]&(1<<(idx%64)) == 0 {
					continue
				}
				pos := CellPosition{Row: baseRow + idx%ChunkRows, Column: baseCol + idx/ChunkRows}
				if pos.Row < startRow || pos.Row > endRow || pos.Column < startCol || pos.Column > endCol {
					continue
				}
				positions = append(positions, pos)
			}
		}
		sort.Slice(positions, func(i, j int) bool {
			if positions[i].Row != positions[j].Row {
				return positions[i].Row < positions[j].Row
			}
			return positions[i].Column < positions[j].Column
		})
		for _, pos := range positions {
			value, _ := m.Get(pos.Row, pos.Column)
			if !yield(pos, value) {
				return
			}
		}
	}
}

// SheetData maps sheet id to its cell matrix
type SheetData map[string]*ObjectMatrix[CellData]

// FormulaData maps sheet id to its formula matrix
type FormulaData map[string]*ObjectMatrix[FormulaCell]
