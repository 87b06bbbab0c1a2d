package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// Block is one fixed-capacity KV-cache page. Blocks are owned by the
// BlockStore arena and referenced by index from sequence block tables, so
// there are no ownership cycles between sequences and blocks.
type Block struct {
	id       int
	refCount int // number of live sequences whose block table references this block
	// tokens is the token span stored in this block. A block is hashable
	// once full.
	tokens []int64
	// hash identifies the block's content and lineage (absolute token
	// prefix up to and including this block). Empty for partial blocks.
	hash string
	// LRU free list links. A block is on the free list iff refCount == 0.
	prevFree *Block
	nextFree *Block
}

// RefCount returns the number of live references to the block.
func (b *Block) RefCount() int { return b.refCount }

// Full reports whether the block stores its full token capacity.
func (b *Block) full(blockSize int) bool { return len(b.tokens) == blockSize }

// BlockStore is the fixed-capacity paged KV-cache allocator shared by all
// in-flight sequences. It reference-counts blocks, shares full blocks
// between sequences with identical token prefixes, applies copy-on-write
// when a sequence diverges from a shared block, and evicts retained
// zero-reference blocks least-recently-unreferenced first.
type BlockStore struct {
	totalBlocks   int
	blockSize     int
	prefixCaching bool

	blocks      []*Block
	hashToBlock map[string]int
	freeHead    *Block
	freeTail    *Block
	usedCount   int
}

// NewBlockStore creates a store with numBlocks pages of blockSize tokens
// each, all initially on the free list in index order.
func NewBlockStore(numBlocks, blockSize int, prefixCaching bool) *BlockStore {
	st := &BlockStore{
		totalBlocks:   numBlocks,
		blockSize:     blockSize,
		prefixCaching: prefixCaching,
		blocks:        make([]*Block, numBlocks),
		hashToBlock:   make(map[string]int),
	}
	for i := 0; i < numBlocks; i++ {
		blk := &Block{id: i}
		st.blocks[i] = blk
		st.appendToFreeList(blk)
	}
	return st
}

// BlockSize returns the tokens-per-block capacity.
func (st *BlockStore) BlockSize() int { return st.blockSize }

// TotalBlocks returns the arena capacity.
func (st *BlockStore) TotalBlocks() int { return st.totalBlocks }

// UsedBlocks returns the number of blocks referenced by live sequences.
func (st *BlockStore) UsedBlocks() int { return st.usedCount }

// FreeBlocks returns the number of blocks available for allocation,
// including retained prefix-cache blocks that would be evicted on demand.
func (st *BlockStore) FreeBlocks() int { return st.totalBlocks - st.usedCount }

// Block returns the arena block at index id, for inspection.
func (st *BlockStore) Block(id int) *Block { return st.blocks[id] }

// appendToFreeList inserts a block at the tail of the LRU free list.
func (st *BlockStore) appendToFreeList(blk *Block) {
	blk.nextFree = nil
	if st.freeTail != nil {
		st.freeTail.nextFree = blk
		blk.prevFree = st.freeTail
		st.freeTail = blk
	} else {
		st.freeHead = blk
		st.freeTail = blk
		blk.prevFree = nil
	}
}

// removeFromFreeList detaches a block from the free list.
func (st *BlockStore) removeFromFreeList(blk *Block) {
	if blk.prevFree != nil {
		blk.prevFree.nextFree = blk.nextFree
	} else {
		st.freeHead = blk.nextFree
	}
	if blk.nextFree != nil {
		blk.nextFree.prevFree = blk.prevFree
	} else {
		st.freeTail = blk.prevFree
	}
	blk.nextFree = nil
	blk.prevFree = nil
}

// popFreeBlock takes the least-recently-unreferenced block off the free
// list, evicting its retained prefix entry if it has one.
func (st *BlockStore) popFreeBlock() *Block {
	head := st.freeHead
	if head == nil {
		return nil
	}
	st.removeFromFreeList(head)
	if head.hash != "" {
		logrus.Debugf("blockstore: evicting retained block %d", head.id)
		delete(st.hashToBlock, head.hash)
		head.hash = ""
	}
	head.tokens = nil
	st.usedCount++
	return head
}

// hashTokens returns a SHA256 hash over the joined token sequence.
func hashTokens(tokens []int64) string {
	h := sha256.New()
	var sb strings.Builder
	for i, tok := range tokens {
		if i > 0 {
			sb.WriteString("|")
		}
		sb.WriteString(strconv.FormatInt(tok, 10))
	}
	h.Write([]byte(sb.String()))
	return hex.EncodeToString(h.Sum(nil))
}

// Lookup probes the prefix cache for a block whose content hash matches.
func (st *BlockStore) Lookup(prefixHash string) (int, bool) {
	id, ok := st.hashToBlock[prefixHash]
	return id, ok
}

// CachedBlocks returns the physical block indices covering the longest
// cached full-block prefix of tokens. Pure query; no state changes.
func (st *BlockStore) CachedBlocks(tokens []int64) []int {
	if !st.prefixCaching {
		return nil
	}
	var ids []int
	n := len(tokens) / st.blockSize
	for i := 0; i < n; i++ {
		h := hashTokens(tokens[:(i+1)*st.blockSize])
		id, ok := st.hashToBlock[h]
		if !ok {
			break
		}
		ids = append(ids, id)
	}
	return ids
}

// AdoptCached attaches already-computed cache blocks to a fresh sequence,
// incrementing their reference counts and pulling retained blocks back off
// the free list. The caller is responsible for advancing the sequence's
// computed-token count past the adopted span.
func (st *BlockStore) AdoptCached(seq *Sequence, blockIDs []int) {
	if len(seq.BlockTable) != 0 {
		panic(fmt.Sprintf("blockstore: AdoptCached on sequence %d with existing block table", seq.ID))
	}
	for _, id := range blockIDs {
		blk := st.blocks[id]
		if blk.refCount == 0 {
			// Retained prefix block: revive it from the free list.
			st.removeFromFreeList(blk)
			st.usedCount++
		}
		blk.refCount++
		seq.BlockTable = append(seq.BlockTable, id)
	}
}

// covered returns the number of seq's tokens currently backed by its block
// table.
func (st *BlockStore) covered(seq *Sequence) int {
	n := len(seq.BlockTable)
	if n == 0 {
		return 0
	}
	last := st.blocks[seq.BlockTable[n-1]]
	return (n-1)*st.blockSize + len(last.tokens)
}

// BlocksNeeded returns how many fresh physical blocks extending seq's table
// to cover upTo tokens would require, counting a copy-on-write replacement
// of a shared partial tail block.
func (st *BlockStore) BlocksNeeded(seq *Sequence, upTo int) int {
	covered := st.covered(seq)
	if upTo <= covered {
		return 0
	}
	remaining := upTo - covered
	need := 0
	if n := len(seq.BlockTable); n > 0 {
		last := st.blocks[seq.BlockTable[n-1]]
		if !last.full(st.blockSize) {
			if last.refCount > 1 {
				need++ // divergence from a shared partial block forces a private copy
			}
			space := st.blockSize - len(last.tokens)
			if remaining <= space {
				return need
			}
			remaining -= space
		}
	}
	return need + (remaining+st.blockSize-1)/st.blockSize
}

// CanAllocate reports whether extending seq's table to cover upTo tokens
// can be satisfied, counting retained evictable blocks as free.
func (st *BlockStore) CanAllocate(seq *Sequence, upTo int) bool {
	return st.BlocksNeeded(seq, upTo) <= st.FreeBlocks()
}

// Allocate extends seq's block table so it covers the first upTo tokens of
// seq.Tokens, filling block contents and registering prefix hashes as
// blocks fill up. It applies copy-on-write when the tail block is shared.
// Returns false, without mutating anything, when the store cannot supply
// enough blocks even after evicting every retained zero-reference block.
func (st *BlockStore) Allocate(seq *Sequence, upTo int) bool {
	if upTo > len(seq.Tokens) {
		panic(fmt.Sprintf("blockstore: allocate %d tokens beyond sequence %d length %d", upTo, seq.ID, len(seq.Tokens)))
	}
	if !st.CanAllocate(seq, upTo) {
		return false
	}
	covered := st.covered(seq)

	// Fill the partial tail block first, copy-on-write if it is shared.
	if n := len(seq.BlockTable); n > 0 && covered < upTo {
		last := st.blocks[seq.BlockTable[n-1]]
		if !last.full(st.blockSize) {
			if last.refCount > 1 {
				private := st.popFreeBlock()
				private.tokens = append([]int64(nil), last.tokens...)
				private.refCount = 1
				last.refCount--
				seq.BlockTable[n-1] = private.id
				logrus.Debugf("blockstore: copy-on-write block %d -> %d for sequence %d", last.id, private.id, seq.ID)
				last = private
			}
			end := min(covered+st.blockSize-len(last.tokens), upTo)
			last.tokens = append(last.tokens, seq.Tokens[covered:end]...)
			covered = end
			st.maybeRegister(seq, last, covered)
		}
	}

	// Fresh blocks for the remainder.
	for covered < upTo {
		blk := st.popFreeBlock()
		if blk == nil {
			panic(fmt.Sprintf("blockstore: free list exhausted mid-allocation for sequence %d", seq.ID))
		}
		end := min(covered+st.blockSize, upTo)
		blk.tokens = append([]int64(nil), seq.Tokens[covered:end]...)
		blk.refCount = 1
		seq.BlockTable = append(seq.BlockTable, blk.id)
		covered = end
		st.maybeRegister(seq, blk, covered)
	}
	return true
}

// maybeRegister records a just-filled block in the prefix map, keyed by the
// hash of the sequence's absolute token prefix through this block.
func (st *BlockStore) maybeRegister(seq *Sequence, blk *Block, coveredEnd int) {
	if !st.prefixCaching || !blk.full(st.blockSize) || blk.hash != "" {
		return
	}
	h := hashTokens(seq.Tokens[:coveredEnd])
	blk.hash = h
	st.hashToBlock[h] = blk.id
}

// Fork shares the parent's cache with a forked child sequence whose block
// table was copied from the parent. Every referenced block gains a
// reference; divergence is handled later by copy-on-write.
func (st *BlockStore) Fork(child *Sequence) {
	for _, id := range child.BlockTable {
		blk := st.blocks[id]
		if blk.refCount == 0 {
			panic(fmt.Sprintf("blockstore: fork references orphaned block %d", id))
		}
		blk.refCount++
	}
}

// Release drops seq's references. Blocks whose reference count reaches zero
// return to the free list tail in reverse table order (the deepest block is
// the least likely to be reused, so it is evicted first). With prefix
// caching enabled, full hashed blocks keep their prefix-map entry until
// they are actually reused; otherwise the entry is removed immediately.
// Reference count underflow is a fatal internal-consistency fault.
func (st *BlockStore) Release(seq *Sequence) {
	for i := len(seq.BlockTable) - 1; i >= 0; i-- {
		blk := st.blocks[seq.BlockTable[i]]
		if blk.refCount <= 0 {
			panic(fmt.Sprintf("blockstore: refcount underflow on block %d releasing sequence %d", blk.id, seq.ID))
		}
		blk.refCount--
		if blk.refCount == 0 {
			st.usedCount--
			if blk.hash != "" && !st.prefixCaching {
				delete(st.hashToBlock, blk.hash)
				blk.hash = ""
			}
			st.appendToFreeList(blk)
		}
	}
	seq.BlockTable = nil
}

// checkAccounting validates the arena invariants: used count matches
// referenced blocks and no referenced block sits on the free list. A
// violation aborts the step loop.
func (st *BlockStore) checkAccounting() {
	used := 0
	for _, blk := range st.blocks {
		if blk.refCount > 0 {
			used++
		}
	}
	if used != st.usedCount {
		panic(fmt.Sprintf("blockstore: used-count drift: counted %d, tracked %d", used, st.usedCount))
	}
	for blk := st.freeHead; blk != nil; blk = blk.nextFree {
		if blk.refCount != 0 {
			panic(fmt.Sprintf("blockstore: referenced block %d on free list", blk.id))
		}
	}
}
