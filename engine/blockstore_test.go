package engine

import (
	"testing"
)

func seqWithTokens(tokens ...int64) *Sequence {
	return newSequence(tokens)
}

func TestBlockStore_AllocatePartialThenFill(t *testing.T) {
	// GIVEN a store with BlockSize=4 and a 6-token sequence covered up to 2
	st := NewBlockStore(10, 4, false)
	seq := seqWithTokens(10, 20, 30, 40, 50, 60)
	if !st.Allocate(seq, 2) {
		t.Fatal("initial allocation should succeed")
	}
	if len(seq.BlockTable) != 1 {
		t.Fatalf("expected 1 block, got %d", len(seq.BlockTable))
	}
	blk := st.Block(seq.BlockTable[0])
	if len(blk.tokens) != 2 {
		t.Fatalf("expected partial block with 2 tokens, got %d", len(blk.tokens))
	}

	// WHEN the allocation is extended to fill the partial block
	if !st.Allocate(seq, 4) {
		t.Fatal("second allocation should succeed")
	}

	// THEN the partial block fills in place; no extra block is taken
	if len(seq.BlockTable) != 1 {
		t.Errorf("expected 1 block total, got %d", len(seq.BlockTable))
	}
	if len(blk.tokens) != 4 {
		t.Errorf("expected full block after fill, got %d tokens", len(blk.tokens))
	}
	if st.UsedBlocks() != 1 {
		t.Errorf("expected 1 used block, got %d", st.UsedBlocks())
	}
}

func TestBlockStore_ChunkedAllocationHashesAbsolutePrefix(t *testing.T) {
	// GIVEN a prefix-caching store and an 8-token sequence allocated in
	// two 4-token chunks
	st := NewBlockStore(10, 4, true)
	seq := seqWithTokens(10, 20, 30, 40, 50, 60, 70, 80)
	if !st.Allocate(seq, 4) {
		t.Fatal("first chunk allocation should succeed")
	}
	if !st.Allocate(seq, 8) {
		t.Fatal("second chunk allocation should succeed")
	}

	// THEN the second block's hash covers the absolute 8-token prefix,
	// not just its own 4 tokens
	want := hashTokens(seq.Tokens[:8])
	id, ok := st.Lookup(want)
	if !ok {
		t.Fatalf("absolute prefix hash not registered")
	}
	if id != seq.BlockTable[1] {
		t.Errorf("hash maps to block %d, want %d", id, seq.BlockTable[1])
	}
	if _, ok := st.Lookup(hashTokens(seq.Tokens[4:8])); ok {
		t.Error("relative-prefix hash must not be registered")
	}
}

func TestBlockStore_AllocateFailsWithoutPartialMutation(t *testing.T) {
	// GIVEN a 2-block store with one block already taken
	st := NewBlockStore(2, 4, false)
	holder := seqWithTokens(1, 2, 3, 4)
	if !st.Allocate(holder, 4) {
		t.Fatal("holder allocation should succeed")
	}

	// WHEN a 9-token sequence needs 3 blocks but only 1 is free
	seq := seqWithTokens(10, 20, 30, 40, 50, 60, 70, 80, 90)
	if st.Allocate(seq, 9) {
		t.Fatal("allocation beyond capacity should fail")
	}

	// THEN the failed allocation left no state behind
	if len(seq.BlockTable) != 0 {
		t.Errorf("failed allocation mutated the block table: %v", seq.BlockTable)
	}
	if st.UsedBlocks() != 1 {
		t.Errorf("failed allocation changed used count: %d", st.UsedBlocks())
	}
	st.checkAccounting()
}

func TestBlockStore_ReleaseRetainsFullBlocksForReuse(t *testing.T) {
	// GIVEN a prefix-caching store and a released 8-token sequence
	st := NewBlockStore(4, 4, true)
	seq := seqWithTokens(10, 20, 30, 40, 50, 60, 70, 80)
	if !st.Allocate(seq, 8) {
		t.Fatal("allocation should succeed")
	}
	st.Release(seq)
	if st.UsedBlocks() != 0 {
		t.Fatalf("release should drop used count to 0, got %d", st.UsedBlocks())
	}

	// WHEN a second sequence arrives with the same prompt
	twin := seqWithTokens(10, 20, 30, 40, 50, 60, 70, 80)
	cached := st.CachedBlocks(twin.Tokens)

	// THEN both full blocks are found and adoptable
	if len(cached) != 2 {
		t.Fatalf("expected 2 cached blocks, got %d", len(cached))
	}
	st.AdoptCached(twin, cached)
	if st.UsedBlocks() != 2 {
		t.Errorf("adoption should revive 2 blocks, got used=%d", st.UsedBlocks())
	}
	for _, id := range twin.BlockTable {
		if st.Block(id).RefCount() != 1 {
			t.Errorf("adopted block %d refcount = %d, want 1", id, st.Block(id).RefCount())
		}
	}
	st.checkAccounting()
}

func TestBlockStore_EvictionStripsRetainedHash(t *testing.T) {
	// GIVEN a 2-block prefix-caching store whose blocks are retained
	// (refcount 0, hash kept) after release
	st := NewBlockStore(2, 4, true)
	seq := seqWithTokens(10, 20, 30, 40, 50, 60, 70, 80)
	if !st.Allocate(seq, 8) {
		t.Fatal("allocation should succeed")
	}
	retained := hashTokens(seq.Tokens[:4])
	st.Release(seq)
	if _, ok := st.Lookup(retained); !ok {
		t.Fatal("released full block should stay in the prefix map")
	}

	// WHEN an unrelated sequence claims the whole store
	other := seqWithTokens(91, 92, 93, 94, 95, 96, 97, 98)
	if !st.Allocate(other, 8) {
		t.Fatal("allocation over retained blocks should succeed")
	}

	// THEN the retained prefix entries are gone
	if _, ok := st.Lookup(retained); ok {
		t.Error("evicted block must leave the prefix map")
	}
	st.checkAccounting()
}

func TestBlockStore_EvictionOrderIsLeastRecentlyReleasedDeepestFirst(t *testing.T) {
	// GIVEN a fully-claimed store and two released sequences, a then b
	st := NewBlockStore(3, 4, true)
	a := seqWithTokens(1, 2, 3, 4, 5, 6, 7, 8)
	b := seqWithTokens(11, 12, 13, 14)
	if !st.Allocate(a, 8) || !st.Allocate(b, 4) {
		t.Fatal("allocations should succeed")
	}
	aDeep := a.BlockTable[1]
	st.Release(a)
	st.Release(b)

	// WHEN one fresh block is needed
	c := seqWithTokens(21, 22, 23, 24)
	if !st.Allocate(c, 4) {
		t.Fatal("allocation should succeed")
	}

	// THEN it reuses a's deepest block: per-sequence release walks the
	// table in reverse, and a was released before b
	if c.BlockTable[0] != aDeep {
		t.Errorf("expected block %d to be evicted first, got %d", aDeep, c.BlockTable[0])
	}
}

func TestBlockStore_ForkSharesBlocksAndCopyOnWriteSplitsTail(t *testing.T) {
	// GIVEN a parent covering 6 tokens (one full + one partial block)
	st := NewBlockStore(10, 4, false)
	parent := seqWithTokens(1, 2, 3, 4, 5, 6)
	if !st.Allocate(parent, 6) {
		t.Fatal("parent allocation should succeed")
	}
	child := parent.fork()
	st.Fork(child)
	if got := st.Block(parent.BlockTable[1]).RefCount(); got != 2 {
		t.Fatalf("shared tail refcount = %d, want 2", got)
	}

	// WHEN the sequences diverge and the child extends its table
	parent.appendGenerated(t, 7)
	child.appendGenerated(t, 8)
	sharedTail := child.BlockTable[1]
	if !st.Allocate(child, 7) {
		t.Fatal("child allocation should succeed")
	}

	// THEN the child received a private copy of the partial tail
	if child.BlockTable[1] == sharedTail {
		t.Error("child still references the shared partial tail")
	}
	if got := st.Block(sharedTail).RefCount(); got != 1 {
		t.Errorf("parent tail refcount = %d, want 1", got)
	}
	priv := st.Block(child.BlockTable[1])
	if len(priv.tokens) != 3 {
		t.Errorf("private tail has %d tokens, want 3 (copied 5,6 plus appended 8)", len(priv.tokens))
	}
	st.checkAccounting()
}

// appendGenerated appends a generated token with zero log-prob delta; the
// helper keeps the divergence tests readable.
func (s *Sequence) appendGenerated(t *testing.T, tok int64) {
	t.Helper()
	s.appendToken(tok, 0)
}

func TestBlockStore_ReleaseUnderflowPanics(t *testing.T) {
	// GIVEN a sequence whose blocks were already released
	st := NewBlockStore(4, 4, false)
	seq := seqWithTokens(1, 2, 3, 4)
	if !st.Allocate(seq, 4) {
		t.Fatal("allocation should succeed")
	}
	table := append([]int(nil), seq.BlockTable...)
	st.Release(seq)

	// WHEN the same table is released again
	seq.BlockTable = table
	defer func() {
		if recover() == nil {
			t.Error("double release must panic")
		}
	}()
	st.Release(seq)
}
