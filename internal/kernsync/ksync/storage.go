package ksync

import (
	"go.uber.org/atomic"

	"github.com/kolkov/kernsync/internal/kernsync/turnstile"
)

// nextKey hands out proprietor keys for primitives that embed their
// turnstile storage and so have no address of their own to hash.
var nextKey atomic.Uintptr

func newKey() uintptr {
	return nextKey.Inc() << 4
}

// storage is the directory discipline a primitive uses to reach its
// turnstile. Calls are made with the primitive's interlock held.
type storage interface {
	prepare(th *turnstile.Thread) *turnstile.Turnstile
	complete(th *turnstile.Thread)
	lookup() *turnstile.Turnstile
	key() uintptr
}

type inlineStorage struct {
	s    *turnstile.Subsystem
	prop uintptr
	t    turnstile.Type
	slot turnstile.Slot
}

func (st *inlineStorage) prepare(th *turnstile.Thread) *turnstile.Turnstile {
	return st.s.PrepareInline(th, st.prop, &st.slot, st.t)
}

func (st *inlineStorage) complete(th *turnstile.Thread) {
	st.s.CompleteInline(th, st.prop, &st.slot, st.t)
}

func (st *inlineStorage) lookup() *turnstile.Turnstile { return st.s.LookupInline(&st.slot) }
func (st *inlineStorage) key() uintptr                 { return st.prop }

type hashStorage struct {
	s    *turnstile.Subsystem
	prop uintptr
	t    turnstile.Type
}

func (st *hashStorage) prepare(th *turnstile.Thread) *turnstile.Turnstile {
	return st.s.PrepareHash(th, st.prop, st.t)
}

func (st *hashStorage) complete(th *turnstile.Thread) {
	st.s.CompleteHash(th, st.prop, st.t)
}

func (st *hashStorage) lookup() *turnstile.Turnstile { return st.s.LookupByProprietor(st.prop, st.t) }
func (st *hashStorage) key() uintptr                 { return st.prop }

type compactStorage struct {
	s    *turnstile.Subsystem
	prop uintptr
	t    turnstile.Type
	cs   turnstile.CompactSlot
}

func (st *compactStorage) prepare(th *turnstile.Thread) *turnstile.Turnstile {
	return st.s.PrepareCompact(th, st.prop, &st.cs, st.t)
}

func (st *compactStorage) complete(th *turnstile.Thread) {
	st.s.CompleteCompact(th, st.prop, &st.cs, st.t)
}

func (st *compactStorage) lookup() *turnstile.Turnstile { return st.s.LookupCompact(&st.cs) }
func (st *compactStorage) key() uintptr                 { return st.prop }
