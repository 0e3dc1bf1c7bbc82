package orc

import (
	"math"

	"github.com/google/btree"
)

type symbolEntry struct {
	name string
	seq  uint64
	addr uint64
	key  ModuleHandle
}

// symbolLess orders by name, newest definition first.
func symbolLess(a, b symbolEntry) bool {
	if a.name != b.name {
		return a.name < b.name
	}
	return a.seq > b.seq
}

// symbolTable maps mangled names to addresses. Several live modules may
// define the same name; lookups see the most recently added one.
type symbolTable struct {
	tree *btree.BTreeG[symbolEntry]
	seq  uint64
}

func newSymbolTable() *symbolTable {
	return &symbolTable{tree: btree.NewG(16, symbolLess)}
}

func (t *symbolTable) add(name string, addr uint64, key ModuleHandle) {
	t.seq++
	t.tree.ReplaceOrInsert(symbolEntry{name: name, seq: t.seq, addr: addr, key: key})
}

func (t *symbolTable) lookup(name string) (symbolEntry, bool) {
	var found symbolEntry
	var ok bool
	t.tree.AscendGreaterOrEqual(symbolEntry{name: name, seq: math.MaxUint64}, func(e symbolEntry) bool {
		if e.name == name {
			found, ok = e, true
		}
		return false
	})
	return found, ok
}

// removeModule drops every definition owned by key.
func (t *symbolTable) removeModule(key ModuleHandle) int {
	var dead []symbolEntry
	t.tree.Ascend(func(e symbolEntry) bool {
		if e.key == key {
			dead = append(dead, e)
		}
		return true
	})
	for _, e := range dead {
		t.tree.Delete(e)
	}
	return len(dead)
}

func (t *symbolTable) len() int {
	return t.tree.Len()
}

// each visits the visible definition of every name in order.
func (t *symbolTable) each(fn func(name string, addr uint64)) {
	last := ""
	first := true
	t.tree.Ascend(func(e symbolEntry) bool {
		if first || e.name != last {
			fn(e.name, e.addr)
			last, first = e.name, false
		}
		return true
	})
}
