package cache

// nilNode marks the absence of a node; used for the ends of the list and for unlinked nodes.
const nilNode = -1

// arenaNode is a node of arenaList; links are indices into the arena instead of pointers.
type arenaNode[V any] struct {
	prev, next int
	inUse      bool
	value      V
}

// arenaList is a doubly linked list whose nodes live in one slice (the arena). Removed slots are recycled
// through a free list, so a list bounded to N elements never allocates more than N nodes.
// Node handles (indices) stay valid until the node is removed.
type arenaList[V any] struct {
	nodes      []arenaNode[V]
	free       []int // Indices of removed nodes, reused by the next pushes.
	head, tail int
	size       int
}

// newArenaList returns an empty list with room for `capacity` nodes before the arena grows.
func newArenaList[V any](capacity int) *arenaList[V] {
	return &arenaList[V]{
		nodes: make([]arenaNode[V], 0, max(capacity, 0)),
		head:  nilNode,
		tail:  nilNode,
	}
}

// Len returns the number of elements in the list.
func (l *arenaList[V]) Len() int {
	return l.size
}

// Front returns the handle of the first node or nilNode if the list is empty.
func (l *arenaList[V]) Front() int {
	return l.head
}

// Back returns the handle of the last node or nilNode if the list is empty.
func (l *arenaList[V]) Back() int {
	return l.tail
}

// Next returns the handle following node `n`, or nilNode at the end of the list.
func (l *arenaList[V]) Next(n int) int {
	return l.nodes[n].next
}

// Prev returns the handle preceding node `n`, or nilNode at the start of the list.
func (l *arenaList[V]) Prev(n int) int {
	return l.nodes[n].prev
}

// Value returns a pointer to the value held by node `n`; it must not be kept after the node is removed.
func (l *arenaList[V]) Value(n int) *V {
	return &l.nodes[n].value
}

// allocate takes a free slot, or grows the arena, and stores `v` in it.
func (l *arenaList[V]) allocate(v V) int {
	if freeCount := len(l.free); freeCount > 0 {
		n := l.free[freeCount-1]
		l.free = l.free[:freeCount-1]
		l.nodes[n] = arenaNode[V]{prev: nilNode, next: nilNode, inUse: true, value: v}
		return n
	}
	l.nodes = append(l.nodes, arenaNode[V]{prev: nilNode, next: nilNode, inUse: true, value: v})
	return len(l.nodes) - 1
}

// linkBack appends the already allocated node `n` after the tail.
func (l *arenaList[V]) linkBack(n int) {
	l.nodes[n].prev = l.tail
	l.nodes[n].next = nilNode
	if l.tail != nilNode {
		l.nodes[l.tail].next = n
	} else { // List was empty.
		l.head = n
	}
	l.tail = n
	l.size++
}

// unlink detaches node `n` from its neighbours without releasing its slot.
func (l *arenaList[V]) unlink(n int) {
	node := &l.nodes[n]
	if node.prev != nilNode {
		l.nodes[node.prev].next = node.next
	} else { // Node is the head.
		l.head = node.next
	}
	if node.next != nilNode {
		l.nodes[node.next].prev = node.prev
	} else { // Node is the tail.
		l.tail = node.prev
	}
	node.prev, node.next = nilNode, nilNode
	l.size--
}

// PushBack adds a new value to the back of the list and returns its handle.
func (l *arenaList[V]) PushBack(v V) int {
	n := l.allocate(v)
	l.linkBack(n)
	return n
}

// MoveToBack moves node `n` to the back of the list.
func (l *arenaList[V]) MoveToBack(n int) {
	if l.tail == n {
		return
	}
	l.unlink(n)
	l.linkBack(n)
}

// Remove removes node `n` from the list, releases its slot and returns the value it held.
// Removing a node twice is a no-op returning the zero value.
func (l *arenaList[V]) Remove(n int) V {
	if n < 0 || n >= len(l.nodes) || !l.nodes[n].inUse {
		return *new(V)
	}
	l.unlink(n)
	value := l.nodes[n].value
	l.nodes[n] = arenaNode[V]{prev: nilNode, next: nilNode} // Drop the value reference for the GC.
	l.free = append(l.free, n)
	return value
}

// Reset removes every node and forgets the arena.
func (l *arenaList[V]) Reset() {
	clear(l.nodes) // Drop value references for the GC.
	l.nodes = l.nodes[:0]
	l.free = l.free[:0]
	l.head, l.tail = nilNode, nilNode
	l.size = 0
}
