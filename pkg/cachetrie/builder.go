package cachetrie

import (
	"bytes"
	"sort"
)

// PutUleb128 appends the ULEB128 encoding of v to buf: 7 bits per byte,
// low group first, high bit set on every byte but the last.
func PutUleb128(buf *bytes.Buffer, v uint64) {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			buf.WriteByte(b | 0x80)
		} else {
			buf.WriteByte(b)
			return
		}
	}
}

// Entry is one key/value pair fed to Build: a dylib path or "/cdhash/<hex>"
// key mapped to an image index or pool offset.
type Entry struct {
	Key   string
	Value uint64
}

type buildNode struct {
	// cumulativeString is the edge label leading to this node from its
	// parent; the root's is empty.
	cumulativeString string
	value            uint64
	hasValue         bool
	children         []*buildNode
	offset           int // resolved in the final layout pass
}

// Build constructs a prefix trie from entries and serializes it in the same
// node layout ParseTrie reads: terminalSize ULEB128, [value ULEB128 if
// terminalSize != 0], childCount byte, then per child an edge-label
// C-string and child-offset ULEB128. Entries with duplicate keys: the last
// one wins.
//
// This package has no reader of its own; the node/edge shape is the one
// that github.com/blacktop/go-macho/pkg/trie's ParseTrie decodes, and the
// tests read Build's output back with it.
func Build(entries []Entry) []byte {
	root := &buildNode{}
	byKey := make(map[string]uint64, len(entries))
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		if _, dup := byKey[e.Key]; !dup {
			keys = append(keys, e.Key)
		}
		byKey[e.Key] = e.Value
	}
	sort.Strings(keys)
	for _, k := range keys {
		insert(root, k, byKey[k])
	}

	// Iteratively assign offsets until they stop moving, the same
	// fixed-point approach dyld's own trie builder uses since a node's
	// offset depends on the encoded size of every node before it, which
	// itself depends on offsets (ULEB128 is variable-width).
	var nodesInOrder []*buildNode
	order(root, &nodesInOrder)

	for {
		changed := false
		offset := 0
		for _, n := range nodesInOrder {
			if n.offset != offset {
				n.offset = offset
				changed = true
			}
			offset += encodedNodeSize(n)
		}
		if !changed {
			break
		}
	}

	buf := new(bytes.Buffer)
	for _, n := range nodesInOrder {
		writeNode(buf, n)
	}
	return buf.Bytes()
}

func insert(n *buildNode, key string, value uint64) {
	for _, c := range n.children {
		if key == c.cumulativeString {
			c.value = value
			c.hasValue = true
			return
		}
		prefix := commonPrefixLen(key, c.cumulativeString)
		if prefix == 0 {
			continue
		}
		if prefix == len(c.cumulativeString) {
			insert(c, key[prefix:], value)
			return
		}
		// split c at prefix
		split := &buildNode{cumulativeString: c.cumulativeString[prefix:], value: c.value, hasValue: c.hasValue, children: c.children}
		c.cumulativeString = c.cumulativeString[:prefix]
		c.value = 0
		c.hasValue = false
		c.children = []*buildNode{split}
		if prefix == len(key) {
			c.value = value
			c.hasValue = true
		} else {
			insert(c, key[prefix:], value)
		}
		return
	}
	n.children = append(n.children, &buildNode{cumulativeString: key, value: value, hasValue: true})
}

func commonPrefixLen(a, b string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

func order(n *buildNode, out *[]*buildNode) {
	*out = append(*out, n)
	for _, c := range n.children {
		order(c, out)
	}
}

func uleb128Size(v uint64) int {
	n := 1
	for v >>= 7; v != 0; v >>= 7 {
		n++
	}
	return n
}

func encodedNodeSize(n *buildNode) int {
	size := 0
	if n.hasValue {
		size += uleb128Size(n.value)
		size = uleb128Size(size) + size
	} else {
		size = 1 // terminalSize == 0, one byte
	}
	size++ // child count byte
	for _, c := range n.children {
		size += len(c.cumulativeString) + 1 // edge label + NUL
		size += uleb128Size(uint64(c.offset))
	}
	return size
}

func writeNode(buf *bytes.Buffer, n *buildNode) {
	if n.hasValue {
		inner := new(bytes.Buffer)
		PutUleb128(inner, n.value)
		PutUleb128(buf, uint64(inner.Len()))
		buf.Write(inner.Bytes())
	} else {
		PutUleb128(buf, 0)
	}
	buf.WriteByte(byte(len(n.children)))
	for _, c := range n.children {
		buf.WriteString(c.cumulativeString)
		buf.WriteByte(0)
		PutUleb128(buf, uint64(c.offset))
	}
}
