// Package object implements the object-hierarchy walk used to list
// arrays, groups, and key-value stores beneath a URI. It generalizes
// TileDB's StorageManager::ObjectIter (a preorder/postorder queue of
// URIs with a parallel "expanded" flag for postorder) into an
// idiomatic Go iterator driven by Next instead of an out-parameter
// next_object call.
package object

import "fmt"

// Order is the traversal order an Iterator walks in.
type Order int

const (
	// OrderPreorder visits a directory before its children.
	OrderPreorder Order = iota
	// OrderPostorder visits a directory's children before the directory
	// itself.
	OrderPostorder
)

// Kind classifies what a visited URI actually is.
type Kind int

const (
	KindInvalid Kind = iota
	KindArray
	KindGroup
	KindKeyValue
)

// Lister is the minimal VFS surface the iterator needs: list a
// directory's immediate children and classify one URI's kind. It is
// satisfied by a thin adapter over internal/vfs.VFS plus schema-file
// probing, kept separate here so this package has no dependency on
// the VFS backend machinery itself.
type Lister interface {
	List(uri string) ([]string, error)
	Classify(uri string) (Kind, error)
}

type frame struct {
	uri      string
	expanded bool
}

// Iterator walks the object hierarchy rooted at a URI in the given
// order, optionally descending recursively into groups.
type Iterator struct {
	lister    Lister
	order     Order
	recursive bool
	stack     []frame
}

// NewIterator builds an Iterator rooted at uri. If recursive is false,
// only uri's immediate children are visited, matching the non-
// recursive object_iter_begin overload; recursive walks the whole
// subtree, matching object_iter_begin_recursive.
func NewIterator(lister Lister, uri string, order Order, recursive bool) (*Iterator, error) {
	it := &Iterator{lister: lister, order: order, recursive: recursive}
	children, err := lister.List(uri)
	if err != nil {
		return nil, fmt.Errorf("object: iterator root %s: %w", uri, err)
	}
	for i := len(children) - 1; i >= 0; i-- {
		it.stack = append(it.stack, frame{uri: children[i]})
	}
	return it, nil
}

// Next returns the next (uri, kind) pair in the walk, or ok=false once
// the traversal is exhausted.
func (it *Iterator) Next() (uri string, kind Kind, ok bool, err error) {
	for len(it.stack) > 0 {
		top := it.stack[len(it.stack)-1]

		k, err := it.lister.Classify(top.uri)
		if err != nil {
			return "", KindInvalid, false, fmt.Errorf("object: classify %s: %w", top.uri, err)
		}

		isContainer := it.recursive && (k == KindGroup)

		if it.order == OrderPreorder {
			it.stack = it.stack[:len(it.stack)-1]
			if isContainer {
				children, err := it.lister.List(top.uri)
				if err != nil {
					return "", KindInvalid, false, fmt.Errorf("object: list %s: %w", top.uri, err)
				}
				for i := len(children) - 1; i >= 0; i-- {
					it.stack = append(it.stack, frame{uri: children[i]})
				}
			}
			return top.uri, k, true, nil
		}

		// Postorder: expand children first (mirroring expanded_ in the
		// original ObjectIter), then visit the directory itself only
		// after every child has been returned.
		if isContainer && !top.expanded {
			it.stack[len(it.stack)-1].expanded = true
			children, err := it.lister.List(top.uri)
			if err != nil {
				return "", KindInvalid, false, fmt.Errorf("object: list %s: %w", top.uri, err)
			}
			for i := len(children) - 1; i >= 0; i-- {
				it.stack = append(it.stack, frame{uri: children[i]})
			}
			continue
		}

		it.stack = it.stack[:len(it.stack)-1]
		return top.uri, k, true, nil
	}
	return "", KindInvalid, false, nil
}
