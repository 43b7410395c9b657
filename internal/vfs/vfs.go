// Package vfs implements the Virtual Filesystem Facade (spec section
// 4.A): a uniform read/write/list/move/remove/flock surface dispatched
// by URI scheme, with no caching of its own — the Tile Cache sits in
// front of it, not inside it.
package vfs

import (
	"fmt"
	"net/url"
)

// LockHandle is the opaque token returned by FlockExclusive and
// consumed by Funlock. Backends define their own concrete type; the
// facade only ever passes it back to the same backend that issued it.
type LockHandle interface{}

// Backend is the capability every scheme must implement. The core
// never inspects the scheme beyond dispatch (design note in section
// 9: "The core must not inspect scheme directly").
type Backend interface {
	Read(uri string, offset, length uint64) ([]byte, error)
	Write(uri string, data []byte) error
	List(prefix string) ([]string, error)
	IsDir(uri string) (bool, error)
	IsFile(uri string) (bool, error)
	Remove(uri string) error
	Move(oldURI, newURI string) error
	CreateDir(uri string) error
	Touch(uri string) error
	FlockExclusive(uri string) (LockHandle, error)
	Funlock(handle LockHandle) error
	Close() error
}

// VFS is the facade callers use: it resolves a URI's scheme to a
// registered Backend and forwards the call. All operations are
// blocking, as spec section 4.A requires.
type VFS struct {
	backends map[string]Backend
	def      string
}

// New builds a VFS with no backends registered. Register must be
// called at least once before use.
func New() *VFS { return &VFS{backends: make(map[string]Backend)} }

// Register associates a URI scheme (e.g. "file", "mem") with a
// Backend. The first registered scheme becomes the default used for
// schemeless URIs (a bare path), matching how most single-tenant
// deployments only ever talk to one backend.
func (v *VFS) Register(scheme string, b Backend) {
	v.backends[scheme] = b
	if v.def == "" {
		v.def = scheme
	}
}

func (v *VFS) resolve(uri string) (Backend, error) {
	scheme := v.def
	if u, err := url.Parse(uri); err == nil && u.Scheme != "" {
		scheme = u.Scheme
	}
	b, ok := v.backends[scheme]
	if !ok {
		return nil, fmt.Errorf("vfs: no backend registered for scheme %q (uri %q)", scheme, uri)
	}
	return b, nil
}

func (v *VFS) Read(uri string, offset, length uint64) ([]byte, error) {
	b, err := v.resolve(uri)
	if err != nil {
		return nil, err
	}
	return b.Read(uri, offset, length)
}

func (v *VFS) Write(uri string, data []byte) error {
	b, err := v.resolve(uri)
	if err != nil {
		return err
	}
	return b.Write(uri, data)
}

func (v *VFS) List(prefix string) ([]string, error) {
	b, err := v.resolve(prefix)
	if err != nil {
		return nil, err
	}
	return b.List(prefix)
}

func (v *VFS) IsDir(uri string) (bool, error) {
	b, err := v.resolve(uri)
	if err != nil {
		return false, err
	}
	return b.IsDir(uri)
}

func (v *VFS) IsFile(uri string) (bool, error) {
	b, err := v.resolve(uri)
	if err != nil {
		return false, err
	}
	return b.IsFile(uri)
}

func (v *VFS) Remove(uri string) error {
	b, err := v.resolve(uri)
	if err != nil {
		return err
	}
	return b.Remove(uri)
}

func (v *VFS) Move(oldURI, newURI string) error {
	b, err := v.resolve(oldURI)
	if err != nil {
		return err
	}
	return b.Move(oldURI, newURI)
}

func (v *VFS) CreateDir(uri string) error {
	b, err := v.resolve(uri)
	if err != nil {
		return err
	}
	return b.CreateDir(uri)
}

func (v *VFS) Touch(uri string) error {
	b, err := v.resolve(uri)
	if err != nil {
		return err
	}
	return b.Touch(uri)
}

// flockTarget records which backend issued a lock handle so Funlock
// can be routed back without the caller having to remember.
type flockTarget struct {
	backend Backend
	handle  LockHandle
}

func (v *VFS) FlockExclusive(uri string) (LockHandle, error) {
	b, err := v.resolve(uri)
	if err != nil {
		return nil, err
	}
	h, err := b.FlockExclusive(uri)
	if err != nil {
		return nil, err
	}
	return flockTarget{backend: b, handle: h}, nil
}

func (v *VFS) Funlock(handle LockHandle) error {
	ft, ok := handle.(flockTarget)
	if !ok {
		return fmt.Errorf("vfs: funlock: handle not issued by this VFS")
	}
	return ft.backend.Funlock(ft.handle)
}

// Close releases every registered backend's resources.
func (v *VFS) Close() error {
	var firstErr error
	for _, b := range v.backends {
		if err := b.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
