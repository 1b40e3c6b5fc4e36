// Copyright 2020 Nathan Taylor (nbtaylor@gmail.com)
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package fs

import (
	"sync"
	"sync/atomic"
)

// PathLock is a hierarchical intention lock for a path through the
// simulated filesystem's directory tree. namei takes every directory it
// descends through in IS (or IX, when the walk will end in a write to the
// target) and takes the target inode itself in S or X, the same
// shared/exclusive-plus-intention scheme a database index uses to let
// concurrent lookups under unrelated directories proceed without taking a
// single filesystem-wide lock.
//
// Holding a directory's PathLock in IS or IX grants the caller free rein to
// read that directory's own entries (to continue the walk) without
// blocking siblings walking through the same directory; only the leaf
// inode's S/X state actually excludes other operations on that inode.
//
//	+---------------+----------+-----------+-----------+------------+------------+
//	|Request/Holding| Unlocked | Holding X | Holding S | Holding IX | Holding IS |
//	+---------------+----------+-----------+-----------+------------+------------+
//	|Request X      |   Yes    |    No     |    No     |     No     |     No     |
//	|Request S      |   Yes    |    No     |    Yes    |     No     |     Yes    |
//	|Request IX     |   Yes    |    No     |    No     |     Yes    |     Yes    |
//	|Request IS     |   Yes    |    No     |    Yes    |     Yes    |     Yes    |
//	+---------------+----------+-----------+-----------+------------+------------+
type PathLock struct {
	mtx   sync.Mutex
	c     *sync.Cond
	state uint64
}

const pxOffset uint64 = 0
const pxMask uint64 = (1 << 16) - 1

const psOffset uint64 = 16
const psMask uint64 = ((1 << 32) - 1) & ^((1 << 16) - 1)

const pisOffset uint64 = 32
const pisMask uint64 = ((1 << 48) - 1) & ^((1 << 32) - 1)

const pixOffset uint64 = 48
const pixMask uint64 = 0xffffffffffffffff & ^((1 << 48) - 1)

// NewPathLock returns an unlocked PathLock for one inode.
func NewPathLock() *PathLock {
	var l PathLock
	l.c = sync.NewCond(&l.mtx)
	return &l
}

func extractPX(state uint64) uint64 { return (state & pxMask) >> pxOffset }
func setPX(state, val uint64) uint64 { return (state & ^pxMask) | (val << pxOffset) }
func compatableWithPX(state uint64) bool { return state == 0 }

func extractPS(state uint64) uint64 { return (state & psMask) >> psOffset }
func setPS(state, val uint64) uint64 { return (state & ^psMask) | (val << psOffset) }
func compatableWithPS(state uint64) bool {
	return extractPX(state) == 0 && extractPIX(state) == 0
}

func extractPIX(state uint64) uint64 { return (state & pixMask) >> pixOffset }
func setPIX(state, val uint64) uint64 { return (state & ^pixMask) | (val << pixOffset) }
func compatableWithPIX(state uint64) bool {
	return extractPX(state) == 0 && extractPS(state) == 0
}

func extractPIS(state uint64) uint64 { return (state & pisMask) >> pisOffset }
func setPIS(state, val uint64) uint64 { return (state & ^pisMask) | (val << pisOffset) }
func compatableWithPIS(state uint64) bool { return extractPX(state) == 0 }

func (l *PathLock) registerIS() bool {
	for {
		state := atomic.LoadUint64(&l.state)
		newState := setPIS(state, extractPIS(state)+1)
		if atomic.CompareAndSwapUint64(&l.state, state, newState) {
			return compatableWithPIS(state)
		}
	}
}

func (l *PathLock) registerIX() bool {
	for {
		state := atomic.LoadUint64(&l.state)
		newState := setPIX(state, extractPIX(state)+1)
		if atomic.CompareAndSwapUint64(&l.state, state, newState) {
			return compatableWithPIX(state)
		}
	}
}

func (l *PathLock) registerS() bool {
	for {
		state := atomic.LoadUint64(&l.state)
		newState := setPS(state, extractPS(state)+1)
		if atomic.CompareAndSwapUint64(&l.state, state, newState) {
			return compatableWithPS(state)
		}
	}
}

func (l *PathLock) registerX() bool {
	for {
		state := atomic.LoadUint64(&l.state)
		newState := setPX(state, extractPX(state)+1)
		if atomic.CompareAndSwapUint64(&l.state, state, newState) {
			return compatableWithPX(state)
		}
	}
}

// ISLock marks this inode as an intermediate directory on a shared-mode
// walk. Blocks while the inode is held X.
func (l *PathLock) ISLock() {
	l.mtx.Lock()
	for !compatableWithPIS(atomic.LoadUint64(&l.state)) {
		l.c.Wait()
	}
	l.registerIS()
	l.mtx.Unlock()
}

// ISUnlock releases one IS hold taken by ISLock.
func (l *PathLock) ISUnlock() {
	var val uint64
	for {
		state := atomic.LoadUint64(&l.state)
		val = extractPIS(state) - 1
		newState := setPIS(state, val)
		if atomic.CompareAndSwapUint64(&l.state, state, newState) {
			break
		}
	}
	if val == 0 {
		l.c.Broadcast()
	}
}

// IXLock marks this inode as an intermediate directory on a walk that will
// end in a write. Blocks while the inode is held X or S.
func (l *PathLock) IXLock() {
	l.mtx.Lock()
	for !compatableWithPIX(atomic.LoadUint64(&l.state)) {
		l.c.Wait()
	}
	l.registerIX()
	l.mtx.Unlock()
}

// IXUnlock releases one IX hold taken by IXLock.
func (l *PathLock) IXUnlock() {
	var val uint64
	for {
		state := atomic.LoadUint64(&l.state)
		val = extractPIX(state) - 1
		newState := setPIX(state, val)
		if atomic.CompareAndSwapUint64(&l.state, state, newState) {
			break
		}
	}
	if val == 0 {
		l.c.Broadcast()
	}
}

// SLock takes this inode for shared read access, as namei does on the leaf
// of a lookup. Blocks while the inode is held X or IX.
func (l *PathLock) SLock() {
	l.mtx.Lock()
	for !compatableWithPS(atomic.LoadUint64(&l.state)) {
		l.c.Wait()
	}
	l.registerS()
	l.mtx.Unlock()
}

// SUnlock releases one S hold taken by SLock.
func (l *PathLock) SUnlock() {
	var val uint64
	for {
		state := atomic.LoadUint64(&l.state)
		val = extractPS(state) - 1
		newState := setPS(state, val)
		if atomic.CompareAndSwapUint64(&l.state, state, newState) {
			break
		}
	}
	if val == 0 {
		l.c.Broadcast()
	}
}

// XLock takes this inode for exclusive write access, as namei does on the
// leaf of a create/unlink/rename. Blocks while the inode is held in any
// other state.
func (l *PathLock) XLock() {
	l.mtx.Lock()
	for !compatableWithPX(atomic.LoadUint64(&l.state)) {
		l.c.Wait()
	}
	l.registerX()
	l.mtx.Unlock()
}

// XUnlock releases the X hold taken by XLock.
func (l *PathLock) XUnlock() {
	var val uint64
	for {
		state := atomic.LoadUint64(&l.state)
		val = extractPX(state) - 1
		newState := setPX(state, val)
		if atomic.CompareAndSwapUint64(&l.state, state, newState) {
			break
		}
	}
	if val == 0 {
		l.c.Broadcast()
	}
}
