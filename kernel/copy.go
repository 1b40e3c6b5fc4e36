package kernel

import (
	"context"

	"github.com/pkg/errors"

	"github.com/gokernel-labs/rv64proc/mm"
)

// CopyOut writes len(src) bytes from src into p's address space starting at
// virtual address dst, translating one page at a time through p's page
// table (mirrors copyout).
func (k *Kernel) CopyOut(ctx context.Context, p *Proc, dst uint64, src []byte) error {
	for len(src) > 0 {
		page := dst - (dst % mm.PageSize)
		pa, perm, ok := p.pagetable.Translate(ctx, page)
		if !ok {
			return errors.Errorf("kernel: copyout: unmapped va %#x", page)
		}
		if perm&mm.PermWrite == 0 {
			return errors.Errorf("kernel: copyout: va %#x not writable", page)
		}
		off := int(dst - page)
		n := mm.PageSize - off
		if n > len(src) {
			n = len(src)
		}
		if _, err := k.memRaw.WriteAt(pa, off, src[:n]); err != nil {
			return err
		}
		src = src[n:]
		dst += uint64(n)
	}
	return nil
}

// CopyIn reads len(dst) bytes out of p's address space starting at virtual
// address src into dst (mirrors copyin).
func (k *Kernel) CopyIn(ctx context.Context, p *Proc, dst []byte, src uint64) error {
	for len(dst) > 0 {
		page := src - (src % mm.PageSize)
		pa, perm, ok := p.pagetable.Translate(ctx, page)
		if !ok {
			return errors.Errorf("kernel: copyin: unmapped va %#x", page)
		}
		if perm&mm.PermRead == 0 {
			return errors.Errorf("kernel: copyin: va %#x not readable", page)
		}
		off := int(src - page)
		n := mm.PageSize - off
		if n > len(dst) {
			n = len(dst)
		}
		if _, err := k.memRaw.ReadAt(pa, off, dst[:n]); err != nil {
			return err
		}
		dst = dst[n:]
		src += uint64(n)
	}
	return nil
}

// EitherCopyOut writes src into dst, which lives in user space (p's
// address space, via CopyOut) if userDst is true, or is a plain kernel
// byte slice otherwise — the same "either" dispatch either_copyout uses so
// a caller can write through a single code path regardless of where the
// destination buffer lives.
func (k *Kernel) EitherCopyOut(ctx context.Context, p *Proc, userDst bool, dst uint64, dstBuf []byte, src []byte) error {
	if userDst {
		return k.CopyOut(ctx, p, dst, src)
	}
	if len(dstBuf) < len(src) {
		return errors.New("kernel: either_copyout: destination buffer too small")
	}
	copy(dstBuf, src)
	return nil
}

// EitherCopyIn is either_copyin's counterpart: reads from a user address in
// p's address space if userSrc is true, otherwise from a plain kernel byte
// slice.
func (k *Kernel) EitherCopyIn(ctx context.Context, p *Proc, userSrc bool, dst []byte, src uint64, srcBuf []byte) error {
	if userSrc {
		return k.CopyIn(ctx, p, dst, src)
	}
	if len(srcBuf) < len(dst) {
		return errors.New("kernel: either_copyin: source buffer too small")
	}
	copy(dst, srcBuf)
	return nil
}
