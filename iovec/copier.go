// Package iovec implements the bulk-copy primitives the queue worker
// uses to move bytes between scatter/gather vectors and contiguous
// buffers. Callers must pre-validate sizes; behavior on an
// oversized request is undefined, matching the vhost-user backend's own
// unchecked-length copy helpers (e.g. vhostuser.Device.readVringEntry).
package iovec

// TotalLen returns the sum of the segment lengths in v.
func TotalLen(v [][]byte) int {
	n := 0
	for _, seg := range v {
		n += len(seg)
	}
	return n
}

// Gather copies exactly TotalLen(src) bytes from src into a single
// contiguous buffer, returning it. dst must have length >= that total;
// pass nil to allocate the exact size.
func Gather(src [][]byte, dst []byte) []byte {
	n := TotalLen(src)
	if dst == nil {
		dst = make([]byte, n)
	}
	off := 0
	for _, seg := range src {
		off += copy(dst[off:], seg)
	}
	return dst[:n]
}

// Scatter is the inverse of Gather: it copies src into dst iovec by
// iovec, in order, and returns the number of bytes copied. It is the
// identity when the shapes match (round-trip law L2).
func Scatter(src []byte, dst [][]byte) int {
	off := 0
	for _, seg := range dst {
		if off >= len(src) {
			break
		}
		n := copy(seg, src[off:])
		off += n
	}
	return off
}

// CopyIovIov copies exactly n bytes from src to dst, iovec to iovec,
// with arbitrarily misaligned segment boundaries on both sides. It
// advances the source and destination cursors independently, moving to
// the next destination segment whenever the current one fills, and
// returns the number of bytes actually copied.
//
// The caller must ensure both src and dst hold at least n bytes in
// total. With an oversized n, CopyIovIov stops as soon as either
// vector runs out and returns the smaller count it did copy; it
// neither panics nor reports an error.
func CopyIovIov(dst, src [][]byte, n int) int {
	si, di := 0, 0
	soff, doff := 0, 0
	copied := 0

	for copied < n {
		for si < len(src) && soff >= len(src[si]) {
			si++
			soff = 0
		}
		for di < len(dst) && doff >= len(dst[di]) {
			di++
			doff = 0
		}
		if si >= len(src) || di >= len(dst) {
			break
		}

		want := n - copied
		srem := len(src[si]) - soff
		drem := len(dst[di]) - doff
		chunk := want
		if srem < chunk {
			chunk = srem
		}
		if drem < chunk {
			chunk = drem
		}

		copy(dst[di][doff:doff+chunk], src[si][soff:soff+chunk])
		soff += chunk
		doff += chunk
		copied += chunk
	}
	return copied
}

// Skip returns the sub-vector of v that starts n bytes into it,
// splitting the segment straddling the boundary. It is used to advance
// the sink iovecs past a reply header before streaming payload data
// into them ahead of a data-only reply.
func Skip(v [][]byte, n int) [][]byte {
	out := make([][]byte, 0, len(v))
	for _, seg := range v {
		if n >= len(seg) {
			n -= len(seg)
			continue
		}
		out = append(out, seg[n:])
		n = 0
	}
	return out
}

// Take returns the prefix of v that totals exactly n bytes, splitting
// the segment straddling the boundary. It bounds a vectored read or
// write to exactly the number of bytes wanted without copying v's
// underlying data.
func Take(v [][]byte, n int) [][]byte {
	out := make([][]byte, 0, len(v))
	for _, seg := range v {
		if n <= 0 {
			break
		}
		if len(seg) <= n {
			out = append(out, seg)
			n -= len(seg)
			continue
		}
		out = append(out, seg[:n])
		n = 0
	}
	return out
}
