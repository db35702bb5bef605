// rdiff/rollsum.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package rdiff

///////////////////////////////////////////////////////////////////////////
// Rolling checksum stuff, rsync style...

// rollsum is the weak checksum of a window of bytes that can be updated
// in constant time as the window slides forward by one byte. All of the
// arithmetic is modulo 2^32, so a rolled sum always matches the sum
// computed from scratch over the same window.
type rollsum struct {
	count  uint32
	s1, s2 uint32
}

const rollsumCharOffset = 31

func (rs *rollsum) Reset() {
	*rs = rollsum{}
}

// Update adds the given bytes to the end of the window.
func (rs *rollsum) Update(b []byte) {
	for _, c := range b {
		rs.s1 += uint32(c) + rollsumCharOffset
		rs.s2 += rs.s1
	}
	rs.count += uint32(len(b))
}

// Rotate drops out from the start of the window and appends in.
func (rs *rollsum) Rotate(out, in byte) {
	rs.s1 += uint32(in) - uint32(out)
	rs.s2 += rs.s1 - rs.count*(uint32(out)+rollsumCharOffset)
}

func (rs *rollsum) Digest() uint32 {
	return (rs.s2 << 16) | (rs.s1 & 0xffff)
}

func weakSum(b []byte) uint32 {
	var rs rollsum
	rs.Update(b)
	return rs.Digest()
}
