// rdiff/delta.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package rdiff

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

type OpKind uint8

const (
	OpCopy    OpKind = 1
	OpLiteral OpKind = 2
)

// Op is a single delta instruction: either copy Length bytes of the old
// content starting at Offset, or emit the literal Data.
type Op struct {
	Kind   OpKind
	Offset int64
	Length int64
	Data   []byte
}

// Delta is an ordered list of operations that transforms old content into
// new content.
type Delta struct {
	Ops []Op
}

// NewLength returns the length of the content the delta produces.
func (d *Delta) NewLength() int64 {
	var n int64
	for _, op := range d.Ops {
		if op.Kind == OpCopy {
			n += op.Length
		} else {
			n += int64(len(op.Data))
		}
	}
	return n
}

// LiteralBytes returns the number of bytes carried in literal operations.
func (d *Delta) LiteralBytes() int64 {
	var n int64
	for _, op := range d.Ops {
		if op.Kind == OpLiteral {
			n += int64(len(op.Data))
		}
	}
	return n
}

func (d *Delta) addCopy(offset, length int64) {
	if n := len(d.Ops); n > 0 {
		last := &d.Ops[n-1]
		if last.Kind == OpCopy && last.Offset+last.Length == offset {
			last.Length += length
			return
		}
	}
	d.Ops = append(d.Ops, Op{Kind: OpCopy, Offset: offset, Length: length})
}

func (d *Delta) addLiteral(b []byte) {
	d.Ops = append(d.Ops, Op{Kind: OpLiteral, Data: append([]byte(nil), b...)})
}

// Literal operations are flushed once this many bytes are pending so that
// memory use stays bounded independent of how much the content changed.
const maxLiteral = 64 * 1024

// ComputeDelta reads the new content from r in a single pass and returns
// the delta from the content described by sig. A nil sig means there's no
// old content: the delta is then all literal.
func ComputeDelta(sig *Signature, r io.Reader) (*Delta, error) {
	d := &Delta{}
	if sig == nil || len(sig.Blocks) == 0 {
		buf := make([]byte, maxLiteral)
		for {
			n, err := io.ReadFull(r, buf)
			if n > 0 {
				d.addLiteral(buf[:n])
			}
			switch err {
			case nil:
			case io.EOF, io.ErrUnexpectedEOF:
				return d, nil
			default:
				return nil, &ContentReadError{Err: err}
			}
		}
	}

	m := newMatcher(sig)
	if err := m.run(r, d); err != nil {
		return nil, err
	}
	return d, nil
}

type matcher struct {
	sig *Signature
	bl  int
	// From weak checksum to the indices of full-length blocks with that
	// checksum, in increasing order.
	table map[uint32][]int
	// Index of the final block if it's shorter than the block length,
	// otherwise -1.
	tail int
}

func newMatcher(sig *Signature) *matcher {
	m := &matcher{
		sig:   sig,
		bl:    sig.BlockLen,
		table: make(map[uint32][]int, len(sig.Blocks)),
		tail:  -1,
	}
	last := len(sig.Blocks) - 1
	for i, b := range sig.Blocks {
		if i == last && sig.tailLen() < sig.BlockLen {
			m.tail = i
			continue
		}
		m.table[b.Weak] = append(m.table[b.Weak], i)
	}
	return m
}

// find returns the index of an old block whose checksums match the given
// window. The block following the previous match is preferred so that
// runs of copies stay contiguous; otherwise the lowest matching index is
// returned.
func (m *matcher) find(weak uint32, window []byte, prefer int) (int, bool) {
	cands := m.table[weak]
	if len(cands) == 0 {
		return 0, false
	}
	strong := strongSum(window)
	if prefer >= 0 && prefer < len(m.sig.Blocks) && prefer != m.tail {
		if b := m.sig.Blocks[prefer]; b.Weak == weak && b.Strong == strong {
			return prefer, true
		}
	}
	for _, c := range cands {
		if m.sig.Blocks[c].Strong == strong {
			return c, true
		}
	}
	return 0, false
}

func (m *matcher) run(r io.Reader, d *Delta) error {
	bl := m.bl
	buf := make([]byte, 0, 4*bl+maxLiteral)
	// p is the start of the current window and lit is the start of the
	// bytes that haven't been emitted yet; lit <= p always.
	p, lit := 0, 0
	eof := false

	fill := func(need int) error {
		for len(buf)-p < need && !eof {
			if len(buf) == cap(buf) && lit > 0 {
				n := copy(buf, buf[lit:])
				buf = buf[:n]
				p -= lit
				lit = 0
			}
			if len(buf) == cap(buf) {
				nb := make([]byte, len(buf), 2*cap(buf))
				copy(nb, buf)
				buf = nb
			}
			n, err := r.Read(buf[len(buf):cap(buf)])
			buf = buf[:len(buf)+n]
			if err == io.EOF {
				eof = true
			} else if err != nil {
				return &ContentReadError{Err: err}
			}
		}
		return nil
	}

	var rs rollsum
	have := false
	prefer := -1
	for {
		if p-lit >= maxLiteral {
			d.addLiteral(buf[lit:p])
			lit = p
		}
		if err := fill(bl + 1); err != nil {
			return err
		}
		if len(buf)-p < bl {
			break
		}

		if !have {
			rs.Reset()
			rs.Update(buf[p : p+bl])
			have = true
		}
		if b, ok := m.find(rs.Digest(), buf[p:p+bl], prefer); ok {
			if lit < p {
				d.addLiteral(buf[lit:p])
			}
			d.addCopy(int64(b)*int64(bl), int64(bl))
			p += bl
			lit = p
			have = false
			prefer = b + 1
			continue
		}

		prefer = -1
		if len(buf)-p > bl {
			rs.Rotate(buf[p], buf[p+bl])
		} else {
			have = false
		}
		p++
	}

	// Fewer than a block's worth of bytes remain; they may still match a
	// short final block of the old content.
	if m.tail >= 0 {
		tl := m.sig.tailLen()
		q := len(buf) - tl
		if q >= lit {
			blk := m.sig.Blocks[m.tail]
			win := buf[q:]
			if weakSum(win) == blk.Weak && strongSum(win) == blk.Strong {
				if lit < q {
					d.addLiteral(buf[lit:q])
				}
				d.addCopy(int64(m.tail)*int64(bl), int64(tl))
				return nil
			}
		}
	}
	if lit < len(buf) {
		d.addLiteral(buf[lit:])
	}
	return nil
}

///////////////////////////////////////////////////////////////////////////
// Applying deltas

// ApplyDelta writes the new content described by d to w, reading copied
// ranges from old, which holds oldSize bytes.
func ApplyDelta(old io.ReaderAt, oldSize int64, d *Delta, w io.Writer) error {
	for i, op := range d.Ops {
		switch op.Kind {
		case OpCopy:
			if op.Offset < 0 || op.Length < 0 || op.Offset > oldSize ||
				op.Length > oldSize-op.Offset {
				return corruptf("op %d: copy of [%d, %d) outside old content of %d bytes",
					i, op.Offset, op.Offset+op.Length, oldSize)
			}
			if op.Length == 0 {
				continue
			}
			sr := io.NewSectionReader(old, op.Offset, op.Length)
			if _, err := io.CopyN(w, sr, op.Length); err != nil {
				return errors.Wrapf(err, "op %d: copy", i)
			}
		case OpLiteral:
			if _, err := w.Write(op.Data); err != nil {
				return err
			}
		default:
			return corruptf("op %d: unknown kind %d", i, op.Kind)
		}
	}
	return nil
}

// Patch applies d to the old content held in memory.
func Patch(old []byte, d *Delta) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(int(d.NewLength()))
	if err := ApplyDelta(bytes.NewReader(old), int64(len(old)), d, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

///////////////////////////////////////////////////////////////////////////
// Serialization

var deltaMagic = [4]byte{'D', 'B', 'K', 'D'}

const deltaVersion = 1

const (
	tagEnd     = 0
	tagCopy    = 1
	tagLiteral = 2
)

// MarshalBinary encodes the delta as the magic number and a version
// byte followed by tagged operations and a terminating zero tag.
func (d *Delta) MarshalBinary() ([]byte, error) {
	n := 8
	for _, op := range d.Ops {
		n += 1 + 2*binary.MaxVarintLen64 + len(op.Data)
	}
	b := make([]byte, 0, n)
	b = append(b, deltaMagic[:]...)
	b = append(b, deltaVersion)
	for _, op := range d.Ops {
		switch op.Kind {
		case OpCopy:
			b = append(b, tagCopy)
			b = binary.AppendUvarint(b, uint64(op.Offset))
			b = binary.AppendUvarint(b, uint64(op.Length))
		case OpLiteral:
			b = append(b, tagLiteral)
			b = binary.AppendUvarint(b, uint64(len(op.Data)))
			b = append(b, op.Data...)
		default:
			return nil, errors.Errorf("%d: unknown delta op kind", op.Kind)
		}
	}
	return append(b, tagEnd), nil
}

// ParseDelta decodes a delta written by MarshalBinary. Literal data
// aliases b. Bytes following the terminating tag are ignored.
func ParseDelta(b []byte) (*Delta, error) {
	if len(b) < len(deltaMagic)+1 || !bytes.Equal(b[:4], deltaMagic[:]) {
		return nil, corruptf("bad magic number")
	}
	if b[4] != deltaVersion {
		return nil, corruptf("unsupported version %d", b[4])
	}
	b = b[5:]

	uvarint := func() (uint64, bool) {
		v, n := binary.Uvarint(b)
		if n <= 0 {
			return 0, false
		}
		b = b[n:]
		return v, true
	}

	d := &Delta{}
	for {
		if len(b) == 0 {
			return nil, corruptf("premature end of data")
		}
		tag := b[0]
		b = b[1:]
		switch tag {
		case tagEnd:
			return d, nil
		case tagCopy:
			off, ok1 := uvarint()
			length, ok2 := uvarint()
			if !ok1 || !ok2 || int64(off) < 0 || int64(length) < 0 {
				return nil, corruptf("bad copy op")
			}
			d.Ops = append(d.Ops, Op{Kind: OpCopy, Offset: int64(off), Length: int64(length)})
		case tagLiteral:
			length, ok := uvarint()
			if !ok || length > uint64(len(b)) {
				return nil, corruptf("bad literal op")
			}
			d.Ops = append(d.Ops, Op{Kind: OpLiteral, Data: b[:length:length]})
			b = b[length:]
		default:
			return nil, corruptf("unknown op tag %d", tag)
		}
	}
}
