// Package tensorcodec implements C1: a byte-exact, round-trip encoding of a
// parammap.ParameterMap used wherever a ParameterMap crosses a trust or
// transport boundary (wire payloads, SSS share splitting, HE codec
// pass-through). Wire compression is applied with zstd, following the
// teacher's klauspost/compress dependency.
package tensorcodec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/flcs/coordinator/src/flerrors"
	"github.com/flcs/coordinator/src/parammap"
)

const magic uint32 = 0x464c4331 // "FLC1"

// Encode serializes m to bytes. The format is:
//
//	magic(4) | count(4) |
//	  repeated: namelen(2) name | dtype(1) | ndims(1) | dims(4 each) | datalen(4) data
//
// then the whole body is zstd-compressed.
func Encode(m parammap.ParameterMap) ([]byte, error) {
	var body bytes.Buffer
	if err := binary.Write(&body, binary.LittleEndian, magic); err != nil {
		return nil, flerrors.Wrap(flerrors.KindDecodeError, "write magic", err)
	}
	names := m.Names()
	if err := binary.Write(&body, binary.LittleEndian, uint32(len(names))); err != nil {
		return nil, flerrors.Wrap(flerrors.KindDecodeError, "write count", err)
	}
	for _, name := range names {
		t := m[name]
		if len(name) > 0xFFFF {
			return nil, flerrors.New(flerrors.KindDecodeError, fmt.Sprintf("parameter name %q too long", name))
		}
		binary.Write(&body, binary.LittleEndian, uint16(len(name)))
		body.WriteString(name)
		body.WriteByte(byte(t.DType))
		if len(t.Shape) > 0xFF {
			return nil, flerrors.New(flerrors.KindDecodeError, fmt.Sprintf("parameter %q has too many dimensions", name))
		}
		body.WriteByte(byte(len(t.Shape)))
		for _, d := range t.Shape {
			binary.Write(&body, binary.LittleEndian, int32(d))
		}
		binary.Write(&body, binary.LittleEndian, uint32(len(t.Data)))
		body.Write(t.Data)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, flerrors.Wrap(flerrors.KindDecodeError, "create zstd encoder", err)
	}
	defer enc.Close()
	return enc.EncodeAll(body.Bytes(), nil), nil
}

// Decode reverses Encode. A truncated or malformed blob fails with a
// DecodeError and never returns a partial map.
func Decode(blob []byte) (parammap.ParameterMap, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, flerrors.Wrap(flerrors.KindDecodeError, "create zstd decoder", err)
	}
	defer dec.Close()

	body, err := dec.DecodeAll(blob, nil)
	if err != nil {
		return nil, flerrors.Wrap(flerrors.KindDecodeError, "zstd decompress", err)
	}

	r := bytes.NewReader(body)
	var gotMagic uint32
	if err := binary.Read(r, binary.LittleEndian, &gotMagic); err != nil {
		return nil, flerrors.Wrap(flerrors.KindDecodeError, "read magic", err)
	}
	if gotMagic != magic {
		return nil, flerrors.New(flerrors.KindDecodeError, "bad magic, not a tensor codec blob")
	}

	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, flerrors.Wrap(flerrors.KindDecodeError, "read count", err)
	}

	out := make(parammap.ParameterMap, count)
	for i := uint32(0); i < count; i++ {
		var nameLen uint16
		if err := binary.Read(r, binary.LittleEndian, &nameLen); err != nil {
			return nil, flerrors.Wrap(flerrors.KindDecodeError, "read name length", err)
		}
		nameBuf := make([]byte, nameLen)
		if _, err := io.ReadFull(r, nameBuf); err != nil {
			return nil, flerrors.Wrap(flerrors.KindDecodeError, "read name", err)
		}

		dtypeByte, err := r.ReadByte()
		if err != nil {
			return nil, flerrors.Wrap(flerrors.KindDecodeError, "read dtype", err)
		}
		ndimsByte, err := r.ReadByte()
		if err != nil {
			return nil, flerrors.Wrap(flerrors.KindDecodeError, "read ndims", err)
		}
		shape := make([]int, ndimsByte)
		for d := 0; d < int(ndimsByte); d++ {
			var dim int32
			if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
				return nil, flerrors.Wrap(flerrors.KindDecodeError, "read shape dim", err)
			}
			if dim < 0 {
				return nil, flerrors.New(flerrors.KindDecodeError, "negative shape dimension")
			}
			shape[d] = int(dim)
		}

		var dataLen uint32
		if err := binary.Read(r, binary.LittleEndian, &dataLen); err != nil {
			return nil, flerrors.Wrap(flerrors.KindDecodeError, "read data length", err)
		}
		data := make([]byte, dataLen)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, flerrors.Wrap(flerrors.KindDecodeError, "read data", err)
		}

		out[string(nameBuf)] = parammap.Tensor{
			DType: parammap.DType(dtypeByte),
			Shape: shape,
			Data:  data,
		}
	}
	return out, nil
}
