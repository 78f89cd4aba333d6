// Package hecodec implements C2, the pluggable homomorphic-encryption
// codec. Per spec.md §4.2 and §9, the actual HE cryptographic primitive is
// out of scope and treated as an opaque, swappable codec; the reference
// implementation here is a pass-through built on the tensor codec plus an
// envelope tag, exactly as spec.md allows. Swapping in a real HE library
// changes no other component, since Orchestrator only ever calls Decrypt.
package hecodec

import (
	"bytes"
	"encoding/binary"

	"github.com/flcs/coordinator/src/flerrors"
	"github.com/flcs/coordinator/src/parammap"
	"github.com/flcs/coordinator/src/tensorcodec"
)

var envelopeTag = []byte("FLHE")

// Codec is the HE codec interface the orchestrator depends on. A real HE
// backend (e.g. Paillier, CKKS) implements this same interface.
type Codec interface {
	Encrypt(m parammap.ParameterMap) ([]byte, error)
	Decrypt(blob []byte) (parammap.ParameterMap, error)
}

// PassThrough is the reference Codec: it "hides structure at rest" only in
// the sense that the payload is tagged as opaque ciphertext; it does not
// perform real encryption. It exists so FLCS can compile, test, and run
// end-to-end without embedding a cryptographic library.
type PassThrough struct{}

// New returns the reference pass-through codec.
func New() *PassThrough { return &PassThrough{} }

func (PassThrough) Encrypt(m parammap.ParameterMap) ([]byte, error) {
	encoded, err := tensorcodec.Encode(m)
	if err != nil {
		return nil, flerrors.Wrap(flerrors.KindPrivacyDecodeError, "encode parameter map before HE wrap", err)
	}
	var buf bytes.Buffer
	buf.Write(envelopeTag)
	binary.Write(&buf, binary.LittleEndian, uint32(len(encoded)))
	buf.Write(encoded)
	return buf.Bytes(), nil
}

// Decrypt is the only HE operation the server ever calls (spec.md §4.2: "the
// server-side only ever calls decrypt"). On failure it raises
// PrivacyDecodeError; the caller (orchestrator) discards the update without
// counting it against quorum.
func (PassThrough) Decrypt(blob []byte) (parammap.ParameterMap, error) {
	if len(blob) < len(envelopeTag)+4 || !bytes.Equal(blob[:len(envelopeTag)], envelopeTag) {
		return nil, flerrors.New(flerrors.KindPrivacyDecodeError, "not a valid HE envelope")
	}
	rest := blob[len(envelopeTag):]
	length := binary.LittleEndian.Uint32(rest[:4])
	payload := rest[4:]
	if uint32(len(payload)) != length {
		return nil, flerrors.New(flerrors.KindPrivacyDecodeError, "HE envelope length mismatch")
	}
	m, err := tensorcodec.Decode(payload)
	if err != nil {
		return nil, flerrors.Wrap(flerrors.KindPrivacyDecodeError, "decode HE payload", err)
	}
	return m, nil
}
