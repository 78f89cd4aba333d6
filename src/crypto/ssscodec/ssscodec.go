// Package ssscodec implements C3: a Shamir (k, N) secret-sharing split and
// reconstruct over a prime field, operating on fixed-size byte chunks of a
// tensor-codec-encoded ParameterMap. The cryptographic primitive (Shamir
// interpolation) is the one piece of real math this package owns; the
// broader homomorphic/Shamir cryptographic protocol design is explicitly
// out of scope per spec.md §1 — this is the "straightforward prime-field
// Shamir on small fixed-size chunks" spec.md §9 explicitly sanctions as a
// reference implementation.
package ssscodec

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/flcs/coordinator/src/flerrors"
	"github.com/flcs/coordinator/src/parammap"
	"github.com/flcs/coordinator/src/tensorcodec"
)

// ChunkSize is the fixed byte width of each secret chunk, matching the
// source's 3-byte-chunk reference Shamir implementation (spec.md §9).
const ChunkSize = 3

// prime is a 26-bit prime (2^25 + 35) safely larger than 2^(8*ChunkSize) = 2^24, as
// required by spec.md §4.3.
var prime = big.NewInt(33554467) // > 2^25 > 2^24

// SharePoint is one (x, y) point on the degree-(k-1) polynomial for a
// single chunk.
type SharePoint struct {
	ChunkIndex int
	X         int64
	Y         *big.Int
}

// Bundle is one of the N self-describing blobs produced by Split. Bundles
// from different clients MUST NOT be mixed (spec.md §4.3): Reconstruct
// takes a single client's set of bundles.
type Bundle struct {
	ShareIndex int
	TotalLen   int // L: total original byte length, validated on reconstruct
	Points     []SharePoint
}

// Split divides a tensor-codec-encoded ParameterMap into N share bundles
// with threshold k: any k of them suffice to reconstruct, fewer than k
// bundles carry (information-theoretically) zero information about any
// chunk, because each chunk's polynomial uses independently randomized
// coefficients.
func Split(m parammap.ParameterMap, k, n int) ([]Bundle, error) {
	if k < 1 || n < k {
		return nil, fmt.Errorf("ssscodec: invalid (k=%d, n=%d)", k, n)
	}

	encoded, err := tensorcodec.Encode(m)
	if err != nil {
		return nil, fmt.Errorf("ssscodec: encode parameter map: %w", err)
	}

	bundles := make([]Bundle, n)
	for i := range bundles {
		bundles[i] = Bundle{ShareIndex: i + 1, TotalLen: len(encoded)}
	}

	numChunks := (len(encoded) + ChunkSize - 1) / ChunkSize
	for c := 0; c < numChunks; c++ {
		start := c * ChunkSize
		end := start + ChunkSize
		chunk := make([]byte, ChunkSize)
		if end > len(encoded) {
			end = len(encoded)
		}
		copy(chunk, encoded[start:end])

		secret := bytesToBig(chunk)
		coeffs := make([]*big.Int, k)
		coeffs[0] = secret
		for j := 1; j < k; j++ {
			coeff, err := rand.Int(rand.Reader, prime)
			if err != nil {
				return nil, fmt.Errorf("ssscodec: generate random coefficient: %w", err)
			}
			coeffs[j] = coeff
		}

		for i := 0; i < n; i++ {
			x := int64(i + 1)
			y := evalPoly(coeffs, x, prime)
			bundles[i].Points = append(bundles[i].Points, SharePoint{
				ChunkIndex: c,
				X:          x,
				Y:          y,
			})
		}
	}

	return bundles, nil
}

// Reconstruct rebuilds the ParameterMap from at least k bundles belonging
// to the same split. For each chunk index it selects k distinct share
// points and performs Lagrange interpolation modulo prime to recover the
// constant term (the original chunk bytes).
func Reconstruct(bundles []Bundle, k int) (parammap.ParameterMap, error) {
	if len(bundles) < k {
		return nil, flerrors.New(flerrors.KindReconstructError, fmt.Sprintf("need >= %d bundles, got %d", k, len(bundles)))
	}

	totalLen := bundles[0].TotalLen
	for _, b := range bundles[1:] {
		if b.TotalLen != totalLen {
			return nil, flerrors.New(flerrors.KindReconstructError, "bundles disagree on total length; bundles from different clients must not be mixed")
		}
	}

	chosen := bundles[:k]

	byChunk := make(map[int][]SharePoint)
	for _, b := range chosen {
		for _, p := range b.Points {
			byChunk[p.ChunkIndex] = append(byChunk[p.ChunkIndex], p)
		}
	}

	numChunks := (totalLen + ChunkSize - 1) / ChunkSize
	out := make([]byte, 0, numChunks*ChunkSize)
	for c := 0; c < numChunks; c++ {
		points, ok := byChunk[c]
		if !ok || len(points) < k {
			return nil, flerrors.New(flerrors.KindReconstructError, fmt.Sprintf("missing shares for chunk %d", c))
		}
		secret := lagrangeInterpolateAtZero(points[:k], prime)
		out = append(out, bigToBytes(secret, ChunkSize)...)
	}

	if len(out) < totalLen {
		return nil, flerrors.New(flerrors.KindReconstructError, "reconstructed length shorter than recorded total length")
	}
	out = out[:totalLen]

	m, err := tensorcodec.Decode(out)
	if err != nil {
		return nil, flerrors.Wrap(flerrors.KindReconstructError, "decode reconstructed parameter map", err)
	}
	return m, nil
}

func evalPoly(coeffs []*big.Int, x int64, mod *big.Int) *big.Int {
	result := big.NewInt(0)
	xBig := big.NewInt(x)
	power := big.NewInt(1)
	tmp := new(big.Int)
	for _, c := range coeffs {
		tmp.Mul(c, power)
		result.Add(result, tmp)
		result.Mod(result, mod)
		power.Mul(power, xBig)
		power.Mod(power, mod)
	}
	return result
}

// lagrangeInterpolateAtZero recovers f(0) given exactly len(points) points
// on a polynomial of that same degree, modulo mod.
func lagrangeInterpolateAtZero(points []SharePoint, mod *big.Int) *big.Int {
	result := big.NewInt(0)
	for i, pi := range points {
		numerator := big.NewInt(1)
		denominator := big.NewInt(1)
		xi := big.NewInt(pi.X)
		for j, pj := range points {
			if i == j {
				continue
			}
			xj := big.NewInt(pj.X)
			// numerator *= (0 - xj) = -xj
			negXj := new(big.Int).Neg(xj)
			negXj.Mod(negXj, mod)
			numerator.Mul(numerator, negXj)
			numerator.Mod(numerator, mod)

			// denominator *= (xi - xj)
			diff := new(big.Int).Sub(xi, xj)
			diff.Mod(diff, mod)
			denominator.Mul(denominator, diff)
			denominator.Mod(denominator, mod)
		}
		denomInv := new(big.Int).ModInverse(denominator, mod)
		term := new(big.Int).Mul(pi.Y, numerator)
		term.Mul(term, denomInv)
		term.Mod(term, mod)
		result.Add(result, term)
		result.Mod(result, mod)
	}
	result.Mod(result, mod)
	return result
}

func bytesToBig(b []byte) *big.Int {
	return new(big.Int).SetBytes(b)
}

func bigToBytes(v *big.Int, width int) []byte {
	b := v.Bytes()
	if len(b) >= width {
		return b[len(b)-width:]
	}
	out := make([]byte, width)
	copy(out[width-len(b):], b)
	return out
}
