// Package mask loads the obfuscation mask and applies the reversible packet
// transform used by both ends of a udpmask tunnel.
package mask

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
)

// MaxMaskSize bounds the size of a mask file.
const MaxMaskSize = 64 * 1024

var (
	ErrInvalidMode  = errors.New("mask: invalid mode")
	ErrEmptyMask    = errors.New("mask: empty mask")
	ErrMaskTooLarge = errors.New("mask: mask too large")
)

// Mode selects which end of the tunnel this process is.
type Mode int

const (
	ModeNone Mode = iota
	ModeServer
	ModeClient
)

func (m Mode) String() string {
	switch m {
	case ModeServer:
		return "server"
	case ModeClient:
		return "client"
	}
	return "none"
}

// ParseMode accepts "server" or "client".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "server":
		return ModeServer, nil
	case "client":
		return ModeClient, nil
	}
	return ModeNone, fmt.Errorf("%w: %q", ErrInvalidMode, s)
}

// Algorithm selects how the mask bytes are turned into a keystream.
type Algorithm string

const (
	AlgoXOR      Algorithm = "xor"
	AlgoChaCha20 Algorithm = "chacha20"
)

// Mask holds the keystream prefix applied to every packet. The keystream is
// the same for every packet, which makes Transform an involution: applying it
// twice restores the input. Both directions of a tunnel therefore use the same
// function and Mode only has to be valid.
type Mask struct {
	algo Algorithm
	key  []byte
	// stream is the precomputed chacha20 keystream, grown on demand.
	stream []byte
}

// New builds a mask from raw key bytes.
func New(key []byte, algo Algorithm) (*Mask, error) {
	if len(key) == 0 {
		return nil, ErrEmptyMask
	}
	if len(key) > MaxMaskSize {
		return nil, ErrMaskTooLarge
	}
	m := &Mask{algo: algo, key: append([]byte(nil), key...)}
	switch algo {
	case AlgoXOR, "":
		m.algo = AlgoXOR
	case AlgoChaCha20:
		if err := m.expand(MaxMaskSize); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("mask: unknown algorithm %q", algo)
	}
	return m, nil
}

// Load reads a mask file. One trailing newline is ignored so masks written
// with a text editor behave like the same bytes written with printf.
func Load(path string, algo Algorithm) (*Mask, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	// Room for the largest mask, a trailing "\r\n" and one byte to detect overflow.
	b, err := io.ReadAll(io.LimitReader(f, MaxMaskSize+3))
	if err != nil {
		return nil, err
	}
	if len(b) > MaxMaskSize+2 {
		return nil, ErrMaskTooLarge
	}
	if bytes.HasSuffix(b, []byte("\n")) {
		b = bytes.TrimSuffix(b[:len(b)-1], []byte("\r"))
	}
	return New(b, algo)
}

// Algorithm reports the keystream algorithm in use.
func (m *Mask) Algorithm() Algorithm { return m.algo }

func (m *Mask) expand(n int) error {
	kdf := hkdf.New(sha256.New, m.key, nil, []byte("udpmask chacha20"))
	k := make([]byte, chacha20.KeySize)
	if _, err := io.ReadFull(kdf, k); err != nil {
		return err
	}
	c, err := chacha20.NewUnauthenticatedCipher(k, make([]byte, chacha20.NonceSize))
	if err != nil {
		return err
	}
	m.stream = make([]byte, n)
	c.XORKeyStream(m.stream, m.stream)
	return nil
}

// Transform writes the transformed packet in into out and returns the number
// of bytes written. It never writes past len(out); a packet longer than out is
// truncated. When limit >= 0 only the first limit bytes are transformed and
// the remainder is copied through. out may alias in.
func (m *Mask) Transform(mode Mode, in, out []byte, limit int) (int, error) {
	if mode != ModeServer && mode != ModeClient {
		return 0, ErrInvalidMode
	}
	n := len(in)
	if n > len(out) {
		n = len(out)
	}
	masked := n
	if limit >= 0 && limit < masked {
		masked = limit
	}
	copy(out[:n], in[:n])
	switch m.algo {
	case AlgoChaCha20:
		// The keystream repeats past MaxMaskSize; packets that long are not
		// expected on a UDP path but must not overrun it.
		for i := 0; i < masked; i++ {
			out[i] ^= m.stream[i%len(m.stream)]
		}
	default:
		k := m.key
		for i := 0; i < masked; i++ {
			out[i] ^= k[i%len(k)]
		}
	}
	return n, nil
}
