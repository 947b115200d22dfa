// Package wire implements the binary program format: a CBOR envelope
// carrying a magic string, a format version and the program itself.
// Encoding is canonical, so equal programs encode to equal bytes and the
// SHA-256 of the encoding can serve as the program's content address.
package wire

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/chazu/govm/vm"
	"github.com/fxamacker/cbor/v2"
)

// Magic identifies an encoded program.
const Magic = "GOVM"

// Envelope is the top-level encoded object.
type Envelope struct {
	Magic   string      `cbor:"1,keyasint"`
	Version int         `cbor:"2,keyasint"`
	Program *vm.Program `cbor:"3,keyasint"`
}

var (
	// ErrBadMagic is returned for input that is not an encoded program.
	ErrBadMagic = errors.New("wire: not a govm program")

	// ErrVersion is returned for programs of an unsupported format version.
	ErrVersion = errors.New("wire: unsupported program version")
)

var (
	cborEncMode cbor.EncMode
	cborDecMode cbor.DecMode
)

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("wire: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em

	dm, err := cbor.DecOptions{
		MaxNestedLevels:  32,
		MaxArrayElements: 1 << 22,
		MaxMapPairs:      1 << 16,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("wire: failed to create CBOR dec mode: %v", err))
	}
	cborDecMode = dm
}

// Marshal encodes a program.
func Marshal(p *vm.Program) ([]byte, error) {
	if p == nil {
		return nil, errors.New("wire: nil program")
	}
	return cborEncMode.Marshal(&Envelope{Magic: Magic, Version: p.Version, Program: p})
}

// Unmarshal decodes and validates a program.
func Unmarshal(data []byte) (*vm.Program, error) {
	var env Envelope
	if err := cborDecMode.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("wire: unmarshal program: %w", err)
	}
	if env.Magic != Magic {
		return nil, ErrBadMagic
	}
	if env.Version != vm.ProgramVersion {
		return nil, fmt.Errorf("%w: %d", ErrVersion, env.Version)
	}
	if env.Program == nil {
		return nil, errors.New("wire: envelope has no program")
	}
	if err := env.Program.Validate(); err != nil {
		return nil, fmt.Errorf("wire: invalid program: %w", err)
	}
	return env.Program, nil
}

// Hash returns the content address of an encoded program.
func Hash(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// HashString renders a content address as lowercase hex.
func HashString(h [32]byte) string {
	return hex.EncodeToString(h[:])
}

// ParseHash parses a hex content address.
func ParseHash(s string) ([32]byte, error) {
	var h [32]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("wire: bad hash %q: %w", s, err)
	}
	if len(b) != len(h) {
		return h, fmt.Errorf("wire: bad hash %q: want %d bytes, got %d", s, len(h), len(b))
	}
	copy(h[:], b)
	return h, nil
}
