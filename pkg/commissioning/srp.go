package commissioning

import (
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
)

// SRP-6a constants.
const (
	// SRPUsername is the fixed identity used by Pair-Setup.
	SRPUsername = "Pair-Setup"

	// SaltSize is the size of the verifier salt in bytes.
	SaltSize = 16

	// srpPrivateSize is the size of the random private exponents in bytes.
	srpPrivateSize = 32
)

// SRP errors.
var (
	ErrInvalidPublicKey = errors.New("invalid public key")
	ErrProofMismatch    = errors.New("proof mismatch")
)

// The 3072-bit group from RFC 5054 appendix A, generator 5.
var (
	srpN = mustHexBigInt("" +
		"FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E08" +
		"8A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B" +
		"302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9" +
		"A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C4B1FE6" +
		"49286651ECE45B3DC2007CB8A163BF0598DA48361C55D39A69163FA8" +
		"FD24CF5F83655D23DCA3AD961C62F356208552BB9ED529077096966D" +
		"670C354E4ABC9804F1746C08CA18217C32905E462E36CE3BE39E772C" +
		"180E86039B2783A2EC07A28FB5C55DF06F4C52C9DE2BCBF695581718" +
		"3995497CEA956AE515D2261898FA051015728E5A8AAAC42DAD33170D" +
		"04507A33A85521ABDF1CBA64ECFB850458DBEF0A8AEA71575D060C7D" +
		"B3970F85A6E1E4C7ABF5AE8CDB0933D71E8C94E04A25619DCEE3D226" +
		"1AD2EE6BF12FFA06D98A0864D87602733EC86A64521F2B18177B200C" +
		"BBE117577A615D6C770988C0BAD946E208E24FA074E5AB3143DB5BFC" +
		"E0FD108E4B82D120A93AD2CAFFFFFFFFFFFFFFFF")
	srpG = big.NewInt(5)

	srpNLen = len(srpN.Bytes())

	// k = H(N | PAD(g))
	srpK = new(big.Int).SetBytes(srpHash(srpN.Bytes(), pad(srpG)))
)

// mustHexBigInt parses a hex string to big.Int or panics.
func mustHexBigInt(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 16)
	if !ok {
		panic("invalid hex string: " + s)
	}
	return n
}

func srpHash(parts ...[]byte) []byte {
	h := sha512.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// pad left-pads x to the byte length of N.
func pad(x *big.Int) []byte {
	b := x.Bytes()
	if len(b) >= srpNLen {
		return b
	}
	out := make([]byte, srpNLen)
	copy(out[srpNLen-len(b):], b)
	return out
}

func randomScalar() (*big.Int, error) {
	buf := make([]byte, srpPrivateSize)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("failed to generate SRP secret: %w", err)
	}
	return new(big.Int).SetBytes(buf), nil
}

// computeX returns x = H(s | H(I | ":" | P)).
func computeX(salt, username, password []byte) *big.Int {
	inner := srpHash(username, []byte(":"), password)
	return new(big.Int).SetBytes(srpHash(salt, inner))
}

// computeU returns u = H(PAD(A) | PAD(B)).
func computeU(A, B *big.Int) *big.Int {
	return new(big.Int).SetBytes(srpHash(pad(A), pad(B)))
}

// clientProof returns M1 = H(H(N) xor H(g) | H(I) | s | A | B | K).
func clientProof(username, salt []byte, A, B *big.Int, key []byte) []byte {
	hN := srpHash(srpN.Bytes())
	hG := srpHash(srpG.Bytes())
	for i := range hN {
		hN[i] ^= hG[i]
	}
	return srpHash(hN, srpHash(username), salt, pad(A), pad(B), key)
}

// serverProof returns M2 = H(A | M1 | K).
func serverProof(A *big.Int, m1, key []byte) []byte {
	return srpHash(pad(A), m1, key)
}

// SRPServer is the accessory side of SRP-6a.
type SRPServer struct {
	username []byte
	salt     []byte
	v        *big.Int
	b        *big.Int
	B        *big.Int

	A   *big.Int
	key []byte
	m1  []byte
}

// NewSRPServer creates a verifier for password with a fresh salt and key pair.
func NewSRPServer(username, password []byte) (*SRPServer, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	x := computeX(salt, username, password)
	v := new(big.Int).Exp(srpG, x, srpN)

	b, err := randomScalar()
	if err != nil {
		return nil, err
	}

	// B = (k*v + g^b) % N
	B := new(big.Int).Mul(srpK, v)
	B.Add(B, new(big.Int).Exp(srpG, b, srpN))
	B.Mod(B, srpN)

	return &SRPServer{
		username: username,
		salt:     salt,
		v:        v,
		b:        b,
		B:        B,
	}, nil
}

// Salt returns the verifier salt.
func (s *SRPServer) Salt() []byte { return s.salt }

// PublicKey returns B, padded to the group size.
func (s *SRPServer) PublicKey() []byte { return pad(s.B) }

// ProcessClientKey computes the session key from the controller's A.
func (s *SRPServer) ProcessClientKey(a []byte) error {
	A := new(big.Int).SetBytes(a)
	if new(big.Int).Mod(A, srpN).Sign() == 0 {
		return ErrInvalidPublicKey
	}
	u := computeU(A, s.B)
	if u.Sign() == 0 {
		return ErrInvalidPublicKey
	}

	// S = (A * v^u) ^ b % N
	S := new(big.Int).Exp(s.v, u, srpN)
	S.Mul(S, A)
	S.Mod(S, srpN)
	S.Exp(S, s.b, srpN)

	s.A = A
	s.key = srpHash(pad(S))
	s.m1 = clientProof(s.username, s.salt, A, s.B, s.key)
	return nil
}

// VerifyClientProof checks M1 in constant time.
func (s *SRPServer) VerifyClientProof(proof []byte) error {
	if s.m1 == nil {
		return ErrUnexpectedState
	}
	if subtle.ConstantTimeCompare(proof, s.m1) != 1 {
		return ErrProofMismatch
	}
	return nil
}

// Proof returns M2. Only meaningful after VerifyClientProof succeeded.
func (s *SRPServer) Proof() []byte {
	return serverProof(s.A, s.m1, s.key)
}

// SessionKey returns K.
func (s *SRPServer) SessionKey() []byte { return s.key }

// SRPClient is the controller side of SRP-6a.
type SRPClient struct {
	username []byte
	password []byte
	a        *big.Int
	A        *big.Int

	key []byte
	m1  []byte
	m2  []byte
}

// NewSRPClient creates a client key pair.
func NewSRPClient(username, password []byte) (*SRPClient, error) {
	a, err := randomScalar()
	if err != nil {
		return nil, err
	}
	return &SRPClient{
		username: username,
		password: password,
		a:        a,
		A:        new(big.Int).Exp(srpG, a, srpN),
	}, nil
}

// PublicKey returns A, padded to the group size.
func (c *SRPClient) PublicKey() []byte { return pad(c.A) }

// ProcessChallenge computes the session key from the salt and B.
func (c *SRPClient) ProcessChallenge(salt, b []byte) error {
	B := new(big.Int).SetBytes(b)
	if new(big.Int).Mod(B, srpN).Sign() == 0 {
		return ErrInvalidPublicKey
	}
	u := computeU(c.A, B)
	if u.Sign() == 0 {
		return ErrInvalidPublicKey
	}
	x := computeX(salt, c.username, c.password)

	// S = (B - k * g^x) ^ (a + u * x) % N
	base := new(big.Int).Exp(srpG, x, srpN)
	base.Mul(base, srpK)
	base.Sub(B, base)
	base.Mod(base, srpN)

	exp := new(big.Int).Mul(u, x)
	exp.Add(exp, c.a)

	S := new(big.Int).Exp(base, exp, srpN)

	c.key = srpHash(pad(S))
	c.m1 = clientProof(c.username, salt, c.A, B, c.key)
	c.m2 = serverProof(c.A, c.m1, c.key)
	return nil
}

// Proof returns M1.
func (c *SRPClient) Proof() []byte { return c.m1 }

// VerifyServerProof checks M2.
func (c *SRPClient) VerifyServerProof(proof []byte) error {
	if c.m2 == nil {
		return ErrUnexpectedState
	}
	if subtle.ConstantTimeCompare(proof, c.m2) != 1 {
		return ErrProofMismatch
	}
	return nil
}

// SessionKey returns K.
func (c *SRPClient) SessionKey() []byte { return c.key }
