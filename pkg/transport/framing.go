package transport

import (
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/hearthkit/hearthd/pkg/log"
)

const (
	// MaxFramePayload is the largest plaintext carried by one frame.
	MaxFramePayload = 1024

	// LengthPrefixSize is the size of the little-endian length prefix.
	LengthPrefixSize = 2

	// TagSize is the Poly1305 authenticator length.
	TagSize = chacha20poly1305.Overhead

	// ReplayWindow is how many counters ahead of the expected one a failed
	// frame is tried against to tell reordering from corruption.
	ReplayWindow = 1024
)

var (
	// ErrReplayDetected means an inbound frame repeated one already accepted.
	ErrReplayDetected = errors.New("transport: replay detected")

	// ErrSessionCorrupted means an inbound frame failed authentication or
	// was malformed.
	ErrSessionCorrupted = errors.New("transport: session corrupted")

	// ErrCounterExhausted is returned when a direction's nonce counter
	// would wrap.
	ErrCounterExhausted = errors.New("transport: nonce counter exhausted")
)

// IsFatal reports whether err must end the connection.
func IsFatal(err error) bool {
	return errors.Is(err, ErrReplayDetected) || errors.Is(err, ErrSessionCorrupted)
}

func frameNonce(counter uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.LittleEndian.PutUint64(nonce[4:], counter)
	return nonce
}

// FrameWriter seals plaintext into frames. Safe for concurrent use, though
// Conn serializes whole messages itself.
type FrameWriter struct {
	w       io.Writer
	aead    cipher.AEAD
	counter uint64
	mu      sync.Mutex

	logger log.Logger
	connID string
}

// NewFrameWriter creates a writer that encrypts with key.
func NewFrameWriter(w io.Writer, key []byte) (*FrameWriter, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("frame writer: %w", err)
	}
	return &FrameWriter{w: w, aead: aead, logger: log.NoopLogger{}}, nil
}

// SetLogger attaches a protocol logger. Nil disables logging.
func (fw *FrameWriter) SetLogger(logger log.Logger, connID string) {
	fw.logger = log.OrNoop(logger)
	fw.connID = connID
}

// Write splits p into frames of at most MaxFramePayload bytes.
func (fw *FrameWriter) Write(p []byte) (int, error) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	written := 0
	for len(p) > 0 {
		n := min(len(p), MaxFramePayload)
		if err := fw.writeFrame(p[:n]); err != nil {
			return written, err
		}
		written += n
		p = p[n:]
	}
	return written, nil
}

func (fw *FrameWriter) writeFrame(plain []byte) error {
	if fw.counter == math.MaxUint64 {
		return ErrCounterExhausted
	}

	frame := make([]byte, LengthPrefixSize, LengthPrefixSize+len(plain)+TagSize)
	binary.LittleEndian.PutUint16(frame, uint16(len(plain)))
	frame = fw.aead.Seal(frame, frameNonce(fw.counter), plain, frame[:LengthPrefixSize])

	if _, err := fw.w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	fw.logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: fw.connID,
		Direction:    log.DirectionOut,
		Layer:        log.LayerTransport,
		Category:     log.CategoryMessage,
		Frame:        log.NewFrameEvent(frame, true, fw.counter),
	})
	fw.counter++
	return nil
}

// acceptedFrames maps a digest of every frame opened on this reader to its
// counter. Counters are strictly sequential, so any frame seen again is a
// replay however long ago it was accepted.
type acceptedFrames map[uint64]uint64

func frameDigest(frame []byte) uint64 {
	plain, err := fr.open(frame, fr.counter)
	if err != nil {
		return nil, fr.fail(fr.classify(frame))
	}
	if fr.counter == math.MaxUint64 {
		return nil, fr.fail(ErrCounterExhausted)
	}
	fr.seen.add(frame, fr.counter)
	fr.counter++
	return plain, nil
}

func (fr *FrameReader) open(frame []byte, counter uint64) ([]byte, error) {
	return fr.aead.Open(nil, frameNonce(counter), frame[LengthPrefixSize:], frame[:LengthPrefixSize])
}

// classify names a frame that did not open at the expected counter. A frame
// accepted before, or one sealed under a later counter, is a replay; anything
// else is corruption.
func (fr *FrameReader) classify(frame []byte) error {
	if prev, ok := fr.seen.lookup(frame); ok {
		return fmt.Errorf("%w: frame repeats counter %d (expected %d)", ErrReplayDetected, prev, fr.counter)
	}
	for ahead := uint64(1); ahead <= ReplayWindow; ahead++ {
		c := fr.counter + ahead
		if c < fr.counter {
			break
		}
		if _, err := fr.open(frame, c); err == nil {
			return fmt.Errorf("%w: frame sealed for counter %d arrived at %d", ErrReplayDetected, c, fr.counter)
		}
	}
	return fmt.Errorf("%w: authentication failed at counter %d", ErrSessionCorrupted, fr.counter)
}

func (fr *FrameReader) fail(err error) error {
	fr.err = err
	return err
}
