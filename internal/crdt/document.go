package crdt

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrInvalidUpdate indicates that an update payload could not be decoded.
	ErrInvalidUpdate = errors.New("crdt: invalid update")
	// ErrEmptyOperation indicates that an operation payload was empty.
	ErrEmptyOperation = errors.New("crdt: empty operation")
)

// maxOperationLength bounds a single operation frame so a corrupt length
// prefix cannot trigger an oversized allocation.
const maxOperationLength = 16 << 20

// Document is a mergeable operation-set document. An update is a container
// of operation frames; applying the same operation twice is a no-op, and the
// encoded state is independent of the order in which updates arrived, so any
// two replicas that have seen the same set of updates encode identical bytes.
//
// Document is not safe for concurrent use. The owning room serializes all
// access.
type Document struct {
	operations map[string][]byte
}

// NewDocument returns an empty document.
func NewDocument() *Document {
	return &Document{operations: make(map[string][]byte)}
}

// ApplyUpdate decodes the update container and folds every unseen operation
// into the document. A malformed container leaves the document unchanged.
func (d *Document) ApplyUpdate(update []byte) error {
	frames, err := decodeFrames(update)
	if err != nil {
		return err
	}
	for _, frame := range frames {
		d.operations[operationHash(frame)] = frame
	}
	return nil
}

// EncodeStateAsUpdate encodes the full document state as a single update
// container that a fresh document can apply to reach the same state.
func (d *Document) EncodeStateAsUpdate() []byte {
	hashes := make([]string, 0, len(d.operations))
	for hash := range d.operations {
		hashes = append(hashes, hash)
	}
	sort.Strings(hashes)

	frames := make([][]byte, 0, len(hashes))
	for _, hash := range hashes {
		frames = append(frames, d.operations[hash])
	}
	return encodeFrames(frames)
}

// OperationCount reports how many distinct operations the document holds.
func (d *Document) OperationCount() int {
	return len(d.operations)
}

// EncodeOperations packs raw operation payloads into an update container.
func EncodeOperations(operations ...[]byte) ([]byte, error) {
	for _, operation := range operations {
		if len(operation) == 0 {
			return nil, ErrEmptyOperation
		}
	}
	return encodeFrames(operations), nil
}

func encodeFrames(frames [][]byte) []byte {
	size := 0
	for _, frame := range frames {
		size += 4 + len(frame)
	}
	encoded := make([]byte, 0, size)
	var length [4]byte
	for _, frame := range frames {
		binary.BigEndian.PutUint32(length[:], uint32(len(frame)))
		encoded = append(encoded, length[:]...)
		encoded = append(encoded, frame...)
	}
	return encoded
}

func decodeFrames(update []byte) ([][]byte, error) {
	frames := make([][]byte, 0, 4)
	remaining := update
	for len(remaining) > 0 {
		if len(remaining) < 4 {
			return nil, fmt.Errorf("%w: truncated length prefix", ErrInvalidUpdate)
		}
		length := binary.BigEndian.Uint32(remaining[:4])
		remaining = remaining[4:]
		if length == 0 {
			return nil, fmt.Errorf("%w: zero-length operation", ErrInvalidUpdate)
		}
		if length > maxOperationLength {
			return nil, fmt.Errorf("%w: operation exceeds %d bytes", ErrInvalidUpdate, maxOperationLength)
		}
		if uint32(len(remaining)) < length {
			return nil, fmt.Errorf("%w: truncated operation", ErrInvalidUpdate)
		}
		frame := make([]byte, length)
		copy(frame, remaining[:length])
		frames = append(frames, frame)
		remaining = remaining[length:]
	}
	return frames, nil
}

func operationHash(operation []byte) string {
	sum := sha256.Sum256(operation)
	return hex.EncodeToString(sum[:])
}
