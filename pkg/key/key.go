package key

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"

	//nolint:staticcheck
	"golang.org/x/crypto/ripemd160"

	"github.com/treeverse/clusterkv/pkg/status"
)

const (
	DigestSize = 20
	// MaxNamespaceLength is the longest namespace name accepted by the server.
	MaxNamespaceLength = 31
	MaxSetLength       = 63
	// DefaultPartitions is the partition count of a namespace.
	DefaultPartitions = 4096
)

// user key particle types, as hashed into the digest
const (
	particleInteger = 1
	particleString  = 3
	particleBlob    = 4
)

type Digest [DigestSize]byte

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// PartitionID maps the digest to a partition of a namespace with the given
// partition count, which must be a power of two.
func (d Digest) PartitionID(partitions int) uint32 {
	return uint32(binary.LittleEndian.Uint16(d[0:2])) & uint32(partitions-1)
}

// Key addresses a single record. The digest is the content address used for
// placement; the user key is carried only to be echoed back or stored.
type Key struct {
	Namespace string
	Set       string
	// UserKey is one of int64, string or []byte. Nil for digest-only keys.
	UserKey   interface{}
	digest    Digest
	hasDigest bool
}

// New builds a key and computes its digest.
func New(namespace, set string, userKey interface{}) (*Key, error) {
	k := &Key{Namespace: namespace, Set: set, UserKey: normalize(userKey)}
	if err := k.ComputeDigest(); err != nil {
		return nil, err
	}
	return k, nil
}

// NewWithDigest builds a key from a digest computed elsewhere.
func NewWithDigest(namespace, set string, digest []byte) (*Key, error) {
	if err := validate(namespace, set); err != nil {
		return nil, err
	}
	if len(digest) != DigestSize {
		return nil, status.New(status.ErrParam, "digest must be %d bytes, got %d", DigestSize, len(digest))
	}
	k := &Key{Namespace: namespace, Set: set, hasDigest: true}
	copy(k.digest[:], digest)
	return k, nil
}

// MustNew is New for tests and constant keys.
func MustNew(namespace, set string, userKey interface{}) *Key {
	k, err := New(namespace, set, userKey)
	if err != nil {
		panic(err)
	}
	return k
}

func (k *Key) Digest() Digest {
	return k.digest
}

func (k *Key) HasDigest() bool {
	return k.hasDigest
}

// ComputeDigest derives the digest from set and user key if it was not set yet.
// A key that already carries a digest is left unchanged.
func (k *Key) ComputeDigest() error {
	if k.hasDigest {
		return nil
	}
	if err := validate(k.Namespace, k.Set); err != nil {
		return err
	}
	typ, data, err := userKeyBytes(normalize(k.UserKey))
	if err != nil {
		return err
	}
	h := ripemd160.New()
	_, _ = h.Write([]byte(k.Set))
	_, _ = h.Write([]byte{typ})
	_, _ = h.Write(data)
	copy(k.digest[:], h.Sum(nil))
	k.hasDigest = true
	return nil
}

func (k *Key) String() string {
	if k.UserKey != nil {
		return fmt.Sprintf("%s:%s:%v:%s", k.Namespace, k.Set, k.UserKey, k.digest)
	}
	return fmt.Sprintf("%s:%s::%s", k.Namespace, k.Set, k.digest)
}

// UserKeyParticle returns the wire particle type and bytes of the user key.
func (k *Key) UserKeyParticle() (byte, []byte, error) {
	return userKeyBytes(normalize(k.UserKey))
}

func validate(namespace, set string) error {
	if namespace == "" || len(namespace) > MaxNamespaceLength {
		return status.New(status.ErrParam, "namespace %q must be 1-%d characters", namespace, MaxNamespaceLength)
	}
	if len(set) > MaxSetLength {
		return status.New(status.ErrParam, "set %q longer than %d characters", set, MaxSetLength)
	}
	return nil
}

func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case int:
		return int64(t)
	case int32:
		return int64(t)
	case int16:
		return int64(t)
	case int8:
		return int64(t)
	case uint32:
		return int64(t)
	case uint16:
		return int64(t)
	case uint8:
		return int64(t)
	}
	return v
}

func userKeyBytes(v interface{}) (byte, []byte, error) {
	switch t := v.(type) {
	case int64:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(t))
		return particleInteger, b[:], nil
	case uint64:
		if t > math.MaxInt64 {
			return 0, nil, status.New(status.ErrParam, "user key %d overflows int64", t)
		}
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], t)
		return particleInteger, b[:], nil
	case string:
		return particleString, []byte(t), nil
	case []byte:
		return particleBlob, t, nil
	case nil:
		return 0, nil, status.New(status.ErrParam, "key has neither digest nor user key")
	default:
		return 0, nil, status.New(status.ErrParam, "unsupported user key type %T", v)
	}
}
