package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/tinylib/msgp/msgp"
)

var (
	ErrMalformed       = errors.New("malformed message")
	ErrUnsupportedType = errors.New("unsupported value type")
)

// Particle is a value encoded for the wire.
type Particle struct {
	Type ParticleType
	Data []byte
}

// EncodeValue converts a bin or argument value to its particle. Lists and maps
// are carried as msgpack.
func EncodeValue(v interface{}) (Particle, error) {
	switch t := v.(type) {
	case nil:
		return Particle{Type: ParticleNil}, nil
	case int:
		return intParticle(int64(t)), nil
	case int64:
		return intParticle(t), nil
	case int32:
		return intParticle(int64(t)), nil
	case uint32:
		return intParticle(int64(t)), nil
	case uint64:
		if t > math.MaxInt64 {
			return Particle{}, fmt.Errorf("%w: %d overflows int64", ErrUnsupportedType, t)
		}
		return intParticle(int64(t)), nil
	case float64:
		data := make([]byte, 8)
		binary.BigEndian.PutUint64(data, math.Float64bits(t))
		return Particle{Type: ParticleFloat, Data: data}, nil
	case bool:
		data := []byte{0}
		if t {
			data[0] = 1
		}
		return Particle{Type: ParticleBool, Data: data}, nil
	case string:
		return Particle{Type: ParticleString, Data: []byte(t)}, nil
	case []byte:
		return Particle{Type: ParticleBlob, Data: t}, nil
	case []interface{}:
		data, err := msgp.AppendIntf(nil, t)
		if err != nil {
			return Particle{}, fmt.Errorf("encode list: %w", err)
		}
		return Particle{Type: ParticleList, Data: data}, nil
	case map[string]interface{}:
		data, err := msgp.AppendIntf(nil, t)
		if err != nil {
			return Particle{}, fmt.Errorf("encode map: %w", err)
		}
		return Particle{Type: ParticleMap, Data: data}, nil
	}
	return Particle{}, fmt.Errorf("%w: %T", ErrUnsupportedType, v)
}

func intParticle(v int64) Particle {
	data := make([]byte, 8)
	binary.BigEndian.PutUint64(data, uint64(v))
	return Particle{Type: ParticleInteger, Data: data}
}

// DecodeValue converts a particle read from the wire to a Go value.
func DecodeValue(typ ParticleType, data []byte) (interface{}, error) {
	switch typ {
	case ParticleNil:
		return nil, nil
	case ParticleInteger:
		if len(data) != 8 {
			return nil, fmt.Errorf("%w: integer of %d bytes", ErrMalformed, len(data))
		}
		return int64(binary.BigEndian.Uint64(data)), nil
	case ParticleFloat:
		if len(data) != 8 {
			return nil, fmt.Errorf("%w: float of %d bytes", ErrMalformed, len(data))
		}
		return math.Float64frombits(binary.BigEndian.Uint64(data)), nil
	case ParticleBool:
		if len(data) != 1 {
			return nil, fmt.Errorf("%w: bool of %d bytes", ErrMalformed, len(data))
		}
		return data[0] != 0, nil
	case ParticleString:
		return string(data), nil
	case ParticleList, ParticleMap:
		v, _, err := msgp.ReadIntfBytes(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrMalformed, err)
		}
		return v, nil
	default:
		b := make([]byte, len(data))
		copy(b, data)
		return b, nil
	}
}

// EncodeArgs packs UDF arguments into a msgpack array.
func EncodeArgs(args []interface{}) ([]byte, error) {
	data := msgp.AppendArrayHeader(nil, uint32(len(args)))
	for i, arg := range args {
		var err error
		data, err = msgp.AppendIntf(data, arg)
		if err != nil {
			return nil, fmt.Errorf("encode argument %d: %w", i, err)
		}
	}
	return data, nil
}

// DecodeArgs reverses EncodeArgs.
func DecodeArgs(data []byte) ([]interface{}, error) {
	n, rest, err := msgp.ReadArrayHeaderBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformed, err)
	}
	args := make([]interface{}, 0, n)
	for i := uint32(0); i < n; i++ {
		var v interface{}
		v, rest, err = msgp.ReadIntfBytes(rest)
		if err != nil {
			return nil, fmt.Errorf("%w: argument %d: %s", ErrMalformed, i, err)
		}
		args = append(args, v)
	}
	return args, nil
}
