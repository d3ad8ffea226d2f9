package network

import (
	"encoding/binary"
	"errors"
	"math/rand"
	"reflect"
	"testing"
	"time"

	"github.com/danmuck/powerplant/internal/protocol/wire"
	"github.com/danmuck/powerplant/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func TestCodecPicksProtoForMessages(t *testing.T) {
	testlog.Start(t)
	codec, payload, err := encodeValue(wrapperspb.Int64(9))
	require.NoError(t, err)
	assert.Equal(t, wire.CodecProto, codec)

	v, err := decodeValue(codec, payload, func() any { return new(*wrapperspb.Int64Value) })
	require.NoError(t, err)
	msg, ok := v.(*wrapperspb.Int64Value)
	require.True(t, ok)
	assert.Equal(t, int64(9), msg.GetValue())
}

func TestCodecJSONRoundTrip(t *testing.T) {
	testlog.Start(t)
	codec, payload, err := encodeValue(reading{Sensor: "s1", Value: 3})
	require.NoError(t, err)
	assert.Equal(t, wire.CodecJSON, codec)

	v, err := decodeValue(codec, payload, func() any { return new(reading) })
	require.NoError(t, err)
	assert.Equal(t, reading{Sensor: "s1", Value: 3}, v)
}

// lossy would lose total and turn Extra into a float64 over JSON.
type lossy struct {
	Name  string
	total int
	Extra any
}

type stamped struct {
	At    time.Time
	Tags  map[string][]string
	Inner *reading
}

type counter struct {
	name  string
	total uint32
}

func (c counter) MarshalBinary() ([]byte, error) {
	b := binary.BigEndian.AppendUint32(nil, c.total)
	return append(b, c.name...), nil
}

func (c *counter) UnmarshalBinary(b []byte) error {
	if len(b) < 4 {
		return errors.New("short counter")
	}
	c.total = binary.BigEndian.Uint32(b)
	c.name = string(b[4:])
	return nil
}

func TestValidateWireType(t *testing.T) {
	testlog.Start(t)
	for _, v := range []any{reading{}, stamped{}, counter{}, wrapperspb.String(""), []reading{}, "text"} {
		assert.NoError(t, ValidateWireType(reflect.TypeOf(v)), "%T", v)
	}

	err := ValidateWireType(reflect.TypeOf(lossy{}))
	require.ErrorIs(t, err, ErrUnsupportedType)
	assert.ErrorIs(t, err, ErrCodec)
	assert.Contains(t, err.Error(), "lossy.total")

	type withAny struct{ Extra any }
	type tagged struct {
		Secret string `json:"-"`
	}
	type badKey struct{ M map[reading]int }
	type nested struct{ Items []withAny }
	for _, v := range []any{withAny{}, tagged{}, badKey{}, nested{}, make(chan int)} {
		assert.ErrorIs(t, ValidateWireType(reflect.TypeOf(v)), ErrUnsupportedType, "%T", v)
	}
	assert.ErrorIs(t, ValidateWireType(nil), ErrUnsupportedType)
}

func TestCodecRejectsLossyValues(t *testing.T) {
	testlog.Start(t)
	_, _, err := encodeValue(lossy{Name: "n", total: 3, Extra: 7})
	assert.ErrorIs(t, err, ErrUnsupportedType)
	_, _, err = encodeValue(nil)
	assert.ErrorIs(t, err, ErrUnsupportedType)
}

func TestCodecBinaryRoundTrip(t *testing.T) {
	testlog.Start(t)
	in := counter{name: "boiler", total: 42}
	codec, payload, err := encodeValue(in)
	require.NoError(t, err)
	assert.Equal(t, wire.CodecBinary, codec)

	v, err := decodeValue(codec, payload, func() any { return new(counter) })
	require.NoError(t, err)
	assert.Equal(t, in, v)

	_, err = decodeValue(wire.CodecBinary, payload, func() any { return new(reading) })
	assert.ErrorIs(t, err, ErrCodec)
	_, err = decodeValue(wire.CodecBinary, []byte{1}, func() any { return new(counter) })
	assert.ErrorIs(t, err, ErrCodec)
}

func TestCodecKeepsNestedValues(t *testing.T) {
	testlog.Start(t)
	in := stamped{
		At:    time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Tags:  map[string][]string{"zone": {"a", "b"}},
		Inner: &reading{Sensor: "s", Value: 2},
	}
	codec, payload, err := encodeValue(in)
	require.NoError(t, err)
	assert.Equal(t, wire.CodecJSON, codec)

	v, err := decodeValue(codec, payload, func() any { return new(stamped) })
	require.NoError(t, err)
	out, ok := v.(stamped)
	require.True(t, ok)
	assert.True(t, in.At.Equal(out.At))
	assert.Equal(t, in.Tags, out.Tags)
	assert.Equal(t, in.Inner, out.Inner)
}

func TestCodecErrors(t *testing.T) {
	testlog.Start(t)
	_, err := decodeValue(wire.CodecJSON, []byte("{}"), nil)
	assert.ErrorIs(t, err, ErrNoDecoder)

	_, err = decodeValue(wire.CodecJSON, []byte("{}"), func() any { return reading{} })
	assert.ErrorIs(t, err, ErrCodec)

	_, err = decodeValue(wire.CodecJSON, []byte("{"), func() any { return new(reading) })
	assert.ErrorIs(t, err, ErrCodec)

	_, err = decodeValue(wire.CodecProto, []byte{0x08, 0x01}, func() any { return new(reading) })
	assert.ErrorIs(t, err, ErrCodec)

	_, err = decodeValue(wire.Codec(9), nil, func() any { return new(reading) })
	assert.ErrorIs(t, err, ErrCodec)

	_, _, err = encodeValue(make(chan int))
	assert.ErrorIs(t, err, ErrCodec)
}

func TestConfigDefaults(t *testing.T) {
	testlog.Start(t)
	cfg := Config{Name: " plant "}.WithDefaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "plant", cfg.Name)
	assert.Equal(t, DefaultGroup, cfg.Group)
	assert.Equal(t, 3, cfg.TimeoutMultiplier)
	assert.Equal(t, 6*time.Second, cfg.PeerTimeout())

	bad := cfg
	bad.AdvertiseAddr = "::1"
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)
	bad = cfg
	bad.Group = "no-port"
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)
	assert.ErrorIs(t, Config{}.WithDefaults().Validate(), ErrInvalidConfig)
}

func TestBackoffGrowsToCap(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{InitialDelay: 10 * time.Millisecond, Multiplier: 2, MaxDelay: 50 * time.Millisecond}
	assert.Equal(t, 10*time.Millisecond, NextBackoffDelay(cfg, 1, nil))
	assert.Equal(t, 20*time.Millisecond, NextBackoffDelay(cfg, 2, nil))
	assert.Equal(t, 40*time.Millisecond, NextBackoffDelay(cfg, 3, nil))
	assert.Equal(t, 50*time.Millisecond, NextBackoffDelay(cfg, 6, nil))

	cfg.Jitter = true
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 20; i++ {
		d := NextBackoffDelay(cfg, 3, rng)
		assert.GreaterOrEqual(t, d, 20*time.Millisecond)
		assert.Less(t, d, 60*time.Millisecond)
	}
}

func TestMemoryBusDeliversToEveryEndpoint(t *testing.T) {
	testlog.Start(t)
	bus := NewMemoryBus(9000)
	a, b := bus.Endpoint(), bus.Endpoint()
	require.NoError(t, a.Send([]byte("ping")))

	pa, err := a.Receive()
	require.NoError(t, err)
	pb, err := b.Receive()
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), pa.Data)
	assert.Equal(t, pa.Source, pb.Source)
	assert.Equal(t, uint16(9000), b.LocalPort())

	require.NoError(t, b.Close())
	_, err = b.Receive()
	assert.ErrorIs(t, err, ErrAnnouncerClosed)
	assert.ErrorIs(t, b.Send([]byte("x")), ErrAnnouncerClosed)
}
