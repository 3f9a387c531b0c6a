package dispatch

import (
	"testing"

	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/exitcode"
	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/venus-core/pkg/encoding"
	tf "github.com/filecoin-project/venus-core/pkg/testhelpers/testflags"
)

type fakeRuntime struct {
	constructed int
}

type echoParams struct {
	_ struct{} `cbor:",toarray"`
	N int64
	S string
}

type fakeActor struct{}

var fakeCode = func() cid.Cid {
	c, err := cid.V1Builder{Codec: cid.Raw, MhType: mh.IDENTITY}.Sum([]byte("fil/test/fake"))
	if err != nil {
		panic(err)
	}
	return c
}()

func (a fakeActor) Exports() []interface{} {
	return []interface{}{
		1: a.Constructor,
		2: a.Echo,
		4: a.Raw,
	}
}

func (fakeActor) Code() cid.Cid { return fakeCode }

func (fakeActor) IsSingleton() bool { return false }

func (fakeActor) Constructor(rt *fakeRuntime, _ *abi.EmptyValue) *abi.EmptyValue {
	rt.constructed++
	return nil
}

func (fakeActor) Echo(_ *fakeRuntime, p *echoParams) *echoParams {
	return &echoParams{N: p.N + 1, S: p.S}
}

func (fakeActor) Raw(_ *fakeRuntime, _ *abi.EmptyValue) []byte {
	return []byte("raw")
}

func newDispatcher(t *testing.T) Dispatcher {
	loader := NewBuilder().Add(fakeActor{}).Build()
	d, err := loader.GetActorImpl(fakeCode)
	require.NoError(t, err)
	return d
}

func TestDispatchDecodesAndEncodes(t *testing.T) {
	tf.UnitTest(t)
	d := newDispatcher(t)
	rt := &fakeRuntime{}

	ret, err := d.Dispatch(2, rt, encoding.MustEncode(&echoParams{N: 41, S: "hi"}))
	require.Nil(t, err)

	var out echoParams
	require.NoError(t, encoding.Decode(ret, &out))
	assert.Equal(t, int64(42), out.N)
	assert.Equal(t, "hi", out.S)

	ret, err = d.Dispatch(4, rt, []byte{})
	require.Nil(t, err)
	assert.Equal(t, []byte("raw"), ret)
}

func TestDispatchEmptyParams(t *testing.T) {
	tf.UnitTest(t)
	d := newDispatcher(t)
	rt := &fakeRuntime{}

	ret, err := d.Dispatch(1, rt, nil)
	require.Nil(t, err)
	assert.Nil(t, ret)

	_, err = d.Dispatch(1, rt, []byte(nil))
	require.Nil(t, err)
	assert.Equal(t, 2, rt.constructed)
}

func TestDispatchErrors(t *testing.T) {
	tf.UnitTest(t)
	d := newDispatcher(t)
	rt := &fakeRuntime{}

	for _, m := range []abi.MethodNum{0, 3, 5, 100} {
		_, err := d.Dispatch(m, rt, nil)
		require.NotNil(t, err, "method %d", m)
		assert.Equal(t, exitcode.SysErrInvalidMethod, err.ExitCode())
	}

	_, err := d.Dispatch(2, rt, []byte{0xff, 0x00})
	require.NotNil(t, err)
	assert.Equal(t, exitcode.ErrSerialization, err.ExitCode())

	_, err = d.Dispatch(2, rt, "not bytes")
	require.NotNil(t, err)
	assert.Equal(t, exitcode.ErrSerialization, err.ExitCode())
}

func TestCodeLoader(t *testing.T) {
	tf.UnitTest(t)
	loader := NewBuilder().AddMany(fakeActor{}).Build()

	assert.Equal(t, []cid.Cid{fakeCode}, loader.Codes())

	act, err := loader.GetUnsafeActorImpl(fakeCode)
	require.NoError(t, err)
	assert.Equal(t, fakeCode, act.Code())

	other, err := cid.V1Builder{Codec: cid.Raw, MhType: mh.IDENTITY}.Sum([]byte("fil/test/other"))
	require.NoError(t, err)
	_, err = loader.GetActorImpl(other)
	assert.Error(t, err)
}

func TestEncodeValue(t *testing.T) {
	tf.UnitTest(t)

	b, err := EncodeValue(nil)
	require.NoError(t, err)
	assert.Nil(t, b)

	b, err = EncodeValue([]byte{1, 2})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, b)

	b, err = EncodeValue(&abi.EmptyValue{})
	require.NoError(t, err)
	assert.Empty(t, b)

	b, err = EncodeValue(&echoParams{N: 1, S: "x"})
	require.NoError(t, err)
	assert.Equal(t, encoding.MustEncode(&echoParams{N: 1, S: "x"}), b)
}
