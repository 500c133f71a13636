package memory

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundUp(t *testing.T) {
	const page = 64 * 1024
	cases := map[uint64]uint64{
		1:        page,
		page - 1: page,
		page:     page,
		page + 1: 2 * page,
		3 * page: 3 * page,
	}
	for in, want := range cases {
		require.Equal(t, want, RoundUp(in, page), "RoundUp(%d)", in)
	}
}

func TestValidateAlignment(t *testing.T) {
	for _, a := range []int{0, 1, 2, 64, 4096, 1 << 20} {
		require.NoError(t, ValidateAlignment(a), "alignment %d", a)
	}
	for _, a := range []int{-1, 3, 100, 4097} {
		err := ValidateAlignment(a)
		require.ErrorIs(t, err, ErrInvalidAlignment, "alignment %d", a)
	}
}

func TestParseType(t *testing.T) {
	typ, err := ParseType("MLU")
	require.NoError(t, err)
	require.Equal(t, TypeMLU, typ)
	require.Equal(t, "mlu", typ.String())

	typ, err = ParseType("host")
	require.NoError(t, err)
	require.Equal(t, TypeHost, typ)

	_, err = ParseType("cuda")
	require.Error(t, err)
}

func TestParamsValidate(t *testing.T) {
	h := NewHost()

	require.NoError(t, Params{Type: TypeHost}.Validate(h))

	err := Params{Type: TypeHost, UseDmabuf: true}.Validate(h)
	require.True(t, errors.Is(err, ErrDmabufUnsupported))

	require.Error(t, Params{Type: TypeHost, DeviceID: -1}.Validate(h))
}

func TestAllocSize(t *testing.T) {
	const page = 64 * 1024

	n, err := AllocSize(page+1, page)
	require.NoError(t, err)
	require.Equal(t, uint64(2*page), n)

	n, err = AllocSize(math.MaxUint64-page+1, page)
	require.NoError(t, err)
	require.Equal(t, uint64(math.MaxUint64-page+1), n)

	for _, size := range []uint64{0, math.MaxUint64 - page + 2, math.MaxUint64 - 10, math.MaxUint64} {
		_, err := AllocSize(size, page)
		require.ErrorIs(t, err, ErrInvalidSize, "size %d", size)
	}
}
