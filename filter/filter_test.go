package filter

import (
	"testing"

	"github.com/ghaiht95/genmob/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func testRooms() []*types.Room {
	return []*types.Room{
		{Id: "1", Name: "Alpha", Capacity: 2, CurrentCount: 2, Tags: datatypes.JSONMap{"game": "coop", "level": "3"}},
		{Id: "2", Name: "Beta", Capacity: 4, CurrentCount: 1, Private: true},
		{Id: "3", Name: "Gamma", Capacity: 8, CurrentCount: 3, Tags: datatypes.JSONMap{"game": "versus", "level": 7.0}},
	}
}

func names(rooms []*types.Room) []string {
	res := make([]string, 0, len(rooms))
	for _, r := range rooms {
		res = append(res, r.Name)
	}
	return res
}

func TestRooms(t *testing.T) {
	res, err := Rooms("", testRooms())
	require.NoError(t, err)
	assert.Equal(t, []string{"Alpha", "Beta", "Gamma"}, names(res))

	res, err = Rooms(`!Private && Free > 0`, testRooms())
	require.NoError(t, err)
	assert.Equal(t, []string{"Gamma"}, names(res))

	res, err = Rooms(`Tags["game"] == "coop"`, testRooms())
	require.NoError(t, err)
	assert.Equal(t, []string{"Alpha"}, names(res))

	res, err = Rooms(`AsInt(Tags["level"]) >= 3`, testRooms())
	require.NoError(t, err)
	assert.Equal(t, []string{"Alpha", "Gamma"}, names(res))
}

func TestCompileErrors(t *testing.T) {
	_, err := Rooms(`Name +`, testRooms())
	assert.ErrorIs(t, err, types.ErrInvalid)

	_, err = Compile(`Name`)
	assert.ErrorIs(t, err, types.ErrInvalid)
}

func TestAsHelpers(t *testing.T) {
	assert.Equal(t, int64(17), AsInt("17"))
	assert.Equal(t, int64(0), AsInt("x"))
	assert.Equal(t, int64(7), AsInt(7.9))
	assert.Equal(t, 0.5, AsFloat("0.5"))
	assert.Equal(t, []string{"a", "b"}, AsStringSlice("a,b"))
	assert.Equal(t, []string{}, AsStringSlice(nil))
}
