package tunnel

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ghaiht95/genmob/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const hubListCSV = `Virtual Hub Name,Status,Type,Users,Groups,Sessions,MAC Tables,IP Tables,Num Logins,Last Login,Last Communication,Transfer Bytes,Transfer Packets
DEFAULT,Online,Standalone,0,0,0,0,0,0,,,0,0
room_3f2a,Online,Standalone,2,0,1,3,2,4,2024-01-01 10:00:00,2024-01-01 10:05:00,"1,024",12
`

const userListCSV = `User Name,Full Name,Group Name,Description,Auth Method,Num Logins,Last Login,Expiration Date,Transfer Bytes,Transfer Packets
bob-a1b2c3,none,none,none,Password Authentication,0,(None),No Expiration,0,0
`

func newTestSoftEther(t *testing.T, outputs map[string]string) (*SoftEther, *[][]string) {
	s, err := NewSoftEther(config.TunnelConfig{
		VpncmdPath:    "/usr/local/vpnserver/vpncmd",
		ServerIP:      "10.0.0.1",
		ServerPort:    443,
		AdminPassword: "pw",
		HubPassword:   "hubpw",
	}, nil)
	require.NoError(t, err)
	calls := make([][]string, 0)
	s.run = func(_ context.Context, args ...string) (string, error) {
		calls = append(calls, args)
		cmd := args[len(s.baseArgs(""))]
		if out, ok := outputs[cmd]; ok {
			if strings.HasPrefix(out, "ERR:") {
				return "", errors.New(out[4:])
			}
			return out, nil
		}
		return "", nil
	}
	return s, &calls
}

func TestSoftEtherHubs(t *testing.T) {
	s, calls := newTestSoftEther(t, map[string]string{"HubList": hubListCSV})
	ctx := context.Background()

	hubs, err := s.ListHubs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"DEFAULT", "room_3f2a"}, hubs)

	exists, err := s.HubExists(ctx, "room_3f2a")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, s.CreateHub(ctx, "room_new"))
	last := (*calls)[len(*calls)-1]
	assert.Equal(t, []string{"/SERVER", "10.0.0.1:443", "/PASSWORD:pw", "/ADMINHUB:DEFAULT", "/CSV", "/CMD", "HubCreate", "room_new", "/PASSWORD:hubpw"}, last)
}

func TestSoftEtherCreateUserSetsPassword(t *testing.T) {
	s, calls := newTestSoftEther(t, map[string]string{"UserList": userListCSV})
	ctx := context.Background()

	require.NoError(t, s.CreateUser(ctx, "room_1", "alice-000000", "secret"))
	cmds := make([]string, 0)
	for _, c := range *calls {
		cmds = append(cmds, c[len(s.baseArgs(""))])
		assert.Equal(t, "/ADMINHUB:room_1", c[3])
	}
	assert.Equal(t, []string{"UserList", "UserCreate", "UserPasswordSet"}, cmds)

	*calls = (*calls)[:0]
	require.NoError(t, s.CreateUser(ctx, "room_1", "bob-a1b2c3", "secret"))
	require.Len(t, *calls, 2)
	assert.Equal(t, "UserPasswordSet", (*calls)[1][len(s.baseArgs(""))])
}

func TestSoftEtherErrors(t *testing.T) {
	s, _ := newTestSoftEther(t, map[string]string{"HubDelete": "ERR:exit status 29"})
	err := s.DeleteHub(context.Background(), "room_1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HubDelete")

	_, err = NewSoftEther(config.TunnelConfig{VpncmdPath: "/bin/vpncmd"}, nil)
	assert.Error(t, err)
}

func TestHandleAndSecret(t *testing.T) {
	a := Handle("alice@example.com")
	b := Handle("alice@example.org")
	assert.True(t, strings.HasPrefix(a, "alice-"))
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, Handle("alice@example.com"))
	assert.True(t, strings.HasPrefix(Handle("@@@"), "member-"))
	assert.True(t, strings.HasPrefix(Handle("ü s e r!"), "ser-"))

	secret, err := NewSecret()
	require.NoError(t, err)
	assert.Len(t, secret, 12)
	for _, r := range secret {
		assert.True(t, strings.ContainsRune(secretAlphabet, r))
	}
}
