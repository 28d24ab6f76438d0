package endpoint

import (
	"testing"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"
)

func TestDirectoryResolve(t *testing.T) {
	t.Setenv("FAILOVER_TEST_PW", "s3cret")

	d, err := NewDirectory([]Mapping{
		{Name: "mysql-1", Host: "127.0.0.1", Port: 13306},
		{Name: "mysql-2", Host: "127.0.0.1", Port: 13307, User: "checker", Password: "${FAILOVER_TEST_PW}"},
		{Name: "172.18.0.4:3306", Host: "127.0.0.1", Port: 13308},
	}, Credentials{User: "root", Password: "root"}, false)
	require.NoError(t, err)
	require.Equal(t, 3, d.Len())

	ep, err := d.Resolve(NodeRef{Name: "mysql-1", Host: "172.18.0.2", Port: 3306})
	require.NoError(t, err)
	require.Equal(t, Endpoint{Host: "127.0.0.1", Port: 13306, User: "root", Password: "root"}, ep)

	// the orchestration service may report the logical name as host
	ep, err = d.Resolve(NodeRef{Host: "MYSQL-2", Port: 3306})
	require.NoError(t, err)
	require.Equal(t, Endpoint{Host: "127.0.0.1", Port: 13307, User: "checker", Password: "s3cret"}, ep)

	ep, err = d.Resolve(NodeRef{Name: "x", Host: "172.18.0.4", Port: 3306})
	require.NoError(t, err)
	require.Equal(t, 13308, ep.Port)

	again, err := d.Resolve(NodeRef{Name: "x", Host: "172.18.0.4", Port: 3306})
	require.NoError(t, err)
	require.Equal(t, ep, again)

	_, err = d.Resolve(NodeRef{Name: "mysql-9", Host: "172.18.0.9", Port: 3306})
	var rerr *ResolutionError
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, "mysql-9", rerr.Ref.Name)
}

func TestDirectoryPassthrough(t *testing.T) {
	d, err := NewDirectory(nil, Credentials{User: "root", Password: "pw"}, true)
	require.NoError(t, err)

	ep, err := d.Resolve(NodeRef{Name: "n", Host: "10.1.1.1", Port: 3306})
	require.NoError(t, err)
	require.Equal(t, Endpoint{Host: "10.1.1.1", Port: 3306, User: "root", Password: "pw"}, ep)

	_, err = d.Resolve(NodeRef{})
	require.Error(t, err)
}

func TestDirectoryRejectsBadMappings(t *testing.T) {
	_, err := NewDirectory([]Mapping{{Host: "h"}}, Credentials{}, false)
	require.Error(t, err)

	_, err = NewDirectory([]Mapping{{Name: "a", Host: "h"}, {Name: "A", Host: "h2"}}, Credentials{}, false)
	require.Error(t, err)
	// traced like every other error of the module
	require.Contains(t, errors.ErrorStack(err), "directory.go")

	_, err = NewDirectory([]Mapping{{Name: "a"}}, Credentials{}, false)
	require.EqualError(t, err, `endpoint mapping "a" has no host`)
}
