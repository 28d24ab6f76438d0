package endpoint

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseNodeRef(t *testing.T) {
	tests := []struct {
		input    string
		expected NodeRef
		wantErr  bool
	}{
		{"10.0.0.1:3307", NodeRef{Name: "10.0.0.1", Host: "10.0.0.1", Port: 3307}, false},
		{"mysql-1", NodeRef{Name: "mysql-1", Host: "mysql-1", Port: DefaultPort}, false},
		{"db1=10.0.0.1:3306", NodeRef{Name: "db1", Host: "10.0.0.1", Port: 3306}, false},
		{"[::1]:3306", NodeRef{Name: "::1", Host: "::1", Port: 3306}, false},
		{"db1=10.0.0.1:99999", NodeRef{}, true},
		{"", NodeRef{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseNodeRef(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.expected, got)
		})
	}
}

func TestNodeRefTextRoundTrip(t *testing.T) {
	ref := MustParseNodeRef("db2=172.17.0.3:3306")
	text, err := ref.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "db2=172.17.0.3:3306", string(text))

	var back NodeRef
	require.NoError(t, back.UnmarshalText(text))
	require.Equal(t, ref, back)
}

func TestNodeRefSame(t *testing.T) {
	byName := NodeRef{Name: "mysql-1", Host: "mysql-1", Port: 3306}
	byAddr := NodeRef{Name: "mysql-1", Host: "10.0.0.1", Port: 3306}
	other := NodeRef{Name: "mysql-2", Host: "10.0.0.2", Port: 3306}

	require.True(t, byName.Same(byAddr))
	require.True(t, byAddr.Same(byName))
	require.False(t, byAddr.Same(other))
	require.False(t, byName.Same(NodeRef{Name: "mysql-1", Host: "mysql-1", Port: 3307}))
}
