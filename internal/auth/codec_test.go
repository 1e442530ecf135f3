package auth

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRefreshParts(t *testing.T) {
	tests := []struct {
		in   string
		want CredentialParts
	}{
		{"tok|proj|managed", CredentialParts{"tok", "proj", "managed"}},
		{"tok|proj", CredentialParts{"tok", "proj", ""}},
		{"tok|", CredentialParts{"tok", "", ""}},
		{"tok||managed", CredentialParts{"tok", "", "managed"}},
		{"tok", CredentialParts{"tok", "", ""}},
		{"", CredentialParts{}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			require.Equal(t, tt.want, ParseRefreshParts(tt.in))
		})
	}
}

func TestRefreshPartsRoundTrip(t *testing.T) {
	for _, s := range []string{
		"1//0gAbc-def|my-project|managed-123",
		"1//0gAbc-def|my-project",
		"1//0gAbc-def|",
		"1//0gAbc-def||managed-123",
	} {
		require.Equal(t, s, FormatRefreshParts(ParseRefreshParts(s)))
	}
}

func TestFormatRefreshParts_OmitsEmptyManaged(t *testing.T) {
	require.Equal(t, "tok|proj", FormatRefreshParts(CredentialParts{RefreshToken: "tok", ProjectID: "proj"}))
	require.Equal(t, "tok|", FormatRefreshParts(CredentialParts{RefreshToken: "tok"}))
}

func TestMultiAccountRoundTrip(t *testing.T) {
	for _, s := range []string{
		"a|p1;;b|p2|m2;;c|",
		"only|proj|managed",
		"a||m;;b|",
	} {
		require.Equal(t, s, FormatMultiAccountRefresh(ParseMultiAccountRefresh(s)))
	}
}

func TestParseMultiAccountRefresh(t *testing.T) {
	require.Empty(t, ParseMultiAccountRefresh(""))

	parts := ParseMultiAccountRefresh("a|p1;;;;b||m2;;")
	require.Equal(t, []CredentialParts{
		{RefreshToken: "a", ProjectID: "p1"},
		{RefreshToken: "b", ManagedProjectID: "m2"},
	}, parts)
}

func TestFormatMultiAccountRefresh_SkipsEmpty(t *testing.T) {
	out := FormatMultiAccountRefresh([]CredentialParts{
		{RefreshToken: "a", ProjectID: "p"},
		{},
		{ProjectID: "hint"},
	})
	require.Equal(t, "a|p;;|hint", out)
}
