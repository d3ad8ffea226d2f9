package auth

import (
	"testing"

	"github.com/danmuck/powerplant/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticTokenValidate(t *testing.T) {
	testlog.Start(t)
	tests := []struct {
		name    string
		stored  string
		input   string
		wantErr error
	}{
		{name: "empty token denied", stored: "", input: "abc", wantErr: ErrUnauthorized},
		{name: "mismatched token denied", stored: "abc", input: "xyz", wantErr: ErrUnauthorized},
		{name: "matching token accepted", stored: "abc", input: "abc", wantErr: nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := (StaticToken{Token: tc.stored}).Validate(tc.input)
			if tc.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestBearerToken(t *testing.T) {
	testlog.Start(t)
	token, err := BearerToken("Bearer s3cret")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", token)

	token, err = BearerToken("  bearer   padded ")
	require.NoError(t, err)
	assert.Equal(t, "padded", token)

	for _, header := range []string{"", "Bearer", "Bearer   ", "Basic abc", "s3cret"} {
		_, err := BearerToken(header)
		assert.ErrorIs(t, err, ErrUnauthorized, "header %q", header)
	}
}

func TestAuthorize(t *testing.T) {
	testlog.Start(t)
	v := StaticToken{Token: "ok"}
	assert.NoError(t, Authorize(v, "Bearer ok"))
	assert.ErrorIs(t, Authorize(v, "Bearer bad"), ErrUnauthorized)
	assert.ErrorIs(t, Authorize(StaticToken{Token: "ok"}, ""), ErrUnauthorized)
}
