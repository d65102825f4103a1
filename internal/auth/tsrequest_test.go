package auth

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTSRequest_EncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		req  TSRequest
	}{
		{
			name: "negotiate token only",
			req: TSRequest{
				NegoTokens: [][]byte{{0x4E, 0x54, 0x4C, 0x4D}},
			},
		},
		{
			name: "token with public key auth",
			req: TSRequest{
				NegoTokens: [][]byte{bytes.Repeat([]byte{0xAB}, 200)},
				PubKeyAuth: bytes.Repeat([]byte{0xCD}, 64),
			},
		},
		{
			name: "auth info only",
			req: TSRequest{
				AuthInfo: bytes.Repeat([]byte{0x11}, 300),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := tt.req.Encode()

			// The outer SEQUENCE tag is what the transport's frame
			// detector keys on for the NLA phase.
			assert.Equal(t, byte(0x30), encoded[0])

			decoded, err := DecodeTSRequest(encoded)
			require.NoError(t, err)

			assert.Equal(t, credSSPVersion, decoded.Version)
			assert.Equal(t, tt.req.NegoTokens, decoded.NegoTokens)
			assert.Equal(t, tt.req.AuthInfo, decoded.AuthInfo)
			assert.Equal(t, tt.req.PubKeyAuth, decoded.PubKeyAuth)
		})
	}
}

func TestTSRequest_EncodedLengthMatchesBERHeader(t *testing.T) {
	req := TSRequest{NegoTokens: [][]byte{bytes.Repeat([]byte{0x55}, 150)}}

	encoded := req.Encode()

	// Long form with one length byte: total = byte2 + 3.
	require.Equal(t, byte(0x81), encoded[1])
	assert.Equal(t, int(encoded[2])+3, len(encoded))
}

func TestDecodeTSRequest_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{name: "empty", data: nil},
		{name: "truncated header", data: []byte{0x30}},
		{name: "length past end", data: []byte{0x30, 0x10, 0x00}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeTSRequest(tt.data)

			assert.Error(t, err)
		})
	}
}

func TestEncodeCredentials(t *testing.T) {
	domain := utf16le("CONTOSO")
	user := utf16le("alice")
	password := utf16le("secret")

	encoded := EncodeCredentials(domain, user, password)

	require.Equal(t, byte(0x30), encoded[0])

	// TSCredentials carries credType = 1 (password).
	_, content, err := readTLV(encoded)
	require.NoError(t, err)

	tag, credType, err := readTLV(content)
	require.NoError(t, err)
	assert.Equal(t, byte(0xA0), tag)
	assert.Equal(t, 1, readInteger(credType))

	// The password appears inside the nested TSPasswordCreds.
	assert.True(t, bytes.Contains(encoded, password))
}
