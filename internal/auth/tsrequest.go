// Package auth implements the CredSSP/NLA collaborator: the TSRequest
// negotiation messages exchanged over an established TLS layer and the
// NTLMv2 context that produces their tokens.
package auth

import (
	"bytes"
	"errors"
)

// TSRequest is one round of the CredSSP exchange (MS-CSSP):
//
//	TSRequest ::= SEQUENCE {
//	   version    [0] INTEGER,
//	   negoTokens [1] NegoData OPTIONAL,
//	   authInfo   [2] OCTET STRING OPTIONAL,
//	   pubKeyAuth [3] OCTET STRING OPTIONAL,
//	}
type TSRequest struct {
	Version    int
	NegoTokens [][]byte
	AuthInfo   []byte
	PubKeyAuth []byte
}

const credSSPVersion = 2

var errMalformedDER = errors.New("malformed DER content")

// Encode serializes the request. The outer SEQUENCE tag is 0x30, which is
// exactly the leading byte the transport's frame detector classifies as a
// TSRequest.
func (r *TSRequest) Encode() []byte {
	var inner bytes.Buffer

	inner.Write(contextTag(0, derInteger(credSSPVersion)))

	if len(r.NegoTokens) > 0 {
		var items bytes.Buffer
		for _, token := range r.NegoTokens {
			// NegoDataItem ::= SEQUENCE { negoToken [0] OCTET STRING }
			items.Write(derSequence(contextTag(0, derOctetString(token))))
		}
		inner.Write(contextTag(1, derSequence(items.Bytes())))
	}

	if len(r.AuthInfo) > 0 {
		inner.Write(contextTag(2, derOctetString(r.AuthInfo)))
	}

	if len(r.PubKeyAuth) > 0 {
		inner.Write(contextTag(3, derOctetString(r.PubKeyAuth)))
	}

	return derSequence(inner.Bytes())
}

// DecodeTSRequest parses one TSRequest from DER bytes.
func DecodeTSRequest(data []byte) (*TSRequest, error) {
	_, content, err := readTLV(data)
	if err != nil {
		return nil, err
	}

	req := &TSRequest{}

	for len(content) > 0 {
		tag, value, err := readTLV(content)
		if err != nil {
			return nil, err
		}

		switch tag & 0x1f {
		case 0:
			req.Version = readInteger(value)
		case 1:
			req.NegoTokens = readNegoTokens(value)
		case 2:
			if _, inner, err := readTLV(value); err == nil {
				req.AuthInfo = inner
			}
		case 3:
			if _, inner, err := readTLV(value); err == nil {
				req.PubKeyAuth = inner
			}
		}

		content = content[tlvLen(content):]
	}

	return req, nil
}

// EncodeCredentials builds TSCredentials carrying TSPasswordCreds. Per
// MS-CSSP the inner strings are always UTF-16LE.
func EncodeCredentials(domain, username, password []byte) []byte {
	var pass bytes.Buffer
	pass.Write(contextTag(0, derOctetString(domain)))
	pass.Write(contextTag(1, derOctetString(username)))
	pass.Write(contextTag(2, derOctetString(password)))

	var creds bytes.Buffer
	creds.Write(contextTag(0, derInteger(1))) // credType = password
	creds.Write(contextTag(1, derOctetString(derSequence(pass.Bytes()))))

	return derSequence(creds.Bytes())
}

func derLength(n int) []byte {
	switch {
	case n < 0x80:
		return []byte{byte(n)}
	case n < 0x100:
		return []byte{0x81, byte(n)}
	case n < 0x10000:
		return []byte{0x82, byte(n >> 8), byte(n)}
	default:
		return []byte{0x83, byte(n >> 16), byte(n >> 8), byte(n)}
	}
}

func derPrimitive(tag byte, content []byte) []byte {
	out := make([]byte, 0, 2+len(content))
	out = append(out, tag)
	out = append(out, derLength(len(content))...)
	return append(out, content...)
}

func derSequence(content []byte) []byte {
	return derPrimitive(0x30, content)
}

func derOctetString(content []byte) []byte {
	return derPrimitive(0x04, content)
}

func contextTag(tag int, content []byte) []byte {
	return derPrimitive(0xa0|byte(tag), content)
}

func derInteger(v int) []byte {
	if v < 0x80 {
		return derPrimitive(0x02, []byte{byte(v)})
	}
	if v < 0x100 {
		return derPrimitive(0x02, []byte{0x00, byte(v)})
	}
	return derPrimitive(0x02, []byte{byte(v >> 8), byte(v)})
}

// readTLV returns the tag and content of the first DER element in data.
func readTLV(data []byte) (byte, []byte, error) {
	if len(data) < 2 {
		return 0, nil, errMalformedDER
	}

	tag := data[0]
	offset := 2
	length := int(data[1])

	if length >= 0x80 {
		lenBytes := length & 0x7f
		if offset+lenBytes > len(data) {
			return 0, nil, errMalformedDER
		}

		length = 0
		for i := 0; i < lenBytes; i++ {
			length = length<<8 | int(data[offset])
			offset++
		}
	}

	if offset+length > len(data) {
		return 0, nil, errMalformedDER
	}

	return tag, data[offset : offset+length], nil
}

// tlvLen returns the total encoded size of the first DER element, header
// included.
func tlvLen(data []byte) int {
	if len(data) < 2 {
		return len(data)
	}

	offset := 2
	length := int(data[1])

	if length >= 0x80 {
		lenBytes := length & 0x7f
		length = 0
		for i := 0; i < lenBytes && offset+i <= len(data); i++ {
			length = length<<8 | int(data[2+i])
		}
		offset += lenBytes
	}

	return offset + length
}

func readInteger(data []byte) int {
	_, value, err := readTLV(data)
	if err != nil {
		return 0
	}

	v := 0
	for _, b := range value {
		v = v<<8 | int(b)
	}

	return v
}

func readNegoTokens(data []byte) [][]byte {
	var tokens [][]byte

	_, content, err := readTLV(data)
	if err != nil {
		return nil
	}

	for len(content) > 0 {
		_, item, err := readTLV(content)
		if err != nil {
			break
		}

		if _, tagged, err := readTLV(item); err == nil {
			if _, token, err := readTLV(tagged); err == nil {
				tokens = append(tokens, token)
			}
		}

		content = content[tlvLen(content):]
	}

	return tokens
}
