package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/rc4"
	"encoding/binary"
	"errors"
	"strings"
	"time"
	"unicode/utf16"

	"golang.org/x/crypto/md4"
)

// Negotiate flags this client offers (MS-NLMP 2.2.2.5).
const (
	negotiateKeyExch     = 0x40000000
	negotiate128         = 0x20000000
	negotiateVersion     = 0x02000000
	negotiateExtSecurity = 0x00080000
	negotiateAlwaysSign  = 0x00008000
	negotiateNTLM        = 0x00000200
	negotiateSeal        = 0x00000020
	negotiateSign        = 0x00000010
	requestTarget        = 0x00000004
	negotiateUnicode     = 0x00000001
)

const (
	avIDEOL       = 0x0000
	avIDTimestamp = 0x0007
)

var (
	ntlmSignature = []byte{'N', 'T', 'L', 'M', 'S', 'S', 'P', 0}

	// NTLMSSP_REVISION_W2K3 version blob sent in negotiate and
	// authenticate messages.
	ntlmVersion = []byte{0x06, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x0f}

	errShortChallenge = errors.New("challenge message too short")
)

// NTLMv2 holds the client side of one NTLMv2 handshake.
type NTLMv2 struct {
	domain   string
	user     string
	password string

	respKeyNT []byte
	unicode   bool
}

// NewNTLMv2 derives the response keys for the given credentials.
func NewNTLMv2(domain, user, password string) *NTLMv2 {
	return &NTLMv2{
		domain:    domain,
		user:      user,
		password:  password,
		respKeyNT: ntowfv2(password, user, domain),
	}
}

// NegotiateMessage builds the Type 1 message.
func (n *NTLMv2) NegotiateMessage() []byte {
	flags := uint32(negotiateKeyExch | negotiate128 | negotiateExtSecurity |
		negotiateAlwaysSign | negotiateNTLM | negotiateSeal | negotiateSign |
		requestTarget | negotiateUnicode | negotiateVersion)

	var buf bytes.Buffer
	buf.Write(ntlmSignature)
	put32(&buf, 1) // MessageType
	put32(&buf, flags)
	buf.Write(make([]byte, 16)) // empty domain and workstation fields
	buf.Write(ntlmVersion)

	return buf.Bytes()
}

// challenge is a parsed Type 2 message.
type challenge struct {
	flags           uint32
	serverChallenge []byte
	targetInfo      []byte
	timestamp       []byte
}

func parseChallenge(data []byte) (*challenge, error) {
	if len(data) < 48 {
		return nil, errShortChallenge
	}

	c := &challenge{
		flags:           binary.LittleEndian.Uint32(data[20:]),
		serverChallenge: data[24:32],
	}

	infoLen := int(binary.LittleEndian.Uint16(data[40:]))
	infoOffset := int(binary.LittleEndian.Uint32(data[44:]))

	if infoLen > 0 && infoOffset+infoLen <= len(data) {
		c.targetInfo = data[infoOffset : infoOffset+infoLen]
		c.timestamp = findTimestamp(c.targetInfo)
	}

	return c, nil
}

// findTimestamp walks the AV pair list for MsvAvTimestamp.
func findTimestamp(targetInfo []byte) []byte {
	for offset := 0; offset+4 <= len(targetInfo); {
		id := binary.LittleEndian.Uint16(targetInfo[offset:])
		length := int(binary.LittleEndian.Uint16(targetInfo[offset+2:]))
		offset += 4

		if id == avIDEOL {
			break
		}
		if id == avIDTimestamp && length == 8 && offset+8 <= len(targetInfo) {
			return targetInfo[offset : offset+8]
		}

		offset += length
	}

	return nil
}

// Authenticate processes the server challenge and returns the Type 3
// message plus the sealing context for subsequent GSS traffic.
func (n *NTLMv2) Authenticate(challengeData []byte) ([]byte, *SealingContext, error) {
	c, err := parseChallenge(challengeData)
	if err != nil {
		return nil, nil, err
	}

	n.unicode = c.flags&negotiateUnicode != 0

	timestamp := c.timestamp
	if timestamp == nil {
		timestamp = filetimeNow()
	}

	clientChallenge := make([]byte, 8)
	if _, err := rand.Read(clientChallenge); err != nil {
		return nil, nil, err
	}

	ntResponse, lmResponse, sessionBaseKey := n.computeResponse(
		c.serverChallenge, clientChallenge, timestamp, c.targetInfo)

	exportedSessionKey := make([]byte, 16)
	if _, err := rand.Read(exportedSessionKey); err != nil {
		return nil, nil, err
	}

	encryptedSessionKey := make([]byte, 16)
	kx, _ := rc4.NewCipher(sessionBaseKey)
	kx.XORKeyStream(encryptedSessionKey, exportedSessionKey)

	domain, user, _ := n.EncodedCredentials()
	msg := buildAuthenticate(c.flags, domain, user, lmResponse, ntResponse, encryptedSessionKey)

	return msg, newSealingContext(exportedSessionKey), nil
}

// computeResponse implements ComputeResponse for NTLMv2 (MS-NLMP 3.3.2).
func (n *NTLMv2) computeResponse(serverChallenge, clientChallenge, timestamp, targetInfo []byte) (nt, lm, sessionBaseKey []byte) {
	var temp bytes.Buffer
	temp.Write([]byte{0x01, 0x01, 0, 0, 0, 0, 0, 0})
	temp.Write(timestamp)
	temp.Write(clientChallenge)
	temp.Write([]byte{0, 0, 0, 0})
	temp.Write(targetInfo)
	temp.Write([]byte{0, 0, 0, 0})

	ntProof := hmacMD5(n.respKeyNT, append(append([]byte{}, serverChallenge...), temp.Bytes()...))
	nt = append(ntProof, temp.Bytes()...)

	lm = append(hmacMD5(n.respKeyNT, append(append([]byte{}, serverChallenge...), clientChallenge...)), clientChallenge...)

	sessionBaseKey = hmacMD5(n.respKeyNT, ntProof)

	return nt, lm, sessionBaseKey
}

func buildAuthenticate(flags uint32, domain, user, lmResponse, ntResponse, sessionKey []byte) []byte {
	const headerLen = 72

	var buf bytes.Buffer
	buf.Write(ntlmSignature)
	put32(&buf, 3) // MessageType

	offset := uint32(headerLen)
	for _, field := range [][]byte{lmResponse, ntResponse, domain, user, nil, sessionKey} {
		put16(&buf, uint16(len(field)))
		put16(&buf, uint16(len(field)))
		put32(&buf, offset)
		offset += uint32(len(field))
	}

	put32(&buf, flags)
	buf.Write(ntlmVersion)

	buf.Write(lmResponse)
	buf.Write(ntResponse)
	buf.Write(domain)
	buf.Write(user)
	buf.Write(sessionKey)

	return buf.Bytes()
}

// EncodedCredentials returns domain, user and password in the encoding the
// challenge negotiated.
func (n *NTLMv2) EncodedCredentials() (domain, user, password []byte) {
	if n.unicode {
		return utf16le(n.domain), utf16le(n.user), utf16le(n.password)
	}

	return []byte(n.domain), []byte(n.user), []byte(n.password)
}

// CredSSPCredentials returns the credentials as UTF-16LE, which
// TSCredentials requires regardless of the negotiated encoding.
func (n *NTLMv2) CredSSPCredentials() (domain, user, password []byte) {
	return utf16le(n.domain), utf16le(n.user), utf16le(n.password)
}

// SealingContext seals and unseals GSS tokens with the keys derived from
// one handshake. With extended session security the sign and seal keys come
// from MD5 over the session key plus a direction-specific magic constant.
type SealingContext struct {
	seal      *rc4.Cipher
	unseal    *rc4.Cipher
	signKey   []byte
	verifyKey []byte
	seqNum    uint32
}

func newSealingContext(exportedSessionKey []byte) *SealingContext {
	clientSeal := deriveKey(exportedSessionKey, "session key to client-to-server sealing key magic constant")
	serverSeal := deriveKey(exportedSessionKey, "session key to server-to-client sealing key magic constant")

	seal, _ := rc4.NewCipher(clientSeal)
	unseal, _ := rc4.NewCipher(serverSeal)

	return &SealingContext{
		seal:      seal,
		unseal:    unseal,
		signKey:   deriveKey(exportedSessionKey, "session key to client-to-server signing key magic constant"),
		verifyKey: deriveKey(exportedSessionKey, "session key to server-to-client signing key magic constant"),
	}
}

func deriveKey(sessionKey []byte, magic string) []byte {
	h := md5.New()
	h.Write(sessionKey)
	h.Write([]byte(magic))
	h.Write([]byte{0})
	return h.Sum(nil)
}

// Seal encrypts data and wraps it in a GSS token:
// Version(4) Checksum(8) SeqNum(4) EncryptedData. The data is encrypted
// first; the signature is computed over the plaintext and then encrypted
// with the continuing RC4 state.
func (s *SealingContext) Seal(data []byte) []byte {
	encrypted := make([]byte, len(data))
	s.seal.XORKeyStream(encrypted, data)

	seq := make([]byte, 4)
	binary.LittleEndian.PutUint32(seq, s.seqNum)

	sig := hmacMD5(s.signKey, append(seq, data...))[:8]
	checksum := make([]byte, 8)
	s.seal.XORKeyStream(checksum, sig)

	var out bytes.Buffer
	put32(&out, 1) // version
	out.Write(checksum)
	put32(&out, s.seqNum)
	out.Write(encrypted)

	s.seqNum++

	return out.Bytes()
}

// Unseal reverses Seal for a server-to-client token, returning nil when the
// checksum does not verify.
func (s *SealingContext) Unseal(data []byte) []byte {
	if len(data) < 16 || binary.LittleEndian.Uint32(data) != 1 {
		return nil
	}

	checksum := data[4:12]
	seq := data[12:16]
	encrypted := data[16:]

	decrypted := make([]byte, len(encrypted))
	s.unseal.XORKeyStream(decrypted, encrypted)

	expected := hmacMD5(s.verifyKey, append(append([]byte{}, seq...), decrypted...))[:8]
	expectedChecksum := make([]byte, 8)
	s.unseal.XORKeyStream(expectedChecksum, expected)

	if !hmac.Equal(checksum, expectedChecksum) {
		return nil
	}

	return decrypted
}

// NTOWFv2 = HMAC_MD5(MD4(UTF16(password)), UTF16(UPPER(user) + domain)).
func ntowfv2(password, user, domain string) []byte {
	h := md4.New()
	h.Write(utf16le(password))

	return hmacMD5(h.Sum(nil), utf16le(strings.ToUpper(user)+domain))
}

func hmacMD5(key, data []byte) []byte {
	h := hmac.New(md5.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func utf16le(s string) []byte {
	runes := utf16.Encode([]rune(s))
	out := make([]byte, len(runes)*2)
	for i, r := range runes {
		binary.LittleEndian.PutUint16(out[i*2:], r)
	}
	return out
}

// filetimeNow returns the current time as a Windows FILETIME.
func filetimeNow() []byte {
	ft := uint64(time.Now().UnixNano())/100 + 116444736000000000
	out := make([]byte, 8)
	binary.LittleEndian.PutUint64(out, ft)
	return out
}

func put16(buf *bytes.Buffer, v uint16) {
	_ = binary.Write(buf, binary.LittleEndian, v)
}

func put32(buf *bytes.Buffer, v uint32) {
	_ = binary.Write(buf, binary.LittleEndian, v)
}
