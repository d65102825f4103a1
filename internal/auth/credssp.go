package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nullgate/rdp-transport/internal/logging"
	"github.com/nullgate/rdp-transport/internal/transport"
)

// CredSSP drives the client side of the CredSSP exchange over an
// established TLS layer. All wire traffic goes through the Transport's own
// read and write, so each TSRequest round is framed and classified like any
// other PDU.
type CredSSP struct {
	domain   string
	username string
	password string
}

// NewCredSSP builds the authenticator. The username may carry the domain as
// DOMAIN\user or user@domain.
func NewCredSSP(username, password string) *CredSSP {
	domain, user := splitDomainUser(username)

	return &CredSSP{
		domain:   domain,
		username: user,
		password: password,
	}
}

var (
	errNoChallengeToken = errors.New("no challenge token from server")
	errPubKeyMismatch   = errors.New("server public key verification failed")
)

// Authenticate implements transport.Authenticator.
func (c *CredSSP) Authenticate(t *transport.Transport) error {
	ntlm := NewNTLMv2(c.domain, c.username, c.password)

	// Round 1: negotiate.
	req := &TSRequest{NegoTokens: [][]byte{ntlm.NegotiateMessage()}}
	if err := c.send(t, req); err != nil {
		return fmt.Errorf("send negotiate: %w", err)
	}

	resp, err := c.receive(t)
	if err != nil {
		return fmt.Errorf("read challenge: %w", err)
	}
	if len(resp.NegoTokens) == 0 {
		return errNoChallengeToken
	}

	// Round 2: authenticate plus the TLS public key binding.
	authMsg, sealing, err := ntlm.Authenticate(resp.NegoTokens[0])
	if err != nil {
		return fmt.Errorf("process challenge: %w", err)
	}

	pubKey, err := peerPublicKey(t)
	if err != nil {
		return err
	}

	req = &TSRequest{
		NegoTokens: [][]byte{authMsg},
		PubKeyAuth: sealing.Seal(pubKey),
	}
	if err = c.send(t, req); err != nil {
		return fmt.Errorf("send authenticate: %w", err)
	}

	resp, err = c.receive(t)
	if err != nil {
		return fmt.Errorf("read public key response: %w", err)
	}
	if sealing.Unseal(resp.PubKeyAuth) == nil {
		return errPubKeyMismatch
	}

	// Round 3: the credentials themselves, sealed.
	domain, user, password := ntlm.CredSSPCredentials()
	req = &TSRequest{AuthInfo: sealing.Seal(EncodeCredentials(domain, user, password))}
	if err = c.send(t, req); err != nil {
		return fmt.Errorf("send credentials: %w", err)
	}

	logging.Debug("credssp: exchange complete for %s", c.username)

	return nil
}

func (c *CredSSP) send(t *transport.Transport, req *TSRequest) error {
	data := req.Encode()

	s, err := t.SendStreamInit(len(data))
	if err != nil {
		return err
	}

	if err = s.Append(data); err != nil {
		return err
	}

	_, err = t.WritePDU(s)

	return err
}

func (c *CredSSP) receive(t *transport.Transport) (*TSRequest, error) {
	pdu, err := t.ReadPDU()
	if err != nil {
		return nil, err
	}

	return DecodeTSRequest(pdu.Bytes())
}

// peerPublicKey extracts the SubjectPublicKeyInfo of the server certificate
// from the TLS session, which MS-CSSP binds into the exchange.
func peerPublicKey(t *transport.Transport) ([]byte, error) {
	state, err := t.TLSState()
	if err != nil {
		return nil, err
	}

	if len(state.PeerCertificates) == 0 {
		return nil, errors.New("no peer certificates")
	}

	return state.PeerCertificates[0].RawSubjectPublicKeyInfo, nil
}

func splitDomainUser(username string) (domain, user string) {
	if idx := strings.Index(username, "\\"); idx != -1 {
		return username[:idx], username[idx+1:]
	}

	if idx := strings.Index(username, "@"); idx != -1 {
		return username[idx+1:], username[:idx]
	}

	return "", username
}
