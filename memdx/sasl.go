package memdx

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"hash"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// SASLMechanism identifies a SASL authentication mechanism.
type SASLMechanism string

const (
	SASLMechanismScramSHA512 SASLMechanism = "SCRAM-SHA512"
	SASLMechanismScramSHA256 SASLMechanism = "SCRAM-SHA256"
	SASLMechanismScramSHA1   SASLMechanism = "SCRAM-SHA1"
	SASLMechanismPlain       SASLMechanism = "PLAIN"
)

// DefaultSASLMechanismOrder is the client's preferred mechanism order,
// intersected with the server's advertised list (spec.md §4.3).
var DefaultSASLMechanismOrder = []SASLMechanism{
	SASLMechanismScramSHA512,
	SASLMechanismScramSHA256,
	SASLMechanismScramSHA1,
	SASLMechanismPlain,
}

// SelectSASLMechanism intersects the client's preferred order with the
// server-advertised mechanisms (from SASL-LIST-MECHS) and returns the
// highest-preference match.
func SelectSASLMechanism(preferred []SASLMechanism, serverMechs string) (SASLMechanism, error) {
	serverSet := make(map[SASLMechanism]bool)
	for _, m := range strings.Fields(serverMechs) {
		serverSet[SASLMechanism(m)] = true
	}
	for _, m := range preferred {
		if serverSet[m] {
			return m, nil
		}
	}
	return "", fmt.Errorf("memdx: no common SASL mechanism (server offers %q)", serverMechs)
}

// EncodePlainAuth builds the single-message PLAIN SASL-AUTH value:
// "\0user\0pass" (spec.md §4.3).
func EncodePlainAuth(username, password string) []byte {
	return []byte("\x00" + username + "\x00" + password)
}

// ScramClient drives one SCRAM-SHA-1/256/512 exchange across the three SASL
// messages (client-first, server-first -> client-final, server-final),
// per spec.md §4.3. Construct with NewScramClient and call the Step methods
// in sequence as the server replies arrive.
type ScramClient struct {
	mechanism  SASLMechanism
	username   string
	password   string
	newHash    func() hash.Hash

	clientNonce   string
	clientFirstBare string
	serverFirst   string
	saltedPassword []byte
	authMessage   string
}

// NewScramClient constructs a client for the given mechanism and credentials.
func NewScramClient(mechanism SASLMechanism, username, password string) (*ScramClient, error) {
	var newHash func() hash.Hash
	switch mechanism {
	case SASLMechanismScramSHA512:
		newHash = sha512.New
	case SASLMechanismScramSHA256:
		newHash = sha256.New
	case SASLMechanismScramSHA1:
		newHash = sha1.New
	default:
		return nil, fmt.Errorf("memdx: unsupported SCRAM mechanism %q", mechanism)
	}

	nonce, err := randomNonce(24)
	if err != nil {
		return nil, err
	}

	return &ScramClient{
		mechanism:   mechanism,
		username:    username,
		password:    password,
		newHash:     newHash,
		clientNonce: nonce,
	}, nil
}

// Step1 returns the client-first-message sent as the SASL-AUTH value.
func (c *ScramClient) Step1() []byte {
	c.clientFirstBare = fmt.Sprintf("n=%s,r=%s", scramEscape(c.username), c.clientNonce)
	return []byte("n,," + c.clientFirstBare)
}

// Step2 consumes the server-first-message (from the SASL-AUTH continue
// response) and returns the client-final-message to send via SASL-STEP.
func (c *ScramClient) Step2(serverFirstMessage []byte) ([]byte, error) {
	c.serverFirst = string(serverFirstMessage)

	fields := parseScramFields(c.serverFirst)
	serverNonce, ok := fields["r"]
	if !ok || !strings.HasPrefix(serverNonce, c.clientNonce) {
		return nil, fmt.Errorf("memdx: scram server nonce does not extend client nonce")
	}
	saltB64, ok := fields["s"]
	if !ok {
		return nil, fmt.Errorf("memdx: scram server-first missing salt")
	}
	iterStr, ok := fields["i"]
	if !ok {
		return nil, fmt.Errorf("memdx: scram server-first missing iteration count")
	}
	iterations, err := strconv.Atoi(iterStr)
	if err != nil || iterations <= 0 {
		return nil, fmt.Errorf("memdx: scram invalid iteration count %q", iterStr)
	}
	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return nil, fmt.Errorf("memdx: scram invalid salt: %w", err)
	}

	hashSize := c.newHash().Size()
	c.saltedPassword = pbkdf2.Key([]byte(c.password), salt, iterations, hashSize, c.newHash)

	channelBinding := base64.StdEncoding.EncodeToString([]byte("n,,"))
	clientFinalWithoutProof := fmt.Sprintf("c=%s,r=%s", channelBinding, serverNonce)
	c.authMessage = c.clientFirstBare + "," + c.serverFirst + "," + clientFinalWithoutProof

	clientKey := c.hmac(c.saltedPassword, []byte("Client Key"))
	storedKey := c.hash(clientKey)
	clientSignature := c.hmac(storedKey, []byte(c.authMessage))
	clientProof := xorBytes(clientKey, clientSignature)

	final := clientFinalWithoutProof + ",p=" + base64.StdEncoding.EncodeToString(clientProof)
	return []byte(final), nil
}

// Step3 verifies the server-final-message's signature against the expected
// ServerSignature, completing mutual authentication.
func (c *ScramClient) Step3(serverFinalMessage []byte) error {
	fields := parseScramFields(string(serverFinalMessage))
	if errMsg, ok := fields["e"]; ok {
		return fmt.Errorf("memdx: scram authentication failed: %s", errMsg)
	}
	sigB64, ok := fields["v"]
	if !ok {
		return fmt.Errorf("memdx: scram server-final missing verifier")
	}
	gotSig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return fmt.Errorf("memdx: scram invalid server signature: %w", err)
	}

	serverKey := c.hmac(c.saltedPassword, []byte("Server Key"))
	wantSig := c.hmac(serverKey, []byte(c.authMessage))

	if !hmac.Equal(gotSig, wantSig) {
		return fmt.Errorf("memdx: scram server signature mismatch")
	}
	return nil
}

func (c *ScramClient) hmac(key, msg []byte) []byte {
	h := hmac.New(c.newHash, key)
	h.Write(msg)
	return h.Sum(nil)
}

func (c *ScramClient) hash(data []byte) []byte {
	h := c.newHash()
	h.Write(data)
	return h.Sum(nil)
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

func scramEscape(s string) string {
	s = strings.ReplaceAll(s, "=", "=3D")
	s = strings.ReplaceAll(s, ",", "=2C")
	return s
}

func parseScramFields(msg string) map[string]string {
	fields := make(map[string]string)
	for _, part := range strings.Split(msg, ",") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) == 2 {
			fields[kv[0]] = kv[1]
		}
	}
	return fields
}

func randomNonce(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("memdx: failed to generate nonce: %w", err)
	}
	return base64.RawStdEncoding.EncodeToString(buf), nil
}
