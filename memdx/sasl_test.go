package memdx

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/pbkdf2"
)

func TestEncodePlainAuth(t *testing.T) {
	got := EncodePlainAuth("alice", "s3cr3t")
	require.Equal(t, "\x00alice\x00s3cr3t", string(got))
}

func TestSelectSASLMechanismPrefersStrongest(t *testing.T) {
	mech, err := SelectSASLMechanism(DefaultSASLMechanismOrder, "PLAIN SCRAM-SHA256 SCRAM-SHA512")
	require.NoError(t, err)
	require.Equal(t, SASLMechanismScramSHA512, mech)
}

func TestSelectSASLMechanismFallsBackToPlain(t *testing.T) {
	mech, err := SelectSASLMechanism(DefaultSASLMechanismOrder, "PLAIN")
	require.NoError(t, err)
	require.Equal(t, SASLMechanismPlain, mech)
}

func TestSelectSASLMechanismNoOverlap(t *testing.T) {
	_, err := SelectSASLMechanism(DefaultSASLMechanismOrder, "UNKNOWN-MECH")
	require.Error(t, err)
}

func TestNewScramClientRejectsUnsupportedMechanism(t *testing.T) {
	_, err := NewScramClient(SASLMechanismPlain, "u", "p")
	require.Error(t, err)
}

func TestScramClientStep1ContainsUsernameAndNonce(t *testing.T) {
	c, err := NewScramClient(SASLMechanismScramSHA256, "alice", "password")
	require.NoError(t, err)

	msg := string(c.Step1())
	require.True(t, strings.HasPrefix(msg, "n,,n=alice,r="))
}

// fakeScramServer implements just enough of the server side of a SCRAM
// exchange (with the well-known client key/server key derivation) to drive
// ScramClient through a full, successful three-message handshake.
type fakeScramServer struct {
	username   string
	password   string
	clientNonce string
	serverNonce string
	salt       []byte
	iterations int
}

func (s *fakeScramServer) firstMessage(clientFirstBare string) string {
	fields := parseScramFields(clientFirstBare)
	s.clientNonce = fields["r"]
	s.serverNonce = s.clientNonce + "server-extra"
	s.salt = []byte("fixed-salt-value")
	s.iterations = 4096
	return fmt.Sprintf("r=%s,s=%s,i=%d", s.serverNonce, base64.StdEncoding.EncodeToString(s.salt), s.iterations)
}

func (s *fakeScramServer) finalMessage(authMessage string) string {
	saltedPassword := pbkdf2.Key([]byte(s.password), s.salt, s.iterations, sha256.Size, sha256.New)
	serverKey := hmacSum(saltedPassword, []byte("Server Key"))
	sig := hmacSum(serverKey, []byte(authMessage))
	return "v=" + base64.StdEncoding.EncodeToString(sig)
}

func hmacSum(key, msg []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(msg)
	return h.Sum(nil)
}

func TestScramClientFullExchangeSucceeds(t *testing.T) {
	c, err := NewScramClient(SASLMechanismScramSHA256, "alice", "password")
	require.NoError(t, err)

	clientFirst := c.Step1()

	server := &fakeScramServer{username: "alice", password: "password"}
	// clientFirstBare is everything after the "n,," GS2 header.
	serverFirst := server.firstMessage(strings.TrimPrefix(string(clientFirst), "n,,"))

	clientFinal, err := c.Step2([]byte(serverFirst))
	require.NoError(t, err)
	require.Contains(t, string(clientFinal), "p=")

	authMessageStart := strings.Index(string(clientFinal), "c=")
	clientFinalWithoutProof := string(clientFinal)[:strings.Index(string(clientFinal), ",p=")]
	authMessage := c.clientFirstBare + "," + serverFirst + "," + clientFinalWithoutProof
	require.GreaterOrEqual(t, authMessageStart, 0)

	serverFinal := server.finalMessage(authMessage)
	require.NoError(t, c.Step3([]byte(serverFinal)))
}

func TestScramClientStep2RejectsMismatchedNonce(t *testing.T) {
	c, err := NewScramClient(SASLMechanismScramSHA256, "alice", "password")
	require.NoError(t, err)
	_ = c.Step1()

	_, err = c.Step2([]byte("r=totally-different-nonce,s=" + base64.StdEncoding.EncodeToString([]byte("salt")) + ",i=4096"))
	require.Error(t, err)
}

func TestScramClientStep3RejectsServerError(t *testing.T) {
	c, err := NewScramClient(SASLMechanismScramSHA256, "alice", "password")
	require.NoError(t, err)
	_ = c.Step1()

	err = c.Step3([]byte("e=invalid-proof"))
	require.Error(t, err)
}

func TestScramEscapeAndParseScramFields(t *testing.T) {
	require.Equal(t, "user=3Dname=2Ctest", scramEscape("user=name,test"))

	fields := parseScramFields("r=abc,s=def,i=4096")
	require.Equal(t, "abc", fields["r"])
	require.Equal(t, "def", fields["s"])
	require.Equal(t, "4096", fields["i"])
}
