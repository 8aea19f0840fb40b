package gocbcorex

import "crypto/tls"

// UserPassPair is a resolved (username, password) credential for one
// (service, host) request (spec.md §9 "Authenticator polymorphism").
type UserPassPair struct {
	Username string
	Password string
}

// Authenticator resolves credentials for a given service and host. It is a
// closed variant over password and client-certificate authentication,
// matching spec.md's "represented as a closed variant over {Password,
// Certificate}" design note.
type Authenticator interface {
	// Credentials resolves a (username, password) pair for serviceType/host.
	// Certificate authenticators return the client identity's common name as
	// the username and an empty password; TLS client-cert auth is carried by
	// ClientCertificate instead.
	Credentials(serviceType, host string) (UserPassPair, error)
	// ClientCertificate returns a client certificate to present during the
	// TLS handshake, or nil if this authenticator does not use mTLS.
	ClientCertificate() *tls.Certificate
}

// PasswordAuthenticator implements Authenticator with a single static
// username/password pair, used for both KV SASL and HTTP basic-auth.
type PasswordAuthenticator struct {
	Username string
	Password string
}

func (a PasswordAuthenticator) Credentials(string, string) (UserPassPair, error) {
	return UserPassPair{Username: a.Username, Password: a.Password}, nil
}

func (a PasswordAuthenticator) ClientCertificate() *tls.Certificate { return nil }

// CertificateAuthenticator implements Authenticator with TLS client
// certificate authentication; no SASL credentials are returned.
type CertificateAuthenticator struct {
	Certificate tls.Certificate
}

func (a CertificateAuthenticator) Credentials(string, string) (UserPassPair, error) {
	return UserPassPair{}, nil
}

func (a CertificateAuthenticator) ClientCertificate() *tls.Certificate {
	return &a.Certificate
}
