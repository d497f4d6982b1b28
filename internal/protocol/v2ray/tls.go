package v2ray

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"strings"

	utls "github.com/refraction-networking/utls"
)

// helloID maps a configured fingerprint name to a uTLS ClientHello.
// Unknown names fall back to Chrome, the least remarkable choice.
func helloID(fingerprint string) utls.ClientHelloID {
	switch strings.ToLower(fingerprint) {
	case "", "chrome", "chrome_auto":
		return utls.HelloChrome_Auto
	case "firefox", "firefox_auto":
		return utls.HelloFirefox_Auto
	case "safari", "safari_auto":
		return utls.HelloSafari_Auto
	case "ios", "ios_auto":
		return utls.HelloIOS_Auto
	case "edge", "edge_auto":
		return utls.HelloEdge_Auto
	case "random", "randomized":
		return utls.HelloRandomized
	case "golang":
		return utls.HelloGolang
	default:
		return utls.HelloChrome_Auto
	}
}

// wrapTLS performs a uTLS handshake mimicking the configured browser
// fingerprint. The SNI stays fully controlled by config, independent of the
// dialed address.
func wrapTLS(ctx context.Context, conn net.Conn, sni, fingerprint string, insecure bool, rootCAs *x509.CertPool) (net.Conn, error) {
	uCfg := &utls.Config{
		ServerName:         sni,
		InsecureSkipVerify: insecure,
		MinVersion:         tls.VersionTLS12,
	}
	if rootCAs != nil {
		uCfg.RootCAs = rootCAs
	}

	uconn := utls.UClient(conn, uCfg, helloID(fingerprint))
	if err := uconn.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return uconn, nil
}

// certificateRejected reports whether a handshake failure is a certificate
// verification problem as opposed to a generic TLS failure.
func certificateRejected(err error) bool {
	var unknownAuthority x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	var invalidErr x509.CertificateInvalidError
	if errors.As(err, &unknownAuthority) || errors.As(err, &hostnameErr) || errors.As(err, &invalidErr) {
		return true
	}
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return true
	}
	// uTLS wraps its own copies of the x509 error types.
	msg := err.Error()
	return strings.Contains(msg, "certificate") || strings.Contains(msg, "x509")
}
