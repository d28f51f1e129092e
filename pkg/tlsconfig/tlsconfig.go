// Package tlsconfig configures the platform default TLS client used when
// dialing an origin on port 443.
package tlsconfig

import "crypto/tls"

// ConfigureSNI sets tlsConfig.ServerName to host when it isn't already
// set, so the upstream handshake advertises SNI for the origin being
// dialed. Certificate validation itself is left at the platform default.
func ConfigureSNI(tlsConfig *tls.Config, host string) {
	if tlsConfig.ServerName == "" {
		tlsConfig.ServerName = host
	}
}

// ClientConfig builds the tls.Config used for every upstream TLS dial:
// platform default roots and cipher suites, TLS 1.2 floor, SNI set to
// host.
func ClientConfig(host string) *tls.Config {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	ConfigureSNI(cfg, host)
	return cfg
}
