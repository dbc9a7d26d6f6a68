// Package tlsconfig loads the TLS certificate/key pair named on the command
// line into a *tls.Config built once at startup.
package tlsconfig

import (
	"crypto/tls"
	"fmt"
)

// Load reads certFile/keyFile and returns a server-side tls.Config. Any
// error here is startup-fatal per spec §6/§7.
func Load(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("tlsconfig: loading cert/key pair: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
