package config

import (
	"crypto/tls"
	"crypto/x509"
	"io/ioutil"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// TLS is the policy for verifying the servers we download from
// (GitHub's API and archive hosts).
type TLS struct {
	Verify bool
	// CABundle, if given, is a PEM file of certificates to trust in
	// addition to the system roots.
	CABundle string
}

func (t TLS) Config() (*tls.Config, error) {
	if !t.Verify {
		return &tls.Config{InsecureSkipVerify: true}, nil
	}
	if t.CABundle == "" {
		return &tls.Config{}, nil
	}
	pem, err := ioutil.ReadFile(t.CABundle)
	if err != nil {
		return nil, errors.Wrap(err, "reading CA bundle")
	}
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.Errorf("no certificates found in CA bundle %s", t.CABundle)
	}
	return &tls.Config{RootCAs: pool}, nil
}

// Transport returns a fresh HTTP transport with the TLS policy
// applied, based on http.DefaultTransport's settings.
func (t TLS) Transport() (*http.Transport, error) {
	tlsConfig, err := t.Config()
	if err != nil {
		return nil, err
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsConfig
	return transport, nil
}

// HTTPClient is a client using Transport, with the given overall
// timeout (zero meaning none).
func (t TLS) HTTPClient(timeout time.Duration) (*http.Client, error) {
	transport, err := t.Transport()
	if err != nil {
		return nil, err
	}
	return &http.Client{Transport: transport, Timeout: timeout}, nil
}
