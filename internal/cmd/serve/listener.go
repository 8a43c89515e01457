package serve

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/moodlog/conversation-store/internal/config"
	"github.com/soheilhy/cmux"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// RunningServer is the bound port and the HTTP servers sharing it.
type RunningServer struct {
	Port    int
	servers []*http.Server
	lis     net.Listener
	once    sync.Once
	err     error
}

// Close drains every server, then releases the port. Safe to call twice.
func (r *RunningServer) Close(ctx context.Context) error {
	r.once.Do(func() {
		var errs []error
		for _, srv := range r.servers {
			if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errs = append(errs, err)
			}
		}
		_ = r.lis.Close()
		r.err = errors.Join(errs...)
	})
	return r.err
}

// startListener binds one port for the API. cmux sends TLS handshakes to the
// TLS server and everything else to plaintext HTTP/1.1 with h2c upgrade.
func startListener(cfg config.ListenerConfig, handler http.Handler) (*RunningServer, error) {
	if !cfg.EnablePlainText && !cfg.EnableTLS {
		return nil, errors.New("listener needs plaintext, tls or both enabled")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 5 * time.Second
	}

	var tlsConf *tls.Config
	if cfg.EnableTLS {
		cert, err := serverCertificate(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return nil, err
		}
		tlsConf = &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{"h2", "http/1.1"},
			MinVersion:   tls.VersionTLS12,
		}
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("listen on port %d: %w", cfg.Port, err)
	}
	running := &RunningServer{lis: lis}
	if addr, ok := lis.Addr().(*net.TCPAddr); ok {
		running.Port = addr.Port
	}

	m := cmux.New(lis)
	// Matchers run in registration order, so TLS must come before Any.
	if tlsConf != nil {
		running.serve("tls", handler, tls.NewListener(m.Match(cmux.TLS()), tlsConf), cfg.ReadHeaderTimeout)
	}
	if cfg.EnablePlainText {
		running.serve("plaintext", h2c.NewHandler(handler, &http2.Server{}), m.Match(cmux.Any()), cfg.ReadHeaderTimeout)
	}
	go func() {
		if err := m.Serve(); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Error("Connection multiplexer stopped", "err", err)
		}
	}()
	return running, nil
}

func (r *RunningServer) serve(name string, handler http.Handler, lis net.Listener, readHeaderTimeout time.Duration) {
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: readHeaderTimeout}
	r.servers = append(r.servers, srv)
	go func() {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, cmux.ErrListenerClosed) {
			log.Error("HTTP server stopped", "listener", name, "err", err)
		}
	}()
}

// serverCertificate loads the configured key pair or, when none is given,
// mints a throwaway self-signed one for localhost.
func serverCertificate(certFile, keyFile string) (tls.Certificate, error) {
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("load tls key pair: %w", err)
		}
		return cert, nil
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate tls key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate tls serial: %w", err)
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "conversation-store"},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.AddDate(1, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("self-sign tls certificate: %w", err)
	}
	log.Warn("Serving TLS with a self-signed certificate")
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}
