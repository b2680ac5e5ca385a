// Package identity generates the ephemeral TLS material a hosted session
// presents to LAN peers. Nothing here is ever written to disk.
package identity

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"fmt"
	"math/big"
	"net"
	"sort"
	"time"
)

// MaxValidity stays under the 14 day cap clients apply to certificates
// they verify by hash.
const MaxValidity = 13 * 24 * time.Hour

// Default names every identity covers.
var (
	DefaultDNSNames = []string{"localhost", "localsingleplayer"}
	DefaultIPs      = []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")}
)

// Names is the validity scope of an identity.
type Names struct {
	DNS []string
	IPs []net.IP
}

// DefaultNames returns the loopback scope extended with the given LAN
// addresses and extra names. Extra names that parse as IPs are added as IPs.
func DefaultNames(lan []net.IP, extra []string) Names {
	n := Names{
		DNS: append([]string(nil), DefaultDNSNames...),
		IPs: append([]net.IP(nil), DefaultIPs...),
	}
	n.IPs = append(n.IPs, lan...)
	for _, name := range extra {
		if ip := net.ParseIP(name); ip != nil {
			n.IPs = append(n.IPs, ip)
		} else {
			n.DNS = append(n.DNS, name)
		}
	}
	return n.dedup()
}

func (n Names) dedup() Names {
	seenDNS := make(map[string]bool)
	var dns []string
	for _, d := range n.DNS {
		if d != "" && !seenDNS[d] {
			seenDNS[d] = true
			dns = append(dns, d)
		}
	}

	seenIP := make(map[string]bool)
	var ips []net.IP
	for _, ip := range n.IPs {
		if ip == nil {
			continue
		}
		if v4 := ip.To4(); v4 != nil {
			ip = v4
		}
		if !seenIP[ip.String()] {
			seenIP[ip.String()] = true
			ips = append(ips, ip)
		}
	}

	sort.Strings(dns)
	return Names{DNS: dns, IPs: ips}
}

// Identity is a generated certificate plus the digests shared out-of-band.
type Identity struct {
	Certificate tls.Certificate
	Leaf        *x509.Certificate

	// Fingerprint is base64(sha256(certificate DER)); clients pin this.
	Fingerprint string
	// SPKIFingerprint is base64(sha256(SubjectPublicKeyInfo)).
	SPKIFingerprint string

	DNSNames []string
	IPs      []net.IP
	NotAfter time.Time
}

// Generator produces identities. The host side takes one so tests can
// inject failures.
type Generator func(Names) (*Identity, error)

// Generate creates a fresh ECDSA P-256 self-signed identity for names.
func Generate(names Names) (*Identity, error) {
	names = names.dedup()
	if len(names.DNS) == 0 && len(names.IPs) == 0 {
		return nil, fmt.Errorf("identity needs at least one name")
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}

	serialLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, serialLimit)
	if err != nil {
		return nil, fmt.Errorf("generate serial number: %w", err)
	}

	// Backdate slightly so peers with skewed clocks still accept it.
	notBefore := time.Now().Add(-time.Hour)
	notAfter := notBefore.Add(MaxValidity)

	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"forge LAN session"},
			CommonName:   "localsingleplayer",
		},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              names.DNS,
		IPAddresses:           names.IPs,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}

	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse generated certificate: %w", err)
	}

	return &Identity{
		Certificate: tls.Certificate{
			Certificate: [][]byte{der},
			PrivateKey:  key,
			Leaf:        leaf,
		},
		Leaf:            leaf,
		Fingerprint:     CertificateFingerprint(der),
		SPKIFingerprint: digest(leaf.RawSubjectPublicKeyInfo),
		DNSNames:        names.DNS,
		IPs:             names.IPs,
		NotAfter:        notAfter,
	}, nil
}

// CertificateFingerprint returns base64(sha256(der)).
func CertificateFingerprint(der []byte) string {
	return digest(der)
}

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// Covers reports whether host (DNS name or IP literal) is in scope.
func (id *Identity) Covers(host string) bool {
	return id.Leaf.VerifyHostname(host) == nil
}

// Discard drops the key material so it cannot be reused after the
// session goes private.
func (id *Identity) Discard() {
	id.Certificate = tls.Certificate{}
	id.Leaf = nil
}
