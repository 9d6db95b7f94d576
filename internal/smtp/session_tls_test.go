package smtp

import (
	"bufio"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"strings"
	"testing"
	"time"
)

// testTLSConfig builds a server TLS config around a self-signed
// in-memory certificate for mail.test.com.
func testTLSConfig(t *testing.T) *tls.Config {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "mail.test.com"},
		DNSNames:     []string{"mail.test.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("creating certificate: %v", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
	}
}

// startTLSSession runs a session with STARTTLS available.
func startTLSSession(t *testing.T) (net.Conn, *bufio.Reader, *dispatchRecorder, chan struct{}) {
	t.Helper()
	client, server := connPair(t)
	t.Cleanup(func() { client.Close() })

	rec := &dispatchRecorder{}
	sess := NewSession(server, SessionConfig{
		Hostname:       "mail.test.com",
		MaxMessageSize: 1 << 20,
		IdleTimeout:    5 * time.Second,
		TLSConfig:      testTLSConfig(t),
	}, testRegistry(), realDecoder{}, rec.dispatch, testLogger())

	done := make(chan struct{})
	go func() {
		sess.Handle()
		close(done)
	}()

	reader := bufio.NewReader(client)
	expectPrefix(t, reader, "220 ")
	return client, reader, rec, done
}

// readEHLOReply collects the multi-line EHLO response.
func readEHLOReply(t *testing.T, reader *bufio.Reader) []string {
	t.Helper()
	var lines []string
	for {
		line := readLine(t, reader)
		lines = append(lines, line)
		if strings.HasPrefix(line, "250 ") {
			return lines
		}
		if !strings.HasPrefix(line, "250-") {
			t.Fatalf("EHLO reply: got %q, want 250- or 250 prefix", line)
		}
	}
}

func containsLine(lines []string, line string) bool {
	for _, l := range lines {
		if l == line {
			return true
		}
	}
	return false
}

func TestSession_STARTTLSUpgradeAndTransaction(t *testing.T) {
	t.Parallel()

	client, reader, rec, done := startTLSSession(t)

	sendCmd(t, client, "EHLO client.test.com")
	if lines := readEHLOReply(t, reader); !containsLine(lines, "250-STARTTLS") {
		t.Fatalf("EHLO before upgrade: got %v, want STARTTLS advertised", lines)
	}

	sendCmd(t, client, "STARTTLS")
	expectPrefix(t, reader, "220 ")

	tlsClient := tls.Client(client, &tls.Config{
		ServerName:         "mail.test.com",
		InsecureSkipVerify: true,
	})
	if err := tlsClient.Handshake(); err != nil {
		t.Fatalf("TLS handshake: %v", err)
	}
	reader = bufio.NewReader(tlsClient)

	// The secured stream starts over from the greeting state.
	sendCmd(t, tlsClient, "EHLO client.test.com")
	if lines := readEHLOReply(t, reader); containsLine(lines, "250-STARTTLS") {
		t.Fatalf("EHLO after upgrade: got %v, want STARTTLS no longer advertised", lines)
	}

	sendCmd(t, tlsClient, "MAIL FROM:<bob@other.com>")
	expectPrefix(t, reader, "250 ")
	sendCmd(t, tlsClient, "RCPT TO:<alice@example.com>")
	expectPrefix(t, reader, "250 ")
	sendCmd(t, tlsClient, "DATA")
	expectPrefix(t, reader, "354 ")
	sendCmd(t, tlsClient, "Subject: secure")
	sendCmd(t, tlsClient, "")
	sendCmd(t, tlsClient, "secret body")
	sendCmd(t, tlsClient, ".")
	expectPrefix(t, reader, "250 ")

	sendCmd(t, tlsClient, "QUIT")
	expectPrefix(t, reader, "221 ")
	waitDone(t, done)

	if rec.count() != 1 {
		t.Fatalf("dispatch calls: got %d, want 1", rec.count())
	}
	call := rec.last()
	if len(call.accounts) != 1 || call.accounts[0].ChatID != "123" {
		t.Errorf("accounts: got %+v, want one account with chat id 123", call.accounts)
	}
	if call.msg.Excerpt != "secret body" {
		t.Errorf("Excerpt: got %q, want %q", call.msg.Excerpt, "secret body")
	}
}

func TestSession_STARTTLSResetsToGreeting(t *testing.T) {
	t.Parallel()

	client, reader, rec, done := startTLSSession(t)

	sendCmd(t, client, "EHLO client.test.com")
	readEHLOReply(t, reader)
	sendCmd(t, client, "STARTTLS")
	expectPrefix(t, reader, "220 ")

	tlsClient := tls.Client(client, &tls.Config{
		ServerName:         "mail.test.com",
		InsecureSkipVerify: true,
	})
	if err := tlsClient.Handshake(); err != nil {
		t.Fatalf("TLS handshake: %v", err)
	}
	reader = bufio.NewReader(tlsClient)

	// The pre-upgrade greeting does not carry over: MAIL on the fresh
	// stream is out of order until the peer greets again.
	sendCmd(t, tlsClient, "MAIL FROM:<bob@other.com>")
	expectPrefix(t, reader, "503 ")
	waitDone(t, done)

	if rec.count() != 0 {
		t.Errorf("dispatch calls: got %d, want 0", rec.count())
	}
}

func TestSession_STARTTLSUnavailable(t *testing.T) {
	t.Parallel()

	// No TLS config: the capability is neither advertised nor accepted.
	client, reader, rec, done := startSession(t, 1<<20)

	sendCmd(t, client, "EHLO client.test.com")
	if lines := readEHLOReply(t, reader); containsLine(lines, "250-STARTTLS") {
		t.Fatalf("EHLO without TLS config: got %v, want no STARTTLS", lines)
	}

	sendCmd(t, client, "STARTTLS")
	expectPrefix(t, reader, "454 ")
	waitDone(t, done)

	if rec.count() != 0 {
		t.Errorf("dispatch calls: got %d, want 0", rec.count())
	}
}
