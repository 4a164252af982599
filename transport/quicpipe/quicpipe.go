// Package quicpipe realizes spec.md §1's "underlying datagram transport"
// collaborator concretely, for cmd/pingpipe, over a single QUIC stream.
// It is grounded in the teacher's sockatz/common/conn.go (QUICProxyConn,
// the Transport{Accept,Dial} shape) and in cppla-moto's and
// hayabusa-cloud-framer's quic-go-based proxies; the self-signed TLS
// bootstrap below is reconstructed locally since the teacher's own
// common.GenerateTLSConfig helper (package http/common) was not part of
// the retrieved file set.
//
// Frames are length-prefixed on the wire (a 4-byte big-endian length
// followed by that many bytes), the same length-prefix-over-a-stream
// shape hayabusa-cloud-framer's framer package gives a byte stream — that
// idea is reused here directly rather than imported, since
// code.hybscloud.com/iox is not a publicly resolvable module path.
package quicpipe

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"io"
	"math/big"
	"time"

	quic "github.com/quic-go/quic-go"
)

const maxFrameLen = 1 << 20 // 1 MiB, generous upper bound for demo payloads

// ErrFrameTooLarge is returned by ReadFrame when the advertised length
// exceeds maxFrameLen.
var ErrFrameTooLarge = errors.New("quicpipe: frame exceeds maximum length")

// GenerateTLSConfig produces a throwaway self-signed certificate for the
// demo's QUIC handshake. Peer authentication is explicitly out of scope
// (spec.md §1 Non-goals); this exists only so quic-go has something to
// present, not to authenticate anyone.
func GenerateTLSConfig() (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return nil, err
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"pktpipe"},
	}, nil
}

// Stream wraps a single QUIC stream with length-prefixed frame I/O
// matching spec.md §6's "hand whole byte messages to the transport"
// contract.
type Stream struct {
	qs quic.Stream
}

// ReadFrame blocks until a complete frame is available and returns it.
func (s *Stream) ReadFrame() ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(s.qs, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameLen {
		return nil, ErrFrameTooLarge
	}
	frame := make([]byte, n)
	if _, err := io.ReadFull(s.qs, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

// WriteFrame writes frame with its 4-byte length prefix.
func (s *Stream) WriteFrame(frame []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(frame)))
	if _, err := s.qs.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := s.qs.Write(frame)
	return err
}

// Close closes the underlying stream.
func (s *Stream) Close() error {
	return s.qs.Close()
}

// Listen accepts a single incoming QUIC connection on addr and returns its
// first stream.
func Listen(ctx context.Context, addr string) (*Stream, error) {
	tlsConf, err := GenerateTLSConfig()
	if err != nil {
		return nil, err
	}
	listener, err := quic.ListenAddr(addr, tlsConf, nil)
	if err != nil {
		return nil, err
	}
	conn, err := listener.Accept(ctx)
	if err != nil {
		return nil, err
	}
	qs, err := conn.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return &Stream{qs: qs}, nil
}

// Dial opens a QUIC connection to addr and returns its first stream.
func Dial(ctx context.Context, addr string) (*Stream, error) {
	tlsConf := &tls.Config{InsecureSkipVerify: true, NextProtos: []string{"pktpipe"}}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, nil)
	if err != nil {
		return nil, err
	}
	qs, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return &Stream{qs: qs}, nil
}
