package engine

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"

	"github.com/edgelink/sio/parsers/engine/packet"
)

// ErrDecryption reports a MESSAGE payload that carries the encryption
// magic but cannot be decrypted. The session is closed rather than
// exposing ciphertext to the codec.
var ErrDecryption = errors.New("payload decryption failed")

// encryptionMagic marks an encrypted payload. Frames without it pass
// through untouched.
var encryptionMagic = []byte{0xe5, 0x10, 0x51, 0x0e}

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zlibMagic = []byte{0x78, 0x9c}
)

// FilterChain applies the transparent byte-level filters around MESSAGE
// payloads: compression on write above a size threshold, encryption on
// write when configured, and magic-header driven reversal on read.
// Control packets are never filtered. Both peers of a connection must
// share the same configuration or encrypted frames fail decryption.
type FilterChain struct {
	compression bool
	encryption  *EncryptionOptions

	// compressThreshold keeps tiny frames uncompressed; compressing
	// them costs more bytes than it saves.
	compressThreshold int
}

// NewFilterChain builds a filter chain; the client transports share it
// with the server.
func NewFilterChain(compression bool, encryption *EncryptionOptions) *FilterChain {
	return &FilterChain{
		compression:       compression,
		encryption:        encryption,
		compressThreshold: 1024,
	}
}

func newFilterChain(opts *ServerOptions) *FilterChain {
	return NewFilterChain(opts.Compression, opts.Encryption)
}

func (f *FilterChain) active() bool {
	return f.compression || f.encryption != nil
}

// Outbound rewrites a MESSAGE packet for the wire. Other packet types
// are returned unchanged.
func (f *FilterChain) Outbound(p *packet.Packet) (*packet.Packet, error) {
	if p.Type != packet.MESSAGE || !f.active() {
		return p, nil
	}
	data := p.Data
	binary := p.Binary
	if f.compression && len(data) >= f.compressThreshold {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		data = buf.Bytes()
		binary = true
	}
	if f.encryption != nil {
		sealed, err := encrypt(f.encryption, data)
		if err != nil {
			return nil, err
		}
		data = append(append(make([]byte, 0, len(encryptionMagic)+len(sealed)), encryptionMagic...), sealed...)
		binary = true
	}
	return &packet.Packet{Type: packet.MESSAGE, Data: data, Binary: binary}, nil
}

// Inbound reverses the filters on a received MESSAGE packet, keyed off
// the magic headers so unfiltered peers interoperate.
func (f *FilterChain) Inbound(p *packet.Packet) (*packet.Packet, error) {
	if p.Type != packet.MESSAGE {
		return p, nil
	}
	data := p.Data
	if bytes.HasPrefix(data, encryptionMagic) {
		if f.encryption == nil {
			return nil, fmt.Errorf("%w: no key configured", ErrDecryption)
		}
		plain, err := decrypt(f.encryption, data[len(encryptionMagic):])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
		}
		data = plain
	}
	switch {
	case bytes.HasPrefix(data, gzipMagic):
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		plain, err := io.ReadAll(zr)
		if err != nil {
			return nil, err
		}
		data = plain
	case bytes.HasPrefix(data, zlibMagic):
		zr, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		plain, err := io.ReadAll(zr)
		if err != nil {
			return nil, err
		}
		data = plain
	}
	return &packet.Packet{Type: packet.MESSAGE, Data: data, Binary: false}, nil
}

func encrypt(opts *EncryptionOptions, plain []byte) ([]byte, error) {
	block, err := aes.NewCipher(opts.Key)
	if err != nil {
		return nil, err
	}
	switch opts.Algorithm {
	case AES128GCM, AES256GCM, "":
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, err
		}
		nonce := make([]byte, gcm.NonceSize())
		if _, err := rand.Read(nonce); err != nil {
			return nil, err
		}
		return gcm.Seal(nonce, nonce, plain, nil), nil
	case AES128CBC, AES256CBC:
		padded := pkcs7Pad(plain, aes.BlockSize)
		iv := make([]byte, aes.BlockSize)
		if _, err := rand.Read(iv); err != nil {
			return nil, err
		}
		out := make([]byte, len(iv)+len(padded))
		copy(out, iv)
		cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[len(iv):], padded)
		return out, nil
	}
	return nil, fmt.Errorf("unsupported encryption algorithm %q", opts.Algorithm)
}

func decrypt(opts *EncryptionOptions, sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(opts.Key)
	if err != nil {
		return nil, err
	}
	switch opts.Algorithm {
	case AES128GCM, AES256GCM, "":
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, err
		}
		if len(sealed) < gcm.NonceSize() {
			return nil, errors.New("truncated ciphertext")
		}
		return gcm.Open(nil, sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():], nil)
	case AES128CBC, AES256CBC:
		if len(sealed) < aes.BlockSize || (len(sealed)-aes.BlockSize)%aes.BlockSize != 0 {
			return nil, errors.New("truncated ciphertext")
		}
		iv, body := sealed[:aes.BlockSize], sealed[aes.BlockSize:]
		out := make([]byte, len(body))
		cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, body)
		return pkcs7Unpad(out, aes.BlockSize)
	}
	return nil, fmt.Errorf("unsupported encryption algorithm %q", opts.Algorithm)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	pad := blockSize - len(data)%blockSize
	out := make([]byte, len(data)+pad)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(pad)
	}
	return out
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("invalid padded length")
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > blockSize || pad > len(data) {
		return nil, errors.New("invalid padding")
	}
	for _, b := range data[len(data)-pad:] {
		if int(b) != pad {
			return nil, errors.New("invalid padding")
		}
	}
	return data[:len(data)-pad], nil
}
