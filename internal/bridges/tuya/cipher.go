package tuya

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5" //nolint:gosec // fixed by the device firmware, not used for secrecy
	"fmt"
)

// broadcastKey decrypts encrypted discovery announcements. Every device
// uses the same key, derived from a constant in the firmware.
var broadcastKey = md5.Sum([]byte("yGAdlopoPVldABfn")) //nolint:gosec // see import

// zeroIV is the CBC initialisation vector used by protocol 3.4 and later.
var zeroIV = make([]byte, aes.BlockSize)

// Encrypt pads plain with PKCS#7 and encrypts it with key.
// Versions below 3.4 use AES-ECB, later versions AES-CBC with a zero IV.
//
// Returns an error wrapping ErrCrypto if the key is not 16, 24 or 32 bytes.
func Encrypt(plain, key []byte, v Version) ([]byte, error) {
	block, err := newBlock(key)
	if err != nil {
		return nil, err
	}

	data := pkcs7Pad(plain, aes.BlockSize)
	out := make([]byte, len(data))
	if v.UsesCBC() {
		cipher.NewCBCEncrypter(block, zeroIV).CryptBlocks(out, data)
		return out, nil
	}
	for i := 0; i < len(data); i += aes.BlockSize {
		block.Encrypt(out[i:i+aes.BlockSize], data[i:i+aes.BlockSize])
	}
	return out, nil
}

// Decrypt reverses Encrypt. It checks block alignment and padding.
func Decrypt(data, key []byte, v Version) ([]byte, error) {
	block, err := newBlock(key)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d is not a multiple of %d", ErrCrypto, len(data), aes.BlockSize)
	}

	out := make([]byte, len(data))
	if v.UsesCBC() {
		cipher.NewCBCDecrypter(block, zeroIV).CryptBlocks(out, data)
	} else {
		for i := 0; i < len(data); i += aes.BlockSize {
			block.Decrypt(out[i:i+aes.BlockSize], data[i:i+aes.BlockSize])
		}
	}
	return pkcs7Unpad(out, aes.BlockSize)
}

func newBlock(key []byte) (cipher.Block, error) {
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("%w: key must be 16, 24 or 32 bytes, got %d", ErrCrypto, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	return block, nil
}

// pkcs7Pad always adds at least one byte of padding.
func pkcs7Pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(bytes.Clone(b), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, size int) ([]byte, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty plaintext", ErrCrypto)
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, fmt.Errorf("%w: bad padding", ErrCrypto)
	}
	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return nil, fmt.Errorf("%w: bad padding", ErrCrypto)
		}
	}
	return b[:len(b)-n], nil
}
