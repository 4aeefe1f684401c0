package segcipher

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrCipherFailure covers bad key or IV lengths and ciphertext that is not block aligned.
var ErrCipherFailure = errors.New("cipher failure")

// IV derives the initialization vector of a segment: all zero except the last four
// bytes, which hold the segment index in big-endian order.
func IV(index uint32) [aes.BlockSize]byte {
	var iv [aes.BlockSize]byte
	binary.BigEndian.PutUint32(iv[aes.BlockSize-4:], index)
	return iv
}

// Decrypt decrypts an AES-128-CBC segment payload. Padding is left in place: the
// payload is MPEG-TS and the bytes are passed through exactly as decrypted.
func Decrypt(ciphertext, key, iv []byte) ([]byte, error) {
	if len(key) != 16 {
		return nil, fmt.Errorf("%w: key is %d bytes, want 16", ErrCipherFailure, len(key))
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("%w: iv is %d bytes, want %d", ErrCipherFailure, len(iv), aes.BlockSize)
	}
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d is not a multiple of %d", ErrCipherFailure, len(ciphertext), aes.BlockSize)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCipherFailure, err)
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)
	return plaintext, nil
}

// DecryptSegment decrypts the payload of the segment at index with key.
func DecryptSegment(ciphertext, key []byte, index uint32) ([]byte, error) {
	iv := IV(index)
	return Decrypt(ciphertext, key, iv[:])
}
