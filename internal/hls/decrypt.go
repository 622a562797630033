package hls

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"

	"segdl/internal/models"
)

const (
	tsPacketSize = 188
	tsSyncByte   = 0x47
)

// ivForSequence derives the default IV: the media sequence number as a big-endian 128-bit integer.
func ivForSequence(n uint64) []byte {
	iv := make([]byte, aes.BlockSize)
	binary.BigEndian.PutUint64(iv[8:], n)
	return iv
}

// padIV left-pads an explicit IV with zeros to the block size.
func padIV(iv []byte) []byte {
	if len(iv) >= aes.BlockSize {
		return iv[len(iv)-aes.BlockSize:]
	}
	out := make([]byte, aes.BlockSize)
	copy(out[aes.BlockSize-len(iv):], iv)
	return out
}

// decryptSegment decrypts AES-128-CBC data. Trailing bytes that do not fill a block are dropped.
func decryptSegment(data, key, iv []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrDecryption, err)
	}
	if garbage := len(data) % aes.BlockSize; garbage > 0 {
		data = data[:len(data)-garbage]
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: segment is shorter than one cipher block", models.ErrDecryption)
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, padIV(iv)).CryptBlocks(out, data)
	return pkcs7Unpad(out, aes.BlockSize)
}

// pkcs7Unpad removes PKCS#7 padding. Corrupt padding is an ErrDecryption.
func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: cannot unpad empty data", models.ErrDecryption)
	}
	val := int(data[len(data)-1])
	if val == 0 || val > blockSize || val > len(data) {
		return nil, fmt.Errorf("%w: input is not padded or padding is corrupt, got padding size of %d", models.ErrDecryption, val)
	}
	return data[:len(data)-val], nil
}

// trimToSync drops everything before the first MPEG-TS sync pattern (three sync bytes one packet apart).
func trimToSync(data []byte) ([]byte, error) {
	for i := 0; i+2*tsPacketSize < len(data); i++ {
		j := bytes.IndexByte(data[i:], tsSyncByte)
		if j < 0 {
			break
		}
		i += j
		if i+2*tsPacketSize >= len(data) {
			break
		}
		if data[i+tsPacketSize] == tsSyncByte && data[i+2*tsPacketSize] == tsSyncByte {
			return data[i:], nil
		}
	}
	return nil, errors.New("segment is not an MPEG-TS file")
}
