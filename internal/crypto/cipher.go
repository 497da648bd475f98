// Package crypto 提供远端内容与文件名的可选客户端加密
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// Overhead 是每个加密对象头部 IV 的字节数, 远端大小 = 本地大小 + Overhead
const Overhead = aes.BlockSize

// Cipher holds a 32 byte AES-256 key. A nil *Cipher means encryption is off
// and every method passes data through unchanged.
type Cipher struct {
	key []byte
}

// NewCipher 将任意长度的密码通过 SHA-256 派生为 32 字节密钥
func NewCipher(password string) *Cipher {
	sum := sha256.Sum256([]byte(password))
	return &Cipher{key: sum[:]}
}

// Enabled reports whether content is transformed.
func (c *Cipher) Enabled() bool {
	return c != nil && len(c.key) > 0
}

// RemoteSize converts a plaintext size into the size stored remotely.
func (c *Cipher) RemoteSize(plain int64) int64 {
	if !c.Enabled() {
		return plain
	}
	return plain + Overhead
}

// EncryptReader 返回 [16字节随机IV] + [AES-CTR密文] 的读取流
func (c *Cipher) EncryptReader(src io.Reader) (io.Reader, error) {
	if !c.Enabled() {
		return src, nil
	}
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("无效的密钥: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("生成 IV 失败: %w", err)
	}

	return io.MultiReader(
		bytes.NewReader(iv),
		&cipher.StreamReader{S: cipher.NewCTR(block, iv), R: src},
	), nil
}

// DecryptReader 读取头部 IV 后返回明文流
func (c *Cipher) DecryptReader(src io.Reader) (io.Reader, error) {
	if !c.Enabled() {
		return src, nil
	}
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("无效的密钥: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(src, iv); err != nil {
		return nil, fmt.Errorf("读取 IV 失败或文件太短: %w", err)
	}
	return &cipher.StreamReader{S: cipher.NewCTR(block, iv), R: src}, nil
}

// SealName 加密单个路径段 (AES-GCM + Base64Url).
// The nonce is derived from the plaintext so the same name always maps to
// the same ciphertext, which keeps remote paths stable across passes.
func (c *Cipher) SealName(plain string) (string, error) {
	gcm, err := c.gcm()
	if err != nil {
		return "", err
	}
	nonceHash := sha256.Sum256([]byte(plain))
	nonce := nonceHash[:gcm.NonceSize()]
	sealed := gcm.Seal(nonce, nonce, []byte(plain), nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// OpenName 解密单个路径段
func (c *Cipher) OpenName(sealed string) (string, error) {
	data, err := base64.RawURLEncoding.DecodeString(sealed)
	if err != nil {
		return "", err
	}
	gcm, err := c.gcm()
	if err != nil {
		return "", err
	}
	if len(data) < gcm.NonceSize() {
		return "", errors.New("文件名密文太短")
	}
	plain, err := gcm.Open(nil, data[:gcm.NonceSize()], data[gcm.NonceSize():], nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func (c *Cipher) gcm() (cipher.AEAD, error) {
	if !c.Enabled() {
		return nil, errors.New("cipher disabled")
	}
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
