// Package security 提供邮箱凭据加密与外发内容检查。
package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	sealedPrefix = "sb1:"
	nonceSize    = 24
	keySize      = 32
)

var (
	// ErrCredentialKeyMissing 存量凭据已加密但当前未配置密钥
	ErrCredentialKeyMissing = errors.New("credential is sealed but no credential key is configured")
	// ErrCredentialCorrupt 密文无法解开
	ErrCredentialCorrupt = errors.New("sealed credential is corrupt")
)

// Cipher 使用 NaCl secretbox 加密邮箱密码，密钥由配置口令经 HKDF-SHA256 派生。
//
// 未配置口令时 Seal 原样返回明文；Open 对没有 "sb1:" 前缀的值原样返回，
// 因此可以对已有的明文数据平滑开启加密。
type Cipher struct {
	key *[keySize]byte
}

// NewCipher 创建 Cipher，secret 为空时只做透传
func NewCipher(secret string) (*Cipher, error) {
	if secret == "" {
		return &Cipher{}, nil
	}
	var key [keySize]byte
	kdf := hkdf.New(sha256.New, []byte(secret), []byte("mailcode"), []byte("mailbox-credential"))
	if _, err := io.ReadFull(kdf, key[:]); err != nil {
		return nil, fmt.Errorf("derive credential key: %w", err)
	}
	return &Cipher{key: &key}, nil
}

// Enabled 是否配置了密钥
func (c *Cipher) Enabled() bool {
	return c != nil && c.key != nil
}

// Seal 加密明文凭据
func (c *Cipher) Seal(plain string) (string, error) {
	if !c.Enabled() {
		return plain, nil
	}
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	box := secretbox.Seal(nonce[:], []byte(plain), &nonce, c.key)
	return sealedPrefix + base64.RawURLEncoding.EncodeToString(box), nil
}

// Open 还原凭据
func (c *Cipher) Open(stored string) (string, error) {
	if !strings.HasPrefix(stored, sealedPrefix) {
		return stored, nil
	}
	if !c.Enabled() {
		return "", ErrCredentialKeyMissing
	}

	box, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(stored, sealedPrefix))
	if err != nil || len(box) < nonceSize+secretbox.Overhead {
		return "", ErrCredentialCorrupt
	}
	var nonce [nonceSize]byte
	copy(nonce[:], box[:nonceSize])
	plain, ok := secretbox.Open(nil, box[nonceSize:], &nonce, c.key)
	if !ok {
		return "", ErrCredentialCorrupt
	}
	return string(plain), nil
}
