// Package sealed 使用 age（X25519）加解密租户密钥，密文以 base64 存储
//
// 未配置私钥或私钥无效时，Seal 与 Open 均返回 ErrUnavailable，
// 调用方不得回退为明文存储。
package sealed

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"
)

var (
	// ErrUnavailable 未配置可用的私钥
	ErrUnavailable = errors.New("secret store unavailable: no identity configured")
	// ErrDecrypt 密文无法用当前私钥解开
	ErrDecrypt = errors.New("secret cannot be decrypted")
)

// Box 持有一个 age 身份，同时用作加密的接收方
type Box struct {
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
}

// New 从 AGE-SECRET-KEY-1... 格式的私钥创建 Box
// 私钥为空时返回不可用的 Box（不报错），私钥格式错误时报错
func New(identity string) (*Box, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return &Box{}, nil
	}
	id, err := age.ParseX25519Identity(identity)
	if err != nil {
		return nil, fmt.Errorf("parsing age identity: %w", err)
	}
	return &Box{identity: id, recipient: id.Recipient()}, nil
}

// GenerateIdentity 生成新的 age 私钥，返回私钥与公钥字符串
func GenerateIdentity() (string, string, error) {
	id, err := age.GenerateX25519Identity()
	if err != nil {
		return "", "", fmt.Errorf("generating age identity: %w", err)
	}
	return id.String(), id.Recipient().String(), nil
}

// Available 是否配置了私钥
func (b *Box) Available() bool {
	return b != nil && b.identity != nil
}

// Recipient 返回公钥，未配置时为空
func (b *Box) Recipient() string {
	if !b.Available() {
		return ""
	}
	return b.recipient.String()
}

// Seal 加密明文，返回 base64 密文
func (b *Box) Seal(plaintext []byte) (string, error) {
	if !b.Available() {
		return "", ErrUnavailable
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, b.recipient)
	if err != nil {
		return "", fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return "", fmt.Errorf("writing plaintext to age encryptor: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalizing age encryption: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Open 解密 base64 密文，任何解码或解密失败都返回 ErrDecrypt
func (b *Box) Open(ciphertext string) ([]byte, error) {
	if !b.Available() {
		return nil, ErrUnavailable
	}

	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding base64: %v", ErrDecrypt, err)
	}
	r, err := age.Decrypt(bytes.NewReader(raw), b.identity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: reading plaintext: %v", ErrDecrypt, err)
	}
	return plaintext, nil
}
