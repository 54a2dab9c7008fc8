package xui

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ClientSetting is one client entry inside an inbound's settings document
type ClientSetting struct {
	ID         string `json:"id,omitempty"`
	Password   string `json:"password,omitempty"`
	Method     string `json:"method,omitempty"`
	Flow       string `json:"flow,omitempty"`
	Email      string `json:"email"`
	LimitIP    int    `json:"limitIp"`
	TotalGB    int64  `json:"totalGB"`
	ExpiryTime int64  `json:"expiryTime"`
	Enable     bool   `json:"enable"`
	TgID       string `json:"tgId"`
	SubID      string `json:"subId"`
}

// Credential returns the identity the panel stores for this client:
// the uuid for vless/vmess, the password for trojan/shadowsocks.
func (c ClientSetting) Credential() string {
	if c.ID != "" {
		return c.ID
	}
	return c.Password
}

const subIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

const bytesPerGB = int64(1024 * 1024 * 1024)

// BuildClient assembles the client payload for a protocol. Quota is
// converted to bytes, validity to a unix-millisecond deadline; zero
// means unlimited for both.
func BuildClient(protocol, name string, quotaGB float64, validityDays int) (ClientSetting, error) {
	setting := ClientSetting{
		Email:   name,
		LimitIP: 0,
		Enable:  true,
		SubID:   randomSubID(16),
	}

	if quotaGB > 0 {
		setting.TotalGB = int64(quotaGB * float64(bytesPerGB))
	}
	if validityDays > 0 {
		setting.ExpiryTime = time.Now().AddDate(0, 0, validityDays).UnixMilli()
	}

	switch protocol {
	case "vless", "vmess":
		setting.ID = uuid.New().String()
	case "trojan":
		setting.Password = randomHex(16)
	case "shadowsocks":
		setting.Password = randomSecret(24)
	default:
		return ClientSetting{}, fmt.Errorf("unsupported protocol: %s", protocol)
	}
	return setting, nil
}

func randomSubID(length int) string {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms
		return uuid.New().String()[:length]
	}
	for i, b := range buf {
		buf[i] = subIDAlphabet[int(b)%len(subIDAlphabet)]
	}
	return string(buf)
}

func randomHex(bytes int) string {
	buf := make([]byte, bytes)
	if _, err := rand.Read(buf); err != nil {
		return uuid.New().String()
	}
	return hex.EncodeToString(buf)
}

func randomSecret(bytes int) string {
	buf := make([]byte, bytes)
	if _, err := rand.Read(buf); err != nil {
		return uuid.New().String()
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
