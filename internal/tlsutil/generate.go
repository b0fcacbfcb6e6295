// Package tlsutil 自签名服务端证书生成
//
// HTTPS 启用但证书缺失时，启动阶段生成一张自签名的服务端证书，
// 内网部署无需外部 CA；操作员直接信任生成的 server.pem 即可。
package tlsutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultCertDir 默认证书目录
const DefaultCertDir = "/etc/studio-orchestrator/certs"

// defaultValidFor 证书默认有效期
const defaultValidFor = 365 * 24 * time.Hour

// CertFiles 证书与私钥的文件路径
type CertFiles struct {
	CertFile string
	KeyFile  string
}

// Exist 证书与私钥是否都已存在
func (c CertFiles) Exist() bool {
	for _, f := range []string{c.CertFile, c.KeyFile} {
		if _, err := os.Stat(f); err != nil {
			return false
		}
	}
	return true
}

// certFilesIn 返回目录下的约定文件路径
func certFilesIn(dir string) CertFiles {
	if dir == "" {
		dir = DefaultCertDir
	}
	return CertFiles{
		CertFile: filepath.Join(dir, "server.pem"),
		KeyFile:  filepath.Join(dir, "server-key.pem"),
	}
}

// GenerateOptions 证书生成选项
type GenerateOptions struct {
	// CertDir 输出目录
	CertDir string

	// Hosts 额外的 SANs（IP 或域名，逗号分隔）。
	// localhost 与回环地址始终包含。
	Hosts string

	// ValidFor 有效期；0 表示一年
	ValidFor time.Duration

	// Force 覆盖已有证书
	Force bool
}

// DefaultGenerateOptions 返回默认选项
func DefaultGenerateOptions() GenerateOptions {
	return GenerateOptions{
		CertDir:  DefaultCertDir,
		ValidFor: defaultValidFor,
	}
}

// EnsureCerts 证书齐备时直接返回路径；缺失或 Force 时生成。
func EnsureCerts(opts GenerateOptions) (*CertFiles, error) {
	files := certFilesIn(opts.CertDir)
	if !opts.Force && files.Exist() {
		return &files, nil
	}
	if err := generate(opts, files); err != nil {
		return nil, err
	}
	return &files, nil
}

// generate 生成一张自签名服务端证书（ECDSA P-256）
func generate(opts GenerateOptions, files CertFiles) error {
	validFor := opts.ValidFor
	if validFor <= 0 {
		validFor = defaultValidFor
	}
	if err := os.MkdirAll(filepath.Dir(files.CertFile), 0755); err != nil {
		return fmt.Errorf("create cert dir: %w", err)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("generate serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"Studio Orchestrator"},
			CommonName:   "studio-orchestrator",
		},
		// 回拨一小时容忍节点间时钟偏差
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(validFor),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	for _, h := range sans(opts.Hosts) {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("create certificate: %w", err)
	}
	if err := writePEM(files.CertFile, "CERTIFICATE", der, 0644); err != nil {
		return fmt.Errorf("write certificate: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal key: %w", err)
	}
	if err := writePEM(files.KeyFile, "EC PRIVATE KEY", keyDER, 0600); err != nil {
		return fmt.Errorf("write key: %w", err)
	}
	return nil
}

// sans 解析 Hosts 选项并补上始终包含的回环地址
func sans(hosts string) []string {
	seen := make(map[string]bool)
	var result []string
	add := func(h string) {
		h = strings.TrimSpace(h)
		if h != "" && !seen[h] {
			seen[h] = true
			result = append(result, h)
		}
	}

	for _, h := range []string{"localhost", "127.0.0.1", "::1"} {
		add(h)
	}
	for _, h := range strings.Split(hosts, ",") {
		add(h)
	}
	return result
}

// writePEM 私钥文件权限 0600，证书 0644
func writePEM(path, blockType string, der []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
