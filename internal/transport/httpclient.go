package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// Policy описывает параметры соединения с шлюзом. Каждый таймаут
// настраивается отдельно.
type Policy struct {
	MinTLSVersion   uint16
	ConnectTimeout  time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	PoolTimeout     time.Duration
	MaxConnsPerHost int
	// RootCAs заменяет системные корневые сертификаты (используется в тестах).
	RootCAs *x509.CertPool
}

func DefaultPolicy() Policy {
	return Policy{
		MinTLSVersion:   tls.VersionTLS12,
		ConnectTimeout:  10 * time.Second,
		ReadTimeout:     90 * time.Second,
		WriteTimeout:    10 * time.Second,
		PoolTimeout:     10 * time.Second,
		MaxConnsPerHost: 10,
	}
}

// ParseTLSVersion принимает "1.2" или "1.3".
func ParseTLSVersion(s string) (uint16, error) {
	switch strings.TrimSpace(s) {
	case "1.2", "TLS1.2", "TLSv1.2":
		return tls.VersionTLS12, nil
	case "1.3", "TLS1.3", "TLSv1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("unsupported TLS version %q", s)
	}
}

// NewHTTPClient возвращает http.Client с транспортом, настроенным по политике.
// Общий Timeout у клиента не задан: он оборвал бы долгие стримы. Вместо него
// действуют дедлайны на каждое чтение и запись.
func NewHTTPClient(p Policy) *http.Client {
	p = withDefaults(p)
	dialer := &net.Dialer{
		Timeout:   p.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				conn, err := dialer.DialContext(ctx, network, addr)
				if err != nil {
					return nil, err
				}
				return &deadlineConn{Conn: conn, read: p.ReadTimeout, write: p.WriteTimeout}, nil
			},
			TLSClientConfig: &tls.Config{
				MinVersion: p.MinTLSVersion,
				RootCAs:    p.RootCAs,
			},
			ForceAttemptHTTP2:     true,
			MaxConnsPerHost:       p.MaxConnsPerHost,
			MaxIdleConns:          p.MaxConnsPerHost,
			MaxIdleConnsPerHost:   p.MaxConnsPerHost,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   p.ConnectTimeout,
			ResponseHeaderTimeout: p.ReadTimeout,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}

func withDefaults(p Policy) Policy {
	d := DefaultPolicy()
	if p.MinTLSVersion < tls.VersionTLS12 {
		p.MinTLSVersion = d.MinTLSVersion
	}
	if p.ConnectTimeout <= 0 {
		p.ConnectTimeout = d.ConnectTimeout
	}
	if p.ReadTimeout <= 0 {
		p.ReadTimeout = d.ReadTimeout
	}
	if p.WriteTimeout <= 0 {
		p.WriteTimeout = d.WriteTimeout
	}
	if p.PoolTimeout <= 0 {
		p.PoolTimeout = d.PoolTimeout
	}
	if p.MaxConnsPerHost <= 0 {
		p.MaxConnsPerHost = d.MaxConnsPerHost
	}
	return p
}

// deadlineConn продлевает дедлайн перед каждым Read и Write, так что таймаут
// считается от последней активности, а не от начала запроса.
type deadlineConn struct {
	net.Conn
	read  time.Duration
	write time.Duration
}

func (c *deadlineConn) Read(b []byte) (int, error) {
	if c.read > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.read)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(b)
}

func (c *deadlineConn) Write(b []byte) (int, error) {
	if c.write > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.write)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Write(b)
}
