package ledger

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

type DialConfig struct {
	URL              string
	JWTSecret        string
	HandshakeTimeout time.Duration
}

// Client bundles the typed client with the raw one, which is needed for
// receipt fields the typed client drops.
type Client struct {
	*ethclient.Client
	RPC *rpc.Client
}

// Dial connects over http(s) or ws(s).
func Dial(ctx context.Context, cfg DialConfig, logger *logrus.Logger) (*Client, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, fmt.Errorf("rpc url missing")
	}
	if !strings.HasPrefix(url, "http") && !strings.HasPrefix(url, "ws") {
		return nil, fmt.Errorf("rpc url must be http(s):// or ws(s)://, got %q", url)
	}

	var opts []rpc.ClientOption
	if strings.HasPrefix(url, "ws") {
		timeout := cfg.HandshakeTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		opts = append(opts, rpc.WithWebsocketDialer(websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: timeout,
		}))
	}
	if cfg.JWTSecret != "" {
		auth, err := NewJWTAuthenticator(cfg.JWTSecret)
		if err != nil {
			return nil, err
		}
		opts = append(opts, rpc.WithHTTPAuth(auth.HTTPAuth()))
	}

	raw, err := rpc.DialOptions(ctx, url, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"websocket": strings.HasPrefix(url, "ws"),
		"jwt_auth":  cfg.JWTSecret != "",
	}).Info("Connected to ledger RPC")

	return &Client{Client: ethclient.NewClient(raw), RPC: raw}, nil
}
