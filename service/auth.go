package service

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const tokenLifetime = 30 * time.Minute

// TokenProvider 缓存云平台访问令牌，过期后刷新。
// 并发调用共用同一次刷新，不会重复请求凭据服务。
type TokenProvider struct {
	mu        sync.Mutex
	source    oauth2.TokenSource
	token     string
	refreshed time.Time
}

func NewTokenProvider(ctx context.Context) (*TokenProvider, error) {
	source, err := google.DefaultTokenSource(ctx, "https://www.googleapis.com/auth/cloud-platform")
	if err != nil {
		return nil, fmt.Errorf("获取默认云凭据失败（先执行 gcloud auth application-default login）: %w", err)
	}
	return &TokenProvider{source: source}, nil
}

// Token 返回当前有效令牌，必要时刷新
func (p *TokenProvider) Token() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token != "" && time.Since(p.refreshed) < tokenLifetime {
		return p.token, nil
	}

	tok, err := p.source.Token()
	if err != nil {
		return "", fmt.Errorf("刷新访问令牌失败: %w", err)
	}
	p.token = tok.AccessToken
	p.refreshed = time.Now()
	log.Println("Generated new access token.")
	return p.token, nil
}
