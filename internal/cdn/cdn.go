// Пакет cdn — HTTP-клиент инвалидации edge-кэша.
// Вызывается после каждой успешной записи или удаления файла;
// отказ инвалидации логируется и никогда не прерывает операцию —
// записи кэша в любом случае истекут или будут перезаписаны.
package cdn

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus метрики инвалидации.
var (
	// purgeRequestsTotal — количество запросов инвалидации по результату.
	purgeRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ns_cdn_purge_requests_total",
			Help: "Общее количество запросов инвалидации edge-кэша",
		},
		[]string{"result"},
	)
)

// Purger — контракт коллаборатора инвалидации edge-кэша.
type Purger interface {
	// Purge инвалидирует перечисленные абсолютные URL.
	Purge(ctx context.Context, urls []string) error
}

// Client — HTTP-клиент endpoint инвалидации.
type Client struct {
	httpClient *http.Client
	purgeURL   string
	token      string
	logger     *slog.Logger
}

// purgeRequest — тело запроса инвалидации.
type purgeRequest struct {
	URLs []string `json:"urls"`
}

// New создаёт клиент инвалидации.
// purgeURL — endpoint инвалидации; token — bearer-токен (пусто — без
// авторизации); caCertPath — CA-сертификат для TLS (пусто — стандартный пул).
func New(purgeURL, token, caCertPath string, timeout time.Duration, logger *slog.Logger) (*Client, error) {
	transport := &http.Transport{
		MaxIdleConnsPerHost: 10,
	}

	if caCertPath != "" {
		tlsConfig, err := buildTLSConfig(caCertPath)
		if err != nil {
			return nil, fmt.Errorf("загрузка CA-сертификата CDN: %w", err)
		}
		transport.TLSClientConfig = tlsConfig
		logger.Info("CA-сертификат CDN добавлен в пул доверия",
			slog.String("ca_cert", caCertPath),
		)
	}

	return &Client{
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		purgeURL: purgeURL,
		token:    token,
		logger:   logger.With(slog.String("component", "cdn_purge")),
	}, nil
}

// Purge отправляет POST {"urls": [...]} на endpoint инвалидации.
// Любой статус кроме 2xx — ошибка.
func (c *Client) Purge(ctx context.Context, urls []string) error {
	if len(urls) == 0 {
		return nil
	}

	body, err := json.Marshal(purgeRequest{URLs: urls})
	if err != nil {
		purgeRequestsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("сериализация запроса инвалидации: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.purgeURL, bytes.NewReader(body))
	if err != nil {
		purgeRequestsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("создание запроса инвалидации: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		purgeRequestsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("запрос инвалидации: %w", err)
	}
	defer resp.Body.Close()
	// Дочитываем тело для переиспользования соединения
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		purgeRequestsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("endpoint инвалидации вернул статус %d", resp.StatusCode)
	}

	purgeRequestsTotal.WithLabelValues("success").Inc()
	c.logger.Debug("Edge-кэш инвалидирован", slog.Int("urls", len(urls)))
	return nil
}

// buildTLSConfig создаёт TLS-конфигурацию с дополнительным CA-сертификатом.
func buildTLSConfig(caCertPath string) (*tls.Config, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("чтение CA-сертификата %s: %w", caCertPath, err)
	}

	caCertPool, err := x509.SystemCertPool()
	if err != nil {
		caCertPool = x509.NewCertPool()
	}
	caCertPool.AppendCertsFromPEM(caCert)

	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		RootCAs:    caCertPool,
	}, nil
}

// Noop — заглушка инвалидации, используется когда NS_CDN_PURGE_URL не задан.
type Noop struct{}

// Purge ничего не делает.
func (Noop) Purge(context.Context, []string) error { return nil }
