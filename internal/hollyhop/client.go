package hollyhop

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"amo-hollyhop-proxy/internal/config"
	"amo-hollyhop-proxy/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

const maxErrorBody = 500

// APIError — ответ Hollyhop со статусом вне 2xx.
type APIError struct {
	Function string
	Status   int
	Body     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("hollyhop %s: статус %d, тело: %s", e.Function, e.Status, e.Body)
}

// Client — клиент RPC-подобного API Hollyhop: каждая функция вызывается
// POST-запросом на {base}/{function} с authkey в теле.
type Client struct {
	cfg    *config.Config
	client *http.Client
}

func NewClient(cfg *config.Config) *Client {
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.HollyhopTimeout},
	}
}

// Call вызывает функцию API и возвращает разобранный JSON-ответ как есть
// (объект, массив или скаляр — формы ответов у API не унифицированы).
func (c *Client) Call(ctx context.Context, function string, params map[string]any) (any, error) {
	payload := make(map[string]any, len(params)+1)
	for k, v := range params {
		payload[k] = v
	}
	payload["authkey"] = c.cfg.HollyhopAuthKey

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("кодирование параметров %s: %w", function, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.HollyhopBaseURL+"/"+function, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	timer := prometheus.NewTimer(metrics.HollyhopRequestDuration.WithLabelValues(function))
	res, err := c.client.Do(req)
	timer.ObserveDuration()
	if err != nil {
		return nil, fmt.Errorf("запрос %s к Hollyhop: %w", function, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("чтение ответа %s: %w", function, err)
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		errBody := raw
		if len(errBody) > maxErrorBody {
			errBody = errBody[:maxErrorBody]
		}
		return nil, &APIError{Function: function, Status: res.StatusCode, Body: string(errBody)}
	}

	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}

	var parsed any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		// Страница ошибки шлюза может прийти со статусом 200
		errBody := raw
		if len(errBody) > maxErrorBody {
			errBody = errBody[:maxErrorBody]
		}
		log.Warn().Str("function", function).Msg("Ответ Hollyhop не является JSON")
		return nil, &APIError{Function: function, Status: res.StatusCode, Body: string(errBody)}
	}
	return parsed, nil
}
