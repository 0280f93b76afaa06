package amocrm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"amo-hollyhop-proxy/internal/config"
	"amo-hollyhop-proxy/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

const maxErrorBody = 500

// APIError — ответ AmoCRM со статусом вне ожидаемого диапазона.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("amocrm: статус %d, тело: %s", e.Status, e.Body)
}

// Client — HTTP-клиент API AmoCRM v4 с автообновлением OAuth-токенов.
type Client struct {
	cfg    *config.Config
	store  TokenStore
	client *http.Client

	// Сериализует обновление токена между параллельными вебхуками.
	refreshMu sync.Mutex
}

func NewClient(cfg *config.Config, store TokenStore) *Client {
	return &Client{
		cfg:    cfg,
		store:  store,
		client: &http.Client{Timeout: cfg.AmoTimeout},
	}
}

// accessToken возвращает действующий access-токен, при необходимости
// обновляя его через refresh-токен.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	tok, err := c.store.Get()
	if err != nil {
		return "", err
	}
	if !tok.Expired(time.Now()) {
		return tok.AccessToken, nil
	}

	log.Info().Msg("Обновление токенов AmoCRM")
	fresh, err := c.refresh(ctx, tok.RefreshToken)
	if err != nil {
		// Без валидного refresh-токена сервис неработоспособен: нужна
		// повторная ручная авторизация.
		log.Error().Err(err).Msg("Не удалось обновить токены AmoCRM")
		return "", fmt.Errorf("обновление токенов AmoCRM: %w", err)
	}
	if err := c.store.Put(fresh); err != nil {
		return "", err
	}
	return fresh.AccessToken, nil
}

func (c *Client) refresh(ctx context.Context, refreshToken string) (Token, error) {
	payload := map[string]string{
		"client_id":     c.cfg.AmoClientID,
		"client_secret": c.cfg.AmoClientSecret,
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
		"redirect_uri":  c.cfg.AmoRedirectURI,
	}
	body, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.AmoBaseURL+"/oauth2/access_token", bytes.NewReader(body))
	if err != nil {
		return Token{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return Token{}, err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		return Token{}, &APIError{Status: res.StatusCode, Body: string(errBody)}
	}

	var parsed struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return Token{}, fmt.Errorf("разбор ответа oauth2: %w", err)
	}
	if parsed.AccessToken == "" || parsed.RefreshToken == "" {
		return Token{}, fmt.Errorf("ответ oauth2 без токенов")
	}

	return Token{
		AccessToken:  parsed.AccessToken,
		RefreshToken: parsed.RefreshToken,
		Time:         time.Now().Unix(),
	}, nil
}

// Get выполняет GET-запрос к API и декодирует JSON-ответ в out.
// Статусы 200–204 считаются успехом; 204 оставляет out без изменений.
func (c *Client) Get(ctx context.Context, path string, query url.Values, out any) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}

	u := c.cfg.AmoBaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	timer := prometheus.NewTimer(metrics.AmoRequestDuration)
	res, err := c.client.Do(req)
	timer.ObserveDuration()
	if err != nil {
		return fmt.Errorf("запрос к AmoCRM: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 204 {
		errBody, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		return &APIError{Status: res.StatusCode, Body: string(errBody)}
	}
	if res.StatusCode == http.StatusNoContent || out == nil {
		return nil
	}

	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("разбор ответа AmoCRM %s: %w", path, err)
	}
	return nil
}

// Send выполняет POST или PATCH с JSON-телом. Успехом считаются 200 и 204.
func (c *Client) Send(ctx context.Context, method, path string, payload any, out any) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("кодирование тела запроса: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.AmoBaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	timer := prometheus.NewTimer(metrics.AmoRequestDuration)
	res, err := c.client.Do(req)
	timer.ObserveDuration()
	if err != nil {
		return fmt.Errorf("запрос к AmoCRM: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusNoContent {
		errBody, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		return &APIError{Status: res.StatusCode, Body: string(errBody)}
	}
	if res.StatusCode == http.StatusNoContent || out == nil {
		return nil
	}

	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("разбор ответа AmoCRM %s: %w", path, err)
	}
	return nil
}

// IsNotFound сообщает, что API ответил 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}
