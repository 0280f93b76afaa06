package amocrm

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Токен живёт 24 часа; обновляем за час до истечения.
const tokenMaxAge = 82800 * time.Second

// Token — пара OAuth-токенов AmoCRM и момент их выдачи (unix-секунды).
type Token struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	Time         int64  `json:"time"`
}

// Expired сообщает, пора ли обновлять access-токен.
func (t Token) Expired(now time.Time) bool {
	return now.Sub(time.Unix(t.Time, 0)) > tokenMaxAge
}

// TokenStore хранит токены между перезапусками сервиса.
type TokenStore interface {
	Get() (Token, error)
	Put(Token) error
}

// FileTokenStore хранит токены в JSON-файле рядом с сервисом.
type FileTokenStore struct {
	path string
	mu   sync.Mutex
}

func NewFileTokenStore(path string) *FileTokenStore {
	return &FileTokenStore{path: path}
}

func (s *FileTokenStore) Get() (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return Token{}, fmt.Errorf("чтение файла токенов: %w", err)
	}

	var t Token
	if err := json.Unmarshal(data, &t); err != nil {
		return Token{}, fmt.Errorf("разбор файла токенов: %w", err)
	}
	return t, nil
}

func (s *FileTokenStore) Put(t Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("запись файла токенов: %w", err)
	}
	return nil
}

// MemoryTokenStore — хранилище в памяти для тестов.
type MemoryTokenStore struct {
	mu    sync.Mutex
	token Token
	set   bool
}

func NewMemoryTokenStore(t Token) *MemoryTokenStore {
	return &MemoryTokenStore{token: t, set: true}
}

func (s *MemoryTokenStore) Get() (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.set {
		return Token{}, fmt.Errorf("токены не заданы")
	}
	return s.token, nil
}

func (s *MemoryTokenStore) Put(t Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = t
	s.set = true
	return nil
}
