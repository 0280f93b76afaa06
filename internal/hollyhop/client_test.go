package hollyhop

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"amo-hollyhop-proxy/internal/config"
)

func TestClientCallInjectsAuthKey(t *testing.T) {
	var gotPath string
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"Students": []}`))
	}))
	defer srv.Close()

	c := NewClient(&config.Config{
		HollyhopBaseURL: srv.URL,
		HollyhopAuthKey: "secret-key",
		HollyhopTimeout: 5 * time.Second,
	})

	res, err := c.Call(context.Background(), "GetStudents", map[string]any{"phone": "79991234567"})
	if err != nil {
		t.Fatal(err)
	}

	if gotPath != "/GetStudents" {
		t.Errorf("путь запроса: %q", gotPath)
	}
	if gotBody["authkey"] != "secret-key" {
		t.Errorf("authkey не подставлен: %v", gotBody)
	}
	if gotBody["phone"] != "79991234567" {
		t.Errorf("параметры не переданы: %v", gotBody)
	}
	if _, ok := res.(map[string]any); !ok {
		t.Errorf("ответ не разобран: %T", res)
	}
}

func TestClientCallErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "auth failed", http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewClient(&config.Config{
		HollyhopBaseURL: srv.URL,
		HollyhopTimeout: 5 * time.Second,
	})

	_, err := c.Call(context.Background(), "AddStudent", nil)
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("ожидался APIError, получено: %v", err)
	}
	if apiErr.Status != http.StatusForbidden || apiErr.Function != "AddStudent" {
		t.Errorf("поля ошибки: %+v", apiErr)
	}
}

func TestClientCallNonJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>gateway error page</html>`))
	}))
	defer srv.Close()

	c := NewClient(&config.Config{
		HollyhopBaseURL: srv.URL,
		HollyhopTimeout: 5 * time.Second,
	})

	res, err := c.Call(context.Background(), "AddPayment", map[string]any{"clientId": 1})
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("не-JSON тело должно давать APIError, получено: %v (res=%v)", err, res)
	}
	if apiErr.Status != http.StatusOK || apiErr.Function != "AddPayment" {
		t.Errorf("поля ошибки: %+v", apiErr)
	}
	if !strings.Contains(apiErr.Body, "gateway error page") {
		t.Errorf("тело ошибки: %q", apiErr.Body)
	}
	if res != nil {
		t.Errorf("результат должен быть nil: %v", res)
	}
}

func TestClientCallEmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(&config.Config{
		HollyhopBaseURL: srv.URL,
		HollyhopTimeout: 5 * time.Second,
	})

	res, err := c.Call(context.Background(), "EditContacts", map[string]any{"studentId": 1})
	if err != nil {
		t.Fatal(err)
	}
	if res != nil {
		t.Errorf("пустой ответ должен давать nil, получено: %v", res)
	}
}
