package models

import (
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
)

// EventKind — распознанный тип вебхука AmoCRM.
type EventKind string

const (
	KindUnknown           EventKind = ""
	KindLeadAdd           EventKind = "lead_add"
	KindLeadStatus        EventKind = "lead_status"
	KindTransactionAdd    EventKind = "transaction_add"
	KindTransactionStatus EventKind = "transaction_status"
	KindCatalogAdd        EventKind = "catalog_add"
	KindCatalogUpdate     EventKind = "catalog_update"
)

// Event — классифицированный вебхук AmoCRM.
type Event struct {
	Kind EventKind

	LeadID           int64
	TransactionID    int64
	CatalogID        int64
	CatalogElementID int64

	// CatalogFields — кастомные поля счета из тела вебхука (только для
	// catalog_add/catalog_update).
	CatalogFields []CatalogField
}

// CatalogField — кастомное поле счета из вебхука. Values хранится как есть:
// AmoCRM присылает и скалярные значения, и вложенные объекты {value: ...}.
type CatalogField struct {
	ID     int64
	Code   string
	Values []any
}

// FirstValue возвращает первое значение поля, разворачивая вложенную форму
// {value: ...} при необходимости.
func (f CatalogField) FirstValue() any {
	if len(f.Values) == 0 {
		return nil
	}
	if m, ok := f.Values[0].(map[string]any); ok {
		if v, ok := m["value"]; ok {
			return v
		}
		return nil
	}
	return f.Values[0]
}

// ContractSigned — вебхук сервиса электронной подписи о подписании договора.
type ContractSigned struct {
	Status      string            `json:"status"`
	LeadID      int64             `json:"lead_id"`
	ExtraFields map[string]string `json:"extra_fields"`
}

// APIResponse — единый формат ответа вебхук-обработчиков.
type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`

	Recommendation string `json:"recommendation,omitempty"`

	// Поток студента
	Operation string `json:"operation,omitempty"`
	ClientID  int64  `json:"clientId,omitempty"`
	ProfileID int64  `json:"Id,omitempty"`
	Link      string `json:"link,omitempty"`

	// Поток оплаты
	Payment     *PaymentEcho    `json:"payment,omitempty"`
	APIRaw      json.RawMessage `json:"api_response,omitempty"`
	LeadID      int64           `json:"lead_id,omitempty"`
	CatalogElem int64           `json:"catalog_element_id,omitempty"`
	BillStatus  string          `json:"bill_status,omitempty"`
}

// PaymentEcho — эхо записанной оплаты в ответе.
type PaymentEcho struct {
	ClientID          int64   `json:"clientId"`
	OfficeOrCompanyID int64   `json:"officeOrCompanyId"`
	Date              string  `json:"date"`
	Value             float64 `json:"value"`
}

// ParseEvent классифицирует тело вебхука. AmoCRM шлёт либо JSON, либо
// form-encoded тело с PHP-скобочными ключами (leads[add][0][id]); обе формы
// приводятся к одному дереву и разбираются одинаково.
func ParseEvent(body []byte, contentType string) *Event {
	tree := bodyToTree(body, contentType)
	if tree == nil {
		return &Event{Kind: KindUnknown}
	}
	return classify(tree)
}

func bodyToTree(body []byte, contentType string) map[string]any {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return nil
	}

	if strings.Contains(contentType, "json") || strings.HasPrefix(trimmed, "{") {
		var tree map[string]any
		if err := json.Unmarshal([]byte(trimmed), &tree); err == nil {
			return tree
		}
		return nil
	}

	values, err := url.ParseQuery(trimmed)
	if err != nil {
		return nil
	}
	return formToTree(values)
}

// formToTree разворачивает скобочные ключи вида a[b][0][c] во вложенные
// словари. Числовые индексы остаются строковыми ключами: dig обходит обе
// формы одинаково.
func formToTree(values url.Values) map[string]any {
	tree := make(map[string]any)

	for key, vals := range values {
		if len(vals) == 0 {
			continue
		}
		path := splitBracketKey(key)
		if len(path) == 0 {
			continue
		}

		node := tree
		for i, part := range path {
			if i == len(path)-1 {
				node[part] = vals[0]
				break
			}
			next, ok := node[part].(map[string]any)
			if !ok {
				next = make(map[string]any)
				node[part] = next
			}
			node = next
		}
	}

	return tree
}

func splitBracketKey(key string) []string {
	var parts []string
	rest := key

	if i := strings.IndexByte(rest, '['); i >= 0 {
		parts = append(parts, rest[:i])
		rest = rest[i:]
	} else {
		return []string{rest}
	}

	for strings.HasPrefix(rest, "[") {
		end := strings.IndexByte(rest, ']')
		if end < 0 {
			parts = append(parts, strings.TrimPrefix(rest, "["))
			break
		}
		parts = append(parts, rest[1:end])
		rest = rest[end+1:]
	}

	return parts
}

func classify(tree map[string]any) *Event {
	// Порядок проверки повторяет приоритет исходной маршрутизации:
	// транзакция → сделка → счет.
	if id, ok := digInt(tree, "transactions", "add", "0", "id"); ok {
		return &Event{Kind: KindTransactionAdd, TransactionID: id}
	}
	if id, ok := digInt(tree, "transactions", "status", "0", "id"); ok {
		return &Event{Kind: KindTransactionStatus, TransactionID: id}
	}
	if id, ok := digInt(tree, "leads", "add", "0", "id"); ok {
		return &Event{Kind: KindLeadAdd, LeadID: id}
	}
	if id, ok := digInt(tree, "leads", "status", "0", "id"); ok {
		return &Event{Kind: KindLeadStatus, LeadID: id}
	}
	if id, ok := digInt(tree, "catalogs", "update", "0", "id"); ok {
		ev := &Event{Kind: KindCatalogUpdate, CatalogElementID: id}
		ev.CatalogID, _ = digInt(tree, "catalogs", "update", "0", "catalog_id")
		ev.CatalogFields = digCatalogFields(tree, "catalogs", "update", "0", "custom_fields")
		return ev
	}
	if id, ok := digInt(tree, "catalogs", "add", "0", "id"); ok {
		ev := &Event{Kind: KindCatalogAdd, CatalogElementID: id}
		ev.CatalogID, _ = digInt(tree, "catalogs", "add", "0", "catalog_id")
		ev.CatalogFields = digCatalogFields(tree, "catalogs", "add", "0", "custom_fields")
		return ev
	}

	return &Event{Kind: KindUnknown}
}

// dig спускается по дереву, одинаково обходя словари (в т.ч. с числовыми
// ключами из form-данных) и JSON-массивы.
func dig(node any, path ...string) (any, bool) {
	cur := node
	for _, part := range path {
		switch v := cur.(type) {
		case map[string]any:
			next, ok := v[part]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			cur = v[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

func digInt(node any, path ...string) (int64, bool) {
	v, ok := dig(node, path...)
	if !ok {
		return 0, false
	}
	return AsInt64(v)
}

func digCatalogFields(node any, path ...string) []CatalogField {
	raw, ok := dig(node, path...)
	if !ok {
		return nil
	}

	var fields []CatalogField
	for _, item := range iterate(raw) {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		var f CatalogField
		f.ID, _ = AsInt64(m["id"])
		f.Code, _ = m["code"].(string)
		f.Values = iterate(m["values"])
		fields = append(fields, f)
	}
	return fields
}

// iterate приводит JSON-массив либо form-словарь с числовыми ключами к срезу
// в порядке индексов.
func iterate(node any) []any {
	switch v := node.(type) {
	case []any:
		return v
	case map[string]any:
		out := make([]any, 0, len(v))
		for i := 0; ; i++ {
			item, ok := v[strconv.Itoa(i)]
			if !ok {
				break
			}
			out = append(out, item)
		}
		return out
	default:
		return nil
	}
}

// AsInt64 приводит числовые и строковые представления ID к int64.
func AsInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}
