package amocrm

import (
	"strconv"
	"strings"
)

// FieldValue — одно значение кастомного поля.
type FieldValue struct {
	Value  any   `json:"value"`
	EnumID int64 `json:"enum_id,omitempty"`
}

// CustomField — кастомное поле сущности AmoCRM.
type CustomField struct {
	FieldID   int64        `json:"field_id"`
	FieldName string       `json:"field_name,omitempty"`
	FieldCode string       `json:"field_code,omitempty"`
	Values    []FieldValue `json:"values"`
}

// First возвращает первое значение поля строкой.
func (f CustomField) First() string {
	if len(f.Values) == 0 {
		return ""
	}
	return valueToString(f.Values[0].Value)
}

func valueToString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		// ID и телефоны приходят числами; дробная часть не встречается.
		if s == float64(int64(s)) {
			return strconv.FormatInt(int64(s), 10)
		}
		return strconv.FormatFloat(s, 'f', -1, 64)
	case bool:
		if s {
			return "1"
		}
		return "0"
	case nil:
		return ""
	default:
		return ""
	}
}

// CustomFields — набор полей с поиском по ID и коду.
type CustomFields []CustomField

// ByID возвращает первое значение поля с данным ID.
func (cf CustomFields) ByID(fieldID int64) string {
	for _, f := range cf {
		if f.FieldID == fieldID {
			return f.First()
		}
	}
	return ""
}

// ByAnyID возвращает первое непустое значение среди полей с перечисленными ID.
func (cf CustomFields) ByAnyID(fieldIDs []int64) string {
	for _, id := range fieldIDs {
		if v := cf.ByID(id); v != "" {
			return v
		}
	}
	return ""
}

// ByCode возвращает первое значение поля с данным кодом.
func (cf CustomFields) ByCode(code string) string {
	for _, f := range cf {
		if strings.EqualFold(f.FieldCode, code) {
			return f.First()
		}
	}
	return ""
}

// Lead — сделка AmoCRM.
type Lead struct {
	ID                int64        `json:"id"`
	Name              string       `json:"name"`
	Price             float64      `json:"price"`
	StatusID          int64        `json:"status_id"`
	PipelineID        int64        `json:"pipeline_id"`
	ResponsibleUserID int64        `json:"responsible_user_id"`
	ClosedAt          int64        `json:"closed_at"`
	CreatedAt         int64        `json:"created_at"`
	CustomFields      CustomFields `json:"custom_fields_values"`
	Embedded          struct {
		Contacts []struct {
			ID     int64 `json:"id"`
			IsMain bool  `json:"is_main"`
		} `json:"contacts"`
	} `json:"_embedded"`
}

// MainContactID возвращает ID основного контакта сделки, либо первого.
func (l *Lead) MainContactID() int64 {
	for _, c := range l.Embedded.Contacts {
		if c.IsMain {
			return c.ID
		}
	}
	if len(l.Embedded.Contacts) > 0 {
		return l.Embedded.Contacts[0].ID
	}
	return 0
}

// Contact — контакт AmoCRM.
type Contact struct {
	ID           int64        `json:"id"`
	Name         string       `json:"name"`
	CustomFields CustomFields `json:"custom_fields_values"`
}

// Phone возвращает первый телефон контакта (поле с кодом PHONE).
func (c *Contact) Phone() string {
	return c.CustomFields.ByCode("PHONE")
}

// Email возвращает первый email контакта (поле с кодом EMAIL).
func (c *Contact) Email() string {
	return c.CustomFields.ByCode("EMAIL")
}

// Transaction — покупка AmoCRM. Связанная сделка приходит то плоским полем
// lead_id, то во вложенной форме _embedded.lead; сумма — в price либо value.
type Transaction struct {
	ID        int64   `json:"id"`
	Price     float64 `json:"price"`
	Value     float64 `json:"value"`
	CreatedAt int64   `json:"created_at"`
	Date      string  `json:"date"`
	LeadID    int64   `json:"lead_id"`
	Embedded  struct {
		Lead struct {
			ID int64 `json:"id"`
		} `json:"lead"`
	} `json:"_embedded"`
}

// Lead возвращает ID связанной сделки из любой формы ответа.
func (t *Transaction) Lead() int64 {
	if t.LeadID != 0 {
		return t.LeadID
	}
	return t.Embedded.Lead.ID
}

// Amount возвращает сумму транзакции: price, либо value.
func (t *Transaction) Amount() float64 {
	if t.Price != 0 {
		return t.Price
	}
	return t.Value
}

// CatalogElement — элемент каталога (счет).
type CatalogElement struct {
	ID           int64        `json:"id"`
	Name         string       `json:"name"`
	CustomFields CustomFields `json:"custom_fields_values"`
}

// User — пользователь AmoCRM. Ответ /api/v4/users/{id} встречается в трёх
// формах, поэтому разбирается вручную.
type User struct {
	ID   int64
	Name string
}

// ParseUser извлекает имя пользователя из произвольной формы ответа.
func ParseUser(raw map[string]any) User {
	var u User

	if v, ok := raw["id"]; ok {
		u.ID, _ = asInt64(v)
	}
	if name, ok := raw["name"].(string); ok && name != "" {
		u.Name = name
		return u
	}
	// Форма со списком: {_embedded: {users: [{name: ...}]}}
	if emb, ok := raw["_embedded"].(map[string]any); ok {
		if users, ok := emb["users"].([]any); ok && len(users) > 0 {
			if first, ok := users[0].(map[string]any); ok {
				if name, ok := first["name"].(string); ok {
					u.Name = name
					if u.ID == 0 {
						u.ID, _ = asInt64(first["id"])
					}
				}
			}
		}
	}
	return u
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

// LeadsPage — страница списка сделок.
type LeadsPage struct {
	Page     int `json:"_page"`
	Embedded struct {
		Leads []Lead `json:"leads"`
	} `json:"_embedded"`
	Links struct {
		Next struct {
			Href string `json:"href"`
		} `json:"next"`
	} `json:"_links"`
}

// EntityLink — связь сущностей из /api/v4/leads/links. API отдаёт связи в
// трёх структурах (entity_*, from_entity_*, to_entity_*), поэтому все поля
// опциональны.
type EntityLink struct {
	EntityID       int64  `json:"entity_id"`
	EntityType     string `json:"entity_type"`
	FromEntityID   int64  `json:"from_entity_id"`
	FromEntityType string `json:"from_entity_type"`
	ToEntityID     int64  `json:"to_entity_id"`
	ToEntityType   string `json:"to_entity_type"`
}

// LeadIDFor возвращает ID сделки, если связь соединяет сделку с данным
// элементом каталога, иначе 0.
func (l EntityLink) LeadIDFor(catalogElementID int64) int64 {
	switch {
	case l.EntityID != 0 && l.EntityType == "leads" && l.ToEntityID == catalogElementID:
		return l.EntityID
	case l.FromEntityID != 0 && l.FromEntityType == "leads" && l.ToEntityID == catalogElementID:
		return l.FromEntityID
	case l.ToEntityID != 0 && l.ToEntityType == "leads" && l.FromEntityID == catalogElementID:
		return l.ToEntityID
	default:
		return 0
	}
}

// LinksPage — ответ массового API связей.
type LinksPage struct {
	Embedded struct {
		Links []EntityLink `json:"links"`
	} `json:"_embedded"`
}
