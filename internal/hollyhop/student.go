package hollyhop

import (
	"strconv"
	"strings"
)

// Student — запись студента из ответов GetStudents. API не стабилизировал
// регистр и названия ключей, поэтому запись остаётся словарём с аксессорами,
// перебирающими известные варианты.
type Student map[string]any

var idKeys = []string{"Id", "id", "ID", "studentId", "ClientId", "clientId"}

// ID возвращает идентификатор студента по первому из известных ключей.
func (s Student) ID() (int64, bool) {
	for _, key := range idKeys {
		if v, ok := s[key]; ok {
			if id, ok := toInt64(v); ok {
				return id, true
			}
		}
	}
	return 0, false
}

// ClientID возвращает ClientId студента; при его отсутствии — общий ID.
func (s Student) ClientID() (int64, bool) {
	for _, key := range []string{"ClientId", "clientId"} {
		if v, ok := s[key]; ok {
			if id, ok := toInt64(v); ok {
				return id, true
			}
		}
	}
	return s.ID()
}

// ProfileID возвращает ID для ссылки на профиль: поле Id/id, иначе fallback.
func (s Student) ProfileID(fallback int64) int64 {
	for _, key := range []string{"Id", "id"} {
		if v, ok := s[key]; ok {
			if id, ok := toInt64(v); ok {
				return id
			}
		}
	}
	return fallback
}

var phoneKeys = []string{"Phone", "phone", "Mobile", "mobile", "Telephone", "telephone"}
var agentPhoneKeys = []string{"Mobile", "mobile", "Phone", "phone"}

// Phone возвращает первый непустой телефон студента; при отсутствии прямых
// полей просматриваются телефоны представителей (Agents).
func (s Student) Phone() string {
	for _, key := range phoneKeys {
		if v, ok := s[key].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	agents, ok := s["Agents"].([]any)
	if !ok {
		return ""
	}
	for _, a := range agents {
		agent, ok := a.(map[string]any)
		if !ok {
			continue
		}
		for _, key := range agentPhoneKeys {
			if v, ok := agent[key].(string); ok && strings.TrimSpace(v) != "" {
				return strings.TrimSpace(v)
			}
		}
	}
	return ""
}

var officeKeys = []string{"OfficeOrCompanyId", "officeOrCompanyId", "OfficeOrCompany", "officeOrCompany"}
var nestedOfficeKeys = []string{"Id", "id", "OfficeOrCompanyId", "officeOrCompanyId", "OfficeId", "officeId"}

// OfficeID возвращает ID офиса студента: прямые поля, затем первый элемент
// массива OfficesAndCompanies.
func (s Student) OfficeID() (int64, bool) {
	for _, key := range officeKeys {
		if v, ok := s[key]; ok {
			if id, ok := toInt64(v); ok {
				return id, true
			}
		}
	}

	offices, ok := s["OfficesAndCompanies"].([]any)
	if !ok || len(offices) == 0 {
		return 0, false
	}
	first, ok := offices[0].(map[string]any)
	if !ok {
		return 0, false
	}
	for _, key := range nestedOfficeKeys {
		if v, ok := first[key]; ok {
			if id, ok := toInt64(v); ok {
				return id, true
			}
		}
	}
	return 0, false
}

// ExtraField — дополнительное поле профиля студента.
type ExtraField struct {
	Name  string
	Value string
}

// ExtraFields возвращает дополнительные поля профиля, принимая оба регистра
// ключей Name/Value.
func (s Student) ExtraFields() []ExtraField {
	raw, ok := s["ExtraFields"].([]any)
	if !ok {
		if raw, ok = s["extraFields"].([]any); !ok {
			return nil
		}
	}

	var fields []ExtraField
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		var f ExtraField
		if v, ok := m["Name"].(string); ok {
			f.Name = v
		} else if v, ok := m["name"].(string); ok {
			f.Name = v
		}
		if v, ok := m["Value"].(string); ok {
			f.Value = v
		} else if v, ok := m["value"].(string); ok {
			f.Value = v
		}
		fields = append(fields, f)
	}
	return fields
}

// ExtractStudents приводит произвольную форму ответа GetStudents к списку
// студентов: объект с полем Students, один студент, либо массив напрямую.
func ExtractStudents(response any) []Student {
	switch v := response.(type) {
	case map[string]any:
		if inner, ok := v["Students"].([]any); ok {
			return castStudents(inner)
		}
		// Один студент объектом
		if _, hasID := Student(v).ID(); hasID {
			return []Student{Student(v)}
		}
		return nil
	case []any:
		return castStudents(v)
	default:
		return nil
	}
}

func castStudents(items []any) []Student {
	var out []Student
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			out = append(out, Student(m))
		}
	}
	return out
}

// ExtractID извлекает ID студента из произвольного ответа AddStudent:
// известные ключи объекта, числовой скаляр, либо первый элемент массива.
func ExtractID(response any) (int64, bool) {
	switch v := response.(type) {
	case map[string]any:
		if id, ok := Student(v).ID(); ok {
			return id, true
		}
		return 0, false
	case []any:
		if len(v) == 0 {
			return 0, false
		}
		if m, ok := v[0].(map[string]any); ok {
			return Student(m).ID()
		}
		return toInt64(v[0])
	default:
		return toInt64(v)
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}
