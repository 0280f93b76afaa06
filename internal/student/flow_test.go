package student

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"amo-hollyhop-proxy/internal/amocrm"
	"amo-hollyhop-proxy/internal/config"
	"amo-hollyhop-proxy/internal/crossref"
	"amo-hollyhop-proxy/internal/hollyhop"
)

// fakeAmo отвечает сделкой с контактом и принимает PATCH-запросы.
func fakeAmo(t *testing.T, leadFields, contactFields string, patched *[]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPatch:
			*patched = append(*patched, r.URL.Path)
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{}`))
		case strings.HasPrefix(r.URL.Path, "/api/v4/leads/"):
			w.Write([]byte(`{
				"id": 500,
				"responsible_user_id": 77,
				"custom_fields_values": ` + leadFields + `,
				"_embedded": {"contacts": [{"id": 42, "is_main": true}]}
			}`))
		case strings.HasPrefix(r.URL.Path, "/api/v4/contacts/"):
			w.Write([]byte(`{
				"id": 42,
				"name": "Анна Иванова",
				"custom_fields_values": ` + contactFields + `
			}`))
		case strings.HasPrefix(r.URL.Path, "/api/v4/users/"):
			w.Write([]byte(`{"id": 77, "name": "Пётр Менеджер"}`))
		default:
			http.NotFound(w, r)
		}
	}))
}

type hhCall struct {
	Function string
	Params   map[string]any
}

// fakeHollyhop пишет все вызовы в журнал и отвечает по таблице функций.
func fakeHollyhop(t *testing.T, calls *[]hhCall, respond func(function string, params map[string]any) string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		function := strings.TrimPrefix(r.URL.Path, "/")
		var params map[string]any
		json.NewDecoder(r.Body).Decode(&params)
		*calls = append(*calls, hhCall{Function: function, Params: params})
		w.Write([]byte(respond(function, params)))
	}))
}

func newFlow(amoURL, hhURL string) *Flow {
	cfg := &config.Config{
		AmoBaseURL:        amoURL,
		AmoSubdomain:      "school",
		AmoTimeout:        5 * time.Second,
		HollyhopBaseURL:   hhURL,
		HollyhopSubdomain: "school",
		HollyhopAuthKey:   "key",
		HollyhopTimeout:   5 * time.Second,
		Fields: config.FieldRegistry{
			Discipline:      1575217,
			Level:           1576357,
			LearningType:    1575221,
			Maturity:        1575213,
			OfficeOrCompany: 1596219,
			ResponsibleUser: 1590693,
			ProfileLink:     1630807,
			ContractLink:    1632483,
			ContactPhone:    1138327,
			ContactEmail:    1138329,
		},
	}
	store := amocrm.NewMemoryTokenStore(amocrm.Token{AccessToken: "t", Time: time.Now().Unix()})
	amo := amocrm.NewClient(cfg, store)
	hh := hollyhop.NewClient(cfg)
	return NewFlow(cfg, amo, hh, crossref.NewUpdater(cfg, amo, hh))
}

const leadFieldsJSON = `[
	{"field_id": 1575217, "values": [{"value": "Английский язык"}]},
	{"field_id": 1596219, "values": [{"value": "Курская"}]}
]`

const contactFieldsJSON = `[
	{"field_id": 1138327, "values": [{"value": "+7 (999) 123-45-67"}]},
	{"field_id": 1138329, "values": [{"value": "anna@example.com"}]}
]`

func called(calls []hhCall, function string) []hhCall {
	var out []hhCall
	for _, c := range calls {
		if c.Function == function {
			out = append(out, c)
		}
	}
	return out
}

func TestProcessLeadCreatesNewStudent(t *testing.T) {
	var patched []string
	var calls []hhCall

	amoSrv := fakeAmo(t, leadFieldsJSON, contactFieldsJSON, &patched)
	defer amoSrv.Close()

	hhSrv := fakeHollyhop(t, &calls, func(function string, params map[string]any) string {
		switch function {
		case "GetStudents":
			if _, ok := params["clientId"]; ok {
				// Перечитывание профиля после создания
				return `{"Students": [{"Id": 9001, "ClientId": 700}]}`
			}
			return `{"Students": []}`
		case "AddStudent":
			return `{"Id": 700}`
		default:
			return `{}`
		}
	})
	defer hhSrv.Close()

	flow := newFlow(amoSrv.URL, hhSrv.URL)
	res, err := flow.ProcessLead(context.Background(), 500)
	if err != nil {
		t.Fatal(err)
	}

	if res.Operation != "created" || res.ClientID != 700 {
		t.Errorf("итог: %+v", res)
	}
	if res.ProfileID != 9001 {
		t.Errorf("профиль должен браться из перечитывания: %d", res.ProfileID)
	}
	if res.Link != "https://school.t8s.ru/Profile/9001" {
		t.Errorf("ссылка на профиль: %q", res.Link)
	}

	adds := called(calls, "AddStudent")
	if len(adds) != 1 {
		t.Fatalf("AddStudent должен вызываться один раз, вызван %d", len(adds))
	}
	if adds[0].Params["firstName"] != "Анна" || adds[0].Params["lastName"] != "Иванова" {
		t.Errorf("имя студента: %v", adds[0].Params)
	}
	if adds[0].Params["Status"] != "В наборе" {
		t.Errorf("статус: %v", adds[0].Params["Status"])
	}
	// Офис маппится по названию в числовой ID
	if got := adds[0].Params["officeOrCompanyId"]; got != float64(2) {
		t.Errorf("офис: %v (%T)", got, got)
	}
	// Пол по умолчанию женский
	if got := adds[0].Params["gender"]; got != false {
		t.Errorf("пол по умолчанию: %v", got)
	}

	edits := called(calls, "EditContacts")
	if len(edits) != 1 {
		t.Fatalf("EditContacts должен вызываться для нового студента")
	}
	if edits[0].Params["useMobileBySystem"] != true || edits[0].Params["useEMailBySystem"] != true {
		t.Errorf("флаги системных контактов: %v", edits[0].Params)
	}

	// Сделка обновлена ссылкой на профиль
	if len(patched) == 0 || patched[0] != "/api/v4/leads/500" {
		t.Errorf("PATCH сделки: %v", patched)
	}

	// Поле «Сделки АМО» обновлено полной заменой
	if len(called(calls, "EditUserExtraFields")) != 1 {
		t.Error("EditUserExtraFields не вызван")
	}
}

func TestProcessLeadFindsExistingByExactPhone(t *testing.T) {
	var patched []string
	var calls []hhCall

	amoSrv := fakeAmo(t, leadFieldsJSON, contactFieldsJSON, &patched)
	defer amoSrv.Close()

	hhSrv := fakeHollyhop(t, &calls, func(function string, params map[string]any) string {
		if function == "GetStudents" {
			if _, ok := params["clientId"]; ok {
				return `{"Students": [{"Id": 5005, "ClientId": 300, "Mobile": "89991234567"}]}`
			}
			// Кандидаты: похожий номер и точное совпадение в другом формате
			return `{"Students": [
				{"Id": 1, "ClientId": 100, "Phone": "79991234568"},
				{"Id": 2, "ClientId": 300, "Mobile": "8 (999) 123-45-67"}
			]}`
		}
		return `{}`
	})
	defer hhSrv.Close()

	flow := newFlow(amoSrv.URL, hhSrv.URL)
	res, err := flow.ProcessLead(context.Background(), 500)
	if err != nil {
		t.Fatal(err)
	}

	if res.Operation != "updated" || !res.Found {
		t.Errorf("итог: %+v", res)
	}
	// Совпадение по нормализованному номеру: 8999... == 7999...
	if res.ClientID != 300 {
		t.Errorf("выбран не тот студент: %d", res.ClientID)
	}
	if res.ProfileID != 5005 {
		t.Errorf("профиль: %d", res.ProfileID)
	}

	if len(called(calls, "AddStudent")) != 0 {
		t.Error("AddStudent не должен вызываться для существующего студента")
	}
	if len(called(calls, "EditContacts")) != 0 {
		t.Error("EditContacts не должен вызываться для существующего студента")
	}
}

func TestProcessLeadIgnoresCandidatesWithoutID(t *testing.T) {
	var patched []string
	var calls []hhCall

	amoSrv := fakeAmo(t, leadFieldsJSON, contactFieldsJSON, &patched)
	defer amoSrv.Close()

	hhSrv := fakeHollyhop(t, &calls, func(function string, params map[string]any) string {
		switch function {
		case "GetStudents":
			if _, ok := params["clientId"]; ok {
				return `{"Students": [{"Id": 9001, "ClientId": 700}]}`
			}
			// Совпадающий телефон, но записи без идентификатора
			return `{"Students": [{"Mobile": "8 (999) 123-45-67"}]}`
		case "AddStudent":
			return `{"Id": 700}`
		default:
			return `{}`
		}
	})
	defer hhSrv.Close()

	flow := newFlow(amoSrv.URL, hhSrv.URL)
	res, err := flow.ProcessLead(context.Background(), 500)
	if err != nil {
		t.Fatal(err)
	}

	// Запись без идентификатора не считается найденным студентом
	if res.Operation != "created" || res.ClientID != 700 {
		t.Errorf("итог: %+v", res)
	}
	if len(called(calls, "AddStudent")) != 1 {
		t.Error("AddStudent должен вызываться при отсутствии пригодных кандидатов")
	}
}

func TestProcessLeadSkipsWithoutCustomFields(t *testing.T) {
	var patched []string
	var calls []hhCall

	amoSrv := fakeAmo(t, `[]`, contactFieldsJSON, &patched)
	defer amoSrv.Close()
	hhSrv := fakeHollyhop(t, &calls, func(string, map[string]any) string { return `{}` })
	defer hhSrv.Close()

	flow := newFlow(amoSrv.URL, hhSrv.URL)
	_, err := flow.ProcessLead(context.Background(), 500)

	var skip *SkipError
	if !asSkip(err, &skip) {
		t.Fatalf("ожидался SkipError, получено: %v", err)
	}
	if len(calls) != 0 {
		t.Errorf("Hollyhop не должен вызываться: %v", calls)
	}
}

func asSkip(err error, target **SkipError) bool {
	s, ok := err.(*SkipError)
	if ok {
		*target = s
	}
	return ok
}

func TestAddStudentParamsDefaults(t *testing.T) {
	p := &payload{Status: "В наборе"}
	params := addStudentParams(p)

	if params["firstName"] != "-" || params["lastName"] != "-" {
		t.Errorf("пустые имена должны заменяться прочерком: %v", params)
	}
	if _, ok := params["gender"]; ok {
		t.Error("пол без значения должен опускаться")
	}
	if _, ok := params["phone"]; ok {
		t.Error("пустой телефон должен опускаться")
	}
}
