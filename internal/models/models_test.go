package models

import (
	"net/url"
	"testing"
)

func TestParseEventFormLeadAdd(t *testing.T) {
	body := "leads%5Badd%5D%5B0%5D%5Bid%5D=12345&leads%5Badd%5D%5B0%5D%5Bstatus_id%5D=142"

	ev := ParseEvent([]byte(body), "application/x-www-form-urlencoded")
	if ev.Kind != KindLeadAdd {
		t.Fatalf("ожидался lead_add, получен %q", ev.Kind)
	}
	if ev.LeadID != 12345 {
		t.Errorf("ожидался lead_id=12345, получен %d", ev.LeadID)
	}
}

func TestParseEventFormLeadStatus(t *testing.T) {
	values := url.Values{}
	values.Set("leads[status][0][id]", "777")
	values.Set("leads[status][0][status_id]", "143")

	ev := ParseEvent([]byte(values.Encode()), "application/x-www-form-urlencoded")
	if ev.Kind != KindLeadStatus || ev.LeadID != 777 {
		t.Fatalf("ожидался lead_status/777, получен %q/%d", ev.Kind, ev.LeadID)
	}
}

func TestParseEventJSONTransaction(t *testing.T) {
	body := `{"transactions":{"add":[{"id":"555"}]}}`

	ev := ParseEvent([]byte(body), "application/json")
	if ev.Kind != KindTransactionAdd || ev.TransactionID != 555 {
		t.Fatalf("ожидался transaction_add/555, получен %q/%d", ev.Kind, ev.TransactionID)
	}
}

func TestParseEventTransactionPriority(t *testing.T) {
	// При наличии и транзакции, и сделки в одном теле выигрывает транзакция.
	body := `{"leads":{"add":[{"id":1}]},"transactions":{"add":[{"id":2}]}}`

	ev := ParseEvent([]byte(body), "application/json")
	if ev.Kind != KindTransactionAdd {
		t.Fatalf("ожидался transaction_add, получен %q", ev.Kind)
	}
}

func TestParseEventCatalogUpdateJSON(t *testing.T) {
	body := `{"catalogs":{"update":[{
		"id": 901,
		"catalog_id": 4171,
		"custom_fields": [
			{"id": 1622603, "code": "BILL_STATUS", "values": [{"value": "Оплачен"}]},
			{"id": 1622605, "code": "BILL_PRICE", "values": ["1500"]}
		]
	}]}}`

	ev := ParseEvent([]byte(body), "application/json")
	if ev.Kind != KindCatalogUpdate {
		t.Fatalf("ожидался catalog_update, получен %q", ev.Kind)
	}
	if ev.CatalogElementID != 901 || ev.CatalogID != 4171 {
		t.Errorf("неверные id: element=%d catalog=%d", ev.CatalogElementID, ev.CatalogID)
	}
	if len(ev.CatalogFields) != 2 {
		t.Fatalf("ожидалось 2 поля, получено %d", len(ev.CatalogFields))
	}
	// Вложенная форма {value: ...}
	if got := ev.CatalogFields[0].FirstValue(); got != "Оплачен" {
		t.Errorf("вложенное значение: получено %v", got)
	}
	// Скалярная форма
	if got := ev.CatalogFields[1].FirstValue(); got != "1500" {
		t.Errorf("скалярное значение: получено %v", got)
	}
}

func TestParseEventCatalogForm(t *testing.T) {
	values := url.Values{}
	values.Set("catalogs[add][0][id]", "300")
	values.Set("catalogs[add][0][catalog_id]", "4171")
	values.Set("catalogs[add][0][custom_fields][0][id]", "1622603")
	values.Set("catalogs[add][0][custom_fields][0][code]", "BILL_STATUS")
	values.Set("catalogs[add][0][custom_fields][0][values][0][value]", "Создан")

	ev := ParseEvent([]byte(values.Encode()), "application/x-www-form-urlencoded")
	if ev.Kind != KindCatalogAdd || ev.CatalogElementID != 300 {
		t.Fatalf("ожидался catalog_add/300, получен %q/%d", ev.Kind, ev.CatalogElementID)
	}
	if len(ev.CatalogFields) != 1 || ev.CatalogFields[0].Code != "BILL_STATUS" {
		t.Fatalf("не разобраны поля счета: %+v", ev.CatalogFields)
	}
	if got := ev.CatalogFields[0].FirstValue(); got != "Создан" {
		t.Errorf("значение поля: получено %v", got)
	}
}

func TestParseEventUnknown(t *testing.T) {
	for _, body := range []string{"", "   ", "contacts[add][0][id]=5", "{broken"} {
		ev := ParseEvent([]byte(body), "")
		if ev.Kind != KindUnknown {
			t.Errorf("тело %q: ожидался unknown, получен %q", body, ev.Kind)
		}
	}
}

func TestAsInt64(t *testing.T) {
	cases := []struct {
		in   any
		want int64
		ok   bool
	}{
		{"42", 42, true},
		{" 42 ", 42, true},
		{float64(42), 42, true},
		{int(7), 7, true},
		{"abc", 0, false},
		{nil, 0, false},
	}
	for _, c := range cases {
		got, ok := AsInt64(c.in)
		if got != c.want || ok != c.ok {
			t.Errorf("AsInt64(%v) = %d,%v; ожидалось %d,%v", c.in, got, ok, c.want, c.ok)
		}
	}
}
