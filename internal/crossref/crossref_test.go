package crossref

import (
	"strings"
	"testing"

	"amo-hollyhop-proxy/internal/hollyhop"
)

func TestIsDealsField(t *testing.T) {
	positive := []string{
		"Сделки АМО",
		"Ссылки АМО",
		"сделки амо",
		"Ссылки AMO",
		"  Сделки АМО  ",
		"Все сделки из amo",
	}
	for _, name := range positive {
		if !IsDealsField(name) {
			t.Errorf("%q должно распознаваться как поле ссылок", name)
		}
	}

	negative := []string{
		"Договор Оки",
		"Сделки",
		"АМО",
		"Ссылки на сайт",
		"",
	}
	for _, name := range negative {
		if IsDealsField(name) {
			t.Errorf("%q не должно распознаваться как поле ссылок", name)
		}
	}
}

func TestMergeLinksAppend(t *testing.T) {
	current := `<a href="https://school.amocrm.ru/leads/detail/1" target="_blank">Иван: 1</a>`
	newLink := `<a href="https://school.amocrm.ru/leads/detail/2" target="_blank">Мария: 2</a>`

	got := MergeLinks(current, newLink)
	if !strings.Contains(got, "detail/1") || !strings.Contains(got, "detail/2") {
		t.Fatalf("обе ссылки должны сохраниться: %q", got)
	}
	if !strings.Contains(got, "<br>") {
		t.Errorf("ссылки должны разделяться <br>: %q", got)
	}
}

func TestMergeLinksIdempotent(t *testing.T) {
	link := `<a href="https://school.amocrm.ru/leads/detail/5" target="_blank">Иван: 5</a>`

	once := MergeLinks("", link)
	twice := MergeLinks(once, link)
	if once != twice {
		t.Errorf("повторное добавление изменило значение:\n%q\n%q", once, twice)
	}

	// Дубликат в другом регистре и со слэшем на конце
	variant := `<a href="https://School.amocrm.ru/leads/detail/5/" target="_blank">Иван: 5</a>`
	if got := MergeLinks(once, variant); got != once {
		t.Errorf("вариант URL не распознан как дубликат:\n%q", got)
	}
}

func TestMergeLinksSplitVariants(t *testing.T) {
	current := "<a href=\"https://x/1\">a</a><br/><a href=\"https://x/2\">b</a>\n<a href='https://x/3'>c</a>"
	newLink := `<a href="https://x/4">d</a>`

	got := MergeLinks(current, newLink)
	for _, url := range []string{"https://x/1", "https://x/2", "https://x/3", "https://x/4"} {
		if !strings.Contains(got, url) {
			t.Errorf("потеряна ссылка %s: %q", url, got)
		}
	}
	// Результат нормализуется к <br>
	if strings.Count(got, "<br>") != 3 {
		t.Errorf("ожидалось 3 разделителя <br>: %q", got)
	}
}

func TestMergeLinksBareURL(t *testing.T) {
	// Голый URL без HTML-обёртки тоже участвует в проверке дубликатов
	got := MergeLinks("https://school.amocrm.ru/leads/detail/9",
		`<a href="https://school.amocrm.ru/leads/detail/9" target="_blank">Иван: 9</a>`)
	if strings.Count(got, "detail/9") != 1 {
		t.Errorf("голый URL не распознан как дубликат: %q", got)
	}
}

func TestRebuildExtraFieldsPreservesOthers(t *testing.T) {
	fields := []hollyhop.ExtraField{
		{Name: "Договор Оки", Value: "https://doc/1"},
		{Name: "Ссылки АМО", Value: `<a href="https://x/1">a</a>`},
		{Name: "Комментарий", Value: "тест"},
	}
	newLink := `<a href="https://x/2">b</a>`

	got := RebuildExtraFields(fields, newLink)
	if len(got) != 3 {
		t.Fatalf("ожидалось 3 поля, получено %d: %+v", len(got), got)
	}
	// Поле ссылок всегда последним и под каноническим именем
	last := got[len(got)-1]
	if last.Name != DealsFieldName {
		t.Errorf("имя поля ссылок: %q", last.Name)
	}
	if !strings.Contains(last.Value, "https://x/1") || !strings.Contains(last.Value, "https://x/2") {
		t.Errorf("значение поля ссылок: %q", last.Value)
	}
	if got[0].Name != "Договор Оки" || got[1].Name != "Комментарий" {
		t.Errorf("прочие поля изменились: %+v", got)
	}
}

func TestRebuildExtraFieldsWhenMissing(t *testing.T) {
	got := RebuildExtraFields(nil, `<a href="https://x/1">a</a>`)
	if len(got) != 1 || got[0].Name != DealsFieldName {
		t.Fatalf("поле должно создаваться при отсутствии: %+v", got)
	}
}

func TestBuildHTMLLinkEscaping(t *testing.T) {
	got := BuildHTMLLink(`https://x/1?a="b"`, `Иван <главный>: 5`)
	if strings.Contains(got, `"b"`) || strings.Contains(got, "<главный>") {
		t.Errorf("спецсимволы не экранированы: %q", got)
	}
	if !strings.HasPrefix(got, `<a href="`) || !strings.Contains(got, `target="_blank"`) {
		t.Errorf("форма ссылки: %q", got)
	}
}
