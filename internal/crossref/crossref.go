// Package crossref ведёт поле «Сделки АМО» в профиле студента Hollyhop:
// HTML-список ссылок на сделки AmoCRM, пополняемый без дубликатов.
package crossref

import (
	"context"
	"fmt"
	"html"
	"regexp"
	"strings"

	"amo-hollyhop-proxy/internal/amocrm"
	"amo-hollyhop-proxy/internal/config"
	"amo-hollyhop-proxy/internal/hollyhop"

	"github.com/rs/zerolog/log"
)

// DealsFieldName — каноническое имя поля со ссылками на сделки.
const DealsFieldName = "Сделки АМО"

const unknownManager = "Неизвестно"

var (
	hrefRe  = regexp.MustCompile(`href=["']([^"']+)["']`)
	splitRe = regexp.MustCompile(`(?i)<br\s*/?>|\s*\r?\n\s*|\s{2,}`)
)

// Updater пополняет поле «Сделки АМО» студента ссылкой на сделку.
type Updater struct {
	cfg *config.Config
	amo *amocrm.Client
	hh  *hollyhop.Client
}

func NewUpdater(cfg *config.Config, amo *amocrm.Client, hh *hollyhop.Client) *Updater {
	return &Updater{cfg: cfg, amo: amo, hh: hh}
}

// AppendDealLink добавляет ссылку на сделку в поле «Сделки АМО» студента.
// Обновление сопроводительное: любая ошибка логируется и не прерывает
// основной поток.
func (u *Updater) AppendDealLink(ctx context.Context, clientID, leadID int64, lead *amocrm.Lead) {
	manager := u.managerName(ctx, lead)
	dealURL := fmt.Sprintf("https://%s.amocrm.ru/leads/detail/%d", u.cfg.AmoSubdomain, leadID)
	dealLink := BuildHTMLLink(dealURL, fmt.Sprintf("%s: %d", manager, leadID))

	student, err := u.fetchStudent(ctx, clientID)
	if err != nil {
		log.Warn().Err(err).Int64("client_id", clientID).Msg("Не удалось получить студента для обновления поля «Сделки АМО»")
		return
	}
	if student == nil {
		log.Warn().Int64("client_id", clientID).Msg("Студент не найден в Hollyhop, поле «Сделки АМО» не обновлено")
		return
	}

	fields := RebuildExtraFields(student.ExtraFields(), dealLink)

	params := map[string]any{
		"studentClientId": clientID,
		"fields":          fieldsToParams(fields),
	}
	if _, err := u.hh.Call(ctx, "EditUserExtraFields", params); err != nil {
		log.Warn().Err(err).Int64("client_id", clientID).Int64("lead_id", leadID).
			Msg("EditUserExtraFields завершился ошибкой")
		return
	}

	log.Info().Int64("client_id", clientID).Int64("lead_id", leadID).
		Str("link", dealLink).Msg("Поле «Сделки АМО» обновлено")
}

func (u *Updater) managerName(ctx context.Context, lead *amocrm.Lead) string {
	if lead == nil || lead.ResponsibleUserID == 0 {
		return unknownManager
	}

	var raw map[string]any
	path := fmt.Sprintf("/api/v4/users/%d", lead.ResponsibleUserID)
	if err := u.amo.Get(ctx, path, nil, &raw); err != nil {
		log.Warn().Err(err).Int64("user_id", lead.ResponsibleUserID).Msg("Не удалось получить имя менеджера")
		return unknownManager
	}

	user := amocrm.ParseUser(raw)
	if user.Name == "" {
		return unknownManager
	}
	return user.Name
}

func (u *Updater) fetchStudent(ctx context.Context, clientID int64) (hollyhop.Student, error) {
	res, err := u.hh.Call(ctx, "GetStudents", map[string]any{"clientId": clientID})
	if err != nil {
		return nil, err
	}

	students := hollyhop.ExtractStudents(res)
	for _, s := range students {
		if id, ok := s.ClientID(); ok && id == clientID {
			return s, nil
		}
	}
	if len(students) > 0 {
		return students[0], nil
	}
	return nil, nil
}

// BuildHTMLLink формирует HTML-ссылку с экранированием URL и текста.
func BuildHTMLLink(url, text string) string {
	return fmt.Sprintf(`<a href="%s" target="_blank">%s</a>`, html.EscapeString(url), html.EscapeString(text))
}

// RebuildExtraFields собирает полный набор полей для EditUserExtraFields:
// все прочие поля сохраняются как есть, поле ссылок заменяется объединённым
// значением. API заменяет поля целиком, поэтому отправлять нужно всё.
func RebuildExtraFields(fields []hollyhop.ExtraField, newLink string) []hollyhop.ExtraField {
	var out []hollyhop.ExtraField
	current := ""

	for _, f := range fields {
		if IsDealsField(f.Name) {
			current = f.Value
			continue
		}
		out = append(out, f)
	}

	out = append(out, hollyhop.ExtraField{
		Name:  DealsFieldName,
		Value: MergeLinks(current, newLink),
	})
	return out
}

// IsDealsField распознаёт поле ссылок на сделки: точные имена «Сделки АМО» и
// «Ссылки АМО», либо вхождение слов (сделки|ссылки) и (амо|amo).
func IsDealsField(name string) bool {
	trimmed := strings.TrimSpace(name)
	if trimmed == "Сделки АМО" || trimmed == "Ссылки АМО" {
		return true
	}

	lower := strings.ToLower(trimmed)
	hasKind := strings.Contains(lower, "сделки") || strings.Contains(lower, "ссылки")
	hasAmo := strings.Contains(lower, "амо") || strings.Contains(lower, "amo")
	return hasKind && hasAmo
}

// MergeLinks добавляет новую ссылку к существующему значению поля, если её
// URL там ещё не встречается. Существующие ссылки никогда не удаляются.
func MergeLinks(current, newLink string) string {
	existing := parseLinks(strings.TrimSpace(current))
	newURL := extractURL(newLink)

	for _, link := range existing {
		if normalizeURL(extractURL(link)) == normalizeURL(newURL) {
			return strings.Join(existing, "<br>")
		}
	}

	existing = append(existing, newLink)
	return strings.Join(existing, "<br>")
}

// parseLinks разбивает значение поля на отдельные ссылки: по <br> в любом
// написании, переводам строк и последовательностям из 2+ пробелов.
func parseLinks(s string) []string {
	if s == "" {
		return nil
	}
	var links []string
	for _, part := range splitRe.Split(s, -1) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			links = append(links, trimmed)
		}
	}
	return links
}

// extractURL достаёт URL из HTML-ссылки; голая строка считается URL.
func extractURL(link string) string {
	if m := hrefRe.FindStringSubmatch(link); m != nil {
		return m[1]
	}
	return link
}

func normalizeURL(url string) string {
	return strings.TrimRight(strings.ToLower(url), "/")
}

func fieldsToParams(fields []hollyhop.ExtraField) []map[string]string {
	out := make([]map[string]string, 0, len(fields))
	for _, f := range fields {
		out = append(out, map[string]string{"name": f.Name, "value": f.Value})
	}
	return out
}
