// Package student превращает сделку AmoCRM в карточку студента Hollyhop:
// поиск по телефону, создание при отсутствии, обратная запись ссылки на
// профиль в сделку.
package student

import (
	"context"
	"fmt"
	"strings"

	"amo-hollyhop-proxy/internal/amocrm"
	"amo-hollyhop-proxy/internal/config"
	"amo-hollyhop-proxy/internal/crossref"
	"amo-hollyhop-proxy/internal/hollyhop"
	"amo-hollyhop-proxy/internal/mapping"
	"amo-hollyhop-proxy/internal/metrics"
	"amo-hollyhop-proxy/internal/phone"

	"github.com/rs/zerolog/log"
)

const (
	defaultStatus     = "В наборе"
	contractFieldName = "Договор Оки"
	okiFIOKey         = "ФИО клиента"
	okiEmailKey       = "E-Mail клиента"
)

// SkipError — сделка не подлежит обработке: данных недостаточно, но это не
// сбой. Обработчик отвечает 200 с пояснением.
type SkipError struct {
	Reason string
}

func (e *SkipError) Error() string { return e.Reason }

// Result — итог обработки сделки.
type Result struct {
	Operation string // created или updated
	Found     bool
	ClientID  int64
	ProfileID int64
	Link      string
	Phone     string
}

// Flow связывает клиентов AmoCRM и Hollyhop в единый поток обработки сделки.
type Flow struct {
	cfg  *config.Config
	amo  *amocrm.Client
	hh   *hollyhop.Client
	xref *crossref.Updater
}

func NewFlow(cfg *config.Config, amo *amocrm.Client, hh *hollyhop.Client, xref *crossref.Updater) *Flow {
	return &Flow{cfg: cfg, amo: amo, hh: hh, xref: xref}
}

// payload — данные студента, собранные из сделки и её контакта.
type payload struct {
	FirstName       string
	LastName        string
	Patronymic      string
	BirthDate       string
	Phone           string
	Email           string
	Gender          *bool
	Discipline      string
	Level           string
	LearningType    string
	Maturity        string
	Office          any
	ResponsibleUser string
	Status          string
}

// ProcessLead обрабатывает событие создания или смены статуса сделки.
func (f *Flow) ProcessLead(ctx context.Context, leadID int64) (*Result, error) {
	var lead amocrm.Lead
	path := fmt.Sprintf("/api/v4/leads/%d", leadID)
	if err := f.amo.Get(ctx, path, queryWith("contacts"), &lead); err != nil {
		return nil, fmt.Errorf("получение сделки %d: %w", leadID, err)
	}

	if len(lead.CustomFields) == 0 {
		log.Warn().Int64("lead_id", leadID).Msg("Сделка не содержит кастомных полей, обработка пропущена")
		return nil, &SkipError{Reason: "сделка не содержит кастомных полей"}
	}

	p := f.buildPayload(ctx, &lead)
	if p.FirstName == "" {
		log.Warn().Int64("lead_id", leadID).Msg("Имя студента не указано, отправка пропущена")
		return nil, &SkipError{Reason: "имя студента не указано"}
	}

	// Ссылка на подписанный договор зеркалируется в профиль до основной
	// обработки, как отдельный необязательный шаг.
	if link := lead.CustomFields.ByID(f.cfg.Fields.ContractLink); link != "" {
		f.mirrorContractLink(ctx, &lead, link)
	}

	res, err := f.resolve(ctx, p)
	if err != nil {
		return nil, err
	}

	profileID := f.profileID(ctx, res.ClientID, res.ProfileID)
	res.ProfileID = profileID
	res.Link = fmt.Sprintf("https://%s.t8s.ru/Profile/%d", f.cfg.HollyhopSubdomain, profileID)

	f.patchLeadProfileLink(ctx, leadID, res.Link)
	f.xref.AppendDealLink(ctx, res.ClientID, leadID, &lead)

	return res, nil
}

func queryWith(with string) map[string][]string {
	return map[string][]string{"with": {with}}
}

func (f *Flow) buildPayload(ctx context.Context, lead *amocrm.Lead) *payload {
	p := &payload{Status: defaultStatus}

	// Пол указывается явно редко; по статистике школы студенты в основном
	// девушки, поэтому значение по умолчанию женское.
	p.Gender = mapping.Gender("F")

	cf := lead.CustomFields
	p.Discipline = cf.ByID(f.cfg.Fields.Discipline)
	p.Level = cf.ByID(f.cfg.Fields.Level)
	p.LearningType = cf.ByID(f.cfg.Fields.LearningType)
	p.Maturity = cf.ByID(f.cfg.Fields.Maturity)
	if v := cf.ByID(f.cfg.Fields.OfficeOrCompany); v != "" {
		p.Office = v
	}
	p.ResponsibleUser = cf.ByID(f.cfg.Fields.ResponsibleUser)

	contactID := lead.MainContactID()
	if contactID == 0 {
		return p
	}

	var contact amocrm.Contact
	path := fmt.Sprintf("/api/v4/contacts/%d", contactID)
	if err := f.amo.Get(ctx, path, nil, &contact); err != nil {
		log.Error().Err(err).Int64("contact_id", contactID).Msg("Не удалось получить контакт сделки")
		return p
	}

	parts := strings.Fields(contact.Name)
	if len(parts) > 0 {
		p.FirstName = parts[0]
	}
	if len(parts) > 1 {
		p.LastName = parts[1]
	}
	p.Phone = contact.CustomFields.ByID(f.cfg.Fields.ContactPhone)
	p.Email = contact.CustomFields.ByID(f.cfg.Fields.ContactEmail)

	return p
}

// addStudentParams собирает параметры AddStudent: пустые имена заменяются
// прочерком, немаппируемые поля опускаются.
func addStudentParams(p *payload) map[string]any {
	params := map[string]any{
		"firstName": orDash(p.FirstName),
		"lastName":  orDash(p.LastName),
	}
	if p.Gender != nil {
		params["gender"] = *p.Gender
	}
	if p.Patronymic != "" {
		params["patronymic"] = p.Patronymic
	}
	if p.BirthDate != "" {
		params["birthDate"] = p.BirthDate
	}
	if p.Phone != "" {
		params["phone"] = p.Phone
	}
	if p.Email != "" {
		params["email"] = p.Email
	}
	if p.Discipline != "" {
		params["discipline"] = p.Discipline
	}
	if p.Status != "" {
		params["Status"] = p.Status
	}
	if p.Level != "" {
		params["level"] = mapping.Level(p.Level)
	}
	if p.LearningType != "" {
		params["learningType"] = mapping.LearningType(p.LearningType)
	}
	if p.Maturity != "" {
		params["maturity"] = mapping.Maturity(p.Maturity)
	}
	if s, ok := p.Office.(string); ok && s != "" {
		params["officeOrCompanyId"] = mapping.Office(s)
	}
	if p.ResponsibleUser != "" {
		params["responsible_user"] = mapping.ResponsibleUser(p.ResponsibleUser)
	}
	return params
}

func orDash(s string) string {
	if trimmed := strings.TrimSpace(s); trimmed != "" {
		return trimmed
	}
	return "-"
}

// resolve находит студента по телефону либо создаёт нового.
func (f *Flow) resolve(ctx context.Context, p *payload) (*Result, error) {
	existing := f.findByPhone(ctx, p.Phone)

	if existing != nil {
		clientID, ok := existing.ClientID()
		if !ok {
			return nil, fmt.Errorf("у найденного студента отсутствует идентификатор")
		}
		log.Info().Int64("client_id", clientID).Msg("Студент найден по телефону, создание пропущено")
		return &Result{Operation: "updated", Found: true, ClientID: clientID, Phone: p.Phone}, nil
	}

	created, err := f.hh.Call(ctx, "AddStudent", addStudentParams(p))
	if err != nil {
		return nil, fmt.Errorf("создание студента: %w", err)
	}

	clientID, ok := hollyhop.ExtractID(created)
	if !ok {
		return nil, fmt.Errorf("ответ AddStudent не содержит идентификатор студента")
	}
	metrics.StudentsCreated.Inc()
	log.Info().Int64("client_id", clientID).Msg("Создан новый студент")

	f.editContacts(ctx, clientID, p.Phone, p.Email)

	return &Result{Operation: "created", ClientID: clientID, Phone: p.Phone}, nil
}

// findByPhone ищет студента перебором поисковых параметров API; кандидаты
// отбираются по точному совпадению нормализованного номера.
func (f *Flow) findByPhone(ctx context.Context, rawPhone string) hollyhop.Student {
	if strings.TrimSpace(rawPhone) == "" {
		log.Info().Msg("Телефон не указан, поиск существующего студента пропущен")
		return nil
	}

	want := phone.Normalize(rawPhone)
	attempts := []string{"phone", "term", "search", "q"}

	var candidates []hollyhop.Student
	seen := make(map[int64]bool)

	for _, param := range attempts {
		res, err := f.hh.Call(ctx, "GetStudents", map[string]any{param: rawPhone})
		if err != nil {
			// Неудача отдельного параметра не прерывает поиск.
			log.Warn().Err(err).Str("param", param).Msg("Попытка поиска не удалась")
			continue
		}
		for _, s := range hollyhop.ExtractStudents(res) {
			id, ok := s.ID()
			if !ok {
				// Кандидат без идентификатора непригоден для сверки
				continue
			}
			if seen[id] {
				continue
			}
			seen[id] = true
			candidates = append(candidates, s)
		}
	}

	for _, s := range candidates {
		candidatePhone := s.Phone()
		if candidatePhone == "" {
			continue
		}
		if phone.Normalize(candidatePhone) == want {
			return s
		}
	}

	log.Info().Str("phone", want).Int("candidates", len(candidates)).
		Msg("Точное совпадение телефона не найдено")
	return nil
}

// editContacts проставляет телефон и email нового студента как системные.
func (f *Flow) editContacts(ctx context.Context, clientID int64, phoneRaw, email string) {
	if phoneRaw == "" && email == "" {
		return
	}

	params := map[string]any{
		"StudentClientId":   clientID,
		"useMobileBySystem": false,
		"useEMailBySystem":  false,
	}
	if phoneRaw != "" {
		params["mobile"] = strings.TrimSpace(phoneRaw)
		params["useMobileBySystem"] = true
	}
	if email != "" {
		params["eMail"] = strings.TrimSpace(email)
		params["useEMailBySystem"] = true
	}

	if _, err := f.hh.Call(ctx, "EditContacts", params); err != nil {
		log.Error().Err(err).Int64("client_id", clientID).Msg("EditContacts завершился ошибкой")
	}
}

// profileID перечитывает профиль студента; при любой неудаче используется
// сам clientID.
func (f *Flow) profileID(ctx context.Context, clientID, fallback int64) int64 {
	if fallback == 0 {
		fallback = clientID
	}

	res, err := f.hh.Call(ctx, "GetStudents", map[string]any{"clientId": clientID})
	if err != nil {
		log.Warn().Err(err).Int64("client_id", clientID).Msg("Не удалось перечитать профиль студента")
		return fallback
	}

	students := hollyhop.ExtractStudents(res)
	for _, s := range students {
		if id, ok := s.ClientID(); ok && id == clientID {
			return s.ProfileID(fallback)
		}
	}

	log.Warn().Int64("client_id", clientID).Msg("Студент не найден при перечитывании профиля")
	return fallback
}

// patchLeadProfileLink записывает ссылку на профиль в сделку. Ошибка не
// прерывает обработку.
func (f *Flow) patchLeadProfileLink(ctx context.Context, leadID int64, link string) {
	body := map[string]any{
		"id": leadID,
		"custom_fields_values": []map[string]any{{
			"field_id": f.cfg.Fields.ProfileLink,
			"values":   []map[string]any{{"value": link}},
		}},
	}

	path := fmt.Sprintf("/api/v4/leads/%d", leadID)
	if err := f.amo.Send(ctx, "PATCH", path, body, nil); err != nil {
		log.Error().Err(err).Int64("lead_id", leadID).Msg("Не удалось обновить сделку ссылкой на профиль")
		return
	}
	log.Info().Int64("lead_id", leadID).Str("link", link).Msg("Сделка обновлена ссылкой на профиль")
}

// mirrorContractLink переносит ссылку на договор в поле «Договор Оки»
// профиля студента, найденного по email контакта.
func (f *Flow) mirrorContractLink(ctx context.Context, lead *amocrm.Lead, contractLink string) {
	contactID := lead.MainContactID()
	if contactID == 0 {
		return
	}

	var contact amocrm.Contact
	path := fmt.Sprintf("/api/v4/contacts/%d", contactID)
	if err := f.amo.Get(ctx, path, nil, &contact); err != nil {
		log.Warn().Err(err).Int64("contact_id", contactID).Msg("Не удалось получить контакт для переноса договора")
		return
	}

	email := contact.Email()
	if email == "" {
		return
	}

	res, err := f.hh.Call(ctx, "GetStudents", map[string]any{"email": email})
	if err != nil {
		log.Warn().Err(err).Str("email", email).Msg("Поиск студента по email не удался")
		return
	}

	students := hollyhop.ExtractStudents(res)
	if len(students) == 0 {
		return
	}
	clientID, ok := students[0].ClientID()
	if !ok {
		return
	}

	f.setContractField(ctx, students[0], clientID, contractLink)
}

// setContractField обновляет поле «Договор Оки», отправляя полный набор
// полей: EditUserExtraFields заменяет их целиком.
func (f *Flow) setContractField(ctx context.Context, s hollyhop.Student, clientID int64, contractLink string) {
	var fields []map[string]string
	replaced := false
	for _, ef := range s.ExtraFields() {
		if ef.Name == contractFieldName {
			fields = append(fields, map[string]string{"name": contractFieldName, "value": contractLink})
			replaced = true
			continue
		}
		fields = append(fields, map[string]string{"name": ef.Name, "value": ef.Value})
	}
	if !replaced {
		fields = append(fields, map[string]string{"name": contractFieldName, "value": contractLink})
	}

	params := map[string]any{
		"studentClientId": clientID,
		"fields":          fields,
	}
	if _, err := f.hh.Call(ctx, "EditUserExtraFields", params); err != nil {
		log.Warn().Err(err).Int64("client_id", clientID).Msg("Не удалось обновить поле «Договор Оки»")
		return
	}
	log.Info().Int64("client_id", clientID).Msg("Поле «Договор Оки» обновлено")
}

// ProcessContractSigned обрабатывает вебхук о подписании договора: обновляет
// имя и email контакта сделки.
func (f *Flow) ProcessContractSigned(ctx context.Context, leadID int64, extra map[string]string) error {
	if leadID == 0 {
		return &SkipError{Reason: "вебхук подписания без lead_id"}
	}

	fio := extra[okiFIOKey]
	email := extra[okiEmailKey]
	log.Info().Int64("lead_id", leadID).Str("fio", fio).Str("email", email).Msg("Договор подписан")

	var lead amocrm.Lead
	path := fmt.Sprintf("/api/v4/leads/%d", leadID)
	if err := f.amo.Get(ctx, path, queryWith("contacts"), &lead); err != nil {
		return fmt.Errorf("получение сделки %d: %w", leadID, err)
	}

	contactID := lead.MainContactID()
	if contactID == 0 {
		log.Warn().Int64("lead_id", leadID).Msg("У сделки нет контакта, обновление пропущено")
		return nil
	}

	body := map[string]any{
		"name": fio,
		"custom_fields_values": []map[string]any{{
			"field_code": "EMAIL",
			"values":     []map[string]any{{"value": email, "enum_code": "WORK"}},
		}},
	}
	contactPath := fmt.Sprintf("/api/v4/contacts/%d", contactID)
	if err := f.amo.Send(ctx, "PATCH", contactPath, body, nil); err != nil {
		log.Error().Err(err).Int64("contact_id", contactID).Msg("Не удалось обновить контакт")
		return err
	}

	log.Info().Int64("contact_id", contactID).Str("name", fio).Msg("Контакт обновлён")
	return nil
}
