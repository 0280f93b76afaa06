// Package payment записывает оплату студента в Hollyhop по вебхукам AmoCRM:
// от транзакции, сделки или счета из каталога.
package payment

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"amo-hollyhop-proxy/internal/amocrm"
	"amo-hollyhop-proxy/internal/config"
	"amo-hollyhop-proxy/internal/hollyhop"
	"amo-hollyhop-proxy/internal/metrics"
	"amo-hollyhop-proxy/internal/models"

	"github.com/rs/zerolog/log"
)

const (
	// Методы оплаты Hollyhop: если ссылка на оплату заполнена, счет шёл
	// через Тбанк, иначе через ПСБ.
	methodTbank = 23
	methodPSB   = 19

	paymentState = "Unconfirmed"

	leadSearchWindow = 180 * 24 * time.Hour
	leadsPageSize    = 250
	linkChunkSize    = 50
	maxLeadPages     = 20
)

var profileRe = regexp.MustCompile(`/Profile/(\d+)`)

// ResolutionError — входные данные не позволяют записать оплату (ответ 400).
type ResolutionError struct {
	Reason string
}

func (e *ResolutionError) Error() string { return e.Reason }

// NotFoundError — студент или связанная сделка не найдены (ответ 404).
type NotFoundError struct {
	Reason string
}

func (e *NotFoundError) Error() string { return e.Reason }

// SkipError — обработка отложена без ошибки (неоплаченный счет, сделка без
// транзакций); ответ 200 с пояснением.
type SkipError struct {
	Message     string
	LeadID      int64
	CatalogElem int64
	BillStatus  string
}

func (e *SkipError) Error() string { return e.Message }

// Source — унифицированный источник оплаты после разбора любого из трёх
// путей вебхука.
type Source struct {
	LeadID      int64
	Amount      float64
	Date        time.Time
	PaymentLink string
}

// Outcome — записанная оплата.
type Outcome struct {
	ClientID        int64
	OfficeID        int64
	Date            string
	Amount          float64
	PaymentMethodID int64
	APIResponse     any
}

// Resolver разбирает вебхук оплаты и записывает оплату в Hollyhop.
type Resolver struct {
	cfg *config.Config
	amo *amocrm.Client
	hh  *hollyhop.Client
}

func NewResolver(cfg *config.Config, amo *amocrm.Client, hh *hollyhop.Client) *Resolver {
	return &Resolver{cfg: cfg, amo: amo, hh: hh}
}

// Process обрабатывает классифицированное событие оплаты от начала до конца.
func (r *Resolver) Process(ctx context.Context, ev *models.Event) (*Outcome, error) {
	src, err := r.resolveSource(ctx, ev)
	if err != nil {
		return nil, err
	}
	return r.post(ctx, src)
}

// resolveSource приводит событие к источнику оплаты.
func (r *Resolver) resolveSource(ctx context.Context, ev *models.Event) (*Source, error) {
	switch ev.Kind {
	case models.KindTransactionAdd, models.KindTransactionStatus:
		return r.fromTransaction(ctx, ev.TransactionID)
	case models.KindLeadAdd, models.KindLeadStatus:
		txID, err := r.findLeadTransaction(ctx, ev.LeadID)
		if err != nil {
			return nil, err
		}
		return r.fromTransaction(ctx, txID)
	case models.KindCatalogAdd, models.KindCatalogUpdate:
		return r.fromInvoice(ctx, ev)
	default:
		return nil, &ResolutionError{Reason: "не удалось определить ID транзакции, сделки или счета из вебхука"}
	}
}

func (r *Resolver) fromTransaction(ctx context.Context, txID int64) (*Source, error) {
	var tx amocrm.Transaction
	path := fmt.Sprintf("/api/v4/transactions/%d", txID)
	if err := r.amo.Get(ctx, path, nil, &tx); err != nil {
		return nil, fmt.Errorf("получение транзакции %d: %w", txID, err)
	}

	leadID := tx.Lead()
	if leadID == 0 {
		return nil, &ResolutionError{Reason: "транзакция не связана со сделкой (lead_id отсутствует)"}
	}

	amount := tx.Amount()
	if amount == 0 {
		return nil, &ResolutionError{Reason: "транзакция не содержит корректную сумму оплаты"}
	}

	date := time.Now()
	if tx.CreatedAt > 0 {
		date = time.Unix(tx.CreatedAt, 0)
	} else if tx.Date != "" {
		if parsed, err := time.Parse(time.RFC3339, tx.Date); err == nil {
			date = parsed
		} else {
			log.Warn().Str("date", tx.Date).Msg("Не удалось разобрать дату транзакции, используется текущая")
		}
	}

	return &Source{LeadID: leadID, Amount: amount, Date: date}, nil
}

// findLeadTransaction ищет последнюю транзакцию сделки: сначала во вложенных
// данных, затем отдельным запросом.
func (r *Resolver) findLeadTransaction(ctx context.Context, leadID int64) (int64, error) {
	var lead struct {
		Embedded struct {
			Transactions []struct {
				ID int64 `json:"id"`
			} `json:"transactions"`
		} `json:"_embedded"`
	}
	path := fmt.Sprintf("/api/v4/leads/%d", leadID)
	query := url.Values{"with": {"transactions"}}
	if err := r.amo.Get(ctx, path, query, &lead); err != nil {
		return 0, fmt.Errorf("получение сделки %d с транзакциями: %w", leadID, err)
	}

	if n := len(lead.Embedded.Transactions); n > 0 {
		return lead.Embedded.Transactions[n-1].ID, nil
	}

	var dedicated struct {
		Embedded struct {
			Transactions []struct {
				ID int64 `json:"id"`
			} `json:"transactions"`
		} `json:"_embedded"`
	}
	txPath := fmt.Sprintf("/api/v4/leads/%d/transactions", leadID)
	if err := r.amo.Get(ctx, txPath, nil, &dedicated); err != nil {
		return 0, fmt.Errorf("поиск транзакций сделки %d: %w", leadID, err)
	}
	if n := len(dedicated.Embedded.Transactions); n > 0 {
		return dedicated.Embedded.Transactions[n-1].ID, nil
	}

	return 0, &SkipError{
		Message: "В сделке нет транзакций. Обработка будет выполнена при создании транзакции.",
		LeadID:  leadID,
	}
}

// invoiceFields — значения счета, извлечённые из полей вебхука.
type invoiceFields struct {
	Status      string
	Price       string
	PaymentDate string
	PaymentLink string
}

func extractInvoiceFields(fields []models.CatalogField, linkFieldIDs []int64) invoiceFields {
	var inv invoiceFields
	for _, f := range fields {
		v, _ := f.FirstValue().(string)
		switch {
		case f.Code == "BILL_STATUS":
			inv.Status = v
		case f.Code == "BILL_PRICE":
			inv.Price = v
		case f.Code == "BILL_PAYMENT_DATE":
			inv.PaymentDate = v
		case f.Code == "INVOICE_HASH_LINK" || isInvoiceLinkField(f.ID, linkFieldIDs):
			inv.PaymentLink = strings.TrimSpace(v)
		}
	}
	return inv
}

func isInvoiceLinkField(id int64, known []int64) bool {
	for _, k := range known {
		if id == k {
			return true
		}
	}
	return false
}

// fromInvoice обрабатывает вебхук счета: гейт по статусу оплаты, поиск
// связанной сделки через массовый API связей.
func (r *Resolver) fromInvoice(ctx context.Context, ev *models.Event) (*Source, error) {
	if ev.CatalogID == 0 {
		return nil, &ResolutionError{Reason: "вебхук счета без catalog_id"}
	}

	inv := extractInvoiceFields(ev.CatalogFields, r.cfg.Fields.InvoiceHashLink)

	if inv.Status != "Оплачен" && !strings.Contains(strings.ToLower(inv.Status), "оплач") {
		return nil, &SkipError{
			Message:     "Счет не оплачен. Обработка будет выполнена при оплате.",
			CatalogElem: ev.CatalogElementID,
			BillStatus:  inv.Status,
		}
	}

	amount, err := strconv.ParseFloat(strings.TrimSpace(inv.Price), 64)
	if err != nil || amount == 0 {
		return nil, &ResolutionError{Reason: "не удалось извлечь сумму оплаты из счета"}
	}

	var element amocrm.CatalogElement
	elemPath := fmt.Sprintf("/api/v4/catalogs/%d/elements/%d", ev.CatalogID, ev.CatalogElementID)
	if err := r.amo.Get(ctx, elemPath, nil, &element); err != nil {
		return nil, fmt.Errorf("получение элемента каталога %d: %w", ev.CatalogElementID, err)
	}

	leadID, err := r.findLinkedLead(ctx, ev.CatalogID, ev.CatalogElementID)
	if err != nil {
		return nil, err
	}
	if leadID == 0 {
		return nil, &ResolutionError{
			Reason: "Не удалось найти связанную сделку для счета. Счет не привязан к сделке в AmoCRM.",
		}
	}

	// Ссылка на оплату из вебхука; если там пусто, берём из полного ответа API.
	paymentLink := inv.PaymentLink
	if paymentLink == "" {
		paymentLink = strings.TrimSpace(element.CustomFields.ByCode("INVOICE_HASH_LINK"))
		if paymentLink == "" {
			paymentLink = strings.TrimSpace(element.CustomFields.ByAnyID(r.cfg.Fields.InvoiceHashLink))
		}
	}

	date := time.Now()
	if raw := strings.TrimSpace(inv.PaymentDate); raw != "" {
		if ts, err := strconv.ParseInt(raw, 10, 64); err == nil && ts > 0 {
			date = time.Unix(ts, 0)
		} else {
			log.Warn().Str("date", raw).Msg("Не удалось разобрать дату оплаты счета, используется текущая")
		}
	}

	return &Source{LeadID: leadID, Amount: amount, Date: date, PaymentLink: paymentLink}, nil
}

// findLinkedLead ищет сделку, связанную со счетом: открытые сделки за
// последние полгода просматриваются страницами и проверяются пачками через
// массовый API связей.
func (r *Resolver) findLinkedLead(ctx context.Context, catalogID, elementID int64) (int64, error) {
	from := time.Now().Add(-leadSearchWindow).Unix()

	for page := 1; page <= maxLeadPages; page++ {
		var leads amocrm.LeadsPage
		query := url.Values{
			"limit":                    {strconv.Itoa(leadsPageSize)},
			"page":                     {strconv.Itoa(page)},
			"filter[created_at][from]": {strconv.FormatInt(from, 10)},
			"order[created_at]":        {"desc"},
		}
		if err := r.amo.Get(ctx, "/api/v4/leads", query, &leads); err != nil {
			return 0, fmt.Errorf("получение сделок (страница %d): %w", page, err)
		}
		if len(leads.Embedded.Leads) == 0 {
			break
		}

		var openIDs []int64
		for _, lead := range leads.Embedded.Leads {
			if lead.ClosedAt == 0 {
				openIDs = append(openIDs, lead.ID)
			}
		}

		for start := 0; start < len(openIDs); start += linkChunkSize {
			end := start + linkChunkSize
			if end > len(openIDs) {
				end = len(openIDs)
			}

			leadID, err := r.checkLinksChunk(ctx, openIDs[start:end], catalogID, elementID)
			if err != nil {
				log.Warn().Err(err).Int("page", page).Msg("Ошибка запроса к массовому API связей")
				continue
			}
			if leadID != 0 {
				return leadID, nil
			}
		}
	}

	return 0, nil
}

func (r *Resolver) checkLinksChunk(ctx context.Context, leadIDs []int64, catalogID, elementID int64) (int64, error) {
	query := url.Values{}
	for _, id := range leadIDs {
		query.Add("filter[entity_id][]", strconv.FormatInt(id, 10))
	}
	query.Set("filter[to_entity_id]", strconv.FormatInt(elementID, 10))
	query.Set("filter[to_entity_type]", "catalog_elements")
	if catalogID != 0 {
		query.Set("filter[to_catalog_id]", strconv.FormatInt(catalogID, 10))
	}

	var links amocrm.LinksPage
	if err := r.amo.Get(ctx, "/api/v4/leads/links", query, &links); err != nil {
		return 0, err
	}

	for _, link := range links.Embedded.Links {
		if leadID := link.LeadIDFor(elementID); leadID != 0 {
			return leadID, nil
		}
	}
	return 0, nil
}

// post выполняет общий финал всех путей: поиск clientId по сделке, офис
// студента, запись оплаты.
func (r *Resolver) post(ctx context.Context, src *Source) (*Outcome, error) {
	var lead amocrm.Lead
	path := fmt.Sprintf("/api/v4/leads/%d", src.LeadID)
	if err := r.amo.Get(ctx, path, nil, &lead); err != nil {
		return nil, fmt.Errorf("получение сделки %d: %w", src.LeadID, err)
	}

	clientID, err := r.resolveClientID(ctx, &lead)
	if err != nil {
		return nil, err
	}

	officeID, err := r.resolveOfficeID(ctx, clientID)
	if err != nil {
		return nil, err
	}

	methodID := int64(methodPSB)
	if src.PaymentLink != "" {
		methodID = methodTbank
	}

	dateISO := src.Date.Format(time.RFC3339)
	params := map[string]any{
		"clientId":          clientID,
		"officeOrCompanyId": officeID,
		"date":              dateISO,
		"value":             src.Amount,
		"state":             paymentState,
		"paymentMethodId":   methodID,
	}

	apiRes, err := r.hh.Call(ctx, "AddPayment", params)
	if err != nil {
		return nil, fmt.Errorf("запись оплаты: %w", err)
	}

	method := "psb"
	if methodID == methodTbank {
		method = "tbank"
	}
	metrics.PaymentsPosted.WithLabelValues(method).Inc()

	log.Info().Int64("client_id", clientID).Float64("amount", src.Amount).
		Int64("payment_method_id", methodID).Msg("Оплата записана")

	return &Outcome{
		ClientID:        clientID,
		OfficeID:        officeID,
		Date:            dateISO,
		Amount:          src.Amount,
		PaymentMethodID: methodID,
		APIResponse:     apiRes,
	}, nil
}

// resolveClientID находит clientId студента по сделке: настроенное кастомное
// поле, ссылка на профиль, затем поиск по контактам.
func (r *Resolver) resolveClientID(ctx context.Context, lead *amocrm.Lead) (int64, error) {
	var profileLink string

	for _, f := range lead.CustomFields {
		v := f.First()
		if v == "" {
			continue
		}
		if r.cfg.Fields.ClientID != 0 && f.FieldID == r.cfg.Fields.ClientID {
			if id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
				log.Info().Int64("client_id", id).Msg("clientId найден в кастомном поле сделки")
				return id, nil
			}
		}
		if f.FieldID == r.cfg.Fields.ProfileLink {
			profileLink = v
		}
	}

	if profileLink != "" {
		if id, ok := r.clientIDByProfileLink(ctx, profileLink); ok {
			return id, nil
		}
	}

	if id, ok := r.clientIDByContacts(ctx, lead.ID); ok {
		return id, nil
	}

	return 0, &ResolutionError{
		Reason: "Не удалось найти clientId студента в сделке. Убедитесь, что в сделке заполнено поле с ID студента (clientId) из Hollyhop, ссылка на профиль студента, или что в сделке есть контакт с телефоном/email, по которому можно найти студента в Hollyhop.",
	}
}

func (r *Resolver) clientIDByProfileLink(ctx context.Context, link string) (int64, bool) {
	m := profileRe.FindStringSubmatch(link)
	if m == nil {
		log.Warn().Str("link", link).Msg("Не удалось извлечь profile_id из ссылки")
		return 0, false
	}
	profileID, _ := strconv.ParseInt(m[1], 10, 64)

	res, err := r.hh.Call(ctx, "GetStudents", map[string]any{"Id": profileID})
	if err != nil {
		log.Warn().Err(err).Int64("profile_id", profileID).Msg("Не удалось получить студента по profile_id")
		return 0, false
	}

	for _, s := range hollyhop.ExtractStudents(res) {
		if id, ok := s.ID(); ok && id == profileID {
			if clientID, ok := s.ClientID(); ok {
				log.Info().Int64("client_id", clientID).Msg("clientId получен по ссылке на профиль")
				return clientID, true
			}
		}
	}
	// Единственный студент в ответе принимается и без совпадения Id
	if students := hollyhop.ExtractStudents(res); len(students) == 1 {
		if clientID, ok := students[0].ClientID(); ok {
			return clientID, true
		}
	}
	return 0, false
}

func (r *Resolver) clientIDByContacts(ctx context.Context, leadID int64) (int64, bool) {
	var lead amocrm.Lead
	path := fmt.Sprintf("/api/v4/leads/%d", leadID)
	query := url.Values{"with": {"contacts"}}
	if err := r.amo.Get(ctx, path, query, &lead); err != nil {
		log.Warn().Err(err).Int64("lead_id", leadID).Msg("Не удалось получить контакты сделки")
		return 0, false
	}

	contactID := lead.MainContactID()
	if contactID == 0 {
		log.Warn().Int64("lead_id", leadID).Msg("В сделке не найдены контакты для поиска студента")
		return 0, false
	}

	var contact amocrm.Contact
	contactPath := fmt.Sprintf("/api/v4/contacts/%d", contactID)
	if err := r.amo.Get(ctx, contactPath, nil, &contact); err != nil {
		return 0, false
	}

	phone := contact.CustomFields.ByID(r.cfg.Fields.ContactPhone)
	email := contact.CustomFields.ByID(r.cfg.Fields.ContactEmail)

	params := map[string]any{}
	if phone != "" {
		params["phone"] = phone
	} else if email != "" {
		params["email"] = email
	} else {
		return 0, false
	}

	res, err := r.hh.Call(ctx, "GetStudents", params)
	if err != nil {
		log.Warn().Err(err).Msg("Поиск студента по контактам не удался")
		return 0, false
	}

	students := hollyhop.ExtractStudents(res)
	if len(students) == 0 {
		return 0, false
	}
	clientID, ok := students[0].ClientID()
	if ok {
		log.Info().Int64("client_id", clientID).Msg("clientId найден через поиск по контактам")
	}
	return clientID, ok
}

// resolveOfficeID получает офис студента из его карточки Hollyhop.
func (r *Resolver) resolveOfficeID(ctx context.Context, clientID int64) (int64, error) {
	res, err := r.hh.Call(ctx, "GetStudents", map[string]any{"clientId": clientID})
	if err != nil {
		return 0, fmt.Errorf("получение студента %d: %w", clientID, err)
	}

	students := hollyhop.ExtractStudents(res)
	var match hollyhop.Student
	for _, s := range students {
		if id, ok := s.ClientID(); ok && id == clientID {
			match = s
			break
		}
	}
	if match == nil {
		return 0, &NotFoundError{Reason: fmt.Sprintf("Студент с clientId = %d не найден в системе Hollyhop", clientID)}
	}

	officeID, ok := match.OfficeID()
	if !ok {
		return 0, &NotFoundError{Reason: fmt.Sprintf("Не удалось получить officeOrCompanyId для студента с clientId = %d", clientID)}
	}
	return officeID, nil
}
