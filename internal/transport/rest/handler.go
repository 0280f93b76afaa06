package rest

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"amo-hollyhop-proxy/internal/metrics"
	"amo-hollyhop-proxy/internal/models"
	"amo-hollyhop-proxy/internal/payment"
	"amo-hollyhop-proxy/internal/student"

	"github.com/rs/zerolog/log"
)

const maxBodySize = 1 << 20 // вебхуки AmoCRM небольшие

type Handler struct {
	flow     *student.Flow
	payments *payment.Resolver
}

func NewHandler(flow *student.Flow, payments *payment.Resolver) *Handler {
	return &Handler{flow: flow, payments: payments}
}

func writeJSON(w http.ResponseWriter, status int, body models.APIResponse) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// preflight обрабатывает CORS и метод запроса; true — запрос уже отвечен.
func preflight(w http.ResponseWriter, r *http.Request) bool {
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return true
	}
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, models.APIResponse{
			Success: false,
			Error:   "Метод не поддерживается. Используйте POST.",
		})
		return true
	}
	return false
}

// StudentWebhook принимает вебхуки сделок AmoCRM и вебхук подписания
// договора OkiDoki.
func (h *Handler) StudentWebhook(w http.ResponseWriter, r *http.Request) {
	if preflight(w, r) {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, models.APIResponse{Success: false, Error: "Не удалось прочитать тело запроса"})
		return
	}

	// Вебхук OkiDoki распознаётся до классификации событий AmoCRM
	var oki models.ContractSigned
	if json.Unmarshal(body, &oki) == nil && oki.Status == "signed" {
		h.handleContractSigned(w, r, &oki)
		return
	}

	ev := models.ParseEvent(body, r.Header.Get("Content-Type"))
	if ev.Kind != models.KindLeadAdd && ev.Kind != models.KindLeadStatus {
		metrics.WebhooksTotal.WithLabelValues("student", "error").Inc()
		log.Warn().Str("kind", string(ev.Kind)).Msg("Вебхук получен, но не удалось определить lead_id")
		writeJSON(w, http.StatusBadRequest, models.APIResponse{
			Success: false,
			Error:   "Не удалось определить ID сделки из вебхука",
		})
		return
	}

	res, err := h.flow.ProcessLead(r.Context(), ev.LeadID)
	if err != nil {
		var skip *student.SkipError
		if errors.As(err, &skip) {
			metrics.WebhooksTotal.WithLabelValues("student", "skipped").Inc()
			writeJSON(w, http.StatusOK, models.APIResponse{Success: true, Message: skip.Reason, LeadID: ev.LeadID})
			return
		}
		metrics.WebhooksTotal.WithLabelValues("student", "error").Inc()
		log.Error().Err(err).Int64("lead_id", ev.LeadID).Msg("Ошибка обработки сделки")
		writeJSON(w, http.StatusInternalServerError, models.APIResponse{Success: false, Error: err.Error()})
		return
	}

	metrics.WebhooksTotal.WithLabelValues("student", "ok").Inc()
	writeJSON(w, http.StatusOK, models.APIResponse{
		Success:   true,
		Operation: res.Operation,
		ClientID:  res.ClientID,
		ProfileID: res.ProfileID,
		Link:      res.Link,
	})
}

func (h *Handler) handleContractSigned(w http.ResponseWriter, r *http.Request, oki *models.ContractSigned) {
	if err := h.flow.ProcessContractSigned(r.Context(), oki.LeadID, oki.ExtraFields); err != nil {
		var skip *student.SkipError
		if errors.As(err, &skip) {
			metrics.WebhooksTotal.WithLabelValues("student", "skipped").Inc()
			writeJSON(w, http.StatusOK, models.APIResponse{Success: true, Message: skip.Reason})
			return
		}
		metrics.WebhooksTotal.WithLabelValues("student", "error").Inc()
		writeJSON(w, http.StatusInternalServerError, models.APIResponse{Success: false, Error: err.Error()})
		return
	}

	metrics.WebhooksTotal.WithLabelValues("student", "ok").Inc()
	writeJSON(w, http.StatusOK, models.APIResponse{Success: true, Message: "Контакт обновлён по подписанному договору", LeadID: oki.LeadID})
}

// PaymentWebhook принимает вебхуки оплат: транзакции, сделки и счета.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	if preflight(w, r) {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, models.APIResponse{Success: false, Error: "Не удалось прочитать тело запроса"})
		return
	}

	ev := models.ParseEvent(body, r.Header.Get("Content-Type"))
	if ev.Kind == models.KindUnknown {
		metrics.WebhooksTotal.WithLabelValues("payment", "error").Inc()
		writeJSON(w, http.StatusBadRequest, models.APIResponse{
			Success: false,
			Error:   "Не удалось определить ID транзакции, сделки или счета из вебхука",
		})
		return
	}

	out, err := h.payments.Process(r.Context(), ev)
	if err != nil {
		h.writePaymentError(w, ev, err)
		return
	}

	raw, _ := json.Marshal(out.APIResponse)
	metrics.WebhooksTotal.WithLabelValues("payment", "ok").Inc()
	writeJSON(w, http.StatusOK, models.APIResponse{
		Success: true,
		Message: "Оплата успешно записана",
		Payment: &models.PaymentEcho{
			ClientID:          out.ClientID,
			OfficeOrCompanyID: out.OfficeID,
			Date:              out.Date,
			Value:             out.Amount,
		},
		APIRaw: raw,
	})
}

func (h *Handler) writePaymentError(w http.ResponseWriter, ev *models.Event, err error) {
	var skip *payment.SkipError
	if errors.As(err, &skip) {
		metrics.WebhooksTotal.WithLabelValues("payment", "skipped").Inc()
		writeJSON(w, http.StatusOK, models.APIResponse{
			Success:     true,
			Message:     skip.Message,
			LeadID:      skip.LeadID,
			CatalogElem: skip.CatalogElem,
			BillStatus:  skip.BillStatus,
		})
		return
	}

	metrics.WebhooksTotal.WithLabelValues("payment", "error").Inc()

	var resolution *payment.ResolutionError
	if errors.As(err, &resolution) {
		resp := models.APIResponse{Success: false, Error: resolution.Reason}
		if ev.CatalogElementID != 0 {
			resp.CatalogElem = ev.CatalogElementID
			resp.Recommendation = "Проверьте в AmoCRM, что счет привязан к сделке через механизм связей. После привязки счета к сделке, обработка будет выполнена автоматически при следующем обновлении счета."
		}
		writeJSON(w, http.StatusBadRequest, resp)
		return
	}

	var notFound *payment.NotFoundError
	if errors.As(err, &notFound) {
		writeJSON(w, http.StatusNotFound, models.APIResponse{Success: false, Error: notFound.Reason})
		return
	}

	log.Error().Err(err).Msg("Ошибка обработки платежа")
	writeJSON(w, http.StatusInternalServerError, models.APIResponse{Success: false, Error: err.Error()})
}
