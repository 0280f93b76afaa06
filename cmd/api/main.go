package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"amo-hollyhop-proxy/internal/amocrm"
	"amo-hollyhop-proxy/internal/config"
	"amo-hollyhop-proxy/internal/crossref"
	"amo-hollyhop-proxy/internal/hollyhop"
	"amo-hollyhop-proxy/internal/payment"
	"amo-hollyhop-proxy/internal/student"
	"amo-hollyhop-proxy/internal/transport/rest"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg := config.Load()

	tokenStore := amocrm.NewFileTokenStore(cfg.TokenFile)
	amoClient := amocrm.NewClient(cfg, tokenStore)
	hhClient := hollyhop.NewClient(cfg)

	xref := crossref.NewUpdater(cfg, amoClient, hhClient)
	flow := student.NewFlow(cfg, amoClient, hhClient, xref)
	payments := payment.NewResolver(cfg, amoClient, hhClient)

	handler := rest.NewHandler(flow, payments)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.HandleFunc("/webhooks/student", handler.StudentWebhook)
	r.HandleFunc("/webhooks/payment", handler.PaymentWebhook)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:         cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 180 * time.Second, // поиск связанной сделки может быть долгим
	}

	go func() {
		log.Info().Str("addr", cfg.ServerPort).Msg("✅ AmoCRM-Hollyhop Proxy запущен")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Ошибка HTTP-сервера")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info().Msg("Остановка сервера...")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Ошибка при остановке сервера")
	}
	log.Info().Msg("Сервер остановлен")
}
