package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// FieldRegistry содержит ID кастомных полей AmoCRM, используемых интеграцией.
// Значения по умолчанию соответствуют текущей настройке портала и могут быть
// переопределены через переменные окружения.
type FieldRegistry struct {
	Discipline      int64
	Level           int64
	LearningType    int64
	Maturity        int64
	OfficeOrCompany int64
	ResponsibleUser int64
	ProfileLink     int64
	ContractLink    int64

	ContactPhone int64
	ContactEmail int64

	// ClientID — поле сделки с ID студента в Hollyhop. 0 означает, что поле
	// не настроено и clientId ищется через ссылку на профиль или контакты.
	ClientID int64

	// InvoiceHashLink — ID полей счета со ссылкой на оплату (дополнительно к
	// коду INVOICE_HASH_LINK).
	InvoiceHashLink []int64
}

type Config struct {
	ServerPort string

	HollyhopSubdomain string
	HollyhopAuthKey   string
	HollyhopBaseURL   string
	HollyhopTimeout   time.Duration

	AmoSubdomain    string
	AmoClientID     string
	AmoClientSecret string
	AmoRedirectURI  string
	AmoBaseURL      string
	AmoTimeout      time.Duration
	TokenFile       string

	Fields FieldRegistry
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using system environment variables")
	}

	hhSubdomain := getEnv("HOLLYHOP_SUBDOMAIN", "")
	amoSubdomain := getEnv("AMO_SUBDOMAIN", "")

	return &Config{
		ServerPort: getEnv("SERVER_PORT", ":8080"),

		HollyhopSubdomain: hhSubdomain,
		HollyhopAuthKey:   getEnv("HOLLYHOP_AUTH_KEY", ""),
		HollyhopBaseURL:   getEnv("HOLLYHOP_BASE_URL", fmt.Sprintf("https://%s.t8s.ru/Api/V2", hhSubdomain)),
		HollyhopTimeout:   60 * time.Second,

		AmoSubdomain:    amoSubdomain,
		AmoClientID:     getEnv("AMO_CLIENT_ID", ""),
		AmoClientSecret: getEnv("AMO_CLIENT_SECRET", ""),
		AmoRedirectURI:  getEnv("AMO_REDIRECT_URI", fmt.Sprintf("https://%s.amocrm.ru/", amoSubdomain)),
		AmoBaseURL:      getEnv("AMO_BASE_URL", fmt.Sprintf("https://%s.amocrm.ru", amoSubdomain)),
		AmoTimeout:      15 * time.Second,
		TokenFile:       getEnv("AMO_TOKEN_FILE", "tokens.json"),

		Fields: FieldRegistry{
			Discipline:      getEnvAsInt64("AMO_FIELD_DISCIPLINE", 1575217),
			Level:           getEnvAsInt64("AMO_FIELD_LEVEL", 1576357),
			LearningType:    getEnvAsInt64("AMO_FIELD_LEARNING_TYPE", 1575221),
			Maturity:        getEnvAsInt64("AMO_FIELD_MATURITY", 1575213),
			OfficeOrCompany: getEnvAsInt64("AMO_FIELD_OFFICE_OR_COMPANY", 1596219),
			ResponsibleUser: getEnvAsInt64("AMO_FIELD_RESPONSIBLE_USER", 1590693),
			ProfileLink:     getEnvAsInt64("AMO_FIELD_PROFILE_LINK", 1630807),
			ContractLink:    getEnvAsInt64("AMO_FIELD_CONTRACT_LINK", 1632483),
			ContactPhone:    getEnvAsInt64("AMO_CONTACT_FIELD_PHONE", 1138327),
			ContactEmail:    getEnvAsInt64("AMO_CONTACT_FIELD_EMAIL", 1138329),
			ClientID:        getEnvAsInt64("AMO_FIELD_CLIENT_ID", 0),
			InvoiceHashLink: []int64{1622603, 1630781},
		},
	}
}

func getEnv(key, defaultVal string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultVal
}

func getEnvAsInt64(key string, defaultVal int64) int64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseInt(valueStr, 10, 64); err == nil {
		return value
	}
	return defaultVal
}
