// Package mapping переводит значения справочников AmoCRM в словарь Hollyhop.
// Неизвестные значения передаются как есть: они не должны блокировать поток.
package mapping

import (
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

var levelTable = map[string]string{
	"С нуля":         "A0",
	"Индивидуальные": "Индивидуальный",
}

var learningTypeTable = map[string]string{
	"Мини группа":    "Мини-группа",
	"Мини-группа":    "Мини-группа",
	"Минигруппа":     "Мини-группа",
	"Стандарт":       "Стандарт",
	"Индивидуальный": "Индивидуальный",
	"Индивидуальные": "Индивидуальный",
	"Группа":         "Группа",
	"Полная группа":  "Полная группа",
	"Общий":          "Общий",
	"Интенсивный":    "Интенсивный",
}

var maturityTable = map[string]string{
	"Дошкольники": "4-6 лет",
	"Подростки":   "Ст. школьники",
}

var officeTable = map[string]int{
	"Выезд":                     7,
	"Красная Пресня":            4,
	"Кр пресня":                 4,
	"Курская":                   2,
	"Ломоносовский проспект":    45,
	"Немчиновка":                30,
	"Октябрьская":               5,
	"Онлайн-платформа":          36,
	"Онлайн":                    36,
	"онлайн":                    36,
	"ООО Сфера-Строй М":         66,
	"Таганская/Цветной бульвар": 53,
	"Территория Смоленка":       46,
}

var responsibleUserTable = map[string]string{
	"Наталья":            "Наталья Владимировна старший администратор",
	"Александра":         "Гид по обучению Александра",
	"Альбина":            "Гид по обучению Альбина",
	"Елена":              "Гид по обучению Елена",
	"Резервный менеджер": "Гид по обучению резервный",
}

var (
	femaleExact = map[string]bool{"Ж": true, "ж": true, "F": true, "false": true, "0": true}
	femaleWords = map[string]bool{"женский": true, "female": true}
	maleExact   = map[string]bool{"М": true, "м": true, "M": true, "true": true, "1": true}
	maleWords   = map[string]bool{"мужской": true, "male": true}
)

// Gender переводит значение пола в трёхзначную форму: true — мужской,
// false — женский, nil — не распознано (поле следует опустить, чтобы
// сработало значение по умолчанию на принимающей стороне).
func Gender(raw string) *bool {
	g := strings.TrimSpace(raw)
	if g == "" {
		return nil
	}
	lower := strings.ToLower(g)

	if femaleExact[g] || femaleWords[lower] {
		v := false
		return &v
	}
	if maleExact[g] || maleWords[lower] {
		v := true
		return &v
	}

	return nil
}

func Level(level string) string {
	if mapped, ok := levelTable[level]; ok {
		return mapped
	}
	return level
}

func LearningType(learningType string) string {
	if mapped, ok := learningTypeTable[learningType]; ok {
		return mapped
	}
	log.Warn().Str("value", learningType).Msg("learningType: не найдено в маппинге, передаём как есть")
	return learningType
}

func Maturity(maturity string) string {
	if mapped, ok := maturityTable[maturity]; ok {
		return mapped
	}
	return maturity
}

// Office переводит название офиса в числовой ID. Уже числовое значение
// возвращается как int без обращения к таблице; неизвестное название
// возвращается неизменным.
func Office(officeValue string) any {
	if n, err := strconv.Atoi(strings.TrimSpace(officeValue)); err == nil {
		return n
	}

	if id, ok := officeTable[officeValue]; ok {
		return id
	}

	log.Warn().Str("value", officeValue).Msg("officeOrCompanyId: не найдено в маппинге, передаём как есть")
	return officeValue
}

func ResponsibleUser(responsibleUser string) string {
	if mapped, ok := responsibleUserTable[responsibleUser]; ok {
		return mapped
	}
	return responsibleUser
}
