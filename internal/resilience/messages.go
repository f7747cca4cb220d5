package resilience

import (
	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
)

const messageReloadPrompt = "error.critical_reload"

var catalog = map[language.Tag][]*i18n.Message{
	language.English: {
		{ID: "error.validation", Other: "Please check the entered data."},
		{ID: "error.storage", Other: "Local storage problem. Some data may not have been saved."},
		{ID: "error.network", Other: "Connection problem. Working offline."},
		{ID: "error.business", Other: "The operation is not allowed."},
		{ID: "error.system", Other: "Unexpected error. Please try again."},
		{ID: messageReloadPrompt, Other: "A critical error occurred. Reload the terminal now?"},
	},
	language.Indonesian: {
		{ID: "error.validation", Other: "Periksa kembali data yang dimasukkan."},
		{ID: "error.storage", Other: "Masalah penyimpanan lokal. Sebagian data mungkin belum tersimpan."},
		{ID: "error.network", Other: "Masalah koneksi. Bekerja dalam mode offline."},
		{ID: "error.business", Other: "Operasi tidak diizinkan."},
		{ID: "error.system", Other: "Terjadi kesalahan tak terduga. Silakan coba lagi."},
		{ID: messageReloadPrompt, Other: "Terjadi kesalahan kritis. Muat ulang terminal sekarang?"},
	},
	language.Spanish: {
		{ID: "error.validation", Other: "Revise los datos ingresados."},
		{ID: "error.storage", Other: "Problema de almacenamiento local. Algunos datos pueden no haberse guardado."},
		{ID: "error.network", Other: "Problema de conexión. Trabajando sin conexión."},
		{ID: "error.business", Other: "La operación no está permitida."},
		{ID: "error.system", Other: "Error inesperado. Inténtelo de nuevo."},
		{ID: messageReloadPrompt, Other: "Ocurrió un error crítico. ¿Recargar el terminal ahora?"},
	},
}

func newLocalizer(locale string) *i18n.Localizer {
	bundle := i18n.NewBundle(language.English)
	for tag, messages := range catalog {
		// Messages are static; AddMessages only fails on invalid tags.
		_ = bundle.AddMessages(tag, messages...)
	}
	return i18n.NewLocalizer(bundle, locale, language.English.String())
}

func localize(l *i18n.Localizer, id string, fallback string) string {
	if l == nil {
		return fallback
	}
	msg, err := l.Localize(&i18n.LocalizeConfig{MessageID: id})
	if err != nil || msg == "" {
		return fallback
	}
	return msg
}
