package nlp

import (
	"strings"

	"github.com/loqalabs/sttgate/internal/stt"
)

// MaxHintTokens caps how many intent hints feed one frame.
const MaxHintTokens = 12

// intentTypes maps typed intent keywords to their intent family.
var intentTypes = map[string]string{
	"remind": "reminder", "reminder": "reminder", "recordar": "reminder", "recordatorio": "reminder",
	"rappeler": "reminder", "rappel": "reminder", "erinnern": "reminder", "erinnerung": "reminder", "提醒": "reminder",

	"meeting": "calendar", "schedule": "calendar", "appointment": "calendar", "calendar": "calendar",
	"reunión": "calendar", "reunion": "calendar", "réunion": "calendar", "termin": "calendar", "会议": "calendar",

	"call": "call", "llamar": "call", "appeler": "call", "anrufen": "call", "打电话": "call",

	"send": "message", "message": "message", "text": "message", "enviar": "message", "mensaje": "message",
	"envoyer": "message", "senden": "message", "nachricht": "message",

	"play": "media", "pause": "media", "music": "media", "song": "media", "reproducir": "media",
	"jouer": "media", "spielen": "media", "播放": "media",

	"lights": "device", "light": "device", "encender": "device", "apagar": "device", "allumer": "device",
	"éteindre": "device", "einschalten": "device", "ausschalten": "device",

	"timer": "timer", "alarm": "timer", "temporizador": "timer", "alarma": "timer", "minuteur": "timer",
	"wecker": "timer", "闹钟": "timer",
}

// actionVerbs are actionable without naming an intent family.
var actionVerbs = map[string]struct{}{
	"set": {}, "cancel": {}, "stop": {}, "book": {}, "create": {}, "add": {}, "turn": {}, "open": {},
	"close": {}, "start": {}, "poner": {}, "cancelar": {}, "crear": {}, "mettre": {}, "annuler": {},
	"créer": {}, "stellen": {}, "abbrechen": {}, "erstellen": {}, "设置": {}, "取消": {},
}

// timeWords anchor intents but are not actionable on their own.
var timeWords = map[string]struct{}{
	"tomorrow": {}, "today": {}, "tonight": {}, "morning": {}, "evening": {},
	"mañana": {}, "hoy": {}, "demain": {}, "aujourd'hui": {},
	"morgen": {}, "heute": {}, "明天": {}, "今天": {},
}

// fillers are dropped outright during repair.
var fillers = map[string]struct{}{
	"uh": {}, "um": {}, "erm": {}, "er": {}, "uhm": {}, "hmm": {}, "mm": {}, "ah": {},
	"eh": {}, "este": {}, "pues": {}, "euh": {}, "ben": {}, "bah": {},
	"äh": {}, "ähm": {}, "öh": {}, "嗯": {}, "呃": {}, "えー": {}, "えっと": {}, "あの": {},
}

// disfluencyPhrases are multi-token markers that only signal disfluency.
var disfluencyPhrases = []string{"you know", "i mean", "o sea", "tu sais", "weißt du", "那个"}

// IsFiller reports whether a normalized token is a filler.
func IsFiller(token string) bool {
	_, ok := fillers[token]
	return ok
}

// HasDisfluency reports whether text carries a disfluency marker in any
// supported language.
func HasDisfluency(text string) bool {
	for _, tok := range stt.NormalizedTokens(text) {
		if IsFiller(tok) {
			return true
		}
	}
	canonical := " " + strings.Join(stt.NormalizedTokens(text), " ") + " "
	for _, phrase := range disfluencyPhrases {
		if strings.Contains(canonical, " "+phrase+" ") {
			return true
		}
	}
	return false
}

// MatchIntentHints returns up to limit distinct intent-hint tokens in text
// order.
func MatchIntentHints(text string, limit int) []string {
	var hints []string
	seen := make(map[string]struct{})
	for _, tok := range stt.NormalizedTokens(text) {
		if len(hints) >= limit {
			break
		}
		if !isHint(tok) {
			continue
		}
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		hints = append(hints, tok)
	}
	return hints
}

// LooksActionable reports whether text names an action on its own.
func LooksActionable(text string) bool {
	for _, tok := range stt.NormalizedTokens(text) {
		if _, ok := intentTypes[tok]; ok {
			return true
		}
		if _, ok := actionVerbs[tok]; ok {
			return true
		}
	}
	return false
}

func isHint(tok string) bool {
	if _, ok := intentTypes[tok]; ok {
		return true
	}
	if _, ok := actionVerbs[tok]; ok {
		return true
	}
	_, ok := timeWords[tok]
	return ok
}
