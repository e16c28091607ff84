package messaging

import (
	"github.com/goccy/go-json"

	"scheme-hand/models"
)

// EncodeEvent erzeugt die minimale Payload {"type": ..., "scheme_id": ...}.
func EncodeEvent(ev models.ChangeEvent) ([]byte, error) {
	return json.Marshal(ev)
}

// DecodeEvent liest und prüft eine Payload. Unbekannte Typen und fehlende IDs sind ungültig.
func DecodeEvent(payload []byte) (models.ChangeEvent, bool) {
	var ev models.ChangeEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return ev, false
	}
	return ev, ev.Valid()
}
