package gridsync

import "encoding/json"

// parsePayload decodes an event payload into target. Payloads arrive as
// whatever json.Unmarshal produced for interface{}, so they are re-encoded
// and decoded into the concrete type.
func parsePayload(target interface{}, payload interface{}) error {
	if payload == nil {
		return badRequest("", "payload is empty")
	}
	raw, err := json.Marshal(payload)

	if err != nil {
		return wrapF(err, "failed to encode payload")
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return wrapF(err, "failed to decode payload")
	}
	return nil
}

// payloadFileID extracts the file id from a join-file or leave-file payload.
// Clients send either a bare string or an object with a fileId field.
func payloadFileID(payload interface{}) (string, error) {
	switch v := payload.(type) {
	case string:
		if v == "" {
			return "", badRequest(string(gatewayEntity), "fileId is empty")
		}
		return v, nil
	default:
		var p joinFilePayload
		if err := parsePayload(&p, payload); err != nil {
			return "", err
		}
		if p.FileID == "" {
			return "", badRequest(string(gatewayEntity), "fileId is empty")
		}
		return p.FileID, nil
	}
}
