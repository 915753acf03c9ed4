package natsq

import (
	"encoding/json"
	"fmt"

	"github.com/JakeFAU/stagecrawler/internal/crawler"
)

type envelope struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Encode serializes a request with its kind tag so it can be decoded by any node.
func Encode(req crawler.Request) ([]byte, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", req.Kind(), err)
	}
	data, err := json.Marshal(envelope{Kind: req.Kind().String(), Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return data, nil
}

// Decode reverses Encode.
func Decode(data []byte) (crawler.Request, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	kind, err := crawler.KindByName(env.Kind)
	if err != nil {
		return nil, err
	}
	var req crawler.Request
	switch kind {
	case crawler.KindScheduler:
		req = &crawler.SchedulerRequest{}
	case crawler.KindIngester:
		req = &crawler.IngestRequest{}
	case crawler.KindParser:
		req = &crawler.ParseRequest{}
	case crawler.KindRobotsDownloader:
		req = &crawler.RobotsRequest{}
	default:
		return nil, fmt.Errorf("no request type for kind %q", env.Kind)
	}
	if err := json.Unmarshal(env.Payload, req); err != nil {
		return nil, fmt.Errorf("unmarshal %s request: %w", env.Kind, err)
	}
	return req, nil
}
