package nats

import (
	"encoding/json"
	"fmt"

	"github.com/midnightgrind/tougelog-service-manager-go/pkg/model"
)

// event history and the duel registry are stored in the KV bucket as
// plain JSON

type eventHist struct{}

func (s eventHist) ToBinary(items []*model.DuelEvent) ([]byte, error) {
	data, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("error marshaling event history: %w", err)
	}
	return data, nil
}

func (s eventHist) FromBinary(data []byte) ([]*model.DuelEvent, error) {
	result := make([]*model.DuelEvent, 0)
	if len(data) == 0 {
		return result, nil
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("error unmarshalling event history: %w", err)
	}
	return result, nil
}

type duelLookupTransfer struct{}

//nolint:whitespace // editor/linter issue
func (s duelLookupTransfer) ToBinary(input map[string]*model.SessionInfo) (
	ret []byte, err error,
) {
	if ret, err = json.Marshal(input); err != nil {
		return nil, fmt.Errorf("error marshaling duel lookup: %w", err)
	}
	return ret, nil
}

//nolint:whitespace // editor/linter issue
func (s duelLookupTransfer) FromBinary(data []byte) (
	ret map[string]*model.SessionInfo,
	err error,
) {
	ret = make(map[string]*model.SessionInfo)
	if len(data) == 0 {
		return ret, nil
	}
	if err = json.Unmarshal(data, &ret); err != nil {
		return nil, fmt.Errorf("error unmarshalling duel lookup: %w", err)
	}
	return ret, nil
}
