package event

import (
	"encoding/json"
	"errors"
	"strings"
)

// ContractInfo is the "contract_info" object of a contract extraction answer.
type ContractInfo struct {
	ContractName   string `json:"contract_name"`
	ContractNumber string `json:"contract_number"`
	SignDate       string `json:"sign_date"`
}

// TimelineEntry is one element of "detailed_timeline".
type TimelineEntry struct {
	Description        string `json:"description"`
	RelationToSignDate string `json:"relation_to_sign_date"`
	Date               string `json:"date"`
}

// Extraction is the structured content of a workflow answer. Contract is nil
// when the answer has no contract_info or it is null; blank fields still count.
type Extraction struct {
	Contract *ContractInfo   `json:"contract_info"`
	Timeline []TimelineEntry `json:"detailed_timeline"`
}

var errEmptyAnswer = errors.New("empty answer")

// DecodeExtraction parses a workflow answer that embeds JSON, optionally
// wrapped in a markdown code fence.
func DecodeExtraction(answer string) (Extraction, error) {
	body := StripCodeFence(answer)
	if body == "" {
		return Extraction{}, errEmptyAnswer
	}
	var x Extraction
	if err := json.Unmarshal([]byte(body), &x); err != nil {
		return Extraction{}, err
	}
	return x, nil
}

// StripCodeFence removes ```json / ``` markers around s.
func StripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if nl := strings.IndexByte(s, '\n'); nl >= 0 && !strings.ContainsAny(s[:nl], "{[") {
			s = s[nl+1:]
		} else {
			s = strings.TrimPrefix(s, "json")
		}
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
