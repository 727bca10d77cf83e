// Package parser decodes the JSONL output and error streams of a finished
// bulk job into (custom id, text) and (custom id, error message) pairs.
package parser

import (
	"encoding/json"
	"fmt"
)

// outputLine is one line of a bulk job's success output file.
type outputLine struct {
	CustomID string `json:"custom_id"`
	Response struct {
		Body json.RawMessage `json:"body"`
	} `json:"response"`
}

// errorLine is one line of a bulk job's error output file.
type errorLine struct {
	CustomID string `json:"custom_id"`
	Response struct {
		Body struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		} `json:"body"`
	} `json:"response"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// responseBody covers both response formats the inference service returns:
// chat completions (choices) and the responses API (output items).
type responseBody struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Output []struct {
		Type    string `json:"type"`
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	} `json:"output"`
}

// ParseOutputLine extracts the custom id and the text content from one
// success line.
func ParseOutputLine(raw []byte) (string, string, error) {
	var line outputLine
	if err := json.Unmarshal(raw, &line); err != nil {
		return "", "", fmt.Errorf("malformed output line: %w", err)
	}
	if line.CustomID == "" {
		return "", "", fmt.Errorf("output line has no custom_id")
	}
	text, err := ExtractText(line.Response.Body)
	if err != nil {
		return "", "", fmt.Errorf("output line %s: %w", line.CustomID, err)
	}
	return line.CustomID, text, nil
}

// ExtractText pulls the text content out of a response body, handling both
// the chat-completions format and the responses format.
func ExtractText(body json.RawMessage) (string, error) {
	if len(body) == 0 {
		return "", nil
	}
	var resp responseBody
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("malformed response body: %w", err)
	}

	if len(resp.Choices) > 0 {
		return resp.Choices[0].Message.Content, nil
	}

	for _, item := range resp.Output {
		if item.Type != "message" {
			continue
		}
		if len(item.Content) > 0 {
			return item.Content[0].Text, nil
		}
	}

	return "", nil
}

// ParseErrorLine extracts the custom id and error message from one error
// line. A missing custom id yields an empty id; a missing message yields a
// generic one so the caller always has something to deliver.
func ParseErrorLine(raw []byte) (string, string) {
	var line errorLine
	if err := json.Unmarshal(raw, &line); err != nil {
		return "", "Unknown processing error"
	}
	message := line.Response.Body.Error.Message
	if message == "" {
		message = line.Error.Message
	}
	if message == "" {
		message = "Unknown processing error"
	}
	return line.CustomID, message
}
