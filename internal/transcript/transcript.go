// Package transcript reads chat transcripts in the JSONL layout used by
// SillyTavern-style chat front ends: an optional header object on the first
// line followed by one message object per line.
package transcript

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

// maxLineBytes bounds a single transcript line (long roleplay messages).
const maxLineBytes = 4 * 1024 * 1024

// Message is one chat message.
type Message struct {
	Name     string `json:"name"`
	Text     string `json:"mes"`
	IsUser   bool   `json:"is_user"`
	IsSystem bool   `json:"is_system"`
}

// Header holds the chat-level fields of the first line, when present.
type Header struct {
	UserName      string `json:"user_name"`
	CharacterName string `json:"character_name"`
}

// Transcript is a parsed chat.
type Transcript struct {
	Header   Header
	Messages []Message
}

type line struct {
	Name          string  `json:"name"`
	Mes           *string `json:"mes"`
	IsUser        bool    `json:"is_user"`
	IsSystem      bool    `json:"is_system"`
	UserName      string  `json:"user_name"`
	CharacterName string  `json:"character_name"`
}

// Read parses a JSONL transcript. Blank lines are skipped; a line without a
// "mes" field is treated as the header.
func Read(r io.Reader) (*Transcript, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	t := &Transcript{}
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}

		var l line
		if err := json.Unmarshal([]byte(raw), &l); err != nil {
			return nil, fmt.Errorf("transcript line %d: %w", lineNo, err)
		}
		if l.Mes == nil {
			if l.UserName != "" || l.CharacterName != "" {
				t.Header = Header{UserName: l.UserName, CharacterName: l.CharacterName}
			}
			continue
		}
		t.Messages = append(t.Messages, Message{
			Name:     l.Name,
			Text:     *l.Mes,
			IsUser:   l.IsUser,
			IsSystem: l.IsSystem,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read transcript: %w", err)
	}
	return t, nil
}

// ReadFile parses the transcript at path.
func ReadFile(path string) (*Transcript, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open transcript: %w", err)
	}
	defer func() { _ = f.Close() }()
	return Read(f)
}

// Render formats messages as "Name: text" analysis units. System messages
// and messages with no text are dropped.
func (t *Transcript) Render() []string {
	out := make([]string, 0, len(t.Messages))
	for _, m := range t.Messages {
		text := strings.TrimSpace(m.Text)
		if m.IsSystem || text == "" {
			continue
		}
		name := strings.TrimSpace(m.Name)
		if name == "" {
			out = append(out, text)
			continue
		}
		out = append(out, name+": "+text)
	}
	return out
}

// Batches splits units into consecutive groups of at most size. A
// non-positive size yields one batch.
func Batches(units []string, size int) [][]string {
	if len(units) == 0 {
		return nil
	}
	if size <= 0 || size >= len(units) {
		return [][]string{units}
	}
	batches := make([][]string, 0, (len(units)+size-1)/size)
	for start := 0; start < len(units); start += size {
		end := min(start+size, len(units))
		batches = append(batches, units[start:end])
	}
	return batches
}
