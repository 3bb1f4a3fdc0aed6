package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
)

// EncodeCommit serializes actions as newline-delimited JSON, one action per
// line. A failing action is reported with its index as LineNo.
func EncodeCommit(actions []Action) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, a := range actions {
		if err := enc.Encode(a); err != nil {
			return nil, &ProtocolError{
				Kind:   KindJSON,
				Line:   fmt.Sprintf("%s action #%d", a.Type(), i+1),
				LineNo: i + 1,
				Err:    err,
			}
		}
	}
	return buf.Bytes(), nil
}

// DecodeCommit parses a newline-delimited commit. Blank lines are skipped.
func DecodeCommit(data []byte) ([]Action, error) {
	var actions []Action
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), len(data)+1)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var a Action
		if err := json.Unmarshal(line, &a); err != nil {
			return nil, &ProtocolError{Kind: KindJSON, Line: string(line), LineNo: lineNo, Err: err}
		}
		if a.Type() == "" {
			// unknown action types are tolerated by readers
			continue
		}
		actions = append(actions, a)
	}
	if err := sc.Err(); err != nil {
		return nil, &ProtocolError{Kind: KindJSON, LineNo: lineNo, Err: err}
	}
	return actions, nil
}
