package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

// text is a string as it travels on the wire. Valid UTF-8 is a plain JSON
// string; anything else (legacy code page output, raw path bytes) is sent as
// {"b64": "..."} so every byte survives the round trip.
type text string

type rawText struct {
	B64 []byte `json:"b64"`
}

func (t text) MarshalJSON() ([]byte, error) {
	if utf8.ValidString(string(t)) {
		return json.Marshal(string(t))
	}
	return json.Marshal(rawText{B64: []byte(t)})
}

func (t *text) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = text(s)
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var raw rawText
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("text field: %w", err)
	}
	if raw.B64 == nil {
		return errors.New("text field: expected string or {\"b64\": ...}")
	}
	*t = text(raw.B64)
	return nil
}

type wireRequest struct {
	Version int         `json:"version"`
	Argv    []text      `json:"argv"`
	Options wireOptions `json:"options"`
}

type wireOptions struct {
	Dir           text            `json:"cwd,omitempty"`
	Env           map[string]text `json:"env,omitempty"`
	CaptureOutput bool            `json:"capture_output"`
}

type wireResult struct {
	ExitCode int  `json:"exit_code"`
	Stdout   text `json:"stdout"`
	Stderr   text `json:"stderr"`
	Error    text `json:"error,omitempty"`
}

func toWireRequest(req *Request) (*wireRequest, error) {
	w := &wireRequest{
		Version: req.Version,
		Argv:    make([]text, len(req.Argv)),
		Options: wireOptions{Dir: text(req.Options.Dir), CaptureOutput: req.Options.CaptureOutput},
	}
	for i, a := range req.Argv {
		w.Argv[i] = text(a)
	}
	if len(req.Options.Env) > 0 {
		w.Options.Env = make(map[string]text, len(req.Options.Env))
		for k, v := range req.Options.Env {
			// Object keys are always JSON strings.
			if !utf8.ValidString(k) {
				return nil, fmt.Errorf("env name %q is not valid UTF-8", k)
			}
			w.Options.Env[k] = text(v)
		}
	}
	return w, nil
}

func (w *wireRequest) request() *Request {
	req := &Request{
		Version: w.Version,
		Argv:    make([]string, len(w.Argv)),
		Options: Options{Dir: string(w.Options.Dir), CaptureOutput: w.Options.CaptureOutput},
	}
	for i, a := range w.Argv {
		req.Argv[i] = string(a)
	}
	if len(w.Options.Env) > 0 {
		req.Options.Env = make(map[string]string, len(w.Options.Env))
		for k, v := range w.Options.Env {
			req.Options.Env[k] = string(v)
		}
	}
	return req
}

func toWireResult(res *Result) *wireResult {
	return &wireResult{
		ExitCode: res.ExitCode,
		Stdout:   text(res.Stdout),
		Stderr:   text(res.Stderr),
		Error:    text(res.Error),
	}
}

func (w *wireResult) result() *Result {
	return &Result{
		ExitCode: w.ExitCode,
		Stdout:   string(w.Stdout),
		Stderr:   string(w.Stderr),
		Error:    string(w.Error),
	}
}
