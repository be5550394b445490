package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"wick_core/backend"
)

// errReported marks a failure already written to stdout as a response.
var errReported = errors.New("reported")

type response struct {
	OK    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
	Kind  string `json:"kind,omitempty"`
}

func writeOK(w io.Writer, data any) error {
	out, _ := json.Marshal(response{OK: true, Data: data})
	fmt.Fprintln(w, string(out))
	return nil
}

func writeError(w io.Writer, err error) error {
	out, _ := json.Marshal(response{Error: err.Error(), Kind: backend.Kind(err)})
	fmt.Fprintln(w, string(out))
	return errReported
}
