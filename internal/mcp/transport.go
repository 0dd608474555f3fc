package mcp

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode"
)

// wireMode is the framing a client used; replies mirror it.
type wireMode int

const (
	wireModeFramed wireMode = iota
	wireModeJSONLine
)

const contentLengthHeader = "content-length"

// readMessage reads one request, detecting LSP-style Content-Length framing
// or newline-delimited JSON from the first non-space bytes.
func readMessage(r *bufio.Reader) ([]byte, wireMode, error) {
	if err := skipSpace(r); err != nil {
		return nil, wireModeFramed, err
	}

	peek, err := r.Peek(len(contentLengthHeader) + 1)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, wireModeFramed, err
	}
	if strings.HasPrefix(strings.ToLower(string(peek)), contentLengthHeader+":") {
		payload, err := readFramedMessage(r)
		return payload, wireModeFramed, err
	}
	payload, err := readJSONLine(r)
	return payload, wireModeJSONLine, err
}

func skipSpace(r *bufio.Reader) error {
	for {
		b, err := r.Peek(1)
		if err != nil {
			return err
		}
		if !unicode.IsSpace(rune(b[0])) {
			return nil
		}
		_, _ = r.ReadByte()
	}
}

func readJSONLine(r *bufio.Reader) ([]byte, error) {
	for {
		line, err := r.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			return line, nil
		}
		if err != nil {
			return nil, io.EOF
		}
	}
}

func readFramedMessage(r *bufio.Reader) ([]byte, error) {
	length := -1
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok || !strings.EqualFold(strings.TrimSpace(name), contentLengthHeader) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("invalid Content-Length: %w", err)
		}
		length = n
	}
	if length <= 0 {
		return nil, errors.New("missing or invalid Content-Length")
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeMessage(w *bufio.Writer, msg response, mode wireMode) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if mode == wireModeJSONLine {
		payload = append(payload, '\n')
	} else if _, err := fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(payload)); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	return w.Flush()
}
